// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/chessbi/internal/chesscom"
	"github.com/cardinalhq/chessbi/internal/etagcache"
	"github.com/cardinalhq/chessbi/internal/ratelimit"
	"github.com/cardinalhq/chessbi/internal/rawstore"
	"github.com/cardinalhq/chessbi/internal/retry"
)

// Config aggregates configuration for the application.
// Each section is owned by its respective package.
type Config struct {
	UserAgent string           `mapstructure:"user_agent"`
	ChessCom  chesscom.Config  `mapstructure:"chesscom"`
	Retry     retry.Policy     `mapstructure:"retry"`
	RateLimit ratelimit.Config `mapstructure:"ratelimit"`
	Ingest    IngestConfig     `mapstructure:"ingest"`
	DuckDB    DuckDBConfig     `mapstructure:"duckdb"`
}

// IngestConfig holds the defaults for `ingest chesscom` flags.
type IngestConfig struct {
	OutDir    string `mapstructure:"out_dir"`
	CachePath string `mapstructure:"cache_path"`
	MaxMonths int    `mapstructure:"max_months"`
}

func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		OutDir:    rawstore.DefaultOutDir,
		CachePath: etagcache.DefaultPath,
		MaxMonths: 3,
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "CHESSBI" and the dot character
// in keys is replaced by an underscore. For example, "retry.max_attempts"
// becomes "CHESSBI_RETRY_MAX_ATTEMPTS" and "user_agent" becomes
// "CHESSBI_USER_AGENT".
func Load() (*Config, error) {
	cfg := &Config{
		UserAgent: chesscom.DefaultUserAgent,
		ChessCom:  chesscom.DefaultConfig(),
		Retry:     retry.DefaultPolicy(),
		RateLimit: ratelimit.DefaultConfig(),
		Ingest:    DefaultIngestConfig(),
		DuckDB:    DefaultDuckDBConfig(),
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CHESSBI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
