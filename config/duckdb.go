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
	"github.com/cardinalhq/chessbi/internal/duckdbx"
)

// DuckDBConfig holds DuckDB settings for the warehouse database.
type DuckDBConfig struct {
	MemoryLimit   int64  `mapstructure:"memory_limit"`   // Memory limit in MB (0 = unlimited)
	TempDirectory string `mapstructure:"temp_directory"` // Directory for spill files
	Threads       int    `mapstructure:"threads"`        // 0 = GOMAXPROCS
}

func DefaultDuckDBConfig() DuckDBConfig {
	return DuckDBConfig{}
}

// LocalDBOptions turns the configured values into duckdbx options. Unset
// values fall through to duckdbx's own environment defaults.
func (c DuckDBConfig) LocalDBOptions() []duckdbx.LocalDBOption {
	var opts []duckdbx.LocalDBOption
	if c.MemoryLimit > 0 {
		opts = append(opts, duckdbx.WithLocalMemoryLimitMB(c.MemoryLimit))
	}
	if c.TempDirectory != "" {
		opts = append(opts, duckdbx.WithLocalTempDirectory(c.TempDirectory))
	}
	if c.Threads > 0 {
		opts = append(opts, duckdbx.WithLocalThreads(c.Threads))
	}
	return opts
}
