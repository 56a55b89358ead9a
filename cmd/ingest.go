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

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/chessbi/config"
	"github.com/cardinalhq/chessbi/internal/archive"
	"github.com/cardinalhq/chessbi/internal/chesscom"
	"github.com/cardinalhq/chessbi/internal/etagcache"
	"github.com/cardinalhq/chessbi/internal/ingest"
	"github.com/cardinalhq/chessbi/internal/ratelimit"
	"github.com/cardinalhq/chessbi/internal/rawstore"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull raw game archives from an upstream source",
}

type ingestOptions struct {
	username  string
	since     string
	maxMonths int
	latest    bool
	out       string
	cachePath string
	output    string
}

func init() {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "chesscom",
		Short: "Fetch a player's monthly archives from Chess.com",
		Long: `Fetch a player's monthly game archives from the Chess.com public API.

Months already fetched are requested conditionally and skipped when the
upstream reports them unchanged. Each fetched month is validated and written
to <out>/chesscom/<username>/<YYYY-MM>.json.`,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyIngestDefaults(c, cfg, &opts)

			doneCtx, doneFx, err := setupTelemetry("chessbi-ingest")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			return runIngest(doneCtx, cfg, opts, os.Stdout)
		},
	}

	bindIngestFlags(cmd, &opts)
	_ = cmd.MarkFlagRequired("username")

	ingestCmd.AddCommand(cmd)
	rootCmd.AddCommand(ingestCmd)
}

func bindIngestFlags(cmd *cobra.Command, opts *ingestOptions) {
	cmd.Flags().StringVar(&opts.username, "username", "", "Chess.com username (required)")
	cmd.Flags().StringVar(&opts.since, "since", "", "Skip months before this one (YYYY-MM)")
	cmd.Flags().IntVar(&opts.maxMonths, "max-months", 0, "Fetch at most this many months, 0 for all (default from config, the newest 3)")
	cmd.Flags().BoolVar(&opts.latest, "latest", false, "Take the newest months instead of the oldest from --since")
	cmd.Flags().StringVar(&opts.out, "out", "", "Raw output directory or s3://bucket/prefix (default from config, data/raw)")
	cmd.Flags().StringVar(&opts.cachePath, "cache-path", "", "ETag cache file; .ddb/.duckdb selects DuckDB (default from config)")
	cmd.Flags().StringVar(&opts.output, "output", "text", "Summary format: text, json or yaml")
}

// applyIngestDefaults fills flags the user did not set from configuration.
// A month cap taken from configuration keeps the newest months unless the
// user gave --since, so repeated bare runs follow the upstream forward.
func applyIngestDefaults(c *cobra.Command, cfg *config.Config, opts *ingestOptions) {
	if !c.Flags().Changed("max-months") {
		opts.maxMonths = cfg.Ingest.MaxMonths
		if opts.since == "" && !c.Flags().Changed("latest") {
			opts.latest = true
		}
	}
	if opts.out == "" {
		opts.out = cfg.Ingest.OutDir
	}
	if opts.cachePath == "" {
		opts.cachePath = cfg.Ingest.CachePath
	}
}

func (o ingestOptions) filter() (archive.Filter, error) {
	if o.maxMonths < 0 {
		return archive.Filter{}, fmt.Errorf("--max-months must not be negative, got %d", o.maxMonths)
	}
	f := archive.Filter{MaxCount: o.maxMonths, Latest: o.latest}
	if o.since != "" {
		ym, err := archive.ParseYearMonth(o.since)
		if err != nil {
			return archive.Filter{}, fmt.Errorf("invalid --since: %w", err)
		}
		f.Since = &ym
	}
	return f, nil
}

// runIngest performs one run and prints its summary. The summary is printed
// even when the run fails; the error is returned only when enumeration
// failed or the run was interrupted.
func runIngest(ctx context.Context, cfg *config.Config, opts ingestOptions, out io.Writer) error {
	format, err := parseOutputFormat(opts.output)
	if err != nil {
		return err
	}
	filter, err := opts.filter()
	if err != nil {
		return err
	}

	cache, err := etagcache.Open(ctx, opts.cachePath)
	if err != nil {
		return fmt.Errorf("failed to open etag cache: %w", err)
	}
	defer func() {
		if cerr := closeAll(cache); cerr != nil {
			slog.Error("Error closing resources", slog.Any("error", cerr))
		}
	}()

	sink, err := rawstore.Open(ctx, opts.out)
	if err != nil {
		return fmt.Errorf("failed to open raw output %q: %w", opts.out, err)
	}

	client := chesscom.New(cfg.ChessCom, cfg.UserAgent)
	limiter := ratelimit.New(cfg.RateLimit)
	orch, err := ingest.New(client, cache, sink, limiter, ingest.WithRetryPolicy(cfg.Retry))
	if err != nil {
		return err
	}

	summary, runErr := orch.Run(ctx, opts.username, filter)
	if summary != nil {
		if werr := writeSummary(out, summary, format); werr != nil {
			slog.Error("Failed to write summary", slog.Any("error", werr))
		}
	}
	return runErr
}
