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
	"github.com/cardinalhq/chessbi/internal/etagcache"
)

func init() {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the conditional-request cache",
	}

	var cachePath, output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cached version tags",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cachePath == "" {
				cachePath = cfg.Ingest.CachePath
			}

			doneCtx, doneFx, err := setupTelemetry("chessbi-cache")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			return runCacheList(doneCtx, cachePath, output, os.Stdout)
		},
	}
	listCmd.Flags().StringVar(&cachePath, "cache-path", "", "ETag cache file (default from config)")
	listCmd.Flags().StringVar(&output, "output", "text", "Output format: text, json or yaml")

	cacheCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheList(ctx context.Context, cachePath, output string, out io.Writer) error {
	format, err := parseOutputFormat(output)
	if err != nil {
		return err
	}

	store, err := etagcache.Open(ctx, cachePath)
	if err != nil {
		return fmt.Errorf("failed to open etag cache: %w", err)
	}
	entries, err := store.Entries(ctx)
	if cerr := closeAll(store); cerr != nil {
		slog.Error("Error closing etag cache", slog.Any("error", cerr))
	}
	if err != nil {
		return fmt.Errorf("failed to list etag cache: %w", err)
	}
	return writeCacheEntries(out, entries, format)
}
