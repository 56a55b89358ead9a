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
	"strings"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/chessbi/config"
	"github.com/cardinalhq/chessbi/internal/duckdbx"
	"github.com/cardinalhq/chessbi/internal/warehouse"
)

const defaultWarehousePath = "data/chessbi.duckdb"

func init() {
	var dbPath, rawDir string

	cmd := &cobra.Command{
		Use:   "load-duckdb",
		Short: "Load raw archives into a DuckDB warehouse",
		Long: `Replace the raw_chesscom_archives table with every raw archive file under
--raw-dir and (re)create the raw_chesscom_games view, one row per game.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if rawDir == "" {
				rawDir = cfg.Ingest.OutDir
			}

			doneCtx, doneFx, err := setupTelemetry("chessbi-load-duckdb")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			return runLoadDuckDB(doneCtx, cfg.DuckDB, dbPath, rawDir, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", defaultWarehousePath, "DuckDB database file")
	cmd.Flags().StringVar(&rawDir, "raw-dir", "", "Local raw output directory (default from config, data/raw)")

	rootCmd.AddCommand(cmd)
}

func runLoadDuckDB(ctx context.Context, dcfg config.DuckDBConfig, dbPath, rawDir string, out io.Writer) (err error) {
	if strings.HasPrefix(rawDir, "s3://") {
		return fmt.Errorf("--raw-dir must be a local directory, got %q", rawDir)
	}

	opts := append([]duckdbx.LocalDBOption{duckdbx.WithLocalDatabasePath(dbPath)}, dcfg.LocalDBOptions()...)
	db, err := duckdbx.NewLocalDB(opts...)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer func() {
		if cerr := closeAll(db); cerr != nil && err == nil {
			err = cerr
		}
	}()

	res, err := warehouse.LoadRaw(ctx, db, rawDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded %d archives (%d games) from %d files into %s\n",
		res.Archives, res.Games, res.Files, dbPath)
	return nil
}
