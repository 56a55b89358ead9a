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

// Package warehouse copies raw archive files into DuckDB as-is, for the
// SQL transforms that run downstream.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cardinalhq/chessbi/internal/duckdbx"
	"github.com/cardinalhq/chessbi/internal/logctx"
)

const (
	ArchivesTable = "raw_chesscom_archives"
	GamesView     = "raw_chesscom_games"

	// maxObjectBytes bounds one archive document; a busy month can be large.
	maxObjectBytes = 64 * 1024 * 1024
)

var ErrNoRawFiles = errors.New("no raw archive files found")

// LoadResult counts what LoadRaw left in the warehouse.
type LoadResult struct {
	Files    int
	Archives int64
	Games    int64
}

// LoadRaw replaces the raw archive table with every
// <rawDir>/chesscom/<owner>/<YYYY-MM>.json file, one row per file with its
// source filename, and (re)creates a view with one row per game.
func LoadRaw(ctx context.Context, db *duckdbx.LocalDB, rawDir string) (LoadResult, error) {
	ll := logctx.FromContext(ctx)

	pattern := filepath.Join(rawDir, "chesscom", "*", "*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return LoadResult{}, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(files) == 0 {
		return LoadResult{}, fmt.Errorf("%w under %s", ErrNoRawFiles, rawDir)
	}

	createTable := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS SELECT * FROM read_json_auto('%s', filename = true, maximum_object_size = %d)",
		duckdbx.QuoteIdent(ArchivesTable), duckdbx.EscapeSingle(pattern), maxObjectBytes)
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return LoadResult{}, fmt.Errorf("load %s: %w", ArchivesTable, err)
	}

	createView := fmt.Sprintf(
		"CREATE OR REPLACE VIEW %s AS SELECT filename, unnest(games) AS game FROM %s",
		duckdbx.QuoteIdent(GamesView), duckdbx.QuoteIdent(ArchivesTable))
	if _, err := db.ExecContext(ctx, createView); err != nil {
		return LoadResult{}, fmt.Errorf("create view %s: %w", GamesView, err)
	}

	res := LoadResult{Files: len(files)}
	if res.Archives, err = count(ctx, db, ArchivesTable); err != nil {
		return LoadResult{}, err
	}
	if res.Games, err = count(ctx, db, GamesView); err != nil {
		return LoadResult{}, err
	}

	ll.Info("Loaded raw archives into warehouse",
		slog.String("database", db.GetDatabasePath()),
		slog.Int("files", res.Files),
		slog.Int64("archives", res.Archives),
		slog.Int64("games", res.Games))
	return res, nil
}

func count(ctx context.Context, db *duckdbx.LocalDB, relation string) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+duckdbx.QuoteIdent(relation)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", relation, err)
	}
	return n, nil
}
