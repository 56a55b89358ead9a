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

package etagcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cardinalhq/chessbi/internal/duckdbx"
)

const createETagTable = `
CREATE TABLE IF NOT EXISTS chesscom_etags (
	owner      VARCHAR   NOT NULL,
	year       INTEGER   NOT NULL,
	month      INTEGER   NOT NULL,
	etag       VARCHAR   NOT NULL,
	fetched_at TIMESTAMP NOT NULL,
	PRIMARY KEY (owner, year, month)
)`

const upsertETag = `
INSERT INTO chesscom_etags (owner, year, month, etag, fetched_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (owner, year, month) DO UPDATE SET
	etag = excluded.etag,
	fetched_at = excluded.fetched_at`

// DuckDBStore keeps the cache in the chesscom_etags table of a DuckDB file,
// which can be the same file the warehouse is loaded into.
type DuckDBStore struct {
	db *duckdbx.LocalDB
}

var _ Store = (*DuckDBStore)(nil)

func OpenDuckDBStore(ctx context.Context, path string) (*DuckDBStore, error) {
	db, err := duckdbx.NewLocalDB(duckdbx.WithLocalDatabasePath(path), duckdbx.WithLocalThreads(1))
	if err != nil {
		return nil, fmt.Errorf("open etag database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createETagTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create etag table: %w", err)
	}
	return &DuckDBStore{db: db}, nil
}

func (s *DuckDBStore) Lookup(ctx context.Context, key Key) (Entry, bool, error) {
	e := Entry{Key: key}
	err := s.db.QueryRowContext(ctx,
		"SELECT etag, fetched_at FROM chesscom_etags WHERE owner = ? AND year = ? AND month = ?",
		key.Owner, key.Year, key.Month,
	).Scan(&e.ETag, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup etag %s: %w", key, err)
	}
	e.FetchedAt = e.FetchedAt.UTC()
	return e, true, nil
}

func (s *DuckDBStore) Record(ctx context.Context, key Key, etag string, fetchedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, upsertETag, key.Owner, key.Year, key.Month, etag, fetchedAt.UTC()); err != nil {
		return fmt.Errorf("record etag %s: %w", key, err)
	}
	return nil
}

func (s *DuckDBStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT owner, year, month, etag, fetched_at FROM chesscom_etags ORDER BY owner, year, month")
	if err != nil {
		return nil, fmt.Errorf("list etags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key.Owner, &e.Key.Year, &e.Key.Month, &e.ETag, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan etag row: %w", err)
		}
		e.FetchedAt = e.FetchedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) Close() error {
	return s.db.Close()
}
