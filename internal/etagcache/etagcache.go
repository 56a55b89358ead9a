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

// Package etagcache remembers the last version tag seen for each monthly
// archive so later runs can ask the upstream for "not modified".
package etagcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key identifies one monthly archive of one owner.
type Key struct {
	Owner string
	Year  int
	Month int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%04d-%02d", k.Owner, k.Year, k.Month)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 {
		return Key{}, fmt.Errorf("invalid cache key %q", s)
	}
	ym := s[i+1:]
	if len(ym) != 7 || ym[4] != '-' {
		return Key{}, fmt.Errorf("invalid cache key %q", s)
	}
	year, err := strconv.Atoi(ym[:4])
	if err != nil {
		return Key{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	month, err := strconv.Atoi(ym[5:])
	if err != nil || month < 1 || month > 12 {
		return Key{}, fmt.Errorf("invalid cache key %q: bad month", s)
	}
	return Key{Owner: s[:i], Year: year, Month: month}, nil
}

// Entry is the cached state of one archive.
type Entry struct {
	Key       Key
	ETag      string
	FetchedAt time.Time
}

// Store is a durable mapping from archive key to its last version tag.
// Record must only be called after the content for that tag was persisted.
type Store interface {
	Lookup(ctx context.Context, key Key) (Entry, bool, error)
	Record(ctx context.Context, key Key, etag string, fetchedAt time.Time) error
	Entries(ctx context.Context) ([]Entry, error)
	Close() error
}

// DefaultPath is where the tag cache lives unless configured otherwise.
const DefaultPath = ".cache/chesscom_etags.json"

// Open returns the store for path: a DuckDB table for .ddb/.duckdb files,
// otherwise a JSON document.
func Open(ctx context.Context, path string) (Store, error) {
	if path == "" {
		path = DefaultPath
	}
	switch {
	case strings.HasSuffix(path, ".ddb"), strings.HasSuffix(path, ".duckdb"):
		return OpenDuckDBStore(ctx, path)
	default:
		return OpenFileStore(ctx, path)
	}
}
