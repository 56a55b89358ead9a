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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cardinalhq/chessbi/internal/logctx"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int                  `json:"version"`
	Entries map[string]fileEntry `json:"entries"`
}

type fileEntry struct {
	ETag      string    `json:"etag"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FileStore keeps the cache in a single JSON document. The whole document
// is rewritten atomically on every Record.
type FileStore struct {
	path string

	mu      sync.Mutex
	entries map[string]fileEntry
}

var _ Store = (*FileStore)(nil)

// OpenFileStore loads the document at path. A missing file is an empty
// cache; an unreadable or corrupt one is logged and treated as empty.
func OpenFileStore(ctx context.Context, path string) (*FileStore, error) {
	s := &FileStore{path: path, entries: map[string]fileEntry{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		logctx.FromContext(ctx).Warn("Unreadable ETag cache, starting empty",
			slog.String("path", path), slog.Any("error", err))
		return s, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil || doc.Entries == nil {
		logctx.FromContext(ctx).Warn("Corrupt ETag cache, starting empty",
			slog.String("path", path), slog.Any("error", err))
		return s, nil
	}
	for k, e := range doc.Entries {
		if _, err := ParseKey(k); err != nil {
			continue
		}
		s.entries[k] = e
	}
	return s, nil
}

func (s *FileStore) Lookup(_ context.Context, key Key) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Key: key, ETag: e.ETag, FetchedAt: e.FetchedAt}, true, nil
}

func (s *FileStore) Record(_ context.Context, key Key, etag string, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	prev, had := s.entries[k]
	s.entries[k] = fileEntry{ETag: etag, FetchedAt: fetchedAt.UTC()}
	if err := s.flush(); err != nil {
		if had {
			s.entries[k] = prev
		} else {
			delete(s.entries, k)
		}
		return err
	}
	return nil
}

func (s *FileStore) Entries(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		key, err := ParseKey(k)
		if err != nil {
			continue
		}
		out = append(out, Entry{Key: key, ETag: e.ETag, FetchedAt: e.FetchedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// flush writes the document to a temp file next to path and renames it
// into place. Caller holds mu.
func (s *FileStore) flush() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Entries: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".etags-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
