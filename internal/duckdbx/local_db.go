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

package duckdbx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/marcboeker/go-duckdb/v2"
)

// LocalDB is a DuckDB file opened for local-only work: the raw warehouse
// and the ETag table. It never loads network extensions.
type LocalDB struct {
	dbPath         string
	cleanupOnClose bool

	db *sql.DB

	memoryLimitMB int64
	tempDir       string
	threads       int
}

type localDBConfig struct {
	dbPath        *string
	threads       *int
	memoryLimitMB *int64
	tempDir       *string
}

type LocalDBOption func(*localDBConfig)

// WithLocalDatabasePath opens (creating if needed) the database at path.
// Without it a throwaway database in a temp dir is used.
func WithLocalDatabasePath(path string) LocalDBOption {
	return func(cfg *localDBConfig) {
		if path == "" {
			panic("WithLocalDatabasePath: path must not be empty")
		}
		cfg.dbPath = &path
	}
}

func WithLocalThreads(n int) LocalDBOption {
	return func(cfg *localDBConfig) {
		if n < 1 {
			n = 1
		}
		cfg.threads = &n
	}
}

// WithLocalMemoryLimitMB overrides DUCKDB_MEMORY_LIMIT.
func WithLocalMemoryLimitMB(mb int64) LocalDBOption {
	return func(cfg *localDBConfig) { cfg.memoryLimitMB = &mb }
}

// WithLocalTempDirectory overrides DUCKDB_TEMP_DIRECTORY.
func WithLocalTempDirectory(dir string) LocalDBOption {
	return func(cfg *localDBConfig) { cfg.tempDir = &dir }
}

func NewLocalDB(opts ...LocalDBOption) (*LocalDB, error) {
	cfg := &localDBConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var dbPath string
	var cleanupOnClose bool
	if cfg.dbPath != nil {
		dbPath = *cfg.dbPath
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for LocalDB: %w", err)
		}
	} else {
		dbDir, err := os.MkdirTemp("", "chessbi-duckdb-local-*")
		if err != nil {
			return nil, fmt.Errorf("create temp dir for LocalDB: %w", err)
		}
		dbPath = filepath.Join(dbDir, "local.ddb")
		cleanupOnClose = true
	}

	threads := envIntClamp("DUCKDB_THREADS", runtime.GOMAXPROCS(0), 1, 256)
	if cfg.threads != nil {
		threads = *cfg.threads
	}

	l := &LocalDB{
		dbPath:         dbPath,
		cleanupOnClose: cleanupOnClose,
		memoryLimitMB:  envInt64("DUCKDB_MEMORY_LIMIT", 0),
		tempDir:        os.Getenv("DUCKDB_TEMP_DIRECTORY"),
		threads:        threads,
	}
	if cfg.memoryLimitMB != nil {
		l.memoryLimitMB = *cfg.memoryLimitMB
	}
	if cfg.tempDir != nil {
		l.tempDir = *cfg.tempDir
	}

	slog.Debug("duckdbx: LocalDB init",
		slog.String("dbPath", dbPath),
		slog.Int("threads", threads),
		slog.Int64("memoryLimitMB", l.memoryLimitMB))

	// Do not use a request ctx inside the init hook.
	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		ctx := context.Background()

		_, _ = execer.ExecContext(ctx, "SET autoinstall_known_extensions = false;", nil)
		_, _ = execer.ExecContext(ctx, "SET autoload_known_extensions = false;", nil)

		if l.memoryLimitMB > 0 {
			_, _ = execer.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%dMB';", l.memoryLimitMB), nil)
		}
		if l.tempDir != "" {
			_, _ = execer.ExecContext(ctx, fmt.Sprintf("SET temp_directory='%s';", EscapeSingle(l.tempDir)), nil)
		}
		_, _ = execer.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", l.threads), nil)
		return nil
	})
	if err != nil {
		if cleanupOnClose {
			_ = os.RemoveAll(filepath.Dir(dbPath))
		}
		return nil, fmt.Errorf("create duckdb connector: %w", err)
	}

	// A single connection: DuckDB files take one writer and every caller here
	// is sequential.
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l.db = db
	return l, nil
}

func (l *LocalDB) Close() error {
	var err error
	if l.db != nil {
		err = l.db.Close()
	}
	if l.cleanupOnClose && l.dbPath != "" {
		_ = os.RemoveAll(filepath.Dir(l.dbPath))
	}
	return err
}

func (l *LocalDB) GetDatabasePath() string { return l.dbPath }

// ExecContext runs a statement on the shared handle.
func (l *LocalDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return l.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the shared handle.
func (l *LocalDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return l.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the shared handle.
func (l *LocalDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return l.db.QueryRowContext(ctx, query, args...)
}
