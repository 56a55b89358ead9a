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

package warehouse

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/chessbi/internal/duckdbx"
)

const oneGame = `{
  "games": [
    {
      "url": "https://www.chess.com/game/live/200000001",
      "time_control": "60",
      "end_time": 1706745600,
      "rated": true,
      "time_class": "bullet",
      "rules": "chess",
      "white": {"rating": 1600, "result": "timeout", "username": "alice"},
      "black": {"rating": 1610, "result": "win", "username": "dave"}
    }
  ]
}
`

func writeRaw(t *testing.T, dir, owner, month string, data []byte) {
	p := filepath.Join(dir, "chesscom", owner, month+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func openDB(t *testing.T) *duckdbx.LocalDB {
	db, err := duckdbx.NewLocalDB(duckdbx.WithLocalDatabasePath(filepath.Join(t.TempDir(), "warehouse.ddb")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadRaw(t *testing.T) {
	rawDir := t.TempDir()
	fixture, err := os.ReadFile("../gamerecord/testdata/games_2024_01.json")
	require.NoError(t, err)
	writeRaw(t, rawDir, "alice", "2024-01", fixture)
	writeRaw(t, rawDir, "alice", "2024-02", []byte(oneGame))

	db := openDB(t)
	ctx := context.Background()

	res, err := LoadRaw(ctx, db, rawDir)
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Files: 2, Archives: 2, Games: 3}, res)

	var filename string
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT filename FROM raw_chesscom_games WHERE game.url = 'https://www.chess.com/game/live/200000001'",
	).Scan(&filename))
	assert.Equal(t, "2024-02.json", filepath.Base(filename))

	// Loading again replaces rather than appends.
	res, err = LoadRaw(ctx, db, rawDir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Archives)
	assert.Equal(t, int64(3), res.Games)
}

func TestLoadRawNoFiles(t *testing.T) {
	_, err := LoadRaw(context.Background(), openDB(t), t.TempDir())
	assert.ErrorIs(t, err, ErrNoRawFiles)
}
