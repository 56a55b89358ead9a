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

// Package rawstore persists validated monthly payloads, one object per
// owner and month, on the local filesystem or in S3.
package rawstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cardinalhq/chessbi/internal/archive"
)

// DefaultOutDir is the local root used when no destination is configured.
const DefaultOutDir = "data/raw"

const sourcePrefix = "chesscom"

// Sink stores one raw payload. Writing the same key again replaces the
// previous object, so readers see either the old or the new payload.
type Sink interface {
	// Write stores data under key and returns where it ended up.
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// ObjectKey is the slash separated key for an owner's month, relative to
// the sink root: chesscom/<owner>/<YYYY-MM>.json.
func ObjectKey(owner string, month archive.YearMonth) string {
	return path.Join(sourcePrefix, owner, month.String()+".json")
}

// Open selects a sink from a destination. s3://bucket/prefix writes to S3,
// anything else is a local directory.
func Open(ctx context.Context, dest string) (Sink, error) {
	if dest == "" {
		dest = DefaultOutDir
	}
	if rest, ok := strings.CutPrefix(dest, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("invalid S3 destination %q: missing bucket", dest)
		}
		return NewS3Sink(ctx, bucket, prefix)
	}
	return NewFileSink(dest), nil
}
