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

// Package gamerecord validates monthly game payloads before they are
// written as raw records.
package gamerecord

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/cardinalhq/chessbi/internal/apierr"
)

// Field is one required path inside a game and the JSON type it must have.
type Field struct {
	Path string
	Type gjson.Type
}

// RequiredFields are checked on every game. gjson reports booleans as
// True/False, which Validate treats as one type.
var RequiredFields = []Field{
	{"url", gjson.String},
	{"end_time", gjson.Number},
	{"time_control", gjson.String},
	{"time_class", gjson.String},
	{"rated", gjson.True},
	{"white.username", gjson.String},
	{"white.rating", gjson.Number},
	{"white.result", gjson.String},
	{"black.username", gjson.String},
	{"black.rating", gjson.Number},
	{"black.result", gjson.String},
}

// Batch is a validated monthly payload.
type Batch struct {
	// Games holds each game exactly as the upstream sent it.
	Games []json.RawMessage
	// Payload is the deterministic encoding written to the raw sink.
	Payload []byte
}

func (b Batch) Len() int { return len(b.Games) }

// Validate checks the payload shape and every game's required fields. The
// first violation is returned as an apierr.KindValidationError.
func Validate(body []byte) (Batch, error) {
	if !gjson.ValidBytes(body) {
		return Batch{}, invalid("payload is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Batch{}, invalid("payload is not a JSON object")
	}
	games := root.Get("games")
	if !games.Exists() {
		return Batch{}, invalid("payload is missing %q", "games")
	}
	if !games.IsArray() {
		return Batch{}, invalid("%q is not an array", "games")
	}

	var batch Batch
	var verr error
	games.ForEach(func(_, game gjson.Result) bool {
		i := len(batch.Games)
		if !game.IsObject() {
			verr = invalid("game %d is not an object", i)
			return false
		}
		for _, f := range RequiredFields {
			v := game.Get(f.Path)
			if !v.Exists() || v.Type == gjson.Null {
				verr = invalid("game %d is missing %q", i, f.Path)
				return false
			}
			if !typeMatches(v.Type, f.Type) {
				verr = invalid("game %d field %q is %s, want %s", i, f.Path, v.Type, typeName(f.Type))
				return false
			}
		}
		batch.Games = append(batch.Games, json.RawMessage(game.Raw))
		return true
	})
	if verr != nil {
		return Batch{}, verr
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return Batch{}, invalid("reformat payload: %v", err)
	}
	buf.WriteByte('\n')
	batch.Payload = buf.Bytes()
	return batch, nil
}

func typeMatches(got, want gjson.Type) bool {
	if want == gjson.True || want == gjson.False {
		return got == gjson.True || got == gjson.False
	}
	return got == want
}

func typeName(t gjson.Type) string {
	if t == gjson.True || t == gjson.False {
		return "boolean"
	}
	return t.String()
}

func invalid(format string, args ...any) error {
	return &apierr.Error{Kind: apierr.KindValidationError, Op: "validate payload", Err: fmt.Errorf(format, args...)}
}
