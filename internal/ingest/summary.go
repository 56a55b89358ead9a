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

package ingest

import (
	"time"

	"github.com/cardinalhq/chessbi/internal/apierr"
)

// Outcome is the terminal state of one resource within a run.
type Outcome string

const (
	OutcomeFetched     Outcome = "fetched"
	OutcomeNotModified Outcome = "not_modified"
	OutcomeFailed      Outcome = "failed"
)

// ResourceResult records what happened to one monthly archive.
type ResourceResult struct {
	Month    string        `json:"month" yaml:"month"`
	URL      string        `json:"url" yaml:"url"`
	Outcome  Outcome       `json:"outcome" yaml:"outcome"`
	Attempts int           `json:"attempts" yaml:"attempts"`
	Games    int           `json:"games,omitempty" yaml:"games,omitempty"`
	ETag     string        `json:"etag,omitempty" yaml:"etag,omitempty"`
	Location string        `json:"location,omitempty" yaml:"location,omitempty"`
	Kind     apierr.Kind   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Reason   string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Failure is a failed resource as listed in the summary.
type Failure struct {
	Month  string      `json:"month" yaml:"month"`
	Kind   apierr.Kind `json:"kind" yaml:"kind"`
	Reason string      `json:"reason" yaml:"reason"`
}

// Summary is the result of one run. It is built fresh per run and never
// persisted.
type Summary struct {
	RunID      string           `json:"run_id" yaml:"run_id"`
	Owner      string           `json:"owner" yaml:"owner"`
	Months     []string         `json:"months" yaml:"months"`
	StartedAt  time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time        `json:"finished_at" yaml:"finished_at"`
	Attempted  int              `json:"attempted" yaml:"attempted"`
	Fetched    int              `json:"fetched" yaml:"fetched"`
	Unchanged  int              `json:"skipped_unchanged" yaml:"skipped_unchanged"`
	Failed     int              `json:"failed" yaml:"failed"`
	Games      int              `json:"games" yaml:"games"`
	Results    []ResourceResult `json:"results" yaml:"results"`
	Failures   []Failure        `json:"failures" yaml:"failures"`
}

func (s *Summary) record(r ResourceResult) {
	s.Attempted++
	switch r.Outcome {
	case OutcomeFetched:
		s.Fetched++
		s.Games += r.Games
	case OutcomeNotModified:
		s.Unchanged++
	case OutcomeFailed:
		s.Failed++
		s.Failures = append(s.Failures, Failure{Month: r.Month, Kind: r.Kind, Reason: r.Reason})
	}
	s.Results = append(s.Results, r)
}

// Duration is the wall time between start and finish of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
