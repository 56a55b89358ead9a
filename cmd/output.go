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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/chessbi/internal/etagcache"
	"github.com/cardinalhq/chessbi/internal/ingest"
)

type outputFormat string

const (
	outputText outputFormat = "text"
	outputJSON outputFormat = "json"
	outputYAML outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case outputText, outputJSON, outputYAML:
		return f, nil
	case "":
		return outputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

func encode(w io.Writer, v any, format outputFormat) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q is not a structured encoding", format)
	}
}

func writeSummary(w io.Writer, s *ingest.Summary, format outputFormat) error {
	if format != outputText {
		return encode(w, s, format)
	}

	fmt.Fprintf(w, "Run %s for %s\n", s.RunID, s.Owner)
	fmt.Fprintf(w, "Months: %s\n", strings.Join(s.Months, ", "))
	fmt.Fprintf(w, "Attempted %d, fetched %d, unchanged %d, failed %d, games %d in %s\n",
		s.Attempted, s.Fetched, s.Unchanged, s.Failed, s.Games, s.Duration().Round(time.Millisecond))
	if len(s.Results) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MONTH\tOUTCOME\tATTEMPTS\tGAMES\tDETAIL")
	for _, r := range s.Results {
		detail := r.Location
		if r.Outcome == ingest.OutcomeFailed {
			detail = fmt.Sprintf("%s: %s", r.Kind, r.Reason)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.Month, r.Outcome, r.Attempts, r.Games, detail)
	}
	return tw.Flush()
}

type cacheRow struct {
	Key       string    `json:"key" yaml:"key"`
	ETag      string    `json:"etag" yaml:"etag"`
	FetchedAt time.Time `json:"fetched_at" yaml:"fetched_at"`
}

func writeCacheEntries(w io.Writer, entries []etagcache.Entry, format outputFormat) error {
	if format != outputText {
		rows := make([]cacheRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, cacheRow{Key: e.Key.String(), ETag: e.ETag, FetchedAt: e.FetchedAt})
		}
		return encode(w, rows, format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tETAG\tFETCHED AT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, e.ETag, e.FetchedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
