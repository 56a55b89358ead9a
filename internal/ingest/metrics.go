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
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/chessbi/internal/apierr"
)

type runMetrics struct {
	resources metric.Int64Counter
	games     metric.Int64Counter
	duration  metric.Float64Histogram
	retries   metric.Int64Counter
}

func newRunMetrics(meter metric.Meter) (*runMetrics, error) {
	resources, err := meter.Int64Counter(
		"chessbi.ingest.resources",
		metric.WithDescription("Monthly archives processed, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest.resources counter: %w", err)
	}

	games, err := meter.Int64Counter(
		"chessbi.ingest.games",
		metric.WithDescription("Games written to the raw sink"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest.games counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"chessbi.ingest.resource.duration",
		metric.WithDescription("Time spent on one monthly archive, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest.resource.duration histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		"chessbi.ingest.retries",
		metric.WithDescription("Upstream calls retried after a transient failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest.retries counter: %w", err)
	}

	return &runMetrics{resources: resources, games: games, duration: duration, retries: retries}, nil
}

// retryNotifier counts each retry wait, labelled by call and failure kind.
func (m *runMetrics) retryNotifier(ctx context.Context, call string) func(int, error, time.Duration) {
	return func(_ int, err error, _ time.Duration) {
		m.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("call", call),
			attribute.String("kind", string(apierr.KindOf(err))),
		))
	}
}

func (m *runMetrics) observe(ctx context.Context, res ResourceResult) {
	attrs := []attribute.KeyValue{attribute.String("outcome", string(res.Outcome))}
	if res.Kind != "" {
		attrs = append(attrs, attribute.String("kind", string(res.Kind)))
	}
	set := metric.WithAttributes(attrs...)
	m.resources.Add(ctx, 1, set)
	m.duration.Record(ctx, res.Duration.Seconds(), set)
	if res.Games > 0 {
		m.games.Add(ctx, int64(res.Games))
	}
}
