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

// Package ingest drives one ingestion run: enumerate an owner's monthly
// archives, fetch each one conditionally, validate it, write it to the raw
// sink and remember its version tag.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/chessbi/internal/apierr"
	"github.com/cardinalhq/chessbi/internal/archive"
	"github.com/cardinalhq/chessbi/internal/chesscom"
	"github.com/cardinalhq/chessbi/internal/etagcache"
	"github.com/cardinalhq/chessbi/internal/gamerecord"
	"github.com/cardinalhq/chessbi/internal/idgen"
	"github.com/cardinalhq/chessbi/internal/logctx"
	"github.com/cardinalhq/chessbi/internal/rawstore"
	"github.com/cardinalhq/chessbi/internal/retry"
)

const instrumentationName = "github.com/cardinalhq/chessbi/internal/ingest"

// Upstream is the archive API as seen by a run. *chesscom.Client satisfies it.
type Upstream interface {
	ListArchives(ctx context.Context, owner string) ([]string, error)
	FetchMonth(ctx context.Context, url, etag string) (chesscom.MonthResponse, error)
}

// Clock supplies the run's notion of time for timestamps and retry waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type Orchestrator struct {
	upstream Upstream
	cache    etagcache.Store
	sink     rawstore.Sink
	gate     retry.Gate
	policy   retry.Policy
	clock    Clock
	ids      idgen.IDGenerator
	tracer   trace.Tracer
	metrics  *runMetrics
}

type options struct {
	policy        retry.Policy
	clock         Clock
	ids           idgen.IDGenerator
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
}

type Option func(*options)

func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithIDGenerator(g idgen.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(instrumentationName) }
}

// New wires an orchestrator. gate is consulted before every upstream call,
// retries included; pass a *ratelimit.Limiter.
func New(upstream Upstream, cache etagcache.Store, sink rawstore.Sink, gate retry.Gate, opts ...Option) (*Orchestrator, error) {
	o := options{
		policy:        retry.DefaultPolicy(),
		clock:         clockwork.NewRealClock(),
		ids:           idgen.NewULIDGenerator(),
		meterProvider: otel.GetMeterProvider(),
		tracer:        otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := newRunMetrics(o.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		upstream: upstream,
		cache:    cache,
		sink:     sink,
		gate:     gate,
		policy:   o.policy,
		clock:    o.clock,
		ids:      o.ids,
		tracer:   o.tracer,
		metrics:  m,
	}, nil
}

// Run ingests the owner's archives selected by filter. A summary is always
// returned. The error is non-nil only when enumeration failed or ctx was
// canceled; per-resource failures are reported in the summary. A resource
// interrupted by cancellation is left out of the summary.
func (o *Orchestrator) Run(ctx context.Context, owner string, filter archive.Filter) (*Summary, error) {
	summary := &Summary{
		RunID:     o.ids.Make(o.clock.Now()),
		Owner:     archive.NormalizeOwner(owner),
		StartedAt: o.clock.Now().UTC(),
		Months:    []string{},
		Results:   []ResourceResult{},
		Failures:  []Failure{},
	}
	ctx, ll := logctx.With(ctx, slog.String("runID", summary.RunID), slog.String("owner", summary.Owner))

	ctx, span := o.tracer.Start(ctx, "ingest.Run", trace.WithAttributes(
		attribute.String("owner", summary.Owner),
		attribute.String("run_id", summary.RunID),
	))
	defer span.End()

	seq, err := archive.Enumerate(ctx, o.lister(), owner, filter)
	if err != nil {
		summary.FinishedAt = o.clock.Now().UTC()
		span.RecordError(err)
		span.SetStatus(codes.Error, "enumeration failed")
		ll.Error("Failed to enumerate archives", slog.Any("error", err))
		return summary, fmt.Errorf("enumerate archives for %q: %w", summary.Owner, err)
	}

	resources := slices.Collect(seq)
	for _, r := range resources {
		summary.Months = append(summary.Months, r.Month.String())
	}
	ll.Info("Enumerated archives", slog.Int("selected", len(resources)), slog.Any("months", summary.Months))

	for _, r := range resources {
		err := ctx.Err()
		if err == nil {
			var res ResourceResult
			if res, err = o.process(ctx, r); err == nil {
				summary.record(res)
				continue
			}
		}
		summary.FinishedAt = o.clock.Now().UTC()
		ll.Warn("Run canceled, remaining archives not completed",
			slog.Int("remaining", len(resources)-summary.Attempted))
		return summary, err
	}

	summary.FinishedAt = o.clock.Now().UTC()
	ll.Info("Ingestion run complete",
		slog.Int("attempted", summary.Attempted),
		slog.Int("fetched", summary.Fetched),
		slog.Int("unchanged", summary.Unchanged),
		slog.Int("failed", summary.Failed),
		slog.Int("games", summary.Games),
		slog.Duration("duration", summary.Duration()))
	return summary, nil
}

type listerFunc func(ctx context.Context, owner string) ([]string, error)

func (f listerFunc) ListArchives(ctx context.Context, owner string) ([]string, error) {
	return f(ctx, owner)
}

// lister routes discovery through the same gate and retry policy as the
// monthly fetches.
func (o *Orchestrator) lister() archive.Lister {
	return listerFunc(func(ctx context.Context, owner string) ([]string, error) {
		return retry.Do(ctx, o.policy, o.gate, func(ctx context.Context) ([]string, error) {
			return o.upstream.ListArchives(ctx, owner)
		}, retry.WithClock(o.clock), retry.WithOp("list archives"), retry.WithNotify(o.metrics.retryNotifier(ctx, "list")))
	})
}

// process takes one resource from Pending to a terminal outcome. The error is
// non-nil only when ctx ended while the resource was in flight; res is then
// incomplete and must not be recorded.
func (o *Orchestrator) process(ctx context.Context, r archive.Resource) (res ResourceResult, err error) {
	start := o.clock.Now()
	month := r.Month.String()
	ctx, ll := logctx.With(ctx, slog.String("month", month))
	ctx, span := o.tracer.Start(ctx, "ingest.resource", trace.WithAttributes(
		attribute.String("owner", r.Owner),
		attribute.String("month", month),
	))
	defer span.End()

	res = ResourceResult{Month: month, URL: r.URL}
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, "interrupted")
			return
		}
		res.Duration = o.clock.Now().Sub(start)
		o.metrics.observe(ctx, res)
		if res.Outcome == OutcomeFailed {
			span.SetStatus(codes.Error, res.Reason)
		}
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	}()

	key := etagcache.Key{Owner: r.Owner, Year: r.Month.Year, Month: r.Month.Month}
	var etag string
	if entry, ok, err := o.cache.Lookup(ctx, key); err != nil {
		ll.Warn("Cache lookup failed, fetching unconditionally", slog.Any("error", err))
	} else if ok {
		etag = entry.ETag
	}

	resp, ferr := retry.Do(ctx, o.policy, o.gate, func(ctx context.Context) (chesscom.MonthResponse, error) {
		res.Attempts++
		return o.upstream.FetchMonth(ctx, r.URL, etag)
	}, retry.WithClock(o.clock), retry.WithOp("fetch "+month), retry.WithNotify(o.metrics.retryNotifier(ctx, "fetch")))
	if ferr != nil {
		return o.failed(ctx, res, ferr)
	}

	if resp.NotModified {
		res.Outcome = OutcomeNotModified
		res.ETag = etag
		ll.Info("Archive unchanged", slog.String("etag", etag))
		return res, nil
	}

	batch, verr := gamerecord.Validate(resp.Body)
	if verr != nil {
		return o.failed(ctx, res, verr)
	}

	loc, werr := o.sink.Write(ctx, rawstore.ObjectKey(r.Owner, r.Month), batch.Payload)
	if werr != nil {
		return o.failed(ctx, res, apierr.New(apierr.KindStorageError, "write raw batch", werr))
	}
	res.Location = loc
	res.Games = batch.Len()

	if resp.ETag != "" {
		if rerr := o.cache.Record(ctx, key, resp.ETag, o.clock.Now().UTC()); rerr != nil {
			return o.failed(ctx, res, apierr.New(apierr.KindStorageError, "record etag", rerr))
		}
		res.ETag = resp.ETag
	}

	res.Outcome = OutcomeFetched
	ll.Info("Archive fetched",
		slog.Int("games", res.Games),
		slog.String("location", loc),
		slog.String("etag", resp.ETag))
	return res, nil
}

// failed marks res as a resource-fatal failure, unless err is the run's own
// cancellation, which is handed back to Run instead.
func (o *Orchestrator) failed(ctx context.Context, res ResourceResult, err error) (ResourceResult, error) {
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		logctx.FromContext(ctx).Warn("Archive interrupted", slog.Int("attempts", res.Attempts))
		return res, cerr
	}
	res.Outcome = OutcomeFailed
	res.Kind = apierr.KindOf(err)
	res.Reason = err.Error()
	logctx.FromContext(ctx).Error("Archive failed",
		slog.String("kind", string(res.Kind)),
		slog.Int("attempts", res.Attempts),
		slog.Any("error", err))
	return res, nil
}
