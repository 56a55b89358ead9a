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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cardinalhq/chessbi/internal/apierr"
	"github.com/cardinalhq/chessbi/internal/archive"
	"github.com/cardinalhq/chessbi/internal/chesscom"
	"github.com/cardinalhq/chessbi/internal/clocktest"
	"github.com/cardinalhq/chessbi/internal/etagcache"
	"github.com/cardinalhq/chessbi/internal/ratelimit"
	"github.com/cardinalhq/chessbi/internal/rawstore"
)

var epoch = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

// fakeMonth scripts the upstream's answer for one archive.
type fakeMonth struct {
	body string
	etag string
	// failures is the number of 500s returned before succeeding; -1 fails forever.
	failures int
}

type fakeChessCom struct {
	owner      string
	listStatus int

	mu     sync.Mutex
	months map[string]*fakeMonth
	hits   map[string]int
	srv    *httptest.Server
}

func newFakeChessCom(t *testing.T, owner string) *fakeChessCom {
	f := &fakeChessCom{
		owner:  owner,
		months: map[string]*fakeMonth{},
		hits:   map[string]int{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChessCom) set(month string, m *fakeMonth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.months[month] = m
}

func (f *fakeChessCom) hitsFor(month string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[month]
}

func (f *fakeChessCom) monthHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.hits {
		n += v
	}
	return n
}

func (f *fakeChessCom) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := "/player/" + f.owner + "/games/"
	rest, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if rest == "archives" {
		if f.listStatus != 0 {
			w.WriteHeader(f.listStatus)
			return
		}
		keys := make([]string, 0, len(f.months))
		for k := range f.months {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		urls := make([]string, 0, len(keys))
		for _, k := range keys {
			urls = append(urls, f.srv.URL+prefix+strings.Replace(k, "-", "/", 1))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"archives": urls})
		return
	}

	month := strings.Replace(rest, "/", "-", 1)
	m, ok := f.months[month]
	if !ok {
		http.NotFound(w, r)
		return
	}
	f.hits[month]++
	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if m.etag != "" && r.Header.Get("If-None-Match") == m.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if m.etag != "" {
		w.Header().Set("ETag", m.etag)
	}
	_, _ = w.Write([]byte(m.body))
}

func (f *fakeChessCom) client() *chesscom.Client {
	return chesscom.New(chesscom.Config{BaseURL: f.srv.URL, Timeout: 5 * time.Second}, "chessbi-test",
		chesscom.WithHTTPClient(f.srv.Client()))
}

func gamesBody(t *testing.T, month string, n int) string {
	games := make([]map[string]any, 0, n)
	for i := range n {
		games = append(games, map[string]any{
			"url":          fmt.Sprintf("https://www.chess.com/game/live/%s-%d", month, i),
			"end_time":     1704067200 + i,
			"time_control": "600",
			"time_class":   "rapid",
			"rated":        true,
			"white":        map[string]any{"username": "alice", "rating": 1500, "result": "win"},
			"black":        map[string]any{"username": "bob", "rating": 1490, "result": "resigned"},
		})
	}
	b, err := json.Marshal(map[string]any{"games": games})
	require.NoError(t, err)
	return string(b)
}

type harness struct {
	upstream *fakeChessCom
	cache    etagcache.Store
	outDir   string
	sink     rawstore.Sink
	clock    *clocktest.Stepping
	reader   *sdkmetric.ManualReader
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	cache, err := etagcache.OpenFileStore(context.Background(), filepath.Join(dir, "etags.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	outDir := filepath.Join(dir, "raw")
	return &harness{
		upstream: newFakeChessCom(t, "alice"),
		cache:    cache,
		outDir:   outDir,
		sink:     rawstore.NewFileSink(outDir),
		clock:    clocktest.NewStepping(epoch),
		reader:   sdkmetric.NewManualReader(),
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	limiter := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(h.clock))
	o, err := New(h.upstream.client(), h.cache, h.sink, limiter,
		WithClock(h.clock),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))),
	)
	require.NoError(t, err)
	return o
}

func (h *harness) rawPath(month string) string {
	return filepath.Join(h.outDir, "chesscom", "alice", month+".json")
}

func (h *harness) seedMonths(t *testing.T, months ...string) {
	for i, m := range months {
		h.upstream.set(m, &fakeMonth{body: gamesBody(t, m, i+1), etag: `"` + m + `-v1"`})
	}
}

func key(t *testing.T, owner, month string) etagcache.Key {
	k, err := etagcache.ParseKey(owner + "/" + month)
	require.NoError(t, err)
	return k
}

func since(t *testing.T, s string) *archive.YearMonth {
	ym, err := archive.ParseYearMonth(s)
	require.NoError(t, err)
	return &ym
}

func TestRunSinceAndMaxCount(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2023-12", "2024-01", "2024-02", "2024-03")

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{Since: since(t, "2024-01"), MaxCount: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-01", "2024-02"}, summary.Months)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 5, summary.Games)
	assert.Empty(t, summary.Failures)
	assert.NotEmpty(t, summary.RunID)

	assert.Zero(t, h.upstream.hitsFor("2023-12"))
	assert.Zero(t, h.upstream.hitsFor("2024-03"))
	assert.FileExists(t, h.rawPath("2024-01"))
	assert.FileExists(t, h.rawPath("2024-02"))
	assert.NoFileExists(t, h.rawPath("2024-03"))

	entry, ok, err := h.cache.Lookup(context.Background(), key(t, "alice", "2024-02"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"2024-02-v1"`, entry.ETag)
	assert.Equal(t, `"2024-02-v1"`, summary.Results[1].ETag)
}

func TestRunMaxCountBoundsFetches(t *testing.T) {
	for _, maxCount := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("max=%d", maxCount), func(t *testing.T) {
			h := newHarness(t)
			h.seedMonths(t, "2024-01", "2024-02", "2024-03", "2024-04", "2024-05")

			summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{MaxCount: maxCount})
			require.NoError(t, err)
			assert.Equal(t, maxCount, summary.Attempted)
			assert.LessOrEqual(t, h.upstream.monthHits(), maxCount)
		})
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01", "2024-02", "2024-03")

	first, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)
	require.Equal(t, 3, first.Fetched)

	before := map[string]os.FileInfo{}
	contents := map[string][]byte{}
	for _, m := range first.Months {
		fi, err := os.Stat(h.rawPath(m))
		require.NoError(t, err)
		before[m] = fi
		contents[m], err = os.ReadFile(h.rawPath(m))
		require.NoError(t, err)
	}

	second, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)
	assert.Zero(t, second.Fetched)
	assert.Equal(t, 3, second.Unchanged)
	assert.Zero(t, second.Failed)
	assert.NotEqual(t, first.RunID, second.RunID)

	for _, m := range second.Months {
		fi, err := os.Stat(h.rawPath(m))
		require.NoError(t, err)
		assert.Equal(t, before[m].ModTime(), fi.ModTime(), m)
		data, err := os.ReadFile(h.rawPath(m))
		require.NoError(t, err)
		assert.Equal(t, contents[m], data, m)
	}
}

func TestRunNotModifiedLeavesCacheAlone(t *testing.T) {
	h := newHarness(t)
	h.upstream.set("2024-01", &fakeMonth{body: gamesBody(t, "2024-01", 1), etag: "v3"})
	fetchedAt := epoch.Add(-48 * time.Hour)
	require.NoError(t, h.cache.Record(context.Background(), key(t, "alice", "2024-01"), "v3", fetchedAt))

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Unchanged)
	assert.Zero(t, summary.Fetched)
	assert.Equal(t, OutcomeNotModified, summary.Results[0].Outcome)
	assert.NoFileExists(t, h.rawPath("2024-01"))

	entry, ok, err := h.cache.Lookup(context.Background(), key(t, "alice", "2024-01"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v3", entry.ETag)
	assert.True(t, fetchedAt.Equal(entry.FetchedAt))
}

func TestRunTransientExhaustedContinues(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01", "2024-02", "2024-03")
	h.upstream.set("2024-02", &fakeMonth{body: gamesBody(t, "2024-02", 1), failures: -1})

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "2024-02", summary.Failures[0].Month)
	assert.Equal(t, apierr.KindTransientExhausted, summary.Failures[0].Kind)
	assert.Equal(t, 5, h.upstream.hitsFor("2024-02"))
	assert.Equal(t, 5, summary.Results[1].Attempts)
	assert.FileExists(t, h.rawPath("2024-03"))
}

func TestRunRecoversFromTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.upstream.set("2024-01", &fakeMonth{body: gamesBody(t, "2024-01", 2), etag: "e1", failures: 2})

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 3, summary.Results[0].Attempts)
	assert.Contains(t, h.clock.Waits(), time.Second)
	assert.Contains(t, h.clock.Waits(), 2*time.Second)
}

func TestRunValidationFailure(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-02")
	h.upstream.set("2024-03", &fakeMonth{
		body: `{"games":[{"url":"https://www.chess.com/game/live/1","end_time":1,"time_control":"60","time_class":"bullet","rated":true,"white":{"username":"a","rating":1,"result":"win"}}]}`,
		etag: "new",
	})
	require.NoError(t, h.cache.Record(context.Background(), key(t, "alice", "2024-03"), "old", epoch))

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Fetched)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "2024-03", summary.Failures[0].Month)
	assert.Equal(t, apierr.KindValidationError, summary.Failures[0].Kind)
	assert.Contains(t, summary.Failures[0].Reason, "black.username")
	assert.NoFileExists(t, h.rawPath("2024-03"))

	entry, ok, err := h.cache.Lookup(context.Background(), key(t, "alice", "2024-03"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", entry.ETag)
}

func TestRunEnumerationFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.upstream.listStatus = http.StatusNotFound

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindUpstreamClientError, apierr.KindOf(err))
	require.NotNil(t, summary)
	assert.Zero(t, summary.Attempted)
}

func TestRunEnumerationRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.upstream.listStatus = http.StatusServiceUnavailable

	_, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindTransientExhausted, apierr.KindOf(err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, h.clock.Waits())
}

func TestRunRespectsRateLimit(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01", "2024-02", "2024-03", "2024-04", "2024-05")

	_, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)

	// Six calls at three per second cannot finish inside one second.
	assert.GreaterOrEqual(t, h.clock.Now().Sub(epoch), time.Second)
}

type failingSink struct{ err error }

func (s failingSink) Write(context.Context, string, []byte) (string, error) { return "", s.err }

func TestRunStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01")
	h.sink = failingSink{err: errors.New("disk full")}

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, apierr.KindStorageError, summary.Failures[0].Kind)
	assert.Contains(t, summary.Failures[0].Reason, "disk full")

	_, ok, err := h.cache.Lookup(context.Background(), key(t, "alice", "2024-01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

type brokenLookupStore struct {
	etagcache.Store
}

func (brokenLookupStore) Lookup(context.Context, etagcache.Key) (etagcache.Entry, bool, error) {
	return etagcache.Entry{}, false, errors.New("cache unreadable")
}

func TestRunCacheLookupErrorFetchesUnconditionally(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01")
	h.cache = brokenLookupStore{Store: h.cache}

	summary, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetched)
}

type cancelingSink struct {
	rawstore.Sink
	cancel context.CancelFunc
}

func (s cancelingSink) Write(ctx context.Context, key string, data []byte) (string, error) {
	loc, err := s.Sink.Write(ctx, key, data)
	s.cancel()
	return loc, err
}

func TestRunStopsBetweenResourcesOnCancel(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01", "2024-02", "2024-03")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink = cancelingSink{Sink: h.sink, cancel: cancel}

	summary, err := h.orchestrator(t).Run(ctx, "alice", archive.Filter{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Fetched)
	assert.Zero(t, h.upstream.hitsFor("2024-02"))
}

func TestRunRecordsMetrics(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01", "2024-02")
	h.upstream.set("2024-03", &fakeMonth{body: `{"games": 3}`})

	_, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	outcomes := map[string]int64{}
	var games int64
	var durations uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "chessbi.ingest.resources":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					v, _ := dp.Attributes.Value("outcome")
					outcomes[v.AsString()] += dp.Value
				}
			case "chessbi.ingest.games":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					games += dp.Value
				}
			case "chessbi.ingest.resource.duration":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					durations += dp.Count
				}
			}
		}
	}

	assert.Equal(t, map[string]int64{"fetched": 2, "failed": 1}, outcomes)
	assert.Equal(t, int64(3), games)
	assert.Equal(t, uint64(3), durations)
}

// cancelingGate cancels the run when the nth call is admitted.
type cancelingGate struct {
	admits *int
	at     int
	cancel context.CancelFunc
}

func (g cancelingGate) Admit(ctx context.Context) error {
	*g.admits++
	if *g.admits == g.at {
		g.cancel()
	}
	return ctx.Err()
}

func TestRunLeavesInterruptedResourceOutOfSummary(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01", "2024-02", "2024-03")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Admission 1 lists archives, 2 fetches 2024-01, 3 would fetch 2024-02.
	var admits int
	o, err := New(h.upstream.client(), h.cache, h.sink, cancelingGate{admits: &admits, at: 3, cancel: cancel},
		WithClock(h.clock),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))),
	)
	require.NoError(t, err)

	summary, err := o.Run(ctx, "alice", archive.Filter{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Fetched)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, summary.Failures)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "2024-01", summary.Results[0].Month)
	assert.Zero(t, h.upstream.hitsFor("2024-02"))
	assert.NoFileExists(t, h.rawPath("2024-02"))
}

func TestRunInterruptedWriteIsNotAStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.seedMonths(t, "2024-01", "2024-02")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink = interruptingSink{Sink: h.sink, cancel: cancel}

	summary, err := h.orchestrator(t).Run(ctx, "alice", archive.Filter{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Attempted)
	assert.Empty(t, summary.Failures)
	assert.NoFileExists(t, h.rawPath("2024-01"))

	_, ok, err := h.cache.Lookup(context.Background(), key(t, "alice", "2024-01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// interruptingSink cancels the run just before writing.
type interruptingSink struct {
	rawstore.Sink
	cancel context.CancelFunc
}

func (s interruptingSink) Write(ctx context.Context, key string, data []byte) (string, error) {
	s.cancel()
	return s.Sink.Write(ctx, key, data)
}

func TestRunCountsRetries(t *testing.T) {
	h := newHarness(t)
	h.upstream.set("2024-01", &fakeMonth{body: gamesBody(t, "2024-01", 1), etag: "e1", failures: 2})

	_, err := h.orchestrator(t).Run(context.Background(), "alice", archive.Filter{})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	retries := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "chessbi.ingest.retries" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				call, _ := dp.Attributes.Value("call")
				kind, _ := dp.Attributes.Value("kind")
				retries[call.AsString()+"/"+kind.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"fetch/TransientNetwork": 2}, retries)
}
