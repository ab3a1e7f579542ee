package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crimelake/internal/domain"
	"crimelake/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

func TestTrackerAdvance(t *testing.T) {
	d0 := domain.NewDay(2024, 10, 25)
	tr := NewTracker(d0)
	assert.Equal(t, "2024-10-25T23:59:59", tr.WindowEnd().Format(domain.ISOLayout))

	for i := 0; i < 40; i++ {
		tr.Advance()
	}
	assert.True(t, tr.Current().Equal(d0.AddDays(40)), "current = %v", tr.Current())
	assert.Equal(t, "2024-12-04T23:59:59", tr.WindowEnd().Format(domain.ISOLayout))
	assert.True(t, domain.DayOf(tr.WindowEnd()).Equal(tr.Current()), "window end must stay inside the current day")

	w := tr.Window()
	assert.Equal(t, "2024-12-04T00:00:00", w.StartISO())
	assert.Equal(t, domain.WindowLength, w.End.Sub(w.Start))
}

func TestTrackerIsComplete(t *testing.T) {
	tr := NewTracker(domain.NewDay(2024, 10, 25))
	today := domain.NewDay(2024, 10, 27)

	assert.False(t, tr.IsComplete(today))
	tr.Advance()
	assert.False(t, tr.IsComplete(today))
	tr.Advance()
	assert.True(t, tr.IsComplete(today))
}

// ---------------------------------------------------------------------------
// QueryBuilder
// ---------------------------------------------------------------------------

func TestQueryBuilderBuild(t *testing.T) {
	qb := NewQueryBuilder("https://data.cityofchicago.org/resource/crimes.json", "updated_on", 0)

	w1 := domain.WindowFor(domain.NewDay(2024, 10, 26))
	w2 := domain.WindowFor(domain.NewDay(2024, 3, 7))
	r1 := qb.Build(w1)
	r2 := qb.Build(w2)

	assert.Equal(t, "updated_on between '2024-10-26T00:00:00' and '2024-10-26T23:59:59'", r1.Where)
	assert.Contains(t, r2.Where, "'2024-03-07T00:00:00'")
	assert.Contains(t, r2.Where, "'2024-03-07T23:59:59'")
	assert.Equal(t, domain.DefaultLimit, r1.Limit)
	assert.Equal(t, r1.Limit, r2.Limit)

	u, err := url.Parse(r1.URL(0))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/resource/crimes.json", u.Path)
	assert.Equal(t, "20000000", q.Get("$limit"))
	assert.Equal(t, r1.Where, q.Get("$where"))
	assert.Equal(t, ":id", q.Get("$order"))
	assert.False(t, q.Has("$offset"), "first page carries no offset")

	u, err = url.Parse(r1.URL(500))
	require.NoError(t, err)
	assert.Equal(t, "500", u.Query().Get("$offset"))
}

// ---------------------------------------------------------------------------
// Fetcher
// ---------------------------------------------------------------------------

func TestFetcherFetch(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-App-Token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"13640000","beat":"0421","arrest":false},{"id":"13640001"}]`))
	}))
	defer server.Close()

	f := NewFetcher(FetcherOptions{AppToken: "tok", Logger: quiet})
	req := NewQueryBuilder(server.URL, "updated_on", 0).Build(domain.WindowFor(domain.NewDay(2024, 10, 26)))

	records, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "13640000", records[0]["id"])
	assert.Equal(t, "0421", records[0]["beat"])
	assert.Equal(t, false, records[0]["arrest"])
	assert.Equal(t, "tok", gotToken)
}

func TestFetcherStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer server.Close()

	f := NewFetcher(FetcherOptions{Logger: quiet})
	req := NewQueryBuilder(server.URL, "", 0).Build(domain.WindowFor(domain.NewDay(2024, 10, 26)))

	records, err := f.Fetch(context.Background(), req)
	assert.Nil(t, records)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusTooManyRequests, serr.StatusCode)
	assert.Contains(t, err.Error(), "API returned status 429")
	assert.Contains(t, serr.Body, "slow down")
}

func TestFetcherInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("invalid json"))
	}))
	defer server.Close()

	f := NewFetcher(FetcherOptions{Logger: quiet})
	req := NewQueryBuilder(server.URL, "", 0).Build(domain.WindowFor(domain.NewDay(2024, 10, 26)))
	_, err := f.Fetch(context.Background(), req)
	assert.ErrorContains(t, err, "failed to decode response")
}

// pagedServer serves total rows in pages of the requested $limit.
func pagedServer(t *testing.T, total int, requests *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("$limit"))
		offset, _ := strconv.Atoi(q.Get("$offset"))

		rows := []map[string]string{}
		for i := offset; i < total && i < offset+limit; i++ {
			rows = append(rows, map[string]string{"id": strconv.Itoa(i)})
		}
		json.NewEncoder(w).Encode(rows)
	}))
}

func TestFetcherPagesFollowsTruncation(t *testing.T) {
	var requests int32
	server := pagedServer(t, 5, &requests)
	defer server.Close()

	f := NewFetcher(FetcherOptions{Logger: quiet})
	req := NewQueryBuilder(server.URL, "", 2).Build(domain.WindowFor(domain.NewDay(2024, 10, 26)))

	collect := func() ([]int, []string) {
		var offsets []int
		var ids []string
		for page, err := range f.Pages(context.Background(), req) {
			require.NoError(t, err)
			offsets = append(offsets, page.Offset)
			for _, r := range page.Records {
				ids = append(ids, r["id"].(string))
			}
		}
		return offsets, ids
	}

	offsets, ids := collect()
	assert.Equal(t, []int{0, 2, 4}, offsets)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, ids)
	assert.EqualValues(t, 3, atomic.LoadInt32(&requests))

	// Ranging again starts over.
	offsets, _ = collect()
	assert.Equal(t, []int{0, 2, 4}, offsets)
	assert.EqualValues(t, 6, atomic.LoadInt32(&requests))
}

func TestFetcherPagesExactMultiple(t *testing.T) {
	var requests int32
	server := pagedServer(t, 4, &requests)
	defer server.Close()

	f := NewFetcher(FetcherOptions{Logger: quiet})
	req := NewQueryBuilder(server.URL, "", 2).Build(domain.WindowFor(domain.NewDay(2024, 10, 26)))

	var sizes []int
	for page, err := range f.Pages(context.Background(), req) {
		require.NoError(t, err)
		sizes = append(sizes, len(page.Records))
	}
	// The trailing empty page is what proves the day is exhausted.
	assert.Equal(t, []int{2, 2, 0}, sizes)
}

// ---------------------------------------------------------------------------
// Sink
// ---------------------------------------------------------------------------

func pagesOf(pages ...[]domain.Record) func(func(domain.Page, error) bool) {
	return func(yield func(domain.Page, error) bool) {
		offset := 0
		for _, recs := range pages {
			if !yield(domain.Page{Offset: offset, Records: recs}, nil) {
				return
			}
			offset += len(recs)
		}
	}
}

func TestSinkWrite(t *testing.T) {
	ls := store.NewLocalStore(t.TempDir())
	sink := NewSink(ls, "chicago_crimes", quiet)
	sink.newRunID = func() string { return "run1" }
	ctx := context.Background()

	key := domain.PartitionFor("crimes", domain.WindowFor(domain.NewDay(2024, 3, 7)))
	info, err := sink.Write(ctx, pagesOf(
		[]domain.Record{{"id": "1"}, {"id": "2"}},
		[]domain.Record{{"id": "3", "ward": "7"}},
		nil,
	), key)
	require.NoError(t, err)

	assert.Equal(t, "run1", info.RunID)
	assert.Equal(t, 3, info.Pages)
	assert.Equal(t, 2, info.Files)
	assert.Equal(t, 3, info.Rows)
	assert.Equal(t, []string{
		"chicago_crimes/crimes/year=2024/month=3/day=7/run1.0.parquet",
		"chicago_crimes/crimes/year=2024/month=3/day=7/run1.1.parquet",
	}, info.Keys)

	first := readObject(t, ls, info.Keys[0])
	second := readObject(t, ls, info.Keys[1])
	assert.EqualValues(t, len(first)+len(second), info.Bytes)

	_, rows, err := store.DecodeRecords(bytes.NewReader(second), int64(len(second)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0]["ward"])
}

func readObject(t *testing.T, ls *store.LocalStore, key string) []byte {
	t.Helper()
	rc, err := ls.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestSinkWriteFetchError(t *testing.T) {
	ls := store.NewLocalStore(t.TempDir())
	sink := NewSink(ls, "chicago_crimes", quiet)
	boom := errors.New("boom")

	pages := func(yield func(domain.Page, error) bool) {
		if !yield(domain.Page{Records: []domain.Record{{"id": "1"}}}, nil) {
			return
		}
		yield(domain.Page{Offset: 1}, boom)
	}
	key := domain.PartitionFor("crimes", domain.WindowFor(domain.NewDay(2024, 10, 26)))
	info, err := sink.Write(context.Background(), pages, key)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, info.Files)
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// crimeServer answers every day with two rows stamped with the window start.
// failOn makes the request for that day return 500.
type crimeServer struct {
	*httptest.Server
	mu     sync.Mutex
	days   []string
	failOn string
}

func (cs *crimeServer) requested() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.days...)
}

func newCrimeServer(t *testing.T) *crimeServer {
	t.Helper()
	cs := &crimeServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		where := r.URL.Query().Get("$where")
		// updated_on between 'YYYY-MM-DDT00:00:00' and '...'
		i := strings.Index(where, "'")
		day := where[i+1 : i+11]
		cs.mu.Lock()
		cs.days = append(cs.days, day)
		fail := day == cs.failOn
		cs.mu.Unlock()
		if fail {
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `[{"id":"%s-1","updated_on":"%sT08:00:00.000"},{"id":"%s-2","updated_on":"%sT09:30:00.000"}]`,
			day, day, day, day)
	}))
	t.Cleanup(cs.Close)
	return cs
}

type runnerEnv struct {
	objects *store.LocalStore
	cursors *store.MarkerCursor
	server  *crimeServer
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	ls := store.NewLocalStore(t.TempDir())
	return &runnerEnv{
		objects: ls,
		cursors: store.NewMarkerCursor(ls, "chicago_crimes"),
		server:  newCrimeServer(t),
	}
}

func (e *runnerEnv) runner(start domain.Day, now time.Time, ignoreCursor bool) *Runner {
	return NewRunner(RunnerConfig{
		Pipeline:     "chicago_crimes",
		Table:        "crimes",
		StartDay:     start,
		IgnoreCursor: ignoreCursor,
		Query:        NewQueryBuilder(e.server.URL, "updated_on", 0),
		Source:       NewFetcher(FetcherOptions{Logger: quiet}),
		Writer:       NewSink(e.objects, "chicago_crimes", quiet),
		Cursors:      e.cursors,
		Now:          func() time.Time { return now },
		Location:     time.UTC,
		Logger:       quiet,
	})
}

func (e *runnerEnv) files(t *testing.T, partition string) []string {
	t.Helper()
	keys, err := e.objects.List(context.Background(), "chicago_crimes/"+partition+"/")
	require.NoError(t, err)
	return keys
}

var oct27 = time.Date(2024, 10, 27, 15, 0, 0, 0, time.UTC)

func TestRunnerTwoDays(t *testing.T) {
	env := newRunnerEnv(t)
	r := env.runner(domain.NewDay(2024, 10, 25), oct27, false)

	sums, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, sums, 2)

	assert.Equal(t, "2024-10-26T00:00:00", sums[0].Window.StartISO())
	assert.Equal(t, "2024-10-26T23:59:59", sums[0].Window.EndISO())
	assert.Equal(t, "2024-10-27T00:00:00", sums[1].Window.StartISO())
	assert.Equal(t, []string{"2024-10-26", "2024-10-27"}, env.server.requested())

	assert.Equal(t, "crimes/year=2024/month=10/day=26", sums[0].Load.Partition.Path())
	assert.Equal(t, "crimes/year=2024/month=10/day=27", sums[1].Load.Partition.Path())
	assert.Len(t, env.files(t, "crimes/year=2024/month=10/day=26"), 1)
	assert.Len(t, env.files(t, "crimes/year=2024/month=10/day=27"), 1)
	assert.Equal(t, 2, sums[0].Load.Rows)

	day, ok, err := env.cursors.LoadCursor(context.Background(), "chicago_crimes")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-10-26", day.String(), "today is still in progress and stays unchecked")
}

func TestRunnerIterationCount(t *testing.T) {
	today := domain.DayOf(oct27)
	for _, back := range []int{0, 1, 5, 33} {
		env := newRunnerEnv(t)
		r := env.runner(today.AddDays(-back), oct27, false)

		sums, err := r.RunAll(context.Background())
		require.NoError(t, err)
		assert.Len(t, sums, back, "start %d days back", back)
		assert.Len(t, env.server.requested(), back)
	}
}

func TestRunnerRerunAppends(t *testing.T) {
	env := newRunnerEnv(t)
	start := domain.NewDay(2024, 10, 25)

	first, err := env.runner(start, oct27, true).RunAll(context.Background())
	require.NoError(t, err)
	second, err := env.runner(start, oct27, true).RunAll(context.Background())
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].Load.Partition, second[i].Load.Partition)
		assert.NotEqual(t, first[i].Load.RunID, second[i].Load.RunID)
	}
	assert.Len(t, env.files(t, "crimes/year=2024/month=10/day=26"), 2)
	assert.Len(t, env.files(t, "crimes/year=2024/month=10/day=27"), 2)
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	env := newRunnerEnv(t)
	start := domain.NewDay(2024, 10, 22)

	_, err := env.runner(start, oct27, false).RunAll(context.Background())
	require.NoError(t, err)

	oct28 := time.Date(2024, 10, 28, 9, 0, 0, 0, time.UTC)
	sums, err := env.runner(start, oct28, false).RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "2024-10-27", sums[0].Day.String())
	assert.Equal(t, "2024-10-28", sums[1].Day.String())
	assert.Equal(t, []string{
		"2024-10-23", "2024-10-24", "2024-10-25", "2024-10-26", "2024-10-27",
		"2024-10-27", "2024-10-28",
	}, env.server.requested())
	assert.Len(t, env.files(t, "crimes/year=2024/month=10/day=26"), 1)
	assert.Len(t, env.files(t, "crimes/year=2024/month=10/day=27"), 2)
}

// TestRunnerRefetchesUnfinishedDay runs once in the middle of a day and once
// the day after. Rows updated after the first run must still be extracted.
func TestRunnerRefetchesUnfinishedDay(t *testing.T) {
	var (
		mu   sync.Mutex
		now  = time.Date(2024, 10, 26, 12, 0, 0, 0, time.UTC)
		days []string
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	published := []struct {
		id      string
		updated time.Time
	}{
		{"26-early", time.Date(2024, 10, 26, 8, 0, 0, 0, time.UTC)},
		{"26-late", time.Date(2024, 10, 26, 18, 0, 0, 0, time.UTC)},
		{"27-early", time.Date(2024, 10, 27, 8, 0, 0, 0, time.UTC)},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		where := r.URL.Query().Get("$where")
		i := strings.Index(where, "'")
		day := where[i+1 : i+11]
		mu.Lock()
		days = append(days, day)
		mu.Unlock()

		rows := []map[string]string{}
		for _, p := range published {
			if p.updated.Format(domain.DayLayout) == day && !p.updated.After(clock()) {
				rows = append(rows, map[string]string{"id": p.id, "updated_on": p.updated.Format(domain.ISOLayout)})
			}
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer server.Close()

	ls := store.NewLocalStore(t.TempDir())
	newRunner := func() *Runner {
		return NewRunner(RunnerConfig{
			Pipeline: "chicago_crimes",
			Table:    "crimes",
			StartDay: domain.NewDay(2024, 10, 25),
			Query:    NewQueryBuilder(server.URL, "updated_on", 0),
			Source:   NewFetcher(FetcherOptions{Logger: quiet}),
			Writer:   NewSink(ls, "chicago_crimes", quiet),
			Cursors:  store.NewMarkerCursor(ls, "chicago_crimes"),
			Now:      clock,
			Location: time.UTC,
			Logger:   quiet,
		})
	}
	ctx := context.Background()

	_, err := newRunner().RunAll(ctx)
	require.NoError(t, err)

	mu.Lock()
	now = time.Date(2024, 10, 27, 12, 0, 0, 0, time.UTC)
	mu.Unlock()
	_, err = newRunner().RunAll(ctx)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"2024-10-26", "2024-10-26", "2024-10-27"}, days)
	mu.Unlock()

	keys, err := ls.List(ctx, "chicago_crimes/crimes/year=2024/month=10/day=26/")
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, k := range keys {
		data := readObject(t, ls, k)
		_, rows, err := store.DecodeRecords(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		for _, row := range rows {
			ids[row["id"]] = true
		}
	}
	assert.True(t, ids["26-early"])
	assert.True(t, ids["26-late"], "row updated after the first run was lost")
}

func TestRunnerAbortsOnStatusError(t *testing.T) {
	env := newRunnerEnv(t)
	env.server.mu.Lock()
	env.server.failOn = "2024-10-24"
	env.server.mu.Unlock()

	sums, err := env.runner(domain.NewDay(2024, 10, 22), oct27, false).RunAll(context.Background())
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusInternalServerError, serr.StatusCode)

	assert.Len(t, sums, 1)
	assert.Equal(t, []string{"2024-10-23", "2024-10-24"}, env.server.requested(), "no day after the failure is attempted")
	assert.Empty(t, env.files(t, "crimes/year=2024/month=10/day=25"))

	day, ok, err := env.cursors.LoadCursor(context.Background(), "chicago_crimes")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-10-23", day.String(), "checkpoint stays at the last good day")
}

func TestRunnerCursorAhead(t *testing.T) {
	env := newRunnerEnv(t)
	_, err := env.runner(domain.NewDay(2024, 10, 28), oct27, false).RunAll(context.Background())
	assert.ErrorIs(t, err, ErrCursorAhead)
	assert.Empty(t, env.server.requested())
}

func TestRunnerTodayUsesLocation(t *testing.T) {
	chicago := time.FixedZone("CDT", -5*3600)
	r := NewRunner(RunnerConfig{
		Now:      func() time.Time { return time.Date(2024, 10, 27, 2, 0, 0, 0, time.UTC) },
		Location: chicago,
		Logger:   quiet,
	})
	assert.Equal(t, "2024-10-26", r.Today().String())
}

func TestRunnerCancelled(t *testing.T) {
	env := newRunnerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.runner(domain.NewDay(2024, 10, 25), oct27, false).RunAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.server.requested())
}

// ---------------------------------------------------------------------------
// Schedule
// ---------------------------------------------------------------------------

type fakeExtractor struct {
	runs int32
	err  error
	done func()
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) Run(context.Context) error {
	atomic.AddInt32(&f.runs, 1)
	if f.done != nil {
		f.done()
	}
	return f.err
}

func TestScheduleRunsAtStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fe := &fakeExtractor{done: cancel}

	err := Schedule(ctx, "@daily", fe, true, quiet)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fe.runs))
}

func TestScheduleStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	fe := &fakeExtractor{err: boom}

	err := Schedule(context.Background(), "@daily", fe, true, quiet)
	assert.ErrorIs(t, err, boom)
}

func TestScheduleBadSpec(t *testing.T) {
	err := Schedule(context.Background(), "not a spec", &fakeExtractor{}, false, quiet)
	assert.ErrorContains(t, err, "parsing schedule")
}
