package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"nvdharvest/internal/checkpoint"
	"nvdharvest/internal/database"
	"nvdharvest/internal/nvd"
	"nvdharvest/internal/record"
	"nvdharvest/internal/retry"

	"go.uber.org/zap"
)

const pageSize = 2000

// step is one scripted fetch outcome: either n records or an error.
type step struct {
	n   int
	err error
}

// fakeFetcher replays steps and checks that every request starts exactly at
// the durably committed offset.
type fakeFetcher struct {
	t           *testing.T
	steps       []step
	checkpoints checkpoint.Store
	requested   []int64
}

func (f *fakeFetcher) FetchPage(ctx context.Context, startIndex int64, size int) (*nvd.Page, error) {
	f.t.Helper()

	f.requested = append(f.requested, startIndex)
	if size != pageSize {
		f.t.Errorf("page size = %d, want %d", size, pageSize)
	}

	status, err := f.checkpoints.Status(ctx, "cve")
	if err != nil {
		f.t.Fatalf("status during fetch: %v", err)
	}
	if status.Offset != startIndex {
		f.t.Errorf("fetch at %d but durable offset is %d", startIndex, status.Offset)
	}

	if len(f.steps) == 0 {
		f.t.Fatalf("unexpected fetch at %d", startIndex)
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	return makePage(startIndex, s.n), nil
}

func makePage(start int64, n int) *nvd.Page {
	recs := make([]record.Record, n)
	for i := range recs {
		id := fmt.Sprintf("CVE-2000-%07d", start+int64(i))
		recs[i] = record.Record{ID: id, Payload: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))}
	}
	return &nvd.Page{StartIndex: start, ResultsPerPage: n, TotalResults: 3200, Records: recs, Raw: []byte(`{}`)}
}

type harness struct {
	checkpoints *checkpoint.SQLiteStore
	records     *record.SQLiteStore
	sleeps      []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "cve.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return &harness{
		checkpoints: checkpoint.NewSQLiteStore(db),
		records:     record.NewSQLiteStore(db),
	}
}

func (h *harness) fetcher(t *testing.T, steps ...step) *fakeFetcher {
	return &fakeFetcher{t: t, steps: steps, checkpoints: h.checkpoints}
}

func (h *harness) ingester(t *testing.T, f Fetcher, opts ...Option) *Ingester {
	t.Helper()

	sleeper := func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	opts = append([]Option{WithSleeper(sleeper)}, opts...)

	in, err := New(Config{Source: "cve", PageSize: pageSize, PageDelay: 5 * time.Second},
		f, h.checkpoints, h.records, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return in
}

func (h *harness) checkpoint(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()

	cp, err := h.checkpoints.Get(context.Background(), "cve")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	return cp
}

func TestRunFreshSourceToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	f := h.fetcher(t, step{n: 2000}, step{n: 1200})

	res, err := h.ingester(t, f).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Offset != 3200 || res.RecordsAdded != 3200 || !res.Complete || res.Halted {
		t.Errorf("result = %+v", res)
	}
	if len(f.requested) != 2 || f.requested[0] != 0 || f.requested[1] != 2000 {
		t.Errorf("requested = %v, want [0 2000]", f.requested)
	}

	cp := h.checkpoint(t)
	if cp.Offset != 3200 || !cp.InitFinished {
		t.Errorf("checkpoint = %+v, want offset 3200 finished", cp)
	}

	n, _ := h.records.Count(context.Background())
	if n != 3200 {
		t.Errorf("stored records = %d, want 3200", n)
	}

	if len(h.sleeps) != 1 || h.sleeps[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want one 5s inter-page pause", h.sleeps)
	}
}

func TestRunFirstPageKeepsGoing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cause := &nvd.FailureError{StatusCode: 500}
	f := h.fetcher(t, step{n: 2000}, step{err: cause})

	_, err := h.ingester(t, f).Run(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("Run() error = %v, want %v", err, cause)
	}

	cp := h.checkpoint(t)
	if cp.Offset != 2000 || cp.InitFinished {
		t.Errorf("checkpoint = %+v, want offset 2000 unfinished", cp)
	}
}

func TestRunThrottledFourTimesHalts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	f := h.fetcher(t,
		step{n: 2000},
		step{err: nvd.ErrThrottled},
		step{err: nvd.ErrThrottled},
		step{err: nvd.ErrThrottled},
		step{err: nvd.ErrThrottled},
	)

	res, err := h.ingester(t, f).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, a halt is not an error", err)
	}
	if !res.Halted || res.Complete {
		t.Errorf("result = %+v, want halted and incomplete", res)
	}
	if len(f.requested) != 5 {
		t.Errorf("fetches = %d, want 5", len(f.requested))
	}

	cp := h.checkpoint(t)
	if cp.Offset != 2000 || cp.InitFinished {
		t.Errorf("checkpoint = %+v, want unchanged offset 2000", cp)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", h.sleeps, want)
	}
}

func TestRunRecoversFromTransientErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	f := h.fetcher(t,
		step{err: nvd.ErrUnavailable},
		step{err: nvd.ErrThrottled},
		step{n: 10},
	)

	res, err := h.ingester(t, f).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Complete || res.Offset != 10 {
		t.Errorf("result = %+v", res)
	}
	for _, at := range f.requested {
		if at != 0 {
			t.Errorf("retries must repeat the same offset, got %v", f.requested)
			break
		}
	}
}

func TestRunCompleteIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	_ = h.checkpoints.Initialize(ctx, "cve")
	_ = h.checkpoints.Advance(ctx, "cve", 3200, time.Now())
	_ = h.checkpoints.MarkComplete(ctx, "cve")

	f := h.fetcher(t)
	res, err := h.ingester(t, f).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Complete || res.Offset != 3200 || res.RecordsAdded != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(f.requested) != 0 {
		t.Errorf("fetches = %v, want none", f.requested)
	}
	if n, _ := h.records.Count(ctx); n != 0 {
		t.Errorf("records = %d, want none written", n)
	}
}

func TestRunResumesAtCommittedOffset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	// first run dies on a permanent failure after two pages
	first := h.fetcher(t, step{n: 2000}, step{n: 2000}, step{err: &nvd.FailureError{StatusCode: 404}})
	if _, err := h.ingester(t, first).Run(ctx); err == nil {
		t.Fatal("first Run() expected error")
	}

	second := h.fetcher(t, step{n: 500})
	res, err := h.ingester(t, second).Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if len(second.requested) != 1 || second.requested[0] != 4000 {
		t.Errorf("second run requested %v, want [4000]", second.requested)
	}
	if res.StartOffset != 4000 || res.Offset != 4500 || res.RecordsAdded != 500 || !res.Complete {
		t.Errorf("result = %+v", res)
	}
	if n, _ := h.records.Count(ctx); n != 4500 {
		t.Errorf("records = %d, want 4500", n)
	}
}

func TestRunEmptyPageCompletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	f := h.fetcher(t, step{n: 2000}, step{n: 0})

	res, err := h.ingester(t, f).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Complete || res.Offset != 2000 || res.Pages != 2 {
		t.Errorf("result = %+v", res)
	}

	cp := h.checkpoint(t)
	if cp.Offset != 2000 || !cp.InitFinished {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestRunMalformedResponseIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	f := h.fetcher(t, step{err: fmt.Errorf("%w: bad json", nvd.ErrMalformedResponse)})

	res, err := h.ingester(t, f).Run(context.Background())
	if !errors.Is(err, nvd.ErrMalformedResponse) {
		t.Fatalf("Run() error = %v, want ErrMalformedResponse", err)
	}
	if res.Complete || len(f.requested) != 1 {
		t.Errorf("result = %+v, fetches = %d", res, len(f.requested))
	}
}

func TestRunCancelledDuringPageDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	f := h.fetcher(t, step{n: 2000})

	ctx, cancel := context.WithCancel(context.Background())
	in := h.ingester(t, f, WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := in.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if cp := h.checkpoint(t); cp.Offset != 2000 || cp.InitFinished {
		t.Errorf("checkpoint = %+v, want offset 2000 unfinished", cp)
	}
}

func TestRunStampsCheckpointTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 10_000_000, time.Local)
	f := h.fetcher(t, step{n: 2000}, step{err: &nvd.FailureError{StatusCode: 400}})

	_, err := h.ingester(t, f, WithClock(func() time.Time { return fixed })).Run(context.Background())
	if err == nil {
		t.Fatal("Run() expected error")
	}

	cp := h.checkpoint(t)
	if !cp.LastModified.Equal(fixed) {
		t.Errorf("last_modified = %v, want %v", cp.LastModified, fixed)
	}
}

type fakeArchive struct {
	keys []int64
	err  error
}

func (a *fakeArchive) PutPage(_ context.Context, source string, startIndex int64, body []byte) error {
	a.keys = append(a.keys, startIndex)
	return a.err
}

func TestRunArchivesPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	arch := &fakeArchive{}
	f := h.fetcher(t, step{n: 2000}, step{n: 1})

	if _, err := h.ingester(t, f, WithArchive(arch)).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if fmt.Sprint(arch.keys) != "[0 2000]" {
		t.Errorf("archived = %v, want [0 2000]", arch.keys)
	}
}

func TestRunArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	arch := &fakeArchive{err: errors.New("bucket gone")}
	f := h.fetcher(t, step{n: 1})

	res, err := h.ingester(t, f, WithArchive(arch)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Complete || res.Offset != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunCustomPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	f := h.fetcher(t, step{err: nvd.ErrThrottled}, step{err: nvd.ErrThrottled})

	policy := &retry.Policy{MaxRetries: 1, Strategy: retry.NewConstant(time.Second)}
	res, err := h.ingester(t, f, WithPolicy(policy)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Halted || len(f.requested) != 2 {
		t.Errorf("result = %+v, fetches = %d", res, len(f.requested))
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := New(Config{PageSize: 10}, nil, h.checkpoints, h.records, zap.NewNop()); err == nil {
		t.Error("expected error without source")
	}
	if _, err := New(Config{Source: "cve"}, nil, h.checkpoints, h.records, zap.NewNop()); err == nil {
		t.Error("expected error without page size")
	}
}

func TestCheckStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	status, err := CheckStatus(ctx, h.checkpoints, "cve")
	if err != nil || status.State != checkpoint.NotStarted {
		t.Fatalf("CheckStatus() = %v, %v", status, err)
	}

	f := h.fetcher(t, step{n: 2000}, step{err: nvd.ErrUnavailable}, step{err: nvd.ErrUnavailable},
		step{err: nvd.ErrUnavailable}, step{err: nvd.ErrUnavailable})
	if _, err := h.ingester(t, f).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	status, _ = CheckStatus(ctx, h.checkpoints, "cve")
	if status.State != checkpoint.InProgress || status.Offset != 2000 {
		t.Errorf("CheckStatus() = %v, want in_progress at 2000", status)
	}
}
