package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"nvdharvest/internal/nvd"
)

// scripted returns a fetch func that replays errs and then succeeds.
func scripted(errs ...error) (func(context.Context) (*nvd.Page, error), *int) {
	calls := 0
	return func(context.Context) (*nvd.Page, error) {
		calls++
		if calls <= len(errs) && errs[calls-1] != nil {
			return nil, errs[calls-1]
		}
		return &nvd.Page{}, nil
	}, &calls
}

func recordingSleeper(waits *[]time.Duration) Sleeper {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	var waits []time.Duration
	p := &Policy{MaxRetries: 3, Strategy: NewConstant(10 * time.Second), Sleep: recordingSleeper(&waits)}

	fetch, calls := scripted()
	page, err := p.Do(context.Background(), fetch)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if page == nil {
		t.Fatal("Do() returned nil page")
	}
	if *calls != 1 || len(waits) != 0 {
		t.Errorf("calls = %d, waits = %d, want 1 and 0", *calls, len(waits))
	}
}

func TestDoRecoversAfterTransientErrors(t *testing.T) {
	var waits []time.Duration
	var retries []int
	p := &Policy{
		MaxRetries: 3,
		Strategy:   NewConstant(10 * time.Second),
		Sleep:      recordingSleeper(&waits),
		OnRetry:    func(n int, _ time.Duration, _ error) { retries = append(retries, n) },
	}

	fetch, calls := scripted(nvd.ErrThrottled, nvd.ErrUnavailable, nvd.ErrThrottled)
	if _, err := p.Do(context.Background(), fetch); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if *calls != 4 {
		t.Errorf("calls = %d, want 4", *calls)
	}
	if len(waits) != 3 {
		t.Fatalf("waits = %d, want 3", len(waits))
	}
	for _, w := range waits {
		if w != 10*time.Second {
			t.Errorf("wait = %v, want 10s", w)
		}
	}
	if len(retries) != 3 || retries[0] != 1 || retries[2] != 3 {
		t.Errorf("retry numbers = %v, want [1 2 3]", retries)
	}
}

func TestDoExhausts(t *testing.T) {
	var waits []time.Duration
	p := &Policy{MaxRetries: 3, Strategy: NewConstant(time.Second), Sleep: recordingSleeper(&waits)}

	fetch, calls := scripted(nvd.ErrThrottled, nvd.ErrThrottled, nvd.ErrThrottled, nvd.ErrThrottled, nil)
	_, err := p.Do(context.Background(), fetch)

	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, nvd.ErrThrottled) {
		t.Errorf("error = %v, should keep the last cause", err)
	}
	if *calls != 4 {
		t.Errorf("calls = %d, want 4 (1 attempt + 3 retries)", *calls)
	}
	if len(waits) != 3 {
		t.Errorf("waits = %d, want 3", len(waits))
	}
}

func TestDoFailsImmediately(t *testing.T) {
	var waits []time.Duration
	p := &Policy{MaxRetries: 3, Strategy: NewConstant(time.Second), Sleep: recordingSleeper(&waits)}

	failure := &nvd.FailureError{StatusCode: 404}
	fetch, calls := scripted(failure)
	_, err := p.Do(context.Background(), fetch)

	var got *nvd.FailureError
	if !errors.As(err, &got) {
		t.Fatalf("error = %v, want *nvd.FailureError", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("a permanent failure must not be reported as exhausted")
	}
	if *calls != 1 || len(waits) != 0 {
		t.Errorf("calls = %d, waits = %d, want 1 and 0", *calls, len(waits))
	}
}

func TestDoStopsWhenSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Policy{
		MaxRetries: 3,
		Strategy:   NewConstant(time.Hour),
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	fetch, calls := scripted(nvd.ErrUnavailable)
	_, err := p.Do(ctx, fetch)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestZeroRetryBudget(t *testing.T) {
	p := &Policy{MaxRetries: 0, Sleep: func(context.Context, time.Duration) error {
		t.Fatal("should not sleep")
		return nil
	}}

	fetch, calls := scripted(nvd.ErrThrottled)
	if _, err := p.Do(context.Background(), fetch); !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestClassify(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		err     error
		retries int
		want    State
	}{
		{"success", nil, 0, Succeeded},
		{"throttled first", nvd.ErrThrottled, 0, Retrying},
		{"unavailable mid", nvd.ErrUnavailable, 2, Retrying},
		{"throttled at budget", nvd.ErrThrottled, 3, Exhausted},
		{"failure", &nvd.FailureError{StatusCode: 500}, 0, Failed},
		{"malformed", nvd.ErrMalformedResponse, 0, Failed},
	}
	for _, tt := range tests {
		if got := p.Classify(tt.err, tt.retries); got != tt.want {
			t.Errorf("%s: Classify() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() did not return promptly on a cancelled context")
	}
}
