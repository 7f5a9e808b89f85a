// Package retry decides whether and when a page fetch is attempted again.
//
// Throttled and unavailable responses are transient and retried after a
// delay, up to MaxRetries times. Any other failure ends the attempt at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nvdharvest/internal/nvd"
)

// ErrExhausted wraps the last transient error once the retry budget is spent
var ErrExhausted = errors.New("retries exhausted")

// State is the position of a fetch attempt in the retry state machine
type State int

const (
	Attempting State = iota
	Retrying
	Succeeded
	Exhausted
	Failed
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sleeper blocks for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy retries transient fetch failures
type Policy struct {
	MaxRetries int
	Strategy   Strategy
	Sleep      Sleeper
	// OnRetry, if set, is called before each wait with the 1-indexed retry
	// number, the delay and the transient error that caused it.
	OnRetry func(retry int, delay time.Duration, cause error)
}

// DefaultPolicy waits 10 seconds between attempts and gives up after 3 retries
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 3,
		Strategy:   NewConstant(10 * time.Second),
		Sleep:      Sleep,
	}
}

// Retryable reports whether err is a transient fetch failure
func Retryable(err error) bool {
	return errors.Is(err, nvd.ErrThrottled) || errors.Is(err, nvd.ErrUnavailable)
}

// Classify maps the result of one attempt to the next state
func (p *Policy) Classify(err error, retries int) State {
	switch {
	case err == nil:
		return Succeeded
	case !Retryable(err):
		return Failed
	case retries >= p.MaxRetries:
		return Exhausted
	default:
		return Retrying
	}
}

// Do runs fetch until it succeeds, fails permanently or the retry budget is
// spent. An exhausted budget returns an error matching both ErrExhausted and
// the last transient cause.
func (p *Policy) Do(ctx context.Context, fetch func(ctx context.Context) (*nvd.Page, error)) (*nvd.Page, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for retries := 0; ; retries++ {
		page, err := fetch(ctx)

		switch p.Classify(err, retries) {
		case Succeeded:
			return page, nil
		case Failed:
			return nil, err
		case Exhausted:
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, retries+1, err)
		}

		delay := p.delay(retries + 1)
		if p.OnRetry != nil {
			p.OnRetry(retries+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (p *Policy) delay(retry int) time.Duration {
	if p.Strategy == nil {
		return 0
	}
	return p.Strategy.Delay(retry)
}
