package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeLayout is the local-time layout of last_modified, millisecond precision
const TimeLayout = "2006-01-02T15:04:05.000"

var (
	// ErrNotInitialized is returned when a source has no checkpoint row yet
	ErrNotInitialized = errors.New("checkpoint not initialized")

	// ErrOffsetNotIncreasing is returned when Advance would not move the offset forward
	ErrOffsetNotIncreasing = errors.New("checkpoint offset must strictly increase")
)

// State is the coarse ingestion state of a source
type State int

const (
	NotStarted State = iota
	InProgress
	Complete
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the result of a status query. Offset is meaningful only for InProgress.
type Status struct {
	State  State
	Offset int64
}

func (s Status) String() string {
	if s.State == InProgress {
		return fmt.Sprintf("%s (offset %d)", s.State, s.Offset)
	}
	return s.State.String()
}

// Checkpoint is the durable progress record of one source
type Checkpoint struct {
	Source       string    `json:"source"`
	Offset       int64     `json:"offset"`
	LastModified time.Time `json:"last_modified"`
	InitFinished bool      `json:"init_finished"`
}

// Store defines the interface for checkpoint persistence
type Store interface {
	Status(ctx context.Context, source string) (Status, error)
	Get(ctx context.Context, source string) (*Checkpoint, error)
	Initialize(ctx context.Context, source string) error
	Advance(ctx context.Context, source string, offset int64, ts time.Time) error
	MarkComplete(ctx context.Context, source string) error
}

// FormatTime renders t the way last_modified is stored
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}
