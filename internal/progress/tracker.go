package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current harvest status
type Status struct {
	TotalRecords   int64         // records the source reports
	Offset         int64         // last committed offset
	Records        int64         // records committed in this run
	Pages          int64         // pages committed in this run
	Retries        int64         // fetch retries in this run
	StartTime      time.Time     // run start
	LastUpdateTime time.Time     // last committed page
	CurrentSpeed   float64       // records/second over the recent window
	AverageSpeed   float64       // records/second since start
	ETA            time.Duration // estimated time to reach TotalRecords
}

// Tracker tracks harvest progress
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
	window       time.Duration
}

type speedSample struct {
	timestamp time.Time
	records   int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		// pages arrive every few seconds at best, so the window is wide
		window: time.Minute,
	}
}

// SetTotal sets the number of records the source reports
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalRecords = total
	t.calculateETA()
}

// SetOffset sets the committed offset, e.g. when resuming
func (t *Tracker) SetOffset(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Offset = offset
}

// AddPage records a committed page of n records ending at offset
func (t *Tracker) AddPage(n, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Pages++
	t.status.Records += n
	t.status.Offset = offset
	t.updateSpeed(n)
}

// AddRetry counts a fetch retry
func (t *Tracker) AddRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Retries++
}

// updateSpeed must be called with the lock held
func (t *Tracker) updateSpeed(n int64) {
	now := time.Now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, records: n})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	cutoff := now.Add(-t.window)
	var recent int64
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		if t.speedSamples[i].timestamp.Before(cutoff) {
			break
		}
		recent += t.speedSamples[i].records
	}

	span := t.window
	if elapsed := now.Sub(t.status.StartTime); elapsed < span {
		span = elapsed
	}
	if span > 0 {
		t.status.CurrentSpeed = float64(recent) / span.Seconds()
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.Records) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	remaining := t.status.TotalRecords - t.status.Offset
	if remaining <= 0 || t.status.AverageSpeed == 0 {
		t.status.ETA = 0
		return
	}
	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns Offset as a percentage of TotalRecords
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalRecords == 0 {
		return 0
	}
	return float64(t.status.Offset) / float64(t.status.TotalRecords) * 100
}

// FormatSpeed formats a records/second rate
func FormatSpeed(perSecond float64) string {
	if perSecond < 1000 {
		return fmt.Sprintf("%.1f rec/s", perSecond)
	}
	return fmt.Sprintf("%.1fk rec/s", perSecond/1000)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
