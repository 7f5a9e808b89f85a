package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display periodically renders the tracker to a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop renders the final summary and waits for the display loop to exit
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, d.line(d.tracker.GetStatus()))
		case <-d.stopCh:
			fmt.Fprintln(d.out, d.summary(d.tracker.GetStatus()))
			return
		}
	}
}

func (d *Display) line(status Status) string {
	percent := d.tracker.GetProgressPercent()
	return fmt.Sprintf("%s %d/%d records | pages %d | retries %d | %s | eta %s",
		progressBar(percent, 30),
		status.Offset, status.TotalRecords,
		status.Pages, status.Retries,
		FormatSpeed(status.CurrentSpeed),
		FormatDuration(status.ETA),
	)
}

func (d *Display) summary(status Status) string {
	return fmt.Sprintf("harvest stopped at offset %d: %d records in %d pages, %d retries, %s elapsed, %s average",
		status.Offset, status.Records, status.Pages, status.Retries,
		FormatDuration(time.Since(status.StartTime)),
		FormatSpeed(status.AverageSpeed),
	)
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

// IsTerminalSupported reports whether stdout is a character device
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
