package daemon

import (
	"context"
	"fmt"
	"time"
)

// Clock abstracts time so the loop can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// job is a maintenance task run whenever its next deadline has passed.
type job struct {
	name string
	next time.Time
	// plan returns the deadline following a run at now.
	plan func(now time.Time) time.Time
	run  func(ctx context.Context) error
}

func every(d time.Duration) func(time.Time) time.Time {
	return func(now time.Time) time.Time { return now.Add(d) }
}

// Cadence of the optimizer.
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// NextAt returns the first moment strictly after now that falls on the cadence
// at hour:minute in now's location. Weekly runs happen on Mondays.
func NextAt(now time.Time, cadence Cadence, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	if cadence == CadenceWeekly {
		for next.Weekday() != time.Monday {
			next = next.AddDate(0, 0, 1)
		}
	}
	return next
}
