// Package calendar decides whether a calendar-gated market accepts new
// options. Windows are per weekday in UTC and never span midnight.
package calendar

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidWindow = errors.New("calendar: invalid trading window")

// Window is one weekday's trading session, [Start, End) in UTC.
type Window struct {
	StartHour   int `json:"start_hour" yaml:"start_hour"`
	StartMinute int `json:"start_minute" yaml:"start_minute"`
	EndHour     int `json:"end_hour" yaml:"end_hour"`
	EndMinute   int `json:"end_minute" yaml:"end_minute"`
}

func (w Window) start() int { return w.StartHour*60 + w.StartMinute }
func (w Window) end() int   { return w.EndHour*60 + w.EndMinute }

// Validate checks the window fits inside one day. A zero window is valid and
// means the market is closed that day.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 ||
		w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return fmt.Errorf("%w: %+v", ErrInvalidWindow, w)
	}
	if w.end() > 24*60 || w.end() < w.start() {
		return fmt.Errorf("%w: end before start: %+v", ErrInvalidWindow, w)
	}
	return nil
}

// Weekly holds one window per weekday, indexed by time.Weekday (Sunday = 0).
type Weekly struct {
	days [7]Window
}

// NewWeekly creates a calendar with every day closed.
func NewWeekly() *Weekly {
	return &Weekly{}
}

// Set replaces the window for day.
func (c *Weekly) Set(day time.Weekday, w Window) error {
	if day < time.Sunday || day > time.Saturday {
		return fmt.Errorf("%w: weekday %d", ErrInvalidWindow, day)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	c.days[day] = w
	return nil
}

// SetAll replaces every day's window; windows[i] is for time.Weekday(i).
func (c *Weekly) SetAll(windows [7]Window) error {
	for i, w := range windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("weekday %d: %w", i, err)
		}
	}
	c.days = windows
	return nil
}

// Window returns the configured window for day.
func (c *Weekly) Window(day time.Weekday) Window {
	return c.days[day]
}

// InCreationWindow reports whether an option opened at now with the given
// period both opens and expires inside the same day's session.
func (c *Weekly) InCreationWindow(now time.Time, period time.Duration) bool {
	now = now.UTC()
	expiry := now.Add(period)

	y1, m1, d1 := now.Date()
	y2, m2, d2 := expiry.Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		return false
	}

	w := c.days[now.Weekday()]
	open := now.Hour()*60 + now.Minute()
	closeAt := expiry.Hour()*60 + expiry.Minute()

	return open >= w.start() && open < w.end() && closeAt < w.end()
}

// AlwaysOpen is a calendar for markets that trade around the clock.
type AlwaysOpen struct{}

func (AlwaysOpen) InCreationWindow(time.Time, time.Duration) bool { return true }
