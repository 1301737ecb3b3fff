// Package timestamp provides the change clock used for every temporal row.
package timestamp

import (
	"sync"
	"time"
)

// Resolution is the precision stored by both Postgres and sqlite columns.
const Resolution = time.Microsecond

// Clock hands out strictly increasing UTC instants so two changes written by
// this process never share a changed_at value.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockFrom returns a clock backed by a custom source (tests).
func NewClockFrom(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the next instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := Normalize(c.now())
	if !t.After(c.last) {
		t = c.last.Add(Resolution)
	}
	c.last = t
	return t
}

// Normalize converts t to UTC at storage resolution.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Resolution)
}

// Micros is an instant stored as microseconds since the Unix epoch. Columns
// compared in SQL use it so ordering is identical on every dialect.
type Micros int64

// FromTime converts t to Micros.
func FromTime(t time.Time) Micros {
	if t.IsZero() {
		return 0
	}
	return Micros(t.UnixMicro())
}

// Time converts m back to a UTC time. Zero maps to the zero time.
func (m Micros) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(m)).UTC()
}

// IsZero reports whether m is unset.
func (m Micros) IsZero() bool {
	return m == 0
}
