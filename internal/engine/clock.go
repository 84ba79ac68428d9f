package engine

import "time"

// Clock supplies "now" for step windows. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

func nowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}
