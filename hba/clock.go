package hba

import "time"

// Clock is the time source of all bounded waits. Register polling loops
// count iterations of Sleep, so a fake clock runs them without delay.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// SystemClock is the Clock backed by the time package.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Poll calls cond up to n times, sleeping interval in between, until it
// returns true. It reports whether cond succeeded.
func Poll(c Clock, n int, interval time.Duration, cond func() bool) bool {
	for i := 0; i < n; i++ {
		if cond() {
			return true
		}
		c.Sleep(interval)
	}
	return cond()
}
