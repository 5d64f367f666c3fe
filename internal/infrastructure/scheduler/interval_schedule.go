package scheduler

import "time"

// Every runs a job at a fixed interval.
type Every time.Duration

// Next returns t plus the interval.
func (e Every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

func (e Every) String() string {
	return "@every " + time.Duration(e).String()
}
