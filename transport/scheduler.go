package transport

import (
	"time"

	"k8s.io/utils/clock"
)

// ClockScheduler is the production Scheduler, arming timers off a clock. Tests inject a fake clock and step it
// instead of sleeping.
type ClockScheduler struct {
	clk clock.WithDelayedExecution
}

func NewClockScheduler() *ClockScheduler {
	return &ClockScheduler{clk: clock.RealClock{}}
}

func NewClockSchedulerWithClock(clk clock.WithDelayedExecution) *ClockScheduler {
	return &ClockScheduler{clk: clk}
}

func (s *ClockScheduler) Schedule(f func(), delay time.Duration) {
	s.clk.AfterFunc(delay, f)
}
