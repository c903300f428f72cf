package walletcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultPollInterval is how long the task loop sleeps at most before
	// it looks for due tasks again.
	DefaultPollInterval = 5 * time.Second

	// minPollInterval keeps the task loop from spinning.
	minPollInterval = 100 * time.Millisecond
)

// Scheduler holds the settings of the background task loop.
type Scheduler struct {
	// PollInterval is the longest sleep between two iterations.
	PollInterval time.Duration `long:"pollinterval" description:"Maximum time the task loop sleeps before looking for due tasks again"`
}

// DefaultScheduler returns the default task loop settings.
func DefaultScheduler() *Scheduler {
	return &Scheduler{
		PollInterval: DefaultPollInterval,
	}
}

// Validate checks that the poll interval is usable.
func (s *Scheduler) Validate() error {
	if s.PollInterval < minPollInterval {
		return fmt.Errorf("scheduler.pollinterval must be at least %v",
			minPollInterval)
	}

	return nil
}

// Compile-time constraint to ensure Scheduler implements the Validator
// interface.
var _ Validator = (*Scheduler)(nil)
