package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/notify"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPollInterval is the longest the loop sleeps before looking
	// at the pending set again.
	DefaultPollInterval = 5 * time.Second
)

var (
	// ErrRetryLimitExceeded is returned by RunUntilIdle once a task
	// failed more often than Config.MaxRetries allows.
	ErrRetryLimitExceeded = errors.New("task exceeded the retry limit")

	// ErrNoProcessor is returned when a task type has no processor.
	ErrNoProcessor = errors.New("no processor for task type")
)

// Config holds the dependencies of the scheduler.
type Config struct {
	// DB is the ledger the sources read from.
	DB kvdb.Backend

	// Clock decides when tasks are due.
	Clock clock.Clock

	// Notifier receives the scheduler's notifications.
	Notifier notify.Notifier

	// PollTicker bounds how long the loop sleeps when no task is due.
	PollTicker ticker.Ticker

	// MaxRetries makes RunUntilIdle give up once a pending task's retry
	// counter exceeds it. The background loop ignores it. Zero disables
	// the limit.
	MaxRetries uint32
}

// Scheduler runs the pending tasks of the wallet. Tasks run one at a time,
// whether they are started by the background loop or by a caller.
type Scheduler struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	mu         sync.RWMutex
	sources    []Source
	processors map[TaskType]Processor

	// runMu is held while a task runs.
	runMu sync.Mutex

	// wake is a latch that cuts the loop's sleep short.
	wake chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler without sources or processors.
func New(cfg *Config) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		processors: make(map[TaskType]Processor),
		wake:       make(chan struct{}, 1),
	}
}

// RegisterSource adds a source of pending tasks.
func (s *Scheduler) RegisterSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sources = append(s.sources, src)
}

// RegisterProcessor sets the processor of a task type. Tasks of types
// without a processor are never listed.
func (s *Scheduler) RegisterProcessor(t TaskType, p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processors[t] = p
}

func (s *Scheduler) processor(t TaskType) Processor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.processors[t]
}

// Start launches the background loop.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Task scheduler starting")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := s.runLoop(ctx, false)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		default:
			log.Errorf("Task loop stopped: %v", err)
		}
	}()

	return nil
}

// Stop halts the background loop and waits for the running task to return.
func (s *Scheduler) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Task scheduler shutting down...")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cfg.PollTicker.Stop()

	return nil
}

// Wake makes a sleeping loop look at the pending set again.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// PendingTasks lists the tasks of every registered source, ordered by due
// time.
func (s *Scheduler) PendingTasks() ([]PendingTask, error) {
	s.mu.RLock()
	sources := append([]Source(nil), s.sources...)
	s.mu.RUnlock()

	now := s.cfg.Clock.Now()

	var tasks []PendingTask
	err := kvdb.View(s.cfg.DB, func(tx kvdb.RTx) error {
		for _, src := range sources {
			listed, err := src(tx, now)
			if err != nil {
				return err
			}

			for _, task := range listed {
				if s.processor(task.Type) == nil {
					log.Tracef("Skipping task %v without "+
						"processor", task.TaskID())
					continue
				}
				tasks = append(tasks, task)
			}
		}

		return nil
	}, func() {
		tasks = nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list pending tasks: %w", err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].TimestampDue.Equal(tasks[j].TimestampDue) {
			return tasks[i].TimestampDue.Before(
				tasks[j].TimestampDue,
			)
		}

		return tasks[i].TaskID() < tasks[j].TaskID()
	})

	return tasks, nil
}

// RunUntilIdle runs the loop in the caller's goroutine until no task that
// gives lifeness remains.
func (s *Scheduler) RunUntilIdle(ctx context.Context) error {
	return s.runLoop(ctx, true)
}

// RunPending runs every due task once. With forceNow, every pending task
// runs regardless of its due time.
func (s *Scheduler) RunPending(ctx context.Context, forceNow bool) error {
	tasks, err := s.PendingTasks()
	if err != nil {
		return err
	}

	now := s.cfg.Clock.Now()
	for i := range tasks {
		if !forceNow && !tasks[i].Due(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = s.runTask(ctx, &tasks[i], forceNow)
	}

	return nil
}

// ForceNow resets the retry state of one task and runs it immediately. The
// error of the task is returned.
func (s *Scheduler) ForceNow(ctx context.Context, t TaskType,
	id string) error {

	if s.processor(t) == nil {
		return fmt.Errorf("%w: %v", ErrNoProcessor, t)
	}

	return s.runTask(ctx, &PendingTask{
		Type:         t,
		ID:           id,
		TimestampDue: s.cfg.Clock.Now(),
	}, true)
}

// runLoop runs due tasks and sleeps in between until ctx is done. With
// stopWhenDone it returns once no task gives lifeness.
func (s *Scheduler) runLoop(ctx context.Context, stopWhenDone bool) error {
	s.cfg.PollTicker.Resume()

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		loopIterations.Inc()

		tasks, err := s.PendingTasks()
		if err != nil {
			return err
		}
		pendingTasks.Set(float64(len(tasks)))

		now := s.cfg.Clock.Now()

		var (
			minDue      time.Time
			numDue      int
			numLifeness int
		)
		for _, task := range tasks {
			if task.GivesLifeness {
				numLifeness++
			}
			if task.Due(now) {
				numDue++
			}
			if minDue.IsZero() || task.TimestampDue.Before(minDue) {
				minDue = task.TimestampDue
			}

			if stopWhenDone && s.cfg.MaxRetries > 0 &&
				task.Retry != nil &&
				task.Retry.Counter > s.cfg.MaxRetries {

				log.Warnf("Task %v failed %d times, stopping",
					task.TaskID(), task.Retry.Counter)

				return fmt.Errorf("%w: %v",
					ErrRetryLimitExceeded, task.TaskID())
			}
		}

		if stopWhenDone && numLifeness == 0 && iteration != 0 {
			log.Debugf("No more pending tasks giving lifeness")
			return nil
		}

		if numDue == 0 && iteration != 0 {
			s.cfg.Notifier.Notify(&notify.Notification{
				Type:       notify.WaitingForRetry,
				NumPending: len(tasks),
				NumDue:     numDue,
			})

			if err := s.sleep(ctx, now, minDue); err != nil {
				return err
			}

			continue
		}

		for i := range tasks {
			if !tasks[i].Due(now) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			_ = s.runTask(ctx, &tasks[i], false)
		}
	}
}

// sleep blocks until minDue, the next poll tick or a wake signal. A zero
// minDue means there is no pending task.
func (s *Scheduler) sleep(ctx context.Context, now, minDue time.Time) error {
	var dueTimer <-chan time.Time
	if !minDue.IsZero() {
		dueTimer = s.cfg.Clock.TickAfter(minDue.Sub(now))
	}

	log.Tracef("Sleeping until %v", minDue)

	select {
	case <-dueTimer:
	case <-s.cfg.PollTicker.Ticks():
	case <-s.wake:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// runTask runs one task and reports its outcome. A panicking processor
// doesn't take the loop down.
func (s *Scheduler) runTask(ctx context.Context, task *PendingTask,
	forceNow bool) (err error) {

	proc := s.processor(task.Type)
	if proc == nil {
		return fmt.Errorf("%w: %v", ErrNoProcessor, task.Type)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	log.Debugf("Running task %v (forceNow=%v)", task.TaskID(), forceNow)
	tasksDispatched.WithLabelValues(task.Type.String()).Inc()

	defer func() {
		if r := recover(); r != nil {
			err = errorcodes.New(
				errorcodes.WalletUnexpectedException,
				errorcodes.KindInternal, "task %v panicked: %v",
				task.TaskID(), r,
			)
		}

		s.reportOutcome(ctx, task, err)
	}()

	return proc(ctx, task.ID, forceNow)
}

func (s *Scheduler) reportOutcome(ctx context.Context, task *PendingTask,
	err error) {

	switch {
	case err == nil:

	case ctx.Err() != nil:
		log.Debugf("Task %v interrupted: %v", task.TaskID(), err)

	default:
		taskFailures.WithLabelValues(task.Type.String()).Inc()

		kind := errorcodes.KindOf(err)
		if kind != errorcodes.KindInternal &&
			kind != errorcodes.KindInvariant {

			log.Infof("Task %v failed: %v", task.TaskID(), err)
			break
		}

		log.Errorf("Task %v failed unexpectedly: %v", task.TaskID(),
			err)
		s.cfg.Notifier.Notify(&notify.Notification{
			Type:   notify.InternalError,
			TaskID: task.TaskID(),
			Error:  errorcodes.FromError(err),
		})
	}

	s.cfg.Notifier.Notify(&notify.Notification{
		Type:   notify.PendingOperationProcessed,
		TaskID: task.TaskID(),
	})
}
