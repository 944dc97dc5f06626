package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"memochat/logging"
)

var errStopped = errors.New("scheduler is stopped")

// DefaultPollInterval is the time between scheduled cycles.
const DefaultPollInterval = 2 * time.Minute

const (
	// EventConversationsChanged is emitted when a cycle stored new messages.
	EventConversationsChanged EventType = "conversations_changed"
	// EventContactsChanged is emitted when a cycle created a contact.
	EventContactsChanged EventType = "contacts_changed"
	// EventCycleFailed is emitted when a cycle aborted with an error.
	EventCycleFailed EventType = "cycle_failed"
	// EventCycleSkipped is emitted when a cycle was skipped for chain lag.
	EventCycleSkipped EventType = "cycle_skipped"
)

// EventType identifies scheduler notifications.
type EventType string

// Event carries the result of one scheduled or triggered cycle.
type Event struct {
	Type   EventType
	Result Result
	Err    error
}

// Cycler runs one reconcile cycle. *Engine implements it.
type Cycler interface {
	RunCycle(ctx context.Context) (Result, error)
}

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	Interval time.Duration
	// CycleTimeout bounds one cycle. Zero means no bound.
	CycleTimeout time.Duration
	Logger       *slog.Logger
}

// Scheduler runs cycles periodically and on demand, never two at once.
type Scheduler struct {
	cycler Cycler
	cfg    SchedulerConfig
	logger *slog.Logger

	group     singleflight.Group
	suspended atomic.Bool

	// runMu is held shared by every running cycle and exclusively by Stop
	// while it closes events.
	runMu  sync.RWMutex
	closed bool
	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cycler Cycler, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cycler: cycler,
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		events: make(chan Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic cycles. The first cycle runs immediately.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop cancels scheduling, waits for an in-flight cycle and closes Events.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.runMu.Lock()
		s.closed = true
		close(s.events)
		s.runMu.Unlock()
	})
}

// Suspend prevents new scheduled cycles. A running cycle is not interrupted.
func (s *Scheduler) Suspend() {
	s.suspended.Store(true)
}

// Resume re-enables scheduled cycles.
func (s *Scheduler) Resume() {
	s.suspended.Store(false)
}

// Suspended reports whether scheduled cycles are paused.
func (s *Scheduler) Suspended() bool {
	return s.suspended.Load()
}

// Events provides cycle notifications. Slow readers miss events.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Trigger runs a cycle now, or joins the one already running, and returns
// its result. It ignores Suspend.
func (s *Scheduler) Trigger(ctx context.Context) (Result, error) {
	if s.ctx.Err() != nil {
		return Result{}, errStopped
	}

	ch := s.group.DoChan("cycle", func() (any, error) {
		return s.run()
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.tick()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	if s.suspended.Load() {
		s.logger.Debug("scheduler: suspended, tick skipped")
		return
	}
	_, _, _ = s.group.Do("cycle", func() (any, error) {
		return s.run()
	})
}

// run executes one cycle and emits its events. Errors are reported through
// events and the returned error; the next tick retries.
func (s *Scheduler) run() (Result, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	if s.closed {
		return Result{}, errStopped
	}

	ctx := s.ctx
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	res, err := s.cycler.RunCycle(ctx)
	switch {
	case err != nil:
		s.logger.Warn("scheduler: cycle failed, retrying next tick", "error", err)
		s.emit(Event{Type: EventCycleFailed, Result: res, Err: err})
	case res.Stale:
		s.emit(Event{Type: EventCycleSkipped, Result: res})
	}
	if res.NewContactCreated {
		s.emit(Event{Type: EventContactsChanged, Result: res})
	}
	if len(res.Changed) > 0 {
		s.emit(Event{Type: EventConversationsChanged, Result: res})
	}
	return res, err
}

// emit must be called from run, which keeps events open.
func (s *Scheduler) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}
