package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/clock"
	"go.uber.org/zap"
)

// Trigger names the reason a refresh was requested.
type Trigger int

const (
	TriggerMount Trigger = iota
	TriggerExternalPush
	TriggerTimer
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerMount:
		return "mount"
	case TriggerExternalPush:
		return "external_push"
	case TriggerTimer:
		return "timer"
	case TriggerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Decision reports what the scheduler did with a request.
type Decision int

const (
	DecisionStarted Decision = iota
	DecisionDroppedInFlight
	DecisionDroppedThrottled
	DecisionDroppedSuppressed
	DecisionDroppedClosed
)

func (d Decision) String() string {
	switch d {
	case DecisionStarted:
		return "started"
	case DecisionDroppedInFlight:
		return "dropped_in_flight"
	case DecisionDroppedThrottled:
		return "dropped_throttled"
	case DecisionDroppedSuppressed:
		return "dropped_suppressed"
	case DecisionDroppedClosed:
		return "dropped_closed"
	default:
		return "unknown"
	}
}

// Func performs one refresh. seq increases with every started refresh.
type Func func(ctx context.Context, seq uint64) error

var (
	errMissingRefreshFunc = errors.New("refresh: refresh func is required")
	noOpLogger            = zap.NewNop()
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Refresh     Func
	MinInterval time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

// State is a read-only view of the scheduler bookkeeping.
type State struct {
	LastRefreshAt   time.Time
	MinInterval     time.Duration
	InFlight        bool
	TimerSuppressed bool
	LastSequence    uint64
}

// Scheduler decides whether a refresh request runs and guarantees that at
// most one refresh is in flight.
type Scheduler struct {
	mu              sync.Mutex
	refresh         Func
	minInterval     time.Duration
	clock           clock.Clock
	logger          *zap.Logger
	inFlight        bool
	lastRefreshAt   time.Time
	timerSuppressed bool
	sequence        uint64
	followUp        bool
	closed          bool
	ctx             context.Context
	cancel          context.CancelFunc
	running         sync.WaitGroup
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Refresh == nil {
		return nil, errMissingRefreshFunc
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		refresh:     cfg.Refresh,
		minInterval: cfg.MinInterval,
		clock:       clk,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Request asks for a refresh. Requests that cannot run are dropped, never queued.
func (s *Scheduler) Request(trigger Trigger) Decision {
	s.mu.Lock()
	if trigger == TriggerExternalPush && !s.closed {
		// a push disables timer triggers even when it is dropped as in flight
		s.timerSuppressed = true
	}
	decision := s.admitLocked(trigger)
	if decision != DecisionStarted {
		s.mu.Unlock()
		s.logger.Debug("refresh request dropped",
			zap.Stringer("trigger", trigger),
			zap.Stringer("decision", decision))
		return decision
	}
	s.inFlight = true
	s.sequence++
	seq := s.sequence
	s.running.Add(1)
	s.mu.Unlock()

	go s.run(trigger, seq)
	return DecisionStarted
}

func (s *Scheduler) admitLocked(trigger Trigger) Decision {
	if s.closed {
		return DecisionDroppedClosed
	}
	if s.inFlight {
		return DecisionDroppedInFlight
	}
	if trigger != TriggerTimer {
		return DecisionStarted
	}
	if s.timerSuppressed {
		return DecisionDroppedSuppressed
	}
	if !s.lastRefreshAt.IsZero() && s.clock.Now().Sub(s.lastRefreshAt) < s.minInterval {
		return DecisionDroppedThrottled
	}
	return DecisionStarted
}

func (s *Scheduler) run(trigger Trigger, seq uint64) {
	defer s.running.Done()
	err := s.refresh(s.ctx, seq)

	s.mu.Lock()
	s.inFlight = false
	s.lastRefreshAt = s.clock.Now()
	followUp := s.followUp && !s.closed
	s.followUp = false
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("refresh failed",
			zap.Stringer("trigger", trigger),
			zap.Uint64("sequence", seq),
			zap.Error(err))
	}
	if followUp {
		s.Request(TriggerManual)
	}
}

// RequestFollowUp runs a manual refresh now, or once the in-flight refresh
// completes. It lets a write pick up server-side effects without racing a
// refresh that started before the write landed.
func (s *Scheduler) RequestFollowUp() {
	for {
		if s.Request(TriggerManual) != DecisionDroppedInFlight {
			return
		}
		s.mu.Lock()
		if s.inFlight {
			s.followUp = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// ResumeTimer re-enables timer triggers after push-driven operation ends.
func (s *Scheduler) ResumeTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerSuppressed = false
}

// LastSequence returns the sequence number of the most recently started refresh.
func (s *Scheduler) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// State returns a snapshot of the scheduler bookkeeping.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		LastRefreshAt:   s.lastRefreshAt,
		MinInterval:     s.minInterval,
		InFlight:        s.inFlight,
		TimerSuppressed: s.timerSuppressed,
		LastSequence:    s.sequence,
	}
}

// Wait blocks until the in-flight refresh, if any, has completed.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// Close rejects further requests, cancels the in-flight refresh and waits for it.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.running.Wait()
}
