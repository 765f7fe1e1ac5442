package refresh

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/clock"
	"go.uber.org/zap"
)

// Mode is the active refresh mode of an entity view.
type Mode int

const (
	ModeDisabled Mode = iota
	ModePushDriven
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModePushDriven:
		return "push_driven"
	case ModePolling:
		return "polling"
	default:
		return "unknown"
	}
}

const defaultPollPeriod = 7 * time.Second

var errMissingScheduler = errors.New("refresh: scheduler is required")

// Requester accepts refresh requests.
type Requester interface {
	Request(trigger Trigger) Decision
	ResumeTimer()
}

// StrategyConfig configures a Strategy.
type StrategyConfig struct {
	EntityID   string
	Scheduler  Requester
	PollPeriod time.Duration
	Enabled    bool
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Strategy keeps exactly one refresh mode active for an entity, switching
// between push-driven and polling as the live connection comes and goes.
type Strategy struct {
	mu         sync.Mutex
	entityID   string
	scheduler  Requester
	period     time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	enabled    bool
	connected  bool
	alive      bool
	mode       Mode
	timer      clock.Timer
	generation uint64
}

// NewStrategy constructs a Strategy and evaluates its initial mode.
func NewStrategy(cfg StrategyConfig) (*Strategy, error) {
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	period := cfg.PollPeriod
	if period <= 0 {
		period = defaultPollPeriod
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	strategy := &Strategy{
		entityID:  cfg.EntityID,
		scheduler: cfg.Scheduler,
		period:    period,
		clock:     clk,
		logger:    logger,
		enabled:   cfg.Enabled,
		alive:     true,
		mode:      ModeDisabled,
	}
	strategy.mu.Lock()
	strategy.evaluateLocked()
	strategy.mu.Unlock()
	return strategy, nil
}

// SetEnabled toggles the polling feature.
func (s *Strategy) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.evaluateLocked()
}

// SetConnected records the live connection signal.
func (s *Strategy) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	s.evaluateLocked()
}

// Close tears the strategy down. The polling timer is disarmed before Close returns.
func (s *Strategy) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	s.evaluateLocked()
}

// Mode returns the active mode.
func (s *Strategy) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Push forwards a push notification. Notifications for other entities are ignored.
func (s *Strategy) Push(entityID string) Decision {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return DecisionDroppedClosed
	}
	if entityID != s.entityID {
		s.mu.Unlock()
		s.logger.Debug("push for another entity ignored", zap.String("entity_id", entityID))
		return DecisionDroppedSuppressed
	}
	s.mu.Unlock()

	decision := s.scheduler.Request(TriggerExternalPush)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModePolling {
		// the push arrived without a live connection signal; keep polling alive
		s.scheduler.ResumeTimer()
	}
	return decision
}

func (s *Strategy) desiredLocked() Mode {
	switch {
	case !s.alive:
		return ModeDisabled
	case s.connected:
		return ModePushDriven
	case s.enabled:
		return ModePolling
	default:
		return ModeDisabled
	}
}

func (s *Strategy) evaluateLocked() {
	next := s.desiredLocked()
	if next == s.mode {
		return
	}
	previous := s.mode
	if previous == ModePolling {
		s.disarmLocked()
	}
	s.mode = next
	if next == ModePolling {
		s.scheduler.ResumeTimer()
		s.armLocked()
	}
	s.logger.Info("refresh mode changed",
		zap.String("entity_id", s.entityID),
		zap.Stringer("from", previous),
		zap.Stringer("to", next))
}

func (s *Strategy) armLocked() {
	if s.timer != nil {
		s.disarmLocked()
	}
	s.generation++
	generation := s.generation
	s.timer = s.clock.Every(s.period, func() {
		s.tick(generation)
	})
}

func (s *Strategy) disarmLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.generation++
}

// tick holds s.mu across the request so Close and disarm cannot interleave
// between the generation check and the scheduler call.
func (s *Strategy) tick(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive || s.mode != ModePolling || s.generation != generation {
		return
	}
	s.scheduler.Request(TriggerTimer)
}
