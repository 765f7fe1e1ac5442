// Package leadsync keeps one lead's activity feed and record editor in sync
// with the server.
package leadsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/MarcoPoloResearchLab/leadsync/internal/clock"
	"github.com/MarcoPoloResearchLab/leadsync/internal/editsession"
	"github.com/MarcoPoloResearchLab/leadsync/internal/refresh"
	"go.uber.org/zap"
)

const (
	defaultMinInterval = 5 * time.Second
	defaultPollPeriod  = 7 * time.Second
)

var (
	errMissingGateway = errors.New("leadsync: gateway is required")
	errMissingLeadID  = errors.New("leadsync: lead id is required")
)

// Gateway is the data source the engine reads from and writes to.
type Gateway interface {
	FetchEntity(ctx context.Context, leadID string) (map[string]any, error)
	FetchActivities(ctx context.Context, leadID string) ([][]activity.RawRecord, error)
	PersistEntity(ctx context.Context, leadID string, fields map[string]any) (map[string]any, error)
	PersistActivity(ctx context.Context, leadID string, record activity.RawRecord) (activity.RawRecord, error)
}

// Config configures an Engine.
type Config struct {
	LeadID          string
	AuthorID        string
	Gateway         Gateway
	MinInterval     time.Duration
	PollPeriod      time.Duration
	PollingEnabled  bool
	StatusWindow    time.Duration
	ImmediateFields []string
	SystemFields    []string
	Location        *time.Location
	Clock           clock.Clock
	Logger          *zap.Logger
	// OnChange is invoked after any observable state changed. It must not block.
	OnChange func()
}

// Stats counts refresh outcomes since Open.
type Stats struct {
	Refreshes        uint64
	MalformedRecords uint64
	StaleSnapshots   uint64
}

// Engine owns the feed, scheduler, strategy and edit session of one lead.
type Engine struct {
	leadID    string
	gateway   Gateway
	location  *time.Location
	logger    *zap.Logger
	onChange  func()
	feed      *activity.Feed
	scheduler *refresh.Scheduler
	strategy  *refresh.Strategy
	session   *editsession.Session

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// Open wires the components for cfg.LeadID and issues the mount refresh.
func Open(cfg Config) (*Engine, error) {
	leadID := strings.TrimSpace(cfg.LeadID)
	if leadID == "" {
		return nil, errMissingLeadID
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("lead_id", leadID))
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	pollPeriod := cfg.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = defaultPollPeriod
	}

	engine := &Engine{
		leadID:   leadID,
		gateway:  cfg.Gateway,
		location: location,
		logger:   logger,
		onChange: cfg.OnChange,
		feed:     activity.NewFeed(),
	}

	scheduler, err := refresh.NewScheduler(refresh.SchedulerConfig{
		Refresh:     engine.refresh,
		MinInterval: minInterval,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	engine.scheduler = scheduler

	session, err := editsession.New(editsession.Config{
		EntityID:        leadID,
		AuthorID:        cfg.AuthorID,
		Persister:       persister{gateway: cfg.Gateway},
		Feed:            engine.feed,
		Refresher:       scheduler,
		ImmediateFields: cfg.ImmediateFields,
		SystemFields:    cfg.SystemFields,
		StatusWindow:    cfg.StatusWindow,
		Clock:           clk,
		Logger:          logger,
		OnChange:        engine.notify,
	})
	if err != nil {
		scheduler.Close()
		return nil, err
	}
	engine.session = session

	strategy, err := refresh.NewStrategy(refresh.StrategyConfig{
		EntityID:   leadID,
		Scheduler:  scheduler,
		PollPeriod: pollPeriod,
		Enabled:    cfg.PollingEnabled,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		session.Close()
		scheduler.Close()
		return nil, err
	}
	engine.strategy = strategy

	scheduler.Request(refresh.TriggerMount)
	return engine, nil
}

// LeadID returns the lead this engine tracks.
func (e *Engine) LeadID() string {
	return e.leadID
}

// Feed returns the merged activity feed, newest first.
func (e *Engine) Feed() []activity.Record {
	return e.feed.Records()
}

// Days returns the feed grouped by local calendar day.
func (e *Engine) Days() []activity.DayGroup {
	return e.feed.Days(e.location)
}

func (e *Engine) Draft() editsession.Fields {
	return e.session.Draft()
}

func (e *Engine) Committed() editsession.Fields {
	return e.session.Committed()
}

func (e *Engine) DirtyFields() []string {
	return e.session.DirtyFields()
}

func (e *Engine) SaveState() editsession.SaveState {
	return e.session.SaveState()
}

func (e *Engine) Mode() refresh.Mode {
	return e.strategy.Mode()
}

// RefreshState exposes the scheduler bookkeeping.
func (e *Engine) RefreshState() refresh.State {
	return e.scheduler.State()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// SetField edits one field of the record.
func (e *Engine) SetField(ctx context.Context, name string, value any) error {
	return e.session.SetField(ctx, name, value)
}

// Save persists the dirty fields.
func (e *Engine) Save(ctx context.Context) (editsession.Result, error) {
	return e.session.Save(ctx)
}

// Cancel discards unsaved edits.
func (e *Engine) Cancel() {
	e.session.Cancel()
}

// ManualRefresh asks for an immediate refresh.
func (e *Engine) ManualRefresh() refresh.Decision {
	return e.scheduler.Request(refresh.TriggerManual)
}

// LogActivity records a user-originated activity optimistically.
func (e *Engine) LogActivity(ctx context.Context, body string, detail activity.Detail) (activity.Record, error) {
	return e.session.AddOptimisticActivity(ctx, editsession.ActivityContent{Body: body, Detail: detail})
}

// SetPollingEnabled toggles the polling feature flag.
func (e *Engine) SetPollingEnabled(enabled bool) {
	e.strategy.SetEnabled(enabled)
}

// SetConnected feeds the live connection signal.
func (e *Engine) SetConnected(connected bool) {
	e.strategy.SetConnected(connected)
}

// HandlePush forwards a push notification naming leadID.
func (e *Engine) HandlePush(leadID string) refresh.Decision {
	return e.strategy.Push(leadID)
}

// Wait blocks until the in-flight refresh completes.
func (e *Engine) Wait() {
	e.scheduler.Wait()
}

// Close tears the engine down. No callback fires and no state changes after it returns.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.scheduler.Close()
	e.strategy.Close()
	e.session.Close()
	e.logger.Debug("engine closed")
}

func (e *Engine) refresh(ctx context.Context, seq uint64) error {
	fields, err := e.gateway.FetchEntity(ctx, e.leadID)
	if err != nil {
		return fmt.Errorf("fetch lead: %w", err)
	}
	rawBatches, err := e.gateway.FetchActivities(ctx, e.leadID)
	if err != nil {
		return fmt.Errorf("fetch activities: %w", err)
	}

	batches := make([][]activity.Record, 0, len(rawBatches))
	var malformed uint64
	for _, raw := range rawBatches {
		records, problems := activity.ParseBatch(raw)
		for _, problem := range problems {
			e.logger.Warn("malformed activity dropped", zap.Uint64("sequence", seq), zap.Error(problem))
		}
		malformed += uint64(len(problems))
		batches = append(batches, records)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.stats.Refreshes++
	e.stats.MalformedRecords += malformed
	e.mu.Unlock()

	e.feed.Apply(seq, batches)

	if err := e.session.ApplyServerSnapshot(seq, editsession.Fields(fields)); err != nil {
		switch {
		case errors.Is(err, editsession.ErrStaleSnapshot):
			e.mu.Lock()
			e.stats.StaleSnapshots++
			e.mu.Unlock()
			e.logger.Debug("stale lead snapshot ignored", zap.Uint64("sequence", seq))
		case errors.Is(err, editsession.ErrSessionClosed):
			return nil
		default:
			e.logger.Warn("lead snapshot ignored", zap.Uint64("sequence", seq), zap.Error(err))
		}
	}
	e.notify()
	return nil
}

func (e *Engine) notify() {
	if e.onChange == nil {
		return
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.onChange()
}

type persister struct {
	gateway Gateway
}

func (p persister) PersistEntity(ctx context.Context, leadID string, fields editsession.Fields) (editsession.Fields, error) {
	stored, err := p.gateway.PersistEntity(ctx, leadID, fields)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	return editsession.Fields(stored), nil
}

func (p persister) PersistActivity(ctx context.Context, leadID string, record activity.RawRecord) (activity.RawRecord, error) {
	return p.gateway.PersistActivity(ctx, leadID, record)
}
