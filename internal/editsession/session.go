package editsession

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/MarcoPoloResearchLab/leadsync/internal/clock"
	"go.uber.org/zap"
)

const defaultStatusWindow = 3 * time.Second

var (
	errMissingPersister = errors.New("editsession: persister is required")
	errMissingFeed      = errors.New("editsession: activity feed is required")
	errMissingRefresher = errors.New("editsession: refresher is required")
	errMissingEntityID  = errors.New("editsession: entity id is required")
	noOpLogger          = zap.NewNop()
)

// Persister writes entity changes and activities to the backend.
type Persister interface {
	PersistEntity(ctx context.Context, entityID string, fields Fields) (Fields, error)
	PersistActivity(ctx context.Context, entityID string, record activity.RawRecord) (activity.RawRecord, error)
}

// ActivityFeed receives optimistic records ahead of server confirmation.
type ActivityFeed interface {
	AddOptimistic(record activity.Record) error
	Confirm(tempID activity.RecordID, confirmed activity.Record) error
	Settle(tempID activity.RecordID, afterSeq uint64)
	Discard(tempID activity.RecordID)
}

// Refresher schedules background refreshes after writes.
type Refresher interface {
	RequestFollowUp()
	LastSequence() uint64
}

// Config configures a Session.
type Config struct {
	EntityID  string
	AuthorID  string
	Initial   Fields
	Persister Persister
	Feed      ActivityFeed
	Refresher Refresher
	// ImmediateFields are persisted on SetField instead of waiting for Save.
	ImmediateFields []string
	// SystemFields are never sent by Save.
	SystemFields []string
	StatusWindow time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	OnChange     func()
}

// ActivityContent is the user-supplied part of an optimistic activity.
type ActivityContent struct {
	Body   string
	Detail activity.Detail
}

// Session is the optimistic edit state of one entity.
type Session struct {
	entityID     string
	authorID     string
	persister    Persister
	feed         ActivityFeed
	refresher    Refresher
	immediate    map[string]struct{}
	system       map[string]struct{}
	statusWindow time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	onChange     func()

	// writeMu serializes network writes for the entity.
	writeMu sync.Mutex

	mu            sync.Mutex
	committed     Fields
	draft         Fields
	dirty         map[string]struct{}
	edits         map[string]uint64
	saveState     SaveState
	lastSnapshot  uint64
	snapshotFloor uint64
	decay         clock.Timer
	decayGen      uint64
	closed        bool
}

// New constructs a Session seeded with the initial committed state.
func New(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.EntityID) == "" {
		return nil, errMissingEntityID
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Refresher == nil {
		return nil, errMissingRefresher
	}
	window := cfg.StatusWindow
	if window <= 0 {
		window = defaultStatusWindow
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Session{
		entityID:     cfg.EntityID,
		authorID:     cfg.AuthorID,
		persister:    cfg.Persister,
		feed:         cfg.Feed,
		refresher:    cfg.Refresher,
		immediate:    toSet(cfg.ImmediateFields),
		system:       toSet(cfg.SystemFields),
		statusWindow: window,
		clock:        clk,
		logger:       logger,
		onChange:     cfg.OnChange,
		committed:    cfg.Initial.Clone(),
		draft:        cfg.Initial.Clone(),
		dirty:        make(map[string]struct{}),
		edits:        make(map[string]uint64),
	}, nil
}

// Draft returns a copy of the working state.
func (s *Session) Draft() Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Clone()
}

// Committed returns a copy of the last known server state.
func (s *Session) Committed() Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.Clone()
}

// DirtyFields returns the sorted names of fields edited since the last save.
func (s *Session) DirtyFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.dirty)
}

// SaveState returns the current save status.
func (s *Session) SaveState() SaveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveState
}

// SetField writes a value into the draft. Fields on the immediate allowlist
// are persisted before SetField returns; all others wait for Save.
func (s *Session) SetField(ctx context.Context, name string, value any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidField
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	previous := s.draft[name]
	s.draft[name] = value
	s.dirty[name] = struct{}{}
	s.edits[name]++
	edit := s.edits[name]
	_, immediate := s.immediate[name]
	s.mu.Unlock()
	s.notify()

	if !immediate {
		return nil
	}
	return s.persistImmediate(ctx, name, previous, value, edit)
}

func (s *Session) persistImmediate(ctx context.Context, name string, previous, value any, edit uint64) error {
	tempID, err := activity.NewTemporaryID()
	if err != nil {
		return err
	}
	record := activity.Record{
		ID:         tempID,
		Body:       fmt.Sprintf("%s changed from %v to %v", name, displayValue(previous), displayValue(value)),
		OccurredAt: s.clock.Now().UTC(),
		AuthorID:   s.authorID,
		Detail: activity.FieldUpdateDetail{
			Field:    name,
			Previous: displayValue(previous),
			Current:  displayValue(value),
		},
	}
	if err := s.feed.AddOptimistic(record); err != nil {
		return err
	}

	s.writeMu.Lock()
	updated, persistErr := s.persister.PersistEntity(ctx, s.entityID, Fields{name: value})
	s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if persistErr != nil {
		if s.edits[name] == edit {
			s.restoreFieldLocked(name)
		}
		s.mu.Unlock()
		s.feed.Discard(tempID)
		s.logger.Warn("immediate field update failed",
			zap.String("entity_id", s.entityID),
			zap.String("field", name),
			zap.Error(persistErr))
		s.notify()
		return &SaveError{Fields: []string{name}, Err: persistErr}
	}
	s.acceptCommittedLocked(Fields{name: value}, updated)
	if s.edits[name] == edit && reflect.DeepEqual(s.draft[name], value) {
		delete(s.dirty, name)
	}
	s.snapshotFloor = s.refresher.LastSequence()
	floor := s.snapshotFloor
	s.mu.Unlock()

	s.feed.Settle(tempID, floor)
	s.refresher.RequestFollowUp()
	s.notify()
	return nil
}

// Save persists every dirty field except system fields. A save issued while
// another one is running is rejected with ErrSaveInProgress.
func (s *Session) Save(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	if s.saveState == StateSaving {
		s.mu.Unlock()
		return Result{}, &ContractError{Operation: "save", Err: ErrSaveInProgress}
	}
	payload := Fields{}
	for name := range s.dirty {
		if _, skip := s.system[name]; skip {
			continue
		}
		payload[name] = s.draft[name]
	}
	started := maps.Clone(s.edits)
	if len(payload) == 0 {
		s.mu.Unlock()
		return Result{Committed: s.Committed()}, nil
	}
	s.stopDecayLocked()
	s.saveState = StateSaving
	names := sortedKeys(payload)
	s.mu.Unlock()
	s.notify()

	s.writeMu.Lock()
	updated, err := s.persister.PersistEntity(ctx, s.entityID, payload)
	s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	if err != nil {
		s.saveState = StateError
		for name := range s.draft {
			if !s.editedSinceLocked(name, started) {
				s.restoreFieldLocked(name)
			}
		}
		for name := range s.committed {
			if !s.editedSinceLocked(name, started) {
				s.restoreFieldLocked(name)
			}
		}
		s.armDecayLocked()
		s.mu.Unlock()
		s.logger.Warn("save failed",
			zap.String("entity_id", s.entityID),
			zap.Strings("fields", names),
			zap.Error(err))
		s.notify()
		return Result{}, &SaveError{Fields: names, Err: err}
	}

	s.acceptCommittedLocked(payload, updated)
	draft := s.committed.Clone()
	for name := range s.dirty {
		if s.editedSinceLocked(name, started) {
			draft[name] = s.draft[name]
			continue
		}
		delete(s.dirty, name)
	}
	s.draft = draft
	s.saveState = StateSaved
	s.snapshotFloor = s.refresher.LastSequence()
	s.armDecayLocked()
	result := Result{Fields: names, Committed: s.committed.Clone()}
	s.mu.Unlock()

	s.logger.Info("entity saved", zap.String("entity_id", s.entityID), zap.Strings("fields", names))
	s.refresher.RequestFollowUp()
	s.notify()
	return result, nil
}

// Cancel discards the draft and returns to the committed state.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.draft = s.committed.Clone()
	clear(s.dirty)
	if s.saveState != StateSaving {
		s.stopDecayLocked()
		s.saveState = StateIdle
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyServerSnapshot replaces the committed state with a refresh result
// issued under seq. Dirty draft fields are left untouched.
func (s *Session) ApplyServerSnapshot(seq uint64, snapshot Fields) error {
	if snapshot == nil {
		return ErrMalformedSnapshot
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if seq <= s.lastSnapshot || seq <= s.snapshotFloor {
		s.mu.Unlock()
		return fmt.Errorf("%w: sequence %d", ErrStaleSnapshot, seq)
	}
	s.lastSnapshot = seq
	s.committed = snapshot.Clone()
	for name, value := range snapshot {
		if _, dirty := s.dirty[name]; !dirty {
			s.draft[name] = value
		}
	}
	for name := range s.draft {
		_, dirty := s.dirty[name]
		_, present := snapshot[name]
		if !dirty && !present {
			delete(s.draft, name)
		}
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// AddOptimisticActivity shows an activity immediately and persists it. The
// temporary record is swapped for the server copy on success and removed on failure.
func (s *Session) AddOptimisticActivity(ctx context.Context, content ActivityContent) (activity.Record, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return activity.Record{}, ErrSessionClosed
	}
	tempID, err := activity.NewTemporaryID()
	if err != nil {
		return activity.Record{}, err
	}
	record := activity.Record{
		ID:         tempID,
		Body:       content.Body,
		OccurredAt: s.clock.Now().UTC(),
		AuthorID:   s.authorID,
		Detail:     content.Detail,
	}
	if err := s.feed.AddOptimistic(record); err != nil {
		return activity.Record{}, err
	}
	s.notify()

	raw := activity.ToRaw(record)
	raw.ID = ""
	stored, err := s.persister.PersistActivity(ctx, s.entityID, raw)
	if s.isClosed() {
		return activity.Record{}, ErrSessionClosed
	}
	if err != nil {
		s.feed.Discard(tempID)
		s.notify()
		return activity.Record{}, fmt.Errorf("persist activity: %w", err)
	}
	confirmed, err := activity.ParseRawRecord(stored)
	if err != nil {
		// the write landed; the next refresh brings the authoritative copy
		s.feed.Settle(tempID, s.refresher.LastSequence())
		s.refresher.RequestFollowUp()
		return record, nil
	}
	if err := s.feed.Confirm(tempID, confirmed); err != nil {
		return activity.Record{}, err
	}
	s.notify()
	return confirmed, nil
}

// Close stops the status timer. Completions arriving afterwards are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopDecayLocked()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) acceptCommittedLocked(sent, returned Fields) {
	if returned != nil {
		s.committed = returned.Clone()
		return
	}
	for name, value := range sent {
		s.committed[name] = value
	}
}

func (s *Session) restoreFieldLocked(name string) {
	if value, ok := s.committed[name]; ok {
		s.draft[name] = value
		return
	}
	delete(s.draft, name)
}

// editedSinceLocked reports whether name was written after the edit
// versions in started were captured.
func (s *Session) editedSinceLocked(name string, started map[string]uint64) bool {
	return s.edits[name] != started[name]
}

func (s *Session) armDecayLocked() {
	s.stopDecayLocked()
	s.decayGen++
	generation := s.decayGen
	s.decay = s.clock.AfterFunc(s.statusWindow, func() {
		s.mu.Lock()
		if s.closed || s.decayGen != generation || (s.saveState != StateSaved && s.saveState != StateError) {
			s.mu.Unlock()
			return
		}
		s.saveState = StateIdle
		s.decay = nil
		s.mu.Unlock()
		s.notify()
	})
}

func (s *Session) stopDecayLocked() {
	if s.decay == nil {
		return
	}
	s.decay.Stop()
	s.decay = nil
	s.decayGen++
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func displayValue(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}
