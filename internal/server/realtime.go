package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventLeadChanged = "lead-change"
	realtimeEventHeartbeat   = "heartbeat"
)

// RealtimeMessage announces a change to one lead of a tenant.
type RealtimeMessage struct {
	TenantID  string
	EventType string
	LeadID    string
	Timestamp time.Time
}

// RealtimeDispatcher fans lead changes out to the subscribers of a tenant.
// Slow subscribers miss messages instead of blocking writers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
	leads  map[string]struct{}
}

// wants reports whether the subscriber follows leadID. An empty filter follows every lead.
func (s *realtimeSubscriber) wants(leadID string) bool {
	if len(s.leads) == 0 {
		return true
	}
	_, ok := s.leads[leadID]
	return ok
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for tenantID. When leadIDs is non-empty only
// messages for those leads are delivered. The subscription ends with ctx or
// the returned cleanup.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tenantID string, leadIDs ...string) (<-chan RealtimeMessage, func()) {
	if tenantID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	for _, leadID := range leadIDs {
		if leadID == "" {
			continue
		}
		if subscriber.leads == nil {
			subscriber.leads = make(map[string]struct{}, len(leadIDs))
		}
		subscriber.leads[leadID] = struct{}{}
	}
	d.registerSubscriber(tenantID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(tenantID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TenantID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TenantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.wants(message.LeadID) {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscribers of a tenant.
func (d *RealtimeDispatcher) SubscriberCount(tenantID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tenantID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(tenantID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tenantID]; !ok {
		d.subscribers[tenantID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[tenantID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(tenantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tenantID)
		}
	}
	d.mu.Unlock()
}
