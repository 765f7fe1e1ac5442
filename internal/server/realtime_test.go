package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "tenant-1")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		TenantID:  "tenant-1",
		EventType: RealtimeEventLeadChanged,
		LeadID:    "lead-a",
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventLeadChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventLeadChanged, received.EventType)
		}
		if received.LeadID != "lead-a" {
			t.Fatalf("expected lead-a, got %s", received.LeadID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByTenant(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	tenantStream, cleanup := dispatcher.Subscribe(ctx, "tenant-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "tenant-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		TenantID:  "tenant-3",
		EventType: RealtimeEventLeadChanged,
		LeadID:    "lead-c",
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-tenantStream:
		t.Fatal("did not expect realtime message for unrelated tenant")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.TenantID != "tenant-3" {
			t.Fatalf("expected tenant-3, received %s", msg.TenantID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed tenant")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx, "tenant-1")
	if dispatcher.SubscriberCount("tenant-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("tenant-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherFiltersByLead(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filtered, cleanup := dispatcher.Subscribe(ctx, "tenant-1", "lead-a")
	defer cleanup()
	everything, allCleanup := dispatcher.Subscribe(ctx, "tenant-1")
	defer allCleanup()

	dispatcher.Publish(RealtimeMessage{TenantID: "tenant-1", EventType: RealtimeEventLeadChanged, LeadID: "lead-b", Timestamp: time.Now().UTC()})
	dispatcher.Publish(RealtimeMessage{TenantID: "tenant-1", EventType: RealtimeEventLeadChanged, LeadID: "lead-a", Timestamp: time.Now().UTC()})

	select {
	case msg := <-filtered:
		if msg.LeadID != "lead-a" {
			t.Fatalf("filtered subscriber received %s", msg.LeadID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message for followed lead")
	}
	select {
	case msg := <-filtered:
		t.Fatalf("unexpected extra message %#v", msg)
	default:
	}

	for _, want := range []string{"lead-b", "lead-a"} {
		select {
		case msg := <-everything:
			if msg.LeadID != want {
				t.Fatalf("expected %s, got %s", want, msg.LeadID)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected message for %s", want)
		}
	}
}
