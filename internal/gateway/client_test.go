package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/MarcoPoloResearchLab/leadsync/internal/gateway"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newClient(serverURL string) *gateway.HTTPClient {
	return gateway.NewHTTPClient(gateway.ClientConfig{
		BaseURL:   serverURL,
		Token:     "token-1",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestFetchEntityRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.Equal(t, "/leads/lead-1", r.URL.Path)
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(gateway.LeadResponse{ID: "lead-1", Fields: map[string]any{"name": "Ada"}})
	}))
	t.Cleanup(server.Close)

	fields, err := newClient(server.URL).FetchEntity(context.Background(), "lead-1")

	require.NoError(t, err)
	require.Equal(t, "Ada", fields["name"])
	require.EqualValues(t, 3, attempts.Load())
}

func TestFetchEntityNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"lead_not_found"}`))
	}))
	t.Cleanup(server.Close)

	_, err := newClient(server.URL).FetchEntity(context.Background(), "missing")

	require.ErrorIs(t, err, gateway.ErrNotFound)
	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, "lead_not_found", httpErr.Code)
}

func TestPersistEntityIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	_, err := newClient(server.URL).PersistEntity(context.Background(), "lead-1", map[string]any{"name": "Grace"})

	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	require.EqualValues(t, 1, attempts.Load())
}

func TestFetchActivitiesReturnsOneBatchPerSource(t *testing.T) {
	var mu sync.Mutex
	var sources []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		mu.Lock()
		sources = append(sources, source)
		mu.Unlock()
		record := activity.RawRecord{ID: source + "-1", Kind: "note", Body: source, OccurredAt: "2025-01-23T08:00:00Z"}
		_ = json.NewEncoder(w).Encode(map[string]any{"activities": []activity.RawRecord{record}})
	}))
	t.Cleanup(server.Close)

	batches, err := newClient(server.URL).FetchActivities(context.Background(), "lead-1")

	require.NoError(t, err)
	require.Equal(t, []string{gateway.SourceTimeline, gateway.SourceMessages}, sources)
	require.Len(t, batches, 2)
	require.Equal(t, "messages-1", batches[1][0].ID)
}

func TestPersistActivityReturnsServerCopy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var record activity.RawRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&record))
		record.ID = "srv-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"activity": record})
	}))
	t.Cleanup(server.Close)

	stored, err := newClient(server.URL).PersistActivity(context.Background(), "lead-1", activity.RawRecord{Kind: "note", Body: "hi"})

	require.NoError(t, err)
	require.Equal(t, "srv-1", stored.ID)
	require.Equal(t, "hi", stored.Body)
}

func TestRealtimeURL(t *testing.T) {
	require.Equal(t, "ws://localhost:8080/realtime", gateway.RealtimeURL("http://localhost:8080/"))
	require.Equal(t, "wss://crm.example.com/realtime", gateway.RealtimeURL("https://crm.example.com"))
}

func TestPushListenerDeliversEventsAndConnectionState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, gateway.PushEvent{Type: gateway.EventHeartbeat})
		_ = wsjson.Write(ctx, conn, gateway.PushEvent{Type: gateway.EventLeadChanged, EntityID: "lead-1"})
		<-conn.CloseRead(ctx).Done()
	}))
	t.Cleanup(server.Close)

	var connected atomic.Bool
	events := make(chan gateway.PushEvent, 4)
	listener, err := gateway.NewPushListener(gateway.PushConfig{
		URL:         gateway.RealtimeURL(server.URL),
		Token:       "token-1",
		OnConnected: connected.Store,
		OnEvent:     func(event gateway.PushEvent) { events <- event },
		MinBackoff:  time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	select {
	case event := <-events:
		require.Equal(t, gateway.EventLeadChanged, event.Type)
		require.Equal(t, "lead-1", event.EntityID)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "expected push event")
	}
	require.True(t, connected.Load())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, connected.Load())
}

func TestPushListenerReconnectsAfterSilentServer(t *testing.T) {
	release := make(chan struct{})
	var accepted atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		accepted.Add(1)
		// accept and never write a frame
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	var mu sync.Mutex
	var states []bool
	listener, err := gateway.NewPushListener(gateway.PushConfig{
		URL: gateway.RealtimeURL(server.URL),
		OnConnected: func(connected bool) {
			mu.Lock()
			states = append(states, connected)
			mu.Unlock()
		},
		MinBackoff:  time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	require.Eventually(t, func() bool { return accepted.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	require.Equal(t, []bool{true, false}, states[:2])
}

func TestPushListenerRequestsLeadFilter(t *testing.T) {
	queries := make(chan []string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case queries <- r.URL.Query()["lead_id"]:
		default:
		}
		http.Error(w, "closed", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	listener, err := gateway.NewPushListener(gateway.PushConfig{
		URL:        gateway.RealtimeURL(server.URL),
		LeadIDs:    []string{"lead-1", " "},
		MinBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	select {
	case got := <-queries:
		require.Equal(t, []string{"lead-1"}, got)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "expected realtime dial")
	}
}
