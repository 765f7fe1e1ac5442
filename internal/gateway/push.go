package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// EventLeadChanged announces that a lead or its activities changed on the server.
	EventLeadChanged = "lead-change"
	// EventHeartbeat keeps idle connections open.
	EventHeartbeat = "heartbeat"

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// three missed server heartbeats
	defaultReadTimeout = 75 * time.Second
)

var errMissingPushURL = errors.New("gateway: push url is required")

// PushEvent is one message received on the realtime channel.
type PushEvent struct {
	Type      string `json:"type"`
	EntityID  string `json:"entity_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PushConfig configures a PushListener.
type PushConfig struct {
	URL         string
	Token       string
	OnConnected func(connected bool)
	OnEvent     func(event PushEvent)
	// LeadIDs limits the stream to these leads. Empty follows the whole tenant.
	LeadIDs     []string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// ReadTimeout bounds the silence tolerated between two frames, heartbeats included.
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// PushListener keeps a realtime connection open and reconnects with backoff.
type PushListener struct {
	url         string
	token       string
	onConnected func(bool)
	onEvent     func(PushEvent)
	minBackoff  time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
	logger      *zap.Logger
}

// RealtimeURL derives the websocket endpoint from an API base URL.
func RealtimeURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime"
}

func NewPushListener(cfg PushConfig) (*PushListener, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingPushURL
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = max(defaultMaxBackoff, minBackoff)
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	endpoint, err := streamURL(strings.TrimSpace(cfg.URL), cfg.LeadIDs)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onConnected := cfg.OnConnected
	if onConnected == nil {
		onConnected = func(bool) {}
	}
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(PushEvent) {}
	}
	return &PushListener{
		url:         endpoint,
		token:       strings.TrimSpace(cfg.Token),
		onConnected: onConnected,
		onEvent:     onEvent,
		minBackoff:  minBackoff,
		maxBackoff:  maxBackoff,
		readTimeout: readTimeout,
		logger:      logger,
	}, nil
}

func streamURL(raw string, leadIDs []string) (string, error) {
	if len(leadIDs) == 0 {
		return raw, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gateway: parse push url: %w", err)
	}
	query := parsed.Query()
	for _, leadID := range leadIDs {
		if leadID = strings.TrimSpace(leadID); leadID != "" {
			query.Add("lead_id", leadID)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Run connects and delivers events until ctx is cancelled.
func (l *PushListener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = l.minBackoff
		}
		l.logger.Debug("realtime connection ended", zap.Error(err), zap.Duration("retry_in", backoff))
		if waitErr := waitWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *PushListener) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.onConnected(true)
	defer l.onConnected(false)
	l.logger.Info("realtime connected", zap.String("url", l.url))

	for {
		var event PushEvent
		readCtx, cancel := context.WithTimeout(ctx, l.readTimeout)
		err := wsjson.Read(readCtx, conn, &event)
		cancel()
		if err != nil {
			return true, err
		}
		if event.Type == EventHeartbeat {
			continue
		}
		l.onEvent(event)
	}
}
