package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/google/uuid"
)

const (
	defaultBaseURL    = "http://127.0.0.1:8080"
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second

	// SourceTimeline carries every activity except outbound messages.
	SourceTimeline = "timeline"
	// SourceMessages carries outbound messages.
	SourceMessages = "messages"
)

// ErrNotFound is returned when the lead does not exist for the caller's tenant.
var ErrNotFound = errors.New("gateway: lead not found")

// HTTPError reports a non-success response from the API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// LeadResponse is the wire shape of a lead.
type LeadResponse struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt string         `json:"updated_at"`
}

type activitiesResponse struct {
	Activities []activity.RawRecord `json:"activities"`
}

type activityResponse struct {
	Activity activity.RawRecord `json:"activity"`
}

type updateLeadRequest struct {
	Fields map[string]any `json:"fields"`
}

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	BaseURL    string
	Token      string
	Sources    []string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to the lead API. Reads are retried on transport errors,
// 429 and 5xx responses; writes are attempted once.
type HTTPClient struct {
	baseURL    string
	token      string
	sources    []string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient builds a client from cfg, filling defaults.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	sources := make([]string, 0, len(cfg.Sources))
	for _, source := range cfg.Sources {
		if trimmed := strings.TrimSpace(source); trimmed != "" {
			sources = append(sources, trimmed)
		}
	}
	if len(sources) == 0 {
		sources = []string{SourceTimeline, SourceMessages}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		sources:    sources,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// BaseURL returns the normalized API root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token sent with every request.
func (c *HTTPClient) Token() string {
	return c.token
}

// FetchEntity returns the current field map of a lead.
func (c *HTTPClient) FetchEntity(ctx context.Context, leadID string) (map[string]any, error) {
	var out LeadResponse
	if err := c.doJSON(ctx, http.MethodGet, leadPath(leadID), nil, &out, true); err != nil {
		return nil, err
	}
	if out.Fields == nil {
		return nil, fmt.Errorf("gateway: lead %s response has no fields", leadID)
	}
	return out.Fields, nil
}

// FetchActivities returns one raw batch per configured source, in source order.
func (c *HTTPClient) FetchActivities(ctx context.Context, leadID string) ([][]activity.RawRecord, error) {
	batches := make([][]activity.RawRecord, 0, len(c.sources))
	for _, source := range c.sources {
		query := url.Values{}
		query.Set("source", source)
		var out activitiesResponse
		if err := c.doJSON(ctx, http.MethodGet, leadPath(leadID)+"/activities?"+query.Encode(), nil, &out, true); err != nil {
			return nil, fmt.Errorf("fetch %s activities: %w", source, err)
		}
		batches = append(batches, out.Activities)
	}
	return batches, nil
}

// PersistEntity patches the given fields and returns the stored field map.
func (c *HTTPClient) PersistEntity(ctx context.Context, leadID string, fields map[string]any) (map[string]any, error) {
	var out LeadResponse
	if err := c.doJSON(ctx, http.MethodPatch, leadPath(leadID), updateLeadRequest{Fields: fields}, &out, false); err != nil {
		return nil, err
	}
	return out.Fields, nil
}

// PersistActivity creates an activity and returns the server copy.
func (c *HTTPClient) PersistActivity(ctx context.Context, leadID string, record activity.RawRecord) (activity.RawRecord, error) {
	var out activityResponse
	if err := c.doJSON(ctx, http.MethodPost, leadPath(leadID)+"/activities", record, &out, false); err != nil {
		return activity.RawRecord{}, err
	}
	return out.Activity, nil
}

func leadPath(leadID string) string {
	return "/leads/" + url.PathEscape(leadID)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any, retry bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Error, Message: message}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("leadsync_%d", time.Now().UnixNano())
	}
	return id.String()
}
