package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/MarcoPoloResearchLab/leadsync/internal/auth"
	"github.com/MarcoPoloResearchLab/leadsync/internal/leads"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	tenantIDContextKey       = "leadsync_tenant_id"
	userIDContextKey         = "leadsync_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingLeadsService   = errors.New("leads service dependency required")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	LeadsService      *leads.Service
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.LeadsService == nil {
		return nil, errMissingLeadsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:         deps.Tokens,
		leadsService:   deps.LeadsService,
		realtime:       realtime,
		originPatterns: originPatterns(deps.AllowedOrigins),
		heartbeat:      heartbeat,
		logger:         logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/leads", handler.handleCreateLead)
	protected.GET("/leads/:id", handler.handleGetLead)
	protected.PATCH("/leads/:id", handler.handleUpdateLead)
	protected.GET("/leads/:id/activities", handler.handleListActivities)
	protected.POST("/leads/:id/activities", handler.handleCreateActivity)

	// the websocket upgrade hijacks the connection, which gin's writer refuses once the 101 is sent
	mux := http.NewServeMux()
	mux.HandleFunc("GET /realtime", handler.serveRealtime)
	mux.Handle("/", router)
	return mux, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func originPatterns(allowedOrigins []string) []string {
	if len(allowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		patterns = append(patterns, origin)
	}
	return patterns
}

type httpHandler struct {
	tokens         TokenValidator
	leadsService   *leads.Service
	realtime       *RealtimeDispatcher
	originPatterns []string
	heartbeat      time.Duration
	logger         *zap.Logger
}

type leadPayload struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt string         `json:"updated_at"`
}

type createLeadRequestPayload struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Fields map[string]any `json:"fields"`
}

type updateLeadRequestPayload struct {
	Fields map[string]any `json:"fields"`
}

type realtimeEnvelope struct {
	Type      string `json:"type"`
	EntityID  string `json:"entity_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func toLeadPayload(lead leads.Lead) leadPayload {
	return leadPayload{
		ID:        lead.LeadID,
		Fields:    lead.View(),
		Version:   lead.Version,
		UpdatedAt: time.Unix(lead.UpdatedAtSeconds, 0).UTC().Format(time.RFC3339),
	}
}

func (h *httpHandler) handleCreateLead(c *gin.Context) {
	tenantID, userID, ok := h.identity(c)
	if !ok {
		return
	}
	var request createLeadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	leadID, err := leads.NewLeadID(request.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lead_id"})
		return
	}
	result, err := h.leadsService.CreateLead(c.Request.Context(), leads.CreateLeadRequest{
		TenantID: tenantID,
		LeadID:   leadID,
		AuthorID: userID,
		Source:   request.Source,
		Fields:   request.Fields,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishChange(tenantID, leadID)
	c.JSON(http.StatusCreated, toLeadPayload(result.Lead))
}

func (h *httpHandler) handleGetLead(c *gin.Context) {
	tenantID, leadID, ok := h.leadScope(c)
	if !ok {
		return
	}
	lead, err := h.leadsService.GetLead(c.Request.Context(), tenantID, leadID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toLeadPayload(lead))
}

func (h *httpHandler) handleUpdateLead(c *gin.Context) {
	tenantID, leadID, ok := h.leadScope(c)
	if !ok {
		return
	}
	var request updateLeadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.leadsService.UpdateLead(c.Request.Context(), leads.UpdateLeadRequest{
		TenantID: tenantID,
		LeadID:   leadID,
		AuthorID: c.GetString(userIDContextKey),
		Fields:   request.Fields,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if len(result.Activities) > 0 {
		h.publishChange(tenantID, leadID)
	}
	c.JSON(http.StatusOK, toLeadPayload(result.Lead))
}

func (h *httpHandler) handleListActivities(c *gin.Context) {
	tenantID, leadID, ok := h.leadScope(c)
	if !ok {
		return
	}
	stored, err := h.leadsService.ListActivities(c.Request.Context(), tenantID, leadID, c.Query("source"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	records := make([]activity.RawRecord, 0, len(stored))
	for _, item := range stored {
		records = append(records, item.Raw())
	}
	c.JSON(http.StatusOK, gin.H{"activities": records})
}

func (h *httpHandler) handleCreateActivity(c *gin.Context) {
	tenantID, leadID, ok := h.leadScope(c)
	if !ok {
		return
	}
	var request activity.RawRecord
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	stored, err := h.leadsService.CreateActivity(c.Request.Context(), tenantID, leadID, c.GetString(userIDContextKey), request)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishChange(tenantID, leadID)
	c.JSON(http.StatusCreated, gin.H{"activity": stored.Raw()})
}

func (h *httpHandler) serveRealtime(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(r.Context())
	stream, cleanup := h.realtime.Subscribe(ctx, claims.TenantID, r.URL.Query()["lead_id"]...)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			envelope := realtimeEnvelope{
				Type:      message.EventType,
				EntityID:  message.LeadID,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
			}
			if err := h.writeRealtime(ctx, conn, envelope); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.writeRealtime(ctx, conn, realtimeEnvelope{Type: realtimeEventHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeRealtime(ctx context.Context, conn *websocket.Conn, envelope realtimeEnvelope) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, envelope); err != nil {
		h.logger.Debug("realtime write failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *httpHandler) publishChange(tenantID leads.TenantID, leadID leads.LeadID) {
	h.realtime.Publish(RealtimeMessage{
		TenantID:  tenantID.String(),
		EventType: RealtimeEventLeadChanged,
		LeadID:    leadID.String(),
		Timestamp: time.Now().UTC(),
	})
}

func (h *httpHandler) identity(c *gin.Context) (leads.TenantID, string, bool) {
	tenantID, err := leads.NewTenantID(c.GetString(tenantIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return tenantID, c.GetString(userIDContextKey), true
}

func (h *httpHandler) leadScope(c *gin.Context) (leads.TenantID, leads.LeadID, bool) {
	tenantID, _, ok := h.identity(c)
	if !ok {
		return "", "", false
	}
	leadID, err := leads.NewLeadID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lead_id"})
		return "", "", false
	}
	return tenantID, leadID, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, leads.ErrLeadNotFound):
		status, code = http.StatusNotFound, "lead_not_found"
	case errors.Is(err, leads.ErrLeadExists):
		status, code = http.StatusConflict, "lead_exists"
	case errors.Is(err, leads.ErrInvalidFields), errors.Is(err, leads.ErrInvalidSource):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, activity.ErrMalformedRecord):
		status, code = http.StatusBadRequest, "invalid_activity"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("lead request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	message := code
	var serviceErr *leads.ServiceError
	if errors.As(err, &serviceErr) {
		message = serviceErr.Code()
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticate(c.Request)
	if errors.Is(err, auth.ErrMissingToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrMissingToken.Error()})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(tenantIDContextKey, claims.TenantID)
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

// authenticate validates the bearer token of r. Expired tokens log at info,
// every other validation failure at warn.
func (h *httpHandler) authenticate(r *http.Request) (auth.Claims, error) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.Claims{}, auth.ErrMissingToken
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return auth.Claims{}, err
	}
	return claims, nil
}
