package leads

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "leads.service.new"
	opCreateLead      = "leads.create_lead"
	opGetLead         = "leads.get_lead"
	opUpdateLead      = "leads.update_lead"
	opListActivities  = "leads.list_activities"
	opCreateActivity  = "leads.create_activity"
	defaultLeadSource = "manual"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service stores leads and their activities. Updates are last write wins.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateLeadRequest describes a new lead.
type CreateLeadRequest struct {
	TenantID TenantID
	LeadID   LeadID
	AuthorID string
	Source   string
	Fields   map[string]any
}

// UpdateLeadRequest describes a partial field update.
type UpdateLeadRequest struct {
	TenantID TenantID
	LeadID   LeadID
	AuthorID string
	Fields   map[string]any
}

// UpdateResult reports the stored lead and the activities the update produced.
type UpdateResult struct {
	Lead       Lead
	Activities []Activity
}

// CreateLead stores a lead and records its lead_created activity.
func (s *Service) CreateLead(ctx context.Context, request CreateLeadRequest) (UpdateResult, error) {
	if err := validateFields(request.Fields, true); err != nil {
		return UpdateResult{}, newServiceError(opCreateLead, "invalid_fields", err)
	}
	source := strings.TrimSpace(request.Source)
	if source == "" {
		source = defaultLeadSource
	}
	now := s.clock().UTC()
	lead := Lead{
		TenantID:         request.TenantID.String(),
		LeadID:           request.LeadID.String(),
		Fields:           cloneFields(request.Fields),
		Version:          1,
		CreatedAtSeconds: now.Unix(),
		UpdatedAtSeconds: now.Unix(),
	}

	var created Activity
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Lead{}).
			Where("tenant_id = ? AND lead_id = ?", lead.TenantID, lead.LeadID).
			Count(&count).Error; err != nil {
			s.logError(opCreateLead, "lead_select_failed", err, zap.String("lead_id", lead.LeadID))
			return newServiceError(opCreateLead, "lead_select_failed", err)
		}
		if count > 0 {
			return newServiceError(opCreateLead, "lead_exists", ErrLeadExists)
		}
		if err := tx.Create(&lead).Error; err != nil {
			s.logError(opCreateLead, "lead_insert_failed", err, zap.String("lead_id", lead.LeadID))
			return newServiceError(opCreateLead, "lead_insert_failed", err)
		}
		record, err := s.newActivity(lead, request.AuthorID, now, activity.KindLeadCreated, "Lead created", map[string]string{"source": source})
		if err != nil {
			s.logError(opCreateLead, "id_generation_failed", err, zap.String("lead_id", lead.LeadID))
			return newServiceError(opCreateLead, "id_generation_failed", err)
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreateLead, "activity_insert_failed", err, zap.String("lead_id", lead.LeadID))
			return newServiceError(opCreateLead, "activity_insert_failed", err)
		}
		created = record
		return nil
	})
	if txErr != nil {
		return UpdateResult{}, txErr
	}
	return UpdateResult{Lead: lead, Activities: []Activity{created}}, nil
}

// GetLead returns one lead of a tenant.
func (s *Service) GetLead(ctx context.Context, tenantID TenantID, leadID LeadID) (Lead, error) {
	var lead Lead
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ?", tenantID.String(), leadID.String()).
		Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lead{}, newServiceError(opGetLead, "not_found", ErrLeadNotFound)
	}
	if err != nil {
		s.logError(opGetLead, "query_failed", err, zap.String("lead_id", leadID.String()))
		return Lead{}, newServiceError(opGetLead, "query_failed", err)
	}
	return lead, nil
}

// UpdateLead applies a partial update. Every changed field produces one
// field_update activity, or a status_change activity for the status field.
func (s *Service) UpdateLead(ctx context.Context, request UpdateLeadRequest) (UpdateResult, error) {
	if err := validateFields(request.Fields, false); err != nil {
		return UpdateResult{}, newServiceError(opUpdateLead, "invalid_fields", err)
	}

	var result UpdateResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lead Lead
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND lead_id = ?", request.TenantID.String(), request.LeadID.String()).
			Take(&lead).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateLead, "not_found", ErrLeadNotFound)
		}
		if err != nil {
			s.logError(opUpdateLead, "lead_select_failed", err, zap.String("lead_id", request.LeadID.String()))
			return newServiceError(opUpdateLead, "lead_select_failed", err)
		}

		now := s.clock().UTC()
		if lead.Fields == nil {
			lead.Fields = map[string]any{}
		}
		names := make([]string, 0, len(request.Fields))
		for name := range request.Fields {
			names = append(names, name)
		}
		slices.Sort(names)

		var produced []Activity
		for index, name := range names {
			previous, existed := lead.Fields[name]
			current := request.Fields[name]
			if existed && reflect.DeepEqual(previous, current) {
				continue
			}
			lead.Fields[name] = current
			// one nanosecond apart keeps the feed order of a multi-field update stable
			occurredAt := now.Add(time.Duration(index) * time.Nanosecond)
			record, err := s.changeActivity(lead, request.AuthorID, occurredAt, name, previous, current)
			if err != nil {
				s.logError(opUpdateLead, "id_generation_failed", err, zap.String("lead_id", lead.LeadID))
				return newServiceError(opUpdateLead, "id_generation_failed", err)
			}
			produced = append(produced, record)
		}

		if len(produced) > 0 {
			lead.Version++
			lead.UpdatedAtSeconds = now.Unix()
			if err := tx.Save(&lead).Error; err != nil {
				s.logError(opUpdateLead, "lead_save_failed", err, zap.String("lead_id", lead.LeadID))
				return newServiceError(opUpdateLead, "lead_save_failed", err)
			}
			if err := tx.Create(&produced).Error; err != nil {
				s.logError(opUpdateLead, "activity_insert_failed", err, zap.String("lead_id", lead.LeadID))
				return newServiceError(opUpdateLead, "activity_insert_failed", err)
			}
		}
		result = UpdateResult{Lead: lead, Activities: produced}
		return nil
	})
	if txErr != nil {
		return UpdateResult{}, txErr
	}
	return result, nil
}

// ListActivities returns the activities of a lead, newest first. An empty
// source returns every source.
func (s *Service) ListActivities(ctx context.Context, tenantID TenantID, leadID LeadID, source string) ([]Activity, error) {
	source = strings.TrimSpace(source)
	if !validSource(source) {
		return nil, newServiceError(opListActivities, "invalid_source", fmt.Errorf("%w: %q", ErrInvalidSource, source))
	}
	if _, err := s.GetLead(ctx, tenantID, leadID); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ?", tenantID.String(), leadID.String())
	if source != "" {
		query = query.Where("source = ?", source)
	}
	var activities []Activity
	if err := query.Order("occurred_at_ns DESC").Find(&activities).Error; err != nil {
		s.logError(opListActivities, "query_failed", err, zap.String("lead_id", leadID.String()))
		return nil, newServiceError(opListActivities, "query_failed", err)
	}
	return activities, nil
}

// CreateActivity validates and stores a client-supplied activity. The server
// assigns the identifier; a missing author or timestamp is filled in.
func (s *Service) CreateActivity(ctx context.Context, tenantID TenantID, leadID LeadID, authorID string, raw activity.RawRecord) (Activity, error) {
	if _, err := s.GetLead(ctx, tenantID, leadID); err != nil {
		return Activity{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateActivity, "id_generation_failed", err, zap.String("lead_id", leadID.String()))
		return Activity{}, newServiceError(opCreateActivity, "id_generation_failed", err)
	}
	raw.ID = id
	if strings.TrimSpace(raw.AuthorID) == "" {
		raw.AuthorID = authorID
	}
	if strings.TrimSpace(raw.OccurredAt) == "" {
		raw.OccurredAt = s.clock().UTC().Format(time.RFC3339Nano)
	}
	record, err := activity.ParseRawRecord(raw)
	if err != nil {
		return Activity{}, newServiceError(opCreateActivity, "invalid_activity", fmt.Errorf("%w: %w", activity.ErrMalformedRecord, err))
	}
	normalized := activity.ToRaw(record)
	stored := Activity{
		ActivityID:     normalized.ID,
		TenantID:       tenantID.String(),
		LeadID:         leadID.String(),
		Source:         SourceForKind(record.Kind()),
		Kind:           normalized.Kind,
		Channel:        normalized.Channel,
		Status:         normalized.Status,
		Body:           normalized.Body,
		AuthorID:       normalized.AuthorID,
		Metadata:       normalized.Metadata,
		OccurredAtNano: record.OccurredAt.UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		s.logError(opCreateActivity, "insert_failed", err, zap.String("lead_id", leadID.String()))
		return Activity{}, newServiceError(opCreateActivity, "insert_failed", err)
	}
	return stored, nil
}

func (s *Service) changeActivity(lead Lead, authorID string, occurredAt time.Time, field string, previous, current any) (Activity, error) {
	from, to := displayValue(previous), displayValue(current)
	if field == FieldStatus {
		return s.newActivity(lead, authorID, occurredAt, activity.KindStatusChange,
			fmt.Sprintf("Status changed from %s to %s", from, to),
			map[string]string{"from": from, "to": to})
	}
	return s.newActivity(lead, authorID, occurredAt, activity.KindFieldUpdate,
		fmt.Sprintf("%s changed from %s to %s", field, from, to),
		map[string]string{"field": field, "previous": from, "current": to})
}

func (s *Service) newActivity(lead Lead, authorID string, occurredAt time.Time, kind activity.Kind, body string, metadata map[string]string) (Activity, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Activity{}, err
	}
	return Activity{
		ActivityID:     id,
		TenantID:       lead.TenantID,
		LeadID:         lead.LeadID,
		Source:         SourceForKind(kind),
		Kind:           string(kind),
		Body:           body,
		AuthorID:       authorID,
		Metadata:       metadata,
		OccurredAtNano: occurredAt.UnixNano(),
	}, nil
}

func validateFields(fields map[string]any, allowEmpty bool) error {
	if len(fields) == 0 && !allowEmpty {
		return fmt.Errorf("%w: no fields", ErrInvalidFields)
	}
	for name := range fields {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || trimmed != name {
			return fmt.Errorf("%w: field name %q", ErrInvalidFields, name)
		}
		if _, reserved := reservedFields[name]; reserved {
			return fmt.Errorf("%w: %s is maintained by the server", ErrInvalidFields, name)
		}
	}
	return nil
}

func cloneFields(fields map[string]any) map[string]any {
	clone := make(map[string]any, len(fields))
	for name, value := range fields {
		clone[name] = value
	}
	return clone
}

func displayValue(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("leads service error", attrs...)
}
