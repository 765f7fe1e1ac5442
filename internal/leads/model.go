package leads

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
)

const maxIdentifierLength = 190

const (
	// SourceTimeline groups every activity except outbound messages.
	SourceTimeline = "timeline"
	// SourceMessages groups outbound messages.
	SourceMessages = "messages"
)

var (
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("leads: invalid tenant id")
	// ErrInvalidLeadID indicates that a lead identifier is empty or exceeds storage bounds.
	ErrInvalidLeadID = errors.New("leads: invalid lead id")
	// ErrLeadNotFound is returned when no lead matches the tenant and identifier.
	ErrLeadNotFound = errors.New("leads: lead not found")
	// ErrLeadExists is returned when creating a lead whose identifier is taken.
	ErrLeadExists = errors.New("leads: lead already exists")
	// ErrInvalidFields indicates an empty or reserved field update.
	ErrInvalidFields = errors.New("leads: invalid fields")
	// ErrInvalidSource indicates an unknown activity source filter.
	ErrInvalidSource = errors.New("leads: invalid activity source")
)

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidTenantID)
	return TenantID(trimmed), err
}

func (id TenantID) String() string {
	return string(id)
}

// LeadID represents a validated lead identifier.
type LeadID string

// NewLeadID validates raw input and returns a LeadID.
func NewLeadID(rawInput string) (LeadID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidLeadID)
	return LeadID(trimmed), err
}

func (id LeadID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Reserved fields are maintained by the service and cannot be written by clients.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
	FieldCreatedAt = "created_at"
	FieldVersion   = "version"
	// FieldStatus changes are recorded as status_change activities.
	FieldStatus = "status"
)

var reservedFields = map[string]struct{}{
	FieldID:        {},
	FieldUpdatedAt: {},
	FieldCreatedAt: {},
	FieldVersion:   {},
}

// Lead is the persisted lead record. Fields holds the editable attributes.
type Lead struct {
	TenantID         string         `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	LeadID           string         `gorm:"column:lead_id;primaryKey;size:190;not null"`
	Fields           map[string]any `gorm:"column:fields_json;type:text;not null;serializer:json"`
	Version          int64          `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Lead) TableName() string {
	return "leads"
}

// View renders the lead with its reserved fields filled in.
func (l Lead) View() map[string]any {
	view := make(map[string]any, len(l.Fields)+4)
	for name, value := range l.Fields {
		view[name] = value
	}
	view[FieldID] = l.LeadID
	view[FieldVersion] = l.Version
	view[FieldCreatedAt] = time.Unix(l.CreatedAtSeconds, 0).UTC().Format(time.RFC3339)
	view[FieldUpdatedAt] = time.Unix(l.UpdatedAtSeconds, 0).UTC().Format(time.RFC3339)
	return view
}

// Activity is one persisted timeline entry of a lead.
type Activity struct {
	ActivityID     string            `gorm:"column:activity_id;primaryKey;size:190;not null"`
	TenantID       string            `gorm:"column:tenant_id;size:190;not null;index:idx_activities_lead,priority:1"`
	LeadID         string            `gorm:"column:lead_id;size:190;not null;index:idx_activities_lead,priority:2"`
	Source         string            `gorm:"column:source;size:32;not null;index:idx_activities_lead,priority:3"`
	Kind           string            `gorm:"column:kind;size:32;not null"`
	Channel        string            `gorm:"column:channel;size:32;not null;default:''"`
	Status         string            `gorm:"column:status;size:32;not null;default:''"`
	Body           string            `gorm:"column:body;type:text;not null"`
	AuthorID       string            `gorm:"column:author_id;size:190;not null;default:''"`
	Metadata       map[string]string `gorm:"column:metadata_json;type:text;serializer:json"`
	OccurredAtNano int64             `gorm:"column:occurred_at_ns;not null;index:idx_activities_lead,priority:4"`
}

// TableName provides the explicit table binding for GORM.
func (Activity) TableName() string {
	return "lead_activities"
}

// Raw renders the activity in its wire shape.
func (a Activity) Raw() activity.RawRecord {
	return activity.RawRecord{
		ID:         a.ActivityID,
		Kind:       a.Kind,
		Body:       a.Body,
		OccurredAt: time.Unix(0, a.OccurredAtNano).UTC().Format(time.RFC3339Nano),
		AuthorID:   a.AuthorID,
		Channel:    a.Channel,
		Status:     a.Status,
		Metadata:   a.Metadata,
	}
}

// SourceForKind returns the feed source an activity kind is published under.
func SourceForKind(kind activity.Kind) string {
	if kind == activity.KindMessageSent {
		return SourceMessages
	}
	return SourceTimeline
}

func validSource(source string) bool {
	return source == "" || source == SourceTimeline || source == SourceMessages
}
