package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the timeline entry variants.
type Kind string

const (
	KindNote          Kind = "note"
	KindCall          Kind = "call"
	KindTaskCreated   Kind = "task_created"
	KindTaskCompleted Kind = "task_completed"
	KindFieldUpdate   Kind = "field_update"
	KindStatusChange  Kind = "status_change"
	KindMessageSent   Kind = "message_sent"
	KindLeadCreated   Kind = "lead_created"
)

// Channel identifies the medium of an outbound message.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// MessageStatus tracks delivery of an outbound message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusInitiated MessageStatus = "initiated"
)

var (
	// ErrInvalidRecord indicates that a record violates the model constraints.
	ErrInvalidRecord = errors.New("activity: invalid record")
)

// Detail is the kind-specific part of a record. The set of implementations is closed.
type Detail interface {
	Kind() Kind
	isDetail()
}

type NoteDetail struct{}

type CallDetail struct {
	DurationSeconds int
	Outcome         string
}

type TaskCreatedDetail struct {
	TaskID string
	Title  string
	DueAt  time.Time
}

type TaskCompletedDetail struct {
	TaskID string
}

type FieldUpdateDetail struct {
	Field    string
	Previous string
	Current  string
}

type StatusChangeDetail struct {
	From string
	To   string
}

// MessageSentDetail is the only variant carrying a delivery status.
type MessageSentDetail struct {
	Channel Channel
	Status  MessageStatus
}

type LeadCreatedDetail struct {
	Source string
}

func (NoteDetail) Kind() Kind          { return KindNote }
func (CallDetail) Kind() Kind          { return KindCall }
func (TaskCreatedDetail) Kind() Kind   { return KindTaskCreated }
func (TaskCompletedDetail) Kind() Kind { return KindTaskCompleted }
func (FieldUpdateDetail) Kind() Kind   { return KindFieldUpdate }
func (StatusChangeDetail) Kind() Kind  { return KindStatusChange }
func (MessageSentDetail) Kind() Kind   { return KindMessageSent }
func (LeadCreatedDetail) Kind() Kind   { return KindLeadCreated }

func (NoteDetail) isDetail()          {}
func (CallDetail) isDetail()          {}
func (TaskCreatedDetail) isDetail()   {}
func (TaskCompletedDetail) isDetail() {}
func (FieldUpdateDetail) isDetail()   {}
func (StatusChangeDetail) isDetail()  {}
func (MessageSentDetail) isDetail()   {}
func (LeadCreatedDetail) isDetail()   {}

// Record is a single entry of an entity's activity timeline.
type Record struct {
	ID         RecordID
	Body       string
	OccurredAt time.Time
	AuthorID   string
	Detail     Detail
}

// Kind reports the variant of the record.
func (r Record) Kind() Kind {
	if r.Detail == nil {
		return ""
	}
	return r.Detail.Kind()
}

// Validate checks the invariants every merged record must satisfy.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID.String()) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if r.Detail == nil {
		return fmt.Errorf("%w: missing detail", ErrInvalidRecord)
	}
	if r.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred at", ErrInvalidRecord)
	}
	if message, ok := r.Detail.(MessageSentDetail); ok {
		if !validChannel(message.Channel) {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidRecord, message.Channel)
		}
		if !validStatus(message.Status) {
			return fmt.Errorf("%w: unknown message status %q", ErrInvalidRecord, message.Status)
		}
	}
	return nil
}

// MergeKey identifies records that describe the same logical event.
type MergeKey struct {
	Kind       string
	OccurredAt int64
	Body       string
}

// Key returns the merge key of the record. Messages include their channel in the kind label.
func (r Record) Key() MergeKey {
	label := string(r.Kind())
	if message, ok := r.Detail.(MessageSentDetail); ok {
		label = label + ":" + string(message.Channel)
	}
	return MergeKey{
		Kind:       label,
		OccurredAt: r.OccurredAt.UnixNano(),
		Body:       r.Body,
	}
}

func validChannel(channel Channel) bool {
	switch channel {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

func validStatus(status MessageStatus) bool {
	switch status {
	case MessageStatusPending, MessageStatusSent, MessageStatusDelivered, MessageStatusFailed, MessageStatusInitiated:
		return true
	default:
		return false
	}
}
