package activity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedRecord indicates that a wire record could not be converted into a Record.
var ErrMalformedRecord = errors.New("activity: malformed record")

const (
	metaDurationSeconds = "duration_seconds"
	metaOutcome         = "outcome"
	metaTaskID          = "task_id"
	metaTitle           = "title"
	metaDueAt           = "due_at"
	metaField           = "field"
	metaPrevious        = "previous"
	metaCurrent         = "current"
	metaFrom            = "from"
	metaTo              = "to"
	metaSource          = "source"
)

// RawRecord is the JSON shape exchanged with the data source gateway.
type RawRecord struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Body       string            `json:"body"`
	OccurredAt string            `json:"occurred_at"`
	AuthorID   string            `json:"author_id"`
	Channel    string            `json:"channel,omitempty"`
	Status     string            `json:"status,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MalformedRecordError reports a record dropped while parsing a batch.
type MalformedRecordError struct {
	Index int
	ID    string
	Err   error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("activity: malformed record %q at index %d: %v", e.ID, e.Index, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

// ParseRawRecord converts a wire record into a validated Record.
func ParseRawRecord(raw RawRecord) (Record, error) {
	occurredAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw.OccurredAt))
	if err != nil {
		return Record{}, fmt.Errorf("occurred_at: %w", err)
	}
	detail, err := parseDetail(raw)
	if err != nil {
		return Record{}, err
	}
	record := Record{
		ID:         RecordID(strings.TrimSpace(raw.ID)),
		Body:       raw.Body,
		OccurredAt: occurredAt,
		AuthorID:   strings.TrimSpace(raw.AuthorID),
		Detail:     detail,
	}
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// ParseBatch converts a batch, dropping malformed records and reporting each drop.
func ParseBatch(raws []RawRecord) ([]Record, []error) {
	records := make([]Record, 0, len(raws))
	var problems []error
	for index, raw := range raws {
		record, err := ParseRawRecord(raw)
		if err != nil {
			problems = append(problems, &MalformedRecordError{Index: index, ID: raw.ID, Err: err})
			continue
		}
		records = append(records, record)
	}
	return records, problems
}

// ToRaw renders a record in its wire shape.
func ToRaw(record Record) RawRecord {
	raw := RawRecord{
		ID:         record.ID.String(),
		Kind:       string(record.Kind()),
		Body:       record.Body,
		OccurredAt: record.OccurredAt.UTC().Format(time.RFC3339Nano),
		AuthorID:   record.AuthorID,
	}
	metadata := map[string]string{}
	switch detail := record.Detail.(type) {
	case CallDetail:
		metadata[metaDurationSeconds] = strconv.Itoa(detail.DurationSeconds)
		if detail.Outcome != "" {
			metadata[metaOutcome] = detail.Outcome
		}
	case TaskCreatedDetail:
		metadata[metaTaskID] = detail.TaskID
		metadata[metaTitle] = detail.Title
		if !detail.DueAt.IsZero() {
			metadata[metaDueAt] = detail.DueAt.UTC().Format(time.RFC3339)
		}
	case TaskCompletedDetail:
		metadata[metaTaskID] = detail.TaskID
	case FieldUpdateDetail:
		metadata[metaField] = detail.Field
		metadata[metaPrevious] = detail.Previous
		metadata[metaCurrent] = detail.Current
	case StatusChangeDetail:
		metadata[metaFrom] = detail.From
		metadata[metaTo] = detail.To
	case MessageSentDetail:
		raw.Channel = string(detail.Channel)
		raw.Status = string(detail.Status)
	case LeadCreatedDetail:
		if detail.Source != "" {
			metadata[metaSource] = detail.Source
		}
	}
	if len(metadata) > 0 {
		raw.Metadata = metadata
	}
	return raw
}

func parseDetail(raw RawRecord) (Detail, error) {
	meta := raw.Metadata
	switch Kind(strings.TrimSpace(raw.Kind)) {
	case KindNote:
		return NoteDetail{}, nil
	case KindCall:
		duration := 0
		if value := meta[metaDurationSeconds]; value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", metaDurationSeconds, err)
			}
			duration = parsed
		}
		return CallDetail{DurationSeconds: duration, Outcome: meta[metaOutcome]}, nil
	case KindTaskCreated:
		detail := TaskCreatedDetail{TaskID: meta[metaTaskID], Title: meta[metaTitle]}
		if value := meta[metaDueAt]; value != "" {
			dueAt, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", metaDueAt, err)
			}
			detail.DueAt = dueAt
		}
		return detail, nil
	case KindTaskCompleted:
		return TaskCompletedDetail{TaskID: meta[metaTaskID]}, nil
	case KindFieldUpdate:
		if meta[metaField] == "" {
			return nil, fmt.Errorf("%s: missing", metaField)
		}
		return FieldUpdateDetail{Field: meta[metaField], Previous: meta[metaPrevious], Current: meta[metaCurrent]}, nil
	case KindStatusChange:
		return StatusChangeDetail{From: meta[metaFrom], To: meta[metaTo]}, nil
	case KindMessageSent:
		return MessageSentDetail{Channel: Channel(raw.Channel), Status: MessageStatus(raw.Status)}, nil
	case KindLeadCreated:
		return LeadCreatedDetail{Source: meta[metaSource]}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", raw.Kind)
	}
}
