package leads

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("act-%d", p.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

func newTestService(t *testing.T, ids IDProvider) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "leads.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Lead{}, &Activity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	now := time.Date(2025, 1, 23, 8, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: ids,
		Clock: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustCreateLead(t *testing.T, service *Service) {
	t.Helper()
	_, err := service.CreateLead(context.Background(), CreateLeadRequest{
		TenantID: "tenant-1",
		LeadID:   "lead-1",
		AuthorID: "user-1",
		Source:   "web",
		Fields:   map[string]any{"name": "Ada", "stage": "New", "status": "open"},
	})
	if err != nil {
		t.Fatalf("failed to create lead: %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "leads.service.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestCreateLeadRecordsLeadCreatedActivity(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)

	activities, err := service.ListActivities(context.Background(), "tenant-1", "lead-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(activities) != 1 || activities[0].Kind != string(activity.KindLeadCreated) {
		t.Fatalf("unexpected activities: %#v", activities)
	}
	if activities[0].Metadata["source"] != "web" {
		t.Fatalf("expected lead source metadata, got %#v", activities[0].Metadata)
	}

	_, err = service.CreateLead(context.Background(), CreateLeadRequest{TenantID: "tenant-1", LeadID: "lead-1"})
	if !errors.Is(err, ErrLeadExists) {
		t.Fatalf("expected duplicate lead error, got %v", err)
	}
}

func TestUpdateLeadProducesActivityPerChangedField(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)

	result, err := service.UpdateLead(context.Background(), UpdateLeadRequest{
		TenantID: "tenant-1",
		LeadID:   "lead-1",
		AuthorID: "user-2",
		Fields:   map[string]any{"name": "Ada", "stage": "Qualified", "status": "won"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Lead.Version != 2 {
		t.Fatalf("expected version 2, got %d", result.Lead.Version)
	}
	if len(result.Activities) != 2 {
		t.Fatalf("expected two activities for two changed fields, got %d", len(result.Activities))
	}
	if result.Activities[0].Kind != string(activity.KindFieldUpdate) || result.Activities[0].Metadata["current"] != "Qualified" {
		t.Fatalf("unexpected stage activity: %#v", result.Activities[0])
	}
	if result.Activities[1].Kind != string(activity.KindStatusChange) || result.Activities[1].Metadata["to"] != "won" {
		t.Fatalf("unexpected status activity: %#v", result.Activities[1])
	}

	lead, err := service.GetLead(context.Background(), "tenant-1", "lead-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lead.Fields["stage"] != "Qualified" {
		t.Fatalf("expected stored stage, got %v", lead.Fields["stage"])
	}
}

func TestUpdateLeadRejectsReservedFields(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)

	_, err := service.UpdateLead(context.Background(), UpdateLeadRequest{
		TenantID: "tenant-1",
		LeadID:   "lead-1",
		Fields:   map[string]any{"updated_at": "2030-01-01T00:00:00Z"},
	})
	if !errors.Is(err, ErrInvalidFields) {
		t.Fatalf("expected invalid fields error, got %v", err)
	}
}

func TestGetLeadIsScopedByTenant(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)

	_, err := service.GetLead(context.Background(), "tenant-2", "lead-1")
	if !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateActivityAssignsIDAndSource(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)

	stored, err := service.CreateActivity(context.Background(), "tenant-1", "lead-1", "user-1", activity.RawRecord{
		ID:         "tmp-ignored",
		Kind:       "message_sent",
		Body:       "Following up",
		OccurredAt: "2025-01-23T09:00:00Z",
		Channel:    "sms",
		Status:     "sent",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ActivityID == "tmp-ignored" || stored.AuthorID != "user-1" || stored.Source != SourceMessages {
		t.Fatalf("unexpected stored activity: %#v", stored)
	}

	messages, err := service.ListActivities(context.Background(), "tenant-1", "lead-1", SourceMessages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 || messages[0].Raw().Channel != "sms" {
		t.Fatalf("unexpected message activities: %#v", messages)
	}
	timeline, err := service.ListActivities(context.Background(), "tenant-1", "lead-1", SourceTimeline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(timeline) != 1 {
		t.Fatalf("expected only the lead_created activity in the timeline, got %d", len(timeline))
	}
}

func TestCreateActivityRejectsMalformedRecord(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)

	_, err := service.CreateActivity(context.Background(), "tenant-1", "lead-1", "user-1", activity.RawRecord{Kind: "telegram", Body: "?"})
	if !errors.Is(err, activity.ErrMalformedRecord) {
		t.Fatalf("expected malformed record error, got %v", err)
	}
}

func TestListActivitiesRejectsUnknownSource(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)

	_, err := service.ListActivities(context.Background(), "tenant-1", "lead-1", "fax")
	if !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected invalid source error, got %v", err)
	}
}

func TestUpdateLeadRollsBackWhenIDGenerationFails(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	mustCreateLead(t, service)
	service.idProvider = failingIDs{}

	_, err := service.UpdateLead(context.Background(), UpdateLeadRequest{
		TenantID: "tenant-1",
		LeadID:   "lead-1",
		Fields:   map[string]any{"stage": "Lost"},
	})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "leads.update_lead.id_generation_failed" {
		t.Fatalf("unexpected error: %v", err)
	}
	lead, err := service.GetLead(context.Background(), "tenant-1", "lead-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lead.Fields["stage"] != "New" || lead.Version != 1 {
		t.Fatalf("expected unchanged lead, got %#v", lead)
	}
}

func TestNewLeadIDValidation(t *testing.T) {
	if _, err := NewLeadID("   "); !errors.Is(err, ErrInvalidLeadID) {
		t.Fatalf("expected invalid lead id, got %v", err)
	}
	id, err := NewTenantID(" tenant-1 ")
	if err != nil || id != "tenant-1" {
		t.Fatalf("unexpected tenant id %q (%v)", id, err)
	}
}
