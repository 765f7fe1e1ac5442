package activity_test

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 1, 23, 8, 0, 0, 0, time.UTC)

func note(id string, body string, at time.Time) activity.Record {
	return activity.Record{
		ID:         activity.RecordID(id),
		Body:       body,
		OccurredAt: at,
		AuthorID:   "user-1",
		Detail:     activity.NoteDetail{},
	}
}

func call(id string, body string, at time.Time) activity.Record {
	record := note(id, body, at)
	record.Detail = activity.CallDetail{DurationSeconds: 60, Outcome: "connected"}
	return record
}

func ids(records []activity.Record) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.ID.String())
	}
	return out
}

func TestMergeIsIdempotent(t *testing.T) {
	batch := []activity.Record{
		note("n-1", "first", baseTime),
		call("c-1", "dialed", baseTime.Add(time.Hour)),
		note("n-2", "second", baseTime.Add(2*time.Hour)),
	}

	once := activity.Merge([][]activity.Record{batch}, nil)
	twice := activity.Merge([][]activity.Record{batch}, once)

	require.Equal(t, ids(once), ids(twice))
	require.Len(t, twice, 3)
}

func TestMergeSupersedesTemporaryRecord(t *testing.T) {
	optimistic := note("tmp-1", "hi", baseTime)
	server := note("srv-1", "hi", baseTime)

	merged := activity.Merge([][]activity.Record{{server}}, []activity.Record{optimistic})

	require.Len(t, merged, 1)
	require.Equal(t, activity.RecordID("srv-1"), merged[0].ID)
}

func TestMergeKeepsDurableOverLaterTemporary(t *testing.T) {
	server := note("srv-1", "hi", baseTime)
	optimistic := note("tmp-1", "hi", baseTime)

	merged := activity.Merge([][]activity.Record{{optimistic}}, []activity.Record{server})

	require.Len(t, merged, 1)
	require.Equal(t, activity.RecordID("srv-1"), merged[0].ID)
}

func TestMergeEmptyBatchesReturnPrevious(t *testing.T) {
	previous := []activity.Record{note("n-1", "kept", baseTime)}

	merged := activity.Merge([][]activity.Record{{}, nil}, previous)

	require.Equal(t, previous, merged)
}

func TestMergeDistinguishesKinds(t *testing.T) {
	merged := activity.Merge([][]activity.Record{
		{note("n-1", "same text", baseTime)},
		{call("c-1", "same text", baseTime)},
	}, nil)

	require.Len(t, merged, 2)
}

func TestMergeDistinguishesMessageChannels(t *testing.T) {
	email := note("m-1", "hello", baseTime)
	email.Detail = activity.MessageSentDetail{Channel: activity.ChannelEmail, Status: activity.MessageStatusSent}
	sms := note("m-2", "hello", baseTime)
	sms.Detail = activity.MessageSentDetail{Channel: activity.ChannelSMS, Status: activity.MessageStatusSent}

	merged := activity.Merge([][]activity.Record{{email, sms}}, nil)

	require.Len(t, merged, 2)
}

func TestMergeOrdersNewestFirstWithStableTies(t *testing.T) {
	merged := activity.Merge([][]activity.Record{
		{note("a", "one", baseTime), note("b", "two", baseTime)},
		{note("c", "three", baseTime.Add(time.Minute))},
	}, nil)

	require.Equal(t, []string{"c", "a", "b"}, ids(merged))

	again := activity.Merge([][]activity.Record{{note("b", "two", baseTime)}}, merged)
	require.Equal(t, []string{"c", "a", "b"}, ids(again))
}

func TestMergeNeverDropsPreviousRecords(t *testing.T) {
	previous := []activity.Record{note("n-1", "older refresh", baseTime)}

	merged := activity.Merge([][]activity.Record{{note("n-2", "newer refresh", baseTime.Add(time.Hour))}}, previous)

	require.Equal(t, []string{"n-2", "n-1"}, ids(merged))
}

func TestGroupByDay(t *testing.T) {
	records := activity.Merge([][]activity.Record{{
		note("a", "morning", time.Date(2025, 1, 23, 8, 0, 0, 0, time.UTC)),
		note("b", "late", time.Date(2025, 1, 23, 23, 0, 0, 0, time.UTC)),
		note("c", "next day", time.Date(2025, 1, 24, 0, 30, 0, 0, time.UTC)),
	}}, nil)

	groups := activity.GroupByDay(records, time.UTC)

	require.Len(t, groups, 2)
	require.Equal(t, "2025-01-24", groups[0].Label)
	require.Equal(t, []string{"c"}, ids(groups[0].Records))
	require.Equal(t, "2025-01-23", groups[1].Label)
	require.Equal(t, []string{"b", "a"}, ids(groups[1].Records))
}

func TestGroupByDayUsesViewerLocation(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	records := []activity.Record{note("a", "late utc", time.Date(2025, 1, 24, 0, 30, 0, 0, time.UTC))}

	groups := activity.GroupByDay(records, newYork)

	require.Len(t, groups, 1)
	require.Equal(t, "2025-01-23", groups[0].Label)
}
