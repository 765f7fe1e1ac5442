package activity

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

const unsettled uint64 = 0

// Feed holds the merged timeline of one entity. It is the only writer of the
// merged sequence; readers receive copies.
type Feed struct {
	mu          sync.RWMutex
	records     []Record
	temporary   map[RecordID]uint64
	lastApplied uint64
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{temporary: make(map[RecordID]uint64)}
}

// Apply merges a refresh result issued with sequence seq. A result older than
// one already applied only contributes records whose merge key is not yet in
// the feed; it never replaces a copy observed by a newer refresh.
func (f *Feed) Apply(seq uint64, batches [][]Record) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq < f.lastApplied {
		batches = unknownKeys(batches, f.records)
	} else {
		f.lastApplied = seq
	}
	merged := Merge(batches, f.records)
	merged = slices.DeleteFunc(merged, func(record Record) bool {
		settledAt, tracked := f.temporary[record.ID]
		return tracked && settledAt != unsettled && seq > settledAt
	})
	f.records = merged
	f.forgetMissingLocked()
	return slices.Clone(f.records)
}

// AddOptimistic writes a locally originated record ahead of server confirmation.
func (f *Feed) AddOptimistic(record Record) error {
	if !record.ID.IsTemporary() {
		return fmt.Errorf("%w: optimistic record %q needs a temporary id", ErrInvalidRecord, record.ID)
	}
	if err := record.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temporary[record.ID] = unsettled
	f.records = Merge([][]Record{{record}}, f.records)
	return nil
}

// Settle marks a temporary record as confirmed by the server. The first
// refresh issued after afterSeq carries the authoritative copy, so it drops
// the temporary one.
func (f *Feed) Settle(id RecordID, afterSeq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, tracked := f.temporary[id]; !tracked {
		return
	}
	if afterSeq == unsettled {
		afterSeq = 1
	}
	f.temporary[id] = afterSeq
}

// Confirm replaces a temporary record with the server-issued record returned by its write.
func (f *Feed) Confirm(tempID RecordID, confirmed Record) error {
	if confirmed.ID.IsTemporary() {
		return fmt.Errorf("%w: confirmed record %q has a temporary id", ErrInvalidRecord, confirmed.ID)
	}
	if err := confirmed.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.temporary, tempID)
	f.records = Merge([][]Record{{confirmed}}, Without(f.records, tempID))
	return nil
}

// Discard removes a temporary record whose write failed.
func (f *Feed) Discard(id RecordID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = Without(f.records, id)
	delete(f.temporary, id)
}

// Records returns the merged feed, newest first.
func (f *Feed) Records() []Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.records)
}

// Days returns the day-grouped projection of the feed.
func (f *Feed) Days(loc *time.Location) []DayGroup {
	return GroupByDay(f.Records(), loc)
}

func (f *Feed) forgetMissingLocked() {
	if len(f.temporary) == 0 {
		return
	}
	present := make(map[RecordID]struct{}, len(f.temporary))
	for _, record := range f.records {
		if record.ID.IsTemporary() {
			present[record.ID] = struct{}{}
		}
	}
	for id := range f.temporary {
		if _, ok := present[id]; !ok {
			delete(f.temporary, id)
		}
	}
}

func unknownKeys(batches [][]Record, current []Record) [][]Record {
	known := make(map[MergeKey]struct{}, len(current))
	for _, record := range current {
		known[record.Key()] = struct{}{}
	}
	filtered := make([][]Record, 0, len(batches))
	for _, batch := range batches {
		kept := make([]Record, 0, len(batch))
		for _, record := range batch {
			if _, ok := known[record.Key()]; !ok {
				kept = append(kept, record)
			}
		}
		filtered = append(filtered, kept)
	}
	return filtered
}
