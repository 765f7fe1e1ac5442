package activity

import (
	"slices"
	"time"
)

// Merge combines source batches with the previously merged feed into one
// deduplicated sequence ordered newest first.
//
// Candidates are observed in order: previous first, then each batch. When two
// candidates share a merge key, a durable record beats a temporary one and
// otherwise the later observation wins. The surviving record keeps the slot of
// the first observation so that ties on OccurredAt render in a stable order.
func Merge(sourceBatches [][]Record, previous []Record) []Record {
	if batchesEmpty(sourceBatches) {
		return slices.Clone(previous)
	}

	size := len(previous)
	for _, batch := range sourceBatches {
		size += len(batch)
	}
	merged := make([]Record, 0, size)
	slots := make(map[MergeKey]int, size)

	observe := func(candidate Record) {
		key := candidate.Key()
		slot, seen := slots[key]
		if !seen {
			slots[key] = len(merged)
			merged = append(merged, candidate)
			return
		}
		if prefer(merged[slot], candidate) {
			merged[slot] = candidate
		}
	}

	for _, record := range previous {
		observe(record)
	}
	for _, batch := range sourceBatches {
		for _, record := range batch {
			observe(record)
		}
	}

	slices.SortStableFunc(merged, func(a, b Record) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	return merged
}

// prefer reports whether candidate should replace the current holder of a merge key.
func prefer(current, candidate Record) bool {
	if !current.ID.IsTemporary() && candidate.ID.IsTemporary() {
		return false
	}
	return true
}

func batchesEmpty(batches [][]Record) bool {
	for _, batch := range batches {
		if len(batch) > 0 {
			return false
		}
	}
	return true
}

// Without returns a copy of records minus the record with the given id.
func Without(records []Record, id RecordID) []Record {
	return slices.DeleteFunc(slices.Clone(records), func(record Record) bool {
		return record.ID == id
	})
}

// DayGroup is the records of one local calendar day.
type DayGroup struct {
	Day     time.Time
	Label   string
	Records []Record
}

const dayLabelLayout = "2006-01-02"

// GroupByDay projects records into calendar days of loc, newest day first and
// newest record first within each day.
func GroupByDay(records []Record, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	index := make(map[string]int)
	var groups []DayGroup
	for _, record := range records {
		local := record.OccurredAt.In(loc)
		label := local.Format(dayLabelLayout)
		position, ok := index[label]
		if !ok {
			year, month, day := local.Date()
			position = len(groups)
			index[label] = position
			groups = append(groups, DayGroup{
				Day:   time.Date(year, month, day, 0, 0, 0, 0, loc),
				Label: label,
			})
		}
		groups[position].Records = append(groups[position].Records, record)
	}
	for i := range groups {
		slices.SortStableFunc(groups[i].Records, func(a, b Record) int {
			return b.OccurredAt.Compare(a.OccurredAt)
		})
	}
	slices.SortStableFunc(groups, func(a, b DayGroup) int {
		return b.Day.Compare(a.Day)
	})
	return groups
}
