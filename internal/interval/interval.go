// Package interval provides pure operations over half-open [start, end)
// time intervals: overlap testing, merging of sorted interval sets and
// conflict-day reporting. It has no dependencies and no state.
package interval

import (
	"sort"
	"time"
)

// Span is a half-open time interval [Start, End).
type Span struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// IsValid reports whether the span is non-empty.
func (s Span) IsValid() bool { return s.End.After(s.Start) }

// Overlaps reports whether a and b share any instant. Two spans that only
// touch (a.End == b.Start) do not overlap.
func Overlaps(a, b Span) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// SortByStart sorts spans in place by ascending start time.
func SortByStart(spans []Span) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })
}

// Merge folds a start-sorted slice of spans into a strictly sorted,
// pairwise non-overlapping slice. A span is merged into the running one
// when it starts before the running end, or exactly at the running end
// when adjacent merging is enabled. The input is not modified.
func Merge(sorted []Span, adjacent bool) []Span {
	if len(sorted) == 0 {
		return nil
	}
	merged := []Span{sorted[0]}
	for _, s := range sorted[1:] {
		last := &merged[len(merged)-1]
		join := s.Start.Before(last.End) || (adjacent && s.Start.Equal(last.End))
		if join {
			if s.End.After(last.End) {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// ConflictDays returns the calendar days (UTC, "2006-01-02", sorted) on
// which the candidate overlaps any of the existing spans. The day span of
// each overlap is inclusive on both ends. This is reporting detail for
// callers; it carries no weight in overlap decisions.
func ConflictDays(candidate Span, existing []Span) []string {
	seen := make(map[string]struct{})
	for _, b := range existing {
		if !Overlaps(candidate, b) {
			continue
		}
		day := laterDay(candidate.Start, b.Start)
		endDay := earlierDay(candidate.End, b.End)
		for !day.After(endDay) {
			seen[day.Format("2006-01-02")] = struct{}{}
			day = day.AddDate(0, 0, 1)
		}
	}
	if len(seen) == 0 {
		return nil
	}
	days := make([]string, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func laterDay(a, b time.Time) time.Time {
	da, db := truncateToDay(a), truncateToDay(b)
	if da.After(db) {
		return da
	}
	return db
}

func earlierDay(a, b time.Time) time.Time {
	da, db := truncateToDay(a), truncateToDay(b)
	if da.Before(db) {
		return da
	}
	return db
}
