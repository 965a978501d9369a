package feed

import (
	"strings"
	"time"

	"rentcal/internal/registry"
)

// directBookingMarker is the summary Airbnb uses for owner-blocked
// days. When the owner takes a direct booking they block the days on
// Airbnb, so an airbnb-tagged interval carrying this marker is really a
// direct booking, not a platform one. The reclassification is a
// business rule and runs after parsing, before storage.
const directBookingMarker = "Not available"

// Relevance window bounds relative to "today": one day back, seven days
// ahead.
const (
	windowBackDays    = 1
	windowForwardDays = 7
)

// IsDirectBookingMarker reports whether an event summary marks an
// owner-blocked (direct booking) span.
func IsDirectBookingMarker(summary string) bool {
	return strings.Contains(summary, directBookingMarker)
}

// MatchesIncludeSummary applies the endpoint's optional "only count if
// summary contains S" filter. An endpoint without the filter accepts
// everything.
func MatchesIncludeSummary(ep registry.FeedEndpoint, summary string) bool {
	if ep.IncludeSummary == "" {
		return true
	}
	return strings.Contains(summary, ep.IncludeSummary)
}

// Reclassify rewrites airbnb-tagged intervals carrying the
// direct-booking marker to the direct tag. Other intervals pass
// through untouched.
func Reclassify(iv Interval) Interval {
	if iv.Source == registry.SourceAirbnb && IsDirectBookingMarker(iv.Summary) {
		iv.Source = registry.SourceDirect
	}
	return iv
}

// Window computes the relevance window [today-1d, today+8d) in loc,
// fresh for every run. The end instant is the start of the day after
// the last included day, so the overlap test can stay half-open.
func Window(now time.Time, loc *time.Location) (start, end time.Time) {
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	return today.AddDate(0, 0, -windowBackDays), today.AddDate(0, 0, windowForwardDays+1)
}

// InWindow reports whether the interval's span overlaps the window:
// start strictly before the window end AND end strictly after the
// window start.
func InWindow(iv Interval, windowStart, windowEnd time.Time) bool {
	return iv.Start.Before(windowEnd) && iv.End.After(windowStart)
}

// Normalize applies the reclassification rule to every interval, then
// keeps only those overlapping the relevance window. Filtering is
// idempotent: normalizing an already-normalized set changes nothing.
func Normalize(intervals []Interval, now time.Time, loc *time.Location) []Interval {
	windowStart, windowEnd := Window(now, loc)

	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		iv = Reclassify(iv)
		if !InWindow(iv, windowStart, windowEnd) {
			continue
		}
		out = append(out, iv)
	}
	return out
}
