package feed

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "rentcal/internal/log"
)

// maxOccurrencesPerEvent caps recurrence expansion so a pathological
// RRULE cannot flood a fetch cycle.
const maxOccurrencesPerEvent = 500

// ExpandRange bounds recurrence expansion. It is wider than the
// relevance window so the window filter stays the single source of
// truth for what is kept.
type ExpandRange struct {
	Start time.Time
	End   time.Time
}

// DefaultExpandRange covers a little behind and comfortably ahead of
// now; the normalizer's relevance window trims the rest.
func DefaultExpandRange(now time.Time) ExpandRange {
	return ExpandRange{
		Start: now.AddDate(0, 0, -7),
		End:   now.AddDate(0, 0, 60),
	}
}

// expandRecurring materializes a recurring busy block into concrete
// intervals within rng, preserving the base event's duration. EXDATEs
// remove individual occurrences. A malformed RRULE yields no intervals
// rather than an error: the rest of the feed is still usable.
func expandRecurring(base Interval, rawRRule string, exDates []time.Time, rng ExpandRange) []Interval {
	r, err := rrule.StrToRRule(rawRRule)
	if err != nil {
		appLog.Warn("unparsable RRULE dropped", "property", base.PropertyID, "source", base.Source, "rrule", rawRRule)
		return nil
	}
	r.DTStart(base.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exDates {
		set.ExDate(ex.In(base.Start.Location()))
	}

	starts := set.Between(rng.Start.In(base.Start.Location()), rng.End.In(base.Start.Location()), true)
	if len(starts) > maxOccurrencesPerEvent {
		appLog.Warn("recurrence expansion truncated", "property", base.PropertyID, "uid", base.UID, "cap", maxOccurrencesPerEvent)
		starts = starts[:maxOccurrencesPerEvent]
	}

	dur := base.End.Sub(base.Start)
	out := make([]Interval, 0, len(starts))
	for _, s := range starts {
		iv := base
		iv.Start = s
		iv.End = s.Add(dur)
		out = append(out, iv)
	}
	return out
}
