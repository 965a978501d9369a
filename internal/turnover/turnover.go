// Package turnover derives day-level arrival/departure/turnover events
// from raw busy intervals. A turnover is two different bookings meeting
// on the same day; a zero-night stay whose arrival and departure share
// a booking identity is never a turnover.
package turnover

import (
	"sort"
	"time"

	"rentcal/internal/feed"
)

type Kind string

const (
	KindArrival   Kind = "arrival"
	KindDeparture Kind = "departure"
	KindTurnover  Kind = "turnover"
)

// DayEvent is one day-level event for a property. Date is midnight in
// the computation timezone.
type DayEvent struct {
	PropertyID string    `json:"property_id"`
	Date       time.Time `json:"date"`
	Kind       Kind      `json:"kind"`
}

// sameBooking reports whether two intervals are demonstrably the same
// single booking. A shared non-empty UID is the strong signal; identical
// spans from the same source are the fallback for feeds without UIDs.
func sameBooking(a, b feed.Interval) bool {
	if a.UID != "" && a.UID == b.UID {
		return true
	}
	return a.Source == b.Source && a.Start.Equal(b.Start) && a.End.Equal(b.End) && a.Summary == b.Summary
}

// Merge computes day events for all given intervals. The result is
// independent of interval order. At most one event per kind is emitted
// per property+day.
//
// Merge rule per property+day: at least one interval starting that day
// and at least one ending that day collapse into a single turnover,
// unless every such start/end pair belongs to one identical booking. In
// that case both endpoints are emitted individually (a single-day stay
// is one booking, not two meeting).
func Merge(intervals []feed.Interval, loc *time.Location) []DayEvent {
	type dayKey struct {
		property string
		date     time.Time
	}

	starters := make(map[dayKey][]feed.Interval)
	enders := make(map[dayKey][]feed.Interval)
	keys := make(map[dayKey]struct{})

	for _, iv := range intervals {
		sk := dayKey{iv.PropertyID, dateOf(iv.Start, loc)}
		ek := dayKey{iv.PropertyID, dateOf(iv.End, loc)}
		starters[sk] = append(starters[sk], iv)
		enders[ek] = append(enders[ek], iv)
		keys[sk] = struct{}{}
		keys[ek] = struct{}{}
	}

	var out []DayEvent
	for k := range keys {
		s, e := starters[k], enders[k]
		switch {
		case len(s) > 0 && len(e) > 0:
			if twoBookingsMeet(s, e) {
				out = append(out, DayEvent{k.property, k.date, KindTurnover})
			} else {
				// Zero-night stay: both endpoints, no turnover.
				out = append(out, DayEvent{k.property, k.date, KindArrival})
				out = append(out, DayEvent{k.property, k.date, KindDeparture})
			}
		case len(s) > 0:
			out = append(out, DayEvent{k.property, k.date, KindArrival})
		case len(e) > 0:
			out = append(out, DayEvent{k.property, k.date, KindDeparture})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PropertyID != out[j].PropertyID {
			return out[i].PropertyID < out[j].PropertyID
		}
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// twoBookingsMeet reports whether any starting/ending pair on the day
// is two distinct bookings.
func twoBookingsMeet(starters, enders []feed.Interval) bool {
	for _, s := range starters {
		for _, e := range enders {
			if !sameBooking(s, e) {
				return true
			}
		}
	}
	return false
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
