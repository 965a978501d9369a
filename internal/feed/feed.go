// Package feed turns the registry's calendar feed endpoints into
// normalized busy intervals: rate-limited fetching, ICS parsing,
// recurrence expansion, source reclassification and relevance-window
// filtering.
package feed

import "time"

// Interval is one normalized busy span for a property, as parsed from a
// single feed event. Start/End follow the ICS half-open convention: End
// is the checkout day, not the last occupied night.
type Interval struct {
	PropertyID string    `json:"property_id"`
	Source     string    `json:"source"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Summary    string    `json:"summary"`

	// UID is the iCalendar UID of the originating event. Airbnb embeds
	// the reservation code in it, which is the identity signal the
	// turnover merge uses to tell one same-day stay apart from two
	// bookings meeting.
	UID string `json:"uid,omitempty"`
}

// Nights returns the number of occupied nights in the interval.
func (iv Interval) Nights() int {
	n := int(iv.End.Sub(iv.Start).Hours() / 24)
	if n < 0 {
		return 0
	}
	return n
}
