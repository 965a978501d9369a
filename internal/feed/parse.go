package feed

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "rentcal/internal/log"
	"rentcal/internal/registry"
)

// ParseFeed parses a single ICS payload into busy intervals for one
// property. Individual malformed VEVENTs are skipped; only an
// unparsable calendar body is an error (which fails the endpoint for
// the failure-set rule).
//
// Events carrying an RRULE are expanded into concrete intervals within
// the given ExpandRange; platform busy feeds rarely recur, but Abritel
// has been seen emitting weekly blocks as recurrences.
func ParseFeed(propertyID string, ep registry.FeedEndpoint, body []byte, expand ExpandRange) ([]Interval, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	intervals := make([]Interval, 0)

	for _, ve := range cal.Events() {
		ivs, perr := parseVEvent(propertyID, ep, ve, expand)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("feed vevent skipped", "property", propertyID, "source", ep.Source, "reason", perr.Error())
			continue
		}
		intervals = append(intervals, ivs...)
	}

	return intervals, nil
}

func parseVEvent(propertyID string, ep registry.FeedEndpoint, ve *ical.VEvent, expand ExpandRange) ([]Interval, error) {
	summary := ""
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		summary = p.Value
	}

	// Endpoint-level "only count if summary contains S" rule, e.g. the
	// Airbnb feed mixes "Reserved" bookings with mere blocks.
	if !MatchesIncludeSummary(ep, summary) {
		return nil, nil
	}

	uid := ""
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		uid = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, errors.New("missing or invalid DTSTART")
	}
	end, endErr := ve.GetEndAt()
	if endErr != nil || end.IsZero() {
		// DATE-valued busy blocks occasionally omit DTEND; they mean one
		// full day.
		end = start.Add(24 * time.Hour)
	}
	if !end.After(start) {
		return nil, errors.New("DTEND not after DTSTART")
	}

	base := Interval{
		PropertyID: propertyID,
		Source:     ep.Source,
		Start:      start,
		End:        end,
		Summary:    strings.TrimSpace(summary),
		UID:        uid,
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		return expandRecurring(base, p.Value, exdates(ve), expand), nil
	}

	return []Interval{base}, nil
}

// exdates collects EXDATE values; the parse is deliberately loose since
// busy feeds only ever emit DATE or UTC DATE-TIME forms.
func exdates(ve *ical.VEvent) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// parseICSTime parses a basic ICS date/date-time string.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		const layout = "20060102T150405Z"
		return time.Parse(layout, v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		return time.ParseInLocation(layout, v, time.Local)
	}

	// Date-only, e.g., 20250101
	const layoutDate = "20060102"
	return time.ParseInLocation(layoutDate, v, time.Local)
}
