// Package harlog extracts reservation data out of a bulk browser
// export: a HAR document captured from a host dashboard session. The
// export is the only source for payout amounts and operator notes,
// which the platform exposes through no feed or API.
//
// The embedded payloads are loosely typed and change without notice, so
// every field access is optional: an exchange that does not match a
// known shape is skipped, never an error.
package harlog

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	appLog "rentcal/internal/log"
	"rentcal/internal/registry"
)

// ErrNoPayloads is returned when a structurally valid HAR contains no
// recognizable reservation payloads at all. The preview path fails
// closed on it rather than presenting an empty reconciliation.
var ErrNoPayloads = errors.New("no recognizable payloads in bulk export")

// PayoutFragment carries the formatted payout and status for one
// confirmation code, as seen in a payout/status payload.
type PayoutFragment struct {
	ConfirmationCode string
	PayoutText       string
	Status           string
}

// BookingFragment is the per-day sighting of a confirmed platform
// reservation inside a calendar payload.
type BookingFragment struct {
	ConfirmationCode string
	GuestFirstName   string
	GuestLastName    string
	GuestCount       int
}

// CalendarDay is one extracted calendar day for a property: either a
// platform booking sighting, a free-text operator note, or both.
type CalendarDay struct {
	PropertyID string
	Date       time.Time
	Booking    *BookingFragment
	Note       string
}

// Extract is the raw, unfused record set pulled from one bulk export.
type Extract struct {
	Payouts []PayoutFragment
	Days    []CalendarDay
}

// noteFields are the candidate field names for a day's free-text note,
// in priority order; the first non-empty one wins.
var noteFields = []string{"notes", "note", "title"}

// har mirrors just enough of the HAR 1.2 grammar.
type har struct {
	Log struct {
		Entries []harEntry `json:"entries"`
	} `json:"log"`
}

type harEntry struct {
	Request struct {
		URL string `json:"url"`
	} `json:"request"`
	Response struct {
		Content struct {
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
			Encoding string `json:"encoding"`
		} `json:"content"`
	} `json:"response"`
}

// Parse decodes a bulk export document and extracts all payout and
// calendar fragments. It fails only when the document itself is not a
// HAR or when nothing recognizable is found; individual undecodable
// exchanges are skipped silently.
func Parse(doc []byte) (Extract, error) {
	var h har
	if err := json.Unmarshal(doc, &h); err != nil {
		return Extract{}, errors.New("bulk export is not a valid HAR document")
	}
	if len(h.Log.Entries) == 0 {
		return Extract{}, errors.New("bulk export contains no network exchanges")
	}

	var out Extract
	for _, entry := range h.Log.Entries {
		payload, ok := decodePayload(entry)
		if !ok {
			continue
		}
		walk(payload, &out)
	}

	if len(out.Payouts) == 0 && len(out.Days) == 0 {
		return Extract{}, ErrNoPayloads
	}

	appLog.Info("bulk export parsed", "exchanges", len(h.Log.Entries), "payout_fragments", len(out.Payouts), "calendar_days", len(out.Days))
	return out, nil
}

// decodePayload turns an exchange's response body into a decoded JSON
// value. Bodies may be base64-encoded. A body is a JSON candidate only
// if its declared content type mentions JSON or its trimmed text starts
// with '{' or '['.
func decodePayload(entry harEntry) (any, bool) {
	text := entry.Response.Content.Text
	if text == "" {
		return nil, false
	}

	if strings.EqualFold(entry.Response.Content.Encoding, "base64") {
		raw, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, false
		}
		text = string(raw)
	}

	trimmed := strings.TrimSpace(text)
	isJSON := strings.Contains(strings.ToLower(entry.Response.Content.MimeType), "json") ||
		strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	if !isJSON {
		return nil, false
	}

	var payload any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		// Not a match, not an error.
		return nil, false
	}
	return payload, true
}

// walk recursively scans a decoded JSON value for the two known data
// shapes and appends whatever it finds.
func walk(v any, out *Extract) {
	switch node := v.(type) {
	case map[string]any:
		if pf, ok := asPayoutFragment(node); ok {
			out.Payouts = append(out.Payouts, pf)
		}
		if days, ok := asCalendarFragment(node); ok {
			out.Days = append(out.Days, days...)
			// A calendar fragment's children are already consumed.
			return
		}
		for _, child := range node {
			walk(child, out)
		}
	case []any:
		for _, child := range node {
			walk(child, out)
		}
	}
}

// asPayoutFragment matches objects that carry a confirmation code plus
// a formatted payout string.
func asPayoutFragment(node map[string]any) (PayoutFragment, bool) {
	code := stringField(node, "confirmationCode")
	payout := stringField(node, "hostPayoutFormatted")
	if code == "" || payout == "" {
		return PayoutFragment{}, false
	}
	return PayoutFragment{
		ConfirmationCode: code,
		PayoutText:       payout,
		Status:           stringField(node, "status"),
	}, true
}

// asCalendarFragment matches objects keyed by a numeric listing id with
// per-day entries. Listing ids outside the registry allow-list are
// ignored; alias listings contribute bookings only, never notes.
func asCalendarFragment(node map[string]any) ([]CalendarDay, bool) {
	listingID, ok := numberField(node, "listingId", "listing_id")
	if !ok {
		return nil, false
	}
	rawDays, ok := node["days"].([]any)
	if !ok {
		return nil, false
	}

	propertyID, bookingsOnly, known := registry.ResolveListing(listingID)
	if !known {
		return nil, true // recognized shape, unmapped listing: consume and drop
	}

	var out []CalendarDay
	for _, rd := range rawDays {
		day, ok := rd.(map[string]any)
		if !ok {
			continue
		}
		date, err := time.Parse("2006-01-02", stringField(day, "date"))
		if err != nil {
			continue
		}

		cd := CalendarDay{PropertyID: propertyID, Date: date}

		if res, ok := day["reservation"].(map[string]any); ok {
			if code := stringField(res, "confirmationCode"); code != "" {
				cd.Booking = &BookingFragment{
					ConfirmationCode: code,
					GuestFirstName:   stringField(res, "guestFirstName"),
					GuestLastName:    stringField(res, "guestLastName"),
					GuestCount:       intField(res, "numberOfGuests", "guestCount"),
				}
			}
		}

		if !bookingsOnly {
			for _, field := range noteFields {
				if note := strings.TrimSpace(stringField(day, field)); note != "" {
					cd.Note = note
					break
				}
			}
		}

		if cd.Booking != nil || cd.Note != "" {
			out = append(out, cd)
		}
	}
	return out, true
}

func stringField(node map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := node[k].(string); ok {
			return s
		}
	}
	return ""
}

func numberField(node map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch n := node[k].(type) {
		case float64:
			return int64(n), true
		case string:
			// Some payloads stringify the listing id.
			var id int64
			for _, c := range n {
				if c < '0' || c > '9' {
					id = -1
					break
				}
				id = id*10 + int64(c-'0')
			}
			if id > 0 {
				return id, true
			}
		}
	}
	return 0, false
}

func intField(node map[string]any, keys ...string) int {
	for _, k := range keys {
		if n, ok := node[k].(float64); ok {
			return int(n)
		}
	}
	return 0
}
