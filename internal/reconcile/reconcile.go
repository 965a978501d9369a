// Package reconcile fuses the raw record fragments of a bulk export
// into reservation candidates and classifies every candidate against
// the canonical store. Fusion always completes before classification:
// classification depends on complete per-group aggregates.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"rentcal/internal/harlog"
	"rentcal/internal/registry"
)

// Type distinguishes platform bookings from operator (personal) notes.
type Type string

const (
	TypePlatform Type = "platform"
	TypePersonal Type = "personal"
)

// Classification is the verdict for one candidate against the
// canonical store.
type Classification string

const (
	ClassNew                 Classification = "new"
	ClassExisting            Classification = "existing"
	ClassPriceMissing        Classification = "price_missing"
	ClassCommentMissing      Classification = "comment_missing"
	ClassPriceCommentMissing Classification = "price_comment_missing"
	ClassOutsideYear         Classification = "outside_year"
	ClassInvalid             Classification = "invalid"
	ClassUnknownProperty     Classification = "unknown_property"
)

// Fused is one reconciliation candidate. CheckOut is exclusive (the day
// after the last occupied night); Nights is the count of day entries
// actually observed, so a gap in sightings surfaces as an inconsistency
// instead of being silently bridged.
type Fused struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	PropertyID     string         `json:"property_id"`
	CheckIn        time.Time      `json:"check_in"`
	CheckOut       time.Time      `json:"check_out"`
	Nights         int            `json:"nights"`
	GuestName      string         `json:"guest_name,omitempty"`
	GuestCount     int            `json:"guest_count,omitempty"`
	Payout         *float64       `json:"payout,omitempty"`
	Status         string         `json:"status,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	Classification Classification `json:"classification"`
}

// CanonicalRecord is the narrow view of an already-recorded reservation
// the classifier needs.
type CanonicalRecord struct {
	CheckIn    time.Time
	CheckOut   time.Time
	HasPrice   bool
	HasComment bool
}

// CanonicalStore is the external collaborator treated as ground truth.
// A Lookup error means the store could not be consulted, which is
// never the same as "no record found".
type CanonicalStore interface {
	Lookup(ctx context.Context, propertyID string, from, to time.Time) ([]CanonicalRecord, error)
}

// StoreUnavailableError marks a classification run aborted because the
// canonical store could not be reached. Callers must not degrade it
// into per-candidate results.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("canonical store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Engine runs the two fusion passes and the classification pass.
type Engine struct {
	store CanonicalStore
	year  int
}

// NewEngine creates an Engine classifying against the given store and
// tracked year.
func NewEngine(store CanonicalStore, year int) *Engine {
	return &Engine{store: store, year: year}
}

// platformAccumulator collects all sightings of one confirmation code.
// Fields are finalized exactly once, after all fragments are seen:
// names are first-wins, guest count is max-wins, dates accumulate.
type platformAccumulator struct {
	propertyID string
	dates      map[time.Time]struct{}
	firstName  string
	lastName   string
	guestCount int
	payoutText string
	status     string
}

// FusePlatform groups raw platform-booking fragments by confirmation
// code and folds each group into one candidate. Groups that never
// resolved to a property (payout fragments with no calendar sighting)
// are dropped. The result is independent of fragment order.
func FusePlatform(ex harlog.Extract) []Fused {
	accs := make(map[string]*platformAccumulator)

	acc := func(code string) *platformAccumulator {
		a, ok := accs[code]
		if !ok {
			a = &platformAccumulator{dates: make(map[time.Time]struct{})}
			accs[code] = a
		}
		return a
	}

	for _, day := range ex.Days {
		if day.Booking == nil {
			continue
		}
		a := acc(day.Booking.ConfirmationCode)
		if a.propertyID == "" {
			a.propertyID = day.PropertyID
		}
		a.dates[day.Date] = struct{}{}
		if a.firstName == "" {
			a.firstName = day.Booking.GuestFirstName
		}
		if a.lastName == "" {
			a.lastName = day.Booking.GuestLastName
		}
		if day.Booking.GuestCount > a.guestCount {
			a.guestCount = day.Booking.GuestCount
		}
	}

	for _, pf := range ex.Payouts {
		a := acc(pf.ConfirmationCode)
		if a.payoutText == "" {
			a.payoutText = pf.PayoutText
		}
		if a.status == "" {
			a.status = pf.Status
		}
	}

	codes := make([]string, 0, len(accs))
	for code := range accs {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := make([]Fused, 0, len(codes))
	for _, code := range codes {
		a := accs[code]
		if a.propertyID == "" {
			continue
		}

		f := Fused{
			ID:         code,
			Type:       TypePlatform,
			PropertyID: a.propertyID,
			Nights:     len(a.dates),
			GuestName:  joinName(a.firstName, a.lastName),
			GuestCount: a.guestCount,
			Payout:     ParsePayout(a.payoutText),
			Status:     a.status,
		}
		if len(a.dates) > 0 {
			f.CheckIn, f.CheckOut = dateSpan(a.dates)
		}
		out = append(out, f)
	}
	return out
}

// FuseNotes groups operator notes by (property, exact comment text) and
// compresses each group's sorted dates into maximal runs of consecutive
// days. Exact-text grouping is deliberate: differently phrased notes
// are never merged even when date-adjacent.
func FuseNotes(ex harlog.Extract) []Fused {
	type noteKey struct {
		propertyID string
		text       string
	}
	groups := make(map[noteKey]map[time.Time]struct{})

	for _, day := range ex.Days {
		if day.Note == "" {
			continue
		}
		k := noteKey{day.PropertyID, day.Note}
		if groups[k] == nil {
			groups[k] = make(map[time.Time]struct{})
		}
		groups[k][day.Date] = struct{}{}
	}

	keys := make([]noteKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].propertyID != keys[j].propertyID {
			return keys[i].propertyID < keys[j].propertyID
		}
		return keys[i].text < keys[j].text
	})

	var out []Fused
	for _, k := range keys {
		dates := sortedDates(groups[k])
		for _, run := range consecutiveRuns(dates) {
			start, end := run[0], run[len(run)-1].AddDate(0, 0, 1)
			out = append(out, Fused{
				ID:         noteID(k.propertyID, k.text, start),
				Type:       TypePersonal,
				PropertyID: k.propertyID,
				CheckIn:    start,
				CheckOut:   end,
				Nights:     len(run),
				Comment:    k.text,
			})
		}
	}
	return out
}

// Classify assigns a classification to every candidate. A canonical
// store failure aborts the whole run with StoreUnavailableError: wrong
// classifications are worse than none.
func (e *Engine) Classify(ctx context.Context, candidates []Fused) ([]Fused, error) {
	out := make([]Fused, 0, len(candidates))
	for _, c := range candidates {
		cls, err := e.classifyOne(ctx, c)
		if err != nil {
			return nil, err
		}
		c.Classification = cls
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) classifyOne(ctx context.Context, c Fused) (Classification, error) {
	if !registry.IsKnown(c.PropertyID) {
		return ClassUnknownProperty, nil
	}
	if c.CheckIn.IsZero() || c.CheckOut.IsZero() || !c.CheckOut.After(c.CheckIn) {
		return ClassInvalid, nil
	}
	if c.CheckIn.Year() != e.year {
		return ClassOutsideYear, nil
	}

	records, err := e.store.Lookup(ctx, c.PropertyID, c.CheckIn, c.CheckOut)
	if err != nil {
		return "", &StoreUnavailableError{Err: err}
	}

	for _, rec := range records {
		if rec.CheckIn.Equal(c.CheckIn) && rec.CheckOut.Equal(c.CheckOut) {
			return ClassExisting, nil
		}
	}

	priceGap, commentGap := gaps(c)
	switch {
	case priceGap && commentGap:
		return ClassPriceCommentMissing, nil
	case priceGap:
		return ClassPriceMissing, nil
	case commentGap:
		return ClassCommentMissing, nil
	}
	return ClassNew, nil
}

// gaps reports whether an otherwise-new candidate is missing its price
// or its comment-equivalent. Platform bookings carry the payout as
// price and the guest name as comment; personal notes carry only the
// comment and are never expected to have a price.
func gaps(c Fused) (priceGap, commentGap bool) {
	switch c.Type {
	case TypePlatform:
		return c.Payout == nil, c.GuestName == ""
	case TypePersonal:
		return false, c.Comment == ""
	}
	return false, false
}

// CountByClassification tallies candidates per classification.
func CountByClassification(candidates []Fused) map[Classification]int {
	out := make(map[Classification]int)
	for _, c := range candidates {
		out[c.Classification]++
	}
	return out
}

// CountByProperty tallies candidates per property.
func CountByProperty(candidates []Fused) map[string]int {
	out := make(map[string]int)
	for _, c := range candidates {
		out[c.PropertyID]++
	}
	return out
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}

func dateSpan(dates map[time.Time]struct{}) (min, maxExclusive time.Time) {
	first := true
	var max time.Time
	for d := range dates {
		if first {
			min, max = d, d
			first = false
			continue
		}
		if d.Before(min) {
			min = d
		}
		if d.After(max) {
			max = d
		}
	}
	return min, max.AddDate(0, 0, 1)
}

func sortedDates(set map[time.Time]struct{}) []time.Time {
	out := make([]time.Time, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// consecutiveRuns partitions sorted dates into maximal runs where each
// date is exactly one day after the previous.
func consecutiveRuns(dates []time.Time) [][]time.Time {
	var runs [][]time.Time
	for _, d := range dates {
		if n := len(runs); n > 0 {
			last := runs[n-1][len(runs[n-1])-1]
			if d.Sub(last) <= 24*time.Hour {
				runs[n-1] = append(runs[n-1], d)
				continue
			}
		}
		runs = append(runs, []time.Time{d})
	}
	return runs
}

func noteID(propertyID, text string, start time.Time) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s-%s-%s", propertyID, start.Format("20060102"), hex.EncodeToString(sum[:4]))
}
