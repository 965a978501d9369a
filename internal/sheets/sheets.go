// Package sheets backs the canonical reservation store with a Google
// spreadsheet: one tab per property, one row per reservation. The
// spreadsheet is ground truth for what is already recorded; this
// package only implements the narrow lookup/insert contract the
// reconciliation needs, plus the write-serialization the Sheets API
// demands (minimum spacing between writes, bounded exponential backoff
// on contention).
package sheets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	appLog "rentcal/internal/log"
	"rentcal/internal/reconcile"
)

const (
	// writeMinSpacing is the minimum gap between consecutive write calls.
	writeMinSpacing = 1100 * time.Millisecond

	maxWriteRetries  = 4
	baseWriteBackoff = 500 * time.Millisecond

	dateLayout = "2006-01-02"
)

// Row layout per property tab: A=check_in, B=check_out, C=comment,
// D=price. Row 1 is a header.
const rowRange = "A2:D"

// Store is the spreadsheet-backed canonical store.
type Store struct {
	svc           *sheetsapi.Service
	spreadsheetID string

	// writeMu serializes writes; lastWrite enforces writeMinSpacing.
	writeMu   sync.Mutex
	lastWrite time.Time
}

// New builds a Store from a service-account credentials file.
func New(ctx context.Context, credentialsFile, spreadsheetID string) (*Store, error) {
	if spreadsheetID == "" {
		return nil, errors.New("sheets: spreadsheet id is empty")
	}
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets: service init: %w", err)
	}
	return &Store{svc: svc, spreadsheetID: spreadsheetID}, nil
}

// row is one parsed spreadsheet row with its 1-based sheet row number.
type row struct {
	number     int
	checkIn    time.Time
	checkOut   time.Time
	comment    string
	price      string
	hasPrice   bool
	hasComment bool
}

// Lookup implements reconcile.CanonicalStore. Any API failure is
// returned as an error so the classifier can distinguish "could not
// check" from "not found".
func (s *Store) Lookup(ctx context.Context, propertyID string, from, to time.Time) ([]reconcile.CanonicalRecord, error) {
	rows, err := s.readRows(ctx, propertyID)
	if err != nil {
		return nil, err
	}

	var out []reconcile.CanonicalRecord
	for _, r := range rows {
		// Keep any record overlapping the requested range.
		if r.checkIn.Before(to) && r.checkOut.After(from) {
			out = append(out, reconcile.CanonicalRecord{
				CheckIn:    r.checkIn,
				CheckOut:   r.checkOut,
				HasPrice:   r.hasPrice,
				HasComment: r.hasComment,
			})
		}
	}
	return out, nil
}

// CommitFailure records a single candidate that could not be written.
type CommitFailure struct {
	CandidateID string `json:"candidate_id"`
	Reason      string `json:"reason"`
}

// CommitResult reports the outcome of an InsertOrUpdate batch. Writes
// never fail silently: every non-written candidate lands either in
// SkippedDuplicates or in Failures.
type CommitResult struct {
	Inserted          int             `json:"inserted"`
	Updated           int             `json:"updated"`
	SkippedDuplicates int             `json:"skipped_duplicates"`
	Failures          []CommitFailure `json:"failures,omitempty"`
}

// InsertOrUpdate writes the selected candidates into the spreadsheet.
// A candidate matching an existing row by check-in/check-out updates
// that row's gaps (or is skipped when the row is already complete);
// otherwise a new row is appended. Failures are reported per candidate.
func (s *Store) InsertOrUpdate(ctx context.Context, candidates []reconcile.Fused, priceOverride *float64, commentOverride string) CommitResult {
	var res CommitResult

	for _, c := range candidates {
		outcome, err := s.writeOne(ctx, c, priceOverride, commentOverride)
		if err != nil {
			appLog.Error("sheet write failed", err, "candidate", c.ID, "property", c.PropertyID)
			res.Failures = append(res.Failures, CommitFailure{CandidateID: c.ID, Reason: err.Error()})
			continue
		}
		switch outcome {
		case outcomeInserted:
			res.Inserted++
		case outcomeUpdated:
			res.Updated++
		case outcomeSkipped:
			res.SkippedDuplicates++
		}
	}
	return res
}

type writeOutcome int

const (
	outcomeInserted writeOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

func (s *Store) writeOne(ctx context.Context, c reconcile.Fused, priceOverride *float64, commentOverride string) (writeOutcome, error) {
	comment := c.Comment
	if c.Type == reconcile.TypePlatform && comment == "" {
		comment = c.GuestName
	}
	if commentOverride != "" {
		comment = commentOverride
	}

	price := ""
	payout := c.Payout
	if priceOverride != nil {
		payout = priceOverride
	}
	if payout != nil {
		price = fmt.Sprintf("%.2f", *payout)
	}

	rows, err := s.readRows(ctx, c.PropertyID)
	if err != nil {
		return 0, err
	}

	for _, r := range rows {
		if !r.checkIn.Equal(c.CheckIn) || !r.checkOut.Equal(c.CheckOut) {
			continue
		}
		newComment, newPrice, changed := fillGaps(r, comment, price)
		if !changed {
			return outcomeSkipped, nil
		}
		rng := fmt.Sprintf("%s!A%d:D%d", c.PropertyID, r.number, r.number)
		return outcomeUpdated, s.write(ctx, func() error {
			_, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheetsapi.ValueRange{
				Values: [][]any{{c.CheckIn.Format(dateLayout), c.CheckOut.Format(dateLayout), newComment, newPrice}},
			}).ValueInputOption("USER_ENTERED").Context(ctx).Do()
			return err
		})
	}

	rng := fmt.Sprintf("%s!%s", c.PropertyID, rowRange)
	return outcomeInserted, s.write(ctx, func() error {
		_, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, rng, &sheetsapi.ValueRange{
			Values: [][]any{{c.CheckIn.Format(dateLayout), c.CheckOut.Format(dateLayout), comment, price}},
		}).ValueInputOption("USER_ENTERED").Context(ctx).Do()
		return err
	})
}

// fillGaps merges a candidate's comment and price into a matching row,
// existing cells winning. changed is false when the write would be a
// no-op: the row is already complete, or the candidate has nothing to
// offer for the cells that are empty.
func fillGaps(r row, comment, price string) (newComment, newPrice string, changed bool) {
	newComment, newPrice = r.comment, r.price
	if !r.hasComment && comment != "" {
		newComment = comment
		changed = true
	}
	if !r.hasPrice && price != "" {
		newPrice = price
		changed = true
	}
	return newComment, newPrice, changed
}

func (s *Store) readRows(ctx context.Context, propertyID string) ([]row, error) {
	rng := fmt.Sprintf("%s!%s", propertyID, rowRange)
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets: read %s: %w", propertyID, err)
	}

	var out []row
	for i, cells := range resp.Values {
		r := row{number: i + 2} // values start at row 2
		if len(cells) > 0 {
			r.checkIn, _ = time.Parse(dateLayout, str(cells[0]))
		}
		if len(cells) > 1 {
			r.checkOut, _ = time.Parse(dateLayout, str(cells[1]))
		}
		if r.checkIn.IsZero() || r.checkOut.IsZero() {
			// Malformed rows are ignored, not fatal.
			continue
		}
		if len(cells) > 2 {
			r.comment = str(cells[2])
			r.hasComment = r.comment != ""
		}
		if len(cells) > 3 {
			r.price = str(cells[3])
			r.hasPrice = r.price != ""
		}
		out = append(out, r)
	}
	return out, nil
}

// write runs one write call under the store's serialization contract:
// minimum spacing since the previous write, and bounded exponential
// backoff when the API reports contention.
func (s *Store) write(ctx context.Context, call func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if wait := writeMinSpacing - time.Since(s.lastWrite); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	backoff := baseWriteBackoff
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		err = call()
		s.lastWrite = time.Now()
		if err == nil || !retryable(err) {
			return err
		}
		appLog.Warn("sheet write contention, backing off", "attempt", attempt+1, "err", err.Error())
	}
	return err
}

// retryable reports whether a Sheets API error is worth retrying.
func retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	return false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
