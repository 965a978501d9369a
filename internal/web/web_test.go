package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentcal/internal/config"
	"rentcal/internal/feed"
	"rentcal/internal/reconcile"
	"rentcal/internal/registry"
	"rentcal/internal/sheets"
	"rentcal/internal/statusstore"
	"rentcal/internal/store"
)

// fakeCanonical implements Canonical in memory.
type fakeCanonical struct {
	records   map[string][]reconcile.CanonicalRecord
	lookupErr error
	committed []reconcile.Fused
}

func (f *fakeCanonical) Lookup(_ context.Context, propertyID string, _, _ time.Time) ([]reconcile.CanonicalRecord, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.records[propertyID], nil
}

func (f *fakeCanonical) InsertOrUpdate(_ context.Context, candidates []reconcile.Fused, _ *float64, _ string) sheets.CommitResult {
	f.committed = append(f.committed, candidates...)
	return sheets.CommitResult{Inserted: len(candidates)}
}

func newTestServer(t *testing.T, canonical Canonical) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AuthKey = "sesame"
	cfg.StatusPath = filepath.Join(dir, "status.json")
	cfg.HARPath = filepath.Join(dir, "last-export.har")

	return NewServer(cfg, time.UTC, feed.NewFetcher(0, time.Millisecond), store.New(), canonical, statusstore.New(cfg.StatusPath), 2025)
}

func doRequest(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("X-Auth-Key", "sesame")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// sampleHAR builds a minimal bulk export with one three-night booking
// and one operator note on property "gree".
func sampleHAR(t *testing.T) []byte {
	t.Helper()
	payload := map[string]any{
		"calendar": map[string]any{
			"listingId": 52712345,
			"days": []any{
				map[string]any{"date": "2025-07-10", "reservation": map[string]any{"confirmationCode": "ABC123", "guestFirstName": "Claire", "guestLastName": "Martin", "numberOfGuests": 4}},
				map[string]any{"date": "2025-07-11", "reservation": map[string]any{"confirmationCode": "ABC123"}},
				map[string]any{"date": "2025-07-12", "reservation": map[string]any{"confirmationCode": "ABC123"}},
				map[string]any{"date": "2025-07-20", "notes": "famille Leroy"},
			},
		},
	}
	payoutPayload := map[string]any{
		"payouts": []any{map[string]any{"confirmationCode": "ABC123", "hostPayoutFormatted": "450,00 €", "status": "accepted"}},
	}

	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)
	payoutJSON, err := json.Marshal(payoutPayload)
	require.NoError(t, err)

	doc := map[string]any{
		"log": map[string]any{
			"version": "1.2",
			"entries": []any{
				map[string]any{
					"request":  map[string]any{"method": "GET", "url": "https://host.example/calendar"},
					"response": map[string]any{"status": 200, "content": map[string]any{"mimeType": "application/json", "text": string(payloadJSON)}},
				},
				map[string]any{
					"request":  map[string]any{"method": "GET", "url": "https://host.example/payouts"},
					"response": map[string]any{"status": 200, "content": map[string]any{"mimeType": "application/json", "text": string(payoutJSON)}},
				},
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthGate(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})

	req := httptest.NewRequest(http.MethodGet, "/api/arrivals", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key.
	req = httptest.NewRequest(http.MethodGet, "/api/arrivals", nil)
	req.Header.Set("X-Auth-Key", "wrong")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Query parameter works too.
	req = httptest.NewRequest(http.MethodGet, "/api/arrivals?key=sesame", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestArrivalsServesEmptySnapshot(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})
	rec := doRequest(s, http.MethodGet, "/api/arrivals", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp arrivalsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Reservations)
	assert.Empty(t, resp.Reservations)
	assert.Empty(t, resp.UnavailableProperties)
}

func TestImportPreview(t *testing.T) {
	canonical := &fakeCanonical{}
	s := newTestServer(t, canonical)

	rec := doRequest(s, http.MethodPost, "/api/import/preview", sampleHAR(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Candidates, 2)

	platform := resp.Candidates[0]
	assert.Equal(t, reconcile.TypePlatform, platform.Type)
	assert.Equal(t, "ABC123", platform.ID)
	assert.Equal(t, 3, platform.Nights)
	assert.Equal(t, reconcile.ClassNew, platform.Classification)

	note := resp.Candidates[1]
	assert.Equal(t, reconcile.TypePersonal, note.Type)
	assert.Equal(t, "famille Leroy", note.Comment)

	assert.Equal(t, 2, resp.CountsByProperty["gree"])
	assert.Equal(t, 2, resp.CountsByClass[reconcile.ClassNew])
}

func TestImportPreviewReusesLastUpload(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})

	rec := doRequest(s, http.MethodPost, "/api/import/preview", sampleHAR(t))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/import/preview?source=last", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Candidates, 2)
}

func TestImportPreviewFailsClosedOnBadDocument(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})

	// Nothing uploaded yet, so there is nothing to reuse.
	rec := doRequest(s, http.MethodPost, "/api/import/preview?source=last", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/import/preview", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/import/preview", []byte("not a har"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBadUploadDoesNotPoisonLastExport(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})

	rec := doRequest(s, http.MethodPost, "/api/import/preview", sampleHAR(t))
	require.Equal(t, http.StatusOK, rec.Code)

	// A broken upload fails the preview and must not replace the kept
	// export.
	rec = doRequest(s, http.MethodPost, "/api/import/preview", []byte("not a har"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/import/preview?source=last", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Candidates, 2)
}

func TestImportPreviewDistinguishesStoreOutage(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{lookupErr: errors.New("connection refused")})

	rec := doRequest(s, http.MethodPost, "/api/import/preview", sampleHAR(t))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestImportCommit(t *testing.T) {
	canonical := &fakeCanonical{}
	s := newTestServer(t, canonical)

	// Upload once so the commit can resolve candidates.
	rec := doRequest(s, http.MethodPost, "/api/import/preview", sampleHAR(t))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := json.Marshal(map[string]any{"candidate_ids": []string{"ABC123", "no-such-id"}})
	rec = doRequest(s, http.MethodPost, "/api/import/commit", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res sheets.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "no-such-id", res.Failures[0].CandidateID)

	require.Len(t, canonical.committed, 1)
	assert.Equal(t, "ABC123", canonical.committed[0].ID)
}

func TestImportCommitWithoutExport(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})

	body, _ := json.Marshal(map[string]any{"candidate_ids": []string{"ABC123"}})
	rec := doRequest(s, http.MethodPost, "/api/import/commit", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelledReloadKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AuthKey = "sesame"
	cfg.StatusPath = filepath.Join(dir, "status.json")
	cfg.HARPath = filepath.Join(dir, "last-export.har")

	st := store.New()
	st.Publish(store.Snapshot{
		GeneratedAt: time.Now(),
		Intervals: []feed.Interval{{
			PropertyID: "gree",
			Source:     registry.SourceBooking,
			Start:      time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC),
			End:        time.Date(2025, 7, 13, 0, 0, 0, 0, time.UTC),
		}},
	})

	s := NewServer(cfg, time.UTC, feed.NewFetcher(0, time.Millisecond), st, &fakeCanonical{}, statusstore.New(cfg.StatusPath), 2025)

	// A reload whose request dies mid-cycle fails every endpoint; the
	// previous complete snapshot must survive it untouched.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/reload", nil).WithContext(ctx)
	req.Header.Set("X-Auth-Key", "sesame")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	snap := st.Current()
	require.Len(t, snap.Intervals, 1)
	assert.Equal(t, "gree", snap.Intervals[0].PropertyID)
	assert.Empty(t, snap.Unavailable)
}

func TestStatusRoundtrip(t *testing.T) {
	s := newTestServer(t, &fakeCanonical{})

	body, _ := json.Marshal(map[string]any{"done": true, "user": "claire"})
	rec := doRequest(s, http.MethodPut, "/api/status/ABC123", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/status/ABC123", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st statusstore.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Done)
	assert.Equal(t, "claire", st.User)
}
