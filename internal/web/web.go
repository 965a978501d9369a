package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"rentcal/internal/config"
	"rentcal/internal/feed"
	"rentcal/internal/harlog"
	appLog "rentcal/internal/log"
	"rentcal/internal/reconcile"
	"rentcal/internal/registry"
	"rentcal/internal/sheets"
	"rentcal/internal/statusstore"
	"rentcal/internal/store"
	"rentcal/internal/turnover"
)

// maxHARBytes caps uploaded bulk exports. Real dashboard captures run
// tens of megabytes.
const maxHARBytes = 64 << 20

// Canonical is the external spreadsheet collaborator as the API needs
// it: classification lookups plus the human-confirmed write.
type Canonical interface {
	reconcile.CanonicalStore
	InsertOrUpdate(ctx context.Context, candidates []reconcile.Fused, priceOverride *float64, commentOverride string) sheets.CommitResult
}

// Server provides the HTTP API: live arrivals, feed reload, bulk import
// preview/commit, and the per-reservation status store.
type Server struct {
	cfg       *config.Config
	mux       *http.ServeMux
	loc       *time.Location
	fetcher   *feed.Fetcher
	store     *store.Store
	canonical Canonical
	status    *statusstore.Store
	year      int

	// reloadMu enforces the single-writer fetch cycle; TryLock lets a
	// concurrent reload fail fast instead of queueing.
	reloadMu sync.Mutex
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, loc *time.Location, fetcher *feed.Fetcher, st *store.Store, canonical Canonical, status *statusstore.Store, year int) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		loc:       loc,
		fetcher:   fetcher,
		store:     st,
		canonical: canonical,
		status:    status,
		year:      year,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.cfg.AuthKey != "" {
		return s.authMiddleware(h)
	}
	appLog.Warn("auth key is empty; API is unauthenticated")
	return h
}

// authMiddleware gates all handlers except /health behind the shared
// secret, accepted as the X-Auth-Key header or a ?key= parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-Auth-Key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if !secureCompare(key, s.cfg.AuthKey) {
			writeError(w, http.StatusUnauthorized, "invalid or missing auth key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/arrivals", s.handleArrivals)
	s.mux.HandleFunc("POST /api/reload", s.handleReload)
	s.mux.HandleFunc("POST /api/import/preview", s.handleImportPreview)
	s.mux.HandleFunc("POST /api/import/commit", s.handleImportCommit)
	s.mux.HandleFunc("GET /api/status/{id}", s.handleStatusGet)
	s.mux.HandleFunc("PUT /api/status/{id}", s.handleStatusPut)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// arrivalsResponse is the JSON response shape for /api/arrivals.
type arrivalsResponse struct {
	GeneratedAt           time.Time           `json:"generated_at"`
	Reservations          []feed.Interval     `json:"reservations"`
	DayEvents             []turnover.DayEvent `json:"day_events"`
	UnavailableProperties []string            `json:"unavailable_properties"`
}

// handleArrivals serves the current snapshot. Best-effort by design:
// feeds that were down at the last cycle show up in
// unavailable_properties instead of failing the request.
func (s *Server) handleArrivals(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Current()

	resp := arrivalsResponse{
		GeneratedAt:           snap.GeneratedAt,
		Reservations:          snap.Intervals,
		DayEvents:             turnover.Merge(snap.Intervals, s.loc),
		UnavailableProperties: snap.Unavailable,
	}
	if resp.Reservations == nil {
		resp.Reservations = []feed.Interval{}
	}
	if resp.UnavailableProperties == nil {
		resp.UnavailableProperties = []string{}
	}
	if resp.DayEvents == nil {
		resp.DayEvents = []turnover.DayEvent{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleReload triggers a full fetch cycle. 409 while one is running.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.reloadMu.TryLock() {
		writeError(w, http.StatusConflict, "a fetch cycle is already running")
		return
	}
	defer s.reloadMu.Unlock()

	snap := s.runCycle(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at":           snap.GeneratedAt,
		"reservations":           len(snap.Intervals),
		"unavailable_properties": snap.Unavailable,
	})
}

// RunFetchCycle is the entry point for the background cron refresh. It
// shares the single-writer lock with /api/reload.
func (s *Server) RunFetchCycle(ctx context.Context) {
	if !s.reloadMu.TryLock() {
		appLog.Info("skipping scheduled refresh; a cycle is already running")
		return
	}
	defer s.reloadMu.Unlock()
	s.runCycle(ctx)
}

// runCycle fetches every feed, normalizes, and publishes the result as
// one atomic snapshot. The previous snapshot stays visible to readers
// until the full cycle has completed. A cancelled cycle publishes
// nothing: every endpoint fails under a dead context, and that must not
// be mistaken for the feeds being down.
func (s *Server) runCycle(ctx context.Context) store.Snapshot {
	now := time.Now()

	batch := s.fetcher.FetchAll(ctx, registry.Properties(), feed.DefaultExpandRange(now))
	if err := ctx.Err(); err != nil {
		appLog.Warn("fetch cycle cancelled; keeping previous snapshot", "err", err.Error())
		return s.store.Current()
	}
	normalized := feed.Normalize(batch.Intervals, now, s.loc)

	snap := store.Snapshot{
		GeneratedAt: now,
		Intervals:   normalized,
		Unavailable: batch.Unavailable,
	}
	s.store.Publish(snap)

	appLog.Info("fetch cycle complete",
		"reservations", len(normalized),
		"unavailable", len(batch.Unavailable),
	)
	return snap
}

// previewResponse is the JSON response shape for /api/import/preview.
type previewResponse struct {
	Candidates       []reconcile.Fused                `json:"candidates"`
	CountsByClass    map[reconcile.Classification]int `json:"counts_by_classification"`
	CountsByProperty map[string]int                   `json:"counts_by_property"`
}

// handleImportPreview runs extraction + fusion + classification with no
// side effects. ?source=last reuses the last uploaded/captured export;
// otherwise the request body is the export and is kept for later reuse.
//
// 분류 결과가 틀린 것보다는 아예 없는 편이 낫다: decode 실패나
// canonical store 장애 시 부분 결과 없이 전체를 실패시킨다.
func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	doc, uploaded, err := s.bulkDocument(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	candidates, err := s.reconcileDocument(r.Context(), doc)
	if err != nil {
		var unavailable *reconcile.StoreUnavailableError
		switch {
		case errors.As(err, &unavailable):
			appLog.Error("preview aborted: canonical store unavailable", err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}

	// Keep only exports that actually reconciled, so ?source=last and
	// the commit path never resolve against a broken document.
	if uploaded {
		if err := os.WriteFile(s.cfg.HARPath, doc, 0o600); err != nil {
			// Reuse is a convenience; the preview itself can continue.
			appLog.Error("failed to persist bulk export", err, "path", s.cfg.HARPath)
		}
	}

	writeJSON(w, http.StatusOK, previewResponse{
		Candidates:       candidates,
		CountsByClass:    reconcile.CountByClassification(candidates),
		CountsByProperty: reconcile.CountByProperty(candidates),
	})
}

// commitRequest selects previewed candidates for import.
type commitRequest struct {
	CandidateIDs    []string `json:"candidate_ids"`
	PriceOverride   *float64 `json:"price_override,omitempty"`
	CommentOverride string   `json:"comment_override,omitempty"`
}

// handleImportCommit writes the selected candidates through the
// canonical store. Candidates are resolved from the last export, so a
// preview must have run (or the export uploaded) beforehand.
func (s *Server) handleImportCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid commit request body")
		return
	}
	if len(req.CandidateIDs) == 0 {
		writeError(w, http.StatusBadRequest, "candidate_ids is empty")
		return
	}

	doc, err := os.ReadFile(s.cfg.HARPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no bulk export available; run a preview first")
		return
	}

	candidates, err := s.reconcileDocument(r.Context(), doc)
	if err != nil {
		var unavailable *reconcile.StoreUnavailableError
		if errors.As(err, &unavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	selected := make([]reconcile.Fused, 0, len(req.CandidateIDs))
	byID := make(map[string]reconcile.Fused, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	var result sheets.CommitResult
	for _, id := range req.CandidateIDs {
		c, ok := byID[id]
		if !ok {
			result.Failures = append(result.Failures, sheets.CommitFailure{CandidateID: id, Reason: "unknown candidate id"})
			continue
		}
		if c.Classification == reconcile.ClassInvalid || c.Classification == reconcile.ClassUnknownProperty {
			result.Failures = append(result.Failures, sheets.CommitFailure{CandidateID: id, Reason: "candidate is not importable: " + string(c.Classification)})
			continue
		}
		selected = append(selected, c)
	}

	res := s.canonical.InsertOrUpdate(r.Context(), selected, req.PriceOverride, req.CommentOverride)
	result.Inserted = res.Inserted
	result.Updated = res.Updated
	result.SkippedDuplicates = res.SkippedDuplicates
	result.Failures = append(result.Failures, res.Failures...)

	writeJSON(w, http.StatusOK, result)
}

// reconcileDocument is the shared preview/commit pipeline: extract,
// fuse (both passes complete first), then classify.
func (s *Server) reconcileDocument(ctx context.Context, doc []byte) ([]reconcile.Fused, error) {
	return ReconcileDocument(ctx, doc, s.canonical, s.year)
}

// ReconcileDocument runs the full bulk-export reconciliation against
// the given canonical store. Exposed for the one-shot CLI path.
func ReconcileDocument(ctx context.Context, doc []byte, canonical reconcile.CanonicalStore, year int) ([]reconcile.Fused, error) {
	extract, err := harlog.Parse(doc)
	if err != nil {
		return nil, err
	}

	candidates := reconcile.FusePlatform(extract)
	candidates = append(candidates, reconcile.FuseNotes(extract)...)

	engine := reconcile.NewEngine(canonical, year)
	return engine.Classify(ctx, candidates)
}

// bulkDocument resolves the export for a preview request: either the
// uploaded body or the last stored one. uploaded reports which, so the
// caller can persist a fresh body once it has reconciled.
func (s *Server) bulkDocument(r *http.Request) (doc []byte, uploaded bool, err error) {
	if r.URL.Query().Get("source") == "last" {
		doc, err = os.ReadFile(s.cfg.HARPath)
		if err != nil {
			return nil, false, errors.New("no previously uploaded bulk export")
		}
		return doc, false, nil
	}

	doc, err = io.ReadAll(io.LimitReader(r.Body, maxHARBytes))
	if err != nil || len(doc) == 0 {
		return nil, false, errors.New("empty bulk export body")
	}
	return doc, true, nil
}

func (s *Server) handleStatusGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Get(r.PathValue("id"))
	if err != nil {
		appLog.Error("status read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatusPut(w http.ResponseWriter, r *http.Request) {
	var st statusstore.Status
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status body")
		return
	}
	if err := s.status.Set(r.PathValue("id"), st); err != nil {
		appLog.Error("status write failed", err)
		writeError(w, http.StatusInternalServerError, "failed to write status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
