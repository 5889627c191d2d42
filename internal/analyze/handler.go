package analyze

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/pkg/config"
	apperrors "github.com/indexwatch/indexwatch/pkg/errors"
	"github.com/indexwatch/indexwatch/pkg/logger"
)

// Handler exposes the analysis API over HTTP.
type Handler struct {
	analyzer *Analyzer
	cache    *SummaryCache
	cfg      config.AnalyzerConfig
	raceCfg  config.RaceConfig
	ttl      time.Duration
	logger   *slog.Logger
}

// NewHandler creates the analysis handler. cache may be nil when Redis is
// unavailable; summaries are then computed on every request.
func NewHandler(analyzer *Analyzer, cache *SummaryCache, cfg config.AnalyzerConfig, raceCfg config.RaceConfig, retentionTTL time.Duration) *Handler {
	return &Handler{
		analyzer: analyzer,
		cache:    cache,
		cfg:      cfg,
		raceCfg:  raceCfg,
		ttl:      retentionTTL,
		logger:   slog.Default().With("component", "analyze-handler"),
	}
}

// ListSessions returns known session ids, most recent first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	ids, err := h.analyzer.SessionIDs(r.Context(), limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

// Summary returns the aggregate view of one session.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	compute := func() (*SessionSummary, error) {
		return h.analyzer.Summarize(ctx, sessionID)
	}

	var summary *SessionSummary
	var err error
	if h.cache != nil {
		summary, err = h.cache.GetOrCompute(ctx, sessionID, compute)
	} else {
		summary, err = compute()
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

type missingRequest struct {
	Expected []int64 `json:"expected"`
}

// Missing reports which of the expected item ids a session never saw or
// never finished.
func (h *Handler) Missing(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	var req missingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Expected) == 0 {
		h.writeError(w, http.StatusBadRequest, "expected item id list is required")
		return
	}

	report, err := h.analyzer.FindMissing(r.Context(), sessionID, req.Expected)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Timeline returns one item's events within a session, in order.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	itemID, err := strconv.ParseInt(r.PathValue("item"), 10, 64)
	if sessionID == "" || err != nil {
		h.writeError(w, http.StatusBadRequest, "missing session id or invalid item id")
		return
	}

	timeline, err := h.analyzer.ItemTimeline(r.Context(), sessionID, itemID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	events := make([]event.Event, 0, 8)
	for e := range timeline {
		events = append(events, e)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"item_id":    itemID,
		"events":     events,
	})
}

// Compare diffs two sessions by item set and per-stage event counts.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	sessionA := r.URL.Query().Get("a")
	sessionB := r.URL.Query().Get("b")
	if sessionA == "" || sessionB == "" {
		h.writeError(w, http.StatusBadRequest, "both a and b session ids are required")
		return
	}

	report, err := h.analyzer.Compare(r.Context(), sessionA, sessionB)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Races lists recorded cross-session race correlations. The default
// lookback is the analyzer's listing window, not the detector's concurrency
// window: correlations detected over a 10s overlap would otherwise vanish
// from the listing 10s later.
func (h *Handler) Races(w http.ResponseWriter, r *http.Request) {
	minConcurrent := queryInt(r, "min_concurrent", h.raceCfg.MinConcurrent)
	limit := queryInt(r, "limit", h.cfg.DefaultRaceLimit)

	window := h.cfg.RaceLookback
	if window <= 0 {
		window = 24 * time.Hour
	}
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = parsed
	}

	races, err := h.analyzer.Races(r.Context(), minConcurrent, window, limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"races": races})
}

// Export streams a session's per-item outcomes as CSV.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "session-"+sessionID+".csv"))

	if err := h.analyzer.ExportCSV(r.Context(), sessionID, w); err != nil {
		// Headers may already be written; log and give up on the body.
		logger.FromContext(r.Context()).Error("csv export failed",
			"session_id", sessionID, "error", err)
	}
}

type purgeRequest struct {
	OlderThan string `json:"older_than"`
}

// Purge deletes events and correlations past retention on demand, outside
// the periodic sweep.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	olderThan := h.ttl
	if r.Body != nil && r.ContentLength != 0 {
		var req purgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.OlderThan != "" {
			parsed, err := time.ParseDuration(req.OlderThan)
			if err != nil || parsed <= 0 {
				h.writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
				return
			}
			olderThan = parsed
		}
	}

	events, correlations, err := h.analyzer.Purge(r.Context(), olderThan)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(r.Context())
	}

	logger.FromContext(r.Context()).Info("manual purge completed",
		"older_than", olderThan.String(),
		"events_purged", events,
		"correlations_purged", correlations)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"events_purged":       events,
		"correlations_purged": correlations,
	})
}

// Health reports liveness for load balancers that only probe one path.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "error", err)
		h.writeError(w, status, "internal error")
		return
	}
	h.writeError(w, status, err.Error())
}
