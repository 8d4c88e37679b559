package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/run"
	"github.com/livinlefevreloca/vitalsync/internal/snapshot"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// PointResponse is one day of a metric series
type PointResponse struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// MetricResponse is one dashboard metric. Value is null until data exists.
type MetricResponse struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Unit        string          `json:"unit"`
	DisplayUnit string          `json:"display_unit"`
	Aggregation string          `json:"aggregation"`
	Value       *float64        `json:"value"`
	ObservedAt  string          `json:"observed_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
	Series      []PointResponse `json:"series"`
}

// SleepResponse summarizes last night's sleep
type SleepResponse struct {
	Hours float64 `json:"hours"`
	Score int     `json:"score"`
}

// MetricsResponse is the dashboard
type MetricsResponse struct {
	Authorized  bool             `json:"authorized"`
	RefreshedAt string           `json:"refreshed_at,omitempty"`
	Sleep       *SleepResponse   `json:"sleep,omitempty"`
	Metrics     []MetricResponse `json:"metrics"`
}

// ResultResponse is one metric's outcome within a run
type ResultResponse struct {
	MetricID string `json:"metric_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// RunResponse describes a sync run
type RunResponse struct {
	RunID      string           `json:"run_id"`
	State      string           `json:"state"`
	CreatedAt  string           `json:"created_at"`
	StartedAt  string           `json:"started_at,omitempty"`
	FinishedAt string           `json:"finished_at,omitempty"`
	Deadline   string           `json:"deadline,omitempty"`
	Pending    []string         `json:"pending,omitempty"`
	Results    []ResultResponse `json:"results"`
}

// StatusResponse is the scheduler and outbox state
type StatusResponse struct {
	State          string       `json:"state"`
	Disabled       bool         `json:"disabled"`
	DisabledReason string       `json:"disabled_reason,omitempty"`
	Current        *RunResponse `json:"current,omitempty"`
	LastRun        *RunResponse `json:"last_run,omitempty"`
	Admitted       int64        `json:"admitted"`
	Coalesced      int64        `json:"coalesced"`
	Completed      int64        `json:"completed"`
	Expired        int64        `json:"expired"`
	Failed         int64        `json:"failed"`
	OutboxPending  int          `json:"outbox_pending"`
	OutboxFailed   int          `json:"outbox_failed"`
}

// ListRunsResponse is the run archive
type ListRunsResponse struct {
	Runs  []RunResponse `json:"runs"`
	Total int           `json:"total"`
}

// Routes holds the handlers' dependencies
type Routes struct {
	snap   SnapshotReader
	status StatusReader
	runs   RunStore
	logger *slog.Logger
}

// Router creates the /api/v1 routes
func Router(snap SnapshotReader, status StatusReader, runs RunStore, logger *slog.Logger) http.Handler {
	routes := &Routes{snap: snap, status: status, runs: runs, logger: logger}

	r := chi.NewRouter()
	r.Route("/metrics", func(r chi.Router) {
		r.Get("/", routes.listMetrics)
		r.Get("/{id}", routes.getMetric)
	})
	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", routes.syncStatus)
		r.Get("/runs", routes.listRuns)
	})
	return r
}

// listMetrics handles GET /api/v1/metrics
func (rr *Routes) listMetrics(w http.ResponseWriter, _ *http.Request) {
	snap := rr.snap.Snapshot()

	resp := MetricsResponse{
		Authorized:  snap.Authorized,
		RefreshedAt: formatTime(snap.RefreshedAt),
		Metrics:     make([]MetricResponse, 0, len(snap.Metrics)),
	}
	if snap.SleepKnown {
		resp.Sleep = &SleepResponse{Hours: snap.SleepHours, Score: snap.SleepScore}
	}
	for _, view := range snap.Metrics {
		resp.Metrics = append(resp.Metrics, newMetricResponse(view))
	}
	rr.writeJSONResponse(w, resp)
}

// getMetric handles GET /api/v1/metrics/{id}
func (rr *Routes) getMetric(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := rr.snap.Metric(id)
	if !ok {
		rr.writeErrorResponse(w, "unknown metric: "+id, http.StatusNotFound)
		return
	}
	rr.writeJSONResponse(w, newMetricResponse(view))
}

// syncStatus handles GET /api/v1/sync/status
func (rr *Routes) syncStatus(w http.ResponseWriter, _ *http.Request) {
	st := rr.status.Status()

	resp := StatusResponse{
		State:          st.State,
		Disabled:       st.Disabled,
		DisabledReason: st.DisabledReason,
		Admitted:       st.Admitted,
		Coalesced:      st.Coalesced,
		Completed:      st.Completed,
		Expired:        st.Expired,
		Failed:         st.Failed,
	}
	if st.Current != nil {
		cur := newRunResponseFromSnapshot(*st.Current)
		resp.Current = &cur
	}
	if st.LastRun != nil {
		last := newRunResponseFromSnapshot(*st.LastRun)
		resp.LastRun = &last
	}

	var err error
	if resp.OutboxPending, err = rr.runs.CountOutbox(db.OutboxPending); err != nil {
		rr.logger.Warn("failed to count outbox", "error", err)
	}
	if resp.OutboxFailed, err = rr.runs.CountOutbox(db.OutboxFailed); err != nil {
		rr.logger.Warn("failed to count outbox", "error", err)
	}

	rr.writeJSONResponse(w, resp)
}

// listRuns handles GET /api/v1/sync/runs?limit=N
func (rr *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			rr.writeErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := rr.runs.ListSyncRuns(limit)
	if err != nil {
		rr.logger.Error("failed to list runs", "error", err)
		rr.writeErrorResponse(w, "failed to list runs", http.StatusInternalServerError)
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, 0, len(runs)), Total: len(runs)}
	for _, rec := range runs {
		resp.Runs = append(resp.Runs, newRunResponseFromRecord(rec))
	}
	rr.writeJSONResponse(w, resp)
}

func newMetricResponse(view snapshot.MetricView) MetricResponse {
	resp := MetricResponse{
		ID:          view.Descriptor.ID,
		Title:       view.Descriptor.Title,
		Unit:        view.Descriptor.Unit,
		DisplayUnit: view.Descriptor.DisplayUnit,
		Aggregation: view.Descriptor.Aggregation.String(),
		ObservedAt:  formatTime(view.ObservedAt),
		UpdatedAt:   formatTime(view.UpdatedAt),
		Series:      make([]PointResponse, 0, len(view.Series)),
	}
	if view.Available {
		v := view.Value
		resp.Value = &v
	}
	for _, p := range view.Series {
		resp.Series = append(resp.Series, PointResponse{Date: p.Timestamp.Format(time.DateOnly), Value: p.Value})
	}
	return resp
}

func newRunResponseFromSnapshot(snap run.Snapshot) RunResponse {
	resp := RunResponse{
		RunID:      snap.ID.String(),
		State:      snap.State.String(),
		CreatedAt:  formatTime(snap.CreatedAt),
		StartedAt:  formatTime(snap.StartedAt),
		FinishedAt: formatTime(snap.FinishedAt),
		Deadline:   formatTime(snap.Deadline),
		Pending:    snap.Pending,
		Results:    make([]ResultResponse, 0, len(snap.Results)),
	}
	for _, id := range snap.MetricIDs {
		res, ok := snap.Results[id]
		if !ok {
			continue
		}
		resp.Results = append(resp.Results, ResultResponse{MetricID: id, Status: res.Status.String(), Reason: res.Reason})
	}
	return resp
}

func newRunResponseFromRecord(rec db.SyncRun) RunResponse {
	resp := RunResponse{
		RunID:      rec.RunID,
		State:      rec.State,
		CreatedAt:  formatTime(rec.CreatedAt),
		StartedAt:  formatTimePtr(rec.StartedAt),
		FinishedAt: formatTimePtr(rec.FinishedAt),
		Deadline:   formatTimePtr(rec.Deadline),
		Results:    make([]ResultResponse, 0, len(rec.Results)),
	}
	for _, res := range rec.Results {
		resp.Results = append(resp.Results, ResultResponse{MetricID: res.MetricID, Status: res.Status, Reason: res.Reason})
	}
	sort.Slice(resp.Results, func(i, j int) bool { return resp.Results[i].MetricID < resp.Results[j].MetricID })
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// writeJSONResponse writes a JSON response with the given data
func (rr *Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		rr.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (rr *Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		rr.logger.Error("failed to encode error response", "error", err)
	}
}
