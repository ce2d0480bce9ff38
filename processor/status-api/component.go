// Package statusapi serves read-only HTTP endpoints over job records, the
// version chain, the clause-diff audit trail and the regulation impact log.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/specpatch/clause"
	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

// JobStatusReader reads job records.
type JobStatusReader interface {
	Get(ctx context.Context, id string) (*jobs.Record, error)
}

// VersionReader is the read slice of the version store.
type VersionReader interface {
	GetVersion(ctx context.Context, id string) (*spec.SpecVersion, error)
	ListLineage(ctx context.Context, lineageID string) ([]*spec.SpecVersion, error)
	ListDiffs(ctx context.Context, toVersionID string) ([]spec.ClauseDiff, error)
	ListImpactLog(ctx context.Context, regulationRef string) ([]*spec.ImpactLogEntry, error)
}

var _ VersionReader = (storage.VersionStore)(nil)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Component serves the status API.
type Component struct {
	jobs     JobStatusReader
	versions VersionReader
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	logger   *slog.Logger
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Component) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithGatherer exposes metrics from g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(c *Component) { c.gatherer = g }
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(c *Component) { c.checks[name] = check }
}

// New creates the component.
func New(jobStatus JobStatusReader, versions VersionReader, opts ...Option) *Component {
	c := &Component{
		jobs:     jobStatus,
		versions: versions,
		checks:   make(map[string]HealthCheck),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "status-api")
	return c
}

// RegisterHTTPHandlers registers the API routes on mux.
func (c *Component) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/jobs/{id}", c.handleGetJob)
	mux.HandleFunc("GET /api/specs/{lineage}/versions", c.handleListVersions)
	mux.HandleFunc("GET /api/versions/{id}", c.handleGetVersion)
	mux.HandleFunc("GET /api/versions/{id}/diffs", c.handleListDiffs)
	mux.HandleFunc("GET /api/regulations/impact", c.handleImpactLog)
	mux.HandleFunc("GET /healthz", c.handleHealth)
	if c.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
	}
}

// JobStatusResponse is the per-job outcome record exposed to pollers.
type JobStatusResponse struct {
	JobID        string            `json:"jobId"`
	Status       jobs.Status       `json:"status"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Attempts     int               `json:"attempts"`
	Warnings     []string          `json:"warnings,omitempty"`
	Result       map[string]string `json:"result,omitempty"`
}

func (c *Component) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := c.jobs.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.logger.Error("Failed to load job", "job_id", id, "error", err)
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	resp := JobStatusResponse{
		JobID:    rec.ID,
		Status:   rec.Status,
		Attempts: rec.Attempts,
		Warnings: rec.Warnings,
		Result:   rec.Result,
	}
	// A queued job carrying an error is waiting for a retry; only a failed job
	// reports it as its outcome.
	if rec.Status == jobs.StatusFailed {
		resp.ErrorMessage = rec.LastError
	}
	c.writeJSON(w, http.StatusOK, resp)
}

// LineageResponse lists a lineage and whether its chain verifies.
type LineageResponse struct {
	LineageID  string              `json:"lineageId"`
	Versions   []*spec.SpecVersion `json:"versions"`
	ChainValid bool                `json:"chainValid"`
	ChainError string              `json:"chainError,omitempty"`
}

func (c *Component) handleListVersions(w http.ResponseWriter, r *http.Request) {
	lineage := r.PathValue("lineage")
	versions, err := c.versions.ListLineage(r.Context(), lineage)
	if err != nil {
		c.storeError(w, "lineage", lineage, err)
		return
	}
	if len(versions) == 0 {
		http.Error(w, "Lineage not found", http.StatusNotFound)
		return
	}

	resp := LineageResponse{LineageID: lineage, Versions: versions, ChainValid: true}
	if err := spec.VerifyChain(versions); err != nil {
		resp.ChainValid = false
		resp.ChainError = err.Error()
	}
	c.writeJSON(w, http.StatusOK, resp)
}

func (c *Component) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, err := c.versions.GetVersion(r.Context(), id)
	if err != nil {
		c.storeError(w, "version", id, err)
		return
	}
	c.writeJSON(w, http.StatusOK, v)
}

// DiffResponse is one audited diff with its rendered patch.
type DiffResponse struct {
	spec.ClauseDiff
	Patch string `json:"patch"`
}

func (c *Component) handleListDiffs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := c.versions.GetVersion(r.Context(), id); err != nil {
		c.storeError(w, "version", id, err)
		return
	}
	diffs, err := c.versions.ListDiffs(r.Context(), id)
	if err != nil {
		c.storeError(w, "diffs", id, err)
		return
	}

	out := make([]DiffResponse, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, DiffResponse{ClauseDiff: d, Patch: clause.RenderPatch(d)})
	}
	c.writeJSON(w, http.StatusOK, out)
}

func (c *Component) handleImpactLog(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		http.Error(w, "Query parameter ref is required", http.StatusBadRequest)
		return
	}
	entries, err := c.versions.ListImpactLog(r.Context(), ref)
	if err != nil {
		c.storeError(w, "impact log", ref, err)
		return
	}
	if entries == nil {
		entries = []*spec.ImpactLogEntry{}
	}
	c.writeJSON(w, http.StatusOK, entries)
}

// HealthResponse reports dependency health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (c *Component) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(c.checks))}
	code := http.StatusOK
	for name, check := range c.checks {
		if err := check(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.writeJSON(w, code, resp)
}

func (c *Component) storeError(w http.ResponseWriter, what, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	c.logger.Error("Store read failed", "what", what, "id", id, "error", err)
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func (c *Component) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Warn("Failed to write response", "error", err)
	}
}
