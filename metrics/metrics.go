// Package metrics provides Prometheus metrics for the patch pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/specpatch/spec"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Model calls
	ModelCallsTotal   *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec

	// LLM-backed stages
	StageDuration *prometheus.HistogramVec

	// Impact filtering
	ImpactRunsTotal          prometheus.Counter
	ImpactCandidatesTotal    prometheus.Counter
	ImpactRetainedTotal      prometheus.Counter
	ImpactExcludedTotal      prometheus.Counter
	RegulationsReceivedTotal prometheus.Counter
	PatchJobsEnqueuedTotal   prometheus.Counter

	// Patching
	PatchOutcomesTotal *prometheus.CounterVec
	VersionsCreated    prometheus.Counter
	DiffsAppliedTotal  prometheus.Counter
	CommitConflicts    prometheus.Counter

	// Jobs
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.ModelCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specpatch_model_calls_total",
			Help: "Total number of model calls",
		},
		[]string{"kind", "capability", "model", "status"},
	)
	m.ModelCallDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "specpatch_model_call_duration_seconds",
			Help:    "Duration of model calls including retries and fallback",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "capability"},
	)

	m.StageDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "specpatch_stage_duration_seconds",
			Help:    "Duration of classification and diff generation stages",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "status"},
	)

	m.ImpactRunsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_impact_runs_total",
		Help: "Total number of impact analyses",
	})
	m.ImpactCandidatesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_impact_candidates_total",
		Help: "Specs passing the structural filter",
	})
	m.ImpactRetainedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_impact_retained_total",
		Help: "Specs retained after semantic scoring",
	})
	m.ImpactExcludedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_impact_excluded_total",
		Help: "Specs excluded by score or scoring failure",
	})
	m.RegulationsReceivedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_regulations_received_total",
		Help: "Regulation events consumed",
	})
	m.PatchJobsEnqueuedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_patch_jobs_enqueued_total",
		Help: "Patch jobs enqueued by the impact analyzer",
	})

	m.PatchOutcomesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specpatch_patch_outcomes_total",
			Help: "Patch runs by outcome",
		},
		[]string{"status"},
	)
	m.VersionsCreated = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_versions_created_total",
		Help: "Spec versions created by regulation patches",
	})
	m.DiffsAppliedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_diffs_applied_total",
		Help: "Clause diffs committed",
	})
	m.CommitConflicts = f.NewCounter(prometheus.CounterOpts{
		Name: "specpatch_commit_conflicts_total",
		Help: "Version commits rejected because the parent was no longer active",
	})

	m.JobsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specpatch_jobs_total",
			Help: "Job deliveries by worker and outcome",
		},
		[]string{"worker", "outcome"},
	)
	m.JobDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "specpatch_job_duration_seconds",
			Help:    "Duration of job deliveries",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"worker"},
	)

	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveModelCall records one model call.
func (m *Metrics) ObserveModelCall(kind, capability, modelName string, d time.Duration, err error) {
	if modelName == "" {
		modelName = "none"
	}
	m.ModelCallsTotal.WithLabelValues(kind, capability, modelName, status(err)).Inc()
	m.ModelCallDuration.WithLabelValues(kind, capability).Observe(d.Seconds())
}

// ObserveStage records one classification or generation stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	m.StageDuration.WithLabelValues(stage, status(err)).Observe(d.Seconds())
}

// ObserveImpact records one impact analysis.
func (m *Metrics) ObserveImpact(candidates, retained, excluded int) {
	m.ImpactRunsTotal.Inc()
	m.ImpactCandidatesTotal.Add(float64(candidates))
	m.ImpactRetainedTotal.Add(float64(retained))
	m.ImpactExcludedTotal.Add(float64(excluded))
}

// ObserveRegulation records one analyzed regulation event.
func (m *Metrics) ObserveRegulation(enqueued int) {
	m.RegulationsReceivedTotal.Inc()
	m.PatchJobsEnqueuedTotal.Add(float64(enqueued))
}

// ObservePatch records a patch run outcome.
func (m *Metrics) ObservePatch(s spec.ImpactStatus, diffs int) {
	m.PatchOutcomesTotal.WithLabelValues(string(s)).Inc()
	if s == spec.ImpactPatched {
		m.VersionsCreated.Inc()
		m.DiffsAppliedTotal.Add(float64(diffs))
	}
}

// ObserveConflict records a rejected commit.
func (m *Metrics) ObserveConflict() {
	m.CommitConflicts.Inc()
}

// ObserveJob records a job delivery outcome.
func (m *Metrics) ObserveJob(worker, outcome string, d time.Duration) {
	m.JobsTotal.WithLabelValues(worker, outcome).Inc()
	m.JobDuration.WithLabelValues(worker).Observe(d.Seconds())
}
