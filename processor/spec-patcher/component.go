// Package specpatcher runs patch jobs through the orchestrator.
package specpatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/orchestrator"
)

// Runner executes one patch job.
type Runner interface {
	Run(ctx context.Context, job bus.PatchJob, opts ...orchestrator.RunOption) (*orchestrator.Outcome, error)
}

// Component handles patch jobs.
type Component struct {
	runner Runner
	logger *slog.Logger
}

// New creates the component.
func New(runner Runner, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{runner: runner, logger: logger.With("component", "spec-patcher")}
}

// Handle implements jobs.Handler. A run that applied only part of its diffs
// completes with warnings.
func (c *Component) Handle(ctx context.Context, job jobs.Job) (jobs.Result, error) {
	env, err := bus.PatchJobs.Decode(job.Data)
	if err != nil {
		return jobs.Result{}, jobs.Permanent(err)
	}
	patch := env.Payload
	if patch.JobID == "" {
		patch.JobID = job.ID
	}

	var opts []orchestrator.RunOption
	if job.LastAttempt() {
		opts = append(opts, orchestrator.FinalAttempt())
	}
	out, err := c.runner.Run(ctx, patch, opts...)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("patch %s: %w", patch.SpecVersionID, err)
	}

	detail := map[string]string{
		"status":     string(out.Status),
		"state":      string(out.State),
		"diffs":      strconv.Itoa(len(out.Diffs)),
		"regulation": patch.Regulation.Ref(),
		"resumed":    strconv.FormatBool(out.Resumed),
	}
	if out.NewVersion != nil {
		detail["new_version_id"] = out.NewVersion.ID
		detail["version_label"] = out.NewVersion.VersionLabel
	}

	c.logger.Info("Patch job finished",
		"job_id", patch.JobID,
		"status", out.Status,
		"diffs", len(out.Diffs),
		"warnings", len(out.Warnings),
		"resumed", out.Resumed)

	return jobs.Result{Warnings: out.Warnings, Detail: detail}, nil
}
