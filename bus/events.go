package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/specpatch/spec"
)

// RegulationEvent announces a new or amended regulation.
type RegulationEvent struct {
	Regulation  spec.Regulation `json:"regulation"`
	Source      string          `json:"source,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// Validate checks the event before it enters the pipeline.
func (e RegulationEvent) Validate() error {
	return e.Regulation.Validate()
}

// PatchJob asks the orchestrator to evaluate one spec against one regulation.
type PatchJob struct {
	JobID          string          `json:"job_id"`
	SpecVersionID  string          `json:"spec_version_id"`
	LineageID      string          `json:"lineage_id"`
	WorkspaceID    string          `json:"workspace_id"`
	Score          float64         `json:"score"`
	Regulation     spec.Regulation `json:"regulation"`
	RegulationHash string          `json:"regulation_hash"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Validate checks required fields.
func (j PatchJob) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.SpecVersionID == "" {
		return fmt.Errorf("spec version id is required")
	}
	return j.Regulation.Validate()
}

// SpecUpdatedEvent announces a new active spec version.
type SpecUpdatedEvent struct {
	WorkspaceID       string            `json:"workspace_id"`
	LineageID         string            `json:"lineage_id"`
	PreviousVersionID string            `json:"previous_version_id"`
	NewVersionID      string            `json:"new_version_id"`
	VersionNumber     int               `json:"version_number"`
	VersionLabel      string            `json:"version_label"`
	RegulationRef     string            `json:"regulation_ref"`
	AffectedModules   []spec.ModuleKey  `json:"affected_modules"`
	Diffs             []spec.ClauseDiff `json:"diffs"`
	DiffCount         int               `json:"diff_count"`
	PRRequested       bool              `json:"pr_requested"`
	Warnings          []string          `json:"warnings,omitempty"`
}

// PRRequestedEvent asks the source-control collaborator to open a pull
// request with the version's diffs.
type PRRequestedEvent struct {
	ImpactLogID       string            `json:"impact_log_id"`
	WorkspaceID       string            `json:"workspace_id"`
	LineageID         string            `json:"lineage_id"`
	PreviousVersionID string            `json:"previous_version_id"`
	NewVersionID      string            `json:"new_version_id"`
	VersionLabel      string            `json:"version_label"`
	Title             string            `json:"title"`
	RegulationRef     string            `json:"regulation_ref"`
	AffectedModules   []spec.ModuleKey  `json:"affected_modules"`
	Diffs             []spec.ClauseDiff `json:"diffs"`
}

// DeadLetter records a job that exhausted its attempts or failed permanently.
type DeadLetter struct {
	JobID    string          `json:"job_id"`
	Subject  string          `json:"subject"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

var jobNamespace = uuid.MustParse("6f3c9f0e-4d0b-4b8e-9a51-2f3e6c1d7a42")

// PatchJobID derives a stable job id so a redelivered regulation event maps
// to the same job and is deduplicated on publish.
func PatchJobID(regulationRef, regulationHash, specVersionID string) string {
	return uuid.NewSHA1(jobNamespace, []byte(regulationRef+"\x00"+regulationHash+"\x00"+specVersionID)).String()
}

// PRJobID derives a stable id for the pull request job of a new version.
func PRJobID(newVersionID string) string {
	return uuid.NewSHA1(jobNamespace, []byte("pr\x00"+newVersionID)).String()
}

// RegulationEventID derives a stable id for a regulation text so republishing
// an unchanged regulation is deduplicated.
func RegulationEventID(regulationRef, regulationHash string) string {
	return uuid.NewSHA1(jobNamespace, []byte("regulation\x00"+regulationRef+"\x00"+regulationHash)).String()
}
