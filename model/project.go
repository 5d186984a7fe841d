// Package model defines the core data model of the workflow engine: Project,
// DocumentVersion, ContentBlock, QCReport, WorkflowTask and Feedback, exactly
// as named in the data model section of the specification this engine
// implements. Projects own versions own blocks; tasks are owned by the
// project logically and by the dispatcher operationally.
package model

import "time"

// Mode is the project-level control policy. Supervised gates transitions on
// user input; autonomous gates them on QC score thresholds.
type Mode string

const (
	ModeSupervised Mode = "supervised"
	ModeAutonomous Mode = "autonomous"
)

// ProjectStatus is the lifecycle status of a Project. ProjectStatusNeedsManualReview
// is not named in the data model's enum but is required by the Workflow
// Driver's step 8 (a project reaches it when at least one block ends in a
// terminal failure state while the rest of the version is otherwise settled).
type ProjectStatus string

const (
	ProjectStatusDraft              ProjectStatus = "draft"
	ProjectStatusInProgress         ProjectStatus = "in_progress"
	ProjectStatusExportPending      ProjectStatus = "export_pending"
	ProjectStatusExportFailed       ProjectStatus = "export_failed"
	ProjectStatusCompleted          ProjectStatus = "completed"
	ProjectStatusCompletedExported  ProjectStatus = "completed_exported"
	ProjectStatusCancelled          ProjectStatus = "cancelled"
	ProjectStatusNeedsManualReview  ProjectStatus = "needs_manual_review"
)

// IsTerminal reports whether the status admits no further Driver-initiated
// transition. completed_exported and cancelled are the project's terminal
// states; needs_manual_review is not terminal — the project can still be
// nudged back to progress by an administrative signal.
func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusCompletedExported || s == ProjectStatusCancelled
}

// Project is the top-level aggregate a user submits and the engine drives
// from empty outline to exported document.
type Project struct {
	ID          string
	OwnerID     string
	Title       string
	Subject     string
	Level       string
	Style       string
	Mode        Mode
	Status      ProjectStatus
	CurrentStep string
	Version     int64 // optimistic-concurrency row version, see store.Repository
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
