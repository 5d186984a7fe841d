package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TaskType is the closed set of task kinds the dispatcher's five logical
// queues carry.
type TaskType string

const (
	TaskTypeGenerateBlock     TaskType = "generate_block"
	TaskTypeRunQC             TaskType = "run_qc"
	TaskTypeRefineBlock       TaskType = "refine_block"
	TaskTypeAssembleDocument  TaskType = "assemble_document"
	TaskTypeExportDocument    TaskType = "export_document"
)

// TaskStatus is the lifecycle status of a WorkflowTask row.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskParameters is the closed, tagged-variant schema for a task's opaque
// parameter bag (Design Note, SPEC_FULL.md "AMBIENT STACK" / data model):
// one concrete type per TaskType instead of an open map. TaskType returns
// the discriminator so (de)serialization code can dispatch without a
// separate "@type" field.
type TaskParameters interface {
	TaskType() TaskType
}

// GenerateBlockParams parameterizes a generate_block task.
type GenerateBlockParams struct {
	BlockID     string
	SlotID      string
	BlockType   BlockType
	Subject     string
	Level       string
	Style       string
	PriorContext []string // opaque concept/theorem identifiers
}

func (GenerateBlockParams) TaskType() TaskType { return TaskTypeGenerateBlock }

// RunQCParams parameterizes a run_qc task.
type RunQCParams struct {
	BlockID string
	Content string
	Level   string
	Style   string
}

func (RunQCParams) TaskType() TaskType { return TaskTypeRunQC }

// RefineBlockParams parameterizes a refine_block task.
type RefineBlockParams struct {
	PredecessorBlockID string
	NewBlockID         string
	Guidance           string // built from QCReport problems and/or user Feedback
	Attempt            int
}

func (RefineBlockParams) TaskType() TaskType { return TaskTypeRefineBlock }

// AssembleDocumentParams parameterizes an assemble_document task.
type AssembleDocumentParams struct {
	VersionID string
}

func (AssembleDocumentParams) TaskType() TaskType { return TaskTypeAssembleDocument }

// ExportDocumentParams parameterizes an export_document task.
type ExportDocumentParams struct {
	ArtifactRef string
	Formats     []string
}

func (ExportDocumentParams) TaskType() TaskType { return TaskTypeExportDocument }

// WorkflowTask is a unit of asynchronous work submitted to the dispatcher.
// Exactly one task exists per (block_id, attempt) for generate/refine/qc;
// duplicate submissions are collapsed by IdempotencyKey.
type WorkflowTask struct {
	TaskID         string
	ProjectID      string
	BlockID        string // empty for document-scoped tasks (assemble/export)
	TaskType       TaskType
	Parameters     TaskParameters
	Priority       int // 0..9, higher first, FIFO within a priority
	Status         TaskStatus
	Attempt        int
	IdempotencyKey string
	DeadlineUnixS  int64
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// DecodeParameters unmarshals raw JSON into the concrete TaskParameters
// variant for taskType. A plain json.Unmarshal into the TaskParameters
// interface field of WorkflowTask cannot resolve a concrete type on its
// own, so every store and queue backend that round-trips a task through
// JSON (Postgres JSONB, the Redis payload blob) must call this instead of
// decoding Parameters directly.
func DecodeParameters(taskType TaskType, raw []byte) (TaskParameters, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch taskType {
	case TaskTypeGenerateBlock:
		var p GenerateBlockParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TaskTypeRunQC:
		var p RunQCParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TaskTypeRefineBlock:
		var p RefineBlockParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TaskTypeAssembleDocument:
		var p AssembleDocumentParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TaskTypeExportDocument:
		var p ExportDocumentParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("model: unknown task type %q", taskType)
	}
}

// BlockIdempotencyKey builds the idempotency key for block-scoped tasks:
// (block_id, event, refinement_attempts), per §4.3.
func BlockIdempotencyKey(blockID string, event string, refinementAttempts int) string {
	return blockID + "|" + event + "|" + strconv.Itoa(refinementAttempts)
}

// VersionIdempotencyKey builds the idempotency key for document-scoped
// tasks: (version_id, task_type), per §4.3.
func VersionIdempotencyKey(versionID string, taskType TaskType) string {
	return versionID + "|" + string(taskType)
}
