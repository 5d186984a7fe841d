// Package intake implements the Signal/Result Intake (component F): the two
// ingress entry points of §6.1/§4.6 — submit_user_signal and
// submit_task_result — translated into blockfsm.Events and handed to the
// Driver. Adapted from the teacher's statemanager package (bounded
// in-memory dedup tracking of already-seen event ids) and db/listener.go
// (Postgres LISTEN/NOTIFY fan-in), generalized from a single WebSocket event
// stream to the two typed ingress shapes this engine accepts.
package intake

import (
	"context"
	"sync"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/driver"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/workflowerr"
)

// SignalKind enumerates the user-originated signals §6.1 accepts.
type SignalKind string

const (
	SignalValidate        SignalKind = "validate"
	SignalRedo            SignalKind = "redo"
	SignalQCOk            SignalKind = "qc_ok"
	SignalProblemDetected SignalKind = "problem_detected"
	SignalAllApproved     SignalKind = "all_approved"
	SignalCancel          SignalKind = "cancel"
)

// UserSignal is one ingress payload from a human collaborator.
type UserSignal struct {
	SourceID  string // client-supplied idempotency id, paired with "user" as the dedup source
	ProjectID string
	BlockID   string // empty for project-level signals (all_approved, cancel)
	Kind      SignalKind
	Feedback  *model.Feedback
	// QCReport carries a reviewer-supplied verdict for SignalQCOk/SignalProblemDetected,
	// the manual counterpart to a worker's run_qc task outcome. Optional: a missing
	// report is synthesized from Kind/Feedback so the commit still satisfies the
	// qc_report-non-nil-iff-qc-state invariant.
	QCReport *model.QCReport
}

// TaskOutcome is one ingress payload posted back by a worker per §6.2.
type TaskOutcome struct {
	TaskID       string // doubles as the dedup source_id; "task" is the source
	ProjectID    string
	BlockID      string
	TaskType     model.TaskType
	Success      bool
	QCReport     *model.QCReport
	ArtifactRef  string // set on a successful assemble_document outcome
	ErrorMessage string
	ErrorKind    string
}

// dedupKey is (source, source_id): submit_user_signal and submit_task_result
// are deduplicated independently even if ids collide numerically.
type dedupKey struct {
	source   string
	sourceID string
}

// Intake is the single object both entry points hang off. seen remembers the
// last Result for every (source, source_id) this process has observed so a
// duplicate delivery returns the prior result unchanged instead of re-driving
// the FSM — mirroring the teacher's statemanager bounded-map dedup pattern,
// generalized from session ids to (source, source_id) pairs.
type Intake struct {
	Driver *driver.Driver

	mu   sync.Mutex
	seen map[dedupKey]*driver.Result
}

func New(d *driver.Driver) *Intake {
	return &Intake{Driver: d, seen: map[dedupKey]*driver.Result{}}
}

// SubmitUserSignal translates sig into a blockfsm.Event and drives it,
// honoring the (source=user, source_id) idempotency contract of §4.6.
func (in *Intake) SubmitUserSignal(ctx context.Context, sig UserSignal) (*driver.Result, error) {
	key := dedupKey{source: "user", sourceID: sig.SourceID}
	if cached, ok := in.getCached(key); ok {
		return cached, nil
	}

	if sig.Kind == SignalCancel {
		result, err := in.Driver.Cancel(ctx, sig.ProjectID)
		if err != nil {
			return nil, err
		}
		in.setCached(key, result)
		return result, nil
	}

	event, err := eventForSignal(sig.Kind)
	if err != nil {
		return nil, err
	}

	req := driver.Request{
		ProjectID: sig.ProjectID,
		BlockID:   sig.BlockID,
		Event:     event,
		Feedback:  sig.Feedback,
		QCReport:  qcReportForSignal(sig),
	}
	result, err := in.Driver.Drive(ctx, req)
	if err != nil {
		return nil, err
	}

	in.setCached(key, result)
	return result, nil
}

// SubmitTaskResult translates a worker's outcome into a blockfsm.Event and
// drives it, honoring the (source=task, source_id=task_id) idempotency
// contract of §4.6.
func (in *Intake) SubmitTaskResult(ctx context.Context, outcome TaskOutcome) (*driver.Result, error) {
	key := dedupKey{source: "task", sourceID: outcome.TaskID}
	if cached, ok := in.getCached(key); ok {
		return cached, nil
	}

	// assemble_document/export_document are document-scoped, not
	// block-scoped: they have no blockfsm.Event of their own and are driven
	// straight to a project-status transition instead.
	switch outcome.TaskType {
	case model.TaskTypeAssembleDocument:
		result, err := in.Driver.CompleteAssembly(ctx, outcome.ProjectID, outcome.Success, outcome.ArtifactRef)
		if err != nil {
			return nil, err
		}
		in.setCached(key, result)
		return result, nil
	case model.TaskTypeExportDocument:
		result, err := in.Driver.CompleteExport(ctx, outcome.ProjectID, outcome.Success)
		if err != nil {
			return nil, err
		}
		in.setCached(key, result)
		return result, nil
	}

	event := eventForOutcome(outcome)

	req := driver.Request{
		ProjectID: outcome.ProjectID,
		BlockID:   outcome.BlockID,
		Event:     event,
		QCReport:  outcome.QCReport,
	}
	result, err := in.Driver.Drive(ctx, req)
	if err != nil {
		return nil, err
	}

	in.setCached(key, result)
	return result, nil
}

func (in *Intake) getCached(key dedupKey) (*driver.Result, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r, ok := in.seen[key]
	return r, ok
}

func (in *Intake) setCached(key dedupKey, result *driver.Result) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.seen[key] = result
}

func eventForSignal(kind SignalKind) (blockfsm.Event, error) {
	switch kind {
	case SignalValidate:
		return blockfsm.EventUserValidate, nil
	case SignalRedo:
		return blockfsm.EventUserRedo, nil
	case SignalQCOk:
		return blockfsm.EventQCPassed, nil
	case SignalProblemDetected:
		return blockfsm.EventQCFailed, nil
	case SignalAllApproved:
		return "", nil // project-level: driver.Request.BlockID stays empty, no block event needed
	default:
		return "", workflowerr.InvalidTransition("intake.SubmitUserSignal", "unknown signal kind "+string(kind))
	}
}

// qcReportForSignal builds the QCReport a qc_ok/problem_detected signal
// commits alongside its FSM event. These two signals are the manual
// counterpart to a worker's run_qc task outcome (§6.1 names them as
// project_signal values distinct from task_completion), so a reviewer may
// supply a full report directly; when they don't, one is synthesized so the
// commit still satisfies the "qc_report non-nil iff status in
// {qc_passed, qc_failed, refinement_pending}" invariant.
func qcReportForSignal(sig UserSignal) *model.QCReport {
	if sig.QCReport != nil {
		return sig.QCReport
	}
	switch sig.Kind {
	case SignalQCOk:
		r := model.NewQCReport(100, model.QCStatusPassed, nil)
		return &r
	case SignalProblemDetected:
		desc := "manually reported problem"
		if sig.Feedback != nil && sig.Feedback.Text != "" {
			desc = sig.Feedback.Text
		}
		r := model.NewQCReport(0, model.QCStatusFailed, []model.Problem{
			{Type: model.ProblemClarityIssue, Severity: model.SeverityMajor, Description: desc},
		})
		return &r
	default:
		return nil
	}
}

// eventForOutcome maps a worker's TaskOutcome onto the FSM event the
// in-progress state was waiting for, branching on TaskType since
// generate_block and refine_block share no event names on failure. The
// caller (driver.Drive) resolves the mode-dependent qc_passed rewrite; this
// only decides passed-vs-failed from the QCReport's own status, per §4.2's
// guard on run_qc results.
func eventForOutcome(outcome TaskOutcome) blockfsm.Event {
	if outcome.ErrorKind == "content_filtered" || outcome.ErrorKind == "internal" {
		return blockfsm.EventCriticalFail
	}

	switch outcome.TaskType {
	case model.TaskTypeRunQC:
		if !outcome.Success || outcome.QCReport == nil {
			return blockfsm.EventQCFailed
		}
		if outcome.QCReport.Status == model.QCStatusFailed {
			return blockfsm.EventQCFailed
		}
		return blockfsm.EventQCPassed
	case model.TaskTypeRefineBlock:
		if outcome.Success {
			return blockfsm.EventRefinementSuccess
		}
		return blockfsm.EventRefinementFailed
	default: // generate_block
		if outcome.Success {
			return blockfsm.EventGenerateSuccess
		}
		return blockfsm.EventGenerateFailed
	}
}
