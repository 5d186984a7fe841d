// Package driver implements the Workflow Driver (component D): the single
// entry point that resolves one incoming event against the Block FSM,
// commits the result with optimistic concurrency, asks the active Mode
// Policy what follows, and carries out whatever it decides. Adapted from
// the teacher's coordinator package (a registered-handler event loop over a
// single linear phase list), generalized here to the branching Block FSM
// plus project-level completion detection.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/dispatch"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/policy"
	"github.com/mounirjaouhari/workflow-engine/store"
	"github.com/mounirjaouhari/workflow-engine/workflowerr"
)

// Request is one event to drive through the FSM: a worker result or a user
// signal, already normalized to a blockfsm.Event by package intake.
type Request struct {
	ProjectID string
	BlockID   string // empty for project-level signals (all_approved)
	Event     blockfsm.Event
	QCReport  *model.QCReport // set when Event is qc_passed/qc_failed
	Feedback  *model.Feedback // set when Event is user_redo
}

// Result is what driving one Request produced.
type Result struct {
	Project *model.Project
	Block   *model.ContentBlock
}

// Driver wires the FSM, the repository and both mode policies together. Both
// concrete policies are held (not just the Policy interface) because the
// driver needs AutonomousPolicy.ValidationThreshold to resolve the
// mode-dependent qc_passed rewrite before a policy is even chosen.
type Driver struct {
	Repo        store.Repository
	Queue       dispatch.Queue
	Supervised  policy.SupervisedPolicy
	Autonomous  policy.AutonomousPolicy
	Log         *logrus.Entry
}

func (d *Driver) policyFor(mode model.Mode) policy.Policy {
	return policy.For(mode, d.Supervised, d.Autonomous)
}

func (d *Driver) modeKind(mode model.Mode) blockfsm.ModeKind {
	if mode == model.ModeAutonomous {
		return blockfsm.ModeAutonomous
	}
	return blockfsm.ModeSupervised
}

// Drive resolves req against the current block state, commits the
// transition, and carries out the resulting policy Effects. It implements
// §4.4 steps 1-8.
func (d *Driver) Drive(ctx context.Context, req Request) (*Result, error) {
	project, err := d.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return nil, workflowerr.InvalidTransition("driver.Drive", "project "+project.ID+" is terminal")
	}

	if req.BlockID == "" {
		return d.driveProjectSignal(ctx, project, req)
	}

	block, err := d.Repo.GetBlock(ctx, req.BlockID)
	if err != nil {
		return nil, err
	}

	toState, event, err := d.resolveEvent(project.Mode, block.Status, req)
	if err != nil {
		return nil, err
	}

	block, err = d.commitBlock(ctx, block, toState, req.QCReport)
	if err != nil {
		return nil, err
	}

	eff, err := d.policyFor(project.Mode).Decide(ctx, policy.Input{
		Project:  project,
		Block:    block,
		Event:    event,
		Feedback: req.Feedback,
	})
	if err != nil {
		return nil, err
	}

	project, block, err = d.applyEffects(ctx, project, block, eff)
	if err != nil {
		return nil, err
	}

	if err := d.maybeCompleteProject(ctx, project, block.VersionID); err != nil {
		return nil, err
	}
	// maybeCompleteProject may have advanced the project's status; report the
	// stored row.
	project, err = d.Repo.GetProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	return &Result{Project: project, Block: block}, nil
}

// resolveEvent applies the FSM, handling the two mode-dependent rewrites
// (qc_passed, user_validate) before falling back to a plain table lookup.
func (d *Driver) resolveEvent(mode model.Mode, from blockfsm.State, req Request) (blockfsm.State, blockfsm.Event, error) {
	switch req.Event {
	case blockfsm.EventQCPassed:
		score, hasCritical := 0.0, false
		if req.QCReport != nil {
			score, hasCritical = req.QCReport.OverallScore, req.QCReport.HasCritical()
		}
		to, ev := blockfsm.ResolveQCPassed(d.modeKind(mode), score, d.Autonomous.ValidationThreshold, hasCritical)
		return to, ev, nil
	case blockfsm.EventUserValidate:
		to, err := blockfsm.ResolveUserValidate(from)
		if err != nil {
			return "", "", workflowerr.InvalidTransition("driver.resolveEvent", err.Error())
		}
		return to, req.Event, nil
	default:
		to, ok := blockfsm.CanTransition(from, req.Event)
		if !ok {
			return "", "", workflowerr.InvalidTransition("driver.resolveEvent", string(from)+" does not accept "+string(req.Event))
		}
		return to, req.Event, nil
	}
}

// commitBlock writes toState (and qcReport, when non-nil) with optimistic
// concurrency. On a stale_update conflict it reloads the block once and
// retries the same resolved transition; a second conflict is surfaced as-is
// per §7's "reload once, then surface conflict" rule.
func (d *Driver) commitBlock(ctx context.Context, block *model.ContentBlock, toState blockfsm.State, qc *model.QCReport) (*model.ContentBlock, error) {
	status := string(toState)
	delta := store.BlockDelta{Status: &status}
	if qc != nil {
		delta.QCReport = &qc
	}

	updated, err := d.Repo.UpdateBlock(ctx, block.ID, delta, block.Version)
	if err == nil {
		return updated, nil
	}

	var werr *workflowerr.Error
	if !errors.As(err, &werr) || werr.Kind != workflowerr.KindConflict {
		return nil, err
	}

	fresh, reloadErr := d.Repo.GetBlock(ctx, block.ID)
	if reloadErr != nil {
		return nil, reloadErr
	}
	return d.Repo.UpdateBlock(ctx, fresh.ID, delta, fresh.Version)
}

// applyEffects carries out a policy Decide/OnAllApproved result: creates and
// enqueues a refinement block, commits the exhausted-refinement two-step
// transition, enqueues plain tasks, and applies any project status override.
func (d *Driver) applyEffects(ctx context.Context, project *model.Project, block *model.ContentBlock, eff policy.Effects) (*model.Project, *model.ContentBlock, error) {
	if eff.NewRefinementBlock != nil {
		if err := d.Repo.CreateBlock(ctx, eff.NewRefinementBlock); err != nil {
			return project, block, err
		}
		archivedBlock, err := d.commitBlock(ctx, block, blockfsm.StateArchived, nil)
		if err != nil {
			return project, block, err
		}
		block = archivedBlock
	}

	if eff.ExhaustRefinement {
		inProgress, err := d.commitBlock(ctx, block, blockfsm.StateRefinementInProgress, nil)
		if err != nil {
			return project, block, err
		}
		failed, err := d.commitBlock(ctx, inProgress, blockfsm.StateRefinementFailed, nil)
		if err != nil {
			return project, block, err
		}
		block = failed
	}

	for _, t := range eff.Enqueue {
		if _, err := d.Queue.Enqueue(ctx, t); err != nil {
			return project, block, err
		}
	}

	if eff.ProjectStatus != nil {
		updated, err := d.updateProjectStatus(ctx, project, *eff.ProjectStatus)
		if err != nil {
			return project, block, err
		}
		project = updated
	}

	return project, block, nil
}

func (d *Driver) updateProjectStatus(ctx context.Context, project *model.Project, status model.ProjectStatus) (*model.Project, error) {
	updated, err := d.Repo.UpdateProject(ctx, project.ID, store.ProjectDelta{Status: &status}, project.Version)
	if err == nil {
		return updated, nil
	}
	var werr *workflowerr.Error
	if !errors.As(err, &werr) || werr.Kind != workflowerr.KindConflict {
		return nil, err
	}
	fresh, reloadErr := d.Repo.GetProject(ctx, project.ID)
	if reloadErr != nil {
		return nil, reloadErr
	}
	return d.Repo.UpdateProject(ctx, fresh.ID, store.ProjectDelta{Status: &status}, fresh.Version)
}

// driveProjectSignal handles the all_approved ingress signal (§6.1), the one
// signal with no target block: it loads the project's current version and
// asks the active policy to trigger assembly.
func (d *Driver) driveProjectSignal(ctx context.Context, project *model.Project, req Request) (*Result, error) {
	version, err := d.currentVersion(ctx, project)
	if err != nil {
		return nil, err
	}
	eff, err := d.policyFor(project.Mode).OnAllApproved(ctx, project, version)
	if err != nil {
		return nil, err
	}
	project, _, err = d.applyEffects(ctx, project, nil, eff)
	if err != nil {
		return nil, err
	}
	return &Result{Project: project}, nil
}

// Cancel implements the administrative cancel ingress signal: it drops every
// pending/in-progress task belonging to the project (in-progress tasks still
// run to completion but their results are discarded, per §4.3's cancellation
// rule) and moves the project to its cancelled terminal state.
func (d *Driver) Cancel(ctx context.Context, projectID string) (*Result, error) {
	project, err := d.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return &Result{Project: project}, nil
	}
	if err := d.Queue.Cancel(ctx, projectID); err != nil {
		return nil, err
	}
	cancelled := model.ProjectStatusCancelled
	updated, err := d.updateProjectStatus(ctx, project, cancelled)
	if err != nil {
		return nil, err
	}
	return &Result{Project: updated}, nil
}

// CompleteAssembly handles an assemble_document task outcome (§4.5's "on
// whole-version completion -> enqueue assemble_document then
// export_document"): success enqueues export_document and advances the
// project to completed; failure moves it to export_failed so a human can
// retry assembly rather than leaving the project silently stuck.
func (d *Driver) CompleteAssembly(ctx context.Context, projectID string, success bool, artifactRef string) (*Result, error) {
	project, err := d.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return &Result{Project: project}, nil
	}
	if !success {
		updated, err := d.updateProjectStatus(ctx, project, model.ProjectStatusExportFailed)
		if err != nil {
			return nil, err
		}
		return &Result{Project: updated}, nil
	}

	version, err := d.currentVersion(ctx, project)
	if err != nil {
		return nil, err
	}
	task := &model.WorkflowTask{
		TaskID:         uuid.NewString(),
		ProjectID:      project.ID,
		TaskType:       model.TaskTypeExportDocument,
		Parameters:     model.ExportDocumentParams{ArtifactRef: artifactRef, Formats: []string{"pdf"}},
		Priority:       2,
		IdempotencyKey: model.VersionIdempotencyKey(version.ID, model.TaskTypeExportDocument),
		CreatedAt:      time.Now(),
	}
	if _, err := d.Queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	updated, err := d.updateProjectStatus(ctx, project, model.ProjectStatusCompleted)
	if err != nil {
		return nil, err
	}
	return &Result{Project: updated}, nil
}

// CompleteExport handles an export_document task outcome: success reaches
// the terminal completed_exported status; failure moves to export_failed.
func (d *Driver) CompleteExport(ctx context.Context, projectID string, success bool) (*Result, error) {
	project, err := d.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return &Result{Project: project}, nil
	}
	target := model.ProjectStatusCompletedExported
	if !success {
		target = model.ProjectStatusExportFailed
	}
	updated, err := d.updateProjectStatus(ctx, project, target)
	if err != nil {
		return nil, err
	}
	return &Result{Project: updated}, nil
}

// currentVersion resolves a project's single current DocumentVersion. In
// this data model a project has exactly one current version at a time,
// identified by CurrentStep carrying its id (set when the version is
// created).
func (d *Driver) currentVersion(ctx context.Context, project *model.Project) (*model.DocumentVersion, error) {
	return d.Repo.GetVersion(ctx, project.CurrentStep)
}

// ReconcileProjectCompletion re-evaluates step 8's completion check for
// project outside of any single block's transition — used by the
// reconciler's sweep (§5's "projects whose blocks are all terminal but whose
// status is not export_pending/completed" case).
func (d *Driver) ReconcileProjectCompletion(ctx context.Context, project *model.Project) error {
	if project.Status.IsTerminal() || project.Status == model.ProjectStatusExportPending ||
		project.Status == model.ProjectStatusCompleted {
		return nil
	}
	version, err := d.currentVersion(ctx, project)
	if err != nil {
		return err
	}
	return d.maybeCompleteProject(ctx, project, version.ID)
}

// maybeCompleteProject implements §4.4 step 8: once every block of the
// version driven by this event has settled into validated, archived or
// refinement_failed, the project is advanced to export_pending (clean
// completion) or needs_manual_review (at least one refinement_failed
// block survives, requiring a human to resolve it before assembly).
func (d *Driver) maybeCompleteProject(ctx context.Context, project *model.Project, versionID string) error {
	if versionID == "" {
		return nil
	}
	blocks, err := d.Repo.ListBlocksByVersion(ctx, versionID, nil)
	if err != nil {
		return err
	}

	settled := true
	needsReview := false
	for _, b := range blocks {
		switch b.Status {
		case blockfsm.StateValidated, blockfsm.StateArchived:
			continue
		case blockfsm.StateRefinementFailed:
			needsReview = true
			continue
		default:
			settled = false
		}
	}
	if !settled || len(blocks) == 0 {
		return nil
	}

	target := model.ProjectStatusExportPending
	if needsReview {
		target = model.ProjectStatusNeedsManualReview
	}
	if project.Status == target {
		return nil
	}
	_, err = d.updateProjectStatus(ctx, project, target)
	return err
}
