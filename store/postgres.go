package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/workflowerr"
)

// PostgresRepository implements Repository using pgx directly (no ORM),
// adapted from the teacher's db/postgres_pgx.go connection wrapper and
// db/state_store.go's conditional-update-with-RowsAffected-check pattern for
// optimistic concurrency. Every mutating statement carries
// "WHERE id = $1 AND version = $N" and inspects CommandTag.RowsAffected():
// zero rows means either the id does not exist or the version is stale;
// GetXxx is used to distinguish the two for the caller.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a pgxpool against connString and verifies
// connectivity eagerly, the way the teacher's NewPostgresDB does.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, workflowerr.Unavailable("store.NewPostgresRepository", "failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, workflowerr.Unavailable("store.NewPostgresRepository", "failed to ping database", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() { r.pool.Close() }

// Pool exposes the underlying pgxpool so cmd/workflowd can hand the same
// connection pool to intake.Listener for LISTEN/NOTIFY without opening a
// second one.
func (r *PostgresRepository) Pool() *pgxpool.Pool { return r.pool }

// --- Project ---

func (r *PostgresRepository) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, subject, level, style, mode, status, current_step, version, created_at, updated_at
		FROM projects WHERE id = $1`, id)
	p := &model.Project{}
	err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Subject, &p.Level, &p.Style, &p.Mode, &p.Status, &p.CurrentStep, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflowerr.NotFound("store.GetProject", "project "+id+" not found")
	}
	if err != nil {
		return nil, workflowerr.Internal("store.GetProject", "query failed", err)
	}
	return p, nil
}

func (r *PostgresRepository) CreateProject(ctx context.Context, p *model.Project) error {
	now := time.Now()
	p.CreatedAt, p.UpdatedAt, p.Version = now, now, 1
	_, err := r.pool.Exec(ctx, `
		INSERT INTO projects (id, owner_id, title, subject, level, style, mode, status, current_step, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.OwnerID, p.Title, p.Subject, p.Level, p.Style, p.Mode, p.Status, p.CurrentStep, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return workflowerr.Internal("store.CreateProject", "insert failed", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateProject(ctx context.Context, id string, delta ProjectDelta, expectedVersion int64) (*model.Project, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE projects
		SET status = COALESCE($1, status),
		    current_step = COALESCE($2, current_step),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $3 AND version = $4`,
		delta.Status, delta.CurrentStep, id, expectedVersion)
	if err != nil {
		return nil, workflowerr.Internal("store.UpdateProject", "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return r.staleOrMissingProject(ctx, id)
	}
	return r.GetProject(ctx, id)
}

func (r *PostgresRepository) staleOrMissingProject(ctx context.Context, id string) (*model.Project, error) {
	if _, err := r.GetProject(ctx, id); err != nil {
		return nil, err
	}
	return nil, workflowerr.Conflict("store.UpdateProject", "stale_update: expected_version mismatch for project "+id)
}

func (r *PostgresRepository) ListActiveProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, title, subject, level, style, mode, status, current_step, version, created_at, updated_at
		FROM projects WHERE status NOT IN ($1, $2)`,
		model.ProjectStatusCompletedExported, model.ProjectStatusCancelled)
	if err != nil {
		return nil, workflowerr.Internal("store.ListActiveProjects", "query failed", err)
	}
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		p := &model.Project{}
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Subject, &p.Level, &p.Style, &p.Mode, &p.Status, &p.CurrentStep, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, workflowerr.Internal("store.ListActiveProjects", "scan failed", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// --- Block ---

func (r *PostgresRepository) GetBlock(ctx context.Context, id string) (*model.ContentBlock, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, version_id, slot_id, block_type, content, source_llm, generation_params,
		       qc_report, status, refinement_attempts, predecessor_id, error_message, version, created_at, updated_at
		FROM content_blocks WHERE id = $1`, id)
	return scanBlock(row)
}

func scanBlock(row pgx.Row) (*model.ContentBlock, error) {
	b := &model.ContentBlock{}
	var genParams, qcReport []byte
	var status string
	err := row.Scan(&b.ID, &b.VersionID, &b.SlotID, &b.BlockType, &b.Content, &b.SourceLLM, &genParams,
		&qcReport, &status, &b.RefinementAttempts, &b.PredecessorID, &b.ErrorMessage, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflowerr.NotFound("store.GetBlock", "block not found")
	}
	if err != nil {
		return nil, workflowerr.Internal("store.GetBlock", "scan failed", err)
	}
	b.Status = blockfsm.State(status)
	if len(genParams) > 0 {
		_ = json.Unmarshal(genParams, &b.GenerationParams)
	}
	if len(qcReport) > 0 {
		var rep model.QCReport
		if err := json.Unmarshal(qcReport, &rep); err == nil {
			b.QCReport = &rep
		}
	}
	return b, nil
}

func (r *PostgresRepository) CreateBlock(ctx context.Context, b *model.ContentBlock) error {
	now := time.Now()
	b.CreatedAt, b.UpdatedAt, b.Version = now, now, 1
	genParams, _ := json.Marshal(b.GenerationParams)
	var qcReport []byte
	if b.QCReport != nil {
		qcReport, _ = json.Marshal(b.QCReport)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO content_blocks (id, version_id, slot_id, block_type, content, source_llm, generation_params,
		                             qc_report, status, refinement_attempts, predecessor_id, error_message, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		b.ID, b.VersionID, b.SlotID, b.BlockType, b.Content, b.SourceLLM, genParams,
		qcReport, string(b.Status), b.RefinementAttempts, b.PredecessorID, b.ErrorMessage, b.Version, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return workflowerr.Internal("store.CreateBlock", "insert failed", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateBlock(ctx context.Context, id string, delta BlockDelta, expectedVersion int64) (*model.ContentBlock, error) {
	var qcReportJSON any
	if delta.QCReport != nil {
		if *delta.QCReport == nil {
			qcReportJSON = nil
		} else {
			b, _ := json.Marshal(*delta.QCReport)
			qcReportJSON = b
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE content_blocks
		SET content = COALESCE($1, content),
		    source_llm = COALESCE($2, source_llm),
		    qc_report = CASE WHEN $3::boolean THEN $4 ELSE qc_report END,
		    status = COALESCE($5, status),
		    refinement_attempts = COALESCE($6, refinement_attempts),
		    error_message = COALESCE($7, error_message),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $8 AND version = $9`,
		delta.Content, delta.SourceLLM, delta.QCReport != nil, qcReportJSON,
		delta.Status, delta.RefinementAttempts, delta.ErrorMessage, id, expectedVersion)
	if err != nil {
		return nil, workflowerr.Internal("store.UpdateBlock", "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetBlock(ctx, id); err != nil {
			return nil, err
		}
		return nil, workflowerr.Conflict("store.UpdateBlock", "stale_update: expected_version mismatch for block "+id)
	}
	return r.GetBlock(ctx, id)
}

// --- Version ---

func (r *PostgresRepository) GetVersion(ctx context.Context, id string) (*model.DocumentVersion, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, project_id, version_number, content_structure, status, version, created_at
		FROM document_versions WHERE id = $1`, id)
	v := &model.DocumentVersion{}
	var structure []byte
	err := row.Scan(&v.ID, &v.ProjectID, &v.VersionNumber, &structure, &v.Status, &v.Version, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflowerr.NotFound("store.GetVersion", "version "+id+" not found")
	}
	if err != nil {
		return nil, workflowerr.Internal("store.GetVersion", "query failed", err)
	}
	_ = json.Unmarshal(structure, &v.ContentStructure)
	return v, nil
}

func (r *PostgresRepository) CreateVersion(ctx context.Context, v *model.DocumentVersion) error {
	v.CreatedAt, v.Version = time.Now(), 1
	structure, _ := json.Marshal(v.ContentStructure)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO document_versions (id, project_id, version_number, content_structure, status, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, v.ProjectID, v.VersionNumber, structure, v.Status, v.Version, v.CreatedAt)
	if err != nil {
		return workflowerr.Internal("store.CreateVersion", "insert failed", err)
	}
	return nil
}

func (r *PostgresRepository) ListBlocksByVersion(ctx context.Context, versionID string, statusFilter BlockStatusFilter) ([]*model.ContentBlock, error) {
	query := `
		SELECT id, version_id, slot_id, block_type, content, source_llm, generation_params,
		       qc_report, status, refinement_attempts, predecessor_id, error_message, version, created_at, updated_at
		FROM content_blocks WHERE version_id = $1`
	args := []any{versionID}
	if len(statusFilter) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, []string(statusFilter))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, workflowerr.Internal("store.ListBlocksByVersion", "query failed", err)
	}
	defer rows.Close()

	var out []*model.ContentBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// --- Task ---

func (r *PostgresRepository) UpsertTask(ctx context.Context, t *model.WorkflowTask) (*model.WorkflowTask, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT task_id FROM workflow_tasks
		WHERE idempotency_key = $1 AND status IN ('pending', 'in_progress')`, t.IdempotencyKey)
	var existingID string
	if err := row.Scan(&existingID); err == nil {
		return r.GetTask(ctx, existingID)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, workflowerr.Internal("store.UpsertTask", "idempotency lookup failed", err)
	}
	var priorAttempt int
	if err := r.pool.QueryRow(ctx, `
		SELECT attempt FROM workflow_tasks
		WHERE idempotency_key = $1 AND status = 'failed'
		ORDER BY attempt DESC LIMIT 1`, t.IdempotencyKey).Scan(&priorAttempt); err == nil {
		t.Attempt = priorAttempt + 1
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, workflowerr.Internal("store.UpsertTask", "prior attempt lookup failed", err)
	}

	t.CreatedAt = time.Now()
	if t.Status == "" {
		t.Status = model.TaskStatusPending
	}
	params, _ := json.Marshal(t.Parameters)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workflow_tasks (task_id, project_id, block_id, task_type, parameters, priority, status,
		                             attempt, idempotency_key, deadline_unix_s, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.TaskID, t.ProjectID, t.BlockID, t.TaskType, params, t.Priority, t.Status,
		t.Attempt, t.IdempotencyKey, t.DeadlineUnixS, t.ErrorMessage, t.CreatedAt)
	if err != nil {
		return nil, workflowerr.Internal("store.UpsertTask", "insert failed", err)
	}
	return t, nil
}

func (r *PostgresRepository) ClaimTask(ctx context.Context, queue string, workerID string) (*model.WorkflowTask, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE workflow_tasks
		SET status = 'in_progress', started_at = now()
		WHERE task_id = (
			SELECT task_id FROM workflow_tasks
			WHERE task_type = $1 AND status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING task_id, project_id, block_id, task_type, parameters, priority, status,
		          attempt, idempotency_key, deadline_unix_s, error_message, created_at, started_at`,
		queue)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, workflowerr.Internal("store.ClaimTask", "claim failed", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (*model.WorkflowTask, error) {
	t := &model.WorkflowTask{}
	var params []byte
	err := row.Scan(&t.TaskID, &t.ProjectID, &t.BlockID, &t.TaskType, &params, &t.Priority, &t.Status,
		&t.Attempt, &t.IdempotencyKey, &t.DeadlineUnixS, &t.ErrorMessage, &t.CreatedAt, &t.StartedAt)
	if err != nil {
		return nil, err
	}
	decoded, err := model.DecodeParameters(t.TaskType, params)
	if err != nil {
		return nil, workflowerr.Internal("store.scanTask", "decoding parameters for "+string(t.TaskType), err)
	}
	t.Parameters = decoded
	return t, nil
}

func (r *PostgresRepository) CompleteTask(ctx context.Context, taskID string, outcome TaskOutcome) (*model.WorkflowTask, error) {
	status := model.TaskStatusCompleted
	if !outcome.Success {
		status = model.TaskStatusFailed
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE workflow_tasks
		SET status = $1, error_message = $2, completed_at = now()
		WHERE task_id = $3`, status, outcome.ErrorMessage, taskID)
	if err != nil {
		return nil, workflowerr.Internal("store.CompleteTask", "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, workflowerr.NotFound("store.CompleteTask", "task "+taskID+" not found")
	}
	return r.GetTask(ctx, taskID)
}

func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (*model.WorkflowTask, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT task_id, project_id, block_id, task_type, parameters, priority, status,
		       attempt, idempotency_key, deadline_unix_s, error_message, created_at, started_at
		FROM workflow_tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflowerr.NotFound("store.GetTask", "task "+taskID+" not found")
	}
	if err != nil {
		return nil, workflowerr.Internal("store.GetTask", "scan failed", err)
	}
	return t, nil
}

func (r *PostgresRepository) ListOrphanedForStates(ctx context.Context, states []string) ([]*model.WorkflowTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT b.id FROM content_blocks b
		WHERE b.status = ANY($1)
		  AND NOT EXISTS (
		    SELECT 1 FROM workflow_tasks t
		    WHERE t.block_id = b.id AND t.status IN ('pending', 'in_progress')
		  )`, states)
	if err != nil {
		return nil, workflowerr.Internal("store.ListOrphanedForStates", "query failed", err)
	}
	defer rows.Close()
	var out []*model.WorkflowTask
	for rows.Next() {
		var blockID string
		if err := rows.Scan(&blockID); err != nil {
			return nil, workflowerr.Internal("store.ListOrphanedForStates", "scan failed", err)
		}
		out = append(out, &model.WorkflowTask{BlockID: blockID})
	}
	return out, nil
}

func (r *PostgresRepository) ListInProgressPastDeadline(ctx context.Context, nowUnixS int64) ([]*model.WorkflowTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, project_id, block_id, task_type, parameters, priority, status,
		       attempt, idempotency_key, deadline_unix_s, error_message, created_at, started_at
		FROM workflow_tasks
		WHERE status = 'in_progress' AND deadline_unix_s < $1`, nowUnixS)
	if err != nil {
		return nil, workflowerr.Internal("store.ListInProgressPastDeadline", "query failed", err)
	}
	defer rows.Close()
	var out []*model.WorkflowTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, workflowerr.Internal("store.ListInProgressPastDeadline", "scan failed", err)
		}
		out = append(out, t)
	}
	return out, nil
}
