package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/workflowerr"
)

// RedisQueue implements Queue on top of go-redis, adapted from the
// teacher's queue/redis/queue.go: a per-queue-name sorted set ranked by
// (priority, enqueued_at) for pending tasks, BLPop-equivalent blocking
// claim via BZPOPMIN, and a processing sorted set ranked by deadline for
// in-progress tracking (consumed by the reconciler's deadline sweep instead
// of the teacher's own polling loop).
type RedisQueue struct {
	client *redis.Client
	policy RetryPolicy
	idempotencyTTL time.Duration
}

func NewRedisQueue(client *redis.Client, policy RetryPolicy) *RedisQueue {
	return &RedisQueue{client: client, policy: policy, idempotencyTTL: 24 * time.Hour}
}

// wireTask is the Redis wire form of model.WorkflowTask. Parameters is a
// TaskParameters interface field; encoding/json cannot resolve an interface
// back to its concrete type on Unmarshal, so the wire form carries it as raw
// JSON and model.DecodeParameters resolves it keyed by TaskType, the same
// discriminated decode the Postgres repository uses on its JSONB column.
type wireTask struct {
	TaskID         string
	ProjectID      string
	BlockID        string
	TaskType       model.TaskType
	Parameters     json.RawMessage
	Priority       int
	Status         model.TaskStatus
	Attempt        int
	IdempotencyKey string
	DeadlineUnixS  int64
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

func marshalTask(t *model.WorkflowTask) ([]byte, error) {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireTask{
		TaskID: t.TaskID, ProjectID: t.ProjectID, BlockID: t.BlockID, TaskType: t.TaskType,
		Parameters: params, Priority: t.Priority, Status: t.Status, Attempt: t.Attempt,
		IdempotencyKey: t.IdempotencyKey, DeadlineUnixS: t.DeadlineUnixS, ErrorMessage: t.ErrorMessage,
		CreatedAt: t.CreatedAt, StartedAt: t.StartedAt, CompletedAt: t.CompletedAt,
	})
}

func unmarshalTask(raw []byte) (*model.WorkflowTask, error) {
	var w wireTask
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	params, err := model.DecodeParameters(w.TaskType, w.Parameters)
	if err != nil {
		return nil, err
	}
	return &model.WorkflowTask{
		TaskID: w.TaskID, ProjectID: w.ProjectID, BlockID: w.BlockID, TaskType: w.TaskType,
		Parameters: params, Priority: w.Priority, Status: w.Status, Attempt: w.Attempt,
		IdempotencyKey: w.IdempotencyKey, DeadlineUnixS: w.DeadlineUnixS, ErrorMessage: w.ErrorMessage,
		CreatedAt: w.CreatedAt, StartedAt: w.StartedAt, CompletedAt: w.CompletedAt,
	}, nil
}

func pendingKey(queue string) string    { return "wf:queue:" + queue + ":pending" }
func payloadKey(taskID string) string   { return "wf:task:" + taskID }
func processingKey(queue string) string { return "wf:queue:" + queue + ":processing" }
func idempotencyKeyRedis(key string) string { return "wf:idemp:" + key }
func cancelledKey(projectID string) string  { return "wf:cancelled:" + projectID }

// score ranks pending entries by priority (descending, via 9-priority) then
// FIFO by enqueue time, matching §4.3 ("higher first, FIFO within a
// priority"): score = (9-priority)*1e13 + enqueued_at_unix_millis.
func score(priority int, enqueuedAt time.Time) float64 {
	return float64(9-priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

func (q *RedisQueue) Enqueue(ctx context.Context, t *model.WorkflowTask) (*model.WorkflowTask, error) {
	claimed, err := q.client.SetNX(ctx, idempotencyKeyRedis(t.IdempotencyKey), t.TaskID, q.idempotencyTTL).Result()
	if err != nil {
		return nil, workflowerr.Unavailable("dispatch.Enqueue", "redis SETNX failed", err)
	}
	if !claimed {
		existingID, err := q.client.Get(ctx, idempotencyKeyRedis(t.IdempotencyKey)).Result()
		if err != nil {
			return nil, workflowerr.Unavailable("dispatch.Enqueue", "redis GET failed", err)
		}
		existing, err := q.loadPayload(ctx, existingID)
		if err == nil && (existing.Status == model.TaskStatusPending ||
			existing.Status == model.TaskStatusInProgress || existing.Status == model.TaskStatusRetrying) {
			return existing, nil
		}
		// The earlier task has finished or its payload is gone (e.g. completed
		// and swept): admit this submission as a fresh attempt and point the
		// idempotency key at it.
		if err := q.client.Set(ctx, idempotencyKeyRedis(t.IdempotencyKey), t.TaskID, q.idempotencyTTL).Err(); err != nil {
			return nil, workflowerr.Unavailable("dispatch.Enqueue", "redis SET failed", err)
		}
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = model.TaskStatusPending
	payload, err := marshalTask(t)
	if err != nil {
		return nil, workflowerr.Internal("dispatch.Enqueue", "marshal task failed", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, payloadKey(t.TaskID), payload, 0)
	pipe.ZAdd(ctx, pendingKey(QueueNameFor(t.TaskType)), redis.Z{Score: score(t.Priority, t.CreatedAt), Member: t.TaskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, workflowerr.Unavailable("dispatch.Enqueue", "redis pipeline failed", err)
	}
	return t, nil
}

func (q *RedisQueue) loadPayload(ctx context.Context, taskID string) (*model.WorkflowTask, error) {
	raw, err := q.client.Get(ctx, payloadKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	return unmarshalTask([]byte(raw))
}

// Claim pops the highest-priority, oldest pending task in queueName and
// moves it into the processing set scored by its deadline, the way the
// teacher's MarkProcessing tracks in-flight jobs for deadline recovery.
func (q *RedisQueue) Claim(ctx context.Context, queueName string, timeout time.Duration) (*model.WorkflowTask, error) {
	result, err := q.client.BZPopMin(ctx, timeout, pendingKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, workflowerr.Unavailable("dispatch.Claim", "redis BZPOPMIN failed", err)
	}
	taskID, ok := result.Member.(string)
	if !ok {
		return nil, workflowerr.Internal("dispatch.Claim", "unexpected member type in pending set", nil)
	}

	t, err := q.loadPayload(ctx, taskID)
	if err != nil {
		return nil, workflowerr.Internal("dispatch.Claim", "failed to load claimed task payload", err)
	}
	t.Status = model.TaskStatusInProgress
	t.StartedAt = time.Now()

	if cancelled, _ := q.client.SIsMember(ctx, cancelledKey(t.ProjectID), "1").Result(); cancelled {
		t.Status = model.TaskStatusCancelled
		q.client.Del(ctx, payloadKey(taskID))
		return q.Claim(ctx, queueName, timeout) // skip; try the next one
	}

	payload, _ := marshalTask(t)
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, payloadKey(taskID), payload, 0)
	pipe.ZAdd(ctx, processingKey(queueName), redis.Z{Score: float64(t.DeadlineUnixS), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, workflowerr.Unavailable("dispatch.Claim", "redis pipeline failed", err)
	}
	return t, nil
}

func (q *RedisQueue) Complete(ctx context.Context, taskID string, outcome Outcome) error {
	t, err := q.loadPayload(ctx, taskID)
	if err != nil {
		return workflowerr.NotFound("dispatch.Complete", "task "+taskID+" not found")
	}

	queueName := QueueNameFor(t.TaskType)
	q.client.ZRem(ctx, processingKey(queueName), taskID)

	if outcome.Success {
		t.Status = model.TaskStatusCompleted
		payload, _ := marshalTask(t)
		return q.client.Set(ctx, payloadKey(taskID), payload, 24*time.Hour).Err()
	}

	if outcome.Retryable {
		if delay, ok := q.policy.NextDelay(t.TaskType, t.Attempt); ok {
			t.Attempt++
			t.Status = model.TaskStatusRetrying
			payload, _ := marshalTask(t)
			q.client.Set(ctx, payloadKey(taskID), payload, 0)
			return q.client.ZAdd(ctx, pendingKey(queueName),
				redis.Z{Score: score(t.Priority, time.Now().Add(delay)), Member: taskID}).Err()
		}
	}

	t.Status = model.TaskStatusFailed
	t.ErrorMessage = outcome.ErrorMessage
	payload, _ := marshalTask(t)
	return q.client.Set(ctx, payloadKey(taskID), payload, 24*time.Hour).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, projectID string) error {
	if err := q.client.SAdd(ctx, cancelledKey(projectID), "1").Err(); err != nil {
		return workflowerr.Unavailable("dispatch.Cancel", "redis SADD failed", err)
	}
	q.client.Expire(ctx, cancelledKey(projectID), 7*24*time.Hour)
	return nil
}
