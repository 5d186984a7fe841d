package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/workflowerr"
)

// MemoryQueue is an in-process Queue used by the dispatch, driver, intake,
// reconcile and end-to-end tests; no test in this repository runs against
// the RedisQueue wire format.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    map[string][]*model.WorkflowTask // queue name -> FIFO-ish slice, re-sorted on push
	byKey      map[string]*model.WorkflowTask
	cancelled  map[string]bool
	policy     RetryPolicy
}

func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		pending:   map[string][]*model.WorkflowTask{},
		byKey:     map[string]*model.WorkflowTask{},
		cancelled: map[string]bool{},
		policy:    policy,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t *model.WorkflowTask) (*model.WorkflowTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[t.IdempotencyKey]; ok &&
		(existing.Status == model.TaskStatusPending || existing.Status == model.TaskStatusInProgress) {
		return existing, nil
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = model.TaskStatusPending
	queueName := QueueNameFor(t.TaskType)
	q.pending[queueName] = append(q.pending[queueName], t)
	sort.SliceStable(q.pending[queueName], func(i, j int) bool {
		a, b := q.pending[queueName][i], q.pending[queueName][j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	q.byKey[t.IdempotencyKey] = t
	return t, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, queueName string, timeout time.Duration) (*model.WorkflowTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.pending[queueName]
	for i, t := range list {
		if q.cancelled[t.ProjectID] {
			t.Status = model.TaskStatusCancelled
			q.pending[queueName] = append(list[:i], list[i+1:]...)
			return q.claimLocked(queueName)
		}
		t.Status = model.TaskStatusInProgress
		t.StartedAt = time.Now()
		q.pending[queueName] = append(list[:i], list[i+1:]...)
		return t, nil
	}
	return nil, nil
}

// claimLocked retries Claim's scan after dropping a cancelled head entry;
// must be called with q.mu held.
func (q *MemoryQueue) claimLocked(queueName string) (*model.WorkflowTask, error) {
	list := q.pending[queueName]
	for i, t := range list {
		if q.cancelled[t.ProjectID] {
			t.Status = model.TaskStatusCancelled
			q.pending[queueName] = append(list[:i], list[i+1:]...)
			return q.claimLocked(queueName)
		}
		t.Status = model.TaskStatusInProgress
		t.StartedAt = time.Now()
		q.pending[queueName] = append(list[:i], list[i+1:]...)
		return t, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string, outcome Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var t *model.WorkflowTask
	for _, v := range q.byKey {
		if v.TaskID == taskID {
			t = v
			break
		}
	}
	if t == nil {
		return workflowerr.NotFound("dispatch.Complete", "task "+taskID+" not found")
	}

	if outcome.Success {
		t.Status = model.TaskStatusCompleted
		return nil
	}
	if outcome.Retryable {
		if _, ok := q.policy.NextDelay(t.TaskType, t.Attempt); ok {
			t.Attempt++
			t.Status = model.TaskStatusPending
			queueName := QueueNameFor(t.TaskType)
			q.pending[queueName] = append(q.pending[queueName], t)
			return nil
		}
	}
	t.Status = model.TaskStatusFailed
	t.ErrorMessage = outcome.ErrorMessage
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, projectID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[projectID] = true
	return nil
}

// PendingCount is a test helper exposing queue depth without a real backend.
func (q *MemoryQueue) PendingCount(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[queueName])
}
