package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mounirjaouhari/workflow-engine/model"
)

// TaskProcessor is implemented by whatever consumes claimed tasks —
// normally a thin adapter that calls out to a worker process via the
// egress contract of §6.2; in this repository's tests, a fake. Mirrors the
// teacher's worker.JobProcessor interface (Process/GetJobID/GetTimeout).
type TaskProcessor interface {
	Process(ctx context.Context, t *model.WorkflowTask) Outcome
	Timeout(t *model.WorkflowTask) time.Duration
}

// PoolConfig sets the worker count per logical queue, recovered from
// original_source's per-task-type Celery concurrency settings
// (SPEC_FULL.md "Supplemented features" #4) and shaped like the teacher's
// worker.Config.
type PoolConfig struct {
	Workers map[model.TaskType]int

	// ClaimLimiters throttles how often a queue's workers may claim a new
	// task, independent of worker count — a QUEUE_PRIORITIES-adjacent knob
	// for collaborators with their own rate limits (e.g. an LLM provider's
	// requests-per-second cap) that worker count alone can't express. A
	// queue with no entry here claims unthrottled.
	ClaimLimiters map[model.TaskType]*rate.Limiter
}

// Pool runs a fixed number of goroutines per queue, each loop claiming,
// processing and completing one task at a time — adapted from the
// teacher's worker.Pool/worker.Worker, generalized from a single job queue
// to PoolConfig.Workers' per-task-type counts.
type Pool struct {
	queue     Queue
	processor TaskProcessor
	cfg       PoolConfig
	log       *logrus.Entry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(queue Queue, processor TaskProcessor, cfg PoolConfig, log *logrus.Entry) *Pool {
	return &Pool{queue: queue, processor: processor, cfg: cfg, log: log}
}

// Start launches cfg.Workers[tt] goroutines per task type against ctx,
// returning immediately; call Stop to wind them down.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for taskType, n := range p.cfg.Workers {
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.runWorker(ctx, string(taskType), i)
		}
	}
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, queueName string, workerIndex int) {
	defer p.wg.Done()
	log := p.log.WithField("queue", queueName).WithField("worker", workerIndex)
	limiter := p.cfg.ClaimLimiters[model.TaskType(queueName)]

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return // ctx cancelled while waiting for a claim slot
			}
		}

		t, err := p.queue.Claim(ctx, queueName, 5*time.Second)
		if err != nil {
			log.WithError(err).Warn("claim failed")
			continue
		}
		if t == nil {
			continue
		}

		taskCtx, cancel := context.WithTimeout(ctx, p.processor.Timeout(t))
		outcome := p.processor.Process(taskCtx, t)
		cancel()

		if err := p.queue.Complete(ctx, t.TaskID, outcome); err != nil {
			log.WithError(err).WithField("task_id", t.TaskID).Error("complete failed")
		}
	}
}
