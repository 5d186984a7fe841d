package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/mounirjaouhari/workflow-engine/dispatch"
	"github.com/mounirjaouhari/workflow-engine/driver"
	"github.com/mounirjaouhari/workflow-engine/intake"
	"github.com/mounirjaouhari/workflow-engine/logging"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/planner"
	"github.com/mounirjaouhari/workflow-engine/policy"
	"github.com/mounirjaouhari/workflow-engine/reconcile"
	"github.com/mounirjaouhari/workflow-engine/store"
	"github.com/mounirjaouhari/workflow-engine/wfconfig"
)

// notifyChannel is the Postgres channel task workers and ingress callers
// NOTIFY on with a JSON-encoded notifyEvent; see intake.Listener.
const notifyChannel = "workflow_events"

// checkpointPath is where the reconciler durably records its last-swept
// watermark across restarts.
const checkpointPath = "workflowd_reconcile.db"

func newServeCmd(v *viper.Viper, logLevel, logFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine: driver, intake listener, worker pool and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, *logLevel, *logFormat)
		},
	}
}

func runServe(ctx context.Context, v *viper.Viper, logLevel, logFormat string) error {
	cfg, err := wfconfig.Load(v)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: logLevel, Format: logFormat, Service: "workflowd", Version: "dev"})
	entry := logging.Entry(log, logging.Config{Service: "workflowd", Version: "dev"}, "serve")

	repo, err := store.NewPostgresRepository(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	retryPolicy := dispatch.DefaultRetryPolicy(cfg.BackoffBase, cfg.BackoffFactor, cfg.BackoffCap, cfg.MaxTaskRetries, cfg.MaxRefinementAttempts)
	queue := dispatch.NewRedisQueue(redisClient, retryPolicy)

	pl := planner.New(func(ctx context.Context, id string) (*model.ContentBlock, error) {
		return repo.GetBlock(ctx, id)
	})

	d := &driver.Driver{
		Repo:       repo,
		Queue:      queue,
		Supervised: policy.SupervisedPolicy{
			MaxRefinementAttempts: cfg.MaxRefinementAttempts,
			Planner:               pl,
			VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
				return repo.GetVersion(ctx, versionID)
			},
		},
		Autonomous: policy.AutonomousPolicy{
			MaxRefinementAttempts: cfg.MaxRefinementAttempts,
			ValidationThreshold:   cfg.ValidationThreshold,
			Planner:               pl,
			VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
				return repo.GetVersion(ctx, versionID)
			},
		},
		Log: logging.Entry(log, logging.Config{Service: "workflowd", Version: "dev"}, "driver"),
	}

	in := intake.New(d)
	listener := intake.NewListener(repo.Pool(), notifyChannel, in, logging.Entry(log, logging.Config{Service: "workflowd", Version: "dev"}, "intake"))

	checkpoint, err := reconcile.OpenCheckpoint(checkpointPath)
	if err != nil {
		return err
	}
	defer checkpoint.Close()

	reconciler := reconcile.New(repo, queue, d, cfg.ReconcileInterval, checkpoint,
		logging.Entry(log, logging.Config{Service: "workflowd", Version: "dev"}, "reconcile"))

	pool := dispatch.NewPool(queue, &egressProcessor{log: entry}, poolConfig(cfg), entry)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go listener.Run(runCtx)
	go reconciler.Run(runCtx)
	pool.Start(runCtx)

	entry.Info("workflowd started")
	<-runCtx.Done()
	entry.Info("shutting down")
	pool.Stop()
	return nil
}

// poolConfig translates the string-keyed queue worker counts §6.5 loads
// from configuration into the model.TaskType-keyed map dispatch.Pool wants.
func poolConfig(cfg *wfconfig.WorkflowConfig) dispatch.PoolConfig {
	workers := make(map[model.TaskType]int, len(cfg.QueueWorkers))
	for name, n := range cfg.QueueWorkers {
		workers[model.TaskType(name)] = n
	}
	var limiters map[model.TaskType]*rate.Limiter
	if len(cfg.QueueClaimRatePerSec) > 0 {
		limiters = make(map[model.TaskType]*rate.Limiter, len(cfg.QueueClaimRatePerSec))
		for name, perSec := range cfg.QueueClaimRatePerSec {
			limiters[model.TaskType(name)] = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
	return dispatch.PoolConfig{Workers: workers, ClaimLimiters: limiters}
}

// egressProcessor is the thin adapter named in dispatch's TaskProcessor doc
// comment: it owns the per-task-type deadline and would forward a claimed
// task across the egress contract to whichever worker process handles it.
// Wiring a real transport (HTTP callback, gRPC stream, message broker
// publish) is an external integration left to the deployment; this
// implementation exists so `serve` has a concrete, injectable processor.
type egressProcessor struct {
	log *logrus.Entry
}

func (p *egressProcessor) Process(ctx context.Context, t *model.WorkflowTask) dispatch.Outcome {
	p.log.WithField("task_id", t.TaskID).WithField("task_type", t.TaskType).
		Warn("no egress transport configured; leaving task for reconciler deadline recovery")
	<-ctx.Done()
	return dispatch.Outcome{Success: false, Retryable: true, ErrorMessage: "no egress transport configured"}
}

func (p *egressProcessor) Timeout(t *model.WorkflowTask) time.Duration {
	if t.TaskType == model.TaskTypeExportDocument {
		return 15 * time.Minute
	}
	return 5 * time.Minute
}
