package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// notifyEvent is the JSON payload a NOTIFY workflow_events carries — posted
// by workers completing a task, or by an administrative tool raising a user
// signal out of process. Exactly one of TaskResult/UserSignal is set.
type notifyEvent struct {
	Kind       string       `json:"kind"` // "task_result" or "user_signal"
	TaskResult *TaskOutcome `json:"task_result,omitempty"`
	UserSignal *UserSignal  `json:"user_signal,omitempty"`
}

// Listener subscribes to a Postgres NOTIFY channel and replays every event it
// receives through Intake, so out-of-process task completions and
// administrative signals reach the Driver without polling. Adapted from the
// teacher's db.Listener (LISTEN/NOTIFY with automatic reconnect), generalized
// from an arbitrary StateEvent payload to this package's two typed ingress
// shapes.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	intake  *Intake
	log     *logrus.Entry
}

func NewListener(pool *pgxpool.Pool, channel string, in *Intake, log *logrus.Entry) *Listener {
	return &Listener{pool: pool, channel: channel, intake: in, log: log}
}

// Run blocks, listening until ctx is cancelled, reconnecting on any
// connection error after a one-second backoff.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := l.listenOnce(ctx); err != nil {
			l.log.WithError(err).Warn("intake listener disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", l.channel, err)
	}
	l.log.WithField("channel", l.channel).Info("intake listener subscribed")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var event notifyEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			l.log.WithError(err).Warn("intake listener: malformed notification payload")
			continue
		}
		l.dispatch(ctx, event)
	}
}

func (l *Listener) dispatch(ctx context.Context, event notifyEvent) {
	switch event.Kind {
	case "task_result":
		if event.TaskResult == nil {
			return
		}
		if _, err := l.intake.SubmitTaskResult(ctx, *event.TaskResult); err != nil {
			l.log.WithError(err).WithField("task_id", event.TaskResult.TaskID).Error("submit_task_result failed")
		}
	case "user_signal":
		if event.UserSignal == nil {
			return
		}
		if _, err := l.intake.SubmitUserSignal(ctx, *event.UserSignal); err != nil {
			l.log.WithError(err).WithField("project_id", event.UserSignal.ProjectID).Error("submit_user_signal failed")
		}
	default:
		l.log.WithField("kind", event.Kind).Warn("intake listener: unknown notification kind")
	}
}
