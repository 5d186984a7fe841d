package dispatch

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mounirjaouhari/workflow-engine/model"
)

// RetryPolicy implements §4.3's retry shape: exponential backoff (base,
// factor, cap) with +-20% jitter, bounded by a per-task-type attempt cap.
// Adapted from the teacher's executor.RetryPolicy/BackoffStrategy enum,
// generalized from a single strategy field to the concrete exponential
// shape the specification mandates, built on the teacher's
// cenkalti/backoff dependency instead of a hand-rolled loop.
type RetryPolicy struct {
	Base    time.Duration
	Factor  float64
	Cap     time.Duration
	MaxAttempts int
	MaxRefinementAttempts int // cap applied to refine_block tasks, per §4.3
}

// NextDelay returns the backoff delay before a task that has already been
// retried attempt times (0 on its first failure) is retried again, or
// (0, false) when attempt has exhausted the applicable cap.
func (p RetryPolicy) NextDelay(taskType model.TaskType, attempt int) (time.Duration, bool) {
	cap := p.MaxAttempts
	if taskType == model.TaskTypeRefineBlock {
		cap = p.MaxRefinementAttempts
	}
	if attempt >= cap {
		return 0, false
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = p.Factor
	eb.MaxInterval = p.Cap
	eb.RandomizationFactor = 0 // jitter applied explicitly below so it stays within the documented +-20%

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = eb.NextBackOff()
	}
	if delay <= 0 || delay == backoff.Stop {
		delay = p.Cap
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	jitter := (rand.Float64()*0.4 - 0.2) * float64(delay) // +-20%
	delay += time.Duration(jitter)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// DefaultRetryPolicy builds a RetryPolicy from §6.5 configuration values.
func DefaultRetryPolicy(base time.Duration, factor float64, cap time.Duration, maxAttempts, maxRefinementAttempts int) RetryPolicy {
	return RetryPolicy{
		Base:                  base,
		Factor:                factor,
		Cap:                   cap,
		MaxAttempts:           maxAttempts,
		MaxRefinementAttempts: maxRefinementAttempts,
	}
}
