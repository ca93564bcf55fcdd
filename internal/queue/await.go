package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// ErrGiveUp is returned when a bounded wait runs out of budget before the job
// resolves. It is non-fatal: the job keeps running, only the waiting stops.
var ErrGiveUp = errors.New("queue: gave up waiting for job")

// Backoff describes how the delay between completion checks grows. Step adds,
// Factor multiplies; callers use one or the other. A zero MaxTotal means the
// wait is bounded only by the caller's context.
type Backoff struct {
	Initial  time.Duration
	Step     time.Duration
	Factor   float64
	MaxTotal time.Duration
}

// Additive grows the delay by step after every check.
func Additive(initial, step, maxTotal time.Duration) Backoff {
	return Backoff{Initial: initial, Step: step, MaxTotal: maxTotal}
}

// Doubling doubles the delay after every check.
func Doubling(initial, maxTotal time.Duration) Backoff {
	return Backoff{Initial: initial, Factor: 2, MaxTotal: maxTotal}
}

func (b Backoff) next(d time.Duration) time.Duration {
	if b.Factor > 1 {
		return time.Duration(float64(d) * b.Factor)
	}
	return d + b.Step
}

// TaskStatuser is the slice of asynq.Inspector the awaiter needs.
type TaskStatuser interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// Awaiter polls a job handle until it resolves or the backoff budget is
// exhausted. The serving request/response cycle has its own ~60s ceiling, so
// every budget passed in here stays well under that.
type Awaiter struct {
	inspector TaskStatuser
}

// NewAwaiter constructs an awaiter around an asynq inspector.
func NewAwaiter(inspector *asynq.Inspector) *Awaiter {
	return &Awaiter{inspector: inspector}
}

func newAwaiter(inspector TaskStatuser) *Awaiter {
	return &Awaiter{inspector: inspector}
}

// Await blocks until the job behind h resolves, returning its result bytes.
// It returns ErrGiveUp once the accumulated delay exceeds backoff.MaxTotal.
// Tasks that failed are archived and never reach the completed state, so a
// failure surfaces to callers as a give-up, never as a partial result.
func (a *Awaiter) Await(ctx context.Context, h Handle, backoff Backoff) ([]byte, error) {
	delay := backoff.Initial
	var total time.Duration
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		total += delay
		delay = backoff.next(delay)

		info, err := a.inspector.GetTaskInfo(h.Queue, h.ID)
		switch {
		case err == nil && info.State == asynq.TaskStateCompleted:
			return info.Result, nil
		case err != nil && !errors.Is(err, asynq.ErrTaskNotFound):
			return nil, err
		}
		// Not found means retention lapsed or the task was deleted;
		// either way it will never resolve, so run out the budget like
		// any other unresolved job.
		if backoff.MaxTotal > 0 && total > backoff.MaxTotal {
			return nil, ErrGiveUp
		}
	}
}
