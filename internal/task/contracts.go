package task

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/dedup"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/queue"
)

// Job is the unit of work handed to a worker. TaskID correlates the
// completion callback with the durable task.
type Job struct {
	TaskID      uuid.UUID               `json:"task_id"`
	RequesterID string                  `json:"requester_id"`
	Document    domain.DocumentKey      `json:"document"`
	Origin      domain.DocumentOrigin   `json:"origin"`
	Kind        domain.ArtifactKind     `json:"kind"`
	Params      domain.GenerationParams `json:"params"`
}

// JobFromTask builds the dispatch payload for a task.
func JobFromTask(t *domain.Task) Job {
	return Job{
		TaskID:      t.ID,
		RequesterID: t.RequesterID,
		Document:    t.Document,
		Origin:      t.Origin,
		Kind:        t.Kind,
		Params:      t.Params,
	}
}

// Outcome is what a worker reports for a finished job.
type Outcome struct {
	Result *domain.ArtifactResult `json:"result,omitempty"`
	Reason string                 `json:"reason,omitempty"`
}

// Succeeded returns a successful Outcome.
func Succeeded(result *domain.ArtifactResult) Outcome {
	return Outcome{Result: result}
}

// Failed returns a failed Outcome with the pipeline's reason.
func Failed(reason string) Outcome {
	if reason == "" {
		reason = ReasonUnknownFailure
	}
	return Outcome{Reason: reason}
}

// Success reports whether the job produced a result.
func (o Outcome) Success() bool {
	return o.Reason == "" && o.Result != nil
}

// Receipt identifies an accepted dispatch.
type Receipt struct {
	Ref string
}

// Dispatcher hands jobs to the worker pool. Delivery is at least once.
type Dispatcher interface {
	// Submit hands the job to a worker. An error means the job was not accepted.
	Submit(ctx context.Context, job Job) (Receipt, error)

	// Revoke asks the worker running the task to stop. Best-effort.
	Revoke(ctx context.Context, taskID uuid.UUID) error
}

// CompletionHandler receives job outcomes from a dispatcher.
type CompletionHandler func(ctx context.Context, taskID uuid.UUID, outcome Outcome) error

// Runner executes one generation job.
type Runner interface {
	Run(ctx context.Context, job Job) (*domain.ArtifactResult, error)
}

// Queue is the shared running counter and waiting list.
// It is satisfied by *queue.Manager.
type Queue interface {
	CanAdmit(ctx context.Context) bool
	Enqueue(ctx context.Context, id string) bool
	Dequeue(ctx context.Context) (string, bool)
	Requeue(ctx context.Context, id string) bool
	Remove(ctx context.Context, id string) bool
	IncrementRunning(ctx context.Context) (int, error)
	DecrementRunning(ctx context.Context) int
	Status(ctx context.Context) queue.Status
	ResetAll(ctx context.Context) error
	Reconcile(ctx context.Context, running int, waitingIDs []string) error
}

// Resolver decides whether a request can be served from the dedup cache.
// It is satisfied by *dedup.Resolver.
type Resolver interface {
	Resolve(
		ctx context.Context,
		key domain.DedupKey,
		origin domain.DocumentOrigin,
		requesterID string,
	) (dedup.Resolution, error)
}

var (
	_ Queue    = (*queue.Manager)(nil)
	_ Resolver = (*dedup.Resolver)(nil)
)
