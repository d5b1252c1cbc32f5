package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/store"
)

// Waiting task policies applied on restart.
const (
	// WaitingPolicyPreserve keeps waiting tasks queued in creation order.
	WaitingPolicyPreserve = "preserve"
	// WaitingPolicyFail fails every waiting task.
	WaitingPolicyFail = "fail"
)

// QueueAdvancer admits waiting tasks while capacity allows.
// It is satisfied by *Service.
type QueueAdvancer interface {
	AdvanceQueue(ctx context.Context) int
}

// ReconcilerConfig holds configuration for the Reconciler.
type ReconcilerConfig struct {
	// WaitingPolicy is WaitingPolicyPreserve or WaitingPolicyFail.
	WaitingPolicy string

	// SweepInterval is how often Start sweeps orphaned dedup slots.
	// If zero, defaults to 10 minutes.
	SweepInterval time.Duration

	// SlotGracePeriod protects freshly claimed slots whose originating task
	// may not be saved yet. If zero, defaults to 1 minute.
	SlotGracePeriod time.Duration
}

// ReconcileReport summarises one reconciliation run.
type ReconcileReport struct {
	Interrupted int `json:"interrupted"`
	Cancelled   int `json:"cancelled"`
	Preserved   int `json:"preserved"`
	Admitted    int `json:"admitted"`
	SlotsSwept  int `json:"slots_swept"`
}

// Reconciler rebuilds the queue state from the task store after a restart
// and removes dedup slots whose originator can no longer write them.
type Reconciler struct {
	tasks    store.TaskStore
	slots    store.SlotStore
	queue    Queue
	advancer QueueAdvancer
	config   ReconcilerConfig
	logger   *slog.Logger
	now      func() time.Time

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	tasks store.TaskStore,
	slots store.SlotStore,
	queue Queue,
	advancer QueueAdvancer,
	config ReconcilerConfig,
	logger *slog.Logger,
) (*Reconciler, error) {
	if tasks == nil || slots == nil || queue == nil || advancer == nil {
		return nil, errors.New("reconciler dependencies cannot be nil")
	}
	switch config.WaitingPolicy {
	case "":
		config.WaitingPolicy = WaitingPolicyPreserve
	case WaitingPolicyPreserve, WaitingPolicyFail:
	default:
		return nil, fmt.Errorf("unknown waiting policy %q", config.WaitingPolicy)
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Minute
	}
	if config.SlotGracePeriod <= 0 {
		config.SlotGracePeriod = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		tasks:      tasks,
		slots:      slots,
		queue:      queue,
		advancer:   advancer,
		config:     config,
		logger:     logger.With(slog.String("component", "reconciler")),
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		cancelFunc: cancel,
	}, nil
}

// Run reconciles once. It must complete before the service accepts requests.
// Running tasks are failed as interrupted. The queue is rebuilt from the
// waiting tasks the policy keeps.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	if err := r.queue.ResetAll(ctx); err != nil {
		return report, fmt.Errorf("failed to reset queue: %w", err)
	}

	running, err := r.tasks.FindByStatus(ctx, domain.TaskStatusRunning)
	if err != nil {
		return report, fmt.Errorf("failed to load running tasks: %w", err)
	}
	for _, t := range running {
		if r.fail(ctx, t, ReasonInterrupted) {
			report.Interrupted++
		}
	}

	waiting, err := r.tasks.FindByStatus(ctx, domain.TaskStatusWaiting)
	if err != nil {
		return report, fmt.Errorf("failed to load waiting tasks: %w", err)
	}
	preserved := make([]string, 0, len(waiting))
	for _, t := range waiting {
		if r.config.WaitingPolicy == WaitingPolicyFail {
			if r.fail(ctx, t, ReasonCancelledByRestart) {
				report.Cancelled++
			}
			continue
		}
		preserved = append(preserved, t.ID.String())
	}
	report.Preserved = len(preserved)

	if err := r.queue.Reconcile(ctx, 0, preserved); err != nil {
		return report, fmt.Errorf("failed to rebuild queue: %w", err)
	}
	if len(preserved) > 0 {
		report.Admitted = r.advancer.AdvanceQueue(ctx)
	}

	swept, err := r.SweepEmptySlots(ctx)
	if err != nil {
		r.logger.Error("failed to sweep dedup slots", slog.String("error", err.Error()))
	}
	report.SlotsSwept = swept

	r.logger.Info("reconciliation complete",
		slog.Int("interrupted", report.Interrupted),
		slog.Int("cancelled", report.Cancelled),
		slog.Int("preserved", report.Preserved),
		slog.Int("admitted", report.Admitted),
		slog.Int("slots_swept", report.SlotsSwept))
	return report, nil
}

func (r *Reconciler) fail(ctx context.Context, t *domain.Task, reason string) bool {
	expected := t.Status
	updated := t.Clone()
	if err := updated.MarkFailed(reason, r.now()); err != nil {
		r.logger.Error("cannot fail task", slog.String("task_id", t.ID.String()), slog.String("error", err.Error()))
		return false
	}
	if err := r.tasks.CompareAndSwapStatus(ctx, updated, expected); err != nil {
		r.logger.Warn("failed to update task during reconciliation",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// SweepEmptySlots deletes empty dedup slots that no active task will ever
// populate, so the next request for the key can claim it again.
// Returns the number of slots removed.
func (r *Reconciler) SweepEmptySlots(ctx context.Context) (int, error) {
	empty, err := r.slots.ListEmpty(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list empty slots: %w", err)
	}

	cutoff := r.now().Add(-r.config.SlotGracePeriod)
	removed := 0
	for _, slot := range empty {
		if slot.CreatedAt.After(cutoff) {
			continue
		}
		active, err := r.tasks.HasActiveOriginator(ctx, slot.Key)
		if err != nil {
			r.logger.Warn("failed to check slot originator",
				slog.String("key", slot.Key.String()),
				slog.String("error", err.Error()))
			continue
		}
		if active {
			continue
		}
		deleted, err := r.slots.DeleteIfEmpty(ctx, slot.Key)
		if err != nil {
			r.logger.Warn("failed to delete orphaned slot",
				slog.String("key", slot.Key.String()),
				slog.String("error", err.Error()))
			continue
		}
		if deleted {
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info("swept orphaned dedup slots", slog.Int("count", removed))
	}
	return removed, nil
}

// Start begins sweeping orphaned slots periodically.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.sweepMonitor()
}

// Stop halts the periodic sweep and waits for it to exit.
func (r *Reconciler) Stop() {
	r.cancelFunc()
	r.wg.Wait()
}

func (r *Reconciler) sweepMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepEmptySlots(r.ctx); err != nil {
				r.logger.Error("periodic slot sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
