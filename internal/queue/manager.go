package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/redis/go-redis/v9"
)

// Common errors returned by the Manager
var (
	// ErrNoCapacity is returned by IncrementRunning when all running slots are taken.
	ErrNoCapacity = errors.New("no running capacity")

	// ErrInvalidConfig is returned by NewManager for unusable limits.
	ErrInvalidConfig = errors.New("invalid queue configuration")
)

// enqueueScript appends ARGV[1] to the waiting list only while it holds
// fewer than ARGV[2] entries. Returns the new length, or -1 when full.
var enqueueScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n >= tonumber(ARGV[2]) then
	return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

// incrementScript takes a running slot only while fewer than ARGV[1] are taken.
// Returns the new count, or -1 when no slot is free.
var incrementScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
	return -1
end
return redis.call('INCR', KEYS[1])
`)

// decrementScript releases a running slot, clamping the counter at zero.
// Returns the value before clamping so callers can detect an underflow.
var decrementScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n < 0 then
	redis.call('SET', KEYS[1], 0)
end
return n
`)

// Config holds the queue limits and key namespace.
type Config struct {
	// KeyPrefix namespaces the Redis keys, e.g. "slidegen:queue".
	KeyPrefix  string
	MaxRunning int
	MaxWaiting int
}

// Status is a snapshot of the queue state.
type Status struct {
	Running    int `json:"running"`
	Waiting    int `json:"waiting"`
	MaxRunning int `json:"max_running"`
	MaxWaiting int `json:"max_waiting"`
}

// Manager keeps the running counter and the FIFO waiting list in Redis.
// Every mutation is a single atomic Redis command or script, so several
// service instances can share one Manager namespace.
//
// Read paths fail closed: a Redis error means "cannot admit" and "cannot enqueue".
// Release paths fail open: errors are logged and reported as a zero result.
type Manager struct {
	client     redis.UniversalClient
	cfg        Config
	runningKey string
	waitingKey string
	logger     *slog.Logger
}

// NewManager creates a Manager over the given Redis client.
func NewManager(client redis.UniversalClient, cfg Config, logger *slog.Logger) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfig)
	}
	if cfg.MaxRunning <= 0 {
		return nil, fmt.Errorf("%w: max running must be positive, got %d", ErrInvalidConfig, cfg.MaxRunning)
	}
	if cfg.MaxWaiting < 0 {
		return nil, fmt.Errorf("%w: max waiting must not be negative, got %d", ErrInvalidConfig, cfg.MaxWaiting)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "slidegen:queue"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		client:     client,
		cfg:        cfg,
		runningKey: cfg.KeyPrefix + ":running",
		waitingKey: cfg.KeyPrefix + ":waiting",
		logger:     logger.With(slog.String("component", "queue_manager")),
	}, nil
}

func (m *Manager) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, m.logger)
}

// CanAdmit reports whether a running slot is free. Returns false on store errors.
func (m *Manager) CanAdmit(ctx context.Context) bool {
	running, err := m.running(ctx)
	if err != nil {
		m.log(ctx).Error("failed to read running counter", slog.String("error", err.Error()))
		return false
	}
	return running < m.cfg.MaxRunning
}

// Enqueue appends id to the waiting list if it is not full.
// The length check and push run in one script. Returns false when full or on store errors.
func (m *Manager) Enqueue(ctx context.Context, id string) bool {
	n, err := enqueueScript.Run(ctx, m.client, []string{m.waitingKey}, id, m.cfg.MaxWaiting).Int64()
	if err != nil {
		m.log(ctx).Error("failed to enqueue task",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		return false
	}
	if n < 0 {
		m.log(ctx).Info("waiting list full",
			slog.String("task_id", id),
			slog.Int("max_waiting", m.cfg.MaxWaiting))
		return false
	}
	m.log(ctx).Debug("task enqueued",
		slog.String("task_id", id),
		slog.Int64("waiting", n))
	return true
}

// Dequeue pops the oldest waiting id. ok is false when the list is empty or on store errors.
func (m *Manager) Dequeue(ctx context.Context) (string, bool) {
	id, err := m.client.LPop(ctx, m.waitingKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.log(ctx).Error("failed to dequeue task", slog.String("error", err.Error()))
		}
		return "", false
	}
	return id, true
}

// Requeue puts id back at the head of the waiting list. It is meant for an
// id that was just dequeued and could not be admitted, so the list bound is
// not applied: the id already held its place. Returns false on store errors.
func (m *Manager) Requeue(ctx context.Context, id string) bool {
	if err := m.client.LPush(ctx, m.waitingKey, id).Err(); err != nil {
		m.log(ctx).Error("failed to requeue task",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// Remove deletes a single occurrence of id from the waiting list.
// Returns true if an entry was removed.
func (m *Manager) Remove(ctx context.Context, id string) bool {
	n, err := m.client.LRem(ctx, m.waitingKey, 1, id).Result()
	if err != nil {
		m.log(ctx).Warn("failed to remove task from waiting list",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		return false
	}
	return n > 0
}

// IncrementRunning takes a running slot and returns the new count.
// Returns ErrNoCapacity when the counter is already at the limit.
func (m *Manager) IncrementRunning(ctx context.Context) (int, error) {
	n, err := incrementScript.Run(ctx, m.client, []string{m.runningKey}, m.cfg.MaxRunning).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment running counter: %w", err)
	}
	if n < 0 {
		return 0, ErrNoCapacity
	}
	return int(n), nil
}

// DecrementRunning releases a running slot and returns the new count.
// A decrement below zero is clamped and logged as an invariant violation.
func (m *Manager) DecrementRunning(ctx context.Context) int {
	n, err := decrementScript.Run(ctx, m.client, []string{m.runningKey}).Int64()
	if err != nil {
		m.log(ctx).Error("failed to decrement running counter", slog.String("error", err.Error()))
		return 0
	}
	if n < 0 {
		m.log(ctx).Error("running counter would go negative, clamped to zero",
			slog.Int64("value", n))
		return 0
	}
	return int(n)
}

// Status returns the current counters. Store errors yield zero counts.
func (m *Manager) Status(ctx context.Context) Status {
	status := Status{MaxRunning: m.cfg.MaxRunning, MaxWaiting: m.cfg.MaxWaiting}

	running, err := m.running(ctx)
	if err != nil {
		m.log(ctx).Error("failed to read running counter", slog.String("error", err.Error()))
		return status
	}
	waiting, err := m.client.LLen(ctx, m.waitingKey).Result()
	if err != nil {
		m.log(ctx).Error("failed to read waiting list length", slog.String("error", err.Error()))
		return status
	}

	status.Running = running
	status.Waiting = int(waiting)
	return status
}

// ResetAll zeroes the running counter and clears the waiting list.
func (m *Manager) ResetAll(ctx context.Context) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.runningKey, 0, 0)
		pipe.Del(ctx, m.waitingKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset queue state: %w", err)
	}
	m.log(ctx).Info("queue state reset")
	return nil
}

// Reconcile overwrites the queue state with the given running count and
// waiting ids, in order. Ids that are not UUIDs are dropped. Running the same
// reconciliation twice leaves the same state.
func (m *Manager) Reconcile(ctx context.Context, running int, waitingIDs []string) error {
	if running < 0 {
		running = 0
	}

	valid := make([]interface{}, 0, len(waitingIDs))
	for _, id := range waitingIDs {
		if _, err := uuid.Parse(id); err != nil {
			m.log(ctx).Warn("dropping malformed waiting id", slog.String("task_id", id))
			continue
		}
		valid = append(valid, id)
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.runningKey, running, 0)
		pipe.Del(ctx, m.waitingKey)
		if len(valid) > 0 {
			pipe.RPush(ctx, m.waitingKey, valid...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile queue state: %w", err)
	}

	m.log(ctx).Info("queue state reconciled",
		slog.Int("running", running),
		slog.Int("waiting", len(valid)),
		slog.Int("dropped", len(waitingIDs)-len(valid)))
	return nil
}

func (m *Manager) running(ctx context.Context) (int, error) {
	n, err := m.client.Get(ctx, m.runningKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
