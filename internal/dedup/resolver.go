// Package dedup decides, for each new generation request, whether a shared
// artifact can be reused and which task, if any, may publish its result.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/phrazzld/slidegen/internal/store"
)

// Outcome is the kind of decision Resolve makes.
type Outcome int

// Possible outcomes
const (
	// OutcomeOriginate means the task must run the pipeline.
	OutcomeOriginate Outcome = iota
	// OutcomeCached means an existing result can be returned immediately.
	OutcomeCached
	// OutcomeRetry means the decision could not be made; the caller may try again.
	OutcomeRetry
)

// String implements fmt.Stringer for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeOriginate:
		return "originate"
	case OutcomeCached:
		return "cached"
	case OutcomeRetry:
		return "retry"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Resolution is the result of Resolve.
type Resolution struct {
	Outcome Outcome

	// Result is set for OutcomeCached.
	Result *domain.ArtifactResult

	// ClaimNeeded is set for OutcomeOriginate when this task won the slot and
	// must write its result back on success.
	ClaimNeeded bool

	// Reason explains OutcomeRetry.
	Reason string
}

// Cached builds a cache hit resolution.
func Cached(result *domain.ArtifactResult) Resolution {
	return Resolution{Outcome: OutcomeCached, Result: result}
}

// Originate builds a resolution that runs the pipeline.
func Originate(claimNeeded bool) Resolution {
	return Resolution{Outcome: OutcomeOriginate, ClaimNeeded: claimNeeded}
}

// Retry builds a resolution for a transient failure.
func Retry(reason string) Resolution {
	return Resolution{Outcome: OutcomeRetry, Reason: reason}
}

// SlotReader is the part of store.SlotStore the resolver uses.
type SlotReader interface {
	Get(ctx context.Context, key domain.DedupKey) (*domain.DedupSlot, error)
	InsertIfAbsent(ctx context.Context, key domain.DedupKey) (bool, error)
}

// RequestHistory answers whether a requester has asked for a key before.
type RequestHistory interface {
	ExistsForRequester(ctx context.Context, requesterID string, key domain.DedupKey) (bool, error)
}

// Resolver implements the dedup decision over the durable slot store.
// It holds no locks: the store's unique key on slots arbitrates concurrent claims.
type Resolver struct {
	slots   SlotReader
	history RequestHistory
	logger  *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(slots SlotReader, history RequestHistory, logger *slog.Logger) (*Resolver, error) {
	if slots == nil {
		return nil, errors.New("slot store cannot be nil")
	}
	if history == nil {
		return nil, errors.New("request history cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		slots:   slots,
		history: history,
		logger:  logger.With(slog.String("component", "dedup_resolver")),
	}, nil
}

// Resolve decides how a request for key by requester should proceed.
//
// Documents that are not shared always originate without touching the slot
// store. For shared documents a populated slot is a cache hit unless the
// requester has asked for this key before, which is treated as a deliberate
// regeneration. An empty slot belongs to another originator, so the request
// runs without write-back. An absent slot is claimed; only the winner writes back.
//
// The returned error is non-nil only for an invalid key; store failures are
// reported as OutcomeRetry.
func (r *Resolver) Resolve(
	ctx context.Context,
	key domain.DedupKey,
	origin domain.DocumentOrigin,
	requesterID string,
) (Resolution, error) {
	if err := key.Validate(); err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	log := logger.FromContextOrDefault(ctx, r.logger).With(
		slog.String("dedup_key", key.String()),
		slog.String("requester_id", requesterID))

	if !origin.Shared() {
		return Originate(false), nil
	}

	slot, err := r.slots.Get(ctx, key)
	switch {
	case err == nil && slot.Populated():
		seen, err := r.history.ExistsForRequester(ctx, requesterID, key)
		if err != nil {
			log.Error("failed to check request history", slog.String("error", err.Error()))
			return Retry("request history unavailable"), nil
		}
		if seen {
			log.Debug("requester asked before, regenerating")
			return Originate(false), nil
		}
		log.Debug("dedup cache hit")
		return Cached(slot.Result), nil

	case err == nil:
		log.Debug("slot claimed by another originator")
		return Originate(false), nil

	case !store.IsNotFoundError(err):
		log.Error("failed to look up dedup slot", slog.String("error", err.Error()))
		return Retry("dedup store unavailable"), nil
	}

	won, err := r.slots.InsertIfAbsent(ctx, key)
	if err != nil {
		if store.IsDuplicateError(err) {
			return Originate(false), nil
		}
		log.Error("failed to claim dedup slot", slog.String("error", err.Error()))
		return Retry("dedup store unavailable"), nil
	}

	log.Debug("dedup slot claim", slog.Bool("won", won))
	return Originate(won), nil
}
