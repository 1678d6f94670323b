// Package tbfinality derives transaction- and block-finality status
// from the append-only decision log.
//
// A decision at level L+1 embeds the endorsement quorum for L's payload,
// making L's content final after one confirmation.
// L's header (its decision round) is only guaranteed unique
// under the fitness rule once L+2 has decided.
package tbfinality

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocaml-multicore/tezos-sub005/tb/tbstore"
)

// Tracker answers finality queries. It holds no state of its own;
// every query reads the decision log.
type Tracker struct {
	ds tbstore.DecisionStore
}

func NewTracker(ds tbstore.DecisionStore) *Tracker {
	return &Tracker{ds: ds}
}

// IsTransactionFinal reports whether level's payload content is final:
// true once level+1 has decided.
func (t *Tracker) IsTransactionFinal(ctx context.Context, level uint64) (bool, error) {
	return t.decidedThrough(ctx, level, level+1)
}

// IsBlockFinal reports whether level's block header is final:
// true once level+2 has decided.
// Block finality strictly implies transaction finality.
func (t *Tracker) IsBlockFinal(ctx context.Context, level uint64) (bool, error) {
	return t.decidedThrough(ctx, level, level+2)
}

// Confirmations returns the number of decided levels
// on top of the given decided level.
func (t *Tracker) Confirmations(ctx context.Context, level uint64) (uint64, error) {
	if _, err := t.ds.LoadDecision(ctx, level); err != nil {
		if errors.As(err, &tbstore.NoDecisionError{}) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load decision for level %d: %w", level, err)
	}

	last, ok, err := t.ds.LastDecidedLevel(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load last decided level: %w", err)
	}
	if !ok || last <= level {
		return 0, nil
	}

	// The log is append-only with one decision per level,
	// so every level in (level, last] has decided.
	return last - level, nil
}

func (t *Tracker) decidedThrough(ctx context.Context, level, throughLevel uint64) (bool, error) {
	if _, err := t.ds.LoadDecision(ctx, level); err != nil {
		if errors.As(err, &tbstore.NoDecisionError{}) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load decision for level %d: %w", level, err)
	}

	if _, err := t.ds.LoadDecision(ctx, throughLevel); err != nil {
		if errors.As(err, &tbstore.NoDecisionError{}) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load decision for level %d: %w", throughLevel, err)
	}

	return true, nil
}
