package tbstore

import (
	"context"
	"fmt"

	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
)

// DecisionStore is the append-only log of decided levels.
//
// Saving a second, conflicting decision for a level must fail with
// [DecisionConflictError]; callers treat that as a fatal invariant violation.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d tbconsensus.Decision) error

	LoadDecision(ctx context.Context, level uint64) (tbconsensus.Decision, error)

	// LastDecidedLevel returns the highest decided level,
	// with ok false when nothing has decided yet.
	LastDecidedLevel(ctx context.Context) (level uint64, ok bool, err error)
}

// NoDecisionError indicates a lookup for a level that has not decided.
type NoDecisionError struct {
	Level uint64
}

func (e NoDecisionError) Error() string {
	return fmt.Sprintf("no decision for level %d", e.Level)
}

// DecisionConflictError indicates an attempt to overwrite a level's decision
// with a different payload. This should be impossible under correct
// threshold math and single-writer discipline.
type DecisionConflictError struct {
	Level                uint64
	HavePayload, NewPayload string
}

func (e DecisionConflictError) Error() string {
	return fmt.Sprintf(
		"conflicting decision for level %d: have payload %x, refusing payload %x",
		e.Level, e.HavePayload, e.NewPayload,
	)
}
