package tbstore

import (
	"context"

	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
)

// StateStore persists the minimal per-level voting state
// the engine needs to rehydrate after a restart:
// the locked round and payload of the live level, if any.
//
// The engine never replays vote history from storage;
// this record plus the decision log is the whole restart surface.
type StateStore interface {
	SaveLock(ctx context.Context, level uint64, round uint32, payloadHash string) error

	// LoadLock returns ok false when no lock is recorded for the level.
	LoadLock(ctx context.Context, level uint64) (round uint32, payloadHash string, ok bool, err error)

	// ClearLock removes the level's lock record, typically once it decides.
	ClearLock(ctx context.Context, level uint64) error
}

// EvidenceStore retains equivocation evidence
// within the slashing acceptance window.
type EvidenceStore interface {
	SaveEvidence(ctx context.Context, ev tbconsensus.Evidence) error

	LoadEvidence(ctx context.Context, level uint64) ([]tbconsensus.Evidence, error)

	// PruneBefore drops evidence for levels below the given level,
	// once the slashing window has passed.
	PruneBefore(ctx context.Context, level uint64) error
}
