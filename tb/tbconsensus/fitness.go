package tbconsensus

import "cmp"

// Fitness ranks competing candidate chains for fork choice.
//
// Levels compare first; among candidates at the same level,
// the one decided at a lower round is fitter.
// The remaining fields break ties deterministically
// so that Compare is a strict total order over distinct tuples.
type Fitness struct {
	Level uint64

	// LockedRound is the round of the proposer's lock when the block
	// was proposed, or -1 when the payload was never locked.
	LockedRound int32

	// PredecessorRound is the round at which the predecessor level decided.
	PredecessorRound uint32

	// Round is the round at which this level decided.
	Round uint32
}

// Compare returns a negative value if f is less fit than other,
// zero if the tuples are equal, and a positive value if f is fitter.
func (f Fitness) Compare(other Fitness) int {
	if c := cmp.Compare(f.Level, other.Level); c != 0 {
		return c
	}
	// Lower decision round is fitter.
	if c := cmp.Compare(other.Round, f.Round); c != 0 {
		return c
	}
	// Lower predecessor round is fitter.
	if c := cmp.Compare(other.PredecessorRound, f.PredecessorRound); c != 0 {
		return c
	}
	// A higher lock indicates strictly later quorum knowledge.
	return cmp.Compare(f.LockedRound, other.LockedRound)
}

// BetterChain reports whether the chain ending in tip a
// should be preferred over the chain ending in tip b:
// higher level wins, then fitness at the common level.
func BetterChain(a, b Fitness) bool {
	if a.Level != b.Level {
		return a.Level > b.Level
	}
	return a.Compare(b) > 0
}
