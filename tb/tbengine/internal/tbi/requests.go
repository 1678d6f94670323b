package tbi

import (
	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
)

// AddCandidateRequest asks the kernel to apply a candidate block
// that already passed stateless validation
// (committee membership, proposer slot, signatures).
type AddCandidateRequest struct {
	Candidate tbconsensus.CandidateBlock

	Resp chan tbconsensus.HandleCandidateResult
}

// AddVoteRequest asks the kernel to apply a vote
// that already passed stateless validation.
// Slot is the voter's committee slot at the vote's level,
// resolved by the caller so the kernel need not repeat the lookup
// for live-level votes.
type AddVoteRequest struct {
	Vote tbconsensus.Vote
	Slot int

	Resp chan tbconsensus.HandleVoteResult
}

// TimeoutRequest asks the kernel to treat the given round as expired.
// The kernel ignores requests that do not match the live level and round,
// so a stale timeout cannot skip a round that already progressed.
type TimeoutRequest struct {
	Level uint64
	Round uint32

	Resp chan TimeoutResult
}

// TimeoutResult reports how the kernel treated a timeout request.
type TimeoutResult uint8

const (
	_ TimeoutResult = iota // Zero value reserved.

	// The live round expired and the machine advanced.
	TimeoutApplied

	// The request did not match the live level and round.
	TimeoutStale
)
