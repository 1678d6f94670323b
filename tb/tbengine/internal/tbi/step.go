package tbi

import "fmt"

// Step is the round state machine's position within one round.
type Step uint8

const (
	_ Step = iota // Zero value reserved.

	// Waiting for the round's proposer to deliver a candidate.
	StepAwaitingProposal

	// Candidate observed and preendorsed;
	// waiting for preendorsement power to reach the threshold.
	StepAwaitingPreendorsementQuorum

	// Preendorsement quorum observed and endorsed;
	// waiting for endorsement power to reach the threshold.
	StepAwaitingEndorsementQuorum

	// The level has decided; terminal for the level.
	StepDecided
)

func (s Step) String() string {
	switch s {
	case StepAwaitingProposal:
		return "awaiting-proposal"
	case StepAwaitingPreendorsementQuorum:
		return "awaiting-preendorsement-quorum"
	case StepAwaitingEndorsementQuorum:
		return "awaiting-endorsement-quorum"
	case StepDecided:
		return "decided"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}
