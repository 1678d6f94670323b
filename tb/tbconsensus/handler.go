package tbconsensus

import "context"

// ConsensusHandler is the interface for handling incoming consensus messages
// after transport-level deserialization.
// The engine implements this; callers are expected to translate
// the returned results into transport feedback where applicable.
type ConsensusHandler interface {
	HandleCandidate(context.Context, CandidateBlock) HandleCandidateResult
	HandleVote(context.Context, Vote) HandleVoteResult
}

// HandleCandidateResult is a set of remarks
// on the result of handling an incoming candidate block.
type HandleCandidateResult uint8

const (
	_ HandleCandidateResult = iota // Zero value reserved.

	// Candidate accepted for the live level.
	HandleCandidateAccepted

	// Candidate for the immediately following level,
	// held until the live level decides.
	HandleCandidateBuffered

	// Candidate for an already-decided level or an expired round.
	HandleCandidateOutOfDate

	// The candidate's claimed level or round
	// is beyond the buffering window.
	HandleCandidateBeyondWindow

	// The signer is not the proposer slot for the candidate's round.
	HandleCandidateWrongProposer

	// The proposer's signature did not verify.
	HandleCandidateInvalidSignature

	// The candidate carries a justification certificate
	// that does not verify against the level's committee.
	HandleCandidateInvalidJustification

	// A different candidate from the same proposer
	// was already accepted for this round; recorded as evidence.
	HandleCandidateEquivocation

	// The candidate re-proposes a payload conflicting with
	// an observed preendorsement quorum,
	// without a superseding justification.
	HandleCandidateReProposalMismatch

	// The payload proof did not verify.
	HandleCandidateInvalidPayload

	// The committee for the candidate's level could not be loaded.
	HandleCandidateUnknownCommittee

	// Something went wrong internally while handling the candidate.
	HandleCandidateInternalError
)

// HandleVoteResult is a set of remarks
// on the result of handling an incoming vote.
type HandleVoteResult uint8

const (
	_ HandleVoteResult = iota // Zero value reserved.

	// Vote accepted and counted toward quorum power.
	HandleVoteAccepted

	// Vote for the immediately following level,
	// held until the live level decides.
	HandleVoteBuffered

	// Vote for an already-decided level.
	HandleVoteOutOfDate

	// The vote's claimed level is beyond the buffering window.
	HandleVoteBeyondWindow

	// The voter is not in the committee for the vote's level.
	HandleVoteUnknownValidator

	// The voter's signature did not verify.
	HandleVoteInvalidSignature

	// The voter already cast this exact vote; no new information.
	HandleVoteRedundant

	// The voter already cast a conflicting vote of the same kind
	// at this level and round; recorded as evidence,
	// not counted toward quorum power.
	HandleVoteEquivocation

	// The committee for the vote's level could not be loaded.
	HandleVoteUnknownCommittee

	// Something went wrong internally while handling the vote.
	HandleVoteInternalError
)
