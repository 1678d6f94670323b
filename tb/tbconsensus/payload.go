package tbconsensus

import "context"

// PayloadSource supplies fresh payloads for a proposer to bake.
// The engine treats the payload as an opaque hash;
// assembling and storing the actual content is the caller's concern.
//
// PayloadSource is only consulted for fresh proposals;
// re-proposals reuse the quorum-bearing payload by rule.
type PayloadSource interface {
	ProducePayload(ctx context.Context, level uint64, round uint32) (payloadHash string, err error)
}

// PayloadVerifier checks an incoming candidate's payload proof,
// e.g. that the payload hash commits to operations
// the local node can fetch and execute.
// Verification is stateless with respect to round progress,
// so it runs before the candidate reaches the round state machine.
type PayloadVerifier interface {
	VerifyPayload(ctx context.Context, c CandidateBlock) (bool, error)
}
