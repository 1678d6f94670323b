package tbi

// SnapshotRequest asks the kernel for a copy of the live round state.
type SnapshotRequest struct {
	Resp chan RoundStateSnapshot
}

// RoundStateSnapshot is a read-only copy of the live round state,
// for monitoring and introspection.
// It carries no references into kernel-owned data.
type RoundStateSnapshot struct {
	Level uint64
	Round uint32

	Step Step

	// CandidatePayloadHash is the payload of the candidate
	// accepted for the live round, or empty before one arrives.
	CandidatePayloadHash string

	// LockedRound is -1 when no lock is held.
	LockedRound       int32
	LockedPayloadHash string

	// PreendorsementPower and EndorsementPower are the live round's
	// counted powers for the candidate payload.
	PreendorsementPower uint64
	EndorsementPower    uint64

	QuorumThreshold uint64

	ConsecutiveTimeouts uint32
}
