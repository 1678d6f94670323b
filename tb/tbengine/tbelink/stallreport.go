// Package tbelink contains types for the engine's external links:
// values the engine emits to collaborators
// that are not part of the consensus messages themselves.
package tbelink

// StallReport is emitted when the live level has failed to decide
// across a configured number of consecutive round timeouts,
// typically because less than two thirds of the committee power is live.
//
// The engine keeps advancing rounds regardless;
// the report exists so an operator or driver can react.
type StallReport struct {
	Level uint64

	// Round is the round whose timeout triggered the report.
	Round uint32

	// ConsecutiveTimeouts is the number of rounds at this level
	// that have timed out without a decision.
	ConsecutiveTimeouts uint32

	// PreendorsementPower is the summed power of distinct validators
	// whose preendorsements were counted in the expired round,
	// across all payloads.
	// It distinguishes a dark network from a vote split.
	PreendorsementPower uint64
}
