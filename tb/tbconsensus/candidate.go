package tbconsensus

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// CandidateBlock is a proposal for one (level, round).
type CandidateBlock struct {
	Level uint64
	Round uint32

	// PayloadHash identifies the proposed non-consensus content.
	PayloadHash string

	// PayloadRound is the round at which this payload was first proposed
	// at this level. Equal to Round for a fresh payload;
	// lower for a re-proposal.
	PayloadRound uint32

	PredecessorHash string

	ProposerPubKey tbcrypto.PubKey

	// Justification is the preendorsement quorum backing a re-proposal.
	// Required when PayloadRound < Round; nil for fresh payloads.
	Justification *QuorumCertificate

	// PrevEndorsementQC is the endorsement quorum for the predecessor level's
	// payload, embedded as that level's confirmation.
	// Nil only at the initial level.
	PrevEndorsementQC *QuorumCertificate

	Signature []byte
}

// CandidateSignBytes returns the bytes the proposer signs over a candidate.
func CandidateSignBytes(c CandidateBlock, s SignatureScheme) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteCandidateSigningContent(&buf, c); err != nil {
		return nil, fmt.Errorf("failed to write candidate signing content: %w", err)
	}
	return buf.Bytes(), nil
}

// SignCandidate fills in c's signature using the given signer,
// which must belong to the proposer.
func SignCandidate(ctx context.Context, signer tbcrypto.Signer, c *CandidateBlock, s SignatureScheme) error {
	msg, err := CandidateSignBytes(*c, s)
	if err != nil {
		return err
	}

	sig, err := signer.Sign(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to sign candidate: %w", err)
	}

	c.ProposerPubKey = signer.PubKey()
	c.Signature = sig
	return nil
}

// Decision is the terminal, append-only record
// that a candidate reached an endorsement quorum at its level.
type Decision struct {
	Level uint64
	Round uint32

	// PayloadRound is the round at which the decided payload
	// was first proposed.
	// It equals Round unless the payload was re-proposed.
	PayloadRound uint32

	PayloadHash     string
	PredecessorHash string

	ProposerPubKey tbcrypto.PubKey

	Fitness Fitness

	// Time is when the decision was observed locally.
	// It is the baseline for the next level's round clock.
	Time time.Time

	// EndorsementQC is the quorum that decided this level.
	EndorsementQC QuorumCertificate

	// PrevEndorsementQC is the embedded confirmation
	// of the predecessor level's payload.
	// Nil only at the initial level.
	PrevEndorsementQC *QuorumCertificate
}
