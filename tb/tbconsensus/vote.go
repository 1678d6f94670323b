package tbconsensus

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// VoteKind distinguishes the two voting phases.
type VoteKind uint8

const (
	_ VoteKind = iota // Zero value reserved.

	// VoteKindPreendorsement is the first-phase vote for a candidate payload.
	VoteKindPreendorsement

	// VoteKindEndorsement is the second-phase vote,
	// cast after observing a preendorsement quorum.
	VoteKindEndorsement
)

func (k VoteKind) String() string {
	switch k {
	case VoteKindPreendorsement:
		return "preendorsement"
	case VoteKindEndorsement:
		return "endorsement"
	default:
		return fmt.Sprintf("VoteKind(%d)", uint8(k))
	}
}

// VoteTarget identifies what a vote is cast for.
type VoteTarget struct {
	Level uint64
	Round uint32

	PayloadHash string
}

// Vote is a single validator's signed vote.
type Vote struct {
	Kind VoteKind

	Level uint64
	Round uint32

	PayloadHash string

	PubKey    tbcrypto.PubKey
	Signature []byte
}

// Target returns the vote's target triple.
func (v Vote) Target() VoteTarget {
	return VoteTarget{Level: v.Level, Round: v.Round, PayloadHash: v.PayloadHash}
}

// SignatureScheme determines the signing content
// for votes and candidate blocks.
// Networks provide their own scheme; [SimpleSignatureScheme] is the default.
type SignatureScheme interface {
	WriteVoteSigningContent(w io.Writer, kind VoteKind, vt VoteTarget) (int, error)
	WriteCandidateSigningContent(w io.Writer, c CandidateBlock) (int, error)
}

// VoteSignBytes returns the bytes a validator signs
// when casting a vote of the given kind for the given target.
func VoteSignBytes(kind VoteKind, vt VoteTarget, s SignatureScheme) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteVoteSigningContent(&buf, kind, vt); err != nil {
		return nil, fmt.Errorf("failed to write vote signing content: %w", err)
	}
	return buf.Bytes(), nil
}

// NewSignedVote signs a vote of the given kind for the given target.
func NewSignedVote(
	ctx context.Context,
	signer tbcrypto.Signer,
	kind VoteKind,
	vt VoteTarget,
	s SignatureScheme,
) (Vote, error) {
	msg, err := VoteSignBytes(kind, vt, s)
	if err != nil {
		return Vote{}, err
	}

	sig, err := signer.Sign(ctx, msg)
	if err != nil {
		return Vote{}, fmt.Errorf("failed to sign %s: %w", kind, err)
	}

	return Vote{
		Kind:        kind,
		Level:       vt.Level,
		Round:       vt.Round,
		PayloadHash: vt.PayloadHash,
		PubKey:      signer.PubKey(),
		Signature:   sig,
	}, nil
}

// SimpleSignatureScheme is a plain-text signing content scheme.
// It is unambiguous and stable, but makes no attempt
// at compatibility with any particular network's wire format.
type SimpleSignatureScheme struct{}

func (SimpleSignatureScheme) WriteVoteSigningContent(w io.Writer, kind VoteKind, vt VoteTarget) (int, error) {
	return fmt.Fprintf(
		w,
		"VOTE:%s\nLEVEL:%d\nROUND:%d\nPAYLOAD:%x\n",
		kind, vt.Level, vt.Round, vt.PayloadHash,
	)
}

func (SimpleSignatureScheme) WriteCandidateSigningContent(w io.Writer, c CandidateBlock) (int, error) {
	return fmt.Fprintf(
		w,
		"CANDIDATE\nLEVEL:%d\nROUND:%d\nPAYLOAD:%x\nPAYLOAD_ROUND:%d\nPREDECESSOR:%x\n",
		c.Level, c.Round, c.PayloadHash, c.PayloadRound, c.PredecessorHash,
	)
}
