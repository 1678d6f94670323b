package tbconsensus

import (
	"errors"
	"fmt"

	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// EvidenceKind distinguishes the classes of equivocation
// the protocol punishes.
type EvidenceKind uint8

const (
	_ EvidenceKind = iota // Zero value reserved.

	// EvidenceDoubleBaking: two signed candidates from one proposer
	// at the same level and round with differing payloads.
	EvidenceDoubleBaking

	// EvidenceDoublePreendorsing: two signed preendorsements
	// from one validator at the same level and round with differing payloads.
	EvidenceDoublePreendorsing

	// EvidenceDoubleEndorsing: the endorsement equivalent.
	EvidenceDoubleEndorsing
)

func (k EvidenceKind) String() string {
	switch k {
	case EvidenceDoubleBaking:
		return "double-baking"
	case EvidenceDoublePreendorsing:
		return "double-preendorsing"
	case EvidenceDoubleEndorsing:
		return "double-endorsing"
	default:
		return fmt.Sprintf("EvidenceKind(%d)", uint8(k))
	}
}

// Evidence holds the two conflicting signed artifacts
// proving one validator equivocated.
//
// Exactly one pair is populated:
// votes for double voting, candidates for double baking.
type Evidence struct {
	Kind EvidenceKind

	FirstVote  *Vote
	SecondVote *Vote

	FirstCandidate  *CandidateBlock
	SecondCandidate *CandidateBlock
}

// Level returns the chain level the equivocation occurred at.
func (ev Evidence) Level() uint64 {
	if ev.Kind == EvidenceDoubleBaking {
		return ev.FirstCandidate.Level
	}
	return ev.FirstVote.Level
}

// Round returns the round the equivocation occurred at.
func (ev Evidence) Round() uint32 {
	if ev.Kind == EvidenceDoubleBaking {
		return ev.FirstCandidate.Round
	}
	return ev.FirstVote.Round
}

// Offender returns the equivocating validator's key.
func (ev Evidence) Offender() tbcrypto.PubKey {
	if ev.Kind == EvidenceDoubleBaking {
		return ev.FirstCandidate.ProposerPubKey
	}
	return ev.FirstVote.PubKey
}

// Verify checks that the evidence is internally consistent
// and that both artifacts carry valid signatures
// from a single committee member.
func (ev Evidence) Verify(c *Committee, s SignatureScheme) error {
	switch ev.Kind {
	case EvidenceDoubleBaking:
		return ev.verifyDoubleBaking(c, s)
	case EvidenceDoublePreendorsing:
		return ev.verifyDoubleVoting(c, s, VoteKindPreendorsement)
	case EvidenceDoubleEndorsing:
		return ev.verifyDoubleVoting(c, s, VoteKindEndorsement)
	default:
		return fmt.Errorf("unknown evidence kind %d", ev.Kind)
	}
}

func (ev Evidence) verifyDoubleBaking(c *Committee, s SignatureScheme) error {
	a, b := ev.FirstCandidate, ev.SecondCandidate
	if a == nil || b == nil {
		return errors.New("double-baking evidence requires two candidates")
	}

	if a.Level != b.Level || a.Round != b.Round {
		return errors.New("candidates are for different level or round")
	}
	if a.PayloadHash == b.PayloadHash {
		return errors.New("candidates carry the same payload; not an equivocation")
	}
	if !a.ProposerPubKey.Equal(b.ProposerPubKey) {
		return errors.New("candidates are from different proposers")
	}

	if _, ok := c.SlotOf(a.ProposerPubKey); !ok {
		return errors.New("proposer is not in the committee")
	}

	for i, cand := range []*CandidateBlock{a, b} {
		msg, err := CandidateSignBytes(*cand, s)
		if err != nil {
			return err
		}
		if !cand.ProposerPubKey.Verify(msg, cand.Signature) {
			return fmt.Errorf("candidate %d carries an invalid signature", i+1)
		}
	}

	return nil
}

func (ev Evidence) verifyDoubleVoting(c *Committee, s SignatureScheme, kind VoteKind) error {
	a, b := ev.FirstVote, ev.SecondVote
	if a == nil || b == nil {
		return errors.New("double-voting evidence requires two votes")
	}

	if a.Kind != kind || b.Kind != kind {
		return fmt.Errorf("votes do not both have kind %s", kind)
	}
	if a.Level != b.Level || a.Round != b.Round {
		return errors.New("votes are for different level or round")
	}
	if a.PayloadHash == b.PayloadHash {
		return errors.New("votes carry the same payload; not an equivocation")
	}
	if !a.PubKey.Equal(b.PubKey) {
		return errors.New("votes are from different validators")
	}

	if _, ok := c.SlotOf(a.PubKey); !ok {
		return errors.New("voter is not in the committee")
	}

	for i, v := range []*Vote{a, b} {
		msg, err := VoteSignBytes(v.Kind, v.Target(), s)
		if err != nil {
			return err
		}
		if !v.PubKey.Verify(msg, v.Signature) {
			return fmt.Errorf("vote %d carries an invalid signature", i+1)
		}
	}

	return nil
}
