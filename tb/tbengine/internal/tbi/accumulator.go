package tbi

import (
	"fmt"

	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// voteKey identifies one accumulation bucket within a level.
type voteKey struct {
	Kind        tbconsensus.VoteKind
	Round       uint32
	PayloadHash string
}

// seenKey identifies one validator's vote opportunity within a level.
// A validator gets exactly one counted vote per (kind, round).
type seenKey struct {
	Kind  tbconsensus.VoteKind
	Round uint32
	Slot  int
}

// VoteOutcome is the arena's verdict on a single vote.
type VoteOutcome uint8

const (
	_ VoteOutcome = iota // Zero value reserved.

	// First vote of its kind from this slot at this round; counted.
	VoteOutcomeAdded

	// Same vote already counted; nothing new.
	VoteOutcomeRedundant

	// Conflicting vote of the same kind from this slot at this round;
	// not counted, surfaced as evidence.
	VoteOutcomeEquivocation
)

// VoteArena accumulates votes for a single level.
// It is owned exclusively by the kernel goroutine
// and destroyed when the level decides.
//
// Only the first vote per (kind, round, slot) counts toward quorum power;
// a conflicting second vote is returned as equivocation evidence.
type VoteArena struct {
	level     uint64
	committee *tbconsensus.Committee
	scheme    tbconsensus.SignatureScheme

	buckets map[voteKey]*voteBucket

	seen map[seenKey]tbconsensus.Vote
}

type voteBucket struct {
	proof tbcrypto.SignatureProof
	power uint64

	// cert is cut the moment power first meets the threshold
	// and never changes afterward,
	// so late votes cannot alter an already-formed certificate.
	cert *tbconsensus.QuorumCertificate
}

func NewVoteArena(
	level uint64,
	committee *tbconsensus.Committee,
	scheme tbconsensus.SignatureScheme,
) *VoteArena {
	return &VoteArena{
		level:     level,
		committee: committee,
		scheme:    scheme,

		buckets: make(map[voteKey]*voteBucket),
		seen:    make(map[seenKey]tbconsensus.Vote),
	}
}

// AddVote applies one signature-verified vote from the given committee slot.
// On equivocation, the returned evidence holds both conflicting votes.
func (a *VoteArena) AddVote(v tbconsensus.Vote, slot int) (VoteOutcome, *tbconsensus.Evidence, error) {
	if v.Level != a.level {
		return 0, nil, fmt.Errorf("vote level %d does not match arena level %d", v.Level, a.level)
	}

	sk := seenKey{Kind: v.Kind, Round: v.Round, Slot: slot}
	if prior, ok := a.seen[sk]; ok {
		if prior.PayloadHash == v.PayloadHash {
			return VoteOutcomeRedundant, nil, nil
		}

		var kind tbconsensus.EvidenceKind
		if v.Kind == tbconsensus.VoteKindPreendorsement {
			kind = tbconsensus.EvidenceDoublePreendorsing
		} else {
			kind = tbconsensus.EvidenceDoubleEndorsing
		}

		return VoteOutcomeEquivocation, &tbconsensus.Evidence{
			Kind:       kind,
			FirstVote:  &prior,
			SecondVote: &v,
		}, nil
	}

	bk := voteKey{Kind: v.Kind, Round: v.Round, PayloadHash: v.PayloadHash}
	b := a.buckets[bk]
	if b == nil {
		msg, err := tbconsensus.VoteSignBytes(v.Kind, v.Target(), a.scheme)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build vote signing content: %w", err)
		}

		b = &voteBucket{
			proof: tbcrypto.NewSignatureProof(
				msg, a.committee.PubKeys(), string(a.committee.PubKeyHash()),
			),
		}
		a.buckets[bk] = b
	}

	if err := b.proof.AddSignature(v.Signature, v.PubKey); err != nil {
		return 0, nil, fmt.Errorf("failed to add signature to proof: %w", err)
	}

	b.power += a.committee.Validator(slot).Power
	a.seen[sk] = v

	if b.cert == nil && b.power >= a.committee.QuorumThreshold() {
		b.cert = &tbconsensus.QuorumCertificate{
			Kind:        v.Kind,
			Level:       a.level,
			Round:       v.Round,
			PayloadHash: v.PayloadHash,
			Power:       b.power,
			Signatures:  b.proof.AsSparse(),
		}
	}

	return VoteOutcomeAdded, nil, nil
}

// Power returns the counted power for one (kind, round, payload) bucket.
func (a *VoteArena) Power(kind tbconsensus.VoteKind, round uint32, payloadHash string) uint64 {
	b := a.buckets[voteKey{Kind: kind, Round: round, PayloadHash: payloadHash}]
	if b == nil {
		return 0
	}
	return b.power
}

// DistinctPower sums the power of every validator
// with a counted vote of the given kind at the given round,
// across all payloads.
// It measures how much of the committee is live even when
// the votes are split and no single bucket can reach quorum.
func (a *VoteArena) DistinctPower(kind tbconsensus.VoteKind, round uint32) uint64 {
	var power uint64
	for sk := range a.seen {
		if sk.Kind == kind && sk.Round == round {
			power += a.committee.Validator(sk.Slot).Power
		}
	}
	return power
}

// HasQuorum reports whether the bucket's counted power
// meets the committee threshold.
func (a *VoteArena) HasQuorum(kind tbconsensus.VoteKind, round uint32, payloadHash string) bool {
	return a.Power(kind, round, payloadHash) >= a.committee.QuorumThreshold()
}

// Certificate returns the bucket's quorum certificate,
// or reports false if the bucket has not reached the threshold.
// The certificate is cut once, when the threshold is first met;
// every call returns that same certificate.
func (a *VoteArena) Certificate(
	kind tbconsensus.VoteKind, round uint32, payloadHash string,
) (tbconsensus.QuorumCertificate, bool) {
	b := a.buckets[voteKey{Kind: kind, Round: round, PayloadHash: payloadHash}]
	if b == nil || b.cert == nil {
		return tbconsensus.QuorumCertificate{}, false
	}

	return b.cert.Clone(), true
}
