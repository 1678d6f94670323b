package tbconsensustest

import (
	"context"
	"fmt"

	petname "github.com/dustinkirkland/golang-petname"

	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
	"github.com/ocaml-multicore/tezos-sub005/tbcrypto/tbcryptotest"
)

// DeterministicValidatorsEd25519 returns n validators
// with deterministic ed25519 keys and one voting power unit each.
//
// Deterministic keys keep key material and derived hashes
// stable across test runs, which simplifies debugging.
// The petname labels are only for readable logs.
func DeterministicValidatorsEd25519(n int) PrivVals {
	res := make(PrivVals, n)
	signers := tbcryptotest.DeterministicEd25519Signers(n)

	for i := range res {
		res[i] = PrivVal{
			Val: tbconsensus.Validator{
				Name:   fmt.Sprintf("%s-%d", petname.Generate(2, "-"), i),
				PubKey: signers[i].PubKey(),
				Power:  1,
			},
			Signer: signers[i],
		}
	}

	return res
}

// Fixture bundles a deterministic committee with its signers
// and the default signature scheme,
// plus helpers for producing signed artifacts and quorum certificates.
type Fixture struct {
	PrivVals PrivVals

	Committee *tbconsensus.Committee

	SignatureScheme tbconsensus.SignatureScheme
}

// NewEd25519Fixture returns a Fixture with numVals deterministic
// ed25519 validators of one power unit each,
// and the [tbconsensus.SimpleSignatureScheme].
func NewEd25519Fixture(numVals int) *Fixture {
	privVals := DeterministicValidatorsEd25519(numVals)

	c, err := tbconsensus.NewCommittee(privVals.Vals())
	if err != nil {
		panic(fmt.Errorf("BUG: fixture committee: %w", err))
	}

	return &Fixture{
		PrivVals:        privVals,
		Committee:       c,
		SignatureScheme: tbconsensus.SimpleSignatureScheme{},
	}
}

// CommitteeSource returns a source serving the fixture committee
// for every level.
func (f *Fixture) CommitteeSource() tbconsensus.CommitteeSource {
	return StaticCommitteeSource{Static: f.Committee}
}

// SignedVote returns the given slot's signed vote for the target.
func (f *Fixture) SignedVote(ctx context.Context, slot int, kind tbconsensus.VoteKind, vt tbconsensus.VoteTarget) tbconsensus.Vote {
	v, err := tbconsensus.NewSignedVote(ctx, f.PrivVals[slot].Signer, kind, vt, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("BUG: signing fixture vote: %w", err))
	}
	return v
}

// SignedCandidate signs c with the proposer slot's signer and returns it.
// The proposer slot is derived from c.Round, matching the engine's
// round-robin proposer rule.
func (f *Fixture) SignedCandidate(ctx context.Context, c tbconsensus.CandidateBlock) tbconsensus.CandidateBlock {
	_, slot := f.Committee.ProposerForRound(c.Round)
	if err := tbconsensus.SignCandidate(ctx, f.PrivVals[slot].Signer, &c, f.SignatureScheme); err != nil {
		panic(fmt.Errorf("BUG: signing fixture candidate: %w", err))
	}
	return c
}

// QuorumCertificate builds a certificate of the given kind
// from the listed slots' signatures.
// The caller is responsible for listing enough slots to meet the threshold
// when a valid certificate is wanted.
func (f *Fixture) QuorumCertificate(
	ctx context.Context,
	kind tbconsensus.VoteKind,
	vt tbconsensus.VoteTarget,
	slots ...int,
) tbconsensus.QuorumCertificate {
	msg, err := tbconsensus.VoteSignBytes(kind, vt, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("BUG: fixture vote sign bytes: %w", err))
	}

	proof := tbcrypto.NewSignatureProof(msg, f.Committee.PubKeys(), string(f.Committee.PubKeyHash()))

	var power uint64
	for _, slot := range slots {
		sig, err := f.PrivVals[slot].Signer.Sign(ctx, msg)
		if err != nil {
			panic(fmt.Errorf("BUG: fixture slot %d signature: %w", slot, err))
		}
		if err := proof.AddSignature(sig, f.PrivVals[slot].Signer.PubKey()); err != nil {
			panic(fmt.Errorf("BUG: fixture slot %d add signature: %w", slot, err))
		}
		power += f.Committee.Validator(slot).Power
	}

	return tbconsensus.QuorumCertificate{
		Kind:        kind,
		Level:       vt.Level,
		Round:       vt.Round,
		PayloadHash: vt.PayloadHash,
		Power:       power,
		Signatures:  proof.AsSparse(),
	}
}

// StaticCommitteeSource serves one fixed committee for all levels.
type StaticCommitteeSource struct {
	Static *tbconsensus.Committee
}

func (s StaticCommitteeSource) Committee(_ context.Context, _ uint64) (*tbconsensus.Committee, error) {
	return s.Static, nil
}
