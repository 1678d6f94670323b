package tbconsensus

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// QuorumCertificate is an immutable set of same-kind votes
// for one (level, round, payload) whose summed voting power
// meets the committee threshold.
//
// Certificates are cut once by the vote accumulator and never revoked.
type QuorumCertificate struct {
	Kind VoteKind

	Level uint64
	Round uint32

	PayloadHash string

	// Power is the summed voting power of the signers.
	Power uint64

	// Signatures holds one sparse signature per signing slot.
	Signatures tbcrypto.SparseSignatureProof
}

// Clone returns a deep copy of the certificate.
func (qc QuorumCertificate) Clone() QuorumCertificate {
	out := qc
	out.Signatures = qc.Signatures.Clone()
	return out
}

// Target returns the vote target the certificate covers.
func (qc QuorumCertificate) Target() VoteTarget {
	return VoteTarget{Level: qc.Level, Round: qc.Round, PayloadHash: qc.PayloadHash}
}

// Verify checks the certificate against the committee for its level:
// every signature must verify against its claimed slot,
// and the signing slots' summed power must meet the committee threshold.
func (qc QuorumCertificate) Verify(c *Committee, s SignatureScheme) error {
	if !bytes.Equal([]byte(qc.Signatures.PubKeyHash), c.PubKeyHash()) {
		return fmt.Errorf(
			"certificate key hash %x does not match committee key hash %x",
			qc.Signatures.PubKeyHash, c.PubKeyHash(),
		)
	}

	msg, err := VoteSignBytes(qc.Kind, qc.Target(), s)
	if err != nil {
		return err
	}

	proof := tbcrypto.NewSignatureProof(msg, c.PubKeys(), string(c.PubKeyHash()))
	res := proof.MergeSparse(qc.Signatures)
	if !res.AllValidSignatures {
		return fmt.Errorf(
			"invalid signature in %s certificate for level %d round %d",
			qc.Kind, qc.Level, qc.Round,
		)
	}

	var bits bitset.BitSet
	proof.SignatureBitSet(&bits)

	var power uint64
	for slot, v := range c.Validators() {
		if bits.Test(uint(slot)) {
			power += v.Power
		}
	}

	if power < c.QuorumThreshold() {
		return fmt.Errorf(
			"certificate power %d below threshold %d", power, c.QuorumThreshold(),
		)
	}
	if power != qc.Power {
		return fmt.Errorf(
			"certificate claims power %d but signatures carry %d", qc.Power, power,
		)
	}

	return nil
}
