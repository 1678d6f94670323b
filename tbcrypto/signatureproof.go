package tbcrypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"maps"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrUnknownKey       = errors.New("public key not a candidate key for this proof")
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignatureProof collects validator signatures over one common message,
// tracking which committee slots have signed via a bit set.
//
// One proof instance exists per (vote kind, round, payload) signing content;
// quorum certificates are cut from a proof's sparse form
// once the signed slots carry enough voting power.
type SignatureProof struct {
	msg []byte

	// string(signature bytes) -> signing key.
	sigs map[string]PubKey

	// Candidate keys in committee slot order.
	keys []PubKey

	// string(pub key bytes) -> slot index.
	keyIdxs map[string]int

	// Identifies the candidate key set, so two proofs can agree
	// they reference the same committee without comparing every key.
	keyHash string

	bits *bitset.BitSet
}

// NewSignatureProof returns an empty proof over msg
// for the given slot-ordered candidate keys.
func NewSignatureProof(msg []byte, candidateKeys []PubKey, pubKeyHash string) SignatureProof {
	keyIdxs := make(map[string]int, len(candidateKeys))
	for i, k := range candidateKeys {
		keyIdxs[string(k.PubKeyBytes())] = i
	}

	return SignatureProof{
		msg:     msg,
		sigs:    make(map[string]PubKey),
		keys:    candidateKeys,
		keyIdxs: keyIdxs,
		keyHash: pubKeyHash,
		bits:    bitset.New(uint(len(candidateKeys))),
	}
}

func (p SignatureProof) Message() []byte {
	return p.msg
}

func (p SignatureProof) PubKeyHash() []byte {
	return []byte(p.keyHash)
}

// AddSignature verifies sig against p's message and records it,
// setting the bit for the key's slot.
func (p SignatureProof) AddSignature(sig []byte, key PubKey) error {
	slot, ok := p.keyIdxs[string(key.PubKeyBytes())]
	if !ok {
		return ErrUnknownKey
	}
	if !key.Verify(p.msg, sig) {
		return ErrInvalidSignature
	}

	p.sigs[string(sig)] = key
	p.bits.Set(uint(slot))
	return nil
}

// Matches reports whether other references the same message and key set,
// without inspecting signatures.
func (p SignatureProof) Matches(other SignatureProof) bool {
	if !bytes.Equal(p.msg, other.msg) {
		return false
	}
	return p.keyHash == other.keyHash
}

// MergeResult describes the outcome of merging signatures into a proof.
type MergeResult struct {
	AllValidSignatures  bool
	IncreasedSignatures bool
}

// Combine produces the conjunction of two merge results.
func (r MergeResult) Combine(other MergeResult) MergeResult {
	return MergeResult{
		AllValidSignatures:  r.AllValidSignatures && other.AllValidSignatures,
		IncreasedSignatures: r.IncreasedSignatures || other.IncreasedSignatures,
	}
}

// MergeSparse verifies and folds a sparse proof into p.
// Invalid signatures and out-of-range key IDs are skipped,
// reported through the result's AllValidSignatures field.
func (p SignatureProof) MergeSparse(s SparseSignatureProof) MergeResult {
	if p.keyHash != s.PubKeyHash {
		return MergeResult{}
	}

	res := MergeResult{AllValidSignatures: true}

	countBefore := p.bits.Count()

	for _, sparseSig := range s.Signatures {
		if len(sparseSig.KeyID) != 2 {
			res.AllValidSignatures = false
			continue
		}
		slot := int(binary.BigEndian.Uint16(sparseSig.KeyID))
		if slot >= len(p.keys) {
			res.AllValidSignatures = false
			continue
		}

		if err := p.AddSignature(sparseSig.Sig, p.keys[slot]); err != nil {
			res.AllValidSignatures = false
		}
	}

	res.IncreasedSignatures = p.bits.Count() > countBefore
	return res
}

// HasSparseKeyID reports whether the proof already holds a signature
// for the given sparse key ID.
// valid is false when the key ID does not map into the candidate keys.
func (p SignatureProof) HasSparseKeyID(keyID []byte) (has, valid bool) {
	if len(keyID) != 2 {
		return false, false
	}
	slot := uint(binary.BigEndian.Uint16(keyID))
	if slot >= uint(len(p.keys)) {
		return false, false
	}
	return p.bits.Test(slot), true
}

// SignatureBitSet writes the slots holding signatures into dst,
// so the caller controls bit set allocation.
func (p SignatureProof) SignatureBitSet(dst *bitset.BitSet) {
	p.bits.CopyFull(dst)
}

// Clone returns an independent copy of the proof,
// for handing a snapshot across goroutines without sharing mutable state.
func (p SignatureProof) Clone() SignatureProof {
	return SignatureProof{
		msg:     bytes.Clone(p.msg),
		sigs:    maps.Clone(p.sigs),
		keys:    p.keys,
		keyIdxs: p.keyIdxs,
		keyHash: p.keyHash,
		bits:    p.bits.Clone(),
	}
}

// Derive returns a copy of the proof with all signature data cleared.
func (p SignatureProof) Derive() SignatureProof {
	return SignatureProof{
		msg:     bytes.Clone(p.msg),
		sigs:    make(map[string]PubKey),
		keys:    p.keys,
		keyIdxs: p.keyIdxs,
		keyHash: p.keyHash,
		bits:    bitset.New(uint(len(p.keys))),
	}
}

// AsSparse returns the wire form of the proof:
// one (key ID, signature) pair per signer, in slot order.
func (p SignatureProof) AsSparse() SparseSignatureProof {
	sparseSigs := make([]SparseSignature, 0, len(p.sigs))
	for sigBytes, pubKey := range p.sigs {
		slot := p.keyIdxs[string(pubKey.PubKeyBytes())]

		keyID := [2]byte{}
		binary.BigEndian.PutUint16(keyID[:], uint16(slot))

		sparseSigs = append(sparseSigs, SparseSignature{
			KeyID: keyID[:],
			Sig:   []byte(sigBytes),
		})
	}

	// Key IDs are unique per signer, so no stable sort needed.
	sort.Slice(sparseSigs, func(i, j int) bool {
		return bytes.Compare(sparseSigs[i].KeyID, sparseSigs[j].KeyID) < 0
	})

	return SparseSignatureProof{
		PubKeyHash: p.keyHash,
		Signatures: sparseSigs,
	}
}

// SparseSignatureProof is the minimal representation of a proof,
// suitable for embedding in quorum certificates and network messages.
type SparseSignatureProof struct {
	// PubKeyHash of the originating proof's candidate key set.
	PubKeyHash string

	Signatures []SparseSignature
}

// Clone returns a deep copy of the sparse proof.
func (s SparseSignatureProof) Clone() SparseSignatureProof {
	sigs := make([]SparseSignature, len(s.Signatures))
	for i, ss := range s.Signatures {
		sigs[i] = SparseSignature{
			KeyID: bytes.Clone(ss.KeyID),
			Sig:   bytes.Clone(ss.Sig),
		}
	}
	return SparseSignatureProof{
		PubKeyHash: s.PubKeyHash,
		Signatures: sigs,
	}
}

// SparseSignature pairs one signature with the committee slot that produced it.
// The key ID is a big-endian uint16 slot index.
type SparseSignature struct {
	KeyID []byte
	Sig   []byte
}
