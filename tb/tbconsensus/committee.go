package tbconsensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// Validator is one weighted committee member.
type Validator struct {
	// Name is an optional human-readable label, only used in logs and tests.
	Name string

	PubKey tbcrypto.PubKey

	// Power is the validator's voting power for the level.
	Power uint64
}

// Committee is the immutable, slot-ordered validator set for one level.
//
// A committee is computed once, ahead of its level, and read-only thereafter;
// Committee values are therefore safe for concurrent use.
type Committee struct {
	vals []Validator

	totalPower uint64

	pubKeyHash []byte

	// string(pub key bytes) -> slot index.
	slots map[string]int
}

// NewCommittee validates the slot-ordered validators and returns a Committee.
func NewCommittee(vals []Validator) (*Committee, error) {
	if len(vals) == 0 {
		return nil, errors.New("committee must have at least one validator")
	}

	c := &Committee{
		vals:  vals,
		slots: make(map[string]int, len(vals)),
	}

	for i, v := range vals {
		if v.PubKey == nil {
			return nil, fmt.Errorf("validator at slot %d has nil public key", i)
		}
		if v.Power == 0 {
			return nil, fmt.Errorf("validator at slot %d has zero voting power", i)
		}

		kb := string(v.PubKey.PubKeyBytes())
		if prev, ok := c.slots[kb]; ok {
			return nil, fmt.Errorf("duplicate public key at slots %d and %d", prev, i)
		}
		c.slots[kb] = i

		c.totalPower += v.Power
	}

	hashParts := make([][]byte, 0, 2*len(vals))
	var pow [8]byte
	for _, v := range vals {
		binary.BigEndian.PutUint64(pow[:], v.Power)
		hashParts = append(hashParts, v.PubKey.PubKeyBytes(), append([]byte(nil), pow[:]...))
	}
	c.pubKeyHash = ContentHash(hashParts...)

	return c, nil
}

// Len returns the number of committee slots.
func (c *Committee) Len() int {
	return len(c.vals)
}

// Validators returns the slot-ordered validators.
// The returned slice must not be modified.
func (c *Committee) Validators() []Validator {
	return c.vals
}

// Validator returns the validator at the given slot.
func (c *Committee) Validator(slot int) Validator {
	return c.vals[slot]
}

// TotalPower returns the summed voting power of all slots.
func (c *Committee) TotalPower() uint64 {
	return c.totalPower
}

// QuorumThreshold returns the voting power required for a quorum
// within this committee.
func (c *Committee) QuorumThreshold() uint64 {
	return QuorumThreshold(c.totalPower)
}

// ProposerForRound returns the validator owning slot (round mod committee size)
// together with its slot index.
func (c *Committee) ProposerForRound(round uint32) (Validator, int) {
	slot := int(round) % len(c.vals)
	return c.vals[slot], slot
}

// SlotOf returns the slot index of the given key,
// or false if the key is not in the committee.
func (c *Committee) SlotOf(k tbcrypto.PubKey) (int, bool) {
	slot, ok := c.slots[string(k.PubKeyBytes())]
	return slot, ok
}

// PowerOf returns the voting power of the given key,
// or zero if the key is not in the committee.
func (c *Committee) PowerOf(k tbcrypto.PubKey) uint64 {
	slot, ok := c.SlotOf(k)
	if !ok {
		return 0
	}
	return c.vals[slot].Power
}

// PubKeys returns the slot-ordered public keys,
// in the form signature proofs consume.
func (c *Committee) PubKeys() []tbcrypto.PubKey {
	out := make([]tbcrypto.PubKey, len(c.vals))
	for i, v := range c.vals {
		out[i] = v.PubKey
	}
	return out
}

// PubKeyHash identifies the committee's key set and power distribution,
// so independent proofs can cheaply agree they reference the same committee.
func (c *Committee) PubKeyHash() []byte {
	return c.pubKeyHash
}

// QuorumThreshold returns ceil(2/3 * totalPower):
// the minimum voting power a quorum certificate must carry.
func QuorumThreshold(totalPower uint64) uint64 {
	return (2*totalPower + 2) / 3
}

// CommitteeSource supplies the committee for a level.
// Implementations must be deterministic,
// and the returned committee must be fixed before the level starts.
type CommitteeSource interface {
	Committee(ctx context.Context, level uint64) (*Committee, error)
}
