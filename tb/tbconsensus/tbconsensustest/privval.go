package tbconsensustest

import (
	"github.com/ocaml-multicore/tezos-sub005/tb/tbconsensus"
	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

// PrivVal is the private view of one fixture validator,
// so tests have access to the signer backing each committee slot.
type PrivVal struct {
	// The plain consensus validator.
	Val tbconsensus.Validator

	Signer tbcrypto.Signer
}

type PrivVals []PrivVal

func (vs PrivVals) Vals() []tbconsensus.Validator {
	out := make([]tbconsensus.Validator, len(vs))
	for i, v := range vs {
		out[i] = v.Val
	}
	return out
}

func (vs PrivVals) PubKeys() []tbcrypto.PubKey {
	out := make([]tbcrypto.PubKey, len(vs))
	for i, v := range vs {
		out[i] = v.Signer.PubKey()
	}
	return out
}
