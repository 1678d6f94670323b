package tbconsensus

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// ContentHash returns the blake2b-256 hash over the given parts,
// each length-prefixed so that part boundaries cannot be forged.
func ContentHash(parts ...[]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only reachable with a bad key argument, and we pass none.
		panic(err)
	}

	var sz [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(sz[:], uint64(len(part)))
		_, _ = h.Write(sz[:])
		_, _ = h.Write(part)
	}

	return h.Sum(nil)
}
