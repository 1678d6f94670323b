package tbcryptotest

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/ocaml-multicore/tezos-sub005/tbcrypto"
)

var (
	detMu      sync.Mutex
	detSigners []tbcrypto.Ed25519Signer
)

// DeterministicEd25519Signers returns n deterministic ed25519 signers.
//
// Deterministic keys keep logs stable across test runs,
// and the generated signers are cached so that
// additional calls cost effectively nothing.
func DeterministicEd25519Signers(n int) []tbcrypto.Ed25519Signer {
	detMu.Lock()
	defer detMu.Unlock()

	for i := len(detSigners); i < n; i++ {
		seed := make([]byte, ed25519.SeedSize)
		copy(seed, fmt.Sprintf("tbcryptotest-ed25519-%03d", i))
		detSigners = append(detSigners, tbcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed)))
	}

	out := make([]tbcrypto.Ed25519Signer, n)
	copy(out, detSigners[:n])
	return out
}

// DeterministicBLSSigners returns n deterministic
// minimized-signature BLS signers.
// Unlike the ed25519 variant, these are not cached;
// BLS key generation is cheap enough for the few tests that need it.
func DeterministicBLSSigners(n int) []tbcrypto.BLSSigner {
	out := make([]tbcrypto.BLSSigner, n)
	for i := range out {
		ikm := make([]byte, 32)
		copy(ikm, fmt.Sprintf("tbcryptotest-bls-%03d", i))

		s, err := tbcrypto.NewBLSSigner(ikm)
		if err != nil {
			panic(fmt.Errorf("BUG: deterministic BLS signer %d: %w", i, err))
		}
		out[i] = s
	}
	return out
}
