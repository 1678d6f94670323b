package tbcrypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const ed25519TypeName = "ed25519"

// RegisterEd25519 registers the ed25519 key type with the given Registry.
// There is no global registry; the caller decides which schemes it accepts.
func RegisterEd25519(reg *Registry) {
	reg.Register(ed25519TypeName, Ed25519PubKey{}, NewEd25519PubKey)
}

type Ed25519PubKey ed25519.PublicKey

func NewEd25519PubKey(b []byte) (PubKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d key bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return Ed25519PubKey(b), nil
}

// Address returns the blake2b-256 hash of the public key bytes.
func (k Ed25519PubKey) Address() []byte {
	h := blake2b.Sum256(k)
	return h[:]
}

func (k Ed25519PubKey) PubKeyBytes() []byte {
	return []byte(k)
}

func (k Ed25519PubKey) Equal(other PubKey) bool {
	o, ok := other.(Ed25519PubKey)
	if !ok {
		return false
	}
	return bytes.Equal(k, o)
}

func (k Ed25519PubKey) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k), msg, sig)
}

func (k Ed25519PubKey) TypeName() string {
	return ed25519TypeName
}

// Ed25519Signer satisfies [Signer] with an in-process ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  Ed25519PubKey
}

func NewEd25519Signer(priv ed25519.PrivateKey) Ed25519Signer {
	return Ed25519Signer{
		priv: priv,
		pub:  Ed25519PubKey(priv.Public().(ed25519.PublicKey)),
	}
}

func (s Ed25519Signer) PubKey() PubKey {
	return s.pub
}

func (s Ed25519Signer) Sign(_ context.Context, input []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, input), nil
}
