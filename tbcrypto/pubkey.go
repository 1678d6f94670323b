package tbcrypto

import "context"

// PubKey is the engine's view of a validator public key.
//
// The consensus packages never assume a particular curve;
// any scheme that can verify a detached signature over raw bytes
// can back a committee.
type PubKey interface {
	// Address returns a short, stable identifier for the key,
	// suitable for map keys and log output.
	Address() []byte

	// PubKeyBytes returns the serialized form of the key,
	// without any type prefix.
	PubKeyBytes() []byte

	Equal(other PubKey) bool

	Verify(msg, sig []byte) bool

	// TypeName is the registry name for the key's scheme.
	TypeName() string
}

// Signer produces signatures matching a single PubKey.
//
// Production signers may be backed by remote or hardware key storage,
// hence the context parameter on Sign.
type Signer interface {
	PubKey() PubKey

	Sign(ctx context.Context, input []byte) ([]byte, error)
}
