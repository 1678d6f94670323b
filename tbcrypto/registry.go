package tbcrypto

import (
	"bytes"
	"fmt"
)

// registryPrefixSize is the fixed width of the type prefix
// prepended to marshaled public keys.
const registryPrefixSize = 8

// Registry maps key type names to constructors,
// so that public keys loaded from storage during rehydration
// can be decoded without hardcoding a scheme.
//
// The zero value is ready to use.
type Registry struct {
	byName map[string]func([]byte) (PubKey, error)
}

// Register associates name with the given constructor.
// The instance argument is only used to confirm the name matches
// the key type's own TypeName; Register panics on mismatch,
// as that is an unconditional programming error.
func (r *Registry) Register(name string, instance PubKey, newFn func([]byte) (PubKey, error)) {
	if instance.TypeName() != name {
		panic(fmt.Errorf(
			"BUG: attempted to register key type %q under name %q",
			instance.TypeName(), name,
		))
	}
	if len(name) > registryPrefixSize {
		panic(fmt.Errorf(
			"BUG: key type name %q exceeds %d bytes", name, registryPrefixSize,
		))
	}

	if r.byName == nil {
		r.byName = make(map[string]func([]byte) (PubKey, error))
	}
	r.byName[name] = newFn
}

// Marshal prepends k's zero-padded type name to its key bytes.
func (r *Registry) Marshal(k PubKey) []byte {
	prefix := make([]byte, registryPrefixSize)
	copy(prefix, k.TypeName())
	return append(prefix, k.PubKeyBytes()...)
}

// Unmarshal decodes a value previously produced by Marshal.
func (r *Registry) Unmarshal(b []byte) (PubKey, error) {
	if len(b) < registryPrefixSize {
		return nil, fmt.Errorf("marshaled key too short: %d bytes", len(b))
	}

	name := string(bytes.TrimRight(b[:registryPrefixSize], "\x00"))
	newFn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("no registered public key type for prefix %q", name)
	}

	return newFn(b[registryPrefixSize:])
}
