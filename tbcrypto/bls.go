package tbcrypto

import (
	"context"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"golang.org/x/crypto/blake2b"
)

const blsTypeName = "bls-min"

// BLSDomainSeparationTag is required per RFC9380 (hashing to elliptic curves),
// following the ciphersuite format of draft-irtf-cfrg-bls-signature-05 §4.1
// for the basic scheme over BLS12-381 with minimized signatures.
var BLSDomainSeparationTag = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

// RegisterBLS registers the minimized-signature BLS key type
// with the given Registry.
func RegisterBLS(reg *Registry) {
	reg.Register(blsTypeName, BLSPubKey{}, NewBLSPubKey)
}

// BLSPubKey wraps a blst.P2Affine point
// and satisfies [PubKey] for minimized-signature BLS.
type BLSPubKey blst.P2Affine

// NewBLSPubKey decodes a compressed P2 affine point.
func NewBLSPubKey(b []byte) (PubKey, error) {
	if len(b) != blst.BLST_P2_COMPRESS_BYTES {
		return nil, fmt.Errorf(
			"expected %d compressed bytes, got %d", blst.BLST_P2_COMPRESS_BYTES, len(b),
		)
	}

	p2a := new(blst.P2Affine)
	p2a = p2a.Uncompress(b)
	if p2a == nil {
		return nil, errors.New("failed to decompress input")
	}

	if !p2a.KeyValidate() {
		return nil, errors.New("input key failed validation")
	}

	return BLSPubKey(*p2a), nil
}

func (k BLSPubKey) Address() []byte {
	h := blake2b.Sum256(k.PubKeyBytes())
	return h[:]
}

func (k BLSPubKey) PubKeyBytes() []byte {
	p2a := blst.P2Affine(k)
	return p2a.Compress()
}

func (k BLSPubKey) Equal(other PubKey) bool {
	o, ok := other.(BLSPubKey)
	if !ok {
		return false
	}

	p2a := blst.P2Affine(k)
	p2o := blst.P2Affine(o)
	return p2a.Equals(&p2o)
}

func (k BLSPubKey) Verify(msg, sig []byte) bool {
	// The signature is a compressed P1 point.
	p1a := new(blst.P1Affine)
	p1a = p1a.Uncompress(sig)
	if p1a == nil {
		return false
	}

	if !p1a.SigValidate(false) {
		return false
	}

	p2a := blst.P2Affine(k)
	return p1a.Verify(false, &p2a, false, blst.Message(msg), BLSDomainSeparationTag)
}

func (k BLSPubKey) TypeName() string {
	return blsTypeName
}

// BLSSigner satisfies [Signer] for minimized-signature BLS.
type BLSSigner struct {
	secret blst.SecretKey

	// The P2 point is the effective public key.
	point blst.P2Affine
}

// NewBLSSigner derives a signer from the given initial key material,
// which must be at least 32 cryptographically random bytes.
func NewBLSSigner(ikm []byte) (BLSSigner, error) {
	if len(ikm) < blst.BLST_SCALAR_BYTES {
		return BLSSigner{}, fmt.Errorf(
			"ikm data too short: got %d, need at least %d",
			len(ikm), blst.BLST_SCALAR_BYTES,
		)
	}

	secretKey := blst.KeyGenV5(ikm, nil)

	point := new(blst.P2Affine)
	point = point.From(secretKey)

	return BLSSigner{
		secret: *secretKey,
		point:  *point,
	}, nil
}

func (s BLSSigner) PubKey() PubKey {
	return BLSPubKey(s.point)
}

func (s BLSSigner) Sign(_ context.Context, input []byte) ([]byte, error) {
	sig := new(blst.P1Affine).Sign(&s.secret, input, BLSDomainSeparationTag, true)
	if sig == nil {
		return nil, errors.New("failed to sign")
	}

	return sig.Compress(), nil
}
