// Package identity implements the optional three-level Ed25519 identity
// chain of spec.md §4.4: identity_pk → device_pk → replica_pk, each link
// a certificate signed by the key above it. It is grounded on the
// teacher's use of go.dedis.ch/kyber/v3 for the edwards25519 commitment
// points in trie_blake2b's verification path, generalized here from
// point commitments to EdDSA signing keys via kyber's sign/eddsa package.
package identity

import (
	"crypto/rand"
	"io"

	"github.com/outlinesync/treecrdt"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/eddsa"
)

var curve = edwards25519.NewBlakeSHA256Ed25519()

// KeyPair is a long-term or per-device/per-document EdDSA signing key.
type KeyPair struct {
	impl *eddsa.EdDSA
}

// GenerateKeyPair creates a fresh EdDSA key pair using the system CSPRNG.
func GenerateKeyPair() (*KeyPair, error) {
	kp := eddsa.NewEdDSA(cryptoRandStream{})
	return &KeyPair{impl: kp}, nil
}

// cryptoRandStream adapts crypto/rand.Reader to kyber's cipher.Stream
// interface, the way the teacher's own RandStreamIterator wraps a PRNG
// behind the interface a consumer expects (see the original util.go,
// since removed: this module has no need for its file-dump variant, only
// the adaptation idea).
type cryptoRandStream struct{}

func (cryptoRandStream) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("identity: XORKeyStream dst too small")
	}
	if _, err := io.ReadFull(rand.Reader, dst[:len(src)]); err != nil {
		panic(err)
	}
}

// PublicKey returns the raw 32-byte compressed edwards25519 point.
func (k *KeyPair) PublicKey() (treecrdt.ReplicaId, error) {
	var id treecrdt.ReplicaId
	b, err := k.impl.Public.MarshalBinary()
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// Sign produces a raw EdDSA signature over msg.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	return k.impl.Sign(msg)
}

// VerifySignature verifies sig over msg under the public key encoded by
// pub, the 32-byte form returned by PublicKey.
func VerifySignature(pub treecrdt.ReplicaId, msg, sig []byte) error {
	point := curve.Point()
	if err := point.UnmarshalBinary(pub[:]); err != nil {
		return err
	}
	return eddsa.Verify(point, msg, sig)
}

// Level names the position of a key in the identity chain.
type Level byte

const (
	LevelIdentity Level = iota
	LevelDevice
	LevelReplica
)

// Cert binds a child public key to its level, signed by the parent key
// one level up. A chain is a slice ending in a LevelReplica cert, each
// entry signed by the public key named in the entry before it (the
// identity-level root cert is self-signed).
type Cert struct {
	Level     Level
	Child     treecrdt.ReplicaId
	Issuer    treecrdt.ReplicaId
	Signature []byte
}

func certMessage(level Level, child, issuer treecrdt.ReplicaId) []byte {
	return treecrdt.Concat("treecrdt/identity-cert/v1", byte(level), child[:], issuer[:])
}

// IssueCert has issuer sign a cert binding child at level.
func IssueCert(issuer *KeyPair, level Level, child treecrdt.ReplicaId) (Cert, error) {
	issuerPub, err := issuer.PublicKey()
	if err != nil {
		return Cert{}, err
	}
	sig, err := issuer.Sign(certMessage(level, child, issuerPub))
	if err != nil {
		return Cert{}, err
	}
	return Cert{Level: level, Child: child, Issuer: issuerPub, Signature: sig}, nil
}

// VerifyChain checks that chain is a well-formed identity→device→replica
// sequence, every link correctly signed by the previous link's child key
// (the root is expected to be self-issued: chain[0].Issuer ==
// chain[0].Child). It returns the attributed identity public key.
func VerifyChain(chain []Cert) (treecrdt.ReplicaId, error) {
	var zero treecrdt.ReplicaId
	if len(chain) == 0 {
		return zero, treecrdt.ErrMalformedMessage
	}
	wantLevels := []Level{LevelIdentity, LevelDevice, LevelReplica}
	if len(chain) != len(wantLevels) {
		return zero, treecrdt.ErrMalformedMessage
	}
	for i, cert := range chain {
		if cert.Level != wantLevels[i] {
			return zero, treecrdt.ErrMalformedMessage
		}
		if i == 0 {
			if cert.Issuer != cert.Child {
				return zero, treecrdt.ErrMalformedMessage
			}
		} else if cert.Issuer != chain[i-1].Child {
			return zero, treecrdt.ErrMalformedMessage
		}
		if err := VerifySignature(cert.Issuer, certMessage(cert.Level, cert.Child, cert.Issuer), cert.Signature); err != nil {
			return zero, treecrdt.NewUnauthorized(treecrdt.ReasonInvalidSignature, treecrdt.OpId{}, "identity chain link "+cert.Level.String())
		}
	}
	return chain[0].Child, nil
}

func (l Level) String() string {
	switch l {
	case LevelIdentity:
		return "identity"
	case LevelDevice:
		return "device"
	case LevelReplica:
		return "replica"
	default:
		return "unknown"
	}
}
