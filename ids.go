package treecrdt

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// NodeId opaquely identifies a node in the tree. Node identities are minted
// randomly by clients and are globally unique with overwhelming probability.
type NodeId [16]byte

// RootNodeId is the reserved node identity of the implicit document root.
var RootNodeId = NodeId{}

// TrashNodeId is the reserved node identity of the trash: the destination
// of every Delete and the implicit parent of every node that has not yet
// been made a child of anything else.
var TrashNodeId = NodeId{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func (n NodeId) String() string { return hex.EncodeToString(n[:]) }

func (n NodeId) IsRoot() bool  { return n == RootNodeId }
func (n NodeId) IsTrash() bool { return n == TrashNodeId }

// ReplicaId is the public half of a replica's long-term signing key: the
// compressed encoding of a kyber edwards25519 point. It uniquely identifies
// an author.
type ReplicaId [32]byte

func (r ReplicaId) String() string { return hex.EncodeToString(r[:]) }

func (r ReplicaId) Less(other ReplicaId) bool {
	for i := range r {
		if r[i] != other[i] {
			return r[i] < other[i]
		}
	}
	return false
}

// OpId is the logical identity of an operation: the pair of its author and
// the strictly increasing, per-replica counter assigned at creation time.
type OpId struct {
	Replica ReplicaId
	Counter uint64
}

func (id OpId) String() string {
	return fmt.Sprintf("%s/%d", id.Replica.String()[:8], id.Counter)
}

// Less orders OpIds by (replica, counter), used only for deterministic
// iteration/debugging; the CRDT tiebreak is (lamport, replica, counter),
// see Stamp.Less.
func (id OpId) Less(other OpId) bool {
	if id.Replica != other.Replica {
		return id.Replica.Less(other.Replica)
	}
	return id.Counter < other.Counter
}

// Lamport is a non-negative scalar clock assigned to every op at creation:
// max(localHead, maxRemoteSeen) + 1.
type Lamport uint64

// Stamp is the tuple every op carries for winner selection: (lamport,
// replica, counter) compared lexicographically, greatest wins.
type Stamp struct {
	Lamport Lamport
	Id      OpId
}

// Less reports whether s sorts strictly before other under the CRDT
// tiebreak: greater lamport wins; ties broken by greater replica, then by
// greater counter.
func (s Stamp) Less(other Stamp) bool {
	if s.Lamport != other.Lamport {
		return s.Lamport < other.Lamport
	}
	if s.Id.Replica != other.Id.Replica {
		return s.Id.Replica.Less(other.Id.Replica)
	}
	return s.Id.Counter < other.Id.Counter
}

// Dominates reports whether s strictly wins over other under the CRDT
// winner-selection rule (greatest Stamp wins).
func (s Stamp) Dominates(other Stamp) bool {
	return other.Less(s)
}

// OpRef is a 16-byte, content-free handle that uniquely identifies an op
// within a document. It is the unit of set reconciliation: two opRefs that
// are equal name the same op, but nothing about an op's content can be
// recovered from its opRef.
type OpRef [16]byte

func (r OpRef) String() string { return hex.EncodeToString(r[:]) }

// opRefDomain domain-separates the opRef hash from every other hash this
// module computes (TokenId, identity-chain leaves, ...), the way the
// teacher's blake2b commitment models separate terminal and vector
// commitments by construction rather than by a shared hash space.
const opRefDomain = "treecrdt/opref/v1"

// DeriveOpRef computes the content-free, domain-separated handle for an op
// identified by (docId, replica, counter). OpRef uniqueness for distinct
// OpIds relies on blake2b's collision resistance (invariant I4).
func DeriveOpRef(docId string, replica ReplicaId, counter uint64) OpRef {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(opRefDomain))
	h.Write([]byte{0})
	h.Write([]byte(docId))
	h.Write([]byte{0})
	h.Write(replica[:])
	h.Write(Uint64To8Bytes(counter))
	var ref OpRef
	copy(ref[:], h.Sum(nil))
	return ref
}

// Uint64To8Bytes encodes val as 8 little-endian bytes, matching the
// teacher's Uint16To2Bytes/Uint32To4Bytes helper family (see util.go).
func Uint64To8Bytes(val uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(val >> (8 * i))
	}
	return b
}

// Uint64From8Bytes is the inverse of Uint64To8Bytes.
func Uint64From8Bytes(b []byte) uint64 {
	var val uint64
	for i := 0; i < 8 && i < len(b); i++ {
		val |= uint64(b[i]) << (8 * i)
	}
	return val
}
