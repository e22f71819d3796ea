package treecrdt

// OpKind discriminates the four operation variants of spec.md §3.
type OpKind byte

const (
	OpInsert OpKind = iota
	OpMove
	OpDelete
	OpPayload
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "Insert"
	case OpMove:
		return "Move"
	case OpDelete:
		return "Delete"
	case OpPayload:
		return "Payload"
	default:
		return "Unknown"
	}
}

// OpMeta carries the identity and causal position every op variant shares.
type OpMeta struct {
	Id      OpId
	Lamport Lamport
}

func (m OpMeta) Stamp() Stamp { return Stamp{Lamport: m.Lamport, Id: m.Id} }

// Op is the sum type of spec.md §3: Insert, Move, Delete and Payload,
// flattened into one struct so the engine, wire codec and auth layer can
// share a single representation instead of a sealed interface hierarchy —
// the teacher takes the same approach for NodeData, which folds terminal
// and vector commitments of several trie shapes into one struct.
type Op struct {
	Meta OpMeta
	Kind OpKind

	// Insert, Move: the node being (re)parented. Delete, Payload: the node
	// being tombstoned / whose payload changes.
	Node NodeId

	// Insert, Move: the new parent. Unused by Delete (implicitly
	// TrashNodeId) and Payload.
	Parent NodeId

	// Insert, Move: opaque fractional-index-style sibling ordering key.
	OrderKey []byte

	// Insert, Payload: the new payload. nil clears the payload (Payload
	// variant only; Insert with a nil Payload leaves the node payload-less
	// until a later Insert/Payload op wins).
	Payload    []byte
	HasPayload bool
}

// AffectedNode returns the NodeId every variant is ultimately about.
func (o Op) AffectedNode() NodeId { return o.Node }

// ScopeAnchor returns the node the scope evaluator (package auth) should
// classify: for Insert/Move, the declared parent, since the node's own
// ancestry is exactly what this op is establishing and cannot yet be read
// back out of the tree; for Delete/Payload, the node itself, which must
// already exist in the tree for the op to be meaningful.
func (o Op) ScopeAnchor() NodeId {
	switch o.Kind {
	case OpInsert, OpMove:
		return o.Parent
	default:
		return o.Node
	}
}

// EffectiveParent returns the parent edge this op would install if it
// wins, with Delete normalized to TrashNodeId per spec.md §3.
func (o Op) EffectiveParent() NodeId {
	switch o.Kind {
	case OpInsert, OpMove:
		return o.Parent
	case OpDelete:
		return TrashNodeId
	default:
		return NodeId{}
	}
}

// IsStructural reports whether o carries a parent-edge (Insert/Move/Delete)
// as opposed to a pure payload update.
func (o Op) IsStructural() bool {
	return o.Kind == OpInsert || o.Kind == OpMove || o.Kind == OpDelete
}

// RequiredActions returns the capability actions (spec.md §4.4) that
// together authorize o: write_structure for Insert/Move, write_payload
// for Payload, and BOTH for an Insert that also carries a payload, since
// such an op both places a node and sets its initial content.
func (o Op) RequiredActions() []Action {
	switch {
	case o.Kind == OpInsert && o.HasPayload:
		return []Action{ActionWriteStructure, ActionWritePayload}
	case o.Kind == OpInsert, o.Kind == OpMove:
		return []Action{ActionWriteStructure}
	case o.Kind == OpDelete:
		return []Action{ActionDelete}
	case o.Kind == OpPayload:
		return []Action{ActionWritePayload}
	default:
		return nil
	}
}

// OpAuth is the signature attached to an op for transmission, see
// spec.md §4.4 and §6.3.
type OpAuth struct {
	Signature []byte
	ProofRef  TokenId
}

// SignedOp pairs an Op with its OpAuth for wire transmission (OpBatch).
type SignedOp struct {
	Op   Op
	Auth *OpAuth
}
