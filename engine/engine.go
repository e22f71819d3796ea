// Package engine implements the tree state engine of spec.md §4.1: it
// replays a set of operations into the canonical materialized tree,
// enforces the no-cycle invariant, and answers children/opRef queries.
//
// The engine holds no transport or authorization concerns; it is the pure,
// deterministic function apply(ops) -> tree the rest of this module is
// built around (spec.md invariants I1-I4).
package engine

import (
	"sort"
	"sync"

	"github.com/outlinesync/treecrdt"
)

// parentEdge is one step of a node's parent-edge history: the op that
// made it so, and the (old, new) parent it transitioned between. Recorded
// for every winner change, independent of later cycle suppression, since a
// cycle-suppressed op still "won" the CRDT comparison (spec.md §4.1).
type parentEdge struct {
	ref       treecrdt.OpRef
	oldParent treecrdt.NodeId
	newParent treecrdt.NodeId
}

// placement is a concrete, cycle-free (parent, orderKey, opId) the engine
// can use to position a node among its siblings.
type placement struct {
	parent   treecrdt.NodeId
	orderKey []byte
	opId     treecrdt.OpId
	valid    bool
}

type nodeState struct {
	exists bool // an op has named this node as its own subject at least once

	// structural winner: the greatest-stamp Insert/Move/Delete seen for
	// this node, independent of cycle suppression.
	winnerStamp  treecrdt.Stamp
	winnerValid  bool
	winnerPlace  placement

	// effective placement: winnerPlace, unless it would induce a cycle, in
	// which case the last known cycle-free placement (or trash).
	effective placement

	// the last winner placement that did NOT induce a cycle; the revert
	// target the next cyclic winner falls back to.
	prevNonCyclic placement

	// payload winner: the greatest-stamp Insert(with payload)/Payload op.
	payloadStamp treecrdt.Stamp
	payloadValid bool
	payload      []byte
	hasPayload   bool

	history []parentEdge
}

// Engine is the tree state engine for one document. It is safe for
// concurrent use; every public method takes the single engine mutex for
// its duration, matching the "single writer, consistent-snapshot readers"
// discipline of spec.md §5.
type Engine struct {
	mu sync.RWMutex

	nodes map[treecrdt.NodeId]*nodeState
	// childrenOf[P] holds the live children of P, sorted by (orderKey, opId).
	childrenOf map[treecrdt.NodeId][]treecrdt.NodeId
	// parentOpRefs[P] holds every opRef that ever made P a node's old or
	// new parent (the affected-parent index of spec.md §4.3), required to
	// answer listOpRefs(Children(P)).
	parentOpRefs map[treecrdt.NodeId][]treecrdt.OpRef

	seen        map[treecrdt.OpId]treecrdt.OpRef
	refIndex    map[treecrdt.OpRef]struct{}
	allOpRefs   []treecrdt.OpRef
	replicaMax  map[treecrdt.ReplicaId]uint64
	headLamport treecrdt.Lamport
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		nodes:        make(map[treecrdt.NodeId]*nodeState),
		childrenOf:   make(map[treecrdt.NodeId][]treecrdt.NodeId),
		parentOpRefs: make(map[treecrdt.NodeId][]treecrdt.OpRef),
		seen:         make(map[treecrdt.OpId]treecrdt.OpRef),
		refIndex:     make(map[treecrdt.OpRef]struct{}),
		replicaMax:   make(map[treecrdt.ReplicaId]uint64),
	}
}

func (e *Engine) getOrCreate(id treecrdt.NodeId) *nodeState {
	ns, ok := e.nodes[id]
	if !ok {
		ns = &nodeState{
			effective:     placement{parent: treecrdt.TrashNodeId, valid: true},
			prevNonCyclic: placement{parent: treecrdt.TrashNodeId, valid: true},
		}
		e.nodes[id] = ns
	}
	return ns
}

// Append validates op locally, updates the log and the materialized tree.
// It fails with treecrdt.ErrDuplicateOp if op.Meta.Id is already known and
// treecrdt.ErrMalformedOp on shape errors (spec.md §4.1).
func (e *Engine) Append(ref treecrdt.OpRef, op treecrdt.Op) error {
	if err := validate(op); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.seen[op.Meta.Id]; dup {
		return treecrdt.ErrDuplicateOp
	}
	e.seen[op.Meta.Id] = ref
	e.refIndex[ref] = struct{}{}
	e.allOpRefs = append(e.allOpRefs, ref)

	if op.Meta.Lamport > e.headLamport {
		e.headLamport = op.Meta.Lamport
	}
	if c := e.replicaMax[op.Meta.Id.Replica]; op.Meta.Id.Counter > c {
		e.replicaMax[op.Meta.Id.Replica] = op.Meta.Id.Counter
	}

	ns := e.getOrCreate(op.Node)
	ns.exists = true
	stamp := op.Meta.Stamp()

	if op.IsStructural() {
		e.applyStructural(ref, op, ns, stamp)
	}
	if op.Kind == treecrdt.OpInsert || op.Kind == treecrdt.OpPayload {
		e.applyPayload(op, ns, stamp)
	}
	return nil
}

func validate(op treecrdt.Op) error {
	switch op.Kind {
	case treecrdt.OpInsert, treecrdt.OpMove:
		if op.Node == op.Parent {
			return treecrdt.ErrMalformedOp
		}
	case treecrdt.OpDelete, treecrdt.OpPayload:
		// no extra shape constraints
	default:
		return treecrdt.ErrMalformedOp
	}
	return nil
}

func (e *Engine) applyStructural(ref treecrdt.OpRef, op treecrdt.Op, ns *nodeState, stamp treecrdt.Stamp) {
	if ns.winnerValid && !stamp.Dominates(ns.winnerStamp) {
		// does not win the comparison: kept in the log for integrity only.
		return
	}

	oldWinnerParent := ns.effective.parent
	if ns.winnerValid {
		oldWinnerParent = ns.winnerPlace.parent
	}
	newParent := op.EffectiveParent()

	ns.winnerStamp = stamp
	ns.winnerValid = true
	ns.winnerPlace = placement{parent: newParent, orderKey: op.OrderKey, opId: op.Meta.Id, valid: true}

	ns.history = append(ns.history, parentEdge{ref: ref, oldParent: oldWinnerParent, newParent: newParent})
	e.indexParentOpRef(oldWinnerParent, ref)
	e.indexParentOpRef(newParent, ref)

	e.resolvePlacement(op.Node, ns)
}

// resolvePlacement walks the ancestor chain of node under the candidate
// winner placement; if it would create a cycle, the effective placement
// falls back to the last known cycle-free placement, or to trash (I1).
func (e *Engine) resolvePlacement(node treecrdt.NodeId, ns *nodeState) {
	candidate := ns.winnerPlace
	if e.wouldCycle(node, candidate.parent) {
		fallback := ns.prevNonCyclic
		if !fallback.valid {
			fallback = placement{parent: treecrdt.TrashNodeId, orderKey: nil, valid: true}
		}
		e.place(node, ns, fallback)
		return
	}
	e.place(node, ns, candidate)
	ns.prevNonCyclic = candidate
}

// wouldCycle reports whether setting node's parent to parent would create
// a cycle, by walking the ancestor chain from parent back to the root or
// trash, bounded by the number of known nodes.
func (e *Engine) wouldCycle(node, parent treecrdt.NodeId) bool {
	if parent == node {
		return true
	}
	cur := parent
	steps := 0
	limit := len(e.nodes) + 2
	for {
		if cur.IsRoot() || cur.IsTrash() {
			return false
		}
		if cur == node {
			return true
		}
		steps++
		if steps > limit {
			// defensive bound; a well-formed tree never reaches this
			return true
		}
		ancestorState, ok := e.nodes[cur]
		if !ok {
			return false
		}
		cur = ancestorState.effective.parent
	}
}

func (e *Engine) indexParentOpRef(parent treecrdt.NodeId, ref treecrdt.OpRef) {
	e.parentOpRefs[parent] = append(e.parentOpRefs[parent], ref)
}

// place moves node out of its current sibling list (if any) and into
// p.parent's sibling list at the position (orderKey, opId) dictates.
func (e *Engine) place(node treecrdt.NodeId, ns *nodeState, p placement) {
	oldParent := ns.effective.parent
	if ns.effective.valid {
		e.removeChild(oldParent, node)
	}
	ns.effective = p
	e.insertChild(p.parent, node, ns)
}

func (e *Engine) removeChild(parent, node treecrdt.NodeId) {
	siblings := e.childrenOf[parent]
	for i, n := range siblings {
		if n == node {
			e.childrenOf[parent] = append(siblings[:i], siblings[i+1:]...)
			return
		}
	}
}

func (e *Engine) insertChild(parent, node treecrdt.NodeId, ns *nodeState) {
	siblings := e.childrenOf[parent]
	i := sort.Search(len(siblings), func(i int) bool {
		return e.less(node, siblings[i])
	})
	siblings = append(siblings, treecrdt.NodeId{})
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = node
	e.childrenOf[parent] = siblings
}

// less orders two children of the same parent by (orderKey, OpId).
func (e *Engine) less(a, b treecrdt.NodeId) bool {
	na, nb := e.nodes[a], e.nodes[b]
	ka, kb := na.effective.orderKey, nb.effective.orderKey
	c := compareBytes(ka, kb)
	if c != 0 {
		return c < 0
	}
	return na.effective.opId.Less(nb.effective.opId)
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (e *Engine) applyPayload(op treecrdt.Op, ns *nodeState, stamp treecrdt.Stamp) {
	if ns.payloadValid && !stamp.Dominates(ns.payloadStamp) {
		return
	}
	ns.payloadStamp = stamp
	ns.payloadValid = true
	ns.hasPayload = op.HasPayload
	ns.payload = op.Payload
}

// Children returns the live children of parent, ordered by (orderKey,
// OpId) ascending. A node is live iff its winning parent edge is not
// trash; Children(TrashNodeId) therefore returns deleted nodes.
func (e *Engine) Children(parent treecrdt.NodeId) []treecrdt.NodeId {
	e.mu.RLock()
	defer e.mu.RUnlock()
	src := e.childrenOf[parent]
	out := make([]treecrdt.NodeId, len(src))
	copy(out, src)
	return out
}

// Payload returns the current winning payload for node, and whether one
// is set at all.
func (e *Engine) Payload(node treecrdt.NodeId) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ns, ok := e.nodes[node]
	if !ok || !ns.hasPayload {
		return nil, false
	}
	return ns.payload, true
}

// Parent returns node's current effective parent.
func (e *Engine) Parent(node treecrdt.NodeId) (treecrdt.NodeId, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ns, ok := e.nodes[node]
	if !ok {
		return treecrdt.NodeId{}, false
	}
	return ns.effective.parent, true
}

// IsLive reports whether node's winning parent edge is not trash.
func (e *Engine) IsLive(node treecrdt.NodeId) bool {
	p, ok := e.Parent(node)
	return ok && !p.IsTrash()
}

// NodeCount returns the number of distinct nodes that have been named as
// the subject of at least one op.
func (e *Engine) NodeCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var n uint64
	for _, ns := range e.nodes {
		if ns.exists {
			n++
		}
	}
	return n
}

// HeadLamport returns the greatest lamport stamp observed so far.
func (e *Engine) HeadLamport() treecrdt.Lamport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.headLamport
}

// ReplicaMaxCounter returns the greatest counter observed for replica.
func (e *Engine) ReplicaMaxCounter(replica treecrdt.ReplicaId) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.replicaMax[replica]
}

// ListOpRefs answers spec.md §4.1's filtered opRef enumeration. For
// FilterChildren(P), an opRef is included iff the op it names ever made P
// the winning parent of its node, or moved the node away from P.
func (e *Engine) ListOpRefs(filter treecrdt.Filter) []treecrdt.OpRef {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if filter.Kind == treecrdt.FilterAll {
		out := make([]treecrdt.OpRef, len(e.allOpRefs))
		copy(out, e.allOpRefs)
		return out
	}

	seen := make(map[treecrdt.OpRef]struct{})
	var out []treecrdt.OpRef
	for _, ref := range e.parentOpRefs[filter.Parent] {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Known reports whether ref names an op this engine has already applied.
func (e *Engine) Known(ref treecrdt.OpRef) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.refIndex[ref]
	return ok
}
