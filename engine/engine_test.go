package engine

import (
	"testing"

	"github.com/outlinesync/treecrdt"
	"github.com/stretchr/testify/require"
)

func replica(b byte) treecrdt.ReplicaId {
	var r treecrdt.ReplicaId
	r[0] = b
	return r
}

func node(b byte) treecrdt.NodeId {
	var n treecrdt.NodeId
	n[0] = b
	return n
}

func ref(docId string, r treecrdt.ReplicaId, counter uint64) treecrdt.OpRef {
	return treecrdt.DeriveOpRef(docId, r, counter)
}

func insert(r treecrdt.ReplicaId, counter uint64, lamport treecrdt.Lamport, parent, n treecrdt.NodeId, orderKey []byte) treecrdt.Op {
	return treecrdt.Op{
		Meta:     treecrdt.OpMeta{Id: treecrdt.OpId{Replica: r, Counter: counter}, Lamport: lamport},
		Kind:     treecrdt.OpInsert,
		Node:     n,
		Parent:   parent,
		OrderKey: orderKey,
	}
}

func move(r treecrdt.ReplicaId, counter uint64, lamport treecrdt.Lamport, n, newParent treecrdt.NodeId, orderKey []byte) treecrdt.Op {
	return treecrdt.Op{
		Meta:     treecrdt.OpMeta{Id: treecrdt.OpId{Replica: r, Counter: counter}, Lamport: lamport},
		Kind:     treecrdt.OpMove,
		Node:     n,
		Parent:   newParent,
		OrderKey: orderKey,
	}
}

func TestConcurrentInsertOrdering(t *testing.T) {
	e := New()
	rA, rB := replica(0xA1), replica(0xB2)
	n1, n2 := node(0x01), node(0x02)

	require.NoError(t, e.Append(ref("doc", rA, 0), insert(rA, 0, 1, treecrdt.RootNodeId, n1, []byte{0x00, 0x01})))
	require.NoError(t, e.Append(ref("doc", rB, 0), insert(rB, 0, 1, treecrdt.RootNodeId, n2, []byte{0x00, 0x02})))

	children := e.Children(treecrdt.RootNodeId)
	require.Equal(t, []treecrdt.NodeId{n1, n2}, children)
}

func TestConcurrentMoveTiebreakByReplica(t *testing.T) {
	e := New()
	rRoot := replica(0x01)
	n, p0, p1, p2 := node(0x10), node(0x20), node(0x30), node(0x40)

	require.NoError(t, e.Append(ref("doc", rRoot, 0), insert(rRoot, 0, 1, treecrdt.RootNodeId, p0, nil)))
	require.NoError(t, e.Append(ref("doc", rRoot, 1), insert(rRoot, 1, 2, treecrdt.RootNodeId, p1, nil)))
	require.NoError(t, e.Append(ref("doc", rRoot, 2), insert(rRoot, 2, 3, treecrdt.RootNodeId, p2, nil)))
	require.NoError(t, e.Append(ref("doc", rRoot, 3), insert(rRoot, 3, 4, p0, n, nil)))

	rA := replica(0x01)
	rB := replica(0x02) // rB > rA lexicographically
	require.NoError(t, e.Append(ref("doc", rA, 10), move(rA, 10, 5, n, p1, nil)))
	require.NoError(t, e.Append(ref("doc", rB, 10), move(rB, 10, 5, n, p2, nil)))

	parent, ok := e.Parent(n)
	require.True(t, ok)
	require.Equal(t, p2, parent)
}

func TestCycleSuppression(t *testing.T) {
	e := New()
	r := replica(0x01)
	a, b := node(0xAA), node(0xBB)

	require.NoError(t, e.Append(ref("doc", r, 0), insert(r, 0, 1, treecrdt.RootNodeId, a, nil)))
	require.NoError(t, e.Append(ref("doc", r, 1), insert(r, 1, 2, a, b, nil)))

	// a -> b would create a cycle since b's ancestor chain already goes
	// through a.
	require.NoError(t, e.Append(ref("doc", r, 2), move(r, 2, 3, a, b, nil)))

	parent, ok := e.Parent(a)
	require.True(t, ok)
	require.NotEqual(t, b, parent)

	// ancestor walk from b terminates without revisiting a cyclically.
	seen := map[treecrdt.NodeId]bool{}
	cur := b
	for i := 0; i < 10; i++ {
		if cur.IsRoot() || cur.IsTrash() {
			break
		}
		require.False(t, seen[cur], "cycle detected while walking ancestors")
		seen[cur] = true
		p, ok := e.Parent(cur)
		require.True(t, ok)
		cur = p
	}
}

func TestDuplicateAppendRejected(t *testing.T) {
	e := New()
	r := replica(0x01)
	n := node(0x10)
	op := insert(r, 0, 1, treecrdt.RootNodeId, n, nil)
	require.NoError(t, e.Append(ref("doc", r, 0), op))
	require.ErrorIs(t, e.Append(ref("doc", r, 0), op), treecrdt.ErrDuplicateOp)
}

func TestDeleteIsMoveToTrash(t *testing.T) {
	e := New()
	r := replica(0x01)
	n := node(0x10)
	require.NoError(t, e.Append(ref("doc", r, 0), insert(r, 0, 1, treecrdt.RootNodeId, n, nil)))
	require.True(t, e.IsLive(n))

	del := treecrdt.Op{
		Meta: treecrdt.OpMeta{Id: treecrdt.OpId{Replica: r, Counter: 1}, Lamport: 2},
		Kind: treecrdt.OpDelete,
		Node: n,
	}
	require.NoError(t, e.Append(ref("doc", r, 1), del))
	require.False(t, e.IsLive(n))

	// undelete: a later move brings it back.
	require.NoError(t, e.Append(ref("doc", r, 2), move(r, 2, 3, n, treecrdt.RootNodeId, nil)))
	require.True(t, e.IsLive(n))
}

func TestListOpRefsChildrenFilter(t *testing.T) {
	e := New()
	r := replica(0x01)
	p1, p2, n := node(0x01), node(0x02), node(0x10)

	insertRef := ref("doc", r, 0)
	require.NoError(t, e.Append(insertRef, insert(r, 0, 1, p1, n, nil)))
	moveRef := ref("doc", r, 1)
	require.NoError(t, e.Append(moveRef, move(r, 1, 2, n, p2, nil)))

	p1Refs := e.ListOpRefs(treecrdt.ChildrenFilter(p1))
	require.Contains(t, p1Refs, insertRef)
	require.Contains(t, p1Refs, moveRef) // boundary-crossing move away from p1

	p2Refs := e.ListOpRefs(treecrdt.ChildrenFilter(p2))
	require.Contains(t, p2Refs, moveRef)
	require.NotContains(t, p2Refs, insertRef)
}

func TestPermutationInvariance(t *testing.T) {
	r := replica(0x01)
	n1, n2, n3 := node(0x01), node(0x02), node(0x03)
	ops := []struct {
		ref treecrdt.OpRef
		op  treecrdt.Op
	}{
		{ref("doc", r, 0), insert(r, 0, 1, treecrdt.RootNodeId, n1, []byte{1})},
		{ref("doc", r, 1), insert(r, 1, 2, treecrdt.RootNodeId, n2, []byte{2})},
		{ref("doc", r, 2), insert(r, 2, 3, n1, n3, []byte{3})},
	}

	forward := New()
	for _, o := range ops {
		require.NoError(t, forward.Append(o.ref, o.op))
	}

	reversed := New()
	for i := len(ops) - 1; i >= 0; i-- {
		require.NoError(t, reversed.Append(ops[i].ref, ops[i].op))
	}

	require.Equal(t, forward.Children(treecrdt.RootNodeId), reversed.Children(treecrdt.RootNodeId))
	require.Equal(t, forward.Children(n1), reversed.Children(n1))
}
