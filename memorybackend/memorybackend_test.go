package memorybackend

import (
	"context"
	"testing"

	"github.com/outlinesync/treecrdt"
	"github.com/stretchr/testify/require"
)

func sampleInsert(counter uint64, lamport treecrdt.Lamport) treecrdt.SignedOp {
	var replica treecrdt.ReplicaId
	replica[0] = 0x01
	var node treecrdt.NodeId
	node[0] = byte(counter + 1)
	return treecrdt.SignedOp{
		Op: treecrdt.Op{
			Meta:   treecrdt.OpMeta{Id: treecrdt.OpId{Replica: replica, Counter: counter}, Lamport: lamport},
			Kind:   treecrdt.OpInsert,
			Node:   node,
			Parent: treecrdt.RootNodeId,
		},
	}
}

func TestApplyOpsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New("doc")
	op := sampleInsert(0, 1)

	newly, err := b.ApplyOps(ctx, []treecrdt.SignedOp{op})
	require.NoError(t, err)
	require.Len(t, newly, 1)

	newly, err = b.ApplyOps(ctx, []treecrdt.SignedOp{op})
	require.NoError(t, err)
	require.Empty(t, newly)
}

func TestGetOpsByOpRefsRoundTrips(t *testing.T) {
	ctx := context.Background()
	b := New("doc")
	op := sampleInsert(0, 1)
	_, err := b.ApplyOps(ctx, []treecrdt.SignedOp{op})
	require.NoError(t, err)

	refs, err := b.ListOpRefs(ctx, treecrdt.AllFilter())
	require.NoError(t, err)
	require.Len(t, refs, 1)

	fetched, err := b.GetOpsByOpRefs(ctx, refs)
	require.NoError(t, err)
	require.Equal(t, op, fetched[0])
}

func TestGetOpsByOpRefsUnknown(t *testing.T) {
	ctx := context.Background()
	b := New("doc")
	_, err := b.GetOpsByOpRefs(ctx, []treecrdt.OpRef{{0xaa}})
	require.ErrorIs(t, err, treecrdt.ErrUnknownOpRef)
}

func TestPendingOpsLifecycle(t *testing.T) {
	ctx := context.Background()
	b := New("doc")
	op := sampleInsert(0, 1)
	pending := treecrdt.PendingOp{Op: op, Reason: treecrdt.PendingReasonScopeUnknown, Message: "scope not yet known"}

	require.NoError(t, b.StorePendingOps(ctx, []treecrdt.PendingOp{pending}))

	list, err := b.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	refs, err := b.ListOpRefs(ctx, treecrdt.AllFilter())
	require.NoError(t, err)
	require.Len(t, refs, 1, "pending ops are visible under the All filter")

	require.NoError(t, b.DeletePendingOps(ctx, []treecrdt.SignedOp{op}))
	list, err = b.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMaxLamportTracksApplied(t *testing.T) {
	ctx := context.Background()
	b := New("doc")
	_, err := b.ApplyOps(ctx, []treecrdt.SignedOp{sampleInsert(0, 5), sampleInsert(1, 9)})
	require.NoError(t, err)

	max, err := b.MaxLamport(ctx)
	require.NoError(t, err)
	require.Equal(t, treecrdt.Lamport(9), max)
}
