package badgerbackend

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

func TestApplyOpsAndReopenReplays(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open("doc", dir)
	require.NoError(t, err)
	_, err = b.ApplyOps(ctx, []treecrdt.SignedOp{sampleInsert(0, 1), sampleInsert(1, 2)})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := Open("doc", dir)
	require.NoError(t, err)
	defer reopened.Close()

	max, err := reopened.MaxLamport(ctx)
	require.NoError(t, err)
	require.Equal(t, treecrdt.Lamport(2), max)

	refs, err := reopened.ListOpRefs(ctx, treecrdt.AllFilter())
	require.NoError(t, err)
	require.Len(t, refs, 2)
}

func TestPendingOpsPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := Open("doc", dir)
	require.NoError(t, err)
	defer b.Close()

	op := sampleInsert(0, 1)
	pending := treecrdt.PendingOp{Op: op, Reason: treecrdt.PendingReasonScopeUnknown, Message: "scope not yet known"}
	require.NoError(t, b.StorePendingOps(ctx, []treecrdt.PendingOp{pending}))

	list, err := b.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "scope not yet known", list[0].Message)

	require.NoError(t, b.DeletePendingOps(ctx, []treecrdt.SignedOp{op}))
	list, err = b.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestGetOpsByOpRefsUnknown(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := Open("doc", dir)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.GetOpsByOpRefs(ctx, []treecrdt.OpRef{{0xaa}})
	require.ErrorIs(t, err, treecrdt.ErrUnknownOpRef)
}
