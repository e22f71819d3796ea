package sync

import (
	"context"
	"testing"
	"time"

	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/memorybackend"
	"github.com/outlinesync/treecrdt/transport"
	"github.com/stretchr/testify/require"
)

func insertOp(replicaByte byte, counter uint64, lamport treecrdt.Lamport, nodeByte byte) treecrdt.SignedOp {
	var replica treecrdt.ReplicaId
	replica[0] = replicaByte
	var node treecrdt.NodeId
	node[0] = nodeByte
	return treecrdt.SignedOp{Op: treecrdt.Op{
		Meta:   treecrdt.OpMeta{Id: treecrdt.OpId{Replica: replica, Counter: counter}, Lamport: lamport},
		Kind:   treecrdt.OpInsert,
		Node:   node,
		Parent: treecrdt.RootNodeId,
	}}
}

func TestReconcileConvergesAcrossTwoReplicas(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backendA := memorybackend.New("doc-1")
	backendB := memorybackend.New("doc-1")

	_, err := backendA.ApplyOps(ctx, []treecrdt.SignedOp{insertOp(1, 0, 1, 0x10), insertOp(1, 1, 2, 0x11)})
	require.NoError(t, err)
	_, err = backendB.ApplyOps(ctx, []treecrdt.SignedOp{insertOp(2, 0, 1, 0x20)})
	require.NoError(t, err)

	tA, tB := transport.Pair()
	sessA := New(tA, backendA, treecrdt.DefaultConfig(), nil, nil)
	sessB := New(tB, backendB, treecrdt.DefaultConfig(), nil, nil)
	sessA.Start()
	sessB.Start()
	defer sessA.Close()
	defer sessB.Close()

	_, err = sessA.Reconcile(ctx, treecrdt.AllFilter())
	require.NoError(t, err)

	// Give the asynchronous OpBatch pushed by the in-memory transport time
	// to arrive and be applied.
	require.Eventually(t, func() bool {
		refsA, _ := backendA.ListOpRefs(ctx, treecrdt.AllFilter())
		refsB, _ := backendB.ListOpRefs(ctx, treecrdt.AllFilter())
		return len(refsA) == 3 && len(refsB) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHelloAcceptsFiltersByDefault(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	backendA := memorybackend.New("doc-1")
	backendB := memorybackend.New("doc-1")
	tA, tB := transport.Pair()
	sessA := New(tA, backendA, treecrdt.DefaultConfig(), nil, nil)
	sessB := New(tB, backendB, treecrdt.DefaultConfig(), nil, nil)
	sessA.Start()
	sessB.Start()
	defer sessA.Close()
	defer sessB.Close()

	ack, err := sessA.Hello(ctx, []treecrdt.Filter{treecrdt.AllFilter()}, nil)
	require.NoError(t, err)
	require.Len(t, ack.Accepted, 1)
	require.Empty(t, ack.Rejected)
}

func TestNotifyLocalUpdatePushesToSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	backendA := memorybackend.New("doc-1")
	backendB := memorybackend.New("doc-1")
	tA, tB := transport.Pair()
	sessA := New(tA, backendA, treecrdt.DefaultConfig(), nil, nil)
	sessB := New(tB, backendB, treecrdt.DefaultConfig(), nil, nil)
	sessA.Start()
	sessB.Start()
	defer sessA.Close()
	defer sessB.Close()

	// B subscribes to A's updates.
	_, err := sessB.Hello(ctx, []treecrdt.Filter{treecrdt.AllFilter()}, nil)
	require.NoError(t, err)

	op := insertOp(1, 0, 1, 0x30)
	_, err = backendA.ApplyOps(ctx, []treecrdt.SignedOp{op})
	require.NoError(t, err)
	require.NoError(t, sessA.NotifyLocalUpdate(ctx, []treecrdt.SignedOp{op}))

	refsB, err := backendB.ListOpRefs(ctx, treecrdt.AllFilter())
	require.NoError(t, err)
	require.Len(t, refsB, 1)
}
