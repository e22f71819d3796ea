package replica

import (
	"context"
	"testing"
	"time"

	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/auth"
	"github.com/outlinesync/treecrdt/identity"
	"github.com/outlinesync/treecrdt/memorybackend"
	"github.com/outlinesync/treecrdt/transport"
	"github.com/stretchr/testify/require"
)

func mustReplica(t *testing.T, docId string) *Replica {
	t.Helper()
	backend := memorybackend.New(docId)
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := kp.PublicKey()
	require.NoError(t, err)

	grant := auth.CapGrant{
		Res:     auth.ResourceScope{DocId: docId},
		Actions: []treecrdt.Action{treecrdt.ActionWriteStructure, treecrdt.ActionDelete, treecrdt.ActionWritePayload},
	}
	token, err := auth.Issue(pub, kp.Sign, auth.CapabilityToken{
		Subject: pub,
		DocId:   docId,
		Caps:    []auth.CapGrant{grant},
	})
	require.NoError(t, err)

	r, err := New(docId, backend, kp, []auth.HeldToken{{Token: token}}, treecrdt.DefaultConfig())
	require.NoError(t, err)
	r.WitnessToken(token)
	return r
}

func newNode(b byte) treecrdt.NodeId {
	var id treecrdt.NodeId
	id[0] = b
	return id
}

func TestLocalInsertIsApplied(t *testing.T) {
	ctx := context.Background()
	r := mustReplica(t, "doc-1")

	node := newNode(1)
	_, err := r.Insert(ctx, node, treecrdt.RootNodeId, []byte{0x80}, []byte("hello"))
	require.NoError(t, err)

	refs, err := r.backend.ListOpRefs(ctx, treecrdt.AllFilter())
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestConnectReconcilesStructuralSubtreeInOneBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := mustReplica(t, "doc-1")
	bob := mustReplica(t, "doc-1")

	folder := newNode(0x10)
	note := newNode(0x11)
	_, err := alice.Insert(ctx, folder, treecrdt.RootNodeId, []byte{0x80}, []byte("notes"))
	require.NoError(t, err)
	_, err = alice.Insert(ctx, note, folder, []byte{0x80}, []byte("hi"))
	require.NoError(t, err)

	tAlice, tBob := transport.Pair()

	// Listen on both sides (registers message handlers) before either
	// side sends its Hello, so neither handshake message is dropped for
	// arriving before its peer is listening.
	sessAlice := alice.Listen(tAlice)
	sessBob := bob.Listen(tBob)

	aliceErrCh := make(chan error, 1)
	go func() {
		_, err := alice.Subscribe(ctx, sessAlice, []treecrdt.Filter{treecrdt.AllFilter()}, treecrdt.DefaultSubscribeOptions())
		aliceErrCh <- err
	}()

	_, err = bob.Subscribe(ctx, sessBob, []treecrdt.Filter{treecrdt.AllFilter()}, treecrdt.DefaultSubscribeOptions())
	require.NoError(t, err)
	defer bob.Disconnect(sessBob)

	require.NoError(t, <-aliceErrCh)
	defer alice.Disconnect(sessAlice)

	require.Eventually(t, func() bool {
		refs, err := bob.backend.ListOpRefs(ctx, treecrdt.AllFilter())
		return err == nil && len(refs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	pending, err := bob.backend.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "overlay ancestry should resolve both ops in one batch without quarantine")
}

func TestSubscribeNonImmediateSkipsInitialReconcile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := mustReplica(t, "doc-1")
	bob := mustReplica(t, "doc-1")

	// Alice already has an op before Bob subscribes; a non-immediate
	// subscription must not pull it in via an initial reconcile.
	existing := newNode(0x30)
	_, err := alice.Insert(ctx, existing, treecrdt.RootNodeId, []byte{0x80}, []byte("pre-existing"))
	require.NoError(t, err)

	tAlice, tBob := transport.Pair()
	sessAlice := alice.Listen(tAlice)
	sessBob := bob.Listen(tBob)
	defer alice.Disconnect(sessAlice)
	defer bob.Disconnect(sessBob)

	aliceErrCh := make(chan error, 1)
	go func() {
		_, err := alice.Subscribe(ctx, sessAlice, []treecrdt.Filter{treecrdt.AllFilter()}, treecrdt.DefaultSubscribeOptions())
		aliceErrCh <- err
	}()
	_, err = bob.Subscribe(ctx, sessBob, []treecrdt.Filter{treecrdt.AllFilter()}, treecrdt.SubscribeOptions{Immediate: false})
	require.NoError(t, err)
	require.NoError(t, <-aliceErrCh)

	time.Sleep(50 * time.Millisecond)
	refs, err := bob.backend.ListOpRefs(ctx, treecrdt.AllFilter())
	require.NoError(t, err)
	require.Empty(t, refs, "non-immediate subscribe must not reconcile pre-existing ops")

	// A fresh op authored after the subscription begins still arrives via
	// push, confirming Bob is in Subscribed state rather than disconnected.
	fresh := newNode(0x31)
	_, err = alice.Insert(ctx, fresh, treecrdt.RootNodeId, []byte{0x80}, []byte("post-subscribe"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		refs, err := bob.backend.ListOpRefs(ctx, treecrdt.AllFilter())
		return err == nil && len(refs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryPendingAppliesOnceAncestryArrives(t *testing.T) {
	ctx := context.Background()
	bob := mustReplica(t, "doc-1")

	folder := newNode(0x20)
	child := newNode(0x21)

	// Simulate a child op arriving before its parent's insert: verify it
	// in isolation so it lands in the pending-context quarantine.
	childOp := treecrdt.Op{
		Meta: treecrdt.OpMeta{Id: treecrdt.OpId{Replica: bob.replicaId, Counter: 0}, Lamport: 1},
		Kind: treecrdt.OpInsert, Node: child, Parent: folder, OrderKey: []byte{0x80},
	}
	signedChild, err := auth.SignOps(bob.keyPair.Sign, bob.held, []treecrdt.Op{childOp})
	require.NoError(t, err)
	accepted, pending := bob.verifyIncoming(signedChild)
	require.Empty(t, accepted)
	require.Len(t, pending, 1)
	require.NoError(t, bob.backend.StorePendingOps(ctx, pending))

	// Now the folder itself arrives and applies normally.
	_, err = bob.Insert(ctx, folder, treecrdt.RootNodeId, []byte{0x80}, nil)
	require.NoError(t, err)

	n, err := bob.RetryPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	refs, err := bob.backend.ListOpRefs(ctx, treecrdt.AllFilter())
	require.NoError(t, err)
	require.Len(t, refs, 2)

	stillPending, err := bob.backend.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Empty(t, stillPending)
}
