// Package replica is the owning glue spec.md §9's Design Notes describe:
// one Replica binds a Backend, the local signing identity, the held and
// witnessed capability tokens, and the set of active sync sessions, and
// exposes the small set of operations a caller (a UI, a CLI, a test)
// actually needs: make a local edit, connect to a peer, keep peers
// updated.
package replica

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/auth"
	"github.com/outlinesync/treecrdt/identity"
	syncpkg "github.com/outlinesync/treecrdt/sync"
	"github.com/outlinesync/treecrdt/transport"
	"github.com/outlinesync/treecrdt/wire"
)

// TreeReader is satisfied by memorybackend.Backend and badgerbackend.Backend:
// the materialized parent lookup a scope evaluator needs. It is not part
// of treecrdt.Backend itself, only of the concrete backends this module
// ships.
type TreeReader interface {
	Parent(node treecrdt.NodeId) (treecrdt.NodeId, bool)
}

// Replica owns one document's local state: its Backend, its signing
// identity, and the sessions currently syncing it.
type Replica struct {
	docId   string
	backend treecrdt.Backend
	config  treecrdt.Config

	keyPair   *identity.KeyPair
	replicaId treecrdt.ReplicaId

	tokens auth.MapTokenStore
	held   []auth.HeldToken

	mu       sync.Mutex
	counter  uint64
	sessions []*syncpkg.Session
}

// New constructs a Replica. held are the capability tokens this replica
// may sign ops with; they are also added to the witnessed token store so
// this replica can verify its own re-synced ops.
func New(docId string, backend treecrdt.Backend, keyPair *identity.KeyPair, held []auth.HeldToken, cfg treecrdt.Config) (*Replica, error) {
	pub, err := keyPair.PublicKey()
	if err != nil {
		return nil, err
	}
	r := &Replica{
		docId:     docId,
		backend:   backend,
		config:    cfg,
		keyPair:   keyPair,
		replicaId: pub,
		tokens:    auth.MapTokenStore{},
		held:      held,
	}
	for _, h := range held {
		r.tokens.Add(h.Token)
	}
	return r, nil
}

// ReplicaId returns this replica's public signing key.
func (r *Replica) ReplicaId() treecrdt.ReplicaId { return r.replicaId }

// WitnessToken registers a token this replica has seen (e.g. from a
// Hello's advertised capabilities, or an invite) so it can be resolved
// during verifyOps without being one this replica can sign with itself.
func (r *Replica) WitnessToken(t auth.CapabilityToken) { r.tokens.Add(t) }

func (r *Replica) nextCounter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counter
	r.counter++
	return c
}

// Apply builds, signs, locally applies, and broadcasts a batch of local
// ops described by kinds. lamport is assigned as max(backend head, 0)+1
// for every op in the batch, matching spec.md §3's "max(localHead,
// maxRemoteSeen) + 1" rule applied at the moment of local authorship.
func (r *Replica) Apply(ctx context.Context, kinds []OpIntent) ([]treecrdt.SignedOp, error) {
	head, err := r.backend.MaxLamport(ctx)
	if err != nil {
		return nil, err
	}
	lamport := head + 1

	ops := make([]treecrdt.Op, len(kinds))
	for i, intent := range kinds {
		ops[i] = intent.toOp(r.replicaId, r.nextCounter(), lamport)
	}

	signed, err := auth.SignOps(r.keyPair.Sign, r.held, ops)
	if err != nil {
		return nil, err
	}

	newly, err := r.backend.ApplyOps(ctx, signed)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	sessions := make([]*syncpkg.Session, len(r.sessions))
	copy(sessions, r.sessions)
	r.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.NotifyLocalUpdate(ctx, newly)
	}
	return signed, nil
}

// OpIntent is the local-authoring-time description of one op, lighter
// than treecrdt.Op since it omits the fields Apply fills in (OpMeta).
type OpIntent struct {
	Kind       treecrdt.OpKind
	Node       treecrdt.NodeId
	Parent     treecrdt.NodeId
	OrderKey   []byte
	Payload    []byte
	HasPayload bool
}

func (intent OpIntent) toOp(replica treecrdt.ReplicaId, counter uint64, lamport treecrdt.Lamport) treecrdt.Op {
	return treecrdt.Op{
		Meta:       treecrdt.OpMeta{Id: treecrdt.OpId{Replica: replica, Counter: counter}, Lamport: lamport},
		Kind:       intent.Kind,
		Node:       intent.Node,
		Parent:     intent.Parent,
		OrderKey:   intent.OrderKey,
		Payload:    intent.Payload,
		HasPayload: intent.HasPayload,
	}
}

// Insert is a convenience wrapper around Apply for a single Insert op.
func (r *Replica) Insert(ctx context.Context, node, parent treecrdt.NodeId, orderKey, payload []byte) (treecrdt.SignedOp, error) {
	out, err := r.Apply(ctx, []OpIntent{{Kind: treecrdt.OpInsert, Node: node, Parent: parent, OrderKey: orderKey, Payload: payload, HasPayload: payload != nil}})
	if err != nil {
		return treecrdt.SignedOp{}, err
	}
	return out[0], nil
}

// Move is a convenience wrapper around Apply for a single Move op.
func (r *Replica) Move(ctx context.Context, node, newParent treecrdt.NodeId, orderKey []byte) (treecrdt.SignedOp, error) {
	out, err := r.Apply(ctx, []OpIntent{{Kind: treecrdt.OpMove, Node: node, Parent: newParent, OrderKey: orderKey}})
	if err != nil {
		return treecrdt.SignedOp{}, err
	}
	return out[0], nil
}

// Delete is a convenience wrapper around Apply for a single Delete op.
func (r *Replica) Delete(ctx context.Context, node treecrdt.NodeId) (treecrdt.SignedOp, error) {
	out, err := r.Apply(ctx, []OpIntent{{Kind: treecrdt.OpDelete, Node: node}})
	if err != nil {
		return treecrdt.SignedOp{}, err
	}
	return out[0], nil
}

// SetPayload is a convenience wrapper around Apply for a single Payload op.
func (r *Replica) SetPayload(ctx context.Context, node treecrdt.NodeId, payload []byte) (treecrdt.SignedOp, error) {
	out, err := r.Apply(ctx, []OpIntent{{Kind: treecrdt.OpPayload, Node: node, Payload: payload, HasPayload: true}})
	if err != nil {
		return treecrdt.SignedOp{}, err
	}
	return out[0], nil
}

// scopeEvaluator builds a TreeScopeEvaluator against the backend, if it
// implements TreeReader, else one that always returns ScopeUnknown
// (quarantining every structural op) — a safe default when a Backend
// implementation has no materialized-tree lookup to offer.
func (r *Replica) scopeEvaluator() auth.TreeScopeEvaluator {
	if reader, ok := r.backend.(TreeReader); ok {
		return auth.TreeScopeEvaluator{Tree: reader}
	}
	return auth.TreeScopeEvaluator{Tree: noAncestry{}}
}

type noAncestry struct{}

func (noAncestry) Parent(treecrdt.NodeId) (treecrdt.NodeId, bool) { return treecrdt.NodeId{}, false }

func (r *Replica) verifyIncoming(ops []treecrdt.SignedOp) ([]treecrdt.SignedOp, []treecrdt.PendingOp) {
	accepted, pending, _ := r.verifyIncomingFull(ops)
	return accepted, pending
}

// verifyIncomingFull is verifyIncoming plus the ops VerifyOps rejected
// outright (InvalidSignature, ScopeViolation, ...). verifyIncoming itself
// drops that third bucket because it is used directly as a sync.VerifyFunc,
// whose two-return shape has no slot for "reject and forget"; RetryPending
// needs it to evict a pending op whose ancestry resolved to a denial
// instead of an allow.
func (r *Replica) verifyIncomingFull(ops []treecrdt.SignedOp) (accepted []treecrdt.SignedOp, pending []treecrdt.PendingOp, rejected []treecrdt.SignedOp) {
	verdicts := auth.VerifyOps(r.docId, r.tokens, r.scopeEvaluator(), identity.VerifySignature, time.Now(), ops)
	for _, v := range verdicts {
		switch {
		case v.Err == nil:
			accepted = append(accepted, v.Op)
		case v.Err == treecrdt.ErrPendingContext:
			pending = append(pending, treecrdt.PendingOp{Op: v.Op, Reason: v.Reason, Message: v.Message})
		default:
			rejected = append(rejected, v.Op)
		}
	}
	return accepted, pending, rejected
}

// RetryPending re-evaluates every op currently held in the backend's
// pending-context quarantine against the latest tree state: ops that now
// resolve to an allow are applied, and ops that now resolve to an
// outright denial (e.g. ancestry placed the node outside the granted
// subtree) are dropped from quarantine per spec.md §8 scenario 5, rather
// than sitting there re-evaluated forever. spec.md §4.3 holds a pending
// op "until new context... lets the scope be decided"; since a resolved
// pending op stops differing from what the remote side already has (both
// sides already know its opRef), nothing re-delivers it automatically, so
// a caller must sweep explicitly — after a sync round that likely
// supplied the missing ancestry is the natural time to call this.
func (r *Replica) RetryPending(ctx context.Context) (int, error) {
	held, err := r.backend.ListPendingOps(ctx)
	if err != nil || len(held) == 0 {
		return 0, err
	}
	candidates := make([]treecrdt.SignedOp, len(held))
	for i, p := range held {
		candidates[i] = p.Op
	}

	accepted, _, rejected := r.verifyIncomingFull(candidates)
	if len(accepted) > 0 {
		if _, err := r.backend.ApplyOps(ctx, accepted); err != nil {
			return 0, err
		}
	}

	resolved := append(append([]treecrdt.SignedOp{}, accepted...), rejected...)
	if len(resolved) > 0 {
		if err := r.backend.DeletePendingOps(ctx, resolved); err != nil {
			return 0, err
		}
	}
	return len(accepted), nil
}

func (r *Replica) helloCapabilities() [][]byte {
	out := make([][]byte, len(r.held))
	for i, h := range r.held {
		var buf bytes.Buffer
		if err := auth.EncodeToken(&buf, h.Token); err == nil {
			out[i] = buf.Bytes()
		}
	}
	return out
}

// Listen constructs and starts a sync session over t without performing
// the Hello handshake, so that both sides of a pair can register their
// message handlers before either sends a Hello — Subscribe (or Connect,
// which calls both) then completes the handshake.
func (r *Replica) Listen(t transport.Transport) *syncpkg.Session {
	sess := syncpkg.New(t, r.backend, r.config, nil, r.verifyIncoming)
	sess.Start()
	return sess
}

// Subscribe runs the Hello handshake over an already-started sess,
// requesting ongoing push updates for filters, and registers the session
// so future local Apply calls broadcast to it. When opts.Immediate is
// false, per spec.md §4.2 the subscription starts in Subscribed state
// without an initial reconcile, relying entirely on pushes (and a later
// caller-driven Reconcile) to catch it up.
func (r *Replica) Subscribe(ctx context.Context, sess *syncpkg.Session, filters []treecrdt.Filter, opts treecrdt.SubscribeOptions) (*wire.HelloAck, error) {
	ack, err := sess.Hello(ctx, filters, r.helloCapabilities())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, sess)
	r.mu.Unlock()

	if !opts.Immediate {
		return ack, nil
	}
	for _, f := range ack.Accepted {
		if _, err := sess.Reconcile(ctx, f); err != nil {
			return ack, err
		}
	}
	return ack, nil
}

// Connect is Listen followed by Subscribe, the common case of opening a
// session to a peer that is already listening.
func (r *Replica) Connect(ctx context.Context, t transport.Transport, filters []treecrdt.Filter, opts treecrdt.SubscribeOptions) (*syncpkg.Session, *wire.HelloAck, error) {
	sess := r.Listen(t)
	ack, err := r.Subscribe(ctx, sess, filters, opts)
	if err != nil {
		sess.Close()
		return nil, nil, err
	}
	return sess, ack, nil
}

// Disconnect detaches sess from this replica's broadcast set and closes
// it.
func (r *Replica) Disconnect(sess *syncpkg.Session) {
	r.mu.Lock()
	for i, s := range r.sessions {
		if s == sess {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	sess.Close()
}
