// Package sync implements the peer session and subscription protocol of
// spec.md §4.2: a Hello/HelloAck capability and subscription handshake,
// IBLT-sketch-based reconciliation (SyncRequest/SyncDelta), batched op
// exchange with backpressure (OpBatch/OpBatchAck), and push updates to
// subscribed filters, all over a transport.Transport and using
// package wire's codec.
package sync

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/transport"
	"github.com/outlinesync/treecrdt/wire"
)

// VerifyFunc authorizes an incoming batch of ops before they reach the
// backend, spec.md §4.4's verifyOps contract. accepted are applied
// immediately; pending are handed to Backend.StorePendingOps and
// rejected are dropped (the caller is expected to have logged why). A
// nil VerifyFunc (the default) accepts every incoming op unconditionally
// — appropriate for tests and for an explicitly unauthenticated demo
// document, never for a document with real capability tokens in play.
type VerifyFunc func(ops []treecrdt.SignedOp) (accepted []treecrdt.SignedOp, pending []treecrdt.PendingOp)

// HelloPolicy decides which requested subscription filters to accept,
// spec.md §4.4's "the responder checks each filter against the
// initiator's advertised tokens". The default policy (nil) accepts
// every filter, appropriate for a session already gated by a Backend and
// auth layer the caller configured separately (package replica wires a
// real policy backed by package auth's scope evaluator).
type HelloPolicy func(filters []treecrdt.Filter, capabilities [][]byte) (accepted, rejected []treecrdt.Filter)

type waitKey struct {
	kind   wire.MessageKind
	filter treecrdt.Filter
}

type subscription struct {
	filter treecrdt.Filter
	subId  int64
}

// Session is one peer connection: a Transport paired with a Backend, the
// concurrency and subscription bookkeeping spec.md §5 describes.
type Session struct {
	docId     string
	backend   treecrdt.Backend
	transport transport.Transport
	config    treecrdt.Config
	policy    HelloPolicy
	verify    VerifyFunc

	unsub transport.Unsubscribe

	mu       sync.Mutex
	waiters  map[waitKey]chan wire.Message
	peerSubs []subscription // filters the remote peer asked us to keep pushing
	localSubs []subscription // filters we asked the remote peer to keep pushing to us
	nextSubId int64
	closed    bool
}

// New wraps t and backend into a Session. Call Start to begin processing
// incoming messages.
func New(t transport.Transport, backend treecrdt.Backend, cfg treecrdt.Config, policy HelloPolicy, verify VerifyFunc) *Session {
	return &Session{
		docId:     backend.DocId(),
		backend:   backend,
		transport: t,
		config:    cfg,
		policy:    policy,
		verify:    verify,
		waiters:   make(map[waitKey]chan wire.Message),
	}
}

// Start registers the session's message handler. It must be called
// before Hello or Reconcile.
func (s *Session) Start() {
	s.unsub = s.transport.OnMessage(s.onMessage)
}

// Close detaches the session from its transport. It does not close the
// transport itself, which callers may share across sessions.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
	}
}

func (s *Session) sendMsg(ctx context.Context, msg wire.Message) error {
	encoded, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, encoded); err != nil {
		return treecrdt.ErrTransportError
	}
	return nil
}

func (s *Session) onMessage(raw []byte) {
	msg, err := wire.Decode(bytes.NewReader(raw))
	if err != nil {
		glog.Warningf("treecrdt/sync: dropping undecodable message (%d bytes): %v", len(raw), err)
		return
	}
	glog.V(1).Infof("treecrdt/sync[%s]: received %v", s.docId, msg.Kind)
	ctx := context.Background()
	switch msg.Kind {
	case wire.KindHello:
		s.handleHello(ctx, msg.Hello)
	case wire.KindHelloAck:
		s.deliver(waitKey{kind: wire.KindHelloAck}, msg)
	case wire.KindSyncRequest:
		s.handleSyncRequest(ctx, msg.SyncReq)
	case wire.KindSyncDelta:
		s.deliver(waitKey{kind: wire.KindSyncDelta, filter: msg.SyncDelta.Filter}, msg)
	case wire.KindOpBatch:
		s.handleOpBatch(ctx, msg.OpBatch)
	case wire.KindOpBatchAck:
		s.deliver(waitKey{kind: wire.KindOpBatchAck, filter: msg.OpBatchAck.Filter}, msg)
	case wire.KindUpdatePing:
		// Push model delivers ops directly via OpBatch; UpdatePing is a
		// nudge for transports that coalesce empty pushes. Nothing further
		// to do: the next Reconcile call will pick up the change.
	case wire.KindCancel:
		s.handleCancel(msg.Cancel)
	case wire.KindError:
		s.deliver(waitKey{kind: wire.KindError}, msg)
	}
}

func (s *Session) deliver(key waitKey, msg wire.Message) {
	s.mu.Lock()
	ch, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	s.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (s *Session) register(key waitKey) chan wire.Message {
	ch := make(chan wire.Message, 1)
	s.mu.Lock()
	s.waiters[key] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) unregister(key waitKey) {
	s.mu.Lock()
	delete(s.waiters, key)
	s.mu.Unlock()
}

// Hello opens the session: advertises capabilities and the filters this
// side wants ongoing push updates for, and blocks for the responder's
// HelloAck.
func (s *Session) Hello(ctx context.Context, filters []treecrdt.Filter, capabilities [][]byte) (*wire.HelloAck, error) {
	ch := s.register(waitKey{kind: wire.KindHelloAck})
	maxLamport, err := s.backend.MaxLamport(ctx)
	if err != nil {
		s.unregister(waitKey{kind: wire.KindHelloAck})
		return nil, err
	}
	if err := s.sendMsg(ctx, wire.Message{Kind: wire.KindHello, Hello: &wire.Hello{
		DocId:        s.docId,
		Capabilities: capabilities,
		Filters:      filters,
		MaxLamport:   maxLamport,
	}}); err != nil {
		s.unregister(waitKey{kind: wire.KindHelloAck})
		return nil, err
	}

	select {
	case msg := <-ch:
		s.mu.Lock()
		for _, f := range msg.HelloAck.Accepted {
			s.nextSubId++
			s.localSubs = append(s.localSubs, subscription{filter: f, subId: s.nextSubId})
		}
		s.mu.Unlock()
		return msg.HelloAck, nil
	case <-ctx.Done():
		s.unregister(waitKey{kind: wire.KindHelloAck})
		return nil, treecrdt.ErrCancelled
	}
}

func (s *Session) handleHello(ctx context.Context, h *wire.Hello) {
	var accepted, rejected []treecrdt.Filter
	if s.policy != nil {
		accepted, rejected = s.policy(h.Filters, h.Capabilities)
	} else {
		accepted = h.Filters
	}

	s.mu.Lock()
	for _, f := range accepted {
		s.nextSubId++
		s.peerSubs = append(s.peerSubs, subscription{filter: f, subId: s.nextSubId})
	}
	s.mu.Unlock()
	glog.V(1).Infof("treecrdt/sync[%s]: hello accepted=%d rejected=%d", s.docId, len(accepted), len(rejected))

	_ = s.sendMsg(ctx, wire.Message{Kind: wire.KindHelloAck, HelloAck: &wire.HelloAck{
		Accepted: accepted,
		Rejected: rejected,
	}})
}

// Reconcile runs one sketch-based reconciliation round for filter: it
// exchanges IBLT codewords with the peer, escalating resolution on a
// decode failure up to Config.MaxCodewords, then pulls and pushes the
// resulting symmetric difference. It returns the number of ops newly
// applied to the local backend.
func (s *Session) Reconcile(ctx context.Context, filter treecrdt.Filter) (int, error) {
	size := s.config.CodewordsPerMessage
	applied := 0
	for {
		refs, err := s.backend.ListOpRefs(ctx, filter)
		if err != nil {
			return applied, err
		}
		sketch := wire.NewSketch(refs, size)

		key := waitKey{kind: wire.KindSyncDelta, filter: filter}
		ch := s.register(key)
		if err := s.sendMsg(ctx, wire.Message{Kind: wire.KindSyncRequest, SyncReq: &wire.SyncRequest{
			Filter: filter,
			Sketch: sketch,
		}}); err != nil {
			s.unregister(key)
			return applied, err
		}

		var delta *wire.SyncDelta
		select {
		case msg := <-ch:
			delta = msg.SyncDelta
		case <-time.After(s.config.AckTimeout):
			s.unregister(key)
			return applied, treecrdt.ErrTransportError
		case <-ctx.Done():
			s.unregister(key)
			return applied, treecrdt.ErrCancelled
		}

		if !delta.Decoded {
			size *= 2
			if size > s.config.MaxCodewords {
				glog.Warningf("treecrdt/sync[%s]: reconcile %s failed to decode past %d codewords", s.docId, filter, s.config.MaxCodewords)
				return applied, treecrdt.ErrProtocolViolation
			}
			glog.V(2).Infof("treecrdt/sync[%s]: reconcile %s escalating to %d codewords", s.docId, filter, size)
			continue
		}

		if len(delta.ProbablyYouHave) > 0 {
			ops, err := s.backend.GetOpsByOpRefs(ctx, delta.ProbablyYouHave)
			if err == nil {
				_ = s.sendMsg(ctx, wire.Message{Kind: wire.KindOpBatch, OpBatch: &wire.OpBatch{
					Filter: filter,
					Ops:    ops,
				}})
			}
		}
		// MissingHere ops arrive as an unsolicited OpBatch the responder
		// sends alongside its SyncDelta; handleOpBatch applies them.
		return applied, nil
	}
}

func (s *Session) handleSyncRequest(ctx context.Context, req *wire.SyncRequest) {
	localRefs, err := s.backend.ListOpRefs(ctx, req.Filter)
	if err != nil {
		return
	}
	localSketch := wire.NewSketch(localRefs, len(req.Sketch.Buckets))
	diff := wire.Subtract(localSketch, req.Sketch)
	onlyLocal, onlyRemote, ok := wire.Peel(diff)

	_ = s.sendMsg(ctx, wire.Message{Kind: wire.KindSyncDelta, SyncDelta: &wire.SyncDelta{
		Filter:          req.Filter,
		Decoded:         ok,
		MissingHere:     onlyLocal,
		ProbablyYouHave: onlyRemote,
	}})

	if !ok || len(onlyLocal) == 0 {
		return
	}
	ops, err := s.backend.GetOpsByOpRefs(ctx, onlyLocal)
	if err != nil {
		return
	}
	_ = s.sendMsg(ctx, wire.Message{Kind: wire.KindOpBatch, OpBatch: &wire.OpBatch{
		Filter: req.Filter,
		Ops:    ops,
	}})
}

func (s *Session) handleOpBatch(ctx context.Context, b *wire.OpBatch) {
	toApply := b.Ops
	if s.verify != nil {
		var pending []treecrdt.PendingOp
		toApply, pending = s.verify(b.Ops)
		if len(pending) > 0 {
			glog.V(2).Infof("treecrdt/sync[%s]: quarantining %d op(s) pending authorization", s.docId, len(pending))
			_ = s.backend.StorePendingOps(ctx, pending)
		}
		if rejected := len(b.Ops) - len(toApply) - len(pending); rejected > 0 {
			glog.V(2).Infof("treecrdt/sync[%s]: rejected %d op(s) on verification", s.docId, rejected)
		}
	}

	count := 0
	if len(toApply) > 0 {
		newly, err := s.backend.ApplyOps(ctx, toApply)
		if err != nil {
			glog.Warningf("treecrdt/sync[%s]: applying op batch: %v", s.docId, err)
		} else {
			count = len(newly)
		}
	}
	_ = s.sendMsg(ctx, wire.Message{Kind: wire.KindOpBatchAck, OpBatchAck: &wire.OpBatchAck{
		Filter: b.Filter,
		Count:  count,
	}})
}

func (s *Session) handleCancel(c *wire.Cancel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.peerSubs {
		if sub.subId == c.SubId {
			s.peerSubs = append(s.peerSubs[:i], s.peerSubs[i+1:]...)
			return
		}
	}
}

func matchesFilter(op treecrdt.Op, filter treecrdt.Filter) bool {
	if filter.Kind == treecrdt.FilterAll {
		return true
	}
	return op.EffectiveParent() == filter.Parent || op.Parent == filter.Parent
}

// NotifyLocalUpdate pushes newly-applied local ops out to every peer
// subscription whose filter matches, honoring MaxOpsPerBatch and waiting
// for the corresponding OpBatchAck before returning, the backpressure
// discipline of spec.md §5.
func (s *Session) NotifyLocalUpdate(ctx context.Context, ops []treecrdt.SignedOp) error {
	s.mu.Lock()
	subs := make([]subscription, len(s.peerSubs))
	copy(subs, s.peerSubs)
	s.mu.Unlock()

	for _, sub := range subs {
		var matched []treecrdt.SignedOp
		for _, so := range ops {
			if matchesFilter(so.Op, sub.filter) {
				matched = append(matched, so)
			}
		}
		if len(matched) == 0 {
			continue
		}
		for start := 0; start < len(matched); start += s.config.MaxOpsPerBatch {
			end := start + s.config.MaxOpsPerBatch
			if end > len(matched) {
				end = len(matched)
			}
			if err := s.pushBatch(ctx, sub.filter, matched[start:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) pushBatch(ctx context.Context, filter treecrdt.Filter, ops []treecrdt.SignedOp) error {
	key := waitKey{kind: wire.KindOpBatchAck, filter: filter}
	ch := s.register(key)
	if err := s.sendMsg(ctx, wire.Message{Kind: wire.KindOpBatch, OpBatch: &wire.OpBatch{Filter: filter, Ops: ops}}); err != nil {
		s.unregister(key)
		return err
	}
	select {
	case <-ch:
		return nil
	case <-time.After(s.config.AckTimeout):
		s.unregister(key)
		return treecrdt.ErrTransportError
	case <-ctx.Done():
		s.unregister(key)
		return treecrdt.ErrCancelled
	}
}

// Cancel terminates a subscription this session asked the peer to keep
// pushing to (one previously accepted in a Hello call).
func (s *Session) Cancel(ctx context.Context, filter treecrdt.Filter) error {
	s.mu.Lock()
	var subId int64
	for i, sub := range s.localSubs {
		if sub.filter == filter {
			subId = sub.subId
			s.localSubs = append(s.localSubs[:i], s.localSubs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if subId == 0 {
		return nil
	}
	return s.sendMsg(ctx, wire.Message{Kind: wire.KindCancel, Cancel: &wire.Cancel{SubId: subId}})
}
