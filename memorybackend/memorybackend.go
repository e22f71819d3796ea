// Package memorybackend implements treecrdt.Backend entirely in process
// memory: a treecrdt.KVStore (the teacher's own in-memory map-backed
// store, see the root package's kv.go) for raw op storage and the
// pending-context quarantine, and an engine.Engine for the materialized
// opRef index ListOpRefs is built against. It is the reference Backend
// this module's own tests run against and is suitable for short-lived
// processes and tests, not for anything that must survive a restart —
// see badgerbackend for that.
package memorybackend

import (
	"context"
	"sync"

	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/engine"
	"github.com/outlinesync/treecrdt/wire"
)

// Backend is a treecrdt.Backend implementation backed by an in-memory
// KVStore and an engine.Engine.
type Backend struct {
	docId string

	mu      sync.RWMutex
	store   treecrdt.KVStore
	eng     *engine.Engine
	pending map[treecrdt.OpId]treecrdt.PendingOp
}

var _ treecrdt.Backend = (*Backend)(nil)

// New returns an empty memorybackend for docId.
func New(docId string) *Backend {
	return &Backend{
		docId:   docId,
		store:   treecrdt.NewInMemoryKVStore(),
		eng:     engine.New(),
		pending: make(map[treecrdt.OpId]treecrdt.PendingOp),
	}
}

func opKey(ref treecrdt.OpRef) []byte {
	return treecrdt.Concat("op/", ref[:])
}

func (b *Backend) DocId() string { return b.docId }

func (b *Backend) MaxLamport(ctx context.Context) (treecrdt.Lamport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eng.HeadLamport(), nil
}

func (b *Backend) ListOpRefs(ctx context.Context, filter treecrdt.Filter) ([]treecrdt.OpRef, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	refs := b.eng.ListOpRefs(filter)
	if filter.Kind != treecrdt.FilterAll {
		return refs, nil
	}
	// Open Question (a): pending-context ops are unauthorized-pending, not
	// unknown, so they are visible under the All filter even though the
	// engine (which only sees applied ops) has no record of them.
	for _, p := range b.pending {
		refs = append(refs, opRefOf(b.docId, p.Op.Op))
	}
	return refs, nil
}

func opRefOf(docId string, op treecrdt.Op) treecrdt.OpRef {
	return treecrdt.DeriveOpRef(docId, op.Meta.Id.Replica, op.Meta.Id.Counter)
}

func (b *Backend) GetOpsByOpRefs(ctx context.Context, refs []treecrdt.OpRef) ([]treecrdt.SignedOp, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]treecrdt.SignedOp, len(refs))
	for i, ref := range refs {
		raw := b.store.Get(opKey(ref))
		if raw == nil {
			if so, ok := b.pendingByRef(ref); ok {
				out[i] = so
				continue
			}
			return nil, treecrdt.ErrUnknownOpRef
		}
		so, err := wire.DecodeSignedOp(bytesReader(raw))
		if err != nil {
			return nil, treecrdt.WrapBackendError("GetOpsByOpRefs", err)
		}
		out[i] = so
	}
	return out, nil
}

func (b *Backend) pendingByRef(ref treecrdt.OpRef) (treecrdt.SignedOp, bool) {
	for _, p := range b.pending {
		if opRefOf(b.docId, p.Op.Op) == ref {
			return p.Op, true
		}
	}
	return treecrdt.SignedOp{}, false
}

func (b *Backend) ApplyOps(ctx context.Context, ops []treecrdt.SignedOp) ([]treecrdt.SignedOp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var newlyStored []treecrdt.SignedOp
	for _, so := range ops {
		ref := opRefOf(b.docId, so.Op)
		if b.store.Has(opKey(ref)) {
			continue
		}
		if err := b.eng.Append(ref, so.Op); err != nil {
			if err == treecrdt.ErrDuplicateOp {
				continue
			}
			return newlyStored, treecrdt.WrapBackendError("ApplyOps", err)
		}
		buf, err := encodeSignedOp(so)
		if err != nil {
			return newlyStored, treecrdt.WrapBackendError("ApplyOps", err)
		}
		b.store.Set(opKey(ref), buf)
		newlyStored = append(newlyStored, so)
	}
	return newlyStored, nil
}

func (b *Backend) StorePendingOps(ctx context.Context, ops []treecrdt.PendingOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range ops {
		b.pending[p.Op.Op.Meta.Id] = p
	}
	return nil
}

func (b *Backend) ListPendingOps(ctx context.Context) ([]treecrdt.PendingOp, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]treecrdt.PendingOp, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	return out, nil
}

// Parent exposes the materialized engine's parent lookup so package auth
// can build a TreeScopeEvaluator directly against this backend, without
// the core treecrdt.Backend interface having to name it.
func (b *Backend) Parent(node treecrdt.NodeId) (treecrdt.NodeId, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eng.Parent(node)
}

func (b *Backend) DeletePendingOps(ctx context.Context, ops []treecrdt.SignedOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, so := range ops {
		delete(b.pending, so.Op.Meta.Id)
	}
	return nil
}
