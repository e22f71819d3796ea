// Package badgerbackend implements treecrdt.Backend on top of
// github.com/dgraph-io/badger/v2, grounded on the teacher's own use of a
// badger-backed key/value store for trie persistence (see
// trie_bench/main.go's mkdbbadger/scandbbadger commands, which this
// package's Open/materialize pair generalizes from a merkle trie dump to
// replaying a treecrdt document's op log). Unlike memorybackend,
// badger.DB's API can fail, so this backend talks to *badger.DB directly
// rather than through the error-free treecrdt.KVStore interface: that
// interface's Get/Set/Has contract has no room for a disk error, and
// forcing one in would mean panicking on exactly the failures a
// persistent backend exists to report.
package badgerbackend

import (
	"bytes"
	"sync"

	"context"

	"github.com/cockroachdb/errors"
	badger "github.com/dgraph-io/badger/v2"
	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/engine"
	"github.com/outlinesync/treecrdt/wire"
)

var (
	opPrefix      = []byte("o/")
	pendingPrefix = []byte("p/")
)

// Backend is a treecrdt.Backend implementation persisting its op log to a
// badger.DB and rebuilding the engine.Engine materialized view from it on
// Open.
type Backend struct {
	docId string
	db    *badger.DB

	mu  sync.RWMutex
	eng *engine.Engine
}

var _ treecrdt.Backend = (*Backend)(nil)

// Open opens (or creates) a badger database at dir and replays its stored
// ops into a fresh engine.Engine, the way mkdbbadger/scandbbadger in the
// teacher's trie_bench walk a stored trie back into memory.
func Open(docId string, dir string) (*Backend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, treecrdt.WrapBackendError("Open", err)
	}
	b := &Backend{docId: docId, db: db, eng: engine.New()}
	if err := b.replay(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) replay() error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(opPrefix); it.ValidForPrefix(opPrefix); it.Next() {
			item := it.Item()
			var ref treecrdt.OpRef
			copy(ref[:], item.Key()[len(opPrefix):])
			err := item.Value(func(val []byte) error {
				so, err := wire.DecodeSignedOp(bytes.NewReader(val))
				if err != nil {
					return err
				}
				err = b.eng.Append(ref, so.Op)
				if err == treecrdt.ErrDuplicateOp {
					return nil
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying badger.DB.
func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) DocId() string { return b.docId }

func (b *Backend) MaxLamport(ctx context.Context) (treecrdt.Lamport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eng.HeadLamport(), nil
}

func (b *Backend) ListOpRefs(ctx context.Context, filter treecrdt.Filter) ([]treecrdt.OpRef, error) {
	b.mu.RLock()
	refs := b.eng.ListOpRefs(filter)
	b.mu.RUnlock()

	if filter.Kind != treecrdt.FilterAll {
		return refs, nil
	}
	pending, err := b.ListPendingOps(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		refs = append(refs, opRefOf(b.docId, p.Op.Op))
	}
	return refs, nil
}

func opRefOf(docId string, op treecrdt.Op) treecrdt.OpRef {
	return treecrdt.DeriveOpRef(docId, op.Meta.Id.Replica, op.Meta.Id.Counter)
}

func opKey(ref treecrdt.OpRef) []byte { return treecrdt.Concat(opPrefix, ref[:]) }

func pendingKey(id treecrdt.OpId) []byte {
	return treecrdt.Concat(pendingPrefix, id.Replica[:], treecrdt.Uint64To8Bytes(id.Counter))
}

func (b *Backend) GetOpsByOpRefs(ctx context.Context, refs []treecrdt.OpRef) ([]treecrdt.SignedOp, error) {
	out := make([]treecrdt.SignedOp, len(refs))
	err := b.db.View(func(txn *badger.Txn) error {
		for i, ref := range refs {
			item, err := txn.Get(opKey(ref))
			if errors.Is(err, badger.ErrKeyNotFound) {
				so, ok, pendErr := b.lookupPendingByRef(txn, ref)
				if pendErr != nil {
					return pendErr
				}
				if !ok {
					return treecrdt.ErrUnknownOpRef
				}
				out[i] = so
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				so, err := wire.DecodeSignedOp(bytes.NewReader(val))
				if err != nil {
					return err
				}
				out[i] = so
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, treecrdt.ErrUnknownOpRef) {
			return nil, err
		}
		return nil, treecrdt.WrapBackendError("GetOpsByOpRefs", err)
	}
	return out, nil
}

func (b *Backend) lookupPendingByRef(txn *badger.Txn, ref treecrdt.OpRef) (treecrdt.SignedOp, bool, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
		var so treecrdt.SignedOp
		var found bool
		err := it.Item().Value(func(val []byte) error {
			p, err := decodePendingOp(val)
			if err != nil {
				return err
			}
			if opRefOf(b.docId, p.Op.Op) == ref {
				so = p.Op
				found = true
			}
			return nil
		})
		if err != nil {
			return treecrdt.SignedOp{}, false, err
		}
		if found {
			return so, true, nil
		}
	}
	return treecrdt.SignedOp{}, false, nil
}

func (b *Backend) ApplyOps(ctx context.Context, ops []treecrdt.SignedOp) ([]treecrdt.SignedOp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var newlyStored []treecrdt.SignedOp
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, so := range ops {
			ref := opRefOf(b.docId, so.Op)
			if _, err := txn.Get(opKey(ref)); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := b.eng.Append(ref, so.Op); err != nil {
				if err == treecrdt.ErrDuplicateOp {
					continue
				}
				return err
			}
			var buf bytes.Buffer
			if err := wire.EncodeSignedOp(&buf, so); err != nil {
				return err
			}
			if err := txn.Set(opKey(ref), buf.Bytes()); err != nil {
				return err
			}
			newlyStored = append(newlyStored, so)
		}
		return nil
	})
	if err != nil {
		return newlyStored, treecrdt.WrapBackendError("ApplyOps", err)
	}
	return newlyStored, nil
}

func encodePendingOp(p treecrdt.PendingOp) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.EncodeSignedOp(&buf, p.Op); err != nil {
		return nil, err
	}
	if err := treecrdt.WriteByte(&buf, byte(p.Reason)); err != nil {
		return nil, err
	}
	if err := treecrdt.WriteBytes16(&buf, []byte(p.Message)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePendingOp(val []byte) (treecrdt.PendingOp, error) {
	r := bytes.NewReader(val)
	so, err := wire.DecodeSignedOp(r)
	if err != nil {
		return treecrdt.PendingOp{}, err
	}
	reason, err := treecrdt.ReadByte(r)
	if err != nil {
		return treecrdt.PendingOp{}, err
	}
	message, err := treecrdt.ReadBytes16(r)
	if err != nil {
		return treecrdt.PendingOp{}, err
	}
	return treecrdt.PendingOp{Op: so, Reason: treecrdt.PendingReason(reason), Message: string(message)}, nil
}

func (b *Backend) StorePendingOps(ctx context.Context, ops []treecrdt.PendingOp) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, p := range ops {
			buf, err := encodePendingOp(p)
			if err != nil {
				return err
			}
			if err := txn.Set(pendingKey(p.Op.Op.Meta.Id), buf); err != nil {
				return err
			}
		}
		return nil
	})
	return treecrdt.WrapBackendError("StorePendingOps", err)
}

func (b *Backend) ListPendingOps(ctx context.Context) ([]treecrdt.PendingOp, error) {
	var out []treecrdt.PendingOp
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				p, err := decodePendingOp(val)
				if err != nil {
					return err
				}
				out = append(out, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, treecrdt.WrapBackendError("ListPendingOps", err)
	}
	return out, nil
}

// Parent exposes the materialized engine's parent lookup so package auth
// can build a TreeScopeEvaluator directly against this backend.
func (b *Backend) Parent(node treecrdt.NodeId) (treecrdt.NodeId, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eng.Parent(node)
}

func (b *Backend) DeletePendingOps(ctx context.Context, ops []treecrdt.SignedOp) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, so := range ops {
			if err := txn.Delete(pendingKey(so.Op.Meta.Id)); err != nil {
				return err
			}
		}
		return nil
	})
	return treecrdt.WrapBackendError("DeletePendingOps", err)
}
