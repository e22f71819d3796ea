package wire

import (
	"io"

	"github.com/outlinesync/treecrdt"
)

// EncodeOp and DecodeOp serialize a treecrdt.Op, the payload of every
// OpBatch entry and of the proof chain inside a capability token.
func EncodeOp(w io.Writer, op treecrdt.Op) error {
	if err := treecrdt.WriteByte(w, byte(op.Kind)); err != nil {
		return err
	}
	if _, err := w.Write(op.Meta.Id.Replica[:]); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, op.Meta.Id.Counter); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(op.Meta.Lamport)); err != nil {
		return err
	}
	if _, err := w.Write(op.Node[:]); err != nil {
		return err
	}
	if _, err := w.Write(op.Parent[:]); err != nil {
		return err
	}
	if err := treecrdt.WriteBytes16(w, op.OrderKey); err != nil {
		return err
	}
	hasPayload := byte(0)
	if op.HasPayload {
		hasPayload = 1
	}
	if err := treecrdt.WriteByte(w, hasPayload); err != nil {
		return err
	}
	if op.HasPayload {
		if err := treecrdt.WriteBytes32(w, op.Payload); err != nil {
			return err
		}
	}
	return nil
}

func DecodeOp(r io.Reader) (treecrdt.Op, error) {
	var op treecrdt.Op

	kind, err := treecrdt.ReadByte(r)
	if err != nil {
		return op, err
	}
	op.Kind = treecrdt.OpKind(kind)

	if _, err := io.ReadFull(r, op.Meta.Id.Replica[:]); err != nil {
		return op, err
	}
	if op.Meta.Id.Counter, err = treecrdt.ReadVarUint(r); err != nil {
		return op, err
	}
	lamport, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return op, err
	}
	op.Meta.Lamport = treecrdt.Lamport(lamport)

	if _, err := io.ReadFull(r, op.Node[:]); err != nil {
		return op, err
	}
	if _, err := io.ReadFull(r, op.Parent[:]); err != nil {
		return op, err
	}
	if op.OrderKey, err = treecrdt.ReadBytes16(r); err != nil {
		return op, err
	}
	hasPayload, err := treecrdt.ReadByte(r)
	if err != nil {
		return op, err
	}
	if hasPayload != 0 {
		op.HasPayload = true
		if op.Payload, err = treecrdt.ReadBytes32(r); err != nil {
			return op, err
		}
	}
	return op, nil
}

// EncodeSignedOp and DecodeSignedOp additionally carry the OpAuth
// envelope (spec.md §4.4), when present.
func EncodeSignedOp(w io.Writer, so treecrdt.SignedOp) error {
	if err := EncodeOp(w, so.Op); err != nil {
		return err
	}
	hasAuth := byte(0)
	if so.Auth != nil {
		hasAuth = 1
	}
	if err := treecrdt.WriteByte(w, hasAuth); err != nil {
		return err
	}
	if so.Auth == nil {
		return nil
	}
	if err := treecrdt.WriteBytes16(w, so.Auth.Signature); err != nil {
		return err
	}
	if _, err := w.Write(so.Auth.ProofRef[:]); err != nil {
		return err
	}
	return nil
}

func DecodeSignedOp(r io.Reader) (treecrdt.SignedOp, error) {
	var so treecrdt.SignedOp
	op, err := DecodeOp(r)
	if err != nil {
		return so, err
	}
	so.Op = op

	hasAuth, err := treecrdt.ReadByte(r)
	if err != nil {
		return so, err
	}
	if hasAuth == 0 {
		return so, nil
	}
	auth := &treecrdt.OpAuth{}
	if auth.Signature, err = treecrdt.ReadBytes16(r); err != nil {
		return so, err
	}
	if _, err := io.ReadFull(r, auth.ProofRef[:]); err != nil {
		return so, err
	}
	so.Auth = auth
	return so, nil
}

// EncodeOpRef and DecodeOpRef handle the bare 16-byte handle, used for
// ListOpRefs responses and the peeled symmetric-difference lists inside
// SyncDelta.
func EncodeOpRef(w io.Writer, ref treecrdt.OpRef) error {
	_, err := w.Write(ref[:])
	return err
}

func DecodeOpRef(r io.Reader) (treecrdt.OpRef, error) {
	var ref treecrdt.OpRef
	_, err := io.ReadFull(r, ref[:])
	return ref, err
}

func encodeOpRefSlice(w io.Writer, refs []treecrdt.OpRef) error {
	if err := treecrdt.WriteVarUint(w, uint64(len(refs))); err != nil {
		return err
	}
	for _, ref := range refs {
		if err := EncodeOpRef(w, ref); err != nil {
			return err
		}
	}
	return nil
}

func decodeOpRefSlice(r io.Reader) ([]treecrdt.OpRef, error) {
	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	refs := make([]treecrdt.OpRef, n)
	for i := range refs {
		if refs[i], err = DecodeOpRef(r); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

func encodeFilter(w io.Writer, f treecrdt.Filter) error {
	if err := treecrdt.WriteByte(w, byte(f.Kind)); err != nil {
		return err
	}
	_, err := w.Write(f.Parent[:])
	return err
}

func decodeFilter(r io.Reader) (treecrdt.Filter, error) {
	var f treecrdt.Filter
	kind, err := treecrdt.ReadByte(r)
	if err != nil {
		return f, err
	}
	f.Kind = treecrdt.FilterKind(kind)
	if _, err := io.ReadFull(r, f.Parent[:]); err != nil {
		return f, err
	}
	return f, nil
}
