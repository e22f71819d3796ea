package wire

import (
	"bytes"
	"io"

	"github.com/outlinesync/treecrdt"
)

// Encode serializes one Message into a self-delimited frame: a 4-byte
// little-endian length prefix (package treecrdt's WriteBytes32 discipline)
// around a kind byte and the kind-specific body.
func Encode(msg Message) ([]byte, error) {
	var body bytes.Buffer
	if err := encodeBody(&body, msg); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := treecrdt.WriteBytes32(&out, body.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decode reads one length-prefixed frame previously produced by Encode.
func Decode(r io.Reader) (Message, error) {
	body, err := treecrdt.ReadBytes32(r)
	if err != nil {
		return Message{}, err
	}
	return decodeBody(bytes.NewReader(body))
}

func encodeBody(w io.Writer, msg Message) error {
	if err := treecrdt.WriteByte(w, byte(msg.Kind)); err != nil {
		return err
	}
	switch msg.Kind {
	case KindHello:
		return encodeHello(w, msg.Hello)
	case KindHelloAck:
		return encodeHelloAck(w, msg.HelloAck)
	case KindSyncRequest:
		return encodeSyncRequest(w, msg.SyncReq)
	case KindSyncDelta:
		return encodeSyncDelta(w, msg.SyncDelta)
	case KindOpBatch:
		return encodeOpBatch(w, msg.OpBatch)
	case KindOpBatchAck:
		return encodeOpBatchAck(w, msg.OpBatchAck)
	case KindUpdatePing:
		return treecrdt.WriteVarUint(w, uint64(msg.UpdatePing.SubId))
	case KindCancel:
		return treecrdt.WriteVarUint(w, uint64(msg.Cancel.SubId))
	case KindError:
		return encodeErrorMsg(w, msg.Error)
	default:
		return treecrdt.ErrMalformedMessage
	}
}

func decodeBody(r io.Reader) (Message, error) {
	kindByte, err := treecrdt.ReadByte(r)
	if err != nil {
		return Message{}, err
	}
	kind := MessageKind(kindByte)
	msg := Message{Kind: kind}
	switch kind {
	case KindHello:
		msg.Hello, err = decodeHello(r)
	case KindHelloAck:
		msg.HelloAck, err = decodeHelloAck(r)
	case KindSyncRequest:
		msg.SyncReq, err = decodeSyncRequest(r)
	case KindSyncDelta:
		msg.SyncDelta, err = decodeSyncDelta(r)
	case KindOpBatch:
		msg.OpBatch, err = decodeOpBatch(r)
	case KindOpBatchAck:
		msg.OpBatchAck, err = decodeOpBatchAck(r)
	case KindUpdatePing:
		var subId uint64
		subId, err = treecrdt.ReadVarUint(r)
		msg.UpdatePing = &UpdatePing{SubId: int64(subId)}
	case KindCancel:
		var subId uint64
		subId, err = treecrdt.ReadVarUint(r)
		msg.Cancel = &Cancel{SubId: int64(subId)}
	case KindError:
		msg.Error, err = decodeErrorMsg(r)
	default:
		return Message{}, treecrdt.ErrMalformedMessage
	}
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func encodeHello(w io.Writer, h *Hello) error {
	if err := treecrdt.WriteBytes16(w, []byte(h.DocId)); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(len(h.Capabilities))); err != nil {
		return err
	}
	for _, c := range h.Capabilities {
		if err := treecrdt.WriteBytes16(w, c); err != nil {
			return err
		}
	}
	if err := treecrdt.WriteVarUint(w, uint64(len(h.Filters))); err != nil {
		return err
	}
	for _, f := range h.Filters {
		if err := encodeFilter(w, f); err != nil {
			return err
		}
	}
	return treecrdt.WriteVarUint(w, uint64(h.MaxLamport))
}

func decodeHello(r io.Reader) (*Hello, error) {
	h := &Hello{}
	docId, err := treecrdt.ReadBytes16(r)
	if err != nil {
		return nil, err
	}
	h.DocId = string(docId)

	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	h.Capabilities = make([][]byte, n)
	for i := range h.Capabilities {
		if h.Capabilities[i], err = treecrdt.ReadBytes16(r); err != nil {
			return nil, err
		}
	}

	n, err = treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	h.Filters = make([]treecrdt.Filter, n)
	for i := range h.Filters {
		if h.Filters[i], err = decodeFilter(r); err != nil {
			return nil, err
		}
	}

	lamport, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	h.MaxLamport = treecrdt.Lamport(lamport)
	return h, nil
}

func encodeHelloAck(w io.Writer, h *HelloAck) error {
	if err := encodeFilterSlice(w, h.Accepted); err != nil {
		return err
	}
	if err := encodeFilterSlice(w, h.Rejected); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(len(h.Capabilities))); err != nil {
		return err
	}
	for _, c := range h.Capabilities {
		if err := treecrdt.WriteBytes16(w, c); err != nil {
			return err
		}
	}
	return nil
}

func decodeHelloAck(r io.Reader) (*HelloAck, error) {
	h := &HelloAck{}
	var err error
	if h.Accepted, err = decodeFilterSlice(r); err != nil {
		return nil, err
	}
	if h.Rejected, err = decodeFilterSlice(r); err != nil {
		return nil, err
	}
	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	h.Capabilities = make([][]byte, n)
	for i := range h.Capabilities {
		if h.Capabilities[i], err = treecrdt.ReadBytes16(r); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func encodeFilterSlice(w io.Writer, filters []treecrdt.Filter) error {
	if err := treecrdt.WriteVarUint(w, uint64(len(filters))); err != nil {
		return err
	}
	for _, f := range filters {
		if err := encodeFilter(w, f); err != nil {
			return err
		}
	}
	return nil
}

func decodeFilterSlice(r io.Reader) ([]treecrdt.Filter, error) {
	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	out := make([]treecrdt.Filter, n)
	for i := range out {
		if out[i], err = decodeFilter(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeSyncRequest(w io.Writer, s *SyncRequest) error {
	if err := encodeFilter(w, s.Filter); err != nil {
		return err
	}
	if err := EncodeSketch(w, s.Sketch); err != nil {
		return err
	}
	restart := byte(0)
	if s.Restart {
		restart = 1
	}
	return treecrdt.WriteByte(w, restart)
}

func decodeSyncRequest(r io.Reader) (*SyncRequest, error) {
	s := &SyncRequest{}
	var err error
	if s.Filter, err = decodeFilter(r); err != nil {
		return nil, err
	}
	if s.Sketch, err = DecodeSketch(r); err != nil {
		return nil, err
	}
	restart, err := treecrdt.ReadByte(r)
	if err != nil {
		return nil, err
	}
	s.Restart = restart != 0
	return s, nil
}

func encodeSyncDelta(w io.Writer, d *SyncDelta) error {
	if err := encodeFilter(w, d.Filter); err != nil {
		return err
	}
	decoded := byte(0)
	if d.Decoded {
		decoded = 1
	}
	if err := treecrdt.WriteByte(w, decoded); err != nil {
		return err
	}
	if err := encodeOpRefSlice(w, d.MissingHere); err != nil {
		return err
	}
	return encodeOpRefSlice(w, d.ProbablyYouHave)
}

func decodeSyncDelta(r io.Reader) (*SyncDelta, error) {
	d := &SyncDelta{}
	var err error
	if d.Filter, err = decodeFilter(r); err != nil {
		return nil, err
	}
	decoded, err := treecrdt.ReadByte(r)
	if err != nil {
		return nil, err
	}
	d.Decoded = decoded != 0
	if d.MissingHere, err = decodeOpRefSlice(r); err != nil {
		return nil, err
	}
	if d.ProbablyYouHave, err = decodeOpRefSlice(r); err != nil {
		return nil, err
	}
	return d, nil
}

func encodeOpBatch(w io.Writer, b *OpBatch) error {
	if err := encodeFilter(w, b.Filter); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(len(b.Ops))); err != nil {
		return err
	}
	for _, op := range b.Ops {
		if err := EncodeSignedOp(w, op); err != nil {
			return err
		}
	}
	return nil
}

func decodeOpBatch(r io.Reader) (*OpBatch, error) {
	b := &OpBatch{}
	var err error
	if b.Filter, err = decodeFilter(r); err != nil {
		return nil, err
	}
	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	b.Ops = make([]treecrdt.SignedOp, n)
	for i := range b.Ops {
		if b.Ops[i], err = DecodeSignedOp(r); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func encodeOpBatchAck(w io.Writer, a *OpBatchAck) error {
	if err := encodeFilter(w, a.Filter); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(a.Count)); err != nil {
		return err
	}
	hasSubId := byte(0)
	if a.HasSubId {
		hasSubId = 1
	}
	if err := treecrdt.WriteByte(w, hasSubId); err != nil {
		return err
	}
	return treecrdt.WriteVarUint(w, uint64(a.SubId))
}

func decodeOpBatchAck(r io.Reader) (*OpBatchAck, error) {
	a := &OpBatchAck{}
	var err error
	if a.Filter, err = decodeFilter(r); err != nil {
		return nil, err
	}
	count, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	a.Count = int(count)
	hasSubId, err := treecrdt.ReadByte(r)
	if err != nil {
		return nil, err
	}
	a.HasSubId = hasSubId != 0
	subId, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return nil, err
	}
	a.SubId = int64(subId)
	return a, nil
}

func encodeErrorMsg(w io.Writer, e *ErrorMsg) error {
	if err := treecrdt.WriteBytes16(w, []byte(e.Code)); err != nil {
		return err
	}
	return treecrdt.WriteBytes16(w, []byte(e.Message))
}

func decodeErrorMsg(r io.Reader) (*ErrorMsg, error) {
	code, err := treecrdt.ReadBytes16(r)
	if err != nil {
		return nil, err
	}
	message, err := treecrdt.ReadBytes16(r)
	if err != nil {
		return nil, err
	}
	return &ErrorMsg{Code: string(code), Message: string(message)}, nil
}
