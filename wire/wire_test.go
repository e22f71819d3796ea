package wire

import (
	"bytes"
	"testing"

	"github.com/outlinesync/treecrdt"
	"github.com/stretchr/testify/require"
)

func sampleOp() treecrdt.Op {
	var replica treecrdt.ReplicaId
	replica[0] = 0x42
	var node, parent treecrdt.NodeId
	node[0] = 0x01
	parent[0] = 0x02
	return treecrdt.Op{
		Meta:       treecrdt.OpMeta{Id: treecrdt.OpId{Replica: replica, Counter: 7}, Lamport: 9},
		Kind:       treecrdt.OpInsert,
		Node:       node,
		Parent:     parent,
		OrderKey:   []byte{0x00, 0x80},
		Payload:    []byte("hello"),
		HasPayload: true,
	}
}

func TestOpRoundTrip(t *testing.T) {
	op := sampleOp()
	var buf bytes.Buffer
	require.NoError(t, EncodeOp(&buf, op))

	decoded, err := DecodeOp(&buf)
	require.NoError(t, err)
	require.Equal(t, op, decoded)
}

func TestSignedOpRoundTripWithAuth(t *testing.T) {
	var tokenId treecrdt.TokenId
	tokenId[0] = 0x9
	so := treecrdt.SignedOp{
		Op: sampleOp(),
		Auth: &treecrdt.OpAuth{
			Signature: []byte{1, 2, 3, 4},
			ProofRef:  tokenId,
		},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeSignedOp(&buf, so))

	decoded, err := DecodeSignedOp(&buf)
	require.NoError(t, err)
	require.Equal(t, so, decoded)
}

func TestSignedOpRoundTripNoAuth(t *testing.T) {
	so := treecrdt.SignedOp{Op: sampleOp()}
	var buf bytes.Buffer
	require.NoError(t, EncodeSignedOp(&buf, so))

	decoded, err := DecodeSignedOp(&buf)
	require.NoError(t, err)
	require.Nil(t, decoded.Auth)
	require.Equal(t, so.Op, decoded.Op)
}

func refWithByte(b byte) treecrdt.OpRef {
	var r treecrdt.OpRef
	r[0] = b
	return r
}

func TestSketchPeelRecoversSymmetricDifference(t *testing.T) {
	a := []treecrdt.OpRef{refWithByte(1), refWithByte(2), refWithByte(3)}
	b := []treecrdt.OpRef{refWithByte(2), refWithByte(3), refWithByte(4)}

	sketchA := NewSketch(a, 32)
	sketchB := NewSketch(b, 32)

	diff, rev, ok := Peel(Subtract(sketchA, sketchB))
	require.True(t, ok)
	require.ElementsMatch(t, []treecrdt.OpRef{refWithByte(1)}, diff)
	require.ElementsMatch(t, []treecrdt.OpRef{refWithByte(4)}, rev)
}

func TestSketchRoundTrip(t *testing.T) {
	s := NewSketch([]treecrdt.OpRef{refWithByte(9)}, 16)
	var buf bytes.Buffer
	require.NoError(t, EncodeSketch(&buf, s))

	decoded, err := DecodeSketch(&buf)
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestMessageRoundTripHello(t *testing.T) {
	var parent treecrdt.NodeId
	parent[0] = 0x05
	msg := Message{
		Kind: KindHello,
		Hello: &Hello{
			DocId:        "doc-1",
			Capabilities: [][]byte{{1, 2}, {3}},
			Filters:      []treecrdt.Filter{treecrdt.AllFilter(), treecrdt.ChildrenFilter(parent)},
			MaxLamport:   treecrdt.Lamport(3),
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, KindHello, decoded.Kind)
	require.Equal(t, msg.Hello, decoded.Hello)
}

func TestMessageRoundTripOpBatch(t *testing.T) {
	so := treecrdt.SignedOp{Op: sampleOp()}
	msg := Message{
		Kind: KindOpBatch,
		OpBatch: &OpBatch{
			Filter: treecrdt.AllFilter(),
			Ops:    []treecrdt.SignedOp{so},
		},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, KindOpBatch, decoded.Kind)
	require.Equal(t, msg.OpBatch.Filter, decoded.OpBatch.Filter)
	require.Equal(t, msg.OpBatch.Ops, decoded.OpBatch.Ops)
}

func TestMessageRoundTripCancel(t *testing.T) {
	msg := Message{Kind: KindCancel, Cancel: &Cancel{SubId: 42}}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, int64(42), decoded.Cancel.SubId)
}
