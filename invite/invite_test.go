package invite

import (
	"testing"

	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/auth"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var issuer treecrdt.ReplicaId
	issuer[0] = 0x7

	p := Payload{
		DocId:     "doc-1",
		IssuerPk:  issuer,
		SubjectSk: []byte{1, 2, 3, 4},
		Token: auth.CapabilityToken{
			Issuer:    issuer,
			DocId:     "doc-1",
			Caps:      []auth.CapGrant{{Actions: []treecrdt.Action{treecrdt.ActionWriteStructure}}},
			Signature: []byte{9, 9},
		},
	}

	encoded, err := Encode(p)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, p.DocId, decoded.DocId)
	require.Equal(t, p.IssuerPk, decoded.IssuerPk)
	require.Equal(t, p.SubjectSk, decoded.SubjectSk)
	require.Equal(t, p.Token.DocId, decoded.Token.DocId)
	require.Equal(t, p.Token.Caps, decoded.Token.Caps)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	_, err := Decode("AA")
	require.Error(t, err)
}
