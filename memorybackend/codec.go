package memorybackend

import (
	"bytes"

	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/wire"
)

func encodeSignedOp(so treecrdt.SignedOp) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.EncodeSignedOp(&buf, so); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }
