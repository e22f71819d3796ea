// Package invite encodes and decodes the base64url invite payload of
// spec.md §6.5, reusing the root package's length-prefixed binary
// primitives the way the rest of this module's wire-facing packages do
// rather than introducing a JSON or CBOR dependency for a single small
// record.
package invite

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/auth"
)

const version = 1

// Payload is spec.md §6.5's invite record: a document id, the issuer's
// public key, a secret the recipient derives their replica key from, the
// capability token granting them access, and an optional payload
// encryption key.
type Payload struct {
	DocId         string
	IssuerPk      treecrdt.ReplicaId
	SubjectSk     []byte
	Token         auth.CapabilityToken
	PayloadKey    []byte
	HasPayloadKey bool
}

// Encode serializes p into the base64url string an invite link carries.
func Encode(p Payload) (string, error) {
	var buf bytes.Buffer
	if err := treecrdt.WriteByte(&buf, version); err != nil {
		return "", err
	}
	if err := treecrdt.WriteBytes16(&buf, []byte(p.DocId)); err != nil {
		return "", err
	}
	if _, err := buf.Write(p.IssuerPk[:]); err != nil {
		return "", err
	}
	if err := treecrdt.WriteBytes16(&buf, p.SubjectSk); err != nil {
		return "", err
	}
	if err := auth.EncodeToken(&buf, p.Token); err != nil {
		return "", err
	}
	hasKey := byte(0)
	if p.HasPayloadKey {
		hasKey = 1
	}
	if err := treecrdt.WriteByte(&buf, hasKey); err != nil {
		return "", err
	}
	if p.HasPayloadKey {
		if err := treecrdt.WriteBytes16(&buf, p.PayloadKey); err != nil {
			return "", err
		}
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf.Bytes()), nil
}

// Decode parses a base64url invite string produced by Encode.
func Decode(s string) (Payload, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return Payload{}, err
	}
	r := bytes.NewReader(raw)

	v, err := treecrdt.ReadByte(r)
	if err != nil {
		return Payload{}, err
	}
	if v != version {
		return Payload{}, treecrdt.ErrMalformedMessage
	}

	var p Payload
	docId, err := treecrdt.ReadBytes16(r)
	if err != nil {
		return Payload{}, err
	}
	p.DocId = string(docId)

	if _, err := io.ReadFull(r, p.IssuerPk[:]); err != nil {
		return Payload{}, err
	}
	if p.SubjectSk, err = treecrdt.ReadBytes16(r); err != nil {
		return Payload{}, err
	}
	if p.Token, err = auth.DecodeToken(r); err != nil {
		return Payload{}, err
	}
	hasKey, err := treecrdt.ReadByte(r)
	if err != nil {
		return Payload{}, err
	}
	if hasKey != 0 {
		p.HasPayloadKey = true
		if p.PayloadKey, err = treecrdt.ReadBytes16(r); err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}
