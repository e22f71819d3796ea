package auth

import (
	"io"
	"time"

	"github.com/outlinesync/treecrdt"
)

// EncodeToken and DecodeToken serialize a CapabilityToken including its
// issuer signature, for the invite payload (package invite) and for
// Hello/HelloAck's advertised-capabilities list (package wire treats
// these as opaque []byte, produced and consumed here).
func EncodeToken(w io.Writer, t CapabilityToken) error {
	if _, err := w.Write(t.Issuer[:]); err != nil {
		return err
	}
	if _, err := w.Write(t.Subject[:]); err != nil {
		return err
	}
	if err := treecrdt.WriteBytes16(w, []byte(t.DocId)); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(len(t.Caps))); err != nil {
		return err
	}
	for _, g := range t.Caps {
		if err := encodeCapGrant(w, g); err != nil {
			return err
		}
	}
	if err := writeOptionalTime(w, t.HasExp, t.Exp); err != nil {
		return err
	}
	if err := writeOptionalTime(w, t.HasIat, t.Iat); err != nil {
		return err
	}
	return treecrdt.WriteBytes16(w, t.Signature)
}

func DecodeToken(r io.Reader) (CapabilityToken, error) {
	var t CapabilityToken
	if _, err := io.ReadFull(r, t.Issuer[:]); err != nil {
		return t, err
	}
	if _, err := io.ReadFull(r, t.Subject[:]); err != nil {
		return t, err
	}
	docId, err := treecrdt.ReadBytes16(r)
	if err != nil {
		return t, err
	}
	t.DocId = string(docId)

	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return t, err
	}
	t.Caps = make([]CapGrant, n)
	for i := range t.Caps {
		if t.Caps[i], err = decodeCapGrant(r); err != nil {
			return t, err
		}
	}
	if t.HasExp, t.Exp, err = readOptionalTime(r); err != nil {
		return t, err
	}
	if t.HasIat, t.Iat, err = readOptionalTime(r); err != nil {
		return t, err
	}
	if t.Signature, err = treecrdt.ReadBytes16(r); err != nil {
		return t, err
	}
	return t, nil
}

func writeOptionalTime(w io.Writer, has bool, t time.Time) error {
	flag := byte(0)
	if has {
		flag = 1
	}
	if err := treecrdt.WriteByte(w, flag); err != nil {
		return err
	}
	if !has {
		return nil
	}
	return treecrdt.WriteUint64(w, uint64(t.Unix()))
}

func readOptionalTime(r io.Reader) (bool, time.Time, error) {
	flag, err := treecrdt.ReadByte(r)
	if err != nil {
		return false, time.Time{}, err
	}
	if flag == 0 {
		return false, time.Time{}, nil
	}
	secs, err := treecrdt.ReadUint64(r)
	if err != nil {
		return false, time.Time{}, err
	}
	return true, time.Unix(int64(secs), 0).UTC(), nil
}

func encodeCapGrant(w io.Writer, g CapGrant) error {
	if _, err := w.Write(g.Res.Root[:]); err != nil {
		return err
	}
	flags := byte(0)
	if g.Res.HasRoot {
		flags |= 1
	}
	if g.Res.HasMaxDepth {
		flags |= 2
	}
	if err := treecrdt.WriteByte(w, flags); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(g.Res.MaxDepth)); err != nil {
		return err
	}
	if err := treecrdt.WriteVarUint(w, uint64(len(g.Res.ExcludeNodeIds))); err != nil {
		return err
	}
	for _, ex := range g.Res.ExcludeNodeIds {
		if _, err := w.Write(ex[:]); err != nil {
			return err
		}
	}
	if err := treecrdt.WriteVarUint(w, uint64(len(g.Actions))); err != nil {
		return err
	}
	for _, a := range g.Actions {
		if err := treecrdt.WriteBytes16(w, []byte(a)); err != nil {
			return err
		}
	}
	return nil
}

func decodeCapGrant(r io.Reader) (CapGrant, error) {
	var g CapGrant
	if _, err := io.ReadFull(r, g.Res.Root[:]); err != nil {
		return g, err
	}
	flags, err := treecrdt.ReadByte(r)
	if err != nil {
		return g, err
	}
	g.Res.HasRoot = flags&1 != 0
	g.Res.HasMaxDepth = flags&2 != 0

	maxDepth, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return g, err
	}
	g.Res.MaxDepth = int(maxDepth)

	n, err := treecrdt.ReadVarUint(r)
	if err != nil {
		return g, err
	}
	g.Res.ExcludeNodeIds = make([]treecrdt.NodeId, n)
	for i := range g.Res.ExcludeNodeIds {
		if _, err := io.ReadFull(r, g.Res.ExcludeNodeIds[i][:]); err != nil {
			return g, err
		}
	}

	n, err = treecrdt.ReadVarUint(r)
	if err != nil {
		return g, err
	}
	g.Actions = make([]treecrdt.Action, n)
	for i := range g.Actions {
		a, err := treecrdt.ReadBytes16(r)
		if err != nil {
			return g, err
		}
		g.Actions[i] = treecrdt.Action(a)
	}
	return g, nil
}
