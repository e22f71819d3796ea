package auth

import (
	"fmt"

	"github.com/outlinesync/treecrdt"
)

// SignFunc produces a raw EdDSA signature, the shape of
// identity.KeyPair.Sign.
type SignFunc func(msg []byte) ([]byte, error)

// HeldToken pairs a token this replica holds with the knowledge that it
// is the subject the token was issued to.
type HeldToken struct {
	Token CapabilityToken
}

// SignOps implements spec.md §4.4's signOps contract: for every op,
// select a held token granting the action the op requires and attach an
// OpAuth. Returns InsufficientCapability (via treecrdt.NewUnauthorized)
// for the first op no held token covers.
func SignOps(sign SignFunc, held []HeldToken, ops []treecrdt.Op) ([]treecrdt.SignedOp, error) {
	out := make([]treecrdt.SignedOp, len(ops))
	for i, op := range ops {
		required := op.RequiredActions()
		var chosen *CapabilityToken
		for j := range held {
			for _, g := range held[j].Token.Caps {
				if g.grantsAll(required) {
					chosen = &held[j].Token
					break
				}
			}
			if chosen != nil {
				break
			}
		}
		if chosen == nil {
			return nil, treecrdt.NewUnauthorized(treecrdt.ReasonInsufficientCapability, op.Meta.Id, fmt.Sprint(required))
		}
		sig, err := sign(opSigningMessage(op))
		if err != nil {
			return nil, err
		}
		out[i] = treecrdt.SignedOp{
			Op: op,
			Auth: &treecrdt.OpAuth{
				Signature: sig,
				ProofRef:  chosen.Id(),
			},
		}
	}
	return out, nil
}
