package auth

import (
	"bytes"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/wire"
)

// TokenStore resolves a proof_ref to the token it names. memorybackend
// and badgerbackend do not implement this themselves; a replica keeps its
// held and witnessed tokens in a MapTokenStore alongside its Backend.
type TokenStore interface {
	Lookup(id treecrdt.TokenId) (CapabilityToken, bool)
}

// MapTokenStore is the in-memory TokenStore every replica starts with.
type MapTokenStore map[treecrdt.TokenId]CapabilityToken

func (m MapTokenStore) Lookup(id treecrdt.TokenId) (CapabilityToken, bool) {
	t, ok := m[id]
	return t, ok
}

func (m MapTokenStore) Add(t CapabilityToken) { m[t.Id()] = t }

// VerifyFunc verifies a raw EdDSA signature, the shape of
// identity.VerifySignature, accepted as a function value so this package
// need not import identity.
type VerifyFunc func(pub treecrdt.ReplicaId, msg, sig []byte) error

const opSignDomain = "treecrdt/op-sign/v1"

func opSigningMessage(op treecrdt.Op) []byte {
	var buf bytes.Buffer
	buf.WriteString(opSignDomain)
	buf.WriteByte(0)
	wire.EncodeOp(&buf, op)
	return buf.Bytes()
}

// Verdict is the per-op outcome of VerifyOps.
type Verdict struct {
	Op      treecrdt.SignedOp
	Err     error // nil: accepted. ErrPendingContext: quarantine. otherwise: reject.
	Reason  treecrdt.PendingReason
	Message string
}

// overlayTree layers the parent edges of ops already accepted earlier in
// the same VerifyOps call over base: a batch that creates a subtree and
// then places children under it in the same message must let the second
// op see the first's placement without waiting for it to reach the
// backend, or every child op would wrongly read as pending-context.
type overlayTree struct {
	base  ParentLookup
	edges map[treecrdt.NodeId]treecrdt.NodeId
}

func (o *overlayTree) Parent(n treecrdt.NodeId) (treecrdt.NodeId, bool) {
	if p, ok := o.edges[n]; ok {
		return p, true
	}
	return o.base.Parent(n)
}

// VerifyOps implements spec.md §4.4's verifyOps contract for a batch of
// incoming ops. A sketch-driven OpBatch is not guaranteed to list a
// subtree's ops in creation order, so a ScopeUnknown verdict is retried
// against the batch's growing overlay until a full pass accepts nothing
// new; this converges in at most len(ops) passes since each pass that
// makes progress accepts at least one more op.
func VerifyOps(docId string, tokens TokenStore, scope TreeScopeEvaluator, verify VerifyFunc, now time.Time, ops []treecrdt.SignedOp) []Verdict {
	ov := &overlayTree{base: scope.Tree, edges: make(map[treecrdt.NodeId]treecrdt.NodeId)}
	batchScope := TreeScopeEvaluator{Tree: ov}

	out := make([]Verdict, len(ops))
	pending := make([]bool, len(ops))
	for i := range ops {
		pending[i] = true
	}

	for pass := 0; pass < len(ops)+1; pass++ {
		progressed := false
		for i, so := range ops {
			if !pending[i] {
				continue
			}
			out[i] = verifyOne(docId, tokens, batchScope, verify, now, so)
			if out[i].Err == treecrdt.ErrPendingContext {
				continue
			}
			pending[i] = false
			progressed = true
			if out[i].Err == nil && so.Op.IsStructural() {
				ov.edges[so.Op.Node] = so.Op.EffectiveParent()
			}
		}
		if !progressed {
			break
		}
	}

	for i, so := range ops {
		switch out[i].Err {
		case nil:
			glog.V(2).Infof("treecrdt/auth: accepted op %s", so.Op.Meta.Id)
		case treecrdt.ErrPendingContext:
			glog.V(1).Infof("treecrdt/auth: quarantining op %s: %s", so.Op.Meta.Id, out[i].Message)
		default:
			glog.V(1).Infof("treecrdt/auth: rejecting op %s: %v", so.Op.Meta.Id, out[i].Err)
		}
	}
	return out
}

func verifyOne(docId string, tokens TokenStore, scope TreeScopeEvaluator, verify VerifyFunc, now time.Time, so treecrdt.SignedOp) Verdict {
	op := so.Op
	if so.Auth == nil {
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonUnknownProofRef, op.Meta.Id, "no OpAuth attached")}
	}
	if err := verify(op.Meta.Id.Replica, opSigningMessage(op), so.Auth.Signature); err != nil {
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonInvalidSignature, op.Meta.Id, err.Error())}
	}

	token, ok := tokens.Lookup(so.Auth.ProofRef)
	if !ok {
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonUnknownProofRef, op.Meta.Id, so.Auth.ProofRef.String())}
	}
	if token.DocId != docId {
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonScopeViolation, op.Meta.Id, "token audience mismatch")}
	}
	if token.Subject != op.Meta.Id.Replica {
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonInvalidSignature, op.Meta.Id, "token subject does not match op author")}
	}
	if token.expired(now) {
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonExpired, op.Meta.Id, "")}
	}

	required := op.RequiredActions()
	var matching *CapGrant
	for i := range token.Caps {
		if token.Caps[i].grantsAll(required) {
			matching = &token.Caps[i]
			break
		}
	}
	if matching == nil {
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonInsufficientCapability, op.Meta.Id, fmt.Sprint(required))}
	}

	switch scope.Evaluate(op.ScopeAnchor(), matching.Res) {
	case ScopeAllow:
		return Verdict{Op: so}
	case ScopeDeny:
		return Verdict{Op: so, Err: treecrdt.NewUnauthorized(treecrdt.ReasonScopeViolation, op.Meta.Id, "affected node outside granted subtree")}
	default: // ScopeUnknown
		return Verdict{
			Op:      so,
			Err:     treecrdt.ErrPendingContext,
			Reason:  treecrdt.PendingReasonScopeUnknown,
			Message: "ancestry of affected node not yet known",
		}
	}
}
