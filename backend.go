package treecrdt

import "context"

// Filter selects a subset of ops for sync and listing, spec.md §4.2 and
// the GLOSSARY.
type Filter struct {
	// Kind is FilterAll or FilterChildren.
	Kind FilterKind
	// Parent is only meaningful when Kind == FilterChildren.
	Parent NodeId
}

type FilterKind byte

const (
	FilterAll FilterKind = iota
	FilterChildren
)

// AllFilter is the filter matching every op in the document.
func AllFilter() Filter { return Filter{Kind: FilterAll} }

// ChildrenFilter is the filter matching ops that ever made parent the
// parent of their node, or moved their node away from parent.
func ChildrenFilter(parent NodeId) Filter { return Filter{Kind: FilterChildren, Parent: parent} }

func (f Filter) String() string {
	if f.Kind == FilterAll {
		return "All"
	}
	return "Children(" + f.Parent.String() + ")"
}

// PendingReason records why an op is held in the pending-context
// quarantine of spec.md §4.3 and §4.4.
type PendingReason byte

const (
	PendingReasonScopeUnknown PendingReason = iota
)

func (r PendingReason) String() string {
	switch r {
	case PendingReasonScopeUnknown:
		return "scope_unknown"
	default:
		return "unknown"
	}
}

// PendingOp is an op whose authorization could not yet be decided,
// spec.md §6.1.
type PendingOp struct {
	Op      SignedOp
	Reason  PendingReason
	Message string
}

// Backend is the persistence interface the core is built against
// (spec.md §6.1). The store, transport and UI are out of scope; only this
// interface and Transport (package transport) are fixed. memorybackend and
// badgerbackend are this module's two concrete implementations.
type Backend interface {
	DocId() string

	MaxLamport(ctx context.Context) (Lamport, error)

	ListOpRefs(ctx context.Context, filter Filter) ([]OpRef, error)

	// GetOpsByOpRefs returns the ops named by refs, in the same order. It
	// errors if any ref is unknown (ErrUnknownOpRef).
	GetOpsByOpRefs(ctx context.Context, refs []OpRef) ([]SignedOp, error)

	// ApplyOps stores ops (idempotently keyed by OpId) and returns the
	// subset that was newly stored, so callers can notify local
	// subscribers without re-delivering already-known ops.
	ApplyOps(ctx context.Context, ops []SignedOp) ([]SignedOp, error)

	// StorePendingOps, ListPendingOps and DeletePendingOps implement the
	// pending-context quarantine every structural op passes through on
	// its way into the tree.
	StorePendingOps(ctx context.Context, ops []PendingOp) error
	ListPendingOps(ctx context.Context) ([]PendingOp, error)
	DeletePendingOps(ctx context.Context, ops []SignedOp) error
}
