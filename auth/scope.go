package auth

import "github.com/outlinesync/treecrdt"

// ScopeDecision is the three-valued result spec.md §4.4 requires of a
// scope evaluator: ancestry may not yet be fully known, in which case the
// op belongs in the pending-context quarantine rather than being
// accepted or rejected outright.
type ScopeDecision byte

const (
	ScopeAllow ScopeDecision = iota
	ScopeDeny
	ScopeUnknown
)

// ParentLookup is the minimal read surface a scope evaluator needs from
// the materialized tree. engine.Engine satisfies this interface
// structurally; this package does not import engine so that a future
// alternate tree implementation, or a test double, can stand in without
// creating an import cycle with the core.
type ParentLookup interface {
	Parent(node treecrdt.NodeId) (treecrdt.NodeId, bool)
}

// TreeScopeEvaluator implements spec.md §4.4's scope evaluator by walking
// the materialized parent chain from the affected node toward the
// scope's root.
type TreeScopeEvaluator struct {
	Tree ParentLookup
}

// Evaluate reports whether node lies within scope: at scope.Root itself
// or one of its descendants, within maxDepth hops, and not listed in
// ExcludeNodeIds. It returns ScopeUnknown the moment the walk reaches a
// node whose parent is not yet known, since that means the true ancestry
// cannot be determined from the ops seen so far (spec.md §4.3/§4.4).
func (e TreeScopeEvaluator) Evaluate(node treecrdt.NodeId, scope ResourceScope) ScopeDecision {
	for _, ex := range scope.ExcludeNodeIds {
		if ex == node {
			return ScopeDeny
		}
	}

	root := scope.Root
	if !scope.HasRoot {
		root = treecrdt.RootNodeId
	}

	cur := node
	depth := 0
	for {
		if cur == root {
			return ScopeAllow
		}
		if cur.IsRoot() || cur.IsTrash() {
			// Reached the true root (or trash) without passing through
			// scope.Root: node is not in this scope.
			return ScopeDeny
		}
		if scope.HasMaxDepth && depth >= scope.MaxDepth {
			return ScopeDeny
		}
		parent, ok := e.Tree.Parent(cur)
		if !ok {
			return ScopeUnknown
		}
		for _, ex := range scope.ExcludeNodeIds {
			if ex == parent {
				return ScopeDeny
			}
		}
		cur = parent
		depth++
	}
}
