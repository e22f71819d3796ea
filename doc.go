// Package treecrdt implements the core of a collaborative, peer-to-peer
// tree CRDT: a replicated, hierarchical document that every participant may
// edit concurrently while offline, with strong convergence and per-subtree
// access control.
//
// A document is a set of immutable operations (Op) authored by replicas and
// applied by every other replica that receives them. The canonical tree
// state — parent/child edges, sibling order, payloads — is a pure function
// of the accumulated operation set: replaying the same set of operations in
// any order, on any replica, yields the same tree (package engine).
//
// Operations are disseminated between replicas by the sync package, which
// runs a pairwise reconciliation and streaming protocol over a duplex
// message transport, and are authorized per subtree by the auth package,
// which verifies a capability token chain before an operation is allowed to
// take effect.
//
// This package holds the shared data model: NodeId, ReplicaId, OpId,
// OpRef, the Op sum type, the Backend interface that packages in this
// module are built against, and the document-wide Config.
package treecrdt
