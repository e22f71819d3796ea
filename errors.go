package treecrdt

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/xerrors"
)

// Static, sentinel errors, declared the way the teacher declares
// ErrNotAllBytesConsumed in trie/errors.go: plain values comparable with
// errors.Is across package boundaries.
var (
	ErrDuplicateOp      = xerrors.New("treecrdt: duplicate op")
	ErrMalformedOp      = xerrors.New("treecrdt: malformed op")
	ErrUnknownOpRef     = xerrors.New("treecrdt: unknown opRef")
	ErrMalformedMessage = xerrors.New("treecrdt: malformed sync message")
	ErrProtocolViolation = xerrors.New("treecrdt: protocol violation")
	ErrTransportError   = xerrors.New("treecrdt: transport error")
	ErrCancelled        = xerrors.New("treecrdt: cancelled")
	ErrPendingContext   = xerrors.New("treecrdt: pending authorization context")
)

// UnauthorizedReason enumerates the sub-kinds of spec.md §7's
// Unauthorized{...} taxonomy.
type UnauthorizedReason string

const (
	ReasonUnknownIssuer          UnauthorizedReason = "unknown_issuer"
	ReasonExpired                UnauthorizedReason = "expired"
	ReasonScopeViolation         UnauthorizedReason = "scope_violation"
	ReasonInsufficientCapability UnauthorizedReason = "insufficient_capability"
	ReasonInvalidSignature       UnauthorizedReason = "invalid_signature"
	ReasonRevoked                UnauthorizedReason = "revoked"
	ReasonUnknownProofRef        UnauthorizedReason = "unknown_proof_ref"
)

// UnauthorizedError is the structured form of spec.md §7's Unauthorized
// error kind. It is built on cockroachdb/errors so callers can both
// errors.Is(err, ErrUnauthorized) and recover the Reason with errors.As.
type UnauthorizedError struct {
	Reason UnauthorizedReason
	Op     OpId
	Detail string
}

// ErrUnauthorized is the sentinel UnauthorizedError wraps itself around so
// that errors.Is(err, ErrUnauthorized) succeeds regardless of Reason.
var ErrUnauthorized = xerrors.New("treecrdt: unauthorized")

func (e *UnauthorizedError) Error() string {
	msg := "treecrdt: unauthorized: " + string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// NewUnauthorized builds an UnauthorizedError wrapped with a stack trace via
// cockroachdb/errors, the way the richer parts of this module's error
// taxonomy are expected to carry one.
func NewUnauthorized(reason UnauthorizedReason, op OpId, detail string) error {
	return errors.WithStack(&UnauthorizedError{Reason: reason, Op: op, Detail: detail})
}

// BackendError opaquely wraps a failure reported by a Backend
// implementation (spec.md §6.1), preserving the original error for
// errors.Unwrap/errors.Is while presenting a stable, documented type to
// callers that only need to recognize "the store failed".
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return "treecrdt: backend error during " + e.Op + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// WrapBackendError builds a BackendError, or returns nil if err is nil,
// using cockroachdb/errors.Wrapf for the stack-trace-carrying case so
// backend failures remain diagnosable once they cross the Backend
// interface boundary.
func WrapBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: errors.Wrapf(err, "backend op %s", op)}
}
