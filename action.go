package treecrdt

import "encoding/hex"

// Action is an entry in the capability action vocabulary of spec.md §4.4.
type Action string

const (
	ActionReadStructure  Action = "read_structure"
	ActionReadPayload    Action = "read_payload"
	ActionWriteStructure Action = "write_structure"
	ActionWritePayload   Action = "write_payload"
	ActionDelete         Action = "delete"
	ActionTombstone      Action = "tombstone"
	ActionGrant          Action = "grant"
)

// TokenId is a domain-separated hash of a capability token's bytes; it is
// carried as OpAuth.ProofRef and resolved back to a token during
// verification.
type TokenId [32]byte

func (t TokenId) String() string { return hex.EncodeToString(t[:]) }
