package treecrdt

import "time"

// Config groups the tunables of spec.md §6.6. Like the teacher's
// RandStreamParams, it is a plain struct with a constructor supplying
// sane defaults rather than a pile of free-standing option functions.
type Config struct {
	// MaxCodewords is the ceiling on the symmetric-difference size the
	// IBLT-style decoder can recover before the session falls back to full
	// opRef enumeration.
	MaxCodewords int

	// CodewordsPerMessage is the sketch chunk size sent per SyncRequest.
	CodewordsPerMessage int

	// MaxOpsPerBatch hard-caps the number of ops in one OpBatch message.
	MaxOpsPerBatch int

	// AckTimeout terminates a session with TransportError if no
	// OpBatchAck arrives within this duration of a batch being sent.
	AckTimeout time.Duration
}

// DefaultConfig returns the tunables this module ships with out of the
// box: generous enough for interactive documents, conservative enough to
// bound one session's memory and the decoder's work.
func DefaultConfig() Config {
	return Config{
		MaxCodewords:        4096,
		CodewordsPerMessage: 256,
		MaxOpsPerBatch:      512,
		AckTimeout:          30 * time.Second,
	}
}

// SubscribeOptions configures a call to Peer.Subscribe (spec.md §4.2).
type SubscribeOptions struct {
	// Immediate, if true (the default), performs the initial reconcile
	// before waiting for pushes. If false, the subscription starts in
	// Subscribed state and only forwards ops appended after it begins.
	Immediate bool
}

// DefaultSubscribeOptions mirrors spec.md §6.6's documented default for
// the "immediate" option.
func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{Immediate: true}
}
