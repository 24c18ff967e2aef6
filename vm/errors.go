package vm

import "errors"

// Caller-contract violations surfaced by the embedding API. The collector
// itself has no failure modes.
var (
	ErrRootSetOverflow  = errors.New("root set overflow")
	ErrRootSetUnderflow = errors.New("root set underflow")
	ErrStaleRef         = errors.New("stale or nil node reference")
	ErrNotPair          = errors.New("node is not a pair")
	ErrNotScalar        = errors.New("node is not a scalar")
	ErrLeakedNodes      = errors.New("nodes survived teardown")
	ErrShutdown         = errors.New("vm is shut down")
	ErrReentrant        = errors.New("vm called from inside a collection cycle")
	ErrCorruptHeap      = errors.New("corrupt heap")
	ErrCorruptImage     = errors.New("corrupt heap image")
)
