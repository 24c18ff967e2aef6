// Package vm implements a stack machine with a mark-and-sweep heap.
//
// This package contains:
//   - The heap registry: an arena of fixed-shape nodes (scalars and pairs)
//     threaded on an intrusive list, with generation-checked handles
//   - The collector: worklist marking from the operand stack, in-place
//     sweep of the registry list, and the doubling threshold policy
//   - The embedding API: push/pop on the root set, scalar and pair
//     allocation, forced collection and teardown
//   - Weak references and CBOR heap images
package vm
