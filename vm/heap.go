package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Kind and Ref: node shape and non-owning handles
// ---------------------------------------------------------------------------

// Kind is the shape of a heap node.
type Kind uint8

const (
	KindScalar Kind = iota // holds an int64
	KindPair               // holds two references
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindPair:
		return "pair"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Ref is a non-owning handle to a heap node. It names an arena slot plus the
// generation the slot had when the node was allocated, so a Ref to a node
// that has since been swept is detected as stale instead of aliasing
// whatever reused the slot.
type Ref struct {
	index uint32
	gen   uint32
}

// Nil is the zero Ref. Slot 0 is never handed out.
var Nil Ref

// IsNil reports whether r is the zero Ref.
func (r Ref) IsNil() bool {
	return r.index == 0
}

// ID returns the arena slot index of r. IDs are reused after a node is
// collected; pair a Ref with its generation when identity matters.
func (r Ref) ID() uint32 {
	return r.index
}

func (r Ref) String() string {
	if r.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("#%d.%d", r.index, r.gen)
}

// node is one arena slot. A slot is either live (registered, reachable by
// walking the registry list) or free (on the free list).
type node struct {
	next   Ref // registry link, owned by heap
	gen    uint32
	live   bool
	marked bool
	kind   Kind
	value  int64
	first  Ref
	second Ref
}

// ---------------------------------------------------------------------------
// heap: the registry of every allocated node
// ---------------------------------------------------------------------------

// heap owns the storage of every node. Registration order is kept as an
// intrusive singly linked list threaded through the arena slots, newest
// first. Freed slots go on a free list and are reused by later allocations.
type heap struct {
	slots []node // slots[0] is reserved so that Nil never names a node
	free  []uint32
	head  Ref
	live  int
}

func newHeap() *heap {
	return &heap{
		slots: make([]node, 1),
	}
}

// alloc takes a slot off the free list (or grows the arena) and
// initializes it for kind. The node is not yet registered.
func (h *heap) alloc(kind Kind) Ref {
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.slots = append(h.slots, node{})
		idx = uint32(len(h.slots) - 1)
	}

	n := &h.slots[idx]
	*n = node{gen: n.gen, live: true, kind: kind}
	return Ref{index: idx, gen: n.gen}
}

// register links ref at the head of the registry. Must be called exactly
// once per allocation, before the ref escapes to a caller.
func (h *heap) register(ref Ref) {
	n := &h.slots[ref.index]
	n.next = h.head
	h.head = ref
	h.live++
}

// lookup returns the node for ref, or nil if ref is nil, out of range,
// freed, or from an earlier generation of its slot.
func (h *heap) lookup(ref Ref) *node {
	if ref.IsNil() || int(ref.index) >= len(h.slots) {
		return nil
	}
	n := &h.slots[ref.index]
	if !n.live || n.gen != ref.gen {
		return nil
	}
	return n
}

// forEach walks the registry from head in link order.
func (h *heap) forEach(fn func(Ref, *node)) {
	for ref := h.head; !ref.IsNil(); {
		n := &h.slots[ref.index]
		next := n.next
		fn(ref, n)
		ref = next
	}
}

// unlinkAndFree removes ref from the list. slot is the link that currently
// points at ref (either &h.head or a predecessor's next field); after the
// call it points at ref's successor. The slot generation is bumped so
// outstanding Refs to the node go stale.
func (h *heap) unlinkAndFree(slot *Ref, ref Ref) {
	n := &h.slots[ref.index]
	*slot = n.next
	*n = node{gen: n.gen + 1}
	h.free = append(h.free, ref.index)
	h.live--
}

// release drops all storage. The heap is unusable afterwards.
func (h *heap) release() {
	h.slots = nil
	h.free = nil
	h.head = Nil
	h.live = 0
}

// verify checks the registry invariants: the list walk, the live slot
// count and the live counter agree, no node is left marked, and every pair
// child names a live node.
func (h *heap) verify() error {
	walked := 0
	for ref := h.head; !ref.IsNil(); {
		n := h.lookup(ref)
		if n == nil {
			return fmt.Errorf("%w: registry links to dead node %v", ErrCorruptHeap, ref)
		}
		if n.marked {
			return fmt.Errorf("%w: node %v left marked", ErrCorruptHeap, ref)
		}
		if n.kind == KindPair {
			if h.lookup(n.first) == nil || h.lookup(n.second) == nil {
				return fmt.Errorf("%w: pair %v references a freed node", ErrCorruptHeap, ref)
			}
		}
		walked++
		if walked > len(h.slots) {
			return fmt.Errorf("%w: registry list does not terminate", ErrCorruptHeap)
		}
		ref = n.next
	}

	slotsLive := 0
	for i := 1; i < len(h.slots); i++ {
		if h.slots[i].live {
			slotsLive++
		}
	}

	if walked != h.live || slotsLive != h.live {
		return fmt.Errorf("%w: live count %d, list walk %d, live slots %d",
			ErrCorruptHeap, h.live, walked, slotsLive)
	}
	return nil
}
