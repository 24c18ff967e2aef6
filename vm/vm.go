package vm

import (
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

const (
	// DefaultInitialThreshold is the live count that triggers the first cycle.
	DefaultInitialThreshold = 10

	// DefaultRootCapacity is the maximum depth of the operand stack.
	DefaultRootCapacity = 256
)

// Config sizes a VM.
type Config struct {
	// InitialThreshold is the live count at which the first allocation
	// triggers a collection. Zero collects on the first allocation.
	InitialThreshold int

	// MinThreshold is a floor for the post-sweep threshold. Zero keeps the
	// plain 2*live policy, under which a sweep that frees everything leaves
	// a threshold of 0.
	MinThreshold int

	// RootCapacity bounds the operand stack. Values <= 0 select
	// DefaultRootCapacity.
	RootCapacity int
}

// DefaultConfig returns the reference sizing: first cycle at 10 live nodes,
// 256 roots, no threshold floor.
func DefaultConfig() Config {
	return Config{
		InitialThreshold: DefaultInitialThreshold,
		RootCapacity:     DefaultRootCapacity,
	}
}

func (c Config) normalize() Config {
	if c.RootCapacity <= 0 {
		c.RootCapacity = DefaultRootCapacity
	}
	if c.InitialThreshold < 0 {
		c.InitialThreshold = 0
	}
	if c.MinThreshold < 0 {
		c.MinThreshold = 0
	}
	return c
}

// ---------------------------------------------------------------------------
// VM: operand stack, heap and collector
// ---------------------------------------------------------------------------

// VM is a stack machine whose operand stack is the root set of a
// mark-and-sweep heap. A VM is not safe for concurrent use; collection runs
// synchronously inside allocation and assumes the stack and the object
// graph hold still for its duration.
type VM struct {
	id  uuid.UUID
	cfg Config

	roots    []Ref
	heap     *heap
	gc       *collector
	weakRefs *WeakRegistry

	closed bool
}

// NewVM creates an empty VM sized by cfg.
func NewVM(cfg Config) *VM {
	cfg = cfg.normalize()
	h := newHeap()
	weak := NewWeakRegistry()
	return &VM{
		id:       uuid.New(),
		cfg:      cfg,
		roots:    make([]Ref, 0, cfg.RootCapacity),
		heap:     h,
		gc:       newCollector(h, weak, cfg.InitialThreshold, cfg.MinThreshold),
		weakRefs: weak,
	}
}

// NewDefaultVM creates a VM with DefaultConfig.
func NewDefaultVM() *VM {
	return NewVM(DefaultConfig())
}

// ID returns the VM's unique identifier.
func (vm *VM) ID() uuid.UUID {
	return vm.id
}

// Config returns the normalized configuration the VM was created with.
func (vm *VM) Config() Config {
	return vm.cfg
}

// enter guards every call that mutates the root set or the object graph.
// Observers and finalizers run inside a cycle and may only read.
func (vm *VM) enter() error {
	if vm.closed {
		return ErrShutdown
	}
	if vm.gc.busy {
		return ErrReentrant
	}
	return nil
}

// ---------------------------------------------------------------------------
// Root set
// ---------------------------------------------------------------------------

// Push appends ref to the operand stack.
func (vm *VM) Push(ref Ref) error {
	if err := vm.enter(); err != nil {
		return err
	}
	if vm.heap.lookup(ref) == nil {
		return fmt.Errorf("push %v: %w", ref, ErrStaleRef)
	}
	if len(vm.roots) >= vm.cfg.RootCapacity {
		return fmt.Errorf("push %v: %w (capacity %d)", ref, ErrRootSetOverflow, vm.cfg.RootCapacity)
	}
	vm.roots = append(vm.roots, ref)
	return nil
}

// Pop removes and returns the most recently pushed root.
func (vm *VM) Pop() (Ref, error) {
	if err := vm.enter(); err != nil {
		return Nil, err
	}
	n := len(vm.roots)
	if n == 0 {
		return Nil, ErrRootSetUnderflow
	}
	ref := vm.roots[n-1]
	vm.roots[n-1] = Nil
	vm.roots = vm.roots[:n-1]
	return ref, nil
}

// Peek returns the top root without removing it.
func (vm *VM) Peek() (Ref, error) {
	if vm.closed {
		return Nil, ErrShutdown
	}
	if len(vm.roots) == 0 {
		return Nil, ErrRootSetUnderflow
	}
	return vm.roots[len(vm.roots)-1], nil
}

// RootCount returns the operand stack depth.
func (vm *VM) RootCount() int {
	return len(vm.roots)
}

// Roots returns a copy of the operand stack, bottom first.
func (vm *VM) Roots() []Ref {
	out := make([]Ref, len(vm.roots))
	copy(out, vm.roots)
	return out
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// allocate is the only path that creates nodes. It runs the trigger check
// first, so a cycle sees the heap as it was before this request; the new
// node is registered before it is returned and carries no payload yet.
func (vm *VM) allocate(kind Kind) (Ref, error) {
	if err := vm.enter(); err != nil {
		return Nil, err
	}
	if vm.gc.shouldCollect() {
		log.Debugf("allocating %s at %d live (threshold %d), collecting", kind, vm.heap.live, vm.gc.threshold)
		vm.gc.collect(vm.roots, ReasonThreshold)
	}
	ref := vm.heap.alloc(kind)
	vm.heap.register(ref)
	return ref, nil
}

// PushInt allocates a scalar holding v and pushes it.
func (vm *VM) PushInt(v int64) (Ref, error) {
	if err := vm.enter(); err != nil {
		return Nil, err
	}
	if len(vm.roots) >= vm.cfg.RootCapacity {
		return Nil, fmt.Errorf("push int %d: %w (capacity %d)", v, ErrRootSetOverflow, vm.cfg.RootCapacity)
	}
	ref, err := vm.allocate(KindScalar)
	if err != nil {
		return Nil, err
	}
	vm.heap.slots[ref.index].value = v
	vm.roots = append(vm.roots, ref)
	return ref, nil
}

// PushPair allocates a pair, pops its second then first child off the
// operand stack and pushes the pair in their place. The children stay
// rooted while the allocation runs, so a cycle triggered here keeps them.
func (vm *VM) PushPair() (Ref, error) {
	if err := vm.enter(); err != nil {
		return Nil, err
	}
	if len(vm.roots) < 2 {
		return Nil, fmt.Errorf("push pair with %d roots: %w", len(vm.roots), ErrRootSetUnderflow)
	}
	ref, err := vm.allocate(KindPair)
	if err != nil {
		return Nil, err
	}

	n := len(vm.roots)
	second := vm.roots[n-1]
	first := vm.roots[n-2]
	vm.roots[n-1] = Nil
	vm.roots = vm.roots[:n-2]

	p := &vm.heap.slots[ref.index]
	p.first = first
	p.second = second

	vm.roots = append(vm.roots, ref)
	return ref, nil
}

// ---------------------------------------------------------------------------
// Node access
// ---------------------------------------------------------------------------

func (vm *VM) node(ref Ref) (*node, error) {
	if vm.closed {
		return nil, ErrShutdown
	}
	n := vm.heap.lookup(ref)
	if n == nil {
		return nil, fmt.Errorf("%v: %w", ref, ErrStaleRef)
	}
	return n, nil
}

func (vm *VM) pair(ref Ref) (*node, error) {
	n, err := vm.node(ref)
	if err != nil {
		return nil, err
	}
	if n.kind != KindPair {
		return nil, fmt.Errorf("%v is a %s: %w", ref, n.kind, ErrNotPair)
	}
	return n, nil
}

// IsLive reports whether ref names a node that has not been collected.
func (vm *VM) IsLive(ref Ref) bool {
	return !vm.closed && vm.heap.lookup(ref) != nil
}

// Kind returns the shape of the node ref names.
func (vm *VM) Kind(ref Ref) (Kind, error) {
	n, err := vm.node(ref)
	if err != nil {
		return 0, err
	}
	return n.kind, nil
}

// Int returns the value of a scalar.
func (vm *VM) Int(ref Ref) (int64, error) {
	n, err := vm.node(ref)
	if err != nil {
		return 0, err
	}
	if n.kind != KindScalar {
		return 0, fmt.Errorf("%v is a %s: %w", ref, n.kind, ErrNotScalar)
	}
	return n.value, nil
}

// First returns a pair's first child.
func (vm *VM) First(ref Ref) (Ref, error) {
	n, err := vm.pair(ref)
	if err != nil {
		return Nil, err
	}
	return n.first, nil
}

// Second returns a pair's second child.
func (vm *VM) Second(ref Ref) (Ref, error) {
	n, err := vm.pair(ref)
	if err != nil {
		return Nil, err
	}
	return n.second, nil
}

// SetFirst replaces a pair's first child. child may be any live node,
// including the pair itself.
func (vm *VM) SetFirst(pair, child Ref) error {
	if err := vm.enter(); err != nil {
		return err
	}
	n, err := vm.pair(pair)
	if err != nil {
		return err
	}
	if vm.heap.lookup(child) == nil {
		return fmt.Errorf("set first of %v to %v: %w", pair, child, ErrStaleRef)
	}
	n.first = child
	return nil
}

// SetSecond replaces a pair's second child.
func (vm *VM) SetSecond(pair, child Ref) error {
	if err := vm.enter(); err != nil {
		return err
	}
	n, err := vm.pair(pair)
	if err != nil {
		return err
	}
	if vm.heap.lookup(child) == nil {
		return fmt.Errorf("set second of %v to %v: %w", pair, child, ErrStaleRef)
	}
	n.second = child
	return nil
}

// NewWeakRef returns a weak reference to ref. It does not keep the node
// alive; once a cycle collects the node the reference reads Nil.
func (vm *VM) NewWeakRef(ref Ref) (*WeakReference, error) {
	if err := vm.enter(); err != nil {
		return nil, err
	}
	if _, err := vm.node(ref); err != nil {
		return nil, err
	}
	return vm.weakRefs.register(ref), nil
}

// WeakRefs returns the VM's weak reference registry.
func (vm *VM) WeakRefs() *WeakRegistry {
	return vm.weakRefs
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs a full cycle regardless of the threshold.
func (vm *VM) Collect() (*CollectionStats, error) {
	if err := vm.enter(); err != nil {
		return nil, err
	}
	return vm.gc.collect(vm.roots, ReasonForced), nil
}

// OnCollect registers fn to receive the stats of every completed cycle.
// Observers run after the sweep, in registration order. They may read the
// VM; calls that allocate, collect or change roots or children return
// ErrReentrant.
func (vm *VM) OnCollect(fn func(*CollectionStats)) {
	vm.gc.observers = append(vm.gc.observers, fn)
}

// LiveCount returns the number of registered, uncollected nodes.
func (vm *VM) LiveCount() int {
	if vm.closed {
		return 0
	}
	return vm.heap.live
}

// Threshold returns the live count at which the next allocation collects.
func (vm *VM) Threshold() int {
	return vm.gc.threshold
}

// Cycles returns the number of completed collection cycles.
func (vm *VM) Cycles() uint64 {
	return vm.gc.cycles
}

// TotalCollected returns the number of nodes reclaimed over the VM's life.
func (vm *VM) TotalCollected() uint64 {
	return vm.gc.totalCollected
}

// LastStats returns the stats of the most recent cycle, or nil.
func (vm *VM) LastStats() *CollectionStats {
	return vm.gc.lastStats
}

// Verify checks the heap registry invariants and that every root names a
// live node.
func (vm *VM) Verify() error {
	if vm.closed {
		return ErrShutdown
	}
	for i, ref := range vm.roots {
		if vm.heap.lookup(ref) == nil {
			return fmt.Errorf("%w: root %d (%v) is not live", ErrCorruptHeap, i, ref)
		}
	}
	return vm.heap.verify()
}

// Shutdown clears the operand stack, runs a final cycle and releases the
// heap. Weak references still registered are finalized by that cycle.
// Any node that survives is reported as ErrLeakedNodes.
func (vm *VM) Shutdown() error {
	if err := vm.enter(); err != nil {
		return err
	}
	for i := range vm.roots {
		vm.roots[i] = Nil
	}
	vm.roots = vm.roots[:0]

	stats := vm.gc.collect(vm.roots, ReasonTeardown)
	vm.closed = true
	vm.heap.release()

	if stats.Remaining != 0 {
		log.Warningf("vm %s: %d nodes survived teardown", vm.id, stats.Remaining)
		return fmt.Errorf("%w: %d", ErrLeakedNodes, stats.Remaining)
	}
	return nil
}
