package vm

// ---------------------------------------------------------------------------
// WeakReference: A reference that doesn't prevent garbage collection
// ---------------------------------------------------------------------------

// WeakReference holds a weak reference to a heap node.
// When the target node is collected, the reference becomes Nil.
// Optionally supports finalization callbacks.
type WeakReference struct {
	id        uint32
	target    Ref
	dead      Ref // former target, kept for the finalizer
	finalizer func(Ref)
}

// ID returns the unique identifier for this weak reference.
func (wr *WeakReference) ID() uint32 {
	return wr.id
}

// Get returns the target, or Nil if it has been collected.
func (wr *WeakReference) Get() Ref {
	return wr.target
}

// IsAlive returns true if the target node has not been collected.
func (wr *WeakReference) IsAlive() bool {
	return !wr.target.IsNil()
}

// SetFinalizer sets a callback to be invoked after the cycle that collects
// the target. The callback receives the now-stale Ref for identification
// only; every accessor rejects it. It runs inside the cycle, so calls that
// mutate the VM return ErrReentrant.
func (wr *WeakReference) SetFinalizer(fn func(Ref)) {
	wr.finalizer = fn
}

// clear drops the target and returns the old one.
func (wr *WeakReference) clear() Ref {
	old := wr.target
	wr.dead = old
	wr.target = Nil
	return old
}

// ---------------------------------------------------------------------------
// WeakRegistry: Tracks all weak references in the VM
// ---------------------------------------------------------------------------

// WeakRegistry indexes the VM's weak references by target so the sweep can
// clear them as it frees nodes.
type WeakRegistry struct {
	refs     map[uint32]*WeakReference
	byTarget map[Ref][]*WeakReference
	nextID   uint32
}

// NewWeakRegistry creates an empty registry.
func NewWeakRegistry() *WeakRegistry {
	return &WeakRegistry{
		refs:     make(map[uint32]*WeakReference),
		byTarget: make(map[Ref][]*WeakReference),
	}
}

// register creates a weak reference to target. IDs start at 1.
func (r *WeakRegistry) register(target Ref) *WeakReference {
	r.nextID++
	wr := &WeakReference{id: r.nextID, target: target}
	r.refs[wr.id] = wr
	r.byTarget[target] = append(r.byTarget[target], wr)
	return wr
}

// Unregister removes a weak reference; it will no longer be cleared or
// finalized.
func (r *WeakRegistry) Unregister(wr *WeakReference) {
	if _, ok := r.refs[wr.id]; !ok {
		return
	}
	delete(r.refs, wr.id)

	list := r.byTarget[wr.target]
	for i, other := range list {
		if other == wr {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byTarget, wr.target)
	} else {
		r.byTarget[wr.target] = list
	}
}

// Lookup finds a weak reference by ID.
func (r *WeakRegistry) Lookup(id uint32) *WeakReference {
	return r.refs[id]
}

// Count returns the number of registered weak references.
func (r *WeakRegistry) Count() int {
	return len(r.refs)
}

// clearTarget is called by the sweep for each freed node. Cleared
// references are appended to acc and dropped from the registry.
func (r *WeakRegistry) clearTarget(target Ref, acc []*WeakReference) []*WeakReference {
	list, ok := r.byTarget[target]
	if !ok {
		return acc
	}
	delete(r.byTarget, target)
	for _, wr := range list {
		wr.clear()
		delete(r.refs, wr.id)
		acc = append(acc, wr)
	}
	return acc
}

// finalize runs the finalizers of references cleared by a sweep.
func (r *WeakRegistry) finalize(cleared []*WeakReference) {
	for _, wr := range cleared {
		if wr.finalizer == nil {
			continue
		}
		wr.finalizer(wr.dead)
	}
}
