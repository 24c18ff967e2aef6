package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("minigc.vm")

// growthFactor scales the post-sweep population into the next threshold.
const growthFactor = 2

// ---------------------------------------------------------------------------
// Reason and CollectionStats
// ---------------------------------------------------------------------------

// Reason records what started a collection cycle.
type Reason uint8

const (
	ReasonThreshold Reason = iota // allocation found live >= threshold
	ReasonForced                  // explicit Collect
	ReasonTeardown                // Shutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonThreshold:
		return "threshold"
	case ReasonForced:
		return "forced"
	case ReasonTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// CollectionStats describes a single mark/sweep cycle. It is diagnostic
// output; nothing in the VM depends on it.
type CollectionStats struct {
	Cycle     uint64 // 1-based cycle number within the VM
	Reason    Reason
	Before    int // live nodes when the cycle started
	Collected int
	Remaining int
	Threshold int // threshold assigned after the sweep
	WeakFreed int // weak references cleared by the sweep
	Duration  time.Duration
	Timestamp time.Time
}

// ---------------------------------------------------------------------------
// collector: mark, sweep and the trigger policy
// ---------------------------------------------------------------------------

type collector struct {
	heap *heap
	weak *WeakRegistry

	threshold    int
	minThreshold int

	// worklist is reused across cycles to avoid reallocating the mark stack.
	worklist []Ref

	// busy is set for the whole of collect, callbacks included.
	busy bool

	cycles         uint64
	totalCollected uint64
	lastStats      *CollectionStats
	observers      []func(*CollectionStats)
}

func newCollector(h *heap, weak *WeakRegistry, initialThreshold, minThreshold int) *collector {
	return &collector{
		heap:         h,
		weak:         weak,
		threshold:    initialThreshold,
		minThreshold: minThreshold,
	}
}

// shouldCollect is checked before every allocation. Thresholds are always
// set to 2*live, so this fires when the population has doubled; a zero
// threshold after a total wipe keeps firing until something survives.
func (c *collector) shouldCollect() bool {
	return c.heap.live >= c.threshold
}

// collect runs one full cycle over roots. It never allocates heap nodes.
func (c *collector) collect(roots []Ref, reason Reason) *CollectionStats {
	c.busy = true
	defer func() { c.busy = false }()

	start := time.Now()
	before := c.heap.live

	c.mark(roots)
	cleared := c.sweep()

	next := growthFactor * c.heap.live
	if next < c.minThreshold {
		next = c.minThreshold
	}
	c.threshold = next

	c.cycles++
	stats := &CollectionStats{
		Cycle:     c.cycles,
		Reason:    reason,
		Before:    before,
		Collected: before - c.heap.live,
		Remaining: c.heap.live,
		Threshold: c.threshold,
		WeakFreed: len(cleared),
		Duration:  time.Since(start),
		Timestamp: start,
	}
	c.totalCollected += uint64(stats.Collected)
	c.lastStats = stats

	log.Infof("collected %d objects, %d remaining (%s, next at %d)",
		stats.Collected, stats.Remaining, reason, stats.Threshold)

	// The cycle is complete before any callback runs.
	c.weak.finalize(cleared)
	for _, fn := range c.observers {
		fn(stats)
	}
	return stats
}

// mark flags every node reachable from roots. The worklist replaces
// recursion so that long pair chains cannot exhaust the goroutine stack.
// The mark bit is tested before children are pushed; it is the only thing
// that stops cycles and shared structure from being walked twice.
func (c *collector) mark(roots []Ref) {
	stack := c.worklist[:0]
	for _, root := range roots {
		stack = append(stack, root)
		for len(stack) > 0 {
			ref := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if ref.IsNil() {
				continue
			}

			n := &c.heap.slots[ref.index]
			if n.marked {
				continue
			}
			n.marked = true

			if n.kind == KindPair {
				// second first, so first is visited first
				stack = append(stack, n.second, n.first)
			}
		}
	}
	c.worklist = stack[:0]
}

// sweep frees every unmarked node and clears the mark on survivors. The
// cursor is the link that points at the current node: after a free it
// already points at the successor, so it must not advance.
func (c *collector) sweep() []*WeakReference {
	var cleared []*WeakReference

	slot := &c.heap.head
	for !slot.IsNil() {
		ref := *slot
		n := &c.heap.slots[ref.index]
		if !n.marked {
			c.heap.unlinkAndFree(slot, ref)
			cleared = c.weak.clearTarget(ref, cleared)
			continue
		}
		n.marked = false
		slot = &n.next
	}
	return cleared
}
