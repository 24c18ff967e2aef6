package vm

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// ImageVersion is the current heap image format version.
const ImageVersion = 1

// cborEncMode uses canonical encoding so identical heaps produce identical
// bytes. cborDecMode lifts the default array cap so any image MarshalImage
// writes can be read back.
var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{MaxArrayElements: math.MaxInt32}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Image is a serializable copy of a VM's heap and operand stack. Node IDs
// are 1-based positions in Nodes, listed in registry order (newest first).
type Image struct {
	Version   int         `cbor:"1,keyasint"`
	Threshold int         `cbor:"2,keyasint"`
	Roots     []uint32    `cbor:"3,keyasint,omitempty"` // bottom of stack first
	Nodes     []ImageNode `cbor:"4,keyasint,omitempty"`
}

// ImageNode is one heap node. First and Second are node IDs and only set
// for pairs.
type ImageNode struct {
	Kind   Kind   `cbor:"1,keyasint"`
	Value  int64  `cbor:"2,keyasint,omitempty"`
	First  uint32 `cbor:"3,keyasint,omitempty"`
	Second uint32 `cbor:"4,keyasint,omitempty"`
}

// Image captures the VM's heap, roots and threshold. Mark bits are not
// part of the image.
func (vm *VM) Image() (*Image, error) {
	if vm.closed {
		return nil, ErrShutdown
	}

	ids := make(map[uint32]uint32, vm.heap.live)
	img := &Image{
		Version:   ImageVersion,
		Threshold: vm.gc.threshold,
		Nodes:     make([]ImageNode, 0, vm.heap.live),
	}
	vm.heap.forEach(func(ref Ref, n *node) {
		img.Nodes = append(img.Nodes, ImageNode{Kind: n.kind, Value: n.value})
		ids[ref.index] = uint32(len(img.Nodes))
	})

	i := 0
	vm.heap.forEach(func(ref Ref, n *node) {
		if n.kind == KindPair {
			img.Nodes[i].First = ids[n.first.index]
			img.Nodes[i].Second = ids[n.second.index]
		}
		i++
	})

	for _, ref := range vm.roots {
		img.Roots = append(img.Roots, ids[ref.index])
	}
	return img, nil
}

// RestoreVM builds a VM from img. The rebuild bypasses the collection
// trigger, since nodes are unrooted until the stack is restored; the
// image's threshold is then reinstated. Registry order is preserved.
func RestoreVM(img *Image, cfg Config) (*VM, error) {
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorruptImage, img.Version, ImageVersion)
	}

	vm := NewVM(cfg)
	if len(img.Roots) > vm.cfg.RootCapacity {
		return nil, fmt.Errorf("%w: %d roots exceed capacity %d", ErrCorruptImage, len(img.Roots), vm.cfg.RootCapacity)
	}
	if img.Threshold < 0 {
		return nil, fmt.Errorf("%w: negative threshold %d", ErrCorruptImage, img.Threshold)
	}

	refs := make([]Ref, len(img.Nodes)+1)
	resolve := func(id uint32) (Ref, bool) {
		if id == 0 || int(id) >= len(refs) {
			return Nil, false
		}
		return refs[id], true
	}

	// Registering in reverse keeps the image's newest-first order.
	for i := len(img.Nodes) - 1; i >= 0; i-- {
		in := img.Nodes[i]
		if in.Kind != KindScalar && in.Kind != KindPair {
			return nil, fmt.Errorf("%w: node %d has kind %v", ErrCorruptImage, i+1, in.Kind)
		}
		ref := vm.heap.alloc(in.Kind)
		vm.heap.register(ref)
		vm.heap.slots[ref.index].value = in.Value
		refs[i+1] = ref
	}

	for i, in := range img.Nodes {
		if in.Kind != KindPair {
			continue
		}
		first, ok1 := resolve(in.First)
		second, ok2 := resolve(in.Second)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: pair %d has children %d, %d", ErrCorruptImage, i+1, in.First, in.Second)
		}
		n := &vm.heap.slots[refs[i+1].index]
		n.first = first
		n.second = second
	}

	for _, id := range img.Roots {
		ref, ok := resolve(id)
		if !ok {
			return nil, fmt.Errorf("%w: root names node %d", ErrCorruptImage, id)
		}
		vm.roots = append(vm.roots, ref)
	}

	vm.gc.threshold = img.Threshold
	return vm, nil
}

// MarshalImage serializes an Image to CBOR bytes.
func MarshalImage(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// UnmarshalImage deserializes an Image from CBOR bytes.
func UnmarshalImage(data []byte) (*Image, error) {
	var img Image
	if err := cborDecMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("vm: unmarshal image: %w", err)
	}
	return &img, nil
}
