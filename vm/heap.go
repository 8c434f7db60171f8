package vm

import "errors"

// ---------------------------------------------------------------------------
// Heap: Slab of collector-owned objects
// ---------------------------------------------------------------------------

// ErrHeapExhausted is returned when the configured object limit is reached.
var ErrHeapExhausted = errors.New("insufficient memory")

// heap owns every collectable object. Values refer to objects by slot index
// and generation; a slot's generation is bumped when its object is freed, so
// stale Values dereference to nil instead of to a newer object.
type heap struct {
	slots []*Object
	gens  []uint16
	free  []uint32
	live  int
	max   int // 0 means unlimited
}

func newHeap(max int) *heap {
	return &heap{
		slots: make([]*Object, 0, 256),
		gens:  make([]uint16, 0, 256),
		max:   max,
	}
}

func (h *heap) alloc(kind Type) (*Object, error) {
	if h.max > 0 && h.live >= h.max {
		return nil, ErrHeapExhausted
	}
	var slot uint32
	if n := len(h.free); n > 0 {
		slot = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		if uint64(len(h.slots)) >= 1<<32-1 {
			return nil, ErrHeapExhausted
		}
		slot = uint32(len(h.slots))
		h.slots = append(h.slots, nil)
		h.gens = append(h.gens, 0)
	}
	o := &Object{
		kind:   kind,
		slot:   slot,
		gen:    h.gens[slot],
		parent: Undefined,
	}
	h.slots[slot] = o
	h.live++
	return o, nil
}

func (h *heap) deref(v Value) *Object {
	slot, gen := v.handle()
	if int(slot) >= len(h.slots) {
		return nil
	}
	o := h.slots[slot]
	if o == nil || h.gens[slot] != gen {
		return nil
	}
	return o
}

func (h *heap) release(o *Object) {
	h.slots[o.slot] = nil
	h.gens[o.slot]++
	h.free = append(h.free, o.slot)
	h.live--
	o.members = nil
	o.index = nil
	o.elems = nil
	o.bytes = nil
	o.code = nil
}

// Live returns the number of allocated objects.
func (h *heap) Live() int { return h.live }
