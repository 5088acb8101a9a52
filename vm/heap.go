package vm

import (
	"github.com/tliron/commonlog"
)

var heapLog = commonlog.GetLogger("passer.vm.heap")

// ---------------------------------------------------------------------------
// Heap: handle table for every heap-allocated value
// ---------------------------------------------------------------------------

// HeapObject is implemented by every heap-allocated variant.
type HeapObject interface {
	Kind() Kind

	// trace reports every Value the object references.
	trace(mark func(Value))
}

type heapSlot struct {
	obj    HeapObject
	marked bool
}

// Heap owns every heap object of a VM. Values carry a handle into the
// table rather than a Go pointer, so the Go collector always sees objects
// through the table and the NaN-tagged word stays a plain integer.
//
// The heap is not safe for concurrent use; a VM has exactly one mutator.
type Heap struct {
	slots []heapSlot
	free  []Handle
	live  int

	pins map[Handle]int

	// Automatic collection threshold (allocations between collections).
	// Zero disables automatic collection.
	threshold     int
	allocsSinceGC int
}

// NewHeap creates an empty heap. Handle 0 is never handed out.
func NewHeap() *Heap {
	return &Heap{
		slots: make([]heapSlot, 1, 64),
		pins:  make(map[Handle]int),
	}
}

// Alloc stores obj and returns a reference to it.
func (h *Heap) Alloc(obj HeapObject) Value {
	var handle Handle
	if n := len(h.free); n > 0 {
		handle = h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[handle] = heapSlot{obj: obj}
	} else {
		handle = Handle(len(h.slots))
		h.slots = append(h.slots, heapSlot{obj: obj})
	}
	h.live++
	h.allocsSinceGC++
	return FromHandle(obj.Kind(), handle)
}

// Get returns the object v references.
// Panics if v is not a heap reference or the handle is dead.
func (h *Heap) Get(v Value) HeapObject {
	handle := v.Handle()
	if int(handle) >= len(h.slots) || h.slots[handle].obj == nil {
		panic(vmFault{msg: "dangling heap reference " + v.String()})
	}
	obj := h.slots[handle].obj
	if obj.Kind() != v.Kind() {
		panic(vmFault{msg: "heap reference " + v.String() + " points at a " + obj.Kind().String()})
	}
	return obj
}

// Live returns the number of live heap objects.
func (h *Heap) Live() int {
	return h.live
}

// Pin keeps v alive across collections until a matching Unpin.
// Non-heap values are ignored.
func (h *Heap) Pin(v Value) {
	if v.IsHeap() {
		h.pins[v.Handle()]++
	}
}

// Unpin releases one Pin of v.
func (h *Heap) Unpin(v Value) {
	if !v.IsHeap() {
		return
	}
	handle := v.Handle()
	if n := h.pins[handle]; n > 1 {
		h.pins[handle] = n - 1
	} else {
		delete(h.pins, handle)
	}
}

// SetThreshold configures automatic collection. Zero disables it.
func (h *Heap) SetThreshold(n int) {
	h.threshold = n
}

// shouldCollect reports whether the allocation threshold was reached.
func (h *Heap) shouldCollect() bool {
	return h.threshold > 0 && h.allocsSinceGC >= h.threshold
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewString allocates an immutable string.
func (h *Heap) NewString(s string) Value {
	return h.Alloc(&StringObject{s: s})
}

// NewTuple allocates a tuple holding a copy of items.
func (h *Heap) NewTuple(items []Value) Value {
	owned := make([]Value, len(items))
	copy(owned, items)
	return h.Alloc(&TupleObject{items: owned})
}

// NewUnion allocates a union alternative.
func (h *Heap) NewUnion(tag string, payload Value) Value {
	return h.Alloc(&UnionObject{tag: tag, payload: payload})
}

// NewRecord allocates a record. Field order is preserved; a duplicate
// field name is a LookupError.
func (h *Heap) NewRecord(fields []Field) (Value, error) {
	r := &RecordObject{
		names:  make([]string, len(fields)),
		values: make([]Value, len(fields)),
	}
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if _, dup := seen[f.Name]; dup {
			return Unit, newError(LookupError, "duplicate record field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		r.names[i] = f.Name
		r.values[i] = f.Value
	}
	return h.Alloc(r), nil
}

// NewClosure allocates a closure over the prototype at protoIndex in the
// constant pool. env holds captured values and cell references.
func (h *Heap) NewClosure(protoIndex int, proto *Prototype, env []Value) Value {
	owned := make([]Value, len(env))
	copy(owned, env)
	return h.Alloc(&ClosureObject{protoIndex: protoIndex, proto: proto, env: owned})
}

// NewCell allocates a mutable cell holding v.
func (h *Heap) NewCell(v Value) Value {
	return h.Alloc(&CellObject{value: v})
}

// NewNative allocates a reference to a host function.
func (h *Heap) NewNative(n *Native) Value {
	return h.Alloc(&NativeObject{native: n})
}

// ---------------------------------------------------------------------------
// Typed access
// ---------------------------------------------------------------------------

// String returns the string object v references.
func (h *Heap) String(v Value) (*StringObject, bool) {
	if v.Kind() != KindString {
		return nil, false
	}
	return h.Get(v).(*StringObject), true
}

// Tuple returns the tuple object v references.
func (h *Heap) Tuple(v Value) (*TupleObject, bool) {
	if v.Kind() != KindTuple {
		return nil, false
	}
	return h.Get(v).(*TupleObject), true
}

// Union returns the union object v references.
func (h *Heap) Union(v Value) (*UnionObject, bool) {
	if v.Kind() != KindUnion {
		return nil, false
	}
	return h.Get(v).(*UnionObject), true
}

// Record returns the record object v references.
func (h *Heap) Record(v Value) (*RecordObject, bool) {
	if v.Kind() != KindRecord {
		return nil, false
	}
	return h.Get(v).(*RecordObject), true
}

// Closure returns the closure object v references.
func (h *Heap) Closure(v Value) (*ClosureObject, bool) {
	if v.Kind() != KindClosure {
		return nil, false
	}
	return h.Get(v).(*ClosureObject), true
}

// Cell returns the cell object v references.
func (h *Heap) Cell(v Value) (*CellObject, bool) {
	if v.Kind() != KindCell {
		return nil, false
	}
	return h.Get(v).(*CellObject), true
}

// Fiber returns the fiber v references.
func (h *Heap) Fiber(v Value) (*Fiber, bool) {
	if v.Kind() != KindFiber {
		return nil, false
	}
	return h.Get(v).(*Fiber), true
}

// Native returns the native function v references.
func (h *Heap) Native(v Value) (*NativeObject, bool) {
	if v.Kind() != KindNative {
		return nil, false
	}
	return h.Get(v).(*NativeObject), true
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equal compares two values. Numbers compare by value (an integer equals
// the float it promotes to, NaN equals nothing); strings, tuples, unions
// and records compare structurally; closures, cells, fibers and natives
// compare by identity.
func (h *Heap) Equal(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		cmp, ordered, _ := CompareNumbers(a, b)
		return ordered && cmp == 0
	}
	if a == b {
		return true
	}
	ka, kb := a.Kind(), b.Kind()
	if ka != kb {
		return false
	}
	switch ka {
	case KindString:
		x, _ := h.String(a)
		y, _ := h.String(b)
		return x.s == y.s
	case KindTuple:
		x, _ := h.Tuple(a)
		y, _ := h.Tuple(b)
		if len(x.items) != len(y.items) {
			return false
		}
		for i := range x.items {
			if !h.Equal(x.items[i], y.items[i]) {
				return false
			}
		}
		return true
	case KindUnion:
		x, _ := h.Union(a)
		y, _ := h.Union(b)
		return x.tag == y.tag && h.Equal(x.payload, y.payload)
	case KindRecord:
		x, _ := h.Record(a)
		y, _ := h.Record(b)
		if len(x.names) != len(y.names) {
			return false
		}
		for i, name := range x.names {
			other, ok := y.index(name)
			if !ok || !h.Equal(x.values[i], y.values[other]) {
				return false
			}
		}
		return true
	}
	return false
}
