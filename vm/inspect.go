package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxInspectDepth bounds how deep Inspect descends into nested values.
// Cells make cyclic structures possible.
const MaxInspectDepth = 32

// Inspect renders v for diagnostics and printing. Strings render raw at
// the top level and quoted when nested; compound values render their
// structure recursively.
func (vm *VM) Inspect(v Value) string {
	return vm.inspect(v, false, 0)
}

func (vm *VM) inspect(v Value, nested bool, depth int) string {
	if depth > MaxInspectDepth {
		return "..."
	}
	h := vm.heap

	switch v.Kind() {
	case KindString:
		s, _ := h.String(v)
		if nested {
			return strconv.Quote(s.s)
		}
		return s.s

	case KindTuple:
		t, _ := h.Tuple(v)
		parts := make([]string, len(t.items))
		for i, item := range t.items {
			parts[i] = vm.inspect(item, true, depth+1)
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"

	case KindUnion:
		u, _ := h.Union(v)
		if u.payload.IsUnit() {
			return u.tag
		}
		payload := vm.inspect(u.payload, true, depth+1)
		if k := u.payload.Kind(); k == KindUnion {
			payload = "(" + payload + ")"
		}
		return u.tag + " " + payload

	case KindRecord:
		r, _ := h.Record(v)
		parts := make([]string, len(r.names))
		for i, name := range r.names {
			parts[i] = name + ": " + vm.inspect(r.values[i], true, depth+1)
		}
		return "{" + strings.Join(parts, ", ") + "}"

	case KindClosure:
		c, _ := h.Closure(v)
		return fmt.Sprintf("<closure %s/%d>", protoName(c.proto), c.Arity())

	case KindCell:
		c, _ := h.Cell(v)
		return "<cell " + vm.inspect(c.value, true, depth+1) + ">"

	case KindFiber:
		f, _ := h.Fiber(v)
		return f.String()

	case KindNative:
		n, _ := h.Native(v)
		return fmt.Sprintf("<native %s/%d>", n.native.Name, n.native.Arity)
	}

	// Immediates need no heap.
	return v.String()
}
