package vm

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

// Frame is one active function invocation on a fiber.
//
// The callee sits at stack[BP-1] and the local window is
// stack[BP : BP+Proto.Locals], parameters first. Operands live above the
// window.
type Frame struct {
	Closure Value      // the closure being executed
	Proto   *Prototype // its code
	IP      int        // next instruction; the return address for non-top frames
	BP      int        // base pointer (first local slot)

	env *ClosureObject
}

// operandBase is the lowest stack index the frame's operand stack may pop to.
func (fr *Frame) operandBase() int {
	return fr.BP + fr.Proto.Locals
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (f *Fiber) push(v Value) {
	if f.sp >= len(f.stack) {
		// Grow the stack dynamically instead of panicking
		grown := make([]Value, len(f.stack)*2+8)
		copy(grown, f.stack)
		f.stack = grown
	}
	f.stack[f.sp] = v
	f.sp++
}

// floor is the lowest depth the current frame may pop to.
func (f *Fiber) floor() int {
	if n := len(f.frames); n > 0 {
		return f.frames[n-1].operandBase()
	}
	return 0
}

func (f *Fiber) pop() Value {
	if f.sp <= f.floor() {
		fault("stack underflow")
	}
	f.sp--
	v := f.stack[f.sp]
	f.stack[f.sp] = Unit
	return v
}

func (f *Fiber) top() Value {
	if f.sp <= f.floor() {
		fault("stack underflow")
	}
	return f.stack[f.sp-1]
}

// popN pops n values and returns them in push order. The returned slice
// aliases the stack and is only valid until the next push.
func (f *Fiber) popN(n int) []Value {
	if f.sp-n < f.floor() {
		fault("stack underflow: need %d values, have %d", n, f.sp-f.floor())
	}
	f.sp -= n
	return f.stack[f.sp : f.sp+n]
}

// truncate drops everything at or above depth.
func (f *Fiber) truncate(depth int) {
	for i := depth; i < f.sp; i++ {
		f.stack[i] = Unit
	}
	f.sp = depth
}

// Depth returns the number of values on the fiber's stack.
func (f *Fiber) Depth() int {
	return f.sp
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

func (f *Fiber) frame() *Frame {
	return &f.frames[len(f.frames)-1]
}

// FrameDepth returns the number of active frames.
func (f *Fiber) FrameDepth() int {
	return len(f.frames)
}

// pushFrame enters closure with its argc arguments already on the stack
// above the callee. The caller has checked arity and depth.
func (f *Fiber) pushFrame(callee Value, c *ClosureObject, argc int) {
	proto := c.proto
	bp := f.sp - argc
	for i := argc; i < proto.Locals; i++ {
		f.push(Undefined)
	}
	f.frames = append(f.frames, Frame{
		Closure: callee,
		Proto:   proto,
		IP:      proto.Entry,
		BP:      bp,
		env:     c,
	})
}

// replaceFrame reuses the current frame for a tail call: the callee and
// its arguments are moved down to the current frame's callee slot.
func (f *Fiber) replaceFrame(callee Value, c *ClosureObject, argc int) {
	fr := f.frame()
	base := fr.BP - 1
	src := f.sp - argc - 1
	copy(f.stack[base:], f.stack[src:f.sp])
	f.truncate(base + argc + 1)

	proto := c.proto
	fr.Closure = callee
	fr.Proto = proto
	fr.IP = proto.Entry
	fr.env = c
	for i := argc; i < proto.Locals; i++ {
		f.push(Undefined)
	}
}

// popFrame leaves the current frame, dropping its callee slot and window.
// It reports whether a caller frame remains.
func (f *Fiber) popFrame() bool {
	fr := f.frame()
	f.truncate(fr.BP - 1)
	f.frames = f.frames[:len(f.frames)-1]
	return len(f.frames) > 0
}

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

// local returns the raw slot, which may hold a cell.
func (f *Fiber) local(index int) Value {
	fr := f.frame()
	if index >= fr.Proto.Locals {
		fault("local %d outside frame of %d locals", index, fr.Proto.Locals)
	}
	return f.stack[fr.BP+index]
}

func (f *Fiber) setLocal(index int, v Value) {
	fr := f.frame()
	if index >= fr.Proto.Locals {
		fault("local %d outside frame of %d locals", index, fr.Proto.Locals)
	}
	f.stack[fr.BP+index] = v
}
