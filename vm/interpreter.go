package vm

import (
	"encoding/binary"
	"errors"
	"runtime"
	"strings"
)

// ---------------------------------------------------------------------------
// Interpreter: executes bytecode on a fiber
// ---------------------------------------------------------------------------

// signal tells the scheduler why execute stopped running a fiber.
type signal uint8

const (
	sigYield  signal = iota + 1 // fiber yielded value
	sigReturn                   // outermost frame returned value
	sigResume                   // fiber resumed target with value
	sigFail                     // fiber raised err
)

// Operand readers advance the frame's instruction pointer.

func readU8(code []byte, fr *Frame) int {
	v := int(code[fr.IP])
	fr.IP++
	return v
}

func readI8(code []byte, fr *Frame) int {
	v := int(int8(code[fr.IP]))
	fr.IP++
	return v
}

func readU16(code []byte, fr *Frame) int {
	v := int(binary.LittleEndian.Uint16(code[fr.IP:]))
	fr.IP += 2
	return v
}

func readI16(code []byte, fr *Frame) int {
	v := int(int16(binary.LittleEndian.Uint16(code[fr.IP:])))
	fr.IP += 2
	return v
}

// execute runs f until it yields, returns from its outermost frame,
// resumes another fiber or fails. Collection only happens here, between
// instructions, when every live value sits on a fiber stack.
func (vm *VM) execute(f *Fiber) (sig signal, value Value, target *Fiber, rerr *RuntimeError) {
	pc := -1
	defer func() {
		if r := recover(); r != nil {
			var msg string
			switch p := r.(type) {
			case vmFault:
				msg = p.msg
			case runtime.Error:
				msg = p.Error()
			default:
				panic(r)
			}
			err := newError(BytecodeError, "%s", msg)
			vm.attachTrace(f, pc, err)
			sig, value, target, rerr = sigFail, Unit, nil, err
		}
	}()

	code := vm.unit.Code
	h := vm.heap

	for {
		if h.shouldCollect() {
			vm.collect()
		}

		fr := f.frame()
		pc = fr.IP
		if pc < fr.Proto.Entry || pc >= fr.Proto.End() {
			fault("instruction pointer %d outside %s", pc, protoName(fr.Proto))
		}
		op := Opcode(code[pc])
		fr.IP++

		var err *RuntimeError

		switch op {
		// --- Stack operations ---
		case OpNOP:

		case OpPop:
			f.pop()

		case OpDup:
			f.push(f.top())

		case OpSwap:
			a := f.pop()
			b := f.pop()
			f.push(a)
			f.push(b)

		// --- Push constants ---
		case OpPushUnit:
			f.push(Unit)

		case OpPushTrue:
			f.push(True)

		case OpPushFalse:
			f.push(False)

		case OpPushInt8:
			f.push(FromInt(int64(readI8(code, fr))))

		case OpPushConst:
			f.push(vm.constant(readU16(code, fr)))

		// --- Variables ---
		case OpLoadLocal:
			slot := readU8(code, fr)
			v := vm.deref(f.local(slot))
			if v == Undefined {
				err = newError(LookupError, "local %d read before assignment", slot)
				break
			}
			f.push(v)

		case OpStoreLocal:
			slot := readU8(code, fr)
			vm.storeLocal(f, slot, f.pop())

		case OpLoadCapture:
			v := vm.deref(capture(fr, readU8(code, fr)))
			if v == Undefined {
				err = newError(LookupError, "captured variable read before assignment")
				break
			}
			f.push(v)

		case OpStoreCapture:
			index := readU8(code, fr)
			cell, ok := h.Cell(capture(fr, index))
			if !ok {
				fault("capture %d of %s is not a cell", index, protoName(fr.Proto))
			}
			cell.value = f.pop()

		case OpMakeCell:
			slot := readU8(code, fr)
			if raw := f.local(slot); raw.Kind() != KindCell {
				f.setLocal(slot, h.NewCell(raw))
			}

		// --- Arithmetic and comparison ---
		case OpAdd, OpSub, OpMul, OpDiv, OpRem:
			b := f.pop()
			a := f.pop()
			var result Value
			result, err = vm.binary(op, a, b)
			if err == nil {
				f.push(result)
			}

		case OpNeg:
			result, e := Neg(f.pop())
			if err = runtimeError(e); err == nil {
				f.push(result)
			}

		case OpNot:
			v := f.pop()
			if !v.IsBool() {
				err = newValueError(TypeError, v, "cannot negate %s", v.Kind())
				break
			}
			f.push(FromBool(!v.Bool()))

		case OpEq:
			b := f.pop()
			a := f.pop()
			f.push(FromBool(h.Equal(a, b)))

		case OpNe:
			b := f.pop()
			a := f.pop()
			f.push(FromBool(!h.Equal(a, b)))

		case OpLt, OpLe, OpGt, OpGe:
			b := f.pop()
			a := f.pop()
			var result bool
			result, err = vm.order(op, a, b)
			if err == nil {
				f.push(FromBool(result))
			}

		// --- Control flow ---
		case OpJump:
			offset := readI16(code, fr)
			fr.IP += offset

		case OpJumpIfFalse, OpJumpIfTrue:
			offset := readI16(code, fr)
			cond := f.pop()
			if !cond.IsBool() {
				err = newValueError(TypeError, cond, "condition must be bool, not %s", cond.Kind())
				break
			}
			if cond.Bool() == (op == OpJumpIfTrue) {
				fr.IP += offset
			}

		// --- Calls ---
		case OpClosure:
			index := readU16(code, fr)
			f.push(vm.makeClosure(f, fr, index))

		case OpCall:
			argc := readU8(code, fr)
			_, err = vm.call(f, argc, false)

		case OpTailCall:
			argc := readU8(code, fr)
			var native bool
			native, err = vm.call(f, argc, true)
			if err != nil || !native {
				break
			}
			// A native in tail position has already pushed its result.
			result := f.pop()
			if !f.popFrame() {
				return sigReturn, result, nil, nil
			}
			f.push(result)

		case OpReturn:
			result := f.pop()
			if !f.popFrame() {
				return sigReturn, result, nil, nil
			}
			f.push(result)

		// --- Heap objects ---
		case OpMakeTuple:
			n := readU8(code, fr)
			f.push(h.NewTuple(f.popN(n)))

		case OpMakeUnion:
			tag := vm.unit.Constants[readU16(code, fr)].Str
			f.push(h.NewUnion(tag, f.pop()))

		case OpMakeRecord:
			names := vm.unit.Constants[readU16(code, fr)].Names
			values := f.popN(len(names))
			fields := make([]Field, len(names))
			for i, name := range names {
				fields[i] = Field{Name: name, Value: values[i]}
			}
			record, e := h.NewRecord(fields)
			if err = runtimeError(e); err == nil {
				f.push(record)
			}

		case OpTupleGet:
			index := readU8(code, fr)
			v := f.pop()
			t, ok := h.Tuple(v)
			if !ok {
				err = newValueError(TypeError, v, "cannot index %s", v.Kind())
				break
			}
			item, e := t.Get(index)
			if err = runtimeError(e); err == nil {
				f.push(item)
			}

		case OpRecordGet:
			name := vm.unit.Constants[readU16(code, fr)].Str
			v := f.pop()
			r, ok := h.Record(v)
			if !ok {
				err = newValueError(TypeError, v, "cannot read field %q of %s", name, v.Kind())
				break
			}
			field, e := r.Get(name)
			if err = runtimeError(e); err == nil {
				f.push(field)
			}

		case OpUnwrap:
			v := f.pop()
			u, ok := h.Union(v)
			if !ok {
				err = newValueError(TypeError, v, "cannot unwrap %s", v.Kind())
				break
			}
			f.push(u.payload)

		// --- Fibers ---
		case OpSpawn:
			v := f.pop()
			if v.Kind() != KindClosure {
				err = newValueError(TypeError, v, "cannot spawn a fiber from %s", v.Kind())
				break
			}
			f.push(vm.newFiber(v).self)

		case OpResume:
			arg := f.pop()
			v := f.pop()
			next, ok := h.Fiber(v)
			if !ok {
				err = newValueError(TypeError, v, "cannot resume %s", v.Kind())
				break
			}
			if !next.status.Resumable() {
				err = newValueError(InvalidFiberState, v, "cannot resume %s fiber #%d", next.status, next.id)
				break
			}
			return sigResume, arg, next, nil

		case OpYield:
			return sigYield, f.pop(), nil, nil

		// --- Patterns ---
		case OpMatch:
			pattern := vm.unit.Constants[readU16(code, fr)].Pattern
			offset := readI16(code, fr)
			if !vm.bind(f, pattern, f.top()) {
				fr.IP += offset
			}

		case OpMatchFail:
			v := f.pop()
			err = newValueError(MatchError, v, "no pattern matched %s", vm.inspect(v, true, 0))

		case OpDestructure:
			pattern := vm.unit.Constants[readU16(code, fr)].Pattern
			v := f.pop()
			if !vm.bind(f, pattern, v) {
				err = newValueError(MatchError, v, "%s does not match %s", vm.inspect(v, true, 0), pattern)
			}

		default:
			fault("unknown opcode 0x%02X at %d", byte(op), pc)
		}

		if err != nil {
			vm.attachTrace(f, pc, err)
			return sigFail, Unit, nil, err
		}
	}
}

// ---------------------------------------------------------------------------
// Instruction helpers
// ---------------------------------------------------------------------------

func protoName(p *Prototype) string {
	if p.Name == "" {
		return "<anonymous>"
	}
	return p.Name
}

func (vm *VM) constant(index int) Value {
	if index >= len(vm.consts) {
		fault("constant %d out of range", index)
	}
	return vm.consts[index]
}

func capture(fr *Frame, index int) Value {
	if index >= len(fr.env.env) {
		fault("capture %d outside environment of %d", index, len(fr.env.env))
	}
	return fr.env.env[index]
}

// deref reads through a cell.
func (vm *VM) deref(raw Value) Value {
	if cell, ok := vm.heap.Cell(raw); ok {
		return cell.value
	}
	return raw
}

// storeLocal writes a local, through its cell when it was captured.
func (vm *VM) storeLocal(f *Fiber, slot int, v Value) {
	if cell, ok := vm.heap.Cell(f.local(slot)); ok {
		cell.value = v
		return
	}
	f.setLocal(slot, v)
}

func (vm *VM) binary(op Opcode, a, b Value) (Value, *RuntimeError) {
	var result Value
	var err error
	switch op {
	case OpAdd:
		if a.Kind() == KindString && b.Kind() == KindString {
			x, _ := vm.heap.String(a)
			y, _ := vm.heap.String(b)
			return vm.heap.NewString(x.s + y.s), nil
		}
		result, err = Add(a, b)
	case OpSub:
		result, err = Sub(a, b)
	case OpMul:
		result, err = Mul(a, b)
	case OpDiv:
		result, err = Div(a, b)
	default:
		result, err = Rem(a, b)
	}
	if err != nil {
		return Unit, runtimeError(err)
	}
	return result, nil
}

// order implements LT, LE, GT and GE for numbers and strings.
func (vm *VM) order(op Opcode, a, b Value) (bool, *RuntimeError) {
	var cmp int
	if a.Kind() == KindString && b.Kind() == KindString {
		x, _ := vm.heap.String(a)
		y, _ := vm.heap.String(b)
		cmp = strings.Compare(x.s, y.s)
	} else {
		c, ordered, err := CompareNumbers(a, b)
		if err != nil {
			return false, runtimeError(err)
		}
		if !ordered {
			return false, nil
		}
		cmp = c
	}
	switch op {
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	default:
		return cmp >= 0, nil
	}
}

// makeClosure builds a closure over the prototype at constant index,
// copying raw slots so captured cells are shared, not duplicated.
func (vm *VM) makeClosure(f *Fiber, fr *Frame, index int) Value {
	proto := vm.unit.Constants[index].Proto
	env := make([]Value, len(proto.Captures))
	for i, spec := range proto.Captures {
		if spec.FromLocal {
			env[i] = f.local(spec.Index)
		} else {
			env[i] = capture(fr, spec.Index)
		}
	}
	return vm.heap.NewClosure(index, proto, env)
}

// call invokes the callee sitting below argc arguments. Closures get a new
// frame (or reuse the current one when tail is set); natives run to
// completion and leave their result on the stack, which native reports.
func (vm *VM) call(f *Fiber, argc int, tail bool) (native bool, err *RuntimeError) {
	calleeAt := f.sp - argc - 1
	if calleeAt < f.floor() {
		fault("stack underflow: call with %d arguments", argc)
	}
	callee := f.stack[calleeAt]

	switch callee.Kind() {
	case KindClosure:
		c, _ := vm.heap.Closure(callee)
		if c.Arity() != argc {
			return false, newValueError(ArityError, callee, "%s expects %d arguments, got %d",
				protoName(c.proto), c.Arity(), argc)
		}
		if tail {
			f.replaceFrame(callee, c, argc)
			return false, nil
		}
		if len(f.frames) >= vm.config.MaxFrameDepth {
			return false, newError(StackOverflow, "call depth exceeded %d frames", vm.config.MaxFrameDepth)
		}
		f.pushFrame(callee, c, argc)
		return false, nil

	case KindNative:
		n, _ := vm.heap.Native(callee)
		fn := n.native
		if fn.Arity >= 0 && fn.Arity != argc {
			return true, newValueError(ArityError, callee, "%s expects %d arguments, got %d",
				fn.Name, fn.Arity, argc)
		}
		args := make([]Value, argc)
		copy(args, f.popN(argc))
		f.pop()
		result, callErr := fn.Fn(vm, args)
		if callErr != nil {
			return true, nativeError(fn, callErr)
		}
		f.push(result)
		return true, nil
	}
	return false, newValueError(TypeError, callee, "%s is not callable", callee.Kind())
}

// runtimeError narrows an error from a value operation. Those only ever
// return *RuntimeError.
func runtimeError(err error) *RuntimeError {
	if err == nil {
		return nil
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return newError(BytecodeError, "%v", err)
}

// nativeError keeps runtime errors raised by natives and wraps anything
// else as a HostError.
func nativeError(fn *Native, err error) *RuntimeError {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	var kind ErrorKind
	if errors.As(err, &kind) {
		return newError(kind, "%s: %s", fn.Name, kind)
	}
	return newError(HostError, "%s: %v", fn.Name, err)
}

// bind matches v against pattern and, on success, stores every binder
// into its local slot.
func (vm *VM) bind(f *Fiber, pattern *Pattern, v Value) bool {
	var scratch []binding
	if !matchInto(vm.heap, pattern, v, &scratch) {
		return false
	}
	for _, b := range scratch {
		vm.storeLocal(f, b.binder.Slot, b.value)
	}
	return true
}

// attachTrace records where err was raised: the failing instruction for
// the top frame, the call instruction for every caller.
func (vm *VM) attachTrace(f *Fiber, pc int, err *RuntimeError) {
	if len(err.Trace) > 0 {
		return
	}
	for i := len(f.frames) - 1; i >= 0; i-- {
		fr := &f.frames[i]
		offset := fr.IP - 1
		if i == len(f.frames)-1 && pc >= 0 {
			offset = pc
		}
		loc := Location{Function: protoName(fr.Proto), Offset: offset}
		if src, ok := vm.unit.Locate(offset); ok {
			loc.Line, loc.Column = src.Line, src.Column
		}
		err.Trace = append(err.Trace, loc)
	}
}
