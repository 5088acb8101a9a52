package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// UnitBuilder: assembles a compiled unit
// ---------------------------------------------------------------------------

// UnitBuilder assembles functions into one CompiledUnit. Scalar constants are
// deduplicated; each function's prototype takes a constant slot as soon as
// the function is started, so bodies can create closures over functions
// that are still being built.
type UnitBuilder struct {
	name      string
	constants []Constant
	index     map[any]int
	code      []byte
	lines     []SourceLoc
	pending   int
}

// NewUnitBuilder creates a builder for a unit called name.
func NewUnitBuilder(name string) *UnitBuilder {
	return &UnitBuilder{
		name:  name,
		index: make(map[any]int),
	}
}

type nativeKey string

// Constant adds c to the pool and returns its index. Unit, bool, int,
// float, string and native constants are shared.
func (b *UnitBuilder) Constant(c Constant) uint16 {
	var key any
	switch c.Kind {
	case ConstUnit:
		key = struct{}{}
	case ConstBool:
		key = c.Bool
	case ConstInt:
		key = c.Int
	case ConstFloat:
		key = math.Float64bits(c.Float)
	case ConstString:
		key = c.Str
	case ConstNative:
		key = nativeKey(c.Str)
	}
	if key != nil {
		if i, ok := b.index[key]; ok {
			return uint16(i)
		}
	}
	if len(b.constants) > math.MaxUint16 {
		panic("constant pool overflow")
	}
	i := len(b.constants)
	b.constants = append(b.constants, c)
	if key != nil {
		b.index[key] = i
	}
	return uint16(i)
}

// Function starts a function with the given name and parameter count.
// Parameters occupy the first local slots.
func (b *UnitBuilder) Function(name string, arity int) *FunctionBuilder {
	proto := &Prototype{Name: name, Arity: arity, Locals: arity}
	b.pending++
	return &FunctionBuilder{
		BytecodeBuilder: NewBytecodeBuilder(),
		unit:            b,
		proto:           proto,
		index:           b.Constant(ProtoConst(proto)),
	}
}

// Build returns the unit with main as its entry. Every function must have
// been finished.
func (b *UnitBuilder) Build(main *FunctionBuilder) (*CompiledUnit, error) {
	if b.pending > 0 {
		return nil, fmt.Errorf("build %s: %d functions not finished", b.name, b.pending)
	}
	if main.unit != b {
		return nil, fmt.Errorf("build %s: main belongs to another unit", b.name)
	}
	return &CompiledUnit{
		Name:      b.name,
		Constants: b.constants,
		Code:      b.code,
		Lines:     b.lines,
		Main:      int(main.index),
	}, nil
}

// ---------------------------------------------------------------------------
// FunctionBuilder
// ---------------------------------------------------------------------------

// FunctionBuilder emits the body of one function.
type FunctionBuilder struct {
	*BytecodeBuilder

	unit     *UnitBuilder
	proto    *Prototype
	index    uint16
	lines    []SourceLoc // offsets relative to the function
	finished bool
}

// Index returns the constant index of the function's prototype, the
// operand of CLOSURE.
func (f *FunctionBuilder) Index() uint16 { return f.index }

// Proto returns the prototype being built.
func (f *FunctionBuilder) Proto() *Prototype { return f.proto }

// Local allocates a new local slot.
func (f *FunctionBuilder) Local() byte {
	slot := f.proto.Locals
	if slot > math.MaxUint8 {
		panic("too many locals")
	}
	f.proto.Locals++
	return byte(slot)
}

// CaptureLocal adds an environment entry copied from local slot of the
// defining function and returns its capture index.
func (f *FunctionBuilder) CaptureLocal(slot byte) byte {
	f.proto.Captures = append(f.proto.Captures, CaptureSpec{FromLocal: true, Index: int(slot)})
	return byte(len(f.proto.Captures) - 1)
}

// CaptureOuter adds an environment entry copied from capture index of the
// defining closure and returns its capture index.
func (f *FunctionBuilder) CaptureOuter(index byte) byte {
	f.proto.Captures = append(f.proto.Captures, CaptureSpec{Index: int(index)})
	return byte(len(f.proto.Captures) - 1)
}

// Line records that the next instruction comes from line:column.
func (f *FunctionBuilder) Line(line, column int) {
	f.lines = append(f.lines, SourceLoc{Offset: f.Len(), Line: line, Column: column})
}

// Const adds c to the unit's pool.
func (f *FunctionBuilder) Const(c Constant) uint16 {
	return f.unit.Constant(c)
}

// PushInt emits the shortest push for n.
func (f *FunctionBuilder) PushInt(n int64) {
	if n >= math.MinInt8 && n <= math.MaxInt8 {
		f.EmitInt8(OpPushInt8, int8(n))
		return
	}
	f.EmitUint16(OpPushConst, f.Const(IntConst(n)))
}

// PushFloat emits a push of a float constant.
func (f *FunctionBuilder) PushFloat(x float64) {
	f.EmitUint16(OpPushConst, f.Const(FloatConst(x)))
}

// PushString emits a push of a string constant.
func (f *FunctionBuilder) PushString(s string) {
	f.EmitUint16(OpPushConst, f.Const(StringConst(s)))
}

// PushNative emits a push of a registered host function.
func (f *FunctionBuilder) PushNative(name string) {
	f.EmitUint16(OpPushConst, f.Const(NativeConst(name)))
}

// Closure emits CLOSURE for a nested function.
func (f *FunctionBuilder) Closure(fn *FunctionBuilder) {
	f.EmitUint16(OpClosure, fn.index)
}

// MakeUnion emits MAKE_UNION with tag.
func (f *FunctionBuilder) MakeUnion(tag string) {
	f.EmitUint16(OpMakeUnion, f.Const(StringConst(tag)))
}

// MakeRecord emits MAKE_RECORD for fields, whose values are on the stack
// in the same order.
func (f *FunctionBuilder) MakeRecord(fields ...string) {
	f.EmitUint16(OpMakeRecord, f.Const(NamesConst(fields...)))
}

// RecordGet emits RECORD_GET of field.
func (f *FunctionBuilder) RecordGet(field string) {
	f.EmitUint16(OpRecordGet, f.Const(StringConst(field)))
}

// Match emits MATCH, jumping to fail when p does not match.
func (f *FunctionBuilder) Match(p *Pattern, fail *Label) {
	f.EmitMatch(f.Const(PatternConst(p)), fail)
}

// Destructure emits DESTRUCTURE with p.
func (f *FunctionBuilder) Destructure(p *Pattern) {
	f.EmitUint16(OpDestructure, f.Const(PatternConst(p)))
}

// Finish appends the body to the unit's code and fixes the prototype's
// position.
func (f *FunctionBuilder) Finish() {
	if f.finished {
		panic("function already finished")
	}
	f.finished = true
	u := f.unit
	u.pending--

	entry := len(u.code)
	u.code = append(u.code, f.Bytes()...)
	f.proto.Entry = entry
	f.proto.Length = f.Len()
	for _, loc := range f.lines {
		loc.Offset += entry
		u.lines = append(u.lines, loc)
	}
}
