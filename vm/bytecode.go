package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
//
// Operands follow the opcode byte, little-endian. Jump offsets are signed
// 16-bit values relative to the end of the instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP  Opcode = 0x00 // no operation
	OpPop  Opcode = 0x01 // discard top of stack
	OpDup  Opcode = 0x02 // duplicate top of stack
	OpSwap Opcode = 0x03 // swap the two topmost values
)

// Push Constants
const (
	OpPushUnit  Opcode = 0x10 // push ()
	OpPushTrue  Opcode = 0x11 // push true
	OpPushFalse Opcode = 0x12 // push false
	OpPushInt8  Opcode = 0x13 // push 8-bit signed integer
	OpPushConst Opcode = 0x14 // push constant (16-bit index)
)

// Variable Operations
const (
	OpLoadLocal    Opcode = 0x20 // push local (8-bit slot), reading through a cell
	OpStoreLocal   Opcode = 0x21 // pop into local (8-bit slot), writing through a cell
	OpLoadCapture  Opcode = 0x22 // push captured variable (8-bit index)
	OpStoreCapture Opcode = 0x23 // pop into captured cell (8-bit index)
	OpMakeCell     Opcode = 0x24 // move local (8-bit slot) into a fresh cell
)

// Arithmetic and Comparison
const (
	OpAdd Opcode = 0x30
	OpSub Opcode = 0x31
	OpMul Opcode = 0x32
	OpDiv Opcode = 0x33
	OpRem Opcode = 0x34
	OpNeg Opcode = 0x35
	OpNot Opcode = 0x36
	OpEq  Opcode = 0x38
	OpNe  Opcode = 0x39
	OpLt  Opcode = 0x3A
	OpLe  Opcode = 0x3B
	OpGt  Opcode = 0x3C
	OpGe  Opcode = 0x3D
)

// Control Flow
const (
	OpJump        Opcode = 0x40 // unconditional jump (16-bit offset)
	OpJumpIfFalse Opcode = 0x41 // pop, jump if false (16-bit offset)
	OpJumpIfTrue  Opcode = 0x42 // pop, jump if true (16-bit offset)
)

// Calls
const (
	OpClosure  Opcode = 0x50 // create closure (16-bit prototype constant)
	OpCall     Opcode = 0x51 // call (8-bit argc); callee below the arguments
	OpTailCall Opcode = 0x52 // call replacing the current frame (8-bit argc)
	OpReturn   Opcode = 0x53 // return top of stack
)

// Heap Objects
const (
	OpMakeTuple  Opcode = 0x60 // tuple from top N values (8-bit N)
	OpMakeUnion  Opcode = 0x61 // wrap top in union (16-bit tag constant)
	OpMakeRecord Opcode = 0x62 // record from top N values (16-bit field-names constant)
	OpTupleGet   Opcode = 0x63 // replace tuple with its item (8-bit index)
	OpRecordGet  Opcode = 0x64 // replace record with its field (16-bit name constant)
	OpUnwrap     Opcode = 0x65 // replace union with its payload
)

// Fibers
const (
	OpSpawn  Opcode = 0x70 // replace closure with a new Ready fiber
	OpResume Opcode = 0x71 // pop value and fiber, push the outcome
	OpYield  Opcode = 0x72 // pop value, suspend, push the resumed value
)

// Pattern Matching
const (
	OpMatch       Opcode = 0x80 // test top against pattern (16-bit pattern constant, 16-bit fail offset)
	OpMatchFail   Opcode = 0x81 // raise MatchError with the top of stack
	OpDestructure Opcode = 0x82 // pop and bind, or raise MatchError (16-bit pattern constant)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// operand layouts
const (
	operandNone  = iota
	operandU8    // 8-bit unsigned
	operandI8    // 8-bit signed
	operandU16   // 16-bit unsigned
	operandJump  // 16-bit signed jump offset
	operandMatch // 16-bit pattern constant + 16-bit jump offset
)

// varEffect marks opcodes whose stack effect depends on their operand.
const varEffect = -128

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack (varEffect = depends on operand)
	Terminator   bool   // control never falls through to the next instruction

	layout int
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Stack operations
	OpNOP:  {Name: "NOP"},
	OpPop:  {Name: "POP", StackEffect: -1},
	OpDup:  {Name: "DUP", StackEffect: 1},
	OpSwap: {Name: "SWAP"},

	// Push constants
	OpPushUnit:  {Name: "PUSH_UNIT", StackEffect: 1},
	OpPushTrue:  {Name: "PUSH_TRUE", StackEffect: 1},
	OpPushFalse: {Name: "PUSH_FALSE", StackEffect: 1},
	OpPushInt8:  {Name: "PUSH_INT8", OperandBytes: 1, StackEffect: 1, layout: operandI8},
	OpPushConst: {Name: "PUSH_CONST", OperandBytes: 2, StackEffect: 1, layout: operandU16},

	// Variables
	OpLoadLocal:    {Name: "LOAD_LOCAL", OperandBytes: 1, StackEffect: 1, layout: operandU8},
	OpStoreLocal:   {Name: "STORE_LOCAL", OperandBytes: 1, StackEffect: -1, layout: operandU8},
	OpLoadCapture:  {Name: "LOAD_CAPTURE", OperandBytes: 1, StackEffect: 1, layout: operandU8},
	OpStoreCapture: {Name: "STORE_CAPTURE", OperandBytes: 1, StackEffect: -1, layout: operandU8},
	OpMakeCell:     {Name: "MAKE_CELL", OperandBytes: 1, layout: operandU8},

	// Arithmetic (pops 2, pushes 1) and unary ops (pops 1, pushes 1)
	OpAdd: {Name: "ADD", StackEffect: -1},
	OpSub: {Name: "SUB", StackEffect: -1},
	OpMul: {Name: "MUL", StackEffect: -1},
	OpDiv: {Name: "DIV", StackEffect: -1},
	OpRem: {Name: "REM", StackEffect: -1},
	OpNeg: {Name: "NEG"},
	OpNot: {Name: "NOT"},
	OpEq:  {Name: "EQ", StackEffect: -1},
	OpNe:  {Name: "NE", StackEffect: -1},
	OpLt:  {Name: "LT", StackEffect: -1},
	OpLe:  {Name: "LE", StackEffect: -1},
	OpGt:  {Name: "GT", StackEffect: -1},
	OpGe:  {Name: "GE", StackEffect: -1},

	// Control flow
	OpJump:        {Name: "JUMP", OperandBytes: 2, Terminator: true, layout: operandJump},
	OpJumpIfFalse: {Name: "JUMP_IF_FALSE", OperandBytes: 2, StackEffect: -1, layout: operandJump},
	OpJumpIfTrue:  {Name: "JUMP_IF_TRUE", OperandBytes: 2, StackEffect: -1, layout: operandJump},

	// Calls
	OpClosure:  {Name: "CLOSURE", OperandBytes: 2, StackEffect: 1, layout: operandU16},
	OpCall:     {Name: "CALL", OperandBytes: 1, StackEffect: varEffect, layout: operandU8},
	OpTailCall: {Name: "TAIL_CALL", OperandBytes: 1, Terminator: true, layout: operandU8},
	OpReturn:   {Name: "RETURN", StackEffect: -1, Terminator: true},

	// Heap objects (MAKE_TUPLE and MAKE_RECORD pop N and push 1)
	OpMakeTuple:  {Name: "MAKE_TUPLE", OperandBytes: 1, StackEffect: varEffect, layout: operandU8},
	OpMakeUnion:  {Name: "MAKE_UNION", OperandBytes: 2, layout: operandU16},
	OpMakeRecord: {Name: "MAKE_RECORD", OperandBytes: 2, StackEffect: varEffect, layout: operandU16},
	OpTupleGet:   {Name: "TUPLE_GET", OperandBytes: 1, layout: operandU8},
	OpRecordGet:  {Name: "RECORD_GET", OperandBytes: 2, layout: operandU16},
	OpUnwrap:     {Name: "UNWRAP"},

	// Fibers
	OpSpawn:  {Name: "SPAWN"},
	OpResume: {Name: "RESUME", StackEffect: -1},
	OpYield:  {Name: "YIELD"},

	// Patterns
	OpMatch:       {Name: "MATCH", OperandBytes: 4, layout: operandMatch},
	OpMatchFail:   {Name: "MATCH_FAIL", StackEffect: -1, Terminator: true},
	OpDestructure: {Name: "DESTRUCTURE", OperandBytes: 2, StackEffect: -1, layout: operandU16},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is a decoded instruction.
type Instruction struct {
	Offset int
	Op     Opcode
	A      int // first operand (slot, index, constant, or jump offset)
	B      int // second operand (MATCH jump offset)
	Next   int // offset of the following instruction
}

// Target returns the absolute jump target of a jump or MATCH instruction.
func (in Instruction) Target() int {
	if in.Op == OpMatch {
		return in.Next + in.B
	}
	return in.Next + in.A
}

// IsJump reports whether the instruction carries a jump offset.
func (in Instruction) IsJump() bool {
	layout := in.Op.Info().layout
	return layout == operandJump || layout == operandMatch
}

// DecodeInstruction decodes the instruction at offset.
func DecodeInstruction(code []byte, offset int) (Instruction, error) {
	if offset < 0 || offset >= len(code) {
		return Instruction{}, fmt.Errorf("offset %d outside code of %d bytes", offset, len(code))
	}
	op := Opcode(code[offset])
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, fmt.Errorf("unknown opcode 0x%02X at %d", byte(op), offset)
	}
	next := offset + 1 + info.OperandBytes
	if next > len(code) {
		return Instruction{}, fmt.Errorf("truncated %s at %d", info.Name, offset)
	}
	in := Instruction{Offset: offset, Op: op, Next: next}
	operands := code[offset+1 : next]
	switch info.layout {
	case operandU8:
		in.A = int(operands[0])
	case operandI8:
		in.A = int(int8(operands[0]))
	case operandU16:
		in.A = int(binary.LittleEndian.Uint16(operands))
	case operandJump:
		in.A = int(int16(binary.LittleEndian.Uint16(operands)))
	case operandMatch:
		in.A = int(binary.LittleEndian.Uint16(operands))
		in.B = int(int16(binary.LittleEndian.Uint16(operands[2:])))
	}
	return in, nil
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitRaw appends a raw byte to the bytecode.
func (b *BytecodeBuilder) EmitRaw(data byte) {
	b.bytes = append(b.bytes, data)
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // positions of 16-bit offsets waiting for this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{resolved: false, refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Every offset is the last operand of its instruction, so it is
	// relative to ref+2.
	for _, ref := range label.refs {
		b.patch(ref, label.position-(ref+2))
	}
	label.refs = nil
}

func (b *BytecodeBuilder) patch(ref, offset int) {
	if offset < -32768 || offset > 32767 {
		panic(fmt.Sprintf("jump offset %d out of range", offset))
	}
	b.bytes[ref] = byte(offset)
	b.bytes[ref+1] = byte(offset >> 8)
}

func (b *BytecodeBuilder) emitOffset(label *Label) {
	ref := len(b.bytes)
	b.bytes = append(b.bytes, 0, 0)
	if label.resolved {
		b.patch(ref, label.position-(ref+2))
	} else {
		label.refs = append(label.refs, ref)
	}
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	b.emitOffset(label)
}

// EmitMatch emits a MATCH instruction that jumps to fail when the pattern
// does not match.
func (b *BytecodeBuilder) EmitMatch(pattern uint16, fail *Label) {
	b.bytes = append(b.bytes, byte(OpMatch), byte(pattern), byte(pattern>>8))
	b.emitOffset(fail)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders a decoded instruction.
func DisassembleInstruction(in Instruction) string {
	info := in.Op.Info()
	switch info.layout {
	case operandNone:
		return fmt.Sprintf("%04d  %s", in.Offset, info.Name)
	case operandJump:
		return fmt.Sprintf("%04d  %s %d (-> %04d)", in.Offset, info.Name, in.A, in.Target())
	case operandMatch:
		return fmt.Sprintf("%04d  %s pattern=%d fail=%d (-> %04d)", in.Offset, info.Name, in.A, in.B, in.Target())
	default:
		return fmt.Sprintf("%04d  %s %d", in.Offset, info.Name, in.A)
	}
}

// Disassemble returns a disassembly of code[start:end]. Undecodable bytes
// end the listing with an error line.
func Disassemble(code []byte, start, end int) string {
	var lines []string
	for pc := start; pc < end; {
		in, err := DecodeInstruction(code[:end], pc)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%04d  <%v>", pc, err))
			break
		}
		lines = append(lines, DisassembleInstruction(in))
		pc = in.Next
	}
	return strings.Join(lines, "\n")
}
