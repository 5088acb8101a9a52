package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op           Opcode
		name         string
		operandBytes int
	}{
		{OpNOP, "NOP", 0},
		{OpPop, "POP", 0},
		{OpPushInt8, "PUSH_INT8", 1},
		{OpPushConst, "PUSH_CONST", 2},
		{OpLoadLocal, "LOAD_LOCAL", 1},
		{OpStoreCapture, "STORE_CAPTURE", 1},
		{OpJumpIfFalse, "JUMP_IF_FALSE", 2},
		{OpClosure, "CLOSURE", 2},
		{OpTailCall, "TAIL_CALL", 1},
		{OpMakeRecord, "MAKE_RECORD", 2},
		{OpResume, "RESUME", 0},
		{OpMatch, "MATCH", 4},
		{OpDestructure, "DESTRUCTURE", 2},
	}

	for _, tt := range tests {
		if got := tt.op.Name(); got != tt.name {
			t.Errorf("Opcode(0x%02X).Name() = %q, want %q", byte(tt.op), got, tt.name)
		}
		if got := tt.op.OperandBytes(); got != tt.operandBytes {
			t.Errorf("%s.OperandBytes() = %d, want %d", tt.name, got, tt.operandBytes)
		}
		if !tt.op.Valid() {
			t.Errorf("%s.Valid() = false", tt.name)
		}
	}

	if Opcode(0xFF).Valid() {
		t.Error("0xFF should not be a valid opcode")
	}
	if got := Opcode(0xFF).Name(); got != "UNKNOWN_FF" {
		t.Errorf("Opcode(0xFF).Name() = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Builder and decoding tests
// ---------------------------------------------------------------------------

func TestLabelsPatchBothDirections(t *testing.T) {
	b := NewBytecodeBuilder()
	top, end := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	b.Emit(OpPushTrue)
	b.EmitJump(OpJumpIfFalse, end)
	b.EmitJump(OpJump, top)
	b.Mark(end)
	b.Emit(OpPushUnit)
	b.Emit(OpReturn)

	code := b.Bytes()
	forward, err := DecodeInstruction(code, 1)
	if err != nil {
		t.Fatal(err)
	}
	if forward.Target() != 7 || forward.A != 3 {
		t.Errorf("forward jump offset %d -> %d, want 3 -> 7", forward.A, forward.Target())
	}
	back, _ := DecodeInstruction(code, 4)
	if back.Target() != 0 || back.A != -7 {
		t.Errorf("backward jump offset %d -> %d, want -7 -> 0", back.A, back.Target())
	}
}

func TestDecodeMatch(t *testing.T) {
	b := NewBytecodeBuilder()
	fail := b.NewLabel()
	b.EmitMatch(0x0102, fail)
	b.Emit(OpPop)
	b.Mark(fail)

	in, err := DecodeInstruction(b.Bytes(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpMatch || in.A != 0x0102 || in.B != 1 || in.Next != 5 || in.Target() != 6 {
		t.Errorf("decoded %+v target %d", in, in.Target())
	}
	if !in.IsJump() {
		t.Error("MATCH should count as a jump")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		code   []byte
		offset int
		want   string
	}{
		{[]byte{0xEE}, 0, "unknown opcode 0xEE"},
		{[]byte{byte(OpPushConst), 1}, 0, "truncated PUSH_CONST"},
		{[]byte{byte(OpNOP)}, 1, "outside code"},
	}
	for _, tt := range tests {
		_, err := DecodeInstruction(tt.code, tt.offset)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("DecodeInstruction(% x, %d) error = %v, want %q", tt.code, tt.offset, err, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	b := NewBytecodeBuilder()
	skip := b.NewLabel()
	b.EmitInt8(OpPushInt8, -3)
	b.EmitJump(OpJumpIfTrue, skip)
	b.Mark(skip)
	b.EmitUint16(OpPushConst, 2)
	b.Emit(OpReturn)
	b.EmitRaw(0xEE)

	got := Disassemble(b.Bytes(), 0, len(b.Bytes()))
	want := strings.Join([]string{
		"0000  PUSH_INT8 -3",
		"0002  JUMP_IF_TRUE 0 (-> 0005)",
		"0005  PUSH_CONST 2",
		"0008  RETURN",
		"0009  <unknown opcode 0xEE at 9>",
	}, "\n")
	if got != want {
		t.Errorf("Disassemble =\n%s\nwant\n%s", got, want)
	}
}

func TestUnitDisassemble(t *testing.T) {
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		main := u.Function("main", 0)
		x := main.Local()

		get := u.Function("get", 0)
		get.CaptureLocal(x)
		get.Line(2, 3)
		get.EmitByte(OpLoadCapture, 0)
		get.Emit(OpReturn)
		get.Finish()

		main.Line(1, 1)
		main.PushString("hi")
		main.EmitByte(OpStoreLocal, x)
		main.Closure(get)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})

	got := unit.Disassemble()
	for _, want := range []string{
		"unit TestUnitDisassemble: 3 constants, 12 bytes, main = 0",
		"== main/0 (constant 0) locals=1 ==",
		"== get/0 (constant 1) locals=0 ==",
		"  capture 0 <- local 0",
		`PUSH_CONST 2  ; "hi"`,
		"CLOSURE 1  ; <prototype get/0>",
		"@2:3",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("disassembly missing %q:\n%s", want, got)
		}
	}
}
