package vm

import (
	"errors"
	"strings"
	"testing"
)

// rawUnit wraps code as the body of a main function with one local.
func rawUnit(code []byte, consts ...Constant) *CompiledUnit {
	main := &Prototype{Name: "main", Locals: 1, Length: len(code)}
	return &CompiledUnit{
		Name:      "raw",
		Constants: append([]Constant{ProtoConst(main)}, consts...),
		Code:      code,
	}
}

func TestVerifyRejects(t *testing.T) {
	op := func(ops ...Opcode) []byte {
		code := make([]byte, len(ops))
		for i, o := range ops {
			code[i] = byte(o)
		}
		return code
	}

	tests := []struct {
		name string
		unit *CompiledUnit
		want string
	}{
		{"underflow", rawUnit(op(OpPop, OpPushUnit, OpReturn)), "POP needs 1 values, stack holds 0"},
		{"falls off the end", rawUnit(op(OpPushUnit)), "falls off the end"},
		{
			"depth mismatch",
			rawUnit([]byte{byte(OpPushTrue), byte(OpJumpIfFalse), 1, 0, byte(OpPushUnit), byte(OpPushUnit), byte(OpReturn)}),
			"stack depth",
		},
		{"jump into an instruction", rawUnit([]byte{byte(OpJump), 0xFE, 0xFF}), "is not an instruction"},
		{
			"wrong constant kind",
			rawUnit([]byte{byte(OpPushUnit), byte(OpMakeUnion), 1, 0, byte(OpReturn)}, IntConst(1)),
			"needs a string constant",
		},
		{"push a prototype", rawUnit([]byte{byte(OpPushConst), 0, 0, byte(OpReturn)}), "cannot push"},
		{"local out of range", rawUnit([]byte{byte(OpLoadLocal), 5, byte(OpReturn)}), "local 5 outside 1 locals"},
		{"unknown opcode", rawUnit([]byte{0xFF}), "unknown opcode 0xFF"},
		{"truncated operand", rawUnit([]byte{byte(OpPushConst), 0}), "truncated PUSH_CONST"},
		{
			"unnamed binder",
			rawUnit([]byte{byte(OpPushUnit), byte(OpReturn)}, PatternConst(BindPattern("", 0))),
			"bind pattern without a name",
		},
	}

	for _, tt := range tests {
		err := Verify(tt.unit)
		if err == nil {
			t.Errorf("%s: Verify accepted\n%s", tt.name, tt.unit.Disassemble())
			continue
		}
		var verr *VerifyError
		if !errors.As(err, &verr) {
			t.Errorf("%s: error %T is not a *VerifyError", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error = %q, want it to contain %q", tt.name, err, tt.want)
		}
	}
}

func TestVerifyMainArity(t *testing.T) {
	u := rawUnit([]byte{byte(OpPushUnit), byte(OpReturn)})
	u.Constants[0].Proto.Arity = 2
	u.Constants[0].Proto.Locals = 2
	if err := Verify(u); err == nil || !strings.Contains(err.Error(), "at most one") {
		t.Errorf("Verify = %v, want a main arity error", err)
	}
}

func TestVerifyPatternSlots(t *testing.T) {
	code := []byte{byte(OpPushUnit), byte(OpDestructure), 1, 0, byte(OpPushUnit), byte(OpReturn)}
	u := rawUnit(code, PatternConst(BindPattern("x", 3)))
	if err := Verify(u); err == nil || !strings.Contains(err.Error(), `binds "x" to local 3`) {
		t.Errorf("Verify = %v, want a binder slot error", err)
	}
}

func TestLoadRejectsMalformedUnit(t *testing.T) {
	vm := newTestVM(t, Config{})
	_, err := vm.Load(rawUnit([]byte{byte(OpPop), byte(OpReturn)}))
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Load error = %v, want a *VerifyError", err)
	}
	if verr.Function != "main" || verr.Offset != 0 {
		t.Errorf("VerifyError at %s:%d, want main:0", verr.Function, verr.Offset)
	}
	if vm.Unit() != nil {
		t.Error("a rejected unit should not be loaded")
	}
}

func TestVerifyAcceptsBuiltUnits(t *testing.T) {
	units := []*CompiledUnit{
		buildCounter(t, 10, true),
		buildCounter(t, 10, false),
		buildMatch(t, true),
		buildMatch(t, false),
	}
	for _, u := range units {
		if err := Verify(u); err != nil {
			t.Errorf("Verify: %v\n%s", err, u.Disassemble())
		}
	}
}
