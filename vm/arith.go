package vm

import (
	"math"
	"strconv"
)

// ---------------------------------------------------------------------------
// Numeric operations
// ---------------------------------------------------------------------------
//
// Operands dispatch on the pair of decoded kinds:
//   - Int, Int: exact integer arithmetic, wrapping modulo 2^47
//   - Float, Float: IEEE 754
//   - Int, Float or Float, Int: the integer is promoted to float
// Anything else is a TypeError.

type arithOp uint8

const (
	opAdd arithOp = iota
	opSub
	opMul
	opDiv
	opRem
)

var arithNames = [...]string{opAdd: "+", opSub: "-", opMul: "*", opDiv: "/", opRem: "%"}

// Add returns a + b.
func Add(a, b Value) (Value, error) { return arith(opAdd, a, b) }

// Sub returns a - b.
func Sub(a, b Value) (Value, error) { return arith(opSub, a, b) }

// Mul returns a * b.
func Mul(a, b Value) (Value, error) { return arith(opMul, a, b) }

// Div returns a / b. Integer division truncates toward zero and fails with
// ArithmeticError when b is zero; float division follows IEEE 754.
func Div(a, b Value) (Value, error) { return arith(opDiv, a, b) }

// Rem returns the remainder of a / b, with the sign of a.
func Rem(a, b Value) (Value, error) { return arith(opRem, a, b) }

func arith(op arithOp, a, b Value) (Value, error) {
	if a.IsInt() && b.IsInt() {
		return intArith(op, a.Int(), b.Int())
	}
	x, okA := toFloat(a)
	y, okB := toFloat(b)
	if !okA || !okB {
		return Unit, newError(TypeError, "cannot apply %s to %s and %s",
			arithNames[op], a.Kind(), b.Kind())
	}
	switch op {
	case opAdd:
		return FromFloat64(x + y), nil
	case opSub:
		return FromFloat64(x - y), nil
	case opMul:
		return FromFloat64(x * y), nil
	case opDiv:
		return FromFloat64(x / y), nil
	default:
		return FromFloat64(math.Mod(x, y)), nil
	}
}

func intArith(op arithOp, x, y int64) (Value, error) {
	// Both operands fit in 47 bits, so + and - cannot overflow int64, and
	// int64 multiplication wraps modulo 2^64, a multiple of 2^47.
	switch op {
	case opAdd:
		return WrapInt(x + y), nil
	case opSub:
		return WrapInt(x - y), nil
	case opMul:
		return WrapInt(x * y), nil
	case opDiv:
		if y == 0 {
			return Unit, newError(ArithmeticError, "integer division by zero")
		}
		return WrapInt(x / y), nil
	default:
		if y == 0 {
			return Unit, newError(ArithmeticError, "integer remainder by zero")
		}
		return WrapInt(x % y), nil
	}
}

// Neg returns -a.
func Neg(a Value) (Value, error) {
	switch {
	case a.IsInt():
		return WrapInt(-a.Int()), nil
	case a.IsFloat():
		return FromFloat64(-a.Float64()), nil
	}
	return Unit, newError(TypeError, "cannot negate %s", a.Kind())
}

func toFloat(v Value) (float64, bool) {
	if v.IsInt() {
		return float64(v.Int()), true
	}
	if v.IsFloat() {
		return v.Float64(), true
	}
	return 0, false
}

// CompareNumbers orders two numbers. ordered is false when either operand
// is a float NaN, in which case every ordering comparison is false.
func CompareNumbers(a, b Value) (cmp int, ordered bool, err error) {
	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		switch {
		case x < y:
			return -1, true, nil
		case x > y:
			return 1, true, nil
		}
		return 0, true, nil
	}
	x, okA := toFloat(a)
	y, okB := toFloat(b)
	if !okA || !okB {
		return 0, false, newError(TypeError, "cannot compare %s with %s", a.Kind(), b.Kind())
	}
	switch {
	case x < y:
		return -1, true, nil
	case x > y:
		return 1, true, nil
	case x == y:
		return 0, true, nil
	}
	return 0, false, nil
}

// formatFloat renders a float canonically: shortest round-trip digits,
// with ".0" appended to integral values so floats never read as integers.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', 'e', 'E':
			return s
		}
	}
	return s + ".0"
}
