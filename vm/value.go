package vm

import (
	"fmt"
	"math"
)

// Value represents a passer value using NaN-tagging.
//
// Every value is a 64-bit word. Floats are stored as native IEEE 754
// doubles. Everything else lives in the quiet-NaN space: sign bit clear,
// exponent all ones, quiet bit set, a 4-bit tag and a 47-bit payload.
//
// Encoding scheme:
//
//	63 | 62..52 | 51    | 50..47 | 46..0
//	 0 | 1...1  | 1     | tag    | payload
//
//   - tag 1: Int, 47-bit two's complement payload
//   - tag 2: Special, payload 0 unit, 1 false, 2 true, else a sentinel
//   - tag 3..10: heap reference, payload is a heap handle
//
// Tag 0 and tags 11..15 are unassigned and decode as Float, as does any
// word with the sign bit set. Decoding is therefore total.
type Value uint64

// NaN-tagging constants
const (
	// Sign bit plus exponent plus quiet bit: the prefix every tagged word
	// shares. 0xFFF8_0000_0000_0000
	prefixMask uint64 = 0xFFF8000000000000

	// Quiet NaN with sign bit clear. 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	tagShift = 47

	// 4 tag bits below the quiet bit. 0x0007_8000_0000_0000
	tagMask uint64 = 0xF << tagShift

	// 47 payload bits. 0x0000_7FFF_FFFF_FFFF
	payloadMask uint64 = (1 << tagShift) - 1

	intSignBit    uint64 = 1 << (tagShift - 1)
	intSignExtend uint64 = ^payloadMask
)

// Tags, pre-shifted into position.
const (
	tagInt     uint64 = 1 << tagShift
	tagSpecial uint64 = 2 << tagShift
	tagString  uint64 = 3 << tagShift
	tagTuple   uint64 = 4 << tagShift
	tagUnion   uint64 = 5 << tagShift
	tagRecord  uint64 = 6 << tagShift
	tagClosure uint64 = 7 << tagShift
	tagCell    uint64 = 8 << tagShift
	tagFiber   uint64 = 9 << tagShift
	tagNative  uint64 = 10 << tagShift

	tagLastAssigned = tagNative
)

// Special value payloads
const (
	specialUnit      uint64 = 0
	specialFalse     uint64 = 1
	specialTrue      uint64 = 2
	specialUndefined uint64 = 3
)

// Pre-defined special values
const (
	Unit      Value = Value(nanBits | tagSpecial | specialUnit)
	False     Value = Value(nanBits | tagSpecial | specialFalse)
	True      Value = Value(nanBits | tagSpecial | specialTrue)
	Undefined Value = Value(nanBits | tagSpecial | specialUndefined)

	// canonicalNaN is the only NaN FromFloat64 ever produces.
	canonicalNaN Value = Value(nanBits)
)

// Int range (47-bit signed)
const (
	MaxInt int64 = (1 << 46) - 1 // 70,368,744,177,663
	MinInt int64 = -(1 << 46)    // -70,368,744,177,664
)

// ---------------------------------------------------------------------------
// Kind: the closed set of decoded value kinds
// ---------------------------------------------------------------------------

// Kind identifies what a Value decodes to.
type Kind uint8

const (
	KindFloat Kind = iota
	KindUnit
	KindBool
	KindInt
	KindSentinel
	KindString
	KindTuple
	KindUnion
	KindRecord
	KindClosure
	KindCell
	KindFiber
	KindNative
)

var kindNames = [...]string{
	KindFloat:    "Float",
	KindUnit:     "Unit",
	KindBool:     "Boolean",
	KindInt:      "Integer",
	KindSentinel: "Sentinel",
	KindString:   "String",
	KindTuple:    "Tuple",
	KindUnion:    "Union",
	KindRecord:   "Record",
	KindClosure:  "Closure",
	KindCell:     "Cell",
	KindFiber:    "Fiber",
	KindNative:   "Native",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsHeap reports whether values of this kind reference a heap object.
func (k Kind) IsHeap() bool {
	return k >= KindString
}

// heapKinds maps a heap tag (tag>>tagShift - 3) to its kind.
var heapKinds = [...]Kind{KindString, KindTuple, KindUnion, KindRecord, KindClosure, KindCell, KindFiber, KindNative}

// heapTag returns the tag bits for a heap kind.
func heapTag(k Kind) uint64 {
	if !k.IsHeap() {
		panic("heapTag: not a heap kind: " + k.String())
	}
	return uint64(k-KindString+3) << tagShift
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// tagged reports whether v is one of our tagged words, returning the tag.
func (v Value) tagged() (uint64, bool) {
	bits := uint64(v)
	if bits&prefixMask != nanBits {
		return 0, false
	}
	tag := bits & tagMask
	if tag == 0 || tag > tagLastAssigned {
		return 0, false
	}
	return tag, true
}

// Kind decodes the kind of v. It is total over all 64-bit patterns.
func (v Value) Kind() Kind {
	tag, ok := v.tagged()
	if !ok {
		return KindFloat
	}
	switch tag {
	case tagInt:
		return KindInt
	case tagSpecial:
		switch uint64(v) & payloadMask {
		case specialUnit:
			return KindUnit
		case specialFalse, specialTrue:
			return KindBool
		default:
			return KindSentinel
		}
	default:
		return heapKinds[(tag>>tagShift)-3]
	}
}

// IsFloat returns true if v represents a float64 value. Infinities and
// NaNs that are not tagged words are floats.
func (v Value) IsFloat() bool {
	_, ok := v.tagged()
	return !ok
}

// IsInt returns true if v is an immediate integer.
func (v Value) IsInt() bool {
	return uint64(v)&(prefixMask|tagMask) == nanBits|tagInt
}

// IsUnit returns true if v is the unit value.
func (v Value) IsUnit() bool {
	return v == Unit
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsNumber returns true for integers and floats.
func (v Value) IsNumber() bool {
	return v.IsInt() || v.IsFloat()
}

// IsHeap returns true if v references a heap object.
func (v Value) IsHeap() bool {
	tag, ok := v.tagged()
	return ok && tag >= tagString
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// FromFloat64 creates a Value from a float64. Every NaN is stored as the
// canonical quiet NaN so that no float collides with a tagged word.
func FromFloat64(f float64) Value {
	if f != f {
		return canonicalNaN
	}
	return Value(math.Float64bits(f))
}

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// ---------------------------------------------------------------------------
// Int operations
// ---------------------------------------------------------------------------

// FromInt creates a Value from an int64.
// Panics if n is outside [MinInt, MaxInt].
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic("FromInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromInt creates a Value from an int64, returning false if out of range.
func TryFromInt(n int64) (Value, bool) {
	if n > MaxInt || n < MinInt {
		return Unit, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// WrapInt truncates n to 47 bits, wrapping around on overflow.
func WrapInt(n int64) Value {
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// Int returns v as an int64.
// Panics if v is not an integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 47 bits to 64 bits
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// ---------------------------------------------------------------------------
// Specials
// ---------------------------------------------------------------------------

// FromBool returns True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Bool returns v as a bool.
// Panics if v is not a boolean.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	}
	panic("Value.Bool: not a boolean")
}

// Sentinel creates a sentinel value with the given id. Ids 0-2 are taken
// by unit and the booleans and are rejected.
func Sentinel(id uint64) Value {
	if id <= specialTrue || id > payloadMask {
		panic("Sentinel: id out of range")
	}
	return Value(nanBits | tagSpecial | id)
}

// SentinelID returns the sentinel id of v.
// Panics if v is not a sentinel.
func (v Value) SentinelID() uint64 {
	if v.Kind() != KindSentinel {
		panic("Value.SentinelID: not a sentinel")
	}
	return uint64(v) & payloadMask
}

// ---------------------------------------------------------------------------
// Heap references
// ---------------------------------------------------------------------------

// Handle identifies a heap object inside a Heap.
type Handle uint32

// FromHandle creates a reference of the given heap kind.
func FromHandle(k Kind, h Handle) Value {
	return Value(nanBits | heapTag(k) | uint64(h))
}

// Handle returns the heap handle carried by v. Calling it on a non-heap
// value is a VM-internal contract violation.
func (v Value) Handle() Handle {
	if !v.IsHeap() {
		panic("Value.Handle: not a heap reference")
	}
	return Handle(uint64(v) & payloadMask)
}

// String implements fmt.Stringer with a heap-free rendering, for logs and
// panics. Use VM.Inspect for the language-level representation.
func (v Value) String() string {
	switch k := v.Kind(); k {
	case KindFloat:
		return formatFloat(v.Float64())
	case KindUnit:
		return "()"
	case KindBool:
		if v == True {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindSentinel:
		if v == Undefined {
			return "<undefined>"
		}
		return fmt.Sprintf("<sentinel %d>", v.SentinelID())
	default:
		return fmt.Sprintf("<%s #%d>", k, v.Handle())
	}
}
