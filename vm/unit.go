package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Compiled unit
// ---------------------------------------------------------------------------

// CompiledUnit is the output of the compiler: one flat instruction sequence shared
// by every function, the constant pool the instructions index into, and a
// source-location table for diagnostics.
type CompiledUnit struct {
	Name      string      `cbor:"1,keyasint,omitempty"`
	Constants []Constant  `cbor:"2,keyasint"`
	Code      []byte      `cbor:"3,keyasint"`
	Lines     []SourceLoc `cbor:"4,keyasint,omitempty"` // sorted by Offset
	Main      int         `cbor:"5,keyasint"`           // constant index of the entry prototype
}

// SourceLoc maps an instruction offset to a source position.
type SourceLoc struct {
	Offset int `cbor:"1,keyasint"`
	Line   int `cbor:"2,keyasint"`
	Column int `cbor:"3,keyasint"`
}

// Locate returns the location of the nearest entry at or before offset.
func (u *CompiledUnit) Locate(offset int) (SourceLoc, bool) {
	i := sort.Search(len(u.Lines), func(i int) bool {
		return u.Lines[i].Offset > offset
	})
	if i == 0 {
		return SourceLoc{}, false
	}
	return u.Lines[i-1], true
}

// MainProto returns the entry prototype.
func (u *CompiledUnit) MainProto() (*Prototype, error) {
	if u.Main < 0 || u.Main >= len(u.Constants) {
		return nil, fmt.Errorf("main constant %d out of range", u.Main)
	}
	c := u.Constants[u.Main]
	if c.Kind != ConstProto || c.Proto == nil {
		return nil, fmt.Errorf("main constant %d is a %s, not a prototype", u.Main, c.Kind)
	}
	return c.Proto, nil
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// ConstKind discriminates constant pool entries.
type ConstKind uint8

const (
	ConstUnit    ConstKind = iota
	ConstBool              // Bool
	ConstInt               // Int
	ConstFloat             // Float
	ConstString            // Str; also union tags and record field names
	ConstNames             // Names: the field list of a record shape
	ConstProto             // Proto
	ConstPattern           // Pattern
	ConstNative            // Str names a host function registered with the VM
)

var constKindNames = [...]string{
	ConstUnit:    "unit",
	ConstBool:    "bool",
	ConstInt:     "int",
	ConstFloat:   "float",
	ConstString:  "string",
	ConstNames:   "names",
	ConstProto:   "prototype",
	ConstPattern: "pattern",
	ConstNative:  "native",
}

func (k ConstKind) String() string {
	if int(k) < len(constKindNames) {
		return constKindNames[k]
	}
	return fmt.Sprintf("ConstKind(%d)", k)
}

// Pushable reports whether PUSH_CONST may load a constant of this kind.
func (k ConstKind) Pushable() bool {
	switch k {
	case ConstUnit, ConstBool, ConstInt, ConstFloat, ConstString, ConstNative:
		return true
	}
	return false
}

// Constant is one entry of the constant pool. Only the fields matching Kind
// are meaningful.
type Constant struct {
	Kind    ConstKind  `cbor:"1,keyasint"`
	Int     int64      `cbor:"2,keyasint,omitempty"`
	Float   float64    `cbor:"3,keyasint,omitempty"`
	Bool    bool       `cbor:"4,keyasint,omitempty"`
	Str     string     `cbor:"5,keyasint,omitempty"`
	Names   []string   `cbor:"6,keyasint,omitempty"`
	Proto   *Prototype `cbor:"7,keyasint,omitempty"`
	Pattern *Pattern   `cbor:"8,keyasint,omitempty"`
}

func UnitConst() Constant                 { return Constant{Kind: ConstUnit} }
func BoolConst(b bool) Constant           { return Constant{Kind: ConstBool, Bool: b} }
func IntConst(n int64) Constant           { return Constant{Kind: ConstInt, Int: n} }
func FloatConst(f float64) Constant       { return Constant{Kind: ConstFloat, Float: f} }
func StringConst(s string) Constant       { return Constant{Kind: ConstString, Str: s} }
func NamesConst(names ...string) Constant { return Constant{Kind: ConstNames, Names: names} }
func ProtoConst(p *Prototype) Constant    { return Constant{Kind: ConstProto, Proto: p} }
func PatternConst(p *Pattern) Constant    { return Constant{Kind: ConstPattern, Pattern: p} }
func NativeConst(name string) Constant    { return Constant{Kind: ConstNative, Str: name} }

// matches compares a literal constant against a runtime value without
// allocating.
func (c *Constant) matches(h *Heap, v Value) bool {
	switch c.Kind {
	case ConstUnit:
		return v.IsUnit()
	case ConstBool:
		return v.IsBool() && v.Bool() == c.Bool
	case ConstInt:
		lit, ok := TryFromInt(c.Int)
		return ok && h.Equal(lit, v)
	case ConstFloat:
		return h.Equal(FromFloat64(c.Float), v)
	case ConstString:
		s, ok := h.String(v)
		return ok && s.s == c.Str
	}
	return false
}

func (c *Constant) String() string {
	switch c.Kind {
	case ConstUnit:
		return "()"
	case ConstBool:
		return fmt.Sprint(c.Bool)
	case ConstInt:
		return fmt.Sprint(c.Int)
	case ConstFloat:
		return formatFloat(c.Float)
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	case ConstNames:
		return fmt.Sprintf("names%v", c.Names)
	case ConstProto:
		if c.Proto == nil {
			return "<prototype nil>"
		}
		return fmt.Sprintf("<prototype %s/%d>", c.Proto.Name, c.Proto.Arity)
	case ConstPattern:
		return c.Pattern.String()
	case ConstNative:
		return fmt.Sprintf("<native %s>", c.Str)
	}
	return c.Kind.String()
}

// ---------------------------------------------------------------------------
// Prototypes
// ---------------------------------------------------------------------------

// Prototype describes one function body inside the unit's code.
type Prototype struct {
	Name     string        `cbor:"1,keyasint,omitempty"`
	Arity    int           `cbor:"2,keyasint"`
	Locals   int           `cbor:"3,keyasint"` // slots including parameters
	Entry    int           `cbor:"4,keyasint"` // offset of the first instruction
	Length   int           `cbor:"5,keyasint"` // bytes of code
	Captures []CaptureSpec `cbor:"6,keyasint,omitempty"`
}

// End returns the offset just past the prototype's code.
func (p *Prototype) End() int {
	return p.Entry + p.Length
}

// CaptureSpec tells CLOSURE where to find one environment entry: a local
// slot of the defining frame, or an entry of the defining closure's own
// environment. The raw slot is copied, so a local that was turned into a
// cell is captured by reference.
type CaptureSpec struct {
	FromLocal bool `cbor:"1,keyasint,omitempty"`
	Index     int  `cbor:"2,keyasint"`
}
