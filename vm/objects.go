package vm

// ---------------------------------------------------------------------------
// String
// ---------------------------------------------------------------------------

// StringObject is an immutable byte sequence.
type StringObject struct {
	s string
}

func (s *StringObject) Kind() Kind { return KindString }
func (s *StringObject) trace(func(Value)) {}
func (s *StringObject) Value() string { return s.s }
func (s *StringObject) Len() int { return len(s.s) }

// ---------------------------------------------------------------------------
// Tuple
// ---------------------------------------------------------------------------

// TupleObject is a fixed-size ordered sequence of values.
type TupleObject struct {
	items []Value
}

func (t *TupleObject) Kind() Kind { return KindTuple }

func (t *TupleObject) trace(mark func(Value)) {
	for _, v := range t.items {
		mark(v)
	}
}

// Len returns the tuple's arity.
func (t *TupleObject) Len() int {
	return len(t.items)
}

// Get returns the item at index, or a LookupError when out of bounds.
func (t *TupleObject) Get(index int) (Value, error) {
	if index < 0 || index >= len(t.items) {
		return Unit, newError(LookupError, "tuple index %d out of bounds for tuple of %d", index, len(t.items))
	}
	return t.items[index], nil
}

// Items returns the tuple's items. The slice must not be modified.
func (t *TupleObject) Items() []Value {
	return t.items
}

// ---------------------------------------------------------------------------
// Union
// ---------------------------------------------------------------------------

// UnionObject is one named alternative of an algebraic type together with
// its payload.
type UnionObject struct {
	tag     string
	payload Value
}

func (u *UnionObject) Kind() Kind { return KindUnion }
func (u *UnionObject) trace(mark func(Value)) { mark(u.payload) }
func (u *UnionObject) Tag() string { return u.tag }
func (u *UnionObject) Payload() Value { return u.payload }

// ---------------------------------------------------------------------------
// Record
// ---------------------------------------------------------------------------

// Field is a named record entry, used to construct records.
type Field struct {
	Name  string
	Value Value
}

// RecordObject maps field names to values. The field set and order are
// fixed at construction.
type RecordObject struct {
	names  []string
	values []Value
}

func (r *RecordObject) Kind() Kind { return KindRecord }

func (r *RecordObject) trace(mark func(Value)) {
	for _, v := range r.values {
		mark(v)
	}
}

// index returns the position of name among the fields.
func (r *RecordObject) index(name string) (int, bool) {
	for i, n := range r.names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Get returns the named field, or a LookupError when it does not exist.
func (r *RecordObject) Get(name string) (Value, error) {
	if i, ok := r.index(name); ok {
		return r.values[i], nil
	}
	return Unit, newError(LookupError, "record has no field %q", name)
}

// Has reports whether the record has the named field.
func (r *RecordObject) Has(name string) bool {
	_, ok := r.index(name)
	return ok
}

// Fields returns field names in declaration order. The slice must not be
// modified.
func (r *RecordObject) Fields() []string {
	return r.names
}

// Len returns the number of fields.
func (r *RecordObject) Len() int {
	return len(r.names)
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// ClosureObject pairs a code prototype with its captured environment.
// Environment entries are plain values for immutable captures and cell
// references for variables that may be reassigned.
type ClosureObject struct {
	protoIndex int
	proto      *Prototype
	env        []Value
}

func (c *ClosureObject) Kind() Kind { return KindClosure }

func (c *ClosureObject) trace(mark func(Value)) {
	for _, v := range c.env {
		mark(v)
	}
}

// Proto returns the code prototype.
func (c *ClosureObject) Proto() *Prototype { return c.proto }

// ProtoIndex returns the prototype's index in the constant pool.
func (c *ClosureObject) ProtoIndex() int { return c.protoIndex }

// Arity returns the number of parameters.
func (c *ClosureObject) Arity() int { return c.proto.Arity }

// Capture returns the raw environment entry at index, which may be a cell
// reference.
func (c *ClosureObject) Capture(index int) Value {
	return c.env[index]
}

// NumCaptures returns the size of the environment.
func (c *ClosureObject) NumCaptures() int {
	return len(c.env)
}

// ---------------------------------------------------------------------------
// Cell
// ---------------------------------------------------------------------------

// CellObject is a single mutable slot shared by every closure that captured
// the same variable. Writing a cell changes its contents, never which cell
// a closure refers to.
type CellObject struct {
	value Value
}

func (c *CellObject) Kind() Kind { return KindCell }
func (c *CellObject) trace(mark func(Value)) { mark(c.value) }
func (c *CellObject) Get() Value { return c.value }
func (c *CellObject) Set(v Value) { c.value = v }

// ---------------------------------------------------------------------------
// Native
// ---------------------------------------------------------------------------

// NativeFunc is a host function callable from bytecode. It runs to
// completion on the calling fiber and cannot yield.
type NativeFunc func(vm *VM, args []Value) (Value, error)

// Native describes a registered host function.
type Native struct {
	Name  string
	Arity int // -1 accepts any number of arguments
	Fn    NativeFunc
}

// NativeObject is the heap representation of a host function.
type NativeObject struct {
	native *Native
}

func (n *NativeObject) Kind() Kind { return KindNative }
func (n *NativeObject) trace(func(Value)) {}
func (n *NativeObject) Native() *Native { return n.native }
