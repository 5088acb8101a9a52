package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Pattern trees
// ---------------------------------------------------------------------------

// PatternKind discriminates pattern nodes.
type PatternKind uint8

const (
	PatternWildcard PatternKind = iota // matches anything, binds nothing
	PatternLiteral                     // equality with a constant
	PatternBind                        // binds the value; Items[0], if present, must also match
	PatternTuple                       // exact arity, items left to right
	PatternUnion                       // tag check, then Items[0] against the payload if present
	PatternRecord                      // every field in Fields must exist; matched in declared order
)

var patternKindNames = [...]string{
	PatternWildcard: "wildcard",
	PatternLiteral:  "literal",
	PatternBind:     "bind",
	PatternTuple:    "tuple",
	PatternUnion:    "union",
	PatternRecord:   "record",
}

func (k PatternKind) String() string {
	if int(k) < len(patternKindNames) {
		return patternKindNames[k]
	}
	return fmt.Sprintf("PatternKind(%d)", k)
}

// Pattern is a node of a pattern tree stored in the constant pool.
type Pattern struct {
	Kind    PatternKind `cbor:"1,keyasint"`
	Literal *Constant   `cbor:"2,keyasint,omitempty"`
	Name    string      `cbor:"3,keyasint,omitempty"` // binder name or union tag
	Slot    int         `cbor:"4,keyasint,omitempty"` // local slot a binder writes
	Fields  []string    `cbor:"5,keyasint,omitempty"` // record field names, parallel to Items
	Items   []*Pattern  `cbor:"6,keyasint,omitempty"`
}

func WildcardPattern() *Pattern {
	return &Pattern{Kind: PatternWildcard}
}

func LiteralPattern(c Constant) *Pattern {
	return &Pattern{Kind: PatternLiteral, Literal: &c}
}

func BindPattern(name string, slot int) *Pattern {
	return &Pattern{Kind: PatternBind, Name: name, Slot: slot}
}

// AsPattern binds the whole value and also requires it to match sub.
func AsPattern(name string, slot int, sub *Pattern) *Pattern {
	return &Pattern{Kind: PatternBind, Name: name, Slot: slot, Items: []*Pattern{sub}}
}

func TuplePattern(items ...*Pattern) *Pattern {
	return &Pattern{Kind: PatternTuple, Items: items}
}

// UnionPattern matches the alternative tag. A nil payload pattern accepts
// any payload.
func UnionPattern(tag string, payload *Pattern) *Pattern {
	p := &Pattern{Kind: PatternUnion, Name: tag}
	if payload != nil {
		p.Items = []*Pattern{payload}
	}
	return p
}

func RecordPattern(fields []string, items ...*Pattern) *Pattern {
	return &Pattern{Kind: PatternRecord, Fields: fields, Items: items}
}

// Binders returns the bind nodes of the tree in match order.
func (p *Pattern) Binders() []*Pattern {
	var out []*Pattern
	var walk func(*Pattern)
	walk = func(n *Pattern) {
		if n == nil {
			return
		}
		if n.Kind == PatternBind {
			out = append(out, n)
		}
		for _, item := range n.Items {
			walk(item)
		}
	}
	walk(p)
	return out
}

// Validate checks the tree's shape. It does not check binder slots, which
// depend on the prototype the pattern is used from.
func (p *Pattern) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, b := range p.Binders() {
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("pattern binds %q more than once", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

func (p *Pattern) validate() error {
	if p == nil {
		return fmt.Errorf("nil pattern")
	}
	switch p.Kind {
	case PatternWildcard:
	case PatternLiteral:
		if p.Literal == nil {
			return fmt.Errorf("literal pattern without a constant")
		}
		switch p.Literal.Kind {
		case ConstUnit, ConstBool, ConstInt, ConstFloat, ConstString:
		default:
			return fmt.Errorf("%s constant cannot be a literal pattern", p.Literal.Kind)
		}
		if p.Literal.Kind == ConstInt {
			if _, ok := TryFromInt(p.Literal.Int); !ok {
				return fmt.Errorf("literal pattern %d out of integer range", p.Literal.Int)
			}
		}
	case PatternBind:
		if p.Name == "" {
			return fmt.Errorf("bind pattern without a name")
		}
		if p.Slot < 0 {
			return fmt.Errorf("bind pattern %q with negative slot", p.Name)
		}
		if len(p.Items) > 1 {
			return fmt.Errorf("bind pattern %q with %d sub-patterns", p.Name, len(p.Items))
		}
	case PatternTuple:
	case PatternUnion:
		if p.Name == "" {
			return fmt.Errorf("union pattern without a tag")
		}
		if len(p.Items) > 1 {
			return fmt.Errorf("union pattern %s with %d payload patterns", p.Name, len(p.Items))
		}
	case PatternRecord:
		if len(p.Fields) != len(p.Items) {
			return fmt.Errorf("record pattern has %d fields but %d sub-patterns", len(p.Fields), len(p.Items))
		}
		seen := make(map[string]struct{}, len(p.Fields))
		for _, f := range p.Fields {
			if _, dup := seen[f]; dup {
				return fmt.Errorf("record pattern names field %q twice", f)
			}
			seen[f] = struct{}{}
		}
	default:
		return fmt.Errorf("unknown pattern kind %d", p.Kind)
	}
	for _, item := range p.Items {
		if err := item.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pattern) String() string {
	if p == nil {
		return "<nil>"
	}
	switch p.Kind {
	case PatternWildcard:
		return "_"
	case PatternLiteral:
		return p.Literal.String()
	case PatternBind:
		if len(p.Items) == 1 {
			return fmt.Sprintf("%s@%s", p.Name, p.Items[0])
		}
		return p.Name
	case PatternTuple:
		parts := make([]string, len(p.Items))
		for i, item := range p.Items {
			parts[i] = item.String()
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case PatternUnion:
		if len(p.Items) == 1 {
			return p.Name + " " + p.Items[0].String()
		}
		return p.Name + " _"
	case PatternRecord:
		parts := make([]string, len(p.Items))
		for i, item := range p.Items {
			parts[i] = p.Fields[i] + ": " + item.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return p.Kind.String()
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

// Bindings maps binder names to matched values.
type Bindings map[string]Value

type binding struct {
	binder *Pattern
	value  Value
}

// Match tests value against pattern. On success every binder of the
// pattern is added to bindings; on failure bindings is left untouched.
func Match(h *Heap, pattern *Pattern, value Value, bindings Bindings) bool {
	var scratch []binding
	if !matchInto(h, pattern, value, &scratch) {
		return false
	}
	for _, b := range scratch {
		bindings[b.binder.Name] = b.value
	}
	return true
}

// MatchFirst tries each alternative in order and returns the index of the
// first that matches, or -1. Bindings of failed alternatives are never
// merged.
func MatchFirst(h *Heap, alternatives []*Pattern, value Value, bindings Bindings) int {
	for i, p := range alternatives {
		if Match(h, p, value, bindings) {
			return i
		}
	}
	return -1
}

// matchInto appends the bindings of a successful match to out. On failure
// out may hold partial bindings; callers discard them.
func matchInto(h *Heap, p *Pattern, v Value, out *[]binding) bool {
	switch p.Kind {
	case PatternWildcard:
		return true

	case PatternLiteral:
		return p.Literal.matches(h, v)

	case PatternBind:
		if len(p.Items) == 1 && !matchInto(h, p.Items[0], v, out) {
			return false
		}
		*out = append(*out, binding{binder: p, value: v})
		return true

	case PatternTuple:
		t, ok := h.Tuple(v)
		if !ok || len(t.items) != len(p.Items) {
			return false
		}
		for i, item := range p.Items {
			if !matchInto(h, item, t.items[i], out) {
				return false
			}
		}
		return true

	case PatternUnion:
		u, ok := h.Union(v)
		if !ok || u.tag != p.Name {
			return false
		}
		if len(p.Items) == 1 {
			return matchInto(h, p.Items[0], u.payload, out)
		}
		return true

	case PatternRecord:
		r, ok := h.Record(v)
		if !ok {
			return false
		}
		// The record may carry fields the pattern does not name. Shape
		// first: every named field must exist before any sub-pattern runs.
		idx := make([]int, len(p.Fields))
		for i, name := range p.Fields {
			j, ok := r.index(name)
			if !ok {
				return false
			}
			idx[i] = j
		}
		for i, item := range p.Items {
			if !matchInto(h, item, r.values[idx[i]], out) {
				return false
			}
		}
		return true
	}
	return false
}
