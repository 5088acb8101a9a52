package vm

import (
	"testing"
)

func TestMatch(t *testing.T) {
	h := NewHeap()
	pair := h.NewTuple([]Value{FromInt(5), h.NewString("five")})
	some := h.NewUnion("Some", FromInt(3))
	none := h.NewUnion("None", Unit)
	point, _ := h.NewRecord([]Field{{"x", FromInt(1)}, {"y", FromInt(2)}, {"z", FromInt(3)}})

	tests := []struct {
		name    string
		pattern *Pattern
		value   Value
		ok      bool
		binds   map[string]int64 // int-valued bindings to check
	}{
		{"wildcard", WildcardPattern(), Unit, true, nil},
		{"literal int", LiteralPattern(IntConst(5)), FromInt(5), true, nil},
		{"literal int mismatch", LiteralPattern(IntConst(5)), FromInt(6), false, nil},
		{"literal string", LiteralPattern(StringConst("five")), h.NewString("five"), true, nil},
		{"literal string against int", LiteralPattern(StringConst("5")), FromInt(5), false, nil},
		{"literal bool", LiteralPattern(BoolConst(true)), True, true, nil},
		{"literal unit", LiteralPattern(UnitConst()), Unit, true, nil},
		{"bind", BindPattern("n", 0), FromInt(9), true, map[string]int64{"n": 9}},
		{"tuple", TuplePattern(BindPattern("a", 0), LiteralPattern(StringConst("five"))), pair, true,
			map[string]int64{"a": 5}},
		{"tuple arity", TuplePattern(WildcardPattern()), pair, false, nil},
		{"tuple against union", TuplePattern(), some, false, nil},
		{"union payload", UnionPattern("Some", BindPattern("v", 0)), some, true, map[string]int64{"v": 3}},
		{"union tag", UnionPattern("Some", nil), none, false, nil},
		{"union any payload", UnionPattern("None", nil), none, true, nil},
		{"record subset", RecordPattern([]string{"z", "x"}, BindPattern("z", 0), BindPattern("x", 1)), point, true,
			map[string]int64{"x": 1, "z": 3}},
		{"record missing field", RecordPattern([]string{"w"}, WildcardPattern()), point, false, nil},
		{"record field mismatch", RecordPattern([]string{"x"}, LiteralPattern(IntConst(2))), point, false, nil},
		{"as pattern", AsPattern("whole", 0, UnionPattern("Some", BindPattern("v", 1))), some, true,
			map[string]int64{"v": 3}},
	}

	for _, tt := range tests {
		b := Bindings{}
		if got := Match(h, tt.pattern, tt.value, b); got != tt.ok {
			t.Errorf("%s: Match(%s) = %v, want %v", tt.name, tt.pattern, got, tt.ok)
			continue
		}
		if !tt.ok && len(b) != 0 {
			t.Errorf("%s: failed match left bindings %v", tt.name, b)
		}
		for name, want := range tt.binds {
			if got, ok := b[name]; !ok || got.Int() != want {
				t.Errorf("%s: %s = %v, want %d", tt.name, name, got, want)
			}
		}
	}
}

func TestMatchFailureKeepsBindings(t *testing.T) {
	h := NewHeap()
	v := h.NewTuple([]Value{FromInt(5), FromInt(2)})
	// The first item binds before the second item fails.
	p := TuplePattern(BindPattern("a", 0), LiteralPattern(IntConst(1)))

	b := Bindings{"a": FromInt(100)}
	if Match(h, p, v, b) {
		t.Fatal("(a, 1) should not match (5, 2)")
	}
	if len(b) != 1 || b["a"].Int() != 100 {
		t.Errorf("bindings = %v, want the original a = 100", b)
	}
}

func TestMatchFirst(t *testing.T) {
	h := NewHeap()
	alts := []*Pattern{
		TuplePattern(BindPattern("x", 0), LiteralPattern(IntConst(0))),
		TuplePattern(LiteralPattern(IntConst(0)), BindPattern("y", 1)),
		WildcardPattern(),
	}
	tests := []struct {
		a, b  int64
		index int
		bound string
	}{
		{4, 0, 0, "x"},
		{0, 4, 1, "y"},
		{1, 1, 2, ""},
	}
	for _, tt := range tests {
		b := Bindings{}
		v := h.NewTuple([]Value{FromInt(tt.a), FromInt(tt.b)})
		if got := MatchFirst(h, alts, v, b); got != tt.index {
			t.Errorf("(%d, %d) matched alternative %d, want %d", tt.a, tt.b, got, tt.index)
		}
		if tt.bound == "" {
			if len(b) != 0 {
				t.Errorf("(%d, %d): wildcard left bindings %v", tt.a, tt.b, b)
			}
			continue
		}
		if len(b) != 1 || b[tt.bound].Int() != 4 {
			t.Errorf("(%d, %d): bindings = %v, want only %s = 4", tt.a, tt.b, b, tt.bound)
		}
	}

	if got := MatchFirst(h, alts[:2], FromInt(1), Bindings{}); got != -1 {
		t.Errorf("MatchFirst with no matching alternative = %d, want -1", got)
	}
}

func TestPatternValidate(t *testing.T) {
	tests := []struct {
		name    string
		pattern *Pattern
		ok      bool
	}{
		{"tuple", TuplePattern(BindPattern("a", 0), BindPattern("b", 1)), true},
		{"duplicate binder", TuplePattern(BindPattern("a", 0), BindPattern("a", 1)), false},
		{"nested duplicate", AsPattern("a", 0, UnionPattern("Some", BindPattern("a", 1))), false},
		{"duplicate record field", RecordPattern([]string{"x", "x"}, WildcardPattern(), WildcardPattern()), false},
		{"record arity", RecordPattern([]string{"x", "y"}, WildcardPattern()), false},
		{"native literal", LiteralPattern(NativeConst("print")), false},
		{"integer out of range", LiteralPattern(IntConst(MaxInt + 1)), false},
		{"unnamed binder", BindPattern("", 0), false},
		{"untagged union", UnionPattern("", nil), false},
	}
	for _, tt := range tests {
		err := tt.pattern.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v, want ok %v", tt.name, err, tt.ok)
		}
	}
}

func TestPatternString(t *testing.T) {
	p := TuplePattern(
		AsPattern("s", 0, UnionPattern("Some", LiteralPattern(StringConst("x")))),
		RecordPattern([]string{"x"}, BindPattern("x", 1)),
		UnionPattern("None", nil),
	)
	want := `(s@Some "x", {x: x}, None _)`
	if got := p.String(); got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
	if got := TuplePattern(WildcardPattern()).String(); got != "(_,)" {
		t.Errorf("String() = %s, want (_,)", got)
	}
}
