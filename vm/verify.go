package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Load-time verification
// ---------------------------------------------------------------------------

// VerifyError reports a malformed unit.
type VerifyError struct {
	Function string
	Offset   int // -1 when not tied to an instruction
	Message  string
}

func (e *VerifyError) Error() string {
	if e.Offset < 0 {
		if e.Function == "" {
			return "verify: " + e.Message
		}
		return fmt.Sprintf("verify %s: %s", e.Function, e.Message)
	}
	return fmt.Sprintf("verify %s at %d: %s", e.Function, e.Offset, e.Message)
}

// Verify checks that a unit is safe to execute: every prototype decodes
// into well-formed instructions, operands reference constants of the right
// kind and slots that exist, jumps land on instruction boundaries inside
// their prototype, and the operand stack depth is the same on every path
// into an instruction, never drops below zero, and every path ends in a
// return, tail call, jump or match failure.
func Verify(u *CompiledUnit) error {
	main, err := u.MainProto()
	if err != nil {
		return &VerifyError{Offset: -1, Message: err.Error()}
	}
	if main.Arity > 1 {
		return &VerifyError{Function: protoName(main), Offset: -1,
			Message: fmt.Sprintf("main takes %d arguments; at most one is allowed", main.Arity)}
	}
	if len(main.Captures) > 0 {
		return &VerifyError{Function: protoName(main), Offset: -1, Message: "main cannot capture variables"}
	}

	for i := 1; i < len(u.Lines); i++ {
		if u.Lines[i].Offset < u.Lines[i-1].Offset {
			return &VerifyError{Offset: -1, Message: "source locations are not sorted by offset"}
		}
	}

	for i := range u.Constants {
		c := &u.Constants[i]
		switch c.Kind {
		case ConstUnit, ConstBool, ConstFloat, ConstString, ConstNames:
		case ConstInt:
			if _, ok := TryFromInt(c.Int); !ok {
				return &VerifyError{Offset: -1, Message: fmt.Sprintf("constant %d: integer %d out of range", i, c.Int)}
			}
		case ConstNative:
			if c.Str == "" {
				return &VerifyError{Offset: -1, Message: fmt.Sprintf("constant %d: native without a name", i)}
			}
		case ConstPattern:
			if c.Pattern == nil {
				return &VerifyError{Offset: -1, Message: fmt.Sprintf("constant %d: missing pattern", i)}
			}
			if err := c.Pattern.Validate(); err != nil {
				return &VerifyError{Offset: -1, Message: fmt.Sprintf("constant %d: %v", i, err)}
			}
		case ConstProto:
			if c.Proto == nil {
				return &VerifyError{Offset: -1, Message: fmt.Sprintf("constant %d: missing prototype", i)}
			}
		default:
			return &VerifyError{Offset: -1, Message: fmt.Sprintf("constant %d: unknown kind %d", i, c.Kind)}
		}
	}

	// Bodies reference other constants, so they are checked once every
	// constant is known to be well formed.
	for i := range u.Constants {
		if c := &u.Constants[i]; c.Kind == ConstProto {
			if err := verifyProto(u, c.Proto); err != nil {
				return err
			}
		}
	}
	return nil
}

type protoVerifier struct {
	unit  *CompiledUnit
	proto *Prototype
	name  string
}

func (v *protoVerifier) errorf(offset int, format string, args ...any) error {
	return &VerifyError{Function: v.name, Offset: offset, Message: fmt.Sprintf(format, args...)}
}

func verifyProto(u *CompiledUnit, p *Prototype) error {
	v := &protoVerifier{unit: u, proto: p, name: protoName(p)}

	switch {
	case p.Arity < 0:
		return v.errorf(-1, "negative arity %d", p.Arity)
	case p.Locals < p.Arity:
		return v.errorf(-1, "%d locals cannot hold %d parameters", p.Locals, p.Arity)
	case p.Locals > 256:
		return v.errorf(-1, "%d locals exceed the 256 addressable slots", p.Locals)
	case p.Length <= 0:
		return v.errorf(-1, "empty body")
	case p.Entry < 0 || p.Entry > len(u.Code) || p.Length > len(u.Code)-p.Entry:
		return v.errorf(-1, "body [%d, %d) outside code of %d bytes", p.Entry, p.End(), len(u.Code))
	}

	// Decode every instruction once.
	var order []Instruction
	at := make(map[int]int) // offset -> index in order
	for pc := p.Entry; pc < p.End(); {
		in, err := DecodeInstruction(u.Code[:p.End()], pc)
		if err != nil {
			return v.errorf(pc, "%v", err)
		}
		if err := v.checkOperands(in); err != nil {
			return err
		}
		at[pc] = len(order)
		order = append(order, in)
		pc = in.Next
	}
	for _, in := range order {
		if in.IsJump() {
			if _, ok := at[in.Target()]; !ok {
				return v.errorf(in.Offset, "%s target %d is not an instruction of this function", in.Op, in.Target())
			}
		}
	}

	return v.checkStack(order, at)
}

func (v *protoVerifier) constant(in Instruction, want ConstKind) (*Constant, error) {
	if in.A >= len(v.unit.Constants) {
		return nil, v.errorf(in.Offset, "%s constant %d out of range", in.Op, in.A)
	}
	c := &v.unit.Constants[in.A]
	if c.Kind != want {
		return nil, v.errorf(in.Offset, "%s needs a %s constant, %d is a %s", in.Op, want, in.A, c.Kind)
	}
	return c, nil
}

func (v *protoVerifier) checkOperands(in Instruction) error {
	p := v.proto
	switch in.Op {
	case OpPushConst:
		if in.A >= len(v.unit.Constants) {
			return v.errorf(in.Offset, "constant %d out of range", in.A)
		}
		if kind := v.unit.Constants[in.A].Kind; !kind.Pushable() {
			return v.errorf(in.Offset, "cannot push a %s constant", kind)
		}

	case OpLoadLocal, OpStoreLocal, OpMakeCell:
		if in.A >= p.Locals {
			return v.errorf(in.Offset, "local %d outside %d locals", in.A, p.Locals)
		}

	case OpLoadCapture, OpStoreCapture:
		if in.A >= len(p.Captures) {
			return v.errorf(in.Offset, "capture %d outside %d captures", in.A, len(p.Captures))
		}

	case OpClosure:
		c, err := v.constant(in, ConstProto)
		if err != nil {
			return err
		}
		for i, spec := range c.Proto.Captures {
			if spec.FromLocal && (spec.Index < 0 || spec.Index >= p.Locals) {
				return v.errorf(in.Offset, "capture %d of %s reads local %d outside %d locals",
					i, protoName(c.Proto), spec.Index, p.Locals)
			}
			if !spec.FromLocal && (spec.Index < 0 || spec.Index >= len(p.Captures)) {
				return v.errorf(in.Offset, "capture %d of %s reads capture %d outside %d captures",
					i, protoName(c.Proto), spec.Index, len(p.Captures))
			}
		}

	case OpMakeUnion, OpRecordGet:
		if _, err := v.constant(in, ConstString); err != nil {
			return err
		}

	case OpMakeRecord:
		c, err := v.constant(in, ConstNames)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(c.Names))
		for _, name := range c.Names {
			if _, dup := seen[name]; dup {
				return v.errorf(in.Offset, "record names field %q twice", name)
			}
			seen[name] = struct{}{}
		}

	case OpMatch, OpDestructure:
		c, err := v.constant(in, ConstPattern)
		if err != nil {
			return err
		}
		for _, b := range c.Pattern.Binders() {
			if b.Slot >= p.Locals {
				return v.errorf(in.Offset, "pattern binds %q to local %d outside %d locals", b.Name, b.Slot, p.Locals)
			}
		}
	}
	return nil
}

// stackUse returns how many values an instruction pops and pushes.
func (v *protoVerifier) stackUse(in Instruction) (pops, pushes int) {
	switch in.Op {
	case OpCall:
		return in.A + 1, 1
	case OpTailCall:
		return in.A + 1, 0
	case OpMakeTuple:
		return in.A, 1
	case OpMakeRecord:
		return len(v.unit.Constants[in.A].Names), 1
	case OpDup:
		return 1, 2
	case OpSwap:
		return 2, 2
	case OpNeg, OpNot, OpMakeUnion, OpTupleGet, OpRecordGet, OpUnwrap, OpSpawn, OpYield, OpMatch:
		return 1, 1
	case OpResume:
		return 2, 1
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return 2, 1
	}
	// The rest either only push or only pop.
	effect := in.Op.Info().StackEffect
	if effect < 0 {
		return -effect, 0
	}
	return 0, effect
}

// checkStack runs an abstract interpretation of operand stack depth over
// the function's control flow graph.
func (v *protoVerifier) checkStack(order []Instruction, at map[int]int) error {
	depth := make([]int, len(order))
	for i := range depth {
		depth[i] = -1
	}
	depth[0] = 0
	work := []int{0}

	flow := func(from Instruction, to int, d int) error {
		i, ok := at[to]
		if !ok {
			return v.errorf(from.Offset, "control falls off the end of the function")
		}
		switch depth[i] {
		case -1:
			depth[i] = d
			work = append(work, i)
		case d:
		default:
			return v.errorf(to, "stack depth %d on one path and %d on another", depth[i], d)
		}
		return nil
	}

	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := order[i]

		pops, pushes := v.stackUse(in)
		if depth[i] < pops {
			return v.errorf(in.Offset, "%s needs %d values, stack holds %d", in.Op, pops, depth[i])
		}
		after := depth[i] - pops + pushes

		if in.IsJump() {
			if err := flow(in, in.Target(), after); err != nil {
				return err
			}
		}
		if !in.Op.Info().Terminator {
			if err := flow(in, in.Next, after); err != nil {
				return err
			}
		}
	}
	return nil
}
