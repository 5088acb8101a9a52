package vm

import (
	"fmt"
	"strings"
)

// Disassemble renders every function of the unit: its header, captures
// and instructions, with constant operands resolved and source lines shown
// where they change.
func (u *CompiledUnit) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "unit %s: %d constants, %d bytes, main = %d\n", u.Name, len(u.Constants), len(u.Code), u.Main)
	for i := range u.Constants {
		c := &u.Constants[i]
		if c.Kind == ConstProto && c.Proto != nil {
			sb.WriteByte('\n')
			u.disassembleProto(&sb, i, c.Proto)
		}
	}
	return sb.String()
}

// DisassembleProto renders one function.
func (u *CompiledUnit) DisassembleProto(p *Prototype) string {
	var sb strings.Builder
	u.disassembleProto(&sb, -1, p)
	return sb.String()
}

func (u *CompiledUnit) disassembleProto(sb *strings.Builder, index int, p *Prototype) {
	if index >= 0 {
		fmt.Fprintf(sb, "== %s/%d (constant %d) locals=%d ==\n", protoName(p), p.Arity, index, p.Locals)
	} else {
		fmt.Fprintf(sb, "== %s/%d locals=%d ==\n", protoName(p), p.Arity, p.Locals)
	}
	for i, c := range p.Captures {
		if c.FromLocal {
			fmt.Fprintf(sb, "  capture %d <- local %d\n", i, c.Index)
		} else {
			fmt.Fprintf(sb, "  capture %d <- capture %d\n", i, c.Index)
		}
	}

	lastLine := -1
	for pc := p.Entry; pc < p.End(); {
		in, err := DecodeInstruction(u.Code[:p.End()], pc)
		if err != nil {
			fmt.Fprintf(sb, "%04d  <%v>\n", pc, err)
			return
		}
		line := DisassembleInstruction(in)
		if note := u.operandNote(in); note != "" {
			line += "  ; " + note
		}
		if loc, ok := u.Locate(pc); ok && loc.Line != lastLine {
			lastLine = loc.Line
			line = fmt.Sprintf("%-48s  @%d:%d", line, loc.Line, loc.Column)
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		pc = in.Next
	}
}

// operandNote describes a constant operand.
func (u *CompiledUnit) operandNote(in Instruction) string {
	switch in.Op {
	case OpPushConst, OpClosure, OpMakeUnion, OpMakeRecord, OpRecordGet, OpMatch, OpDestructure:
		if in.A < len(u.Constants) {
			return u.Constants[in.A].String()
		}
		return "<out of range>"
	}
	return ""
}
