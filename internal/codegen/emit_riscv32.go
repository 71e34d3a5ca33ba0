package codegen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"toycc/internal/ast"
)

// ---------------------------------------------------------------------------
// RV32 Assembly Emitter
//
// Produces GNU-style RV32 assembly using the standard calling convention:
// a0..a7 carry arguments and a0 the result; t0..t6 are per-instruction
// scratch; allocated values live in callee-saved s1..s11; s0 is the frame
// pointer.
//
// Per-function frame (grows downward from fp):
//
//	[ caller-passed stack args ]   at fp+0, fp+4, …
//	fp ─────────────────────────
//	[ saved ra ]                   fp-4
//	[ saved old fp ]               fp-8
//	[ saved callee-saved regs ]    fp-12, fp-16, …
//	[ local vars / spilled temps ]
//	[ outgoing stack args ]        0(sp), 4(sp), …
//	sp ─────────────────────────
//
// Frame size = saved regs + locals + outgoing args + 8, rounded up to 16.
// ---------------------------------------------------------------------------

// maxSmallFrame keeps every prologue/epilogue offset within the signed
// 12-bit immediate range of addi/sw/lw.
const maxSmallFrame = 2032

// EmitRiscv32 converts a Module to RV32 assembly text under the given
// register-allocation strategy, then runs the peephole pass over the result.
func EmitRiscv32(m *Module, strategy Strategy) string {
	e := &riscvEmitter{
		m:        m,
		strategy: strategy,
		b:        &strings.Builder{},
	}
	e.emit()
	return Peephole(e.b.String())
}

type riscvEmitter struct {
	m        *Module
	strategy Strategy
	b        *strings.Builder

	// Per-function state.
	fnName          string
	retType         ast.ReturnType
	alloc           map[string]string
	slots           map[string]int
	frameSize       int
	usedCalleeSaved []string
	paramQueue      []Operand
	scratchNext     int
}

// ---------------------------------------------------------------------------
// Output helpers
// ---------------------------------------------------------------------------

func (e *riscvEmitter) ins(format string, args ...interface{}) {
	e.b.WriteString("    ")
	fmt.Fprintf(e.b, format, args...)
	e.b.WriteByte('\n')
}

func (e *riscvEmitter) label(name string) {
	e.b.WriteString(name)
	e.b.WriteString(":\n")
}

// scratch hands out t0..t6 round-robin. The ring resets per IR instruction,
// which is safe because no value lives in a t-register between instructions.
func (e *riscvEmitter) scratch() string {
	r := fmt.Sprintf("t%d", e.scratchNext%7)
	e.scratchNext++
	return r
}

// ---------------------------------------------------------------------------
// Top-level emission
// ---------------------------------------------------------------------------

func (e *riscvEmitter) emit() {
	e.b.WriteString(".text\n")
	spans := e.m.FuncSpans()
	for _, sp := range spans {
		fmt.Fprintf(e.b, ".global %s\n", sp.Name)
	}
	e.b.WriteByte('\n')
	for _, sp := range spans {
		e.emitFunction(sp)
		e.b.WriteByte('\n')
	}
}

// ---------------------------------------------------------------------------
// Frame layout
// ---------------------------------------------------------------------------

// layoutFunction computes register assignments, stack slots, and the frame
// size for one function body.
func (e *riscvEmitter) layoutFunction(begin Instr, body []Instr) {
	e.fnName = begin.Name
	e.retType = begin.ReturnType
	e.alloc = AllocateRegisters(body, e.strategy)
	e.slots = map[string]int{}
	e.paramQueue = nil

	// Callee-saved registers actually used, in numeric order.
	seen := map[string]bool{}
	for _, reg := range e.alloc {
		seen[reg] = true
	}
	e.usedCalleeSaved = e.usedCalleeSaved[:0]
	for reg := range seen {
		e.usedCalleeSaved = append(e.usedCalleeSaved, reg)
	}
	sort.Slice(e.usedCalleeSaved, func(i, j int) bool {
		a, _ := strconv.Atoi(e.usedCalleeSaved[i][1:])
		b, _ := strconv.Atoi(e.usedCalleeSaved[j][1:])
		return a < b
	})

	// Parameters beyond the eighth already have caller-side homes at
	// positive offsets.
	stackParam := map[string]int{}
	for i, name := range begin.ParamNames {
		if i >= 8 {
			stackParam[name] = (i - 8) * 4
		}
	}

	// Collect every name in first-appearance order: parameters first, then
	// body defs and uses.
	var names []string
	known := map[string]bool{}
	note := func(name string) {
		if name != "" && !known[name] {
			known[name] = true
			names = append(names, name)
		}
	}
	for _, p := range begin.ParamNames {
		note(p)
	}
	for _, in := range body {
		if def, ok := in.Def(); ok {
			note(def)
		}
		for _, use := range in.Uses() {
			note(use)
		}
	}

	// Assign local slots below the callee-saved area to every name that has
	// neither a register nor a caller-side home.
	localBase := 12 + 4*len(e.usedCalleeSaved)
	nextLocal := 0
	for _, name := range names {
		if _, ok := e.alloc[name]; ok {
			continue
		}
		if off, ok := stackParam[name]; ok {
			e.slots[name] = off
			continue
		}
		e.slots[name] = -(localBase + nextLocal)
		nextLocal += 4
	}
	// Register-allocated stack parameters still need their incoming slot
	// recorded so the prologue can load them.
	for name, off := range stackParam {
		if _, ok := e.alloc[name]; ok {
			e.slots[name] = off
		}
	}

	maxArgs := 0
	for _, in := range body {
		if in.Op == OpCall && in.ArgCount > maxArgs {
			maxArgs = in.ArgCount
		}
	}
	outgoing := 0
	if maxArgs > 8 {
		outgoing = (maxArgs - 8) * 4
	}

	size := 4*len(e.usedCalleeSaved) + nextLocal + outgoing + 8
	e.frameSize = (size + 15) &^ 15
}

// calleeSavedOffset returns the fp-relative save slot of the k-th used
// callee-saved register.
func calleeSavedOffset(k int) int {
	return -(12 + 4*k)
}

// ---------------------------------------------------------------------------
// Function emission
// ---------------------------------------------------------------------------

func (e *riscvEmitter) emitFunction(sp FuncSpan) {
	begin := e.m.Instrs[sp.Begin]
	body := e.m.Instrs[sp.Begin+1 : sp.End]
	e.layoutFunction(begin, body)

	e.label(begin.Name)
	e.emitPrologue(begin)

	for _, in := range body {
		e.scratchNext = 0
		e.emitInstr(in)
	}

	e.emitEpilogue()
}

func (e *riscvEmitter) emitPrologue(begin Instr) {
	f := e.frameSize
	if f <= maxSmallFrame {
		e.ins("addi sp, sp, -%d", f)
		e.ins("sw ra, %d(sp)", f-4)
		e.ins("sw fp, %d(sp)", f-8)
		e.ins("addi fp, sp, %d", f)
	} else {
		// Offsets beyond the 12-bit immediate range: materialize the frame
		// size and address the save slots through the new fp.
		e.ins("li t0, %d", f)
		e.ins("sub sp, sp, t0")
		e.ins("add t1, sp, t0")
		e.ins("sw ra, -4(t1)")
		e.ins("sw fp, -8(t1)")
		e.ins("mv fp, t1")
	}

	for k, reg := range e.usedCalleeSaved {
		e.ins("sw %s, %d(fp)", reg, calleeSavedOffset(k))
	}

	// Move incoming arguments to their homes.
	for i, name := range begin.ParamNames {
		if i < 8 {
			if reg, ok := e.alloc[name]; ok {
				e.ins("mv %s, a%d", reg, i)
			} else {
				e.ins("sw a%d, %d(fp)", i, e.slots[name])
			}
			continue
		}
		if reg, ok := e.alloc[name]; ok {
			e.ins("lw %s, %d(fp)", reg, (i-8)*4)
		}
	}
}

func (e *riscvEmitter) emitEpilogue() {
	e.label(e.fnName + "_epilogue")
	for k, reg := range e.usedCalleeSaved {
		e.ins("lw %s, %d(fp)", reg, calleeSavedOffset(k))
	}
	f := e.frameSize
	if f <= maxSmallFrame {
		e.ins("lw ra, %d(sp)", f-4)
		e.ins("lw fp, %d(sp)", f-8)
		e.ins("addi sp, sp, %d", f)
	} else {
		e.ins("lw ra, -4(fp)")
		e.ins("lw t0, -8(fp)")
		e.ins("mv sp, fp")
		e.ins("mv fp, t0")
	}
	e.ins("ret")
}

// ---------------------------------------------------------------------------
// Operand access
// ---------------------------------------------------------------------------

// operandReg returns a register holding the operand's value, loading into
// scratch when the value lives in memory or is a constant.
func (e *riscvEmitter) operandReg(op Operand) string {
	if op.Kind == OperandConst {
		r := e.scratch()
		e.ins("li %s, %d", r, op.Value)
		return r
	}
	if reg, ok := e.alloc[op.Name]; ok {
		return reg
	}
	r := e.scratch()
	e.ins("lw %s, %d(fp)", r, e.slots[op.Name])
	return r
}

// destReg returns the register a result should be computed into and whether
// it is the name's permanent home (true) or a scratch that must be stored
// back (false).
func (e *riscvEmitter) destReg(op Operand) (string, bool) {
	if reg, ok := e.alloc[op.Name]; ok {
		return reg, true
	}
	return e.scratch(), false
}

// storeDest writes a scratch-computed result back to its stack slot.
func (e *riscvEmitter) storeDest(op Operand, reg string, direct bool) {
	if !direct {
		e.ins("sw %s, %d(fp)", reg, e.slots[op.Name])
	}
}

// loadInto places an operand's value into a specific register (an a-register
// for calls and returns).
func (e *riscvEmitter) loadInto(target string, op Operand) {
	switch {
	case op.Kind == OperandConst:
		e.ins("li %s, %d", target, op.Value)
	default:
		if reg, ok := e.alloc[op.Name]; ok {
			e.ins("mv %s, %s", target, reg)
		} else {
			e.ins("lw %s, %d(fp)", target, e.slots[op.Name])
		}
	}
}

// ---------------------------------------------------------------------------
// Instruction emission
// ---------------------------------------------------------------------------

func (e *riscvEmitter) emitInstr(in Instr) {
	switch {
	case in.Op.IsBinary():
		e.emitBinary(in)
	case in.Op.IsUnary():
		e.emitUnary(in)
	case in.Op == OpAssign:
		e.emitAssign(in)
	case in.Op == OpGoto:
		e.ins("j %s", in.Label)
	case in.Op == OpIfTrueGoto:
		r := e.operandReg(in.Src1)
		e.ins("bnez %s, %s", r, in.Label)
	case in.Op == OpLabel:
		e.label(in.Label)
	case in.Op == OpParam:
		e.paramQueue = append(e.paramQueue, in.Src1)
	case in.Op == OpCall:
		e.emitCall(in)
	case in.Op == OpReturn:
		if in.Src1.Kind != OperandNone {
			e.loadInto("a0", in.Src1)
		}
		e.ins("j %s_epilogue", e.fnName)
	}
}

func (e *riscvEmitter) emitBinary(in Instr) {
	r1 := e.operandReg(in.Src1)
	r2 := e.operandReg(in.Src2)
	rd, direct := e.destReg(in.Dst)

	switch in.Op {
	case OpAdd:
		e.ins("add %s, %s, %s", rd, r1, r2)
	case OpSub:
		e.ins("sub %s, %s, %s", rd, r1, r2)
	case OpMul:
		e.ins("mul %s, %s, %s", rd, r1, r2)
	case OpDiv:
		e.ins("div %s, %s, %s", rd, r1, r2)
	case OpMod:
		e.ins("rem %s, %s, %s", rd, r1, r2)
	case OpLt:
		e.ins("slt %s, %s, %s", rd, r1, r2)
	case OpGt:
		e.ins("slt %s, %s, %s", rd, r2, r1)
	case OpLe:
		e.ins("slt %s, %s, %s", rd, r2, r1)
		e.ins("xori %s, %s, 1", rd, rd)
	case OpGe:
		e.ins("slt %s, %s, %s", rd, r1, r2)
		e.ins("xori %s, %s, 1", rd, rd)
	case OpEq:
		e.ins("xor %s, %s, %s", rd, r1, r2)
		e.ins("seqz %s, %s", rd, rd)
	case OpNe:
		e.ins("xor %s, %s, %s", rd, r1, r2)
		e.ins("snez %s, %s", rd, rd)
	case OpAnd:
		ra := e.scratch()
		rb := e.scratch()
		e.ins("snez %s, %s", ra, r1)
		e.ins("snez %s, %s", rb, r2)
		e.ins("and %s, %s, %s", rd, ra, rb)
	case OpOr:
		ra := e.scratch()
		e.ins("or %s, %s, %s", ra, r1, r2)
		e.ins("snez %s, %s", rd, ra)
	}

	e.storeDest(in.Dst, rd, direct)
}

func (e *riscvEmitter) emitUnary(in Instr) {
	r1 := e.operandReg(in.Src1)
	rd, direct := e.destReg(in.Dst)
	if in.Op == OpNeg {
		e.ins("neg %s, %s", rd, r1)
	} else {
		e.ins("seqz %s, %s", rd, r1)
	}
	e.storeDest(in.Dst, rd, direct)
}

func (e *riscvEmitter) emitAssign(in Instr) {
	if reg, ok := e.alloc[in.Dst.Name]; ok {
		e.loadInto(reg, in.Src1)
		return
	}
	r := e.operandReg(in.Src1)
	e.ins("sw %s, %d(fp)", r, e.slots[in.Dst.Name])
}

// emitCall places the queued arguments, invokes the callee, and captures the
// result. Allocated values live in callee-saved registers, so nothing else
// needs saving across the call.
func (e *riscvEmitter) emitCall(in Instr) {
	args := e.paramQueue
	if len(args) > in.ArgCount {
		args = args[len(args)-in.ArgCount:]
	}
	for i, a := range args {
		if i < 8 {
			e.loadInto(fmt.Sprintf("a%d", i), a)
			continue
		}
		r := e.operandReg(a)
		e.ins("sw %s, %d(sp)", r, (i-8)*4)
	}
	e.paramQueue = nil

	e.ins("call %s", in.Name)

	if in.Dst.IsName() {
		if reg, ok := e.alloc[in.Dst.Name]; ok {
			e.ins("mv %s, a0", reg)
		} else {
			e.ins("sw a0, %d(fp)", e.slots[in.Dst.Name])
		}
	}
}

// ---------------------------------------------------------------------------
// Peephole pass — line-level, on the emitted text
// ---------------------------------------------------------------------------

// Peephole applies three textual rewrites to the emitted assembly:
//
//  1. remove `mv rX, rX`
//  2. fuse   `li rT, 0` + `beq rA, rT, L` → `beqz rA, L` (same for bne/bnez)
//  3. collapse `sw rX, k(fp)` + `lw rX, k(fp)` to the store alone
//
// Applying the pass twice yields identical text.
func Peephole(asm string) string {
	lines := strings.Split(asm, "\n")
	var out []string

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		fields := splitAsmLine(line)

		// Rule 1: mv rX, rX
		if len(fields) == 3 && fields[0] == "mv" && fields[1] == fields[2] {
			continue
		}

		// Rule 2: li rT, 0 followed by beq/bne rA, rT, L
		if i+1 < len(lines) && len(fields) == 3 && fields[0] == "li" && fields[2] == "0" {
			next := splitAsmLine(lines[i+1])
			if len(next) == 4 && (next[0] == "beq" || next[0] == "bne") && next[2] == fields[1] {
				mnem := "beqz"
				if next[0] == "bne" {
					mnem = "bnez"
				}
				out = append(out, fmt.Sprintf("    %s %s, %s", mnem, next[1], next[3]))
				i++
				continue
			}
		}

		// Rule 3: sw rX, k(fp) followed by lw rX, k(fp)
		if i+1 < len(lines) && len(fields) == 3 && fields[0] == "sw" && strings.HasSuffix(fields[2], "(fp)") {
			next := splitAsmLine(lines[i+1])
			if len(next) == 3 && next[0] == "lw" && next[1] == fields[1] && next[2] == fields[2] {
				out = append(out, line)
				i++
				continue
			}
		}

		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// splitAsmLine breaks "    op a, b, c" into ["op","a","b","c"].
func splitAsmLine(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasSuffix(line, ":") || strings.HasPrefix(line, ".") {
		return nil
	}
	var fields []string
	for _, f := range strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	}) {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}
