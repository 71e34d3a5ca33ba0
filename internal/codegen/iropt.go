package codegen

import "fmt"

// ---------------------------------------------------------------------------
// IR-level optimizer
//
// Mirrors the AST optimizer at the three-address level. Works function by
// function on basic blocks reconstructed from the flat instruction list:
// constant folding, cross-block constant propagation, copy propagation,
// common-subexpression elimination, loop-invariant code motion, dead-code
// elimination, and selective inlining of small leaf-ish functions.
// ---------------------------------------------------------------------------

// OptConfig tunes the IR optimizer.
type OptConfig struct {
	// InlineThreshold is the maximum body length (instructions between
	// FuncBegin and FuncEnd) a callee may have to be inlined.
	InlineThreshold int
}

// DefaultOptConfig returns the standard tuning.
func DefaultOptConfig() OptConfig {
	return OptConfig{InlineThreshold: 12}
}

// OptimizeIR rewrites the module in place and returns the number of
// rewrites applied.
func OptimizeIR(m *Module, cfg OptConfig) int {
	o := &irOptimizer{cfg: cfg}
	o.inlineSmallFunctions(m)

	// Earlier replacements shift indexes, so each function's span is
	// re-located by name and its body copied out before the passes run.
	var names []string
	for _, sp := range m.FuncSpans() {
		names = append(names, sp.Name)
	}
	for _, name := range names {
		sp, ok := findSpan(m, name)
		if !ok {
			continue
		}
		body := append([]Instr(nil), m.Instrs[sp.Begin+1:sp.End]...)
		// Two rounds let cleanups cascade (a fold exposes a copy, the copy
		// exposes dead code) without a full fixed-point loop.
		for round := 0; round < 2; round++ {
			body = o.constantFolding(body)
			body = o.constantPropagation(body)
			body = o.copyPropagation(body)
			body = o.commonSubexpressions(body)
			body = o.loopInvariantMotion(body)
			body = o.deadCodeElimination(body)
		}
		o.replaceBody(m, name, body)
	}
	// Inlining can strand a callee with no remaining call sites.
	pruneUnusedFunctions(m)
	return o.rewrites
}

type irOptimizer struct {
	cfg      OptConfig
	rewrites int
}

// findSpan locates a function span by name against the current instruction
// list.
func findSpan(m *Module, name string) (FuncSpan, bool) {
	for _, sp := range m.FuncSpans() {
		if sp.Name == name {
			return sp, true
		}
	}
	return FuncSpan{}, false
}

// replaceBody swaps the interior of the named function span for the rewritten
// instruction list.
func (o *irOptimizer) replaceBody(m *Module, name string, body []Instr) {
	sp, ok := findSpan(m, name)
	if !ok {
		return
	}
	out := make([]Instr, 0, sp.Begin+1+len(body)+len(m.Instrs)-sp.End)
	out = append(out, m.Instrs[:sp.Begin+1]...)
	out = append(out, body...)
	out = append(out, m.Instrs[sp.End:]...)
	m.Instrs = out
}

// ---------------------------------------------------------------------------
// Basic blocks and the CFG
// ---------------------------------------------------------------------------

// basicBlock is a [start,end) index range over a function body, with CFG
// edges expressed as block indexes.
type basicBlock struct {
	start, end int
	succs      []int
	preds      []int
}

// buildBlocks splits a function body at labels and after control transfers,
// then wires successor/predecessor edges.
func buildBlocks(body []Instr) []basicBlock {
	if len(body) == 0 {
		return nil
	}

	leaders := map[int]bool{0: true}
	for i, in := range body {
		if in.Op == OpLabel {
			leaders[i] = true
		}
		if in.IsControlTransfer() && i+1 < len(body) {
			leaders[i+1] = true
		}
	}

	var blocks []basicBlock
	labelToBlock := map[string]int{}
	start := 0
	for i := 1; i <= len(body); i++ {
		if i == len(body) || leaders[i] {
			blocks = append(blocks, basicBlock{start: start, end: i})
			start = i
		}
	}
	for bi, b := range blocks {
		for i := b.start; i < b.end; i++ {
			if body[i].Op == OpLabel {
				labelToBlock[body[i].Label] = bi
			}
		}
	}

	addEdge := func(from, to int) {
		blocks[from].succs = append(blocks[from].succs, to)
		blocks[to].preds = append(blocks[to].preds, from)
	}
	for bi, b := range blocks {
		last := body[b.end-1]
		switch last.Op {
		case OpGoto:
			if to, ok := labelToBlock[last.Label]; ok {
				addEdge(bi, to)
			}
		case OpIfTrueGoto:
			if to, ok := labelToBlock[last.Label]; ok {
				addEdge(bi, to)
			}
			if bi+1 < len(blocks) {
				addEdge(bi, bi+1)
			}
		case OpReturn:
			// no successors
		default:
			if bi+1 < len(blocks) {
				addEdge(bi, bi+1)
			}
		}
	}
	return blocks
}

// ---------------------------------------------------------------------------
// Constant folding
// ---------------------------------------------------------------------------

// constantFolding replaces pure operations over constants by plain
// assignments. Division and modulo by constant zero are left alone.
func (o *irOptimizer) constantFolding(body []Instr) []Instr {
	for i, in := range body {
		switch {
		case in.Op.IsBinary() && in.Src1.Kind == OperandConst && in.Src2.Kind == OperandConst:
			if v, ok := foldIrBinary(in.Op, in.Src1.Value, in.Src2.Value); ok {
				body[i] = Instr{Op: OpAssign, Dst: in.Dst, Src1: Const(v)}
				o.rewrites++
			}
		case in.Op.IsUnary() && in.Src1.Kind == OperandConst:
			v := in.Src1.Value
			if in.Op == OpNeg {
				v = -v
			} else if v == 0 {
				v = 1
			} else {
				v = 0
			}
			body[i] = Instr{Op: OpAssign, Dst: in.Dst, Src1: Const(v)}
			o.rewrites++
		}
	}
	return body
}

func foldIrBinary(op Op, l, r int32) (int32, bool) {
	boolToInt := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}
	switch op {
	case OpAdd:
		return l + r, true
	case OpSub:
		return l - r, true
	case OpMul:
		return l * r, true
	case OpDiv:
		if r == 0 {
			return 0, false
		}
		return l / r, true
	case OpMod:
		if r == 0 {
			return 0, false
		}
		return l % r, true
	case OpLt:
		return boolToInt(l < r), true
	case OpGt:
		return boolToInt(l > r), true
	case OpLe:
		return boolToInt(l <= r), true
	case OpGe:
		return boolToInt(l >= r), true
	case OpEq:
		return boolToInt(l == r), true
	case OpNe:
		return boolToInt(l != r), true
	case OpAnd:
		return boolToInt(l != 0 && r != 0), true
	case OpOr:
		return boolToInt(l != 0 || r != 0), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Constant propagation (cross-block, iterative)
// ---------------------------------------------------------------------------

type constEnv map[string]int32

func (e constEnv) clone() constEnv {
	c := make(constEnv, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// constantPropagation computes, for every block, the set of names known
// constant on entry (a name is constant at a merge only when every
// predecessor agrees) and substitutes those constants into operand uses.
func (o *irOptimizer) constantPropagation(body []Instr) []Instr {
	blocks := buildBlocks(body)
	if len(blocks) == 0 {
		return body
	}

	in := make([]constEnv, len(blocks))
	out := make([]constEnv, len(blocks))

	transfer := func(env constEnv, b basicBlock) constEnv {
		env = env.clone()
		for i := b.start; i < b.end; i++ {
			applyConstTransfer(env, body[i])
		}
		return env
	}

	// Iterate to a fixed point; the lattice only descends, so this
	// terminates quickly on student-sized programs.
	changed := true
	for changed {
		changed = false
		for bi, b := range blocks {
			var merged constEnv
			if len(b.preds) == 0 {
				merged = constEnv{}
			} else {
				for pi, p := range b.preds {
					if out[p] == nil {
						// Unprocessed predecessor contributes nothing yet.
						if pi == 0 {
							merged = constEnv{}
						}
						continue
					}
					if merged == nil {
						merged = out[p].clone()
						continue
					}
					for k, v := range merged {
						if pv, ok := out[p][k]; !ok || pv != v {
							delete(merged, k)
						}
					}
				}
				if merged == nil {
					merged = constEnv{}
				}
			}
			if !sameEnv(in[bi], merged) {
				in[bi] = merged
				changed = true
			}
			newOut := transfer(merged, b)
			if !sameEnv(out[bi], newOut) {
				out[bi] = newOut
				changed = true
			}
		}
	}

	// Rewrite pass: walk each block with its entry environment and replace
	// known-constant uses.
	for bi, b := range blocks {
		env := in[bi].clone()
		for i := b.start; i < b.end; i++ {
			o.substituteConsts(&body[i], env)
			applyConstTransfer(env, body[i])
		}
	}
	return body
}

func sameEnv(a, b constEnv) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// applyConstTransfer updates the environment for one instruction.
func applyConstTransfer(env constEnv, in Instr) {
	if def, ok := in.Def(); ok {
		if in.Op == OpAssign && in.Src1.Kind == OperandConst {
			env[def] = in.Src1.Value
		} else {
			delete(env, def)
		}
	}
}

// substituteConsts replaces name uses that are known constants.
func (o *irOptimizer) substituteConsts(in *Instr, env constEnv) {
	sub := func(op *Operand) {
		if op.IsName() {
			if v, ok := env[op.Name]; ok {
				*op = Const(v)
				o.rewrites++
			}
		}
	}
	switch {
	case in.Op.IsBinary():
		sub(&in.Src1)
		sub(&in.Src2)
	case in.Op.IsUnary(), in.Op == OpAssign, in.Op == OpParam,
		in.Op == OpReturn, in.Op == OpIfTrueGoto:
		sub(&in.Src1)
	}
}

// ---------------------------------------------------------------------------
// Copy propagation (per block)
// ---------------------------------------------------------------------------

// copyPropagation forwards `a = b` aliases within a basic block until a or b
// is redefined.
func (o *irOptimizer) copyPropagation(body []Instr) []Instr {
	blocks := buildBlocks(body)
	for _, b := range blocks {
		alias := map[string]string{} // copy → original
		for i := b.start; i < b.end; i++ {
			in := &body[i]

			sub := func(op *Operand) {
				if op.IsName() {
					if orig, ok := alias[op.Name]; ok {
						*op = nameOperand(orig)
						o.rewrites++
					}
				}
			}
			switch {
			case in.Op.IsBinary():
				sub(&in.Src1)
				sub(&in.Src2)
			case in.Op.IsUnary(), in.Op == OpAssign, in.Op == OpParam,
				in.Op == OpReturn, in.Op == OpIfTrueGoto:
				sub(&in.Src1)
			}

			if def, ok := in.Def(); ok {
				// Any alias built on the redefined name dies.
				delete(alias, def)
				for copyName, orig := range alias {
					if orig == def {
						delete(alias, copyName)
					}
				}
				if in.Op == OpAssign && in.Src1.IsName() && in.Src1.Name != def {
					alias[def] = in.Src1.Name
				}
			}
		}
	}
	return body
}

// nameOperand rebuilds an operand from a name, recovering temp-ness from the
// generator's %-prefix convention.
func nameOperand(name string) Operand {
	if len(name) > 0 && name[0] == '%' {
		return Temp(name)
	}
	return Var(name)
}

// ---------------------------------------------------------------------------
// Common-subexpression elimination (per block)
// ---------------------------------------------------------------------------

// commonSubexpressions reuses an earlier temp that computed the same pure
// binary or unary expression within the block.
func (o *irOptimizer) commonSubexpressions(body []Instr) []Instr {
	blocks := buildBlocks(body)
	for _, b := range blocks {
		avail := map[string]string{} // "op|src1|src2" → holding name
		exprsOf := map[string][]string{}

		kill := func(name string) {
			for key, holder := range avail {
				if holder == name {
					delete(avail, key)
				}
			}
			for _, key := range exprsOf[name] {
				delete(avail, key)
			}
			delete(exprsOf, name)
		}

		for i := b.start; i < b.end; i++ {
			in := &body[i]
			pure := (in.Op.IsBinary() && in.Op != OpDiv && in.Op != OpMod) || in.Op.IsUnary()
			if pure {
				key := fmt.Sprintf("%d|%s|%s", in.Op, in.Src1, in.Src2)
				if holder, ok := avail[key]; ok {
					*in = Instr{Op: OpAssign, Dst: in.Dst, Src1: nameOperand(holder)}
					o.rewrites++
				} else if def, ok := in.Def(); ok {
					kill(def)
					avail[key] = def
					for _, use := range in.Uses() {
						exprsOf[use] = append(exprsOf[use], key)
					}
					exprsOf[def] = append(exprsOf[def], key)
					continue
				}
			}
			if def, ok := in.Def(); ok {
				kill(def)
			}
		}
	}
	return body
}

// ---------------------------------------------------------------------------
// Loop-invariant code motion
// ---------------------------------------------------------------------------

// loopInvariantMotion hoists pure single-definition temp computations whose
// operands are constants or names never defined inside the loop. The hoisted
// instructions land immediately before the loop-header label, which only the
// fall-through entry path executes — a de-facto preheader, since back edges
// jump straight to the label.
func (o *irOptimizer) loopInvariantMotion(body []Instr) []Instr {
	loops := findNaturalLoops(body)
	if len(loops) == 0 {
		return body
	}

	defCounts := map[string]int{}
	for _, in := range body {
		if def, ok := in.Def(); ok {
			defCounts[def]++
		}
	}

	// Process one loop per call; the optimizer rounds pick up the rest.
	for _, loop := range loops {
		definedInLoop := map[string]bool{}
		for i := loop.start; i < loop.end; i++ {
			if def, ok := body[i].Def(); ok {
				definedInLoop[def] = true
			}
		}

		var hoisted []Instr
		var kept []Instr
		for i := loop.start; i < loop.end; i++ {
			in := body[i]
			if isLoopInvariant(in, definedInLoop, defCounts) {
				hoisted = append(hoisted, in)
				delete(definedInLoop, in.Dst.Name)
				o.rewrites++
				continue
			}
			kept = append(kept, in)
		}
		if len(hoisted) == 0 {
			continue
		}

		out := make([]Instr, 0, len(body))
		out = append(out, body[:loop.headerLabel]...)
		out = append(out, hoisted...)
		out = append(out, body[loop.headerLabel:loop.start]...)
		out = append(out, kept...)
		out = append(out, body[loop.end:]...)
		return out
	}
	return body
}

func isLoopInvariant(in Instr, definedInLoop map[string]bool, defCounts map[string]int) bool {
	pure := (in.Op.IsBinary() && in.Op != OpDiv && in.Op != OpMod) || in.Op.IsUnary()
	if !pure {
		return false
	}
	if in.Dst.Kind != OperandTemp || defCounts[in.Dst.Name] != 1 {
		return false
	}
	for _, use := range in.Uses() {
		if definedInLoop[use] {
			return false
		}
	}
	return true
}

// irLoop is one natural loop: the header label instruction index and the
// [start,end) body range between the header label and the back-edge jump.
type irLoop struct {
	headerLabel int
	start, end  int
}

// findNaturalLoops locates backward Goto/IfTrueGoto edges whose target label
// appears earlier in the body; the span between label and jump is the loop.
func findNaturalLoops(body []Instr) []irLoop {
	labelAt := map[string]int{}
	for i, in := range body {
		if in.Op == OpLabel {
			labelAt[in.Label] = i
		}
	}
	var loops []irLoop
	for i, in := range body {
		if in.Op != OpGoto && in.Op != OpIfTrueGoto {
			continue
		}
		if target, ok := labelAt[in.Label]; ok && target < i {
			loops = append(loops, irLoop{
				headerLabel: target,
				start:       target + 1,
				end:         i + 1,
			})
		}
	}
	// Outermost first: widest span wins when loops nest.
	for i := 0; i < len(loops); i++ {
		for j := i + 1; j < len(loops); j++ {
			if loops[j].end-loops[j].headerLabel > loops[i].end-loops[i].headerLabel {
				loops[i], loops[j] = loops[j], loops[i]
			}
		}
	}
	return loops
}

// ---------------------------------------------------------------------------
// Dead-code elimination
// ---------------------------------------------------------------------------

// deadCodeElimination removes pure definitions whose names are never read
// anywhere downstream. Calls always survive; their side effects are real
// even when the result is dead.
func (o *irOptimizer) deadCodeElimination(body []Instr) []Instr {
	for {
		useCounts := map[string]int{}
		for _, in := range body {
			for _, u := range in.Uses() {
				useCounts[u]++
			}
		}

		removedAny := false
		out := body[:0]
		for _, in := range body {
			def, hasDef := in.Def()
			removable := hasDef && useCounts[def] == 0 && in.Op != OpCall
			if removable {
				removedAny = true
				o.rewrites++
				continue
			}
			// A call with a dead destination keeps running for its effects.
			if in.Op == OpCall && hasDef && useCounts[def] == 0 {
				in.Dst = None()
			}
			out = append(out, in)
		}
		body = out
		if !removedAny {
			return body
		}
	}
}

// ---------------------------------------------------------------------------
// Selective inlining
// ---------------------------------------------------------------------------

// inlineSmallFunctions replaces calls to short, loop-free, non-recursive
// functions with a renamed copy of the callee body.
func (o *irOptimizer) inlineSmallFunctions(m *Module) {
	spans := m.FuncSpans()
	info := map[string]FuncSpan{}
	for _, sp := range spans {
		info[sp.Name] = sp
	}

	candidates := map[string]bool{}
	for _, sp := range spans {
		bodyLen := sp.End - sp.Begin - 1
		if bodyLen <= o.cfg.InlineThreshold &&
			!spanHasLoop(m.Instrs, sp) &&
			!callsTransitively(m, sp.Name, sp.Name) {
			candidates[sp.Name] = true
		}
	}
	if len(candidates) == 0 {
		return
	}

	inlineSeq := 0
	var out []Instr
	var paramRun []Instr

	flushParams := func() {
		out = append(out, paramRun...)
		paramRun = nil
	}

	for _, sp := range m.FuncSpans() {
		for idx := sp.Begin; idx <= sp.End; idx++ {
			in := m.Instrs[idx]
			switch in.Op {
			case OpParam:
				paramRun = append(paramRun, in)
				continue
			case OpCall:
				// Never inline a function into itself.
				callee, ok := info[in.Name]
				if !ok || !candidates[in.Name] || in.Name == sp.Name {
					flushParams()
					out = append(out, in)
					continue
				}
				inlineSeq++
				out = append(out, o.expandInline(m.Instrs, callee, paramRun, in, inlineSeq)...)
				paramRun = nil
				continue
			default:
				flushParams()
				out = append(out, in)
			}
		}
	}
	m.Instrs = out
}

// expandInline produces the renamed callee body for one call site.
func (o *irOptimizer) expandInline(instrs []Instr, callee FuncSpan, params []Instr, call Instr, seq int) []Instr {
	o.rewrites++
	suffix := fmt.Sprintf("_inl%d", seq)

	begin := instrs[callee.Begin]
	rename := map[string]string{}
	for _, p := range begin.ParamNames {
		rename[p] = p + suffix
	}

	var out []Instr

	// Bind arguments to the renamed parameters in order.
	for i, p := range params {
		if i < len(begin.ParamNames) {
			out = append(out, Instr{
				Op:   OpAssign,
				Dst:  Var(begin.ParamNames[i] + suffix),
				Src1: p.Src1,
			})
		}
	}

	endLabel := fmt.Sprintf("Linl%d_end", seq)

	renameOperand := func(op Operand) Operand {
		if !op.IsName() {
			return op
		}
		if to, ok := rename[op.Name]; ok {
			if op.Kind == OperandTemp {
				return Temp(to)
			}
			return Var(to)
		}
		to := op.Name + suffix
		rename[op.Name] = to
		if op.Kind == OperandTemp {
			return Temp(to)
		}
		return Var(to)
	}

	for i := callee.Begin + 1; i < callee.End; i++ {
		in := instrs[i]
		in.Dst = renameOperand(in.Dst)
		in.Src1 = renameOperand(in.Src1)
		in.Src2 = renameOperand(in.Src2)
		if in.Op == OpLabel || in.Op == OpGoto || in.Op == OpIfTrueGoto {
			in.Label = in.Label + suffix
		}
		if in.Op == OpReturn {
			if call.Dst.Kind != OperandNone && in.Src1.Kind != OperandNone {
				out = append(out, Instr{Op: OpAssign, Dst: call.Dst, Src1: in.Src1})
			}
			out = append(out, Instr{Op: OpGoto, Label: endLabel})
			continue
		}
		out = append(out, in)
	}
	out = append(out, Instr{Op: OpLabel, Label: endLabel})
	return out
}

// spanHasLoop reports whether a function body contains a backward jump.
func spanHasLoop(instrs []Instr, sp FuncSpan) bool {
	labelAt := map[string]int{}
	for i := sp.Begin; i <= sp.End; i++ {
		if instrs[i].Op == OpLabel {
			labelAt[instrs[i].Label] = i
		}
	}
	for i := sp.Begin; i <= sp.End; i++ {
		in := instrs[i]
		if in.Op == OpGoto || in.Op == OpIfTrueGoto {
			if target, ok := labelAt[in.Label]; ok && target < i {
				return true
			}
		}
	}
	return false
}

// callsTransitively reports whether from can reach target through the call
// graph.
func callsTransitively(m *Module, from, target string) bool {
	callees := map[string][]string{}
	for _, sp := range m.FuncSpans() {
		for i := sp.Begin; i <= sp.End; i++ {
			if m.Instrs[i].Op == OpCall {
				callees[sp.Name] = append(callees[sp.Name], m.Instrs[i].Name)
			}
		}
	}
	seen := map[string]bool{}
	work := append([]string(nil), callees[from]...)
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		work = append(work, callees[n]...)
	}
	return false
}
