package codegen

import (
	"fmt"

	"toycc/internal/ast"
	"toycc/internal/semantic"
)

// ---------------------------------------------------------------------------
// Generator — translates an AST compilation unit into a Module
//
// One walk over the (possibly optimized) AST. Short-circuit operators are
// lowered here into explicit control flow; source names are mangled with
// their scope depth so the flat IR namespace cannot confuse shadowed
// variables.
// ---------------------------------------------------------------------------

// Generator walks the AST and produces IR instructions.
type Generator struct {
	module *Module
	table  *semantic.SymbolTable

	// Fresh-name counters, monotonic across the whole module so inlining can
	// mix instructions from different functions without collisions.
	nextTemp  int
	nextLabel int

	// scopes maps source names to their scope-mangled IR names; the
	// innermost scope is searched first.
	scopes     []map[string]string
	scopeDepth int

	// Loop context for break/continue: break jumps to the first label of the
	// innermost pair, continue to the second.
	loops []loopLabels

	currentReturnType ast.ReturnType

	// funcRetTypes is pre-scanned so call sites know whether a callee
	// produces a value.
	funcRetTypes map[string]ast.ReturnType
}

type loopLabels struct {
	breakLabel    string
	continueLabel string
}

// GenerateIR translates the compilation unit into a three-address Module.
// The symbol table from semantic analysis rides along for later passes.
// Functions unreachable from main are pruned from the result.
func GenerateIR(unit *ast.CompUnit, table *semantic.SymbolTable) *Module {
	funcRetTypes := map[string]ast.ReturnType{}
	for _, fn := range unit.Functions {
		funcRetTypes[fn.Name] = fn.ReturnType
	}

	g := &Generator{
		module:       &Module{},
		table:        table,
		funcRetTypes: funcRetTypes,
	}
	g.pushScope()
	for _, fn := range unit.Functions {
		g.genFunction(fn)
	}
	g.popScope()

	pruneUnusedFunctions(g.module)
	return g.module
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (g *Generator) emit(in Instr) {
	g.module.Instrs = append(g.module.Instrs, in)
}

func (g *Generator) freshTemp() Operand {
	t := Temp(fmt.Sprintf("%%t%d", g.nextTemp))
	g.nextTemp++
	return t
}

func (g *Generator) freshLabel() string {
	l := fmt.Sprintf("L%d", g.nextLabel)
	g.nextLabel++
	return l
}

func (g *Generator) pushScope() {
	g.scopes = append(g.scopes, make(map[string]string))
	g.scopeDepth++
}

func (g *Generator) popScope() {
	g.scopes = g.scopes[:len(g.scopes)-1]
	g.scopeDepth--
}

// declare binds a source name in the current scope to its mangled IR name.
func (g *Generator) declare(name string) string {
	mangled := fmt.Sprintf("%s_s%d", name, g.scopeDepth)
	g.scopes[len(g.scopes)-1][name] = mangled
	return mangled
}

// resolve walks the scope stack for the mangled name of a source variable.
// Semantic analysis has already rejected unresolved names; the fallback
// mangles at the current depth so IR generation cannot derail afterwards.
func (g *Generator) resolve(name string) string {
	for i := len(g.scopes) - 1; i >= 0; i-- {
		if m, ok := g.scopes[i][name]; ok {
			return m
		}
	}
	return fmt.Sprintf("%s_s%d", name, g.scopeDepth)
}

// ---------------------------------------------------------------------------
// Function generation
// ---------------------------------------------------------------------------

func (g *Generator) genFunction(fn *ast.FuncDef) {
	g.currentReturnType = fn.ReturnType
	g.pushScope()

	paramNames := make([]string, len(fn.Params))
	for i, p := range fn.Params {
		paramNames[i] = g.declare(p.Name)
	}

	g.emit(Instr{
		Op:         OpFuncBegin,
		Name:       fn.Name,
		ParamNames: paramNames,
		ReturnType: fn.ReturnType,
	})

	g.genBlock(fn.Body)

	// Safety net for bodies that fall off the end: semantic analysis already
	// rejects int functions with a missing return, so the Const(0) return
	// only matters when generation is run on unchecked trees.
	if n := len(g.module.Instrs); n == 0 || g.module.Instrs[n-1].Op != OpReturn {
		if fn.ReturnType == ast.RetInt {
			g.emit(Instr{Op: OpReturn, Src1: Const(0)})
		} else {
			g.emit(Instr{Op: OpReturn, Src1: None()})
		}
	}

	g.emit(Instr{Op: OpFuncEnd, Name: fn.Name})
	g.popScope()
}

// ---------------------------------------------------------------------------
// Statement generation
// ---------------------------------------------------------------------------

func (g *Generator) genBlock(block *ast.Block) {
	g.pushScope()
	for _, s := range block.Stmts {
		g.genStmt(s)
	}
	g.popScope()
}

func (g *Generator) genStmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.Block:
		g.genBlock(s)

	case *ast.EmptyStmt:
		// nothing to emit

	case *ast.VarDecl:
		init := g.genExpr(s.Init)
		mangled := g.declare(s.Name)
		g.emit(Instr{Op: OpAssign, Dst: Var(mangled), Src1: init})

	case *ast.AssignStmt:
		value := g.genExpr(s.Value)
		g.emit(Instr{Op: OpAssign, Dst: Var(g.resolve(s.Name)), Src1: value})

	case *ast.ExprStmt:
		g.genExprStmt(s.Expression)

	case *ast.IfStmt:
		g.genIfStmt(s)

	case *ast.WhileStmt:
		g.genWhileStmt(s)

	case *ast.BreakStmt:
		if len(g.loops) > 0 {
			g.emit(Instr{Op: OpGoto, Label: g.loops[len(g.loops)-1].breakLabel})
		}

	case *ast.ContinueStmt:
		if len(g.loops) > 0 {
			g.emit(Instr{Op: OpGoto, Label: g.loops[len(g.loops)-1].continueLabel})
		}

	case *ast.ReturnStmt:
		if s.Value != nil {
			value := g.genExpr(s.Value)
			g.emit(Instr{Op: OpReturn, Src1: value})
		} else {
			g.emit(Instr{Op: OpReturn, Src1: None()})
		}
	}
}

// genExprStmt lowers a statement-level expression. A call to a void function
// gets no destination; every other expression result is simply discarded.
func (g *Generator) genExprStmt(e ast.Expr) {
	if call, ok := e.(*ast.CallExpr); ok {
		g.genCall(call, false)
		return
	}
	g.genExpr(e)
}

func (g *Generator) genIfStmt(s *ast.IfStmt) {
	cond := g.genExpr(s.Condition)
	thenLabel := g.freshLabel()
	endLabel := g.freshLabel()
	elseLabel := endLabel
	if s.Else != nil {
		elseLabel = g.freshLabel()
	}

	g.emit(Instr{Op: OpIfTrueGoto, Src1: cond, Label: thenLabel})
	g.emit(Instr{Op: OpGoto, Label: elseLabel})
	g.emit(Instr{Op: OpLabel, Label: thenLabel})
	g.genStmt(s.Then)

	if s.Else != nil {
		g.emit(Instr{Op: OpGoto, Label: endLabel})
		g.emit(Instr{Op: OpLabel, Label: elseLabel})
		g.genStmt(s.Else)
	}
	g.emit(Instr{Op: OpLabel, Label: endLabel})
}

func (g *Generator) genWhileStmt(s *ast.WhileStmt) {
	headLabel := g.freshLabel()
	bodyLabel := g.freshLabel()
	endLabel := g.freshLabel()

	g.loops = append(g.loops, loopLabels{breakLabel: endLabel, continueLabel: headLabel})

	g.emit(Instr{Op: OpLabel, Label: headLabel})
	cond := g.genExpr(s.Condition)
	g.emit(Instr{Op: OpIfTrueGoto, Src1: cond, Label: bodyLabel})
	g.emit(Instr{Op: OpGoto, Label: endLabel})
	g.emit(Instr{Op: OpLabel, Label: bodyLabel})
	g.genStmt(s.Body)
	g.emit(Instr{Op: OpGoto, Label: headLabel})
	g.emit(Instr{Op: OpLabel, Label: endLabel})

	g.loops = g.loops[:len(g.loops)-1]
}

// ---------------------------------------------------------------------------
// Expression generation — returns the Operand holding the result
// ---------------------------------------------------------------------------

func (g *Generator) genExpr(e ast.Expr) Operand {
	switch e := e.(type) {
	case *ast.NumberExpr:
		return Const(e.Value)

	case *ast.VarExpr:
		return Var(g.resolve(e.Name))

	case *ast.UnaryExpr:
		return g.genUnary(e)

	case *ast.BinaryExpr:
		return g.genBinary(e)

	case *ast.CallExpr:
		return g.genCall(e, true)
	}
	return Const(0)
}

func (g *Generator) genUnary(e *ast.UnaryExpr) Operand {
	operand := g.genExpr(e.Operand)
	switch e.Op {
	case "+":
		// No instruction; the operand passes through unchanged.
		return operand
	case "-":
		dst := g.freshTemp()
		g.emit(Instr{Op: OpNeg, Dst: dst, Src1: operand})
		return dst
	case "!":
		dst := g.freshTemp()
		g.emit(Instr{Op: OpNot, Dst: dst, Src1: operand})
		return dst
	}
	return operand
}

func (g *Generator) genBinary(e *ast.BinaryExpr) Operand {
	switch e.Op {
	case "&&":
		return g.genShortCircuitAnd(e)
	case "||":
		return g.genShortCircuitOr(e)
	}

	left := g.genExpr(e.Left)
	right := g.genExpr(e.Right)
	dst := g.freshTemp()
	g.emit(Instr{Op: binaryOps[e.Op], Dst: dst, Src1: left, Src2: right})
	return dst
}

// genShortCircuitAnd lowers `L && R` so R is evaluated only when L is
// non-zero. The result is normalized to {0,1} via `R != 0`.
func (g *Generator) genShortCircuitAnd(e *ast.BinaryExpr) Operand {
	result := g.freshTemp()
	evalRight := g.freshLabel()
	end := g.freshLabel()

	left := g.genExpr(e.Left)
	g.emit(Instr{Op: OpIfTrueGoto, Src1: left, Label: evalRight})
	g.emit(Instr{Op: OpAssign, Dst: result, Src1: Const(0)})
	g.emit(Instr{Op: OpGoto, Label: end})

	g.emit(Instr{Op: OpLabel, Label: evalRight})
	right := g.genExpr(e.Right)
	g.emit(Instr{Op: OpNe, Dst: result, Src1: right, Src2: Const(0)})

	g.emit(Instr{Op: OpLabel, Label: end})
	return result
}

// genShortCircuitOr is the dual: R is evaluated only when L is zero.
func (g *Generator) genShortCircuitOr(e *ast.BinaryExpr) Operand {
	result := g.freshTemp()
	leftTrue := g.freshLabel()
	end := g.freshLabel()

	left := g.genExpr(e.Left)
	g.emit(Instr{Op: OpIfTrueGoto, Src1: left, Label: leftTrue})
	right := g.genExpr(e.Right)
	g.emit(Instr{Op: OpNe, Dst: result, Src1: right, Src2: Const(0)})
	g.emit(Instr{Op: OpGoto, Label: end})

	g.emit(Instr{Op: OpLabel, Label: leftTrue})
	g.emit(Instr{Op: OpAssign, Dst: result, Src1: Const(1)})

	g.emit(Instr{Op: OpLabel, Label: end})
	return result
}

// genCall evaluates arguments left-to-right, then emits the consecutive
// Param run followed by the Call. Nested calls inside arguments finish
// entirely during evaluation, so nothing interrupts the Param sequence.
func (g *Generator) genCall(e *ast.CallExpr, wantValue bool) Operand {
	argOps := make([]Operand, len(e.Args))
	for i, arg := range e.Args {
		argOps[i] = g.genExpr(arg)
	}
	for _, op := range argOps {
		g.emit(Instr{Op: OpParam, Src1: op})
	}

	dst := None()
	if wantValue && g.funcRetTypes[e.Callee] != ast.RetVoid {
		dst = g.freshTemp()
	}
	g.emit(Instr{Op: OpCall, Dst: dst, Name: e.Callee, ArgCount: len(e.Args)})
	return dst
}

// ---------------------------------------------------------------------------
// Used-function pruning
// ---------------------------------------------------------------------------

// pruneUnusedFunctions removes FuncBegin..FuncEnd spans not reachable from
// main through Call instructions.
func pruneUnusedFunctions(m *Module) {
	spans := m.FuncSpans()
	byName := map[string]FuncSpan{}
	for _, sp := range spans {
		byName[sp.Name] = sp
	}

	reached := map[string]bool{}
	work := []string{"main"}
	for len(work) > 0 {
		name := work[len(work)-1]
		work = work[:len(work)-1]
		if reached[name] {
			continue
		}
		reached[name] = true
		sp, ok := byName[name]
		if !ok {
			continue
		}
		for i := sp.Begin; i <= sp.End; i++ {
			if m.Instrs[i].Op == OpCall && !reached[m.Instrs[i].Name] {
				work = append(work, m.Instrs[i].Name)
			}
		}
	}

	var kept []Instr
	for _, sp := range spans {
		if reached[sp.Name] {
			kept = append(kept, m.Instrs[sp.Begin:sp.End+1]...)
		}
	}
	m.Instrs = kept
}
