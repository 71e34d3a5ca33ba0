package codegen_test

import (
	"strings"
	"testing"

	"toycc/internal/codegen"
	"toycc/internal/lexer"
	"toycc/internal/parser"
	"toycc/internal/semantic"
)

// ---------------------------------------------------------------------------
// Shared helpers for the codegen package tests
// ---------------------------------------------------------------------------

// buildIR runs the front half of the pipeline and returns the generated
// module. The source must be semantically valid.
func buildIR(t *testing.T, src string) *codegen.Module {
	t.Helper()
	tokens, lexErrs := lexer.Lex(src)
	if len(lexErrs) > 0 {
		t.Fatalf("lex errors: %v", lexErrs)
	}
	unit, parseErrs := parser.Parse(tokens)
	if len(parseErrs) > 0 {
		t.Fatalf("parse errors: %v", parseErrs)
	}
	diags, table := semantic.Analyze(unit)
	if semantic.HasErrors(diags) {
		t.Fatalf("semantic errors: %v", diags)
	}
	return codegen.GenerateIR(unit, table)
}

// compile runs the whole back end and returns the assembly text.
func compile(t *testing.T, src string, optimize bool, strategy codegen.Strategy) string {
	t.Helper()
	tokens, lexErrs := lexer.Lex(src)
	if len(lexErrs) > 0 {
		t.Fatalf("lex errors: %v", lexErrs)
	}
	unit, parseErrs := parser.Parse(tokens)
	if len(parseErrs) > 0 {
		t.Fatalf("parse errors: %v", parseErrs)
	}
	diags, table := semantic.Analyze(unit)
	if semantic.HasErrors(diags) {
		t.Fatalf("semantic errors: %v", diags)
	}
	opts := codegen.DefaultOptions()
	opts.Optimize = optimize
	opts.Strategy = strategy
	return codegen.Generate(unit, table, opts).Asm
}

// countOps tallies instructions of one opcode in the module.
func countOps(m *codegen.Module, op codegen.Op) int {
	n := 0
	for _, in := range m.Instrs {
		if in.Op == op {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Basic lowering shapes
// ---------------------------------------------------------------------------

func TestFunctionBracketing(t *testing.T) {
	m := buildIR(t, "int main() { return 0; }")
	spans := m.FuncSpans()
	if len(spans) != 1 || spans[0].Name != "main" {
		t.Fatalf("bad spans: %+v", spans)
	}
	if m.Instrs[0].Op != codegen.OpFuncBegin || m.Instrs[len(m.Instrs)-1].Op != codegen.OpFuncEnd {
		t.Error("function body not bracketed by FuncBegin/FuncEnd")
	}
}

func TestBinaryLowering(t *testing.T) {
	m := buildIR(t, "int main() { return 1 + 2 * 3; }")
	if countOps(m, codegen.OpMul) != 1 || countOps(m, codegen.OpAdd) != 1 {
		t.Errorf("expected one MUL and one ADD:\n%s", m.Dump())
	}
}

func TestUnaryPlusEmitsNothing(t *testing.T) {
	m := buildIR(t, "int main() { int x = 1; return +x; }")
	if countOps(m, codegen.OpNeg) != 0 {
		t.Error("+x must not emit an instruction")
	}
}

func TestIfLowering(t *testing.T) {
	m := buildIR(t, "int main() { int x = 1; if (x) return 1; return 0; }")
	if countOps(m, codegen.OpIfTrueGoto) != 1 {
		t.Errorf("expected one IF_GOTO:\n%s", m.Dump())
	}
	if countOps(m, codegen.OpLabel) < 2 {
		t.Errorf("expected then and end labels:\n%s", m.Dump())
	}
}

func TestWhileLowering(t *testing.T) {
	m := buildIR(t, "int main() { int i = 0; while (i < 3) i = i + 1; return i; }")
	// Head, body, end labels plus the back-edge goto.
	if countOps(m, codegen.OpLabel) != 3 {
		t.Errorf("expected 3 labels:\n%s", m.Dump())
	}
	gotos := countOps(m, codegen.OpGoto)
	if gotos < 2 {
		t.Errorf("expected back-edge and exit gotos, got %d:\n%s", gotos, m.Dump())
	}
}

// ---------------------------------------------------------------------------
// Short-circuit lowering
// ---------------------------------------------------------------------------

func TestShortCircuitAndShape(t *testing.T) {
	m := buildIR(t, "int main() { int a = 1; int b = 2; return a && b; }")
	if countOps(m, codegen.OpIfTrueGoto) != 1 {
		t.Errorf("&& must lower to a conditional jump:\n%s", m.Dump())
	}
	// Result is normalized with a != 0 comparison.
	if countOps(m, codegen.OpNe) != 1 {
		t.Errorf("&& result must normalize via NE:\n%s", m.Dump())
	}
	if countOps(m, codegen.OpAnd) != 0 {
		t.Error("no non-short-circuit AND may appear")
	}
}

// The right-hand side of && sits between the conditional jump and the end
// label, so it only runs when the left side is true.
func TestShortCircuitRightSideGuarded(t *testing.T) {
	src := `
		int f() { return 0; }
		int g() { return 1; }
		int main() { return f() && g(); }`
	m := buildIR(t, src)

	span := mainSpan(t, m)
	callF, callG, branch := -1, -1, -1
	for i := span.Begin; i <= span.End; i++ {
		switch {
		case m.Instrs[i].Op == codegen.OpCall && m.Instrs[i].Name == "f":
			callF = i
		case m.Instrs[i].Op == codegen.OpCall && m.Instrs[i].Name == "g":
			callG = i
		case m.Instrs[i].Op == codegen.OpIfTrueGoto && branch < 0:
			branch = i
		}
	}
	if callF < 0 || callG < 0 || branch < 0 {
		t.Fatalf("missing expected instructions:\n%s", m.Dump())
	}
	if !(callF < branch && branch < callG) {
		t.Errorf("g() must be guarded by the branch: f=%d branch=%d g=%d", callF, branch, callG)
	}
}

func mainSpan(t *testing.T, m *codegen.Module) codegen.FuncSpan {
	t.Helper()
	for _, sp := range m.FuncSpans() {
		if sp.Name == "main" {
			return sp
		}
	}
	t.Fatalf("no main span:\n%s", m.Dump())
	return codegen.FuncSpan{}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func TestParamRunPrecedesCall(t *testing.T) {
	src := `
		int add3(int a, int b, int c) { return a + b + c; }
		int main() { return add3(1, 2, 3); }`
	m := buildIR(t, src)
	for i, in := range m.Instrs {
		if in.Op != codegen.OpCall || in.Name != "add3" {
			continue
		}
		if in.ArgCount != 3 {
			t.Fatalf("argc = %d, want 3", in.ArgCount)
		}
		for k := 1; k <= 3; k++ {
			if m.Instrs[i-k].Op != codegen.OpParam {
				t.Fatalf("instruction %d before call is %s, want PARAM:\n%s", k, m.Instrs[i-k].Op, m.Dump())
			}
		}
		return
	}
	t.Fatalf("no call to add3:\n%s", m.Dump())
}

func TestNestedCallParamsStayConsecutive(t *testing.T) {
	src := `
		int g(int x) { return x; }
		int f(int x) { return x; }
		int main() { return f(g(1)); }`
	m := buildIR(t, src)
	// Every call must be preceded by exactly argc consecutive params.
	for i, in := range m.Instrs {
		if in.Op != codegen.OpCall {
			continue
		}
		for k := 1; k <= in.ArgCount; k++ {
			if m.Instrs[i-k].Op != codegen.OpParam {
				t.Fatalf("param run broken before call %s:\n%s", in.Name, m.Dump())
			}
		}
	}
}

func TestVoidCallHasNoDestination(t *testing.T) {
	src := "void f() {} int main() { f(); return 0; }"
	m := buildIR(t, src)
	for _, in := range m.Instrs {
		if in.Op == codegen.OpCall && in.Name == "f" {
			if in.Dst.Kind != codegen.OperandNone {
				t.Error("void call must have no destination")
			}
			return
		}
	}
	t.Fatalf("no call to f:\n%s", m.Dump())
}

// ---------------------------------------------------------------------------
// Scope mangling
// ---------------------------------------------------------------------------

func TestShadowedVariablesGetDistinctNames(t *testing.T) {
	src := "int main() { int x = 7; { int x = 3; x = x + 1; } return x; }"
	m := buildIR(t, src)
	names := map[string]bool{}
	for _, in := range m.Instrs {
		if in.Op == codegen.OpAssign && in.Dst.Kind == codegen.OperandVar &&
			strings.HasPrefix(in.Dst.Name, "x_s") {
			names[in.Dst.Name] = true
		}
	}
	if len(names) != 2 {
		t.Errorf("expected 2 distinct mangled names for x, got %v:\n%s", names, m.Dump())
	}
}

func TestMangledNameCarriesScopeDepth(t *testing.T) {
	m := buildIR(t, "int main() { int x = 1; return x; }")
	found := false
	for _, in := range m.Instrs {
		if in.Op == codegen.OpAssign && strings.HasPrefix(in.Dst.Name, "x_s") {
			found = true
		}
	}
	if !found {
		t.Errorf("variable names must carry a _s<depth> suffix:\n%s", m.Dump())
	}
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

func TestVoidFunctionImplicitReturn(t *testing.T) {
	src := "void f() { int x = 1; x = x; } int main() { f(); return 0; }"
	m := buildIR(t, src)
	for _, sp := range m.FuncSpans() {
		if sp.Name != "f" {
			continue
		}
		last := m.Instrs[sp.End-1]
		if last.Op != codegen.OpReturn || last.Src1.Kind != codegen.OperandNone {
			t.Errorf("void f must end with a bare return:\n%s", m.Dump())
		}
		return
	}
	t.Fatal("function f was pruned or missing")
}

// ---------------------------------------------------------------------------
// Used-function pruning
// ---------------------------------------------------------------------------

func TestUnreachableFunctionPruned(t *testing.T) {
	src := "int unused() { return 1; } int main() { return 0; }"
	m := buildIR(t, src)
	for _, sp := range m.FuncSpans() {
		if sp.Name == "unused" {
			t.Errorf("unused function must be pruned:\n%s", m.Dump())
		}
	}
}

func TestTransitivelyReachableKept(t *testing.T) {
	src := `
		int c() { return 1; }
		int b() { return c(); }
		int main() { return b(); }`
	m := buildIR(t, src)
	kept := map[string]bool{}
	for _, sp := range m.FuncSpans() {
		kept[sp.Name] = true
	}
	for _, want := range []string{"main", "b", "c"} {
		if !kept[want] {
			t.Errorf("function %s must be kept, have %v", want, kept)
		}
	}
}

func TestRecursiveFunctionKept(t *testing.T) {
	src := `
		int fact(int n) { if (n <= 1) return 1; return n * fact(n - 1); }
		int main() { return fact(5); }`
	m := buildIR(t, src)
	kept := map[string]bool{}
	for _, sp := range m.FuncSpans() {
		kept[sp.Name] = true
	}
	if !kept["fact"] {
		t.Error("recursive fact must be kept")
	}
}

// ---------------------------------------------------------------------------
// IR text form
// ---------------------------------------------------------------------------

func TestDumpRendersInstructions(t *testing.T) {
	m := buildIR(t, "int main() { int x = 1; return x + 2; }")
	dump := m.Dump()
	for _, want := range []string{"func int main():", "= 1", "ADD", "return", "endfunc main"} {
		if !strings.Contains(dump, want) {
			t.Errorf("dump missing %q:\n%s", want, dump)
		}
	}
}

func TestOpcodeStringsTotal(t *testing.T) {
	ops := []codegen.Op{
		codegen.OpAdd, codegen.OpSub, codegen.OpMul, codegen.OpDiv, codegen.OpMod,
		codegen.OpLt, codegen.OpGt, codegen.OpLe, codegen.OpGe, codegen.OpEq, codegen.OpNe,
		codegen.OpAnd, codegen.OpOr, codegen.OpNeg, codegen.OpNot, codegen.OpAssign,
		codegen.OpGoto, codegen.OpIfTrueGoto, codegen.OpLabel, codegen.OpParam,
		codegen.OpCall, codegen.OpReturn, codegen.OpFuncBegin, codegen.OpFuncEnd,
	}
	seen := map[string]bool{}
	for _, op := range ops {
		s := op.String()
		if strings.HasPrefix(s, "OP_") {
			t.Errorf("opcode %d has no name", int(op))
		}
		if seen[s] {
			t.Errorf("duplicate opcode name %q", s)
		}
		seen[s] = true
	}
}
