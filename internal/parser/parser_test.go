package parser_test

import (
	"testing"

	"toycc/internal/ast"
	"toycc/internal/lexer"
	"toycc/internal/parser"
)

// parseOK parses input and fails the test on any lex or parse error.
func parseOK(t *testing.T, input string) *ast.CompUnit {
	t.Helper()
	tokens, lexErrs := lexer.Lex(input)
	if len(lexErrs) > 0 {
		t.Fatalf("lex errors: %v", lexErrs)
	}
	unit, errs := parser.Parse(tokens)
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	return unit
}

// parseErrs parses input and returns the collected errors.
func parseErrs(t *testing.T, input string) []parser.ParseError {
	t.Helper()
	tokens, _ := lexer.Lex(input)
	_, errs := parser.Parse(tokens)
	return errs
}

func TestEmptyFunctions(t *testing.T) {
	unit := parseOK(t, "int main() {} void helper() {}")
	if len(unit.Functions) != 2 {
		t.Fatalf("expected 2 functions, got %d", len(unit.Functions))
	}
	if unit.Functions[0].ReturnType != ast.RetInt || unit.Functions[0].Name != "main" {
		t.Errorf("bad first function: %s %s", unit.Functions[0].ReturnType, unit.Functions[0].Name)
	}
	if unit.Functions[1].ReturnType != ast.RetVoid {
		t.Errorf("expected void helper, got %s", unit.Functions[1].ReturnType)
	}
}

func TestParameters(t *testing.T) {
	unit := parseOK(t, "int add(int a, int b) { return a + b; } int main() { return 0; }")
	fn := unit.Functions[0]
	if len(fn.Params) != 2 || fn.Params[0].Name != "a" || fn.Params[1].Name != "b" {
		t.Fatalf("bad params: %+v", fn.Params)
	}
}

func TestPrecedenceMulOverAdd(t *testing.T) {
	unit := parseOK(t, "int main() { return 1+2*3; }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	if got := ast.ExprString(ret.Value); got != "(1 + (2 * 3))" {
		t.Errorf("got %s, want (1 + (2 * 3))", got)
	}
}

func TestPrecedenceComparisonOverLogical(t *testing.T) {
	unit := parseOK(t, "int main() { return a < b && c > d || e == f; }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	want := "(((a < b) && (c > d)) || (e == f))"
	if got := ast.ExprString(ret.Value); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestLeftAssociativity(t *testing.T) {
	unit := parseOK(t, "int main() { return 10-3-2; }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	if got := ast.ExprString(ret.Value); got != "((10 - 3) - 2)" {
		t.Errorf("got %s, want ((10 - 3) - 2)", got)
	}
}

func TestUnaryChain(t *testing.T) {
	unit := parseOK(t, "int main() { return -!+x; }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	if got := ast.ExprString(ret.Value); got != "(-(!(+x)))" {
		t.Errorf("got %s", got)
	}
}

func TestParenthesesOverride(t *testing.T) {
	unit := parseOK(t, "int main() { return (1+2)*3; }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	if got := ast.ExprString(ret.Value); got != "((1 + 2) * 3)" {
		t.Errorf("got %s", got)
	}
}

func TestCallArguments(t *testing.T) {
	unit := parseOK(t, "int main() { return f(1, g(2), x); }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	call := ret.Value.(*ast.CallExpr)
	if call.Callee != "f" || len(call.Args) != 3 {
		t.Fatalf("bad call: %s with %d args", call.Callee, len(call.Args))
	}
	if _, ok := call.Args[1].(*ast.CallExpr); !ok {
		t.Errorf("expected nested call argument, got %T", call.Args[1])
	}
}

func TestIfElseChain(t *testing.T) {
	unit := parseOK(t, "int main() { if (a) return 1; else if (b) return 2; else return 3; }")
	ifStmt := unit.Functions[0].Body.Stmts[0].(*ast.IfStmt)
	elseIf, ok := ifStmt.Else.(*ast.IfStmt)
	if !ok {
		t.Fatalf("expected else-if chain, got %T", ifStmt.Else)
	}
	if elseIf.Else == nil {
		t.Error("expected final else branch")
	}
}

func TestWhileWithBreakContinue(t *testing.T) {
	unit := parseOK(t, "int main() { while (1) { break; continue; } return 0; }")
	while := unit.Functions[0].Body.Stmts[0].(*ast.WhileStmt)
	body := while.Body.(*ast.Block)
	if _, ok := body.Stmts[0].(*ast.BreakStmt); !ok {
		t.Errorf("expected break, got %T", body.Stmts[0])
	}
	if _, ok := body.Stmts[1].(*ast.ContinueStmt); !ok {
		t.Errorf("expected continue, got %T", body.Stmts[1])
	}
}

func TestVarDeclAndAssign(t *testing.T) {
	unit := parseOK(t, "int main() { int x = 5; x = x + 1; return x; }")
	stmts := unit.Functions[0].Body.Stmts
	decl := stmts[0].(*ast.VarDecl)
	if decl.Name != "x" || ast.ExprString(decl.Init) != "5" {
		t.Errorf("bad decl: %s = %s", decl.Name, ast.ExprString(decl.Init))
	}
	assign := stmts[1].(*ast.AssignStmt)
	if assign.Name != "x" {
		t.Errorf("bad assign target: %s", assign.Name)
	}
}

func TestEmptyStatement(t *testing.T) {
	unit := parseOK(t, "int main() { ;; return 0; }")
	stmts := unit.Functions[0].Body.Stmts
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(stmts))
	}
	if _, ok := stmts[0].(*ast.EmptyStmt); !ok {
		t.Errorf("expected empty statement, got %T", stmts[0])
	}
}

func TestNestedBlocks(t *testing.T) {
	unit := parseOK(t, "int main() { { int x = 1; } return 0; }")
	if _, ok := unit.Functions[0].Body.Stmts[0].(*ast.Block); !ok {
		t.Errorf("expected nested block, got %T", unit.Functions[0].Body.Stmts[0])
	}
}

func TestMissingInitializerIsError(t *testing.T) {
	errs := parseErrs(t, "int main() { int x; return 0; }")
	if len(errs) == 0 {
		t.Fatal("expected an error for uninitialized declaration")
	}
}

func TestMissingSemicolonRecovers(t *testing.T) {
	errs := parseErrs(t, "int main() { int x = 1 return x; }")
	if len(errs) == 0 {
		t.Fatal("expected a parse error")
	}
}

func TestErrorRecoveryKeepsLaterFunctions(t *testing.T) {
	tokens, _ := lexer.Lex("int broken( { return 1; } int main() { return 0; }")
	unit, errs := parser.Parse(tokens)
	if len(errs) == 0 {
		t.Fatal("expected parse errors")
	}
	found := false
	for _, fn := range unit.Functions {
		if fn.Name == "main" {
			found = true
		}
	}
	if !found {
		t.Error("parser did not recover to parse main")
	}
}

func TestBareReturn(t *testing.T) {
	unit := parseOK(t, "void f() { return; } int main() { return 0; }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	if ret.Value != nil {
		t.Errorf("expected bare return, got value %s", ast.ExprString(ret.Value))
	}
}

func TestLargeLiteralWraps(t *testing.T) {
	unit := parseOK(t, "int main() { return 2147483648; }")
	ret := unit.Functions[0].Body.Stmts[0].(*ast.ReturnStmt)
	n := ret.Value.(*ast.NumberExpr)
	if n.Value != -2147483648 {
		t.Errorf("expected two's-complement wrap to -2147483648, got %d", n.Value)
	}
}
