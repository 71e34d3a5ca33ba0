package semantic

import (
	"fmt"

	"toycc/internal/ast"
)

// ---------------------------------------------------------------------------
// Diagnostic severity
// ---------------------------------------------------------------------------

// Severity indicates whether a diagnostic is an error or a warning.
type Severity int

const (
	Error Severity = iota
	Warning
)

func (s Severity) String() string {
	switch s {
	case Error:
		return "error"
	case Warning:
		return "warning"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Diagnostic
// ---------------------------------------------------------------------------

// Diagnostic kinds, one per entry of the error taxonomy.
const (
	UndefinedVariable         = "UndefinedVariable"
	UndefinedFunction         = "UndefinedFunction"
	RedefinedVariable         = "RedefinedVariable"
	RedefinedFunction         = "RedefinedFunction"
	RedefinedParameter        = "RedefinedParameter"
	TypeMismatch              = "TypeMismatch"
	ArgumentCountMismatch     = "ArgumentCountMismatch"
	BreakOutsideLoop          = "BreakOutsideLoop"
	ContinueOutsideLoop       = "ContinueOutsideLoop"
	MissingReturn             = "MissingReturn"
	VoidReturnWithValue       = "VoidReturnWithValue"
	NonVoidReturnWithoutValue = "NonVoidReturnWithoutValue"
	DivisionByZero            = "DivisionByZero"
	NoMainFunction            = "NoMainFunction"
	InvalidMainSignature      = "InvalidMainSignature"

	UnusedVariable    = "UnusedVariable"
	UnusedFunction    = "UnusedFunction"
	UnreachableBranch = "UnreachableBranch"
	LoopNeverExecutes = "LoopNeverExecutes"
)

// Diagnostic represents a single message produced by the semantic analyzer.
type Diagnostic struct {
	Kind     string
	Message  string
	Pos      ast.Position
	Severity Severity
}

func (d Diagnostic) Error() string {
	prefix := "Semantic error"
	if d.Severity == Warning {
		prefix = "Warning"
	}
	return fmt.Sprintf("%s: %s at line %d, column %d", prefix, d.Message, d.Pos.Line, d.Pos.Column)
}

// HasErrors returns true if any diagnostic in the slice is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == Error {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Expression types
// ---------------------------------------------------------------------------

// ToyC has a single value type. Expression analysis still distinguishes the
// result of calling a void function so it can be rejected in value contexts.
type exprType int

const (
	typeInt exprType = iota
	typeVoid
)

// ---------------------------------------------------------------------------
// Analyzer
// ---------------------------------------------------------------------------

// Analyzer holds the state for a single semantic-analysis pass.
type Analyzer struct {
	table       *SymbolTable
	diagnostics []Diagnostic
	seen        map[string]bool // (message,line,col) dedup

	currentFunc     *ast.FuncDef
	loopDepth       int
	nextLocalOffset int // next fp-relative byte offset for a local slot
}

// Analyze runs semantic analysis on the given compilation unit and returns
// all diagnostics plus the populated symbol table. The table is threaded to
// the IR generator; the caller checks HasErrors before going on.
func Analyze(unit *ast.CompUnit) ([]Diagnostic, *SymbolTable) {
	a := &Analyzer{
		table: NewSymbolTable(),
		seen:  make(map[string]bool),
	}
	a.registerFunctions(unit)
	for _, fn := range unit.Functions {
		a.analyzeFunction(fn)
	}
	a.warnUnusedFunctions()
	return a.diagnostics, a.table
}

// ---- helpers ----

func (a *Analyzer) report(kind string, pos ast.Position, sev Severity, msg string) {
	key := fmt.Sprintf("%s|%d|%d", msg, pos.Line, pos.Column)
	if a.seen[key] {
		return
	}
	a.seen[key] = true
	a.diagnostics = append(a.diagnostics, Diagnostic{
		Kind:     kind,
		Message:  msg,
		Pos:      pos,
		Severity: sev,
	})
}

func (a *Analyzer) errorf(kind string, pos ast.Position, format string, args ...interface{}) {
	a.report(kind, pos, Error, fmt.Sprintf(format, args...))
}

func (a *Analyzer) warnf(kind string, pos ast.Position, format string, args ...interface{}) {
	a.report(kind, pos, Warning, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Pass 1 — function registration
// ---------------------------------------------------------------------------

// registerFunctions inserts every top-level function into the global scope
// before any body is analyzed, so call sites may refer to later-defined
// functions. It also validates the main entry point.
func (a *Analyzer) registerFunctions(unit *ast.CompUnit) {
	for _, fn := range unit.Functions {
		if existing := a.table.LookupGlobal(fn.Name); existing != nil {
			a.errorf(RedefinedFunction, fn.Pos,
				"function %q already defined at %s", fn.Name, existing.Pos)
			continue
		}
		a.table.Define(&Symbol{
			Name:       fn.Name,
			Kind:       SymFunction,
			Pos:        fn.Pos,
			ParamIndex: -1,
			ReturnType: fn.ReturnType,
			ParamCount: len(fn.Params),
		})
	}

	mainSym := a.table.LookupGlobal("main")
	if mainSym == nil || mainSym.Kind != SymFunction {
		a.errorf(NoMainFunction, unit.Pos, "program must define a function named \"main\"")
		return
	}
	if mainSym.ReturnType != ast.RetInt || mainSym.ParamCount != 0 {
		a.errorf(InvalidMainSignature, mainSym.Pos,
			"\"main\" must have signature int main() with no parameters")
	}
	mainSym.Used = true
}

// ---------------------------------------------------------------------------
// Pass 2 — function bodies
// ---------------------------------------------------------------------------

func (a *Analyzer) analyzeFunction(fn *ast.FuncDef) {
	sym := a.table.LookupGlobal(fn.Name)
	if sym == nil || sym.Kind != SymFunction || sym.Pos != fn.Pos {
		// A later duplicate definition; its body is not analyzed.
		return
	}

	a.currentFunc = fn
	a.nextLocalOffset = 0
	a.table.EnterScope()

	for i, param := range fn.Params {
		if existing := a.table.LookupLocal(param.Name); existing != nil {
			a.errorf(RedefinedParameter, param.Pos,
				"duplicate parameter %q", param.Name)
			continue
		}
		a.table.Define(&Symbol{
			Name:       param.Name,
			Kind:       SymParameter,
			Pos:        param.Pos,
			ParamIndex: i,
			StackSlot:  a.paramSlot(i),
		})
	}

	// The body block opens its own scope, so body-level declarations shadow
	// parameters rather than colliding with them.
	a.analyzeStmt(fn.Body)

	if fn.ReturnType == ast.RetInt && !stmtReturns(fn.Body) {
		a.errorf(MissingReturn, fn.Pos,
			"function %q must return a value on all control-flow paths", fn.Name)
	}

	a.table.ExitScope()
	a.currentFunc = nil
}

// paramSlot assigns the fp-relative slot for parameter i: the first eight
// arrive in a0..a7 and get local (negative) slots the prologue stores into;
// the rest were spilled by the caller and sit at positive offsets.
func (a *Analyzer) paramSlot(i int) int {
	if i < 8 {
		return a.allocLocalSlot()
	}
	return (i - 8) * 4
}

// allocLocalSlot hands out the next 4-byte slot below fp.
func (a *Analyzer) allocLocalSlot() int {
	a.nextLocalOffset -= 4
	return a.nextLocalOffset
}

// ---------------------------------------------------------------------------
// Statement analysis
// ---------------------------------------------------------------------------

func (a *Analyzer) analyzeStmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.Block:
		a.table.EnterScope()
		for _, inner := range s.Stmts {
			a.analyzeStmt(inner)
		}
		a.warnUnusedInCurrentScope()
		a.table.ExitScope()
	case *ast.EmptyStmt:
		// nothing to check
	case *ast.VarDecl:
		a.analyzeVarDecl(s)
	case *ast.AssignStmt:
		a.analyzeAssignStmt(s)
	case *ast.ExprStmt:
		a.analyzeExpr(s.Expression)
	case *ast.IfStmt:
		a.analyzeIfStmt(s)
	case *ast.WhileStmt:
		a.analyzeWhileStmt(s)
	case *ast.BreakStmt:
		if a.loopDepth == 0 {
			a.errorf(BreakOutsideLoop, s.Pos, "break statement outside of loop")
		}
	case *ast.ContinueStmt:
		if a.loopDepth == 0 {
			a.errorf(ContinueOutsideLoop, s.Pos, "continue statement outside of loop")
		}
	case *ast.ReturnStmt:
		a.analyzeReturnStmt(s)
	}
}

func (a *Analyzer) analyzeVarDecl(s *ast.VarDecl) {
	a.requireInt(s.Init, "initializer")

	if existing := a.table.LookupLocal(s.Name); existing != nil {
		a.errorf(RedefinedVariable, s.Pos,
			"variable %q already declared in this scope at %s", s.Name, existing.Pos)
		return
	}
	a.table.Define(&Symbol{
		Name:       s.Name,
		Kind:       SymVariable,
		Pos:        s.Pos,
		ParamIndex: -1,
		StackSlot:  a.allocLocalSlot(),
	})
}

func (a *Analyzer) analyzeAssignStmt(s *ast.AssignStmt) {
	sym := a.table.Lookup(s.Name)
	if sym == nil {
		a.errorf(UndefinedVariable, s.Pos, "undefined variable %q", s.Name)
	} else if sym.Kind == SymFunction {
		a.errorf(TypeMismatch, s.Pos, "%q is a function, not an assignable variable", s.Name)
	} else {
		sym.Used = true
	}
	a.requireInt(s.Value, "assigned value")
}

func (a *Analyzer) analyzeIfStmt(s *ast.IfStmt) {
	a.requireInt(s.Condition, "if condition")

	if v, ok := evalConstExpr(s.Condition); ok {
		if v != 0 {
			a.warnf(UnreachableBranch, s.Condition.GetPos(),
				"if condition is always true")
		} else {
			a.warnf(UnreachableBranch, s.Condition.GetPos(),
				"if condition is always false")
		}
	}

	a.analyzeStmt(s.Then)
	if s.Else != nil {
		a.analyzeStmt(s.Else)
	}
}

func (a *Analyzer) analyzeWhileStmt(s *ast.WhileStmt) {
	a.requireInt(s.Condition, "while condition")

	if v, ok := evalConstExpr(s.Condition); ok && v == 0 {
		a.warnf(LoopNeverExecutes, s.Condition.GetPos(),
			"while condition is always zero; loop body never executes")
	}

	a.loopDepth++
	a.analyzeStmt(s.Body)
	a.loopDepth--
}

func (a *Analyzer) analyzeReturnStmt(s *ast.ReturnStmt) {
	if a.currentFunc == nil {
		return
	}

	if a.currentFunc.ReturnType == ast.RetVoid {
		if s.Value != nil {
			a.errorf(VoidReturnWithValue, s.Pos,
				"void function %q cannot return a value", a.currentFunc.Name)
			a.analyzeExpr(s.Value)
		}
		return
	}

	if s.Value == nil {
		a.errorf(NonVoidReturnWithoutValue, s.Pos,
			"function %q must return an int value", a.currentFunc.Name)
		return
	}
	a.requireInt(s.Value, "return value")
}

// ---------------------------------------------------------------------------
// Expression analysis
// ---------------------------------------------------------------------------

// requireInt analyzes an expression in a context that needs an int value.
func (a *Analyzer) requireInt(e ast.Expr, context string) {
	if a.analyzeExpr(e) == typeVoid {
		a.errorf(TypeMismatch, e.GetPos(),
			"%s must be an int expression, but it calls a void function", context)
	}
}

// analyzeExpr walks an expression and returns its type. Unresolved names
// are given a synthetic int type so the walk can continue and report more
// issues in the same pass.
func (a *Analyzer) analyzeExpr(e ast.Expr) exprType {
	switch e := e.(type) {
	case *ast.NumberExpr:
		return typeInt

	case *ast.VarExpr:
		sym := a.table.Lookup(e.Name)
		if sym == nil {
			a.errorf(UndefinedVariable, e.Pos, "undefined variable %q", e.Name)
			return typeInt
		}
		if sym.Kind == SymFunction {
			a.errorf(TypeMismatch, e.Pos, "function %q used as a variable", e.Name)
			return typeInt
		}
		sym.Used = true
		return typeInt

	case *ast.UnaryExpr:
		a.requireInt(e.Operand, fmt.Sprintf("operand of unary %q", e.Op))
		return typeInt

	case *ast.BinaryExpr:
		return a.analyzeBinaryExpr(e)

	case *ast.CallExpr:
		return a.analyzeCallExpr(e)
	}
	return typeInt
}

func (a *Analyzer) analyzeBinaryExpr(e *ast.BinaryExpr) exprType {
	a.requireInt(e.Left, fmt.Sprintf("left operand of %q", e.Op))
	a.requireInt(e.Right, fmt.Sprintf("right operand of %q", e.Op))

	// A divisor that folds to a literal zero is a guaranteed trap; catch it
	// here rather than at run time. Folding is purely syntactic over
	// literals — variables are not propagated (see DESIGN.md on scenario 4).
	if e.Op == "/" || e.Op == "%" {
		if v, ok := evalConstExpr(e.Right); ok && v == 0 {
			a.errorf(DivisionByZero, e.Pos, "division by constant zero")
		}
	}
	return typeInt
}

func (a *Analyzer) analyzeCallExpr(e *ast.CallExpr) exprType {
	sym := a.table.LookupGlobal(e.Callee)
	if sym == nil || sym.Kind != SymFunction {
		a.errorf(UndefinedFunction, e.Pos, "undefined function %q", e.Callee)
		for _, arg := range e.Args {
			a.analyzeExpr(arg)
		}
		return typeInt
	}

	sym.Used = true
	if len(e.Args) != sym.ParamCount {
		a.errorf(ArgumentCountMismatch, e.Pos,
			"function %q expects %d argument(s), got %d", e.Callee, sym.ParamCount, len(e.Args))
	}
	for i, arg := range e.Args {
		a.requireInt(arg, fmt.Sprintf("argument %d of %q", i+1, e.Callee))
	}

	if sym.ReturnType == ast.RetVoid {
		return typeVoid
	}
	return typeInt
}

// ---------------------------------------------------------------------------
// Constant expression evaluation
// ---------------------------------------------------------------------------

// evalConstExpr evaluates an expression built purely from integer literals.
// Arithmetic wraps in two's complement; comparisons yield 0 or 1. Division
// or modulo by zero is not evaluated, leaving the expression in the tree for
// the DivisionByZero check to see.
func evalConstExpr(e ast.Expr) (int32, bool) {
	switch e := e.(type) {
	case *ast.NumberExpr:
		return e.Value, true

	case *ast.UnaryExpr:
		v, ok := evalConstExpr(e.Operand)
		if !ok {
			return 0, false
		}
		switch e.Op {
		case "+":
			return v, true
		case "-":
			return -v, true
		case "!":
			if v == 0 {
				return 1, true
			}
			return 0, true
		}
		return 0, false

	case *ast.BinaryExpr:
		l, ok := evalConstExpr(e.Left)
		if !ok {
			return 0, false
		}
		r, ok := evalConstExpr(e.Right)
		if !ok {
			return 0, false
		}
		return evalConstBinary(e.Op, l, r)
	}
	return 0, false
}

// evalConstBinary applies one binary operator to two constants.
func evalConstBinary(op string, l, r int32) (int32, bool) {
	boolToInt := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}
	switch op {
	case "+":
		return l + r, true
	case "-":
		return l - r, true
	case "*":
		return l * r, true
	case "/":
		if r == 0 {
			return 0, false
		}
		return l / r, true
	case "%":
		if r == 0 {
			return 0, false
		}
		return l % r, true
	case "<":
		return boolToInt(l < r), true
	case ">":
		return boolToInt(l > r), true
	case "<=":
		return boolToInt(l <= r), true
	case ">=":
		return boolToInt(l >= r), true
	case "==":
		return boolToInt(l == r), true
	case "!=":
		return boolToInt(l != r), true
	case "&&":
		return boolToInt(l != 0 && r != 0), true
	case "||":
		return boolToInt(l != 0 || r != 0), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Unused-symbol warnings
// ---------------------------------------------------------------------------

// warnUnusedInCurrentScope flags variables declared in the scope being
// closed that were never read or written after declaration.
func (a *Analyzer) warnUnusedInCurrentScope() {
	for _, sym := range a.table.CurrentSymbols() {
		if sym.Kind == SymVariable && !sym.Used {
			a.warnf(UnusedVariable, sym.Pos, "variable %q is never used", sym.Name)
		}
	}
}

// warnUnusedFunctions flags functions never called anywhere. main is always
// considered used.
func (a *Analyzer) warnUnusedFunctions() {
	for _, sym := range a.table.Functions() {
		if !sym.Used {
			a.warnf(UnusedFunction, sym.Pos, "function %q is never called", sym.Name)
		}
	}
}

// ---------------------------------------------------------------------------
// Return-path analysis
// ---------------------------------------------------------------------------

// stmtReturns reports whether a statement is guaranteed to return. The check
// is structural: a block returns when its last statement returns, an if
// returns when both arms return, and a while never counts as returning.
func stmtReturns(stmt ast.Stmt) bool {
	switch s := stmt.(type) {
	case *ast.ReturnStmt:
		return true
	case *ast.Block:
		if len(s.Stmts) == 0 {
			return false
		}
		return stmtReturns(s.Stmts[len(s.Stmts)-1])
	case *ast.IfStmt:
		if s.Else == nil {
			return false
		}
		return stmtReturns(s.Then) && stmtReturns(s.Else)
	}
	return false
}
