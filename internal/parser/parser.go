package parser

import (
	"fmt"
	"strconv"

	"toycc/internal/ast"
	"toycc/internal/lexer"
)

// ---------------------------------------------------------------------------
// Precedence levels for Pratt expression parsing
// ---------------------------------------------------------------------------

const (
	precNone       = iota
	precOr         // ||
	precAnd        // &&
	precEquality   // == !=
	precComparison // < > <= >=
	precAdditive   // + -
	precMultiply   // * / %
	precUnary      // + - !
)

// binaryPrecedence maps a token type to its infix precedence level, or
// precNone for tokens that are not binary operators.
func binaryPrecedence(typ string) int {
	switch typ {
	case lexer.OR:
		return precOr
	case lexer.AND:
		return precAnd
	case lexer.EQ, lexer.NEQ:
		return precEquality
	case lexer.LT, lexer.GT, lexer.LTE, lexer.GTE:
		return precComparison
	case lexer.PLUS, lexer.MINUS:
		return precAdditive
	case lexer.STAR, lexer.SLASH, lexer.PERCENT:
		return precMultiply
	}
	return precNone
}

// ---------------------------------------------------------------------------
// ParseError
// ---------------------------------------------------------------------------

// ParseError represents a single error found during parsing.
type ParseError struct {
	Message string
	Line    int
	Column  int
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Column, e.Message)
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Parser holds the state for a single parse pass over a token stream.
type Parser struct {
	tokens []lexer.Token
	pos    int
	errors []ParseError
}

// Parse is the main entry point. It takes a token slice (as produced by
// lexer.Lex) and returns an AST compilation unit plus any parse errors
// collected. Recovery is by token-set synchronization, never by panic.
func Parse(tokens []lexer.Token) (*ast.CompUnit, []ParseError) {
	p := &Parser{tokens: tokens, pos: 0}
	unit := p.parseCompUnit()
	return unit, p.errors
}

// ---------------------------------------------------------------------------
// Token helpers
// ---------------------------------------------------------------------------

// peek returns the current token without consuming it.
func (p *Parser) peek() lexer.Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return lexer.Token{Type: lexer.EOF}
}

// peekAt returns the token at a given offset from the current position.
func (p *Parser) peekAt(offset int) lexer.Token {
	idx := p.pos + offset
	if idx >= 0 && idx < len(p.tokens) {
		return p.tokens[idx]
	}
	return lexer.Token{Type: lexer.EOF}
}

// advance consumes and returns the current token.
func (p *Parser) advance() lexer.Token {
	tok := p.peek()
	if tok.Type != lexer.EOF {
		p.pos++
	}
	return tok
}

// previous returns the most recently consumed token.
func (p *Parser) previous() lexer.Token {
	if p.pos > 0 {
		return p.tokens[p.pos-1]
	}
	return lexer.Token{Type: lexer.EOF}
}

// check returns true if the current token has the given type.
func (p *Parser) check(typ string) bool {
	return p.peek().Type == typ
}

// match consumes the current token if it matches any of the given types.
func (p *Parser) match(types ...string) bool {
	for _, t := range types {
		if p.check(t) {
			p.advance()
			return true
		}
	}
	return false
}

// expect consumes the current token if it matches typ; otherwise it records
// an error and returns the current token WITHOUT advancing.
func (p *Parser) expect(typ string, msg string) lexer.Token {
	if p.check(typ) {
		return p.advance()
	}
	tok := p.peek()
	p.addError(tok, fmt.Sprintf("%s (got %s %q)", msg, tok.Type, tok.Value))
	return tok
}

// addError appends a ParseError at the given token's location.
func (p *Parser) addError(tok lexer.Token, msg string) {
	p.errors = append(p.errors, ParseError{
		Message: msg,
		Line:    tok.Line,
		Column:  tok.Column,
	})
}

// synchronize advances past tokens until it reaches a likely statement
// boundary, allowing the parser to recover from an error and keep going.
func (p *Parser) synchronize() {
	p.advance()
	for !p.check(lexer.EOF) {
		// If we just passed a semicolon, we're at a fresh statement.
		if p.previous().Type == lexer.SEMICOLON {
			return
		}
		// If the current token starts a new construct, stop here.
		switch p.peek().Type {
		case lexer.KWINT, lexer.KWVOID, lexer.IF, lexer.WHILE,
			lexer.RETURN, lexer.BREAK, lexer.CONTINUE, lexer.RBRACE:
			return
		}
		p.advance()
	}
}

// position converts a token into an ast.Position.
func (p *Parser) position(tok lexer.Token) ast.Position {
	return ast.Position{Line: tok.Line, Column: tok.Column}
}

// =========================================================================
// Top-level parsing
// =========================================================================

func (p *Parser) parseCompUnit() *ast.CompUnit {
	unit := &ast.CompUnit{Pos: p.position(p.peek())}

	for !p.check(lexer.EOF) {
		if p.check(lexer.KWINT) || p.check(lexer.KWVOID) {
			fn := p.parseFuncDef()
			if fn != nil {
				unit.Functions = append(unit.Functions, fn)
			}
		} else {
			p.addError(p.peek(), fmt.Sprintf("expected function definition, got %s", p.peek().Type))
			p.synchronize()
		}
	}

	return unit
}

// parseFuncDef parses: ("int" | "void") IDENT "(" params? ")" block
func (p *Parser) parseFuncDef() *ast.FuncDef {
	tok := p.advance() // consume int/void
	retType := ast.RetInt
	if tok.Type == lexer.KWVOID {
		retType = ast.RetVoid
	}

	name := p.expect(lexer.IDENT, "expected function name")
	p.expect(lexer.LPAREN, "expected '(' after function name")

	var params []*ast.Param
	if !p.check(lexer.RPAREN) {
		for {
			pTok := p.expect(lexer.KWINT, "expected 'int' in parameter list")
			pName := p.expect(lexer.IDENT, "expected parameter name")
			params = append(params, &ast.Param{
				Name: pName.Value,
				Pos:  p.position(pTok),
			})
			if !p.match(lexer.COMMA) {
				break
			}
		}
	}
	p.expect(lexer.RPAREN, "expected ')' after parameter list")

	if !p.check(lexer.LBRACE) {
		p.addError(p.peek(), "expected '{' to open function body")
		p.synchronize()
		return nil
	}
	body := p.parseBlock()

	return &ast.FuncDef{
		ReturnType: retType,
		Name:       name.Value,
		Params:     params,
		Body:       body,
		Pos:        p.position(tok),
	}
}

// =========================================================================
// Statement parsing
// =========================================================================

func (p *Parser) parseBlock() *ast.Block {
	tok := p.expect(lexer.LBRACE, "expected '{'")
	block := &ast.Block{Pos: p.position(tok)}

	for !p.check(lexer.RBRACE) && !p.check(lexer.EOF) {
		stmt := p.parseStatement()
		if stmt != nil {
			block.Stmts = append(block.Stmts, stmt)
		}
	}

	p.expect(lexer.RBRACE, "expected '}' to close block")
	return block
}

func (p *Parser) parseStatement() ast.Stmt {
	switch p.peek().Type {
	case lexer.LBRACE:
		return p.parseBlock()
	case lexer.SEMICOLON:
		tok := p.advance()
		return &ast.EmptyStmt{Pos: p.position(tok)}
	case lexer.KWINT:
		return p.parseVarDecl()
	case lexer.RETURN:
		return p.parseReturnStmt()
	case lexer.IF:
		return p.parseIfStmt()
	case lexer.WHILE:
		return p.parseWhileStmt()
	case lexer.BREAK:
		tok := p.advance()
		p.expect(lexer.SEMICOLON, "expected ';' after 'break'")
		return &ast.BreakStmt{Pos: p.position(tok)}
	case lexer.CONTINUE:
		tok := p.advance()
		p.expect(lexer.SEMICOLON, "expected ';' after 'continue'")
		return &ast.ContinueStmt{Pos: p.position(tok)}
	case lexer.IDENT:
		// Assignment (IDENT "=" …) vs expression statement (anything else,
		// including calls: IDENT "(" …).
		if p.peekAt(1).Type == lexer.ASSIGN {
			return p.parseAssignStmt()
		}
		return p.parseExprStmt()
	default:
		if startsExpression(p.peek().Type) {
			return p.parseExprStmt()
		}
		p.addError(p.peek(), fmt.Sprintf("unexpected token %s %q at start of statement", p.peek().Type, p.peek().Value))
		p.synchronize()
		return nil
	}
}

func startsExpression(typ string) bool {
	switch typ {
	case lexer.INT, lexer.IDENT, lexer.LPAREN, lexer.PLUS, lexer.MINUS, lexer.BANG:
		return true
	}
	return false
}

// parseVarDecl parses: "int" IDENT "=" expression ";"
// The initializer is mandatory in ToyC.
func (p *Parser) parseVarDecl() ast.Stmt {
	tok := p.advance() // consume KWINT
	name := p.expect(lexer.IDENT, "expected variable name after 'int'")
	p.expect(lexer.ASSIGN, "expected '=' — ToyC variable declarations require an initializer")
	init := p.parseExpression()
	p.expect(lexer.SEMICOLON, "expected ';' after variable declaration")
	return &ast.VarDecl{
		Name: name.Value,
		Init: init,
		Pos:  p.position(tok),
	}
}

func (p *Parser) parseAssignStmt() ast.Stmt {
	name := p.advance() // IDENT
	p.advance()         // '='
	value := p.parseExpression()
	p.expect(lexer.SEMICOLON, "expected ';' after assignment")
	return &ast.AssignStmt{
		Name:  name.Value,
		Value: value,
		Pos:   p.position(name),
	}
}

func (p *Parser) parseReturnStmt() ast.Stmt {
	tok := p.advance() // consume RETURN
	var value ast.Expr
	if !p.check(lexer.SEMICOLON) {
		value = p.parseExpression()
	}
	p.expect(lexer.SEMICOLON, "expected ';' after return statement")
	return &ast.ReturnStmt{Value: value, Pos: p.position(tok)}
}

func (p *Parser) parseIfStmt() ast.Stmt {
	tok := p.advance() // consume IF
	p.expect(lexer.LPAREN, "expected '(' after 'if'")
	cond := p.parseExpression()
	p.expect(lexer.RPAREN, "expected ')' after if condition")

	then := p.parseStatement()
	var elseStmt ast.Stmt
	if p.match(lexer.ELSE) {
		elseStmt = p.parseStatement()
	}

	return &ast.IfStmt{
		Condition: cond,
		Then:      then,
		Else:      elseStmt,
		Pos:       p.position(tok),
	}
}

func (p *Parser) parseWhileStmt() ast.Stmt {
	tok := p.advance() // consume WHILE
	p.expect(lexer.LPAREN, "expected '(' after 'while'")
	cond := p.parseExpression()
	p.expect(lexer.RPAREN, "expected ')' after while condition")
	body := p.parseStatement()
	return &ast.WhileStmt{
		Condition: cond,
		Body:      body,
		Pos:       p.position(tok),
	}
}

func (p *Parser) parseExprStmt() ast.Stmt {
	tok := p.peek()
	expr := p.parseExpression()
	p.expect(lexer.SEMICOLON, "expected ';' after expression")
	return &ast.ExprStmt{Expression: expr, Pos: p.position(tok)}
}

// =========================================================================
// Expression parsing (precedence climbing)
// =========================================================================

func (p *Parser) parseExpression() ast.Expr {
	return p.parseBinary(precOr)
}

// parseBinary parses binary expressions at the given minimum precedence.
// All ToyC binary operators are left-associative.
func (p *Parser) parseBinary(minPrec int) ast.Expr {
	left := p.parseUnary()

	for {
		tok := p.peek()
		prec := binaryPrecedence(tok.Type)
		if prec == precNone || prec < minPrec {
			return left
		}
		p.advance()
		right := p.parseBinary(prec + 1)
		left = &ast.BinaryExpr{
			Op:    tok.Value,
			Left:  left,
			Right: right,
			Pos:   p.position(tok),
		}
	}
}

func (p *Parser) parseUnary() ast.Expr {
	tok := p.peek()
	switch tok.Type {
	case lexer.PLUS, lexer.MINUS, lexer.BANG:
		p.advance()
		operand := p.parseUnary()
		return &ast.UnaryExpr{
			Op:      tok.Value,
			Operand: operand,
			Pos:     p.position(tok),
		}
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() ast.Expr {
	tok := p.peek()

	switch tok.Type {
	case lexer.INT:
		p.advance()
		// Literals are unsigned in the grammar; values wrap into int32 the
		// same way two's-complement arithmetic does.
		v, err := strconv.ParseUint(tok.Value, 10, 64)
		if err != nil {
			p.addError(tok, fmt.Sprintf("invalid integer literal %q", tok.Value))
			v = 0
		}
		return &ast.NumberExpr{Value: int32(uint32(v)), Pos: p.position(tok)}

	case lexer.IDENT:
		// Function call: IDENT "(" args? ")"
		if p.peekAt(1).Type == lexer.LPAREN {
			return p.parseCall()
		}
		p.advance()
		return &ast.VarExpr{Name: tok.Value, Pos: p.position(tok)}

	case lexer.LPAREN:
		p.advance()
		expr := p.parseExpression()
		p.expect(lexer.RPAREN, "expected ')' after expression")
		return expr
	}

	p.addError(tok, fmt.Sprintf("expected expression, got %s %q", tok.Type, tok.Value))
	p.advance()
	return &ast.NumberExpr{Value: 0, Pos: p.position(tok)}
}

func (p *Parser) parseCall() ast.Expr {
	name := p.advance() // IDENT
	p.advance()         // '('

	var args []ast.Expr
	if !p.check(lexer.RPAREN) {
		for {
			args = append(args, p.parseExpression())
			if !p.match(lexer.COMMA) {
				break
			}
		}
	}
	p.expect(lexer.RPAREN, "expected ')' after call arguments")

	return &ast.CallExpr{
		Callee: name.Value,
		Args:   args,
		Pos:    p.position(name),
	}
}
