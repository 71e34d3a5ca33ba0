package lexer_test

import (
	"testing"

	"toycc/internal/lexer"
)

// lexOK lexes input and fails the test on any lex error.
func lexOK(t *testing.T, input string) []lexer.Token {
	t.Helper()
	tokens, errs := lexer.Lex(input)
	if len(errs) > 0 {
		t.Fatalf("unexpected lex errors: %v", errs)
	}
	return tokens
}

// types strips the trailing EOF and returns just the token types.
func types(tokens []lexer.Token) []string {
	var out []string
	for _, tok := range tokens {
		if tok.Type == lexer.EOF {
			break
		}
		out = append(out, tok.Type)
	}
	return out
}

func expectTypes(t *testing.T, got []lexer.Token, want ...string) {
	t.Helper()
	gotTypes := types(got)
	if len(gotTypes) != len(want) {
		t.Fatalf("token count mismatch: got %v, want %v", gotTypes, want)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Errorf("token %d: got %s, want %s", i, gotTypes[i], want[i])
		}
	}
}

func TestKeywordsAndIdentifiers(t *testing.T) {
	tokens := lexOK(t, "int void return if else while break continue main _x x9")
	expectTypes(t, tokens,
		lexer.KWINT, lexer.KWVOID, lexer.RETURN, lexer.IF, lexer.ELSE,
		lexer.WHILE, lexer.BREAK, lexer.CONTINUE,
		lexer.IDENT, lexer.IDENT, lexer.IDENT)
}

func TestOperators(t *testing.T) {
	tokens := lexOK(t, "+ - * / % = == != < > <= >= && || !")
	expectTypes(t, tokens,
		lexer.PLUS, lexer.MINUS, lexer.STAR, lexer.SLASH, lexer.PERCENT,
		lexer.ASSIGN, lexer.EQ, lexer.NEQ, lexer.LT, lexer.GT,
		lexer.LTE, lexer.GTE, lexer.AND, lexer.OR, lexer.BANG)
}

func TestDelimiters(t *testing.T) {
	tokens := lexOK(t, "( ) { } ; ,")
	expectTypes(t, tokens,
		lexer.LPAREN, lexer.RPAREN, lexer.LBRACE, lexer.RBRACE,
		lexer.SEMICOLON, lexer.COMMA)
}

func TestIntegerLiterals(t *testing.T) {
	tokens := lexOK(t, "0 42 1000")
	expectTypes(t, tokens, lexer.INT, lexer.INT, lexer.INT)
	if tokens[1].Value != "42" {
		t.Errorf("expected literal \"42\", got %q", tokens[1].Value)
	}
}

func TestLineComment(t *testing.T) {
	tokens := lexOK(t, "int x // this is ignored\nreturn")
	expectTypes(t, tokens, lexer.KWINT, lexer.IDENT, lexer.RETURN)
}

func TestBlockComment(t *testing.T) {
	tokens := lexOK(t, "int /* spans\nlines */ x")
	expectTypes(t, tokens, lexer.KWINT, lexer.IDENT)
	if tokens[1].Line != 2 {
		t.Errorf("expected x on line 2, got line %d", tokens[1].Line)
	}
}

func TestUnterminatedBlockComment(t *testing.T) {
	_, errs := lexer.Lex("int x /* never closed")
	if len(errs) != 1 {
		t.Fatalf("expected 1 lex error, got %d", len(errs))
	}
}

func TestUnexpectedCharacter(t *testing.T) {
	tokens, errs := lexer.Lex("int x @ y")
	if len(errs) != 1 {
		t.Fatalf("expected 1 lex error, got %d: %v", len(errs), errs)
	}
	// Lexing continues past the bad character.
	expectTypes(t, tokens, lexer.KWINT, lexer.IDENT, lexer.IDENT)
}

func TestPositions(t *testing.T) {
	tokens := lexOK(t, "int main\n  return")
	if tokens[0].Line != 1 || tokens[0].Column != 1 {
		t.Errorf("int at %d:%d, want 1:1", tokens[0].Line, tokens[0].Column)
	}
	if tokens[1].Line != 1 || tokens[1].Column != 5 {
		t.Errorf("main at %d:%d, want 1:5", tokens[1].Line, tokens[1].Column)
	}
	if tokens[2].Line != 2 || tokens[2].Column != 3 {
		t.Errorf("return at %d:%d, want 2:3", tokens[2].Line, tokens[2].Column)
	}
}

func TestSingleAmpersandRejected(t *testing.T) {
	_, errs := lexer.Lex("a & b")
	if len(errs) != 1 {
		t.Fatalf("expected 1 lex error for bare '&', got %d", len(errs))
	}
}

func TestWholeFunction(t *testing.T) {
	src := "int main() { int x = 1; return x; }"
	tokens := lexOK(t, src)
	expectTypes(t, tokens,
		lexer.KWINT, lexer.IDENT, lexer.LPAREN, lexer.RPAREN, lexer.LBRACE,
		lexer.KWINT, lexer.IDENT, lexer.ASSIGN, lexer.INT, lexer.SEMICOLON,
		lexer.RETURN, lexer.IDENT, lexer.SEMICOLON, lexer.RBRACE)
}
