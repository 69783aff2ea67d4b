package config

import "fmt"

// ParseError locates a syntax error in the input.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

// Parser builds a ConfigTree from configuration text.
type Parser struct {
	lex  *Lexer
	errs []error
}

// NewParser creates a parser for input.
func NewParser(input string) *Parser {
	return &Parser{lex: NewLexer(input)}
}

// Parse reads the whole input. Statements with syntax errors are skipped
// and reported; the tree holds everything that parsed.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{}
	tree.Children = p.parseStatements(false)
	return tree, p.errs
}

func (p *Parser) errorf(tok Token, format string, args ...any) {
	p.errs = append(p.errs, &ParseError{
		Line:   tok.Line,
		Column: tok.Column,
		Msg:    fmt.Sprintf(format, args...),
	})
}

// parseStatements reads statements up to EOF, or up to and including the
// closing brace when nested.
func (p *Parser) parseStatements(nested bool) []*Node {
	var nodes []*Node
	for {
		tok := p.lex.Peek()
		switch tok.Type {
		case TokenEOF:
			if nested {
				p.errorf(tok, "unexpected EOF, missing '}'")
			}
			return nodes
		case TokenRBrace:
			p.lex.Next()
			if nested {
				return nodes
			}
			p.errorf(tok, "unexpected '}'")
			continue
		}
		if n := p.parseStatement(); n != nil {
			nodes = append(nodes, n)
		}
	}
}

// parseStatement reads "keys... ;" or "keys... { ... }".
func (p *Parser) parseStatement() *Node {
	first := p.lex.Peek()
	n := &Node{Line: first.Line, Column: first.Column}
	for {
		tok := p.lex.Peek()
		if tok.Type == TokenRBrace {
			// Leave the brace for the enclosing block.
			p.errorf(tok, "unexpected '}' after %q, missing ';'", n.KeyPath())
			return nil
		}
		p.lex.Next()
		switch tok.Type {
		case TokenIdentifier, TokenString:
			n.Keys = append(n.Keys, tok.Value)
		case TokenSemicolon:
			if len(n.Keys) == 0 {
				p.errorf(tok, "empty statement")
				return nil
			}
			n.IsLeaf = true
			return n
		case TokenLBrace:
			if len(n.Keys) == 0 {
				p.errorf(tok, "block without a name")
				p.parseStatements(true)
				return nil
			}
			n.Children = p.parseStatements(true)
			if n.Children == nil {
				n.Children = []*Node{}
			}
			return n
		case TokenEOF:
			p.errorf(tok, "unexpected EOF after %q, missing ';'", n.KeyPath())
			return nil
		case TokenError:
			p.errorf(tok, "%s", tok.Value)
			p.skipStatement()
			return nil
		}
	}
}

// skipStatement discards tokens through the next ';' or balanced block.
func (p *Parser) skipStatement() {
	depth := 0
	for {
		tok := p.lex.Peek()
		switch tok.Type {
		case TokenEOF:
			return
		case TokenSemicolon:
			p.lex.Next()
			if depth == 0 {
				return
			}
		case TokenLBrace:
			p.lex.Next()
			depth++
		case TokenRBrace:
			if depth == 0 {
				return
			}
			p.lex.Next()
			depth--
			if depth == 0 {
				return
			}
		default:
			p.lex.Next()
		}
	}
}
