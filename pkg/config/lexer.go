// Package config parses the dhcp6d configuration file: a hierarchical,
// brace-delimited text format in the Junos style, compiled into typed
// settings for the DHCPv6 client, the relay agent and the daemon itself.
package config

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenLBrace     TokenType = iota // {
	TokenRBrace                      // }
	TokenSemicolon                   // ;
	TokenIdentifier                  // unquoted word
	TokenString                      // "quoted string"
	TokenEOF
	TokenError
)

func (t TokenType) String() string {
	switch t {
	case TokenLBrace:
		return "'{'"
	case TokenRBrace:
		return "'}'"
	case TokenSemicolon:
		return "';'"
	case TokenIdentifier:
		return "identifier"
	case TokenString:
		return "string"
	case TokenEOF:
		return "EOF"
	case TokenError:
		return "error"
	}
	return "unknown"
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Type == TokenIdentifier || t.Type == TokenString {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes configuration text. Comments start with '#' or '//' and
// run to the end of the line, or are enclosed in /* */. Square brackets
// are dropped so "[ a b ]" lists read as plain words.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

// NewLexer creates a new Lexer for the given input string.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

// Next returns the next token, advancing the position.
func (l *Lexer) Next() Token {
	for {
		l.skipSpaceAndComments()
		if l.pos >= len(l.input) {
			return Token{Type: TokenEOF, Line: l.line, Column: l.column}
		}
		if ch := l.input[l.pos]; ch == '[' || ch == ']' {
			l.advance()
			continue
		}
		break
	}

	line, col := l.line, l.column
	ch := l.input[l.pos]
	switch {
	case ch == '{':
		l.advance()
		return Token{Type: TokenLBrace, Value: "{", Line: line, Column: col}
	case ch == '}':
		l.advance()
		return Token{Type: TokenRBrace, Value: "}", Line: line, Column: col}
	case ch == ';':
		l.advance()
		return Token{Type: TokenSemicolon, Value: ";", Line: line, Column: col}
	case ch == '"':
		return l.readString(line, col)
	case isIdentChar(ch):
		start := l.pos
		for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
			l.advance()
		}
		return Token{Type: TokenIdentifier, Value: l.input[start:l.pos], Line: line, Column: col}
	}
	l.advance()
	return Token{
		Type:   TokenError,
		Value:  fmt.Sprintf("unexpected character %q", ch),
		Line:   line,
		Column: col,
	}
}

// Peek returns the next token without advancing.
func (l *Lexer) Peek() Token {
	pos, line, col := l.pos, l.line, l.column
	tok := l.Next()
	l.pos, l.line, l.column = pos, line, col
	return tok
}

func (l *Lexer) advance() {
	if l.pos >= len(l.input) {
		return
	}
	if l.input[l.pos] == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
}

func (l *Lexer) hasPrefix(s string) bool {
	return strings.HasPrefix(l.input[l.pos:], s)
}

func (l *Lexer) skipLine() {
	for l.pos < len(l.input) && l.input[l.pos] != '\n' {
		l.advance()
	}
}

func (l *Lexer) skipSpaceAndComments() {
	for l.pos < len(l.input) {
		switch {
		case strings.IndexByte(" \t\r\n", l.input[l.pos]) >= 0:
			l.advance()
		case l.input[l.pos] == '#', l.hasPrefix("//"):
			l.skipLine()
		case l.hasPrefix("/*"):
			l.advance()
			l.advance()
			for l.pos < len(l.input) && !l.hasPrefix("*/") {
				l.advance()
			}
			l.advance()
			l.advance()
		default:
			return
		}
	}
}

func (l *Lexer) readString(line, col int) Token {
	l.advance() // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '"':
			l.advance()
			return Token{Type: TokenString, Value: b.String(), Line: line, Column: col}
		case ch == '\\' && l.pos+1 < len(l.input):
			l.advance()
			switch esc := l.input[l.pos]; esc {
			case '"', '\\':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(ch)
		}
		l.advance()
	}
	return Token{Type: TokenError, Value: "unterminated string", Line: line, Column: col}
}

// isIdentChar reports whether ch may appear in an unquoted word. Words
// cover interface names (eth0.100), addresses and prefixes (2001:db8::/48,
// 192.0.2.1:514) and durations (1.5s).
func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		strings.IndexByte("-_./:*+@%", ch) >= 0
}
