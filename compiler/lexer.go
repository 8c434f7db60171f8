package compiler

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: on-demand tokenizer with indentation tracking
// ---------------------------------------------------------------------------

// Lexer tokenizes upy source. Tokens are produced on demand; the parser
// pulls them one at a time and may save and restore the lexer to re-read a
// span of source.
//
// Indentation follows the usual offside rule: the first token of a logical
// line is preceded by INDENT or DEDENT tokens when its indentation differs
// from the enclosing block, and every logical line ends in NEWLINE. Lines
// inside brackets are joined, and blank or comment-only lines produce
// nothing.
type Lexer struct {
	input     string
	pos       int // current offset
	line      int // line of pos (1-based)
	lineStart int // offset of the current line start

	indents   []int // indentation stack, always starts with 0
	dedents   int   // DEDENT tokens still owed
	depth     int   // bracket nesting
	lineBegin bool  // at the start of a logical line
	bad       int   // offset of the first invalid UTF-8 byte, or -1
	last      TokenType
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{
		input:     input,
		line:      1,
		indents:   []int{0},
		lineBegin: true,
		last:      TokenNewline,
		bad:       invalidUTF8(input),
	}
}

func invalidUTF8(s string) int {
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				return i
			}
		}
	}
	return -1
}

// positionAt returns the position of byte offset off.
func (l *Lexer) positionAt(off int) Position {
	line, start := 1, 0
	for i := 0; i < off; i++ {
		if l.input[i] == '\n' {
			line++
			start = i + 1
		}
	}
	return Position{Offset: off, Line: line, Column: off - start + 1}
}

// Save returns a snapshot of the lexer state.
func (l *Lexer) Save() Lexer {
	s := *l
	s.indents = append([]int(nil), l.indents...)
	return s
}

// Restore rewinds the lexer to a snapshot taken by Save.
func (l *Lexer) Restore(s Lexer) {
	*l = s
	l.indents = append([]int(nil), s.indents...)
}

// position returns the current position.
func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.pos - l.lineStart + 1}
}

func (l *Lexer) peek(n int) byte {
	if l.pos+n < len(l.input) {
		return l.input[l.pos+n]
	}
	return 0
}

// advance consumes one byte, tracking lines.
func (l *Lexer) advance() {
	if l.pos >= len(l.input) {
		return
	}
	if l.input[l.pos] == '\n' {
		l.line++
		l.lineStart = l.pos + 1
	}
	l.pos++
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	tok := l.next()
	l.last = tok.Type
	return tok
}

func (l *Lexer) next() Token {
	if l.bad >= 0 {
		return Token{Type: TokenError, Literal: "invalid character", Pos: l.positionAt(l.bad)}
	}
	if l.dedents > 0 {
		l.dedents--
		return Token{Type: TokenDedent, Pos: l.position()}
	}
	if l.lineBegin && l.depth == 0 {
		if tok, ok := l.indentation(); ok {
			return tok
		}
	}
	l.skipSpace()

	pos := l.position()
	if l.pos >= len(l.input) {
		return l.eof(pos)
	}

	ch := l.input[l.pos]
	switch {
	case ch == '\n':
		l.advance()
		if l.depth > 0 {
			return l.next()
		}
		l.lineBegin = true
		return Token{Type: TokenNewline, Pos: pos}

	case ch == '\'' || ch == '"':
		return l.readString(pos)

	case isDigit(ch) || (ch == '.' && isDigit(l.peek(1))):
		return l.readNumber(pos)

	case isLetter(ch):
		return l.readName(pos)
	}
	return l.readOperator(pos)
}

// indentation measures the indentation of a new logical line, skipping
// blank and comment-only lines. It reports false when the line continues
// the current block.
func (l *Lexer) indentation() (Token, bool) {
	for {
		width := 0
	measure:
		for l.pos < len(l.input) {
			switch l.input[l.pos] {
			case ' ':
				width++
			case '\t':
				width = (width/8 + 1) * 8
			case '\f', '\r':
			default:
				break measure
			}
			l.advance()
		}
		if l.pos >= len(l.input) {
			l.lineBegin = false
			return Token{}, false
		}
		switch l.input[l.pos] {
		case '\n':
			l.advance()
			continue
		case '#':
			l.skipComment()
			continue
		}

		l.lineBegin = false
		pos := l.position()
		top := l.indents[len(l.indents)-1]
		switch {
		case width > top:
			l.indents = append(l.indents, width)
			return Token{Type: TokenIndent, Pos: pos}, true
		case width < top:
			n := 0
			for len(l.indents) > 1 && l.indents[len(l.indents)-1] > width {
				l.indents = l.indents[:len(l.indents)-1]
				n++
			}
			if l.indents[len(l.indents)-1] != width {
				return Token{Type: TokenError, Literal: "unindent does not match any outer indentation level", Pos: pos}, true
			}
			l.dedents = n - 1
			return Token{Type: TokenDedent, Pos: pos}, true
		}
		return Token{}, false
	}
}

// eof closes the last logical line and any open blocks.
func (l *Lexer) eof(pos Position) Token {
	if l.last != TokenNewline && l.last != TokenDedent && l.last != TokenIndent {
		return Token{Type: TokenNewline, Pos: pos}
	}
	if len(l.indents) > 1 {
		l.indents = l.indents[:len(l.indents)-1]
		return Token{Type: TokenDedent, Pos: pos}
	}
	return Token{Type: TokenEOF, Pos: pos}
}

// skipSpace skips blanks, comments, and backslash line continuations.
func (l *Lexer) skipSpace() {
	for l.pos < len(l.input) {
		switch ch := l.input[l.pos]; {
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\f':
			l.advance()
		case ch == '#':
			l.skipComment()
		case ch == '\\' && l.peek(1) == '\n':
			l.advance()
			l.advance()
		case ch == '\\' && l.peek(1) == '\r' && l.peek(2) == '\n':
			l.advance()
			l.advance()
			l.advance()
		default:
			return
		}
	}
}

func (l *Lexer) skipComment() {
	for l.pos < len(l.input) && l.input[l.pos] != '\n' {
		l.advance()
	}
}

func (l *Lexer) readOperator(pos Position) Token {
	rest := l.input[l.pos:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			for range op {
				l.advance()
			}
			return Token{Type: TokenOp, Literal: op, Pos: pos}
		}
	}
	ch := rest[0]
	if strings.IndexByte(singleOps, ch) < 0 {
		l.advance()
		return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character %q", ch), Pos: pos}
	}
	l.advance()
	switch ch {
	case '(', '[', '{':
		l.depth++
	case ')', ']', '}':
		if l.depth > 0 {
			l.depth--
		}
	}
	return Token{Type: TokenOp, Literal: string(ch), Pos: pos}
}

// readNumber reads a decimal, float, or hex literal. Octal, binary, and
// imaginary forms are recognized only to be rejected.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.input[l.pos] == '0' {
		switch l.peek(1) {
		case 'x', 'X':
			l.advance()
			l.advance()
			digits := l.pos
			for l.pos < len(l.input) && (isHexDigit(l.input[l.pos]) || l.input[l.pos] == '_') {
				l.advance()
			}
			text := strings.ReplaceAll(l.input[digits:l.pos], "_", "")
			n, err := strconv.ParseUint(text, 16, 64)
			if err != nil {
				return Token{Type: TokenError, Literal: "invalid hex literal", Pos: pos}
			}
			return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Num: float64(n), Pos: pos}
		case 'o', 'O', 'b', 'B':
			return l.unsupportedNumber(pos)
		}
	}

	l.digits()
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		l.advance()
		l.digits()
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		save := l.pos
		l.advance()
		if l.pos < len(l.input) && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
			l.advance()
		}
		if l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.digits()
		} else {
			l.pos = save
		}
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'j' || l.input[l.pos] == 'J') {
		return l.unsupportedNumber(pos)
	}

	lit := l.input[start:l.pos]
	f, err := strconv.ParseFloat(strings.ReplaceAll(lit, "_", ""), 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return Token{Type: TokenError, Literal: fmt.Sprintf("invalid numeric literal %q", lit), Pos: pos}
		}
	}
	return Token{Type: TokenNumber, Literal: lit, Num: f, Pos: pos}
}

func (l *Lexer) digits() {
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '_') {
		l.advance()
	}
}

func (l *Lexer) unsupportedNumber(pos Position) Token {
	for l.pos < len(l.input) && (isLetter(l.input[l.pos]) || isDigit(l.input[l.pos])) {
		l.advance()
	}
	return Token{Type: TokenError, Literal: "unsupported numeric literal", Pos: pos}
}

// readString reads a quoted string, decoding escapes. Triple-quoted strings
// may span lines.
func (l *Lexer) readString(pos Position) Token {
	quote := l.input[l.pos]
	triple := l.peek(1) == quote && l.peek(2) == quote
	if triple {
		l.advance()
		l.advance()
	}
	l.advance()

	var sb strings.Builder
	for {
		if l.pos >= len(l.input) {
			return Token{Type: TokenError, Literal: "unterminated string literal", Pos: pos}
		}
		ch := l.input[l.pos]
		switch {
		case ch == quote && (!triple || (l.peek(1) == quote && l.peek(2) == quote)):
			l.advance()
			if triple {
				l.advance()
				l.advance()
			}
			return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
		case ch == '\n' && !triple:
			return Token{Type: TokenError, Literal: "unterminated string literal", Pos: pos}
		case ch == '\\':
			if err := l.readEscape(&sb); err != "" {
				return Token{Type: TokenError, Literal: err, Pos: pos}
			}
		default:
			sb.WriteByte(ch)
			l.advance()
		}
	}
}

// readEscape decodes one backslash escape. Unknown escapes are kept as
// written.
func (l *Lexer) readEscape(sb *strings.Builder) string {
	l.advance() // consume backslash
	if l.pos >= len(l.input) {
		return "unterminated string literal"
	}
	ch := l.input[l.pos]
	l.advance()
	switch ch {
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case 'b':
		sb.WriteByte('\b')
	case 'f':
		sb.WriteByte('\f')
	case 'v':
		sb.WriteByte('\v')
	case '0':
		sb.WriteByte(0)
	case '\\', '\'', '"':
		sb.WriteByte(ch)
	case '\n':
		// line continuation inside a string
	case 'x':
		if !isHexDigit(l.peek(0)) || !isHexDigit(l.peek(1)) {
			return "invalid \\x escape"
		}
		n, _ := strconv.ParseUint(l.input[l.pos:l.pos+2], 16, 8)
		sb.WriteByte(byte(n))
		l.advance()
		l.advance()
	default:
		sb.WriteByte('\\')
		sb.WriteByte(ch)
	}
	return ""
}

// readName reads an identifier or keyword. Non-ASCII identifiers are
// letters followed by letters, digits, or combining marks.
func (l *Lexer) readName(pos Position) Token {
	start := l.pos
	for l.pos < len(l.input) {
		r, size := rune(l.input[l.pos]), 1
		if r >= utf8.RuneSelf {
			r, size = utf8.DecodeRuneInString(l.input[l.pos:])
		}
		if !isNameRune(r, l.pos > start) {
			break
		}
		l.pos += size
	}
	if l.pos == start {
		r, size := utf8.DecodeRuneInString(l.input[l.pos:])
		l.pos += size
		return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character %q", r), Pos: pos}
	}
	word := l.input[start:l.pos]
	if keywords[word] {
		return Token{Type: TokenKeyword, Literal: word, Pos: pos}
	}
	return Token{Type: TokenName, Literal: word, Pos: pos}
}

func isNameRune(r rune, inside bool) bool {
	if r == '_' || unicode.IsLetter(r) {
		return true
	}
	return inside && (unicode.IsDigit(r) || unicode.In(r, unicode.Mn, unicode.Mc, unicode.Pc))
}

func isLetter(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_' || ch >= 0x80
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isHexDigit(ch byte) bool {
	return isDigit(ch) || ch >= 'a' && ch <= 'f' || ch >= 'A' && ch <= 'F'
}
