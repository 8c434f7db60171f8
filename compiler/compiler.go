package compiler

import (
	"fmt"

	"github.com/chazu/upy/vm"
)

// ---------------------------------------------------------------------------
// Compiler: single-pass recursive descent straight to bytecode
// ---------------------------------------------------------------------------

// maxOperand is the largest count a u16 operand can carry.
const maxOperand = 0xFFFF

// Compile compiles source into a module named name. Functions and classes
// are created as they are parsed; nothing is returned if any part of the
// source fails to compile. Compile has the signature of vm.CompileFunc and
// is installed with ctx.UseCompiler(compiler.Compile).
func Compile(ctx *vm.Context, name, source string) (vm.Value, error) {
	mod := vm.Undefined
	err := ctx.Protect(func() {
		p := NewParser(ctx, name, source)
		mod = p.ParseModule()
	})
	if err != nil {
		return vm.Undefined, err
	}
	return mod, nil
}

// Parser compiles upy source as it parses it.
type Parser struct {
	ctx       *vm.Context
	module    string
	lexer     *Lexer
	curToken  Token
	peekToken Token

	u     *unit  // code unit being emitted
	last  target // most recent assignable load, see assignable
	depth int    // expression and block nesting
}

// NewParser creates a parser for source. It must run inside ctx.Protect:
// syntax errors are thrown through the context.
func NewParser(ctx *vm.Context, module, source string) *Parser {
	p := &Parser{
		ctx:    ctx,
		module: module,
		lexer:  NewLexer(source),
	}
	// Read two tokens to fill curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// ParseModule compiles the whole source into a new module.
func (p *Parser) ParseModule() vm.Value {
	mod := p.ctx.NewModule(p.module)
	p.ctx.SetProp(mod, "__name__", p.ctx.ForeignString(p.module))
	p.u = newUnit(unitModule, mod, p.ctx.CodeOf(mod), nil)
	for !p.curTokenIs(TokenEOF) {
		p.statement()
	}
	p.finishUnit()
	return mod
}

// ---------------------------------------------------------------------------
// Token handling
// ---------------------------------------------------------------------------

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
	if p.curToken.Type == TokenError {
		p.errorAt(p.curToken.Pos, "%s", p.curToken.Literal)
	}
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) curIsOp(op string) bool {
	return p.curToken.Type == TokenOp && p.curToken.Literal == op
}

func (p *Parser) peekIsOp(op string) bool {
	return p.peekToken.Type == TokenOp && p.peekToken.Literal == op
}

func (p *Parser) curIsKeyword(kw string) bool {
	return p.curToken.Type == TokenKeyword && p.curToken.Literal == kw
}

// expectOp consumes the operator op or fails.
func (p *Parser) expectOp(op string) {
	if !p.curIsOp(op) {
		p.errorf("expected '%s', got %s", op, p.curToken.describe())
	}
	p.nextToken()
}

func (p *Parser) expectKeyword(kw string) {
	if !p.curIsKeyword(kw) {
		p.errorf("expected '%s', got %s", kw, p.curToken.describe())
	}
	p.nextToken()
}

// expectName consumes a name and returns its text.
func (p *Parser) expectName() string {
	if !p.curTokenIs(TokenName) {
		p.errorf("expected name, got %s", p.curToken.describe())
	}
	name := p.curToken.Literal
	p.nextToken()
	return name
}

// atStatementEnd reports whether the current simple statement is complete.
func (p *Parser) atStatementEnd() bool {
	return p.curTokenIs(TokenNewline) || p.curTokenIs(TokenEOF) || p.curIsOp(";")
}

// snapshot is a saved lexer position, used to re-read a span of source.
type snapshot struct {
	lexer     Lexer
	curToken  Token
	peekToken Token
}

func (p *Parser) save() snapshot {
	return snapshot{lexer: p.lexer.Save(), curToken: p.curToken, peekToken: p.peekToken}
}

func (p *Parser) restore(s snapshot) {
	p.lexer.Restore(s.lexer)
	p.curToken, p.peekToken = s.curToken, s.peekToken
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// errorf throws a syntax error at the current token.
func (p *Parser) errorf(format string, args ...any) {
	p.errorAt(p.curToken.Pos, format, args...)
}

func (p *Parser) errorAt(pos Position, format string, args ...any) {
	p.ctx.ThrowSyntax(p.module, pos.Line, pos.Column, fmt.Sprintf(format, args...))
}

// maxNesting bounds how deeply expressions and blocks may nest.
const maxNesting = 200

func (p *Parser) enter(what string) {
	p.depth++
	if p.depth > maxNesting {
		p.errorf("%s nested too deeply", what)
	}
}

func (p *Parser) leave() { p.depth-- }

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (p *Parser) emit(op vm.Opcode) {
	p.u.b.Emit(op)
}

// emitKey emits op with the pool key for text.
func (p *Parser) emitKey(op vm.Opcode, text string) {
	p.u.b.EmitUint16(op, p.ctx.Intern(text))
}

// emitCount emits op with a u16 count, failing when n does not fit.
func (p *Parser) emitCount(op vm.Opcode, n int, what string) {
	if n > maxOperand {
		p.errorf("too many %s: exceeds max size of %d", what, maxOperand)
	}
	p.u.b.EmitUint16(op, uint16(n))
}

// markLine emits a line marker when the current statement starts on a new
// line.
func (p *Parser) markLine() {
	line := p.curToken.Pos.Line
	if line != p.u.line {
		p.u.b.EmitInt32(vm.OpLine, int32(line))
		p.u.line = line
	}
}

// addConst records v in the current unit's constant table and returns its
// index.
func (p *Parser) addConst(v vm.Value) uint16 {
	code := p.u.code
	if len(code.Consts) >= maxOperand {
		p.errorf("too many definitions: exceeds max size of %d", maxOperand)
	}
	code.Consts = append(code.Consts, v)
	return uint16(len(code.Consts) - 1)
}

// finishUnit terminates the current unit and installs its bytecode.
func (p *Parser) finishUnit() {
	u := p.u
	u.b.Emit(vm.OpReturnVoid)
	u.code.Bytecode = u.b.Bytes()
	u.code.NLocals = len(u.code.Locals)
}
