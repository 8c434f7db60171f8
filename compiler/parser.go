package compiler

import (
	"strings"

	"github.com/chazu/upy/vm"
)

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// statement compiles one statement, simple or compound.
func (p *Parser) statement() {
	if p.curTokenIs(TokenIndent) {
		p.errorf("unexpected indent")
	}
	if p.curTokenIs(TokenNewline) {
		p.nextToken()
		return
	}
	p.markLine()
	if p.curTokenIs(TokenKeyword) {
		switch p.curToken.Literal {
		case "if":
			p.ifStatement()
			return
		case "while":
			p.whileStatement()
			return
		case "for":
			p.forStatement()
			return
		case "try":
			p.tryStatement()
			return
		case "def":
			p.defStatement()
			return
		case "class":
			p.classStatement()
			return
		}
	}
	p.simpleStatements()
}

// simpleStatements compiles a ';'-separated line of simple statements.
func (p *Parser) simpleStatements() {
	for {
		p.simpleStatement()
		if !p.curIsOp(";") {
			break
		}
		p.nextToken()
		if p.curTokenIs(TokenNewline) || p.curTokenIs(TokenEOF) {
			break
		}
	}
	if p.curTokenIs(TokenEOF) {
		return
	}
	if !p.curTokenIs(TokenNewline) {
		p.errorf("unexpected %s", p.curToken.describe())
	}
	p.nextToken()
}

func (p *Parser) simpleStatement() {
	if p.curTokenIs(TokenKeyword) {
		switch kw := p.curToken.Literal; kw {
		case "pass":
			p.nextToken()
			return
		case "return":
			p.returnStatement()
			return
		case "break", "continue":
			p.jumpStatement(kw == "break")
			return
		case "raise":
			p.raiseStatement()
			return
		case "import":
			p.importStatement()
			return
		case "from":
			p.fromStatement()
			return
		case "global", "nonlocal":
			p.globalStatement(kw == "global")
			return
		case "del":
			p.delStatement()
			return
		case "lambda", "with", "yield", "assert", "async", "await":
			p.errorf("'%s' is not supported", kw)
		}
	}
	p.expressionStatement()
}

// block compiles the suite after a compound statement header: either the
// rest of the line or an indented block.
func (p *Parser) block() {
	p.expectOp(":")
	if !p.curTokenIs(TokenNewline) {
		p.simpleStatements()
		return
	}
	p.nextToken()
	if !p.curTokenIs(TokenIndent) {
		p.errorf("expected an indented block")
	}
	p.nextToken()
	p.enter("block")
	for !p.curTokenIs(TokenDedent) && !p.curTokenIs(TokenEOF) {
		p.statement()
	}
	p.leave()
	if p.curTokenIs(TokenDedent) {
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Assignment and expression statements
// ---------------------------------------------------------------------------

var augmentedOps = map[string]vm.Opcode{
	"+=":  vm.OpAdd,
	"-=":  vm.OpSub,
	"*=":  vm.OpMul,
	"/=":  vm.OpDiv,
	"//=": vm.OpFloorDiv,
	"%=":  vm.OpMod,
	"**=": vm.OpPow,
	"&=":  vm.OpAnd,
	"|=":  vm.OpOr,
	"^=":  vm.OpXor,
	"<<=": vm.OpLeftShift,
	">>=": vm.OpRightShift,
}

func (p *Parser) expressionStatement() {
	if p.unpackAssignment() {
		return
	}
	if p.curTokenIs(TokenName) && p.peekIsOp("=") {
		p.nameAssignment()
		return
	}

	p.exprList()
	switch op, aug := augmentedOps[p.curToken.Literal]; {
	case p.curIsOp("="):
		t := p.assignable()
		if t.kind == targetNone {
			p.errorf("cannot assign to expression")
		}
		p.u.b.Truncate(t.at)
		p.nextToken()
		p.exprList()
		if p.curIsOp("=") {
			p.errorf("chained assignment supports only names")
		}
		p.store(t)
	case aug && p.curTokenIs(TokenOp):
		p.augmentedAssignment(op)
	default:
		p.emit(vm.OpPop)
	}
}

// nameAssignment compiles `a = b = expr`.
func (p *Parser) nameAssignment() {
	var names []string
	for p.curTokenIs(TokenName) && p.peekIsOp("=") {
		names = append(names, p.curToken.Literal)
		p.nextToken()
		p.nextToken()
	}
	p.exprList()
	if p.curIsOp("=") {
		p.errorf("chained assignment supports only names")
	}
	for i, name := range names {
		if i < len(names)-1 {
			p.emit(vm.OpDup)
		}
		p.storeName(name)
	}
}

// unpackAssignment compiles `a, b = expr` if the statement has that shape.
func (p *Parser) unpackAssignment() bool {
	if !p.curTokenIs(TokenName) || !p.peekIsOp(",") {
		return false
	}
	s := p.save()
	var names []string
	for p.curTokenIs(TokenName) {
		names = append(names, p.curToken.Literal)
		p.nextToken()
		if !p.curIsOp(",") {
			break
		}
		p.nextToken()
	}
	if !p.curIsOp("=") || len(names) < 2 {
		p.restore(s)
		return false
	}
	p.nextToken()
	p.exprList()
	p.storeTargets(names)
	return true
}

func (p *Parser) augmentedAssignment(op vm.Opcode) {
	t := p.assignable()
	if t.kind == targetNone {
		p.errorf("illegal expression for augmented assignment")
	}
	p.nextToken()
	b := p.u.b
	switch t.kind {
	case targetName:
		p.expression()
		p.emit(op)
		p.storeName(t.name)
	case targetAttr:
		b.Truncate(t.at)
		p.emit(vm.OpDup)
		p.emitKey(vm.OpPropGet, t.name)
		p.expression()
		p.emit(op)
		p.emitKey(vm.OpPropSet, t.name)
	case targetIndex:
		b.Truncate(t.at)
		p.emit(vm.OpDup2)
		p.emit(vm.OpGetArray)
		p.expression()
		p.emit(op)
		p.emit(vm.OpSetArray)
	}
}

func (p *Parser) delStatement() {
	p.nextToken()
	for {
		if p.curTokenIs(TokenName) && (p.peekIsOp(",") || p.peekToken.Type == TokenNewline ||
			p.peekToken.Type == TokenEOF || p.peekIsOp(";")) {
			p.deleteName(p.curToken.Literal)
			p.nextToken()
		} else {
			p.postfix()
			t := p.assignable()
			switch t.kind {
			case targetAttr:
				p.u.b.Truncate(t.at)
				p.emitKey(vm.OpDelProp, t.name)
			case targetIndex:
				p.u.b.Truncate(t.at)
				p.emit(vm.OpDelArray)
			default:
				p.errorf("cannot delete expression")
			}
		}
		if !p.curIsOp(",") {
			return
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Simple statements
// ---------------------------------------------------------------------------

func (p *Parser) returnStatement() {
	if p.u.kind != unitFunction {
		p.errorf("'return' outside function")
	}
	p.nextToken()
	if p.atStatementEnd() {
		p.emit(vm.OpReturnVoid)
		return
	}
	p.exprList()
	p.emit(vm.OpReturn)
}

// jumpStatement compiles break or continue: disarm the loop body's try
// frames, drop what the body holds on the stack, and branch to the loop's
// label.
func (p *Parser) jumpStatement(isBreak bool) {
	u := p.u
	word := p.curToken.Literal
	if len(u.loops) == 0 {
		p.errorf("'%s' outside loop", word)
	}
	p.nextToken()
	l := u.loops[len(u.loops)-1]
	for i := l.tries; i < u.tries; i++ {
		p.emit(vm.OpUntry)
	}
	pops := u.stack - l.stack
	if !isBreak && l.isFor {
		pops-- // keep the iterator
	}
	for ; pops > 0; pops-- {
		p.emit(vm.OpPop)
	}
	if isBreak {
		u.b.EmitBranch(vm.OpBranch, l.exit)
	} else {
		u.b.EmitBranch(vm.OpBranch, l.cont)
	}
}

func (p *Parser) raiseStatement() {
	p.nextToken()
	if p.atStatementEnd() {
		hs := p.u.handlers
		if len(hs) == 0 {
			p.errorf("no active exception to re-raise")
		}
		if h := hs[len(hs)-1]; h.name != "" {
			p.loadName(h.name)
		} else {
			p.emit(vm.OpDup)
		}
		p.emit(vm.OpThrow)
		return
	}
	p.expression()
	p.emit(vm.OpThrow)
}

// dottedName reads a.b.c.
func (p *Parser) dottedName() string {
	parts := []string{p.expectName()}
	for p.curIsOp(".") {
		p.nextToken()
		parts = append(parts, p.expectName())
	}
	return strings.Join(parts, ".")
}

func (p *Parser) importStatement() {
	p.nextToken()
	for {
		pos := p.curToken.Pos
		name := p.dottedName()
		bind := name
		if p.curIsKeyword("as") {
			p.nextToken()
			bind = p.expectName()
		} else if strings.Contains(name, ".") {
			p.errorAt(pos, "dotted import of '%s' needs 'as'", name)
		}
		p.emitKey(vm.OpImport, name)
		p.storeName(bind)
		if !p.curIsOp(",") {
			return
		}
		p.nextToken()
	}
}

func (p *Parser) fromStatement() {
	p.nextToken()
	name := p.dottedName()
	p.expectKeyword("import")
	if p.curIsOp("*") {
		p.errorf("'import *' is not supported")
	}
	p.emitKey(vm.OpImport, name)

	paren := p.curIsOp("(")
	if paren {
		p.nextToken()
	}
	for {
		member := p.expectName()
		bind := member
		if p.curIsKeyword("as") {
			p.nextToken()
			bind = p.expectName()
		}
		p.emit(vm.OpDup)
		p.emitKey(vm.OpPropGet, member)
		p.storeName(bind)
		if !p.curIsOp(",") {
			break
		}
		p.nextToken()
		if paren && p.curIsOp(")") {
			break
		}
	}
	if paren {
		p.expectOp(")")
	}
	p.emit(vm.OpPop)
}

// globalStatement records global names in a function. nonlocal is
// accepted and has no effect.
func (p *Parser) globalStatement(global bool) {
	p.nextToken()
	for {
		name := p.expectName()
		if global && p.u.kind == unitFunction {
			p.u.globals[name] = true
		}
		if !p.curIsOp(",") {
			return
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Compound statements
// ---------------------------------------------------------------------------

func (p *Parser) ifStatement() {
	b := p.u.b
	end := b.NewLabel()
	p.nextToken() // if
	p.expression()
	next := b.NewLabel()
	b.EmitJump(vm.OpJmpFalse, next)
	p.block()
	for {
		switch {
		case p.curIsKeyword("elif"):
			b.EmitJump(vm.OpJmp, end)
			b.Mark(next)
			p.markLine()
			p.nextToken()
			p.expression()
			next = b.NewLabel()
			b.EmitJump(vm.OpJmpFalse, next)
			p.block()
			continue
		case p.curIsKeyword("else"):
			b.EmitJump(vm.OpJmp, end)
			b.Mark(next)
			p.nextToken()
			p.block()
			b.Mark(end)
			return
		}
		break
	}
	b.Mark(next)
	b.Mark(end)
}

// whileStatement compiles
//
//	cont: cond; jmp_false ELSE; body; jmp cont; ELSE: else-body; exit:
func (p *Parser) whileStatement() {
	u := p.u
	b := u.b
	p.nextToken() // while
	l := &loop{cont: u.newLabel(), exit: u.newLabel(), tries: u.tries, stack: u.stack}
	b.EmitLabel(l.cont)
	head := b.NewLabel()
	b.Mark(head)
	p.expression()
	orElse := b.NewLabel()
	b.EmitJump(vm.OpJmpFalse, orElse)
	p.loopBody(l)
	b.EmitJump(vm.OpJmp, head)
	b.Mark(orElse)
	if p.curIsKeyword("else") {
		p.nextToken()
		p.block()
	}
	b.EmitLabel(l.exit)
}

// forStatement compiles
//
//	iter; cont: next EXH; store; body; jmp cont; EXH: pop; else-body; exit:
func (p *Parser) forStatement() {
	u := p.u
	b := u.b
	p.nextToken() // for
	names := p.forTargets()
	p.exprList()
	p.emit(vm.OpIter)

	l := &loop{cont: u.newLabel(), exit: u.newLabel(), isFor: true, tries: u.tries, stack: u.stack}
	u.stack++
	b.EmitLabel(l.cont)
	head := b.NewLabel()
	b.Mark(head)
	exhausted := b.NewLabel()
	b.EmitJump(vm.OpNext, exhausted)
	p.storeTargets(names)
	p.loopBody(l)
	b.EmitJump(vm.OpJmp, head)
	b.Mark(exhausted)
	p.emit(vm.OpPop)
	u.stack--

	if p.curIsKeyword("else") {
		p.nextToken()
		p.block()
	}
	b.EmitLabel(l.exit)
}

// forTargets reads the loop variables up to and including "in".
func (p *Parser) forTargets() []string {
	var names []string
	for {
		names = append(names, p.expectName())
		if !p.curIsOp(",") {
			break
		}
		p.nextToken()
		if p.curIsKeyword("in") {
			break
		}
	}
	p.expectKeyword("in")
	return names
}

func (p *Parser) loopBody(l *loop) {
	u := p.u
	u.loops = append(u.loops, l)
	p.block()
	u.loops = u.loops[:len(u.loops)-1]
}

// tryStatement compiles
//
//	[try FX] try H; body; untry; jmp ELSE
//	H: clauses...; throw
//	ELSE: else-body
//	DONE: [untry; finally-body; jmp END
//	FX: finally-body; throw
//	END:]
//
// The finally body is compiled twice, once for each path.
func (p *Parser) tryStatement() {
	u := p.u
	b := u.b
	p.nextToken() // try
	hasFinally := p.scanFinally()

	fx := b.NewLabel()
	if hasFinally {
		b.EmitJump(vm.OpTry, fx)
		u.tries++
	}
	h := b.NewLabel()
	b.EmitJump(vm.OpTry, h)
	u.tries++
	p.block()
	p.emit(vm.OpUntry)
	u.tries--
	orElse := b.NewLabel()
	b.EmitJump(vm.OpJmp, orElse)

	b.Mark(h)
	done := b.NewLabel()
	clauses := 0
	for p.curIsKeyword("except") {
		p.markLine()
		p.exceptClause(done)
		clauses++
	}
	if clauses == 0 && !hasFinally {
		p.errorf("expected 'except' or 'finally' block")
	}
	p.emit(vm.OpThrow)

	b.Mark(orElse)
	if p.curIsKeyword("else") {
		if clauses == 0 {
			p.errorf("'else' needs an 'except' clause")
		}
		p.nextToken()
		p.block()
	}
	b.Mark(done)

	if !hasFinally {
		return
	}
	p.expectKeyword("finally")
	p.emit(vm.OpUntry)
	u.tries--
	body := p.save()
	p.block()
	end := b.NewLabel()
	b.EmitJump(vm.OpJmp, end)

	b.Mark(fx)
	p.restore(body)
	u.stack++
	p.block()
	u.stack--
	p.emit(vm.OpThrow)
	b.Mark(end)
}

// exceptClause compiles one `except [pattern [as name]]:` clause. The
// thrown value is on the stack on entry.
func (p *Parser) exceptClause(done *vm.Label) {
	u := p.u
	b := u.b
	p.nextToken() // except
	next := b.NewLabel()
	name := ""
	if !p.curIsOp(":") {
		p.expression()
		b.EmitJump(vm.OpCatch, next)
		if p.curIsKeyword("as") {
			p.nextToken()
			name = p.expectName()
		}
	}
	if name != "" {
		p.storeName(name)
	} else {
		u.stack++
	}
	u.handlers = append(u.handlers, handler{name: name})
	p.block()
	u.handlers = u.handlers[:len(u.handlers)-1]
	if name == "" {
		u.stack--
		p.emit(vm.OpPop)
	}
	b.EmitJump(vm.OpJmp, done)
	b.Mark(next)
}

// scanFinally looks ahead over the try statement's clauses and reports
// whether it ends in a finally clause.
func (p *Parser) scanFinally() bool {
	s := p.save()
	defer p.restore(s)
	p.skipSuite()
	for p.curIsKeyword("except") || p.curIsKeyword("else") {
		depth := 0
		for !(depth == 0 && p.curIsOp(":")) && !p.curTokenIs(TokenEOF) && !p.curTokenIs(TokenNewline) {
			if p.curTokenIs(TokenOp) {
				switch p.curToken.Literal {
				case "(", "[", "{":
					depth++
				case ")", "]", "}":
					depth--
				}
			}
			p.nextToken()
		}
		p.skipSuite()
	}
	return p.curIsKeyword("finally")
}

// skipSuite skips a ':' suite without compiling it.
func (p *Parser) skipSuite() {
	if !p.curIsOp(":") {
		return
	}
	p.nextToken()
	if !p.curTokenIs(TokenNewline) {
		for !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
			p.nextToken()
		}
		if p.curTokenIs(TokenNewline) {
			p.nextToken()
		}
		return
	}
	p.nextToken()
	depth := 0
	for !p.curTokenIs(TokenEOF) {
		switch p.curToken.Type {
		case TokenIndent:
			depth++
		case TokenDedent:
			depth--
			if depth == 0 {
				p.nextToken()
				return
			}
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Definitions
// ---------------------------------------------------------------------------

// defStatement compiles a function definition. The function object is
// built now, bound as a member of the enclosing scope, and stored again
// when the statement runs.
func (p *Parser) defStatement() {
	p.nextToken() // def
	name := p.expectName()
	outer := p.u
	fn := p.ctx.NewFunction(name, outer.obj)
	k := p.addConst(fn)
	p.bindMember(name, fn)

	fu := newUnit(unitFunction, fn, p.ctx.CodeOf(fn), outer)
	p.u = fu
	p.parameters()
	fu.code.NParams = len(fu.code.Locals)
	if p.curIsOp("->") {
		p.errorf("annotations are not supported")
	}
	p.block()
	p.finishUnit()
	p.u = outer

	outer.b.EmitUint16(vm.OpConst, k)
	p.storeName(name)
}

// parameters reads a parenthesized list of plain parameter names into the
// current function's first slots.
func (p *Parser) parameters() {
	p.expectOp("(")
	for !p.curIsOp(")") {
		if p.curIsOp("*") || p.curIsOp("**") {
			p.errorf("variadic parameters are not supported")
		}
		pos := p.curToken.Pos
		name := p.expectName()
		if _, dup := p.u.locals[name]; dup {
			p.errorAt(pos, "duplicate argument '%s' in function definition", name)
		}
		p.local(name)
		if p.curIsOp("=") {
			p.errorf("default parameter values are not supported")
		}
		if p.curIsOp(":") {
			p.errorf("annotations are not supported")
		}
		if !p.curIsOp(",") {
			break
		}
		p.nextToken()
	}
	p.expectOp(")")
}

// classStatement compiles
//
//	const k; [base]; init_class flag; store name
//
// init_class runs the class body once with the class as its namespace.
func (p *Parser) classStatement() {
	p.nextToken() // class
	name := p.expectName()
	outer := p.u
	class := p.ctx.NewClass(name, outer.obj)
	k := p.addConst(class)
	p.bindMember(name, class)
	outer.b.EmitUint16(vm.OpConst, k)

	var flag uint8
	if p.curIsOp("(") {
		p.nextToken()
		if !p.curIsOp(")") {
			p.expression()
			flag = 1
			if p.curIsOp(",") {
				p.nextToken()
				if !p.curIsOp(")") {
					p.errorf("multiple inheritance is not supported")
				}
			}
		}
		p.expectOp(")")
	}

	cu := newUnit(unitClass, class, p.ctx.CodeOf(class), outer)
	p.u = cu
	p.block()
	p.finishUnit()
	p.u = outer

	outer.b.EmitUint8(vm.OpInitClass, flag)
	p.storeName(name)
}
