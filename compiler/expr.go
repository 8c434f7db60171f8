package compiler

import (
	"strings"

	"github.com/chazu/upy/vm"
)

// ---------------------------------------------------------------------------
// Expressions, lowest precedence first
// ---------------------------------------------------------------------------

// exprList compiles `e` or `e1, e2, ...`; the latter builds an array.
func (p *Parser) exprList() {
	p.expression()
	if !p.curIsOp(",") {
		return
	}
	n := 1
	for p.curIsOp(",") {
		p.nextToken()
		if p.atExprListEnd() {
			break
		}
		p.expression()
		n++
	}
	p.emitCount(vm.OpArray, n, "array elements")
}

func (p *Parser) atExprListEnd() bool {
	if p.atStatementEnd() || p.curIsOp("=") || p.curIsOp(")") || p.curIsOp(":") {
		return true
	}
	_, aug := augmentedOps[p.curToken.Literal]
	return aug && p.curTokenIs(TokenOp)
}

// expression compiles a full expression.
func (p *Parser) expression() {
	if p.curIsKeyword("lambda") {
		p.errorf("'lambda' is not supported")
	}
	p.enter("expression")
	p.orTest()
	p.leave()
}

// orTest and andTest short-circuit: the deciding operand is the result.
func (p *Parser) orTest() {
	p.andTest()
	if !p.curIsKeyword("or") {
		return
	}
	b := p.u.b
	end := b.NewLabel()
	for p.curIsKeyword("or") {
		p.nextToken()
		p.emit(vm.OpDup)
		b.EmitJump(vm.OpJmpTrue, end)
		p.emit(vm.OpPop)
		p.andTest()
	}
	b.Mark(end)
	p.last = target{}
}

func (p *Parser) andTest() {
	p.notTest()
	if !p.curIsKeyword("and") {
		return
	}
	b := p.u.b
	end := b.NewLabel()
	for p.curIsKeyword("and") {
		p.nextToken()
		p.emit(vm.OpDup)
		b.EmitJump(vm.OpJmpFalse, end)
		p.emit(vm.OpPop)
		p.notTest()
	}
	b.Mark(end)
	p.last = target{}
}

func (p *Parser) notTest() {
	if p.curIsKeyword("not") {
		p.nextToken()
		p.enter("expression")
		p.notTest()
		p.leave()
		p.emit(vm.OpNot)
		return
	}
	p.comparison()
}

// comparator is a comparison operator, possibly negated (`not in`,
// `is not`).
type comparator struct {
	op     vm.Opcode
	negate bool
}

var comparisonOps = map[string]vm.Opcode{
	"<":  vm.OpLt,
	">":  vm.OpGt,
	"<=": vm.OpLtEq,
	">=": vm.OpGtEq,
	"==": vm.OpEq,
	"!=": vm.OpNeq,
}

// comparatorAt reports the comparison operator at the current token and
// how many tokens it spans, without consuming it.
func (p *Parser) comparatorAt() (comparator, int) {
	t := p.curToken
	switch {
	case t.Type == TokenOp:
		if op, ok := comparisonOps[t.Literal]; ok {
			return comparator{op: op}, 1
		}
	case p.curIsKeyword("in"):
		return comparator{op: vm.OpIn}, 1
	case p.curIsKeyword("not") && p.peekToken.Type == TokenKeyword && p.peekToken.Literal == "in":
		return comparator{op: vm.OpIn, negate: true}, 2
	case p.curIsKeyword("is"):
		if p.peekToken.Type == TokenKeyword && p.peekToken.Literal == "not" {
			return comparator{op: vm.OpIs, negate: true}, 2
		}
		return comparator{op: vm.OpIs}, 1
	}
	return comparator{}, 0
}

func (p *Parser) takeComparator() (comparator, bool) {
	cmp, n := p.comparatorAt()
	for i := 0; i < n; i++ {
		p.nextToken()
	}
	return cmp, n > 0
}

func (p *Parser) emitComparator(cmp comparator) {
	p.emit(cmp.op)
	if cmp.negate {
		p.emit(vm.OpNot)
	}
}

// comparison compiles a chain a < b < c as a < b and b < c with b
// evaluated once:
//
//	a; b; dup; sup; lt; dup; jmp_false FAIL; pop; c; lt; jmp END
//	FAIL: sdn; pop
//	END:
func (p *Parser) comparison() {
	p.bitOr()
	cmp, ok := p.takeComparator()
	if !ok {
		return
	}
	b := p.u.b
	var fail *vm.Label
	for {
		p.bitOr()
		if _, n := p.comparatorAt(); n == 0 {
			p.emitComparator(cmp)
			break
		}
		p.emit(vm.OpDup)
		p.emit(vm.OpSup)
		p.emitComparator(cmp)
		p.emit(vm.OpDup)
		if fail == nil {
			fail = b.NewLabel()
		}
		b.EmitJump(vm.OpJmpFalse, fail)
		p.emit(vm.OpPop)
		cmp, _ = p.takeComparator()
	}
	if fail != nil {
		end := b.NewLabel()
		b.EmitJump(vm.OpJmp, end)
		b.Mark(fail)
		p.emit(vm.OpSdn)
		p.emit(vm.OpPop)
		b.Mark(end)
	}
	p.last = target{}
}

var (
	bitOrOps  = map[string]vm.Opcode{"|": vm.OpOr}
	bitXorOps = map[string]vm.Opcode{"^": vm.OpXor}
	bitAndOps = map[string]vm.Opcode{"&": vm.OpAnd}
	shiftOps  = map[string]vm.Opcode{"<<": vm.OpLeftShift, ">>": vm.OpRightShift}
	arithOps  = map[string]vm.Opcode{"+": vm.OpAdd, "-": vm.OpSub}
	termOps   = map[string]vm.Opcode{"*": vm.OpMul, "/": vm.OpDiv, "//": vm.OpFloorDiv, "%": vm.OpMod}
)

// binaryLevel compiles a left-associative chain of the operators in ops
// over operands compiled by next.
func (p *Parser) binaryLevel(next func(), ops map[string]vm.Opcode) {
	next()
	for p.curTokenIs(TokenOp) {
		op, ok := ops[p.curToken.Literal]
		if !ok {
			return
		}
		p.nextToken()
		next()
		p.emit(op)
	}
}

func (p *Parser) bitOr()  { p.binaryLevel(p.bitXor, bitOrOps) }
func (p *Parser) bitXor() { p.binaryLevel(p.bitAnd, bitXorOps) }
func (p *Parser) bitAnd() { p.binaryLevel(p.shift, bitAndOps) }
func (p *Parser) shift()  { p.binaryLevel(p.arith, shiftOps) }
func (p *Parser) arith()  { p.binaryLevel(p.term, arithOps) }
func (p *Parser) term()   { p.binaryLevel(p.factor, termOps) }

var unaryOps = map[string]vm.Opcode{
	"+": vm.OpPositive,
	"-": vm.OpNegative,
	"~": vm.OpInvert,
}

func (p *Parser) factor() {
	if p.curTokenIs(TokenOp) {
		if op, ok := unaryOps[p.curToken.Literal]; ok {
			p.nextToken()
			p.enter("expression")
			p.factor()
			p.leave()
			p.emit(op)
			return
		}
	}
	p.power()
}

// power is right-associative and binds tighter than unary minus on its
// left: -2**2 is -(2**2).
func (p *Parser) power() {
	p.postfix()
	if p.curIsOp("**") {
		p.nextToken()
		p.enter("expression")
		p.factor()
		p.leave()
		p.emit(vm.OpPow)
	}
}

// ---------------------------------------------------------------------------
// Postfix: calls, subscripts, attributes
// ---------------------------------------------------------------------------

func (p *Parser) postfix() {
	p.atom()
	b := p.u.b
	for {
		switch {
		case p.curIsOp("("):
			argc := p.arguments()
			b.EmitUint16(vm.OpCall, uint16(argc))
		case p.curIsOp("["):
			p.subscript()
		case p.curIsOp("."):
			p.nextToken()
			name := p.expectName()
			if p.curIsOp("(") {
				argc := p.arguments()
				b.EmitPropCall(p.ctx.Intern(name), uint16(argc))
				continue
			}
			at := b.Len()
			p.emitKey(vm.OpPropGet, name)
			p.last = target{kind: targetAttr, name: name, at: at, end: b.Len()}
		default:
			return
		}
	}
}

// arguments compiles a parenthesized argument list and returns its length.
func (p *Parser) arguments() int {
	p.expectOp("(")
	argc := 0
	for !p.curIsOp(")") {
		if p.curTokenIs(TokenName) && p.peekIsOp("=") {
			p.errorf("keyword arguments are not supported")
		}
		if p.curIsOp("*") || p.curIsOp("**") {
			p.errorf("argument unpacking is not supported")
		}
		p.expression()
		argc++
		if argc > maxOperand {
			p.errorf("too many arguments: exceeds max size of %d", maxOperand)
		}
		if !p.curIsOp(",") {
			break
		}
		p.nextToken()
	}
	p.expectOp(")")
	return argc
}

// subscript compiles [index] or [start:stop:step]; missing slice bounds
// are None.
func (p *Parser) subscript() {
	b := p.u.b
	p.expectOp("[")
	if !p.curIsOp(":") {
		p.expression()
		if p.curIsOp("]") {
			p.nextToken()
			at := b.Len()
			p.emit(vm.OpGetArray)
			p.last = target{kind: targetIndex, at: at, end: b.Len()}
			return
		}
	} else {
		p.emit(vm.OpGetNone)
	}
	p.expectOp(":")
	p.sliceBound()
	if p.curIsOp(":") {
		p.nextToken()
		p.sliceBound()
	} else {
		p.emit(vm.OpGetNone)
	}
	p.expectOp("]")
	p.emit(vm.OpSlice)
}

func (p *Parser) sliceBound() {
	if p.curIsOp("]") || p.curIsOp(":") {
		p.emit(vm.OpGetNone)
		return
	}
	p.expression()
}

// ---------------------------------------------------------------------------
// Atoms
// ---------------------------------------------------------------------------

func (p *Parser) atom() {
	b := p.u.b
	tok := p.curToken
	switch tok.Type {
	case TokenName:
		p.nextToken()
		p.loadName(tok.Literal)
		return

	case TokenNumber:
		p.nextToken()
		b.EmitFloat64(vm.OpGetNumber, tok.Num)
		return

	case TokenString:
		var sb strings.Builder
		for p.curTokenIs(TokenString) {
			sb.WriteString(p.curToken.Literal)
			p.nextToken()
		}
		p.emitKey(vm.OpGetString, sb.String())
		return

	case TokenKeyword:
		switch tok.Literal {
		case "True":
			p.nextToken()
			p.emit(vm.OpGetTrue)
			return
		case "False":
			p.nextToken()
			p.emit(vm.OpGetFalse)
			return
		case "None":
			p.nextToken()
			p.emit(vm.OpGetNone)
			return
		case "lambda", "yield", "await":
			p.errorf("'%s' is not supported", tok.Literal)
		}

	case TokenOp:
		switch tok.Literal {
		case "(":
			p.parenthesized()
			return
		case "[":
			p.list()
			return
		case "{":
			p.dict()
			return
		}
	}
	p.errorf("unexpected %s", tok.describe())
}

// parenthesized compiles a grouping or a tuple display. Tuples are arrays.
func (p *Parser) parenthesized() {
	p.nextToken() // (
	if p.curIsOp(")") {
		p.nextToken()
		p.emitCount(vm.OpArray, 0, "array elements")
		return
	}
	p.expression()
	if p.curIsOp(")") {
		p.nextToken()
		return
	}
	if p.curIsKeyword("for") {
		p.errorf("generator expressions are not supported")
	}
	n := 1
	for p.curIsOp(",") {
		p.nextToken()
		if p.curIsOp(")") {
			break
		}
		p.expression()
		n++
	}
	p.expectOp(")")
	p.emitCount(vm.OpArray, n, "array elements")
	p.last = target{}
}

func (p *Parser) list() {
	p.nextToken() // [
	if p.curIsOp("]") {
		p.nextToken()
		p.emitCount(vm.OpArray, 0, "array elements")
		return
	}
	if p.scanComprehension() {
		p.comprehension()
		return
	}
	n := 0
	for {
		p.expression()
		n++
		if !p.curIsOp(",") {
			break
		}
		p.nextToken()
		if p.curIsOp("]") {
			break
		}
	}
	p.expectOp("]")
	p.emitCount(vm.OpArray, n, "array elements")
	p.last = target{}
}

func (p *Parser) dict() {
	p.nextToken() // {
	n := 0
	for !p.curIsOp("}") {
		p.expression()
		if !p.curIsOp(":") {
			if p.curIsKeyword("for") {
				p.errorf("set comprehensions are not supported")
			}
			p.errorf("set literals are not supported")
		}
		p.nextToken()
		p.expression()
		if p.curIsKeyword("for") {
			p.errorf("dict comprehensions are not supported")
		}
		n++
		if !p.curIsOp(",") {
			break
		}
		p.nextToken()
	}
	p.expectOp("}")
	p.emitCount(vm.OpDict, n, "dict entries")
	p.last = target{}
}

// ---------------------------------------------------------------------------
// List comprehensions
// ---------------------------------------------------------------------------

// scanComprehension reports whether the bracket contents starting at the
// current token are `elem for ...`.
func (p *Parser) scanComprehension() bool {
	s := p.save()
	defer p.restore(s)
	return p.skipToFor()
}

// skipToFor advances to the `for` that ends the element expression of a
// comprehension. It reports false on reaching the end of the element list
// first.
func (p *Parser) skipToFor() bool {
	depth := 0
	for !p.curTokenIs(TokenEOF) {
		if p.curTokenIs(TokenOp) {
			switch p.curToken.Literal {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				if depth == 0 {
					return false
				}
				depth--
			case ",":
				if depth == 0 {
					return false
				}
			}
		}
		if depth == 0 && p.curIsKeyword("for") {
			return true
		}
		p.nextToken()
	}
	return false
}

// comprehension compiles [elem for x in it if cond ...]. The loop clauses
// are compiled first; then the lexer is rewound to compile the element
// expression inside the innermost loop.
//
//	array 0
//	iter; H1: next X1; store x; [cond; jmp_false H1]
//	  ... nested clauses ...
//	  elem; append n
//	jmp Hn; Xn: pop ... jmp H1; X1: pop
func (p *Parser) comprehension() {
	b := p.u.b
	elem := p.save()
	p.skipToFor()
	p.emitCount(vm.OpArray, 0, "array elements")

	type level struct {
		head, exhausted *vm.Label
	}
	var levels []level
	for p.curIsKeyword("for") {
		p.nextToken()
		names := p.forTargets()
		p.orTest()
		p.emit(vm.OpIter)
		l := level{head: b.NewLabel(), exhausted: b.NewLabel()}
		b.Mark(l.head)
		b.EmitJump(vm.OpNext, l.exhausted)
		p.storeTargets(names)
		levels = append(levels, l)
		for p.curIsKeyword("if") {
			p.nextToken()
			p.orTest()
			b.EmitJump(vm.OpJmpFalse, l.head)
		}
	}
	if len(levels) >= 255 {
		p.errorf("too many comprehension clauses")
	}

	end := p.save()
	p.restore(elem)
	p.expression()
	b.EmitUint8(vm.OpAppend, uint8(1+len(levels)))
	for i := len(levels) - 1; i >= 0; i-- {
		b.EmitJump(vm.OpJmp, levels[i].head)
		b.Mark(levels[i].exhausted)
		p.emit(vm.OpPop)
	}
	p.restore(end)
	p.expectOp("]")
	p.last = target{}
}
