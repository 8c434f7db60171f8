package compiler

import (
	"github.com/chazu/upy/vm"
)

type unitKind int

const (
	unitModule unitKind = iota
	unitFunction
	unitClass
)

// unit is the compile-time state of one code unit: a module, a function, or
// a class body. Units nest the way the source does; parent is the
// enclosing compile-time scope.
type unit struct {
	kind   unitKind
	obj    vm.Value
	code   *vm.Code
	b      *vm.BytecodeBuilder
	parent *unit

	locals  map[string]int  // function slots
	members map[string]bool // names bound as members of obj
	globals map[string]bool // names declared global

	labels   uint16
	loops    []*loop
	handlers []handler
	tries    int // try frames armed at the current point
	stack    int // values held on the operand stack by enclosing statements
	line     int // last line marker emitted
}

// loop is an enclosing while or for statement.
type loop struct {
	cont, exit uint16 // labels
	isFor      bool
	tries      int // try depth outside the loop
	stack      int // stack depth outside the loop
}

// handler is an enclosing except clause. name is the bound exception
// variable; when empty, the exception stays on the stack.
type handler struct {
	name string
}

func newUnit(kind unitKind, obj vm.Value, code *vm.Code, parent *unit) *unit {
	return &unit{
		kind:    kind,
		obj:     obj,
		code:    code,
		b:       vm.NewBytecodeBuilder(),
		parent:  parent,
		locals:  make(map[string]int),
		members: make(map[string]bool),
		globals: make(map[string]bool),
	}
}

func (u *unit) newLabel() uint16 {
	u.labels++
	return u.labels
}

// ---------------------------------------------------------------------------
// Name binding
// ---------------------------------------------------------------------------

// local returns the slot for name in the current function, allocating one
// on first use.
func (p *Parser) local(name string) int {
	u := p.u
	if slot, ok := u.locals[name]; ok {
		return slot
	}
	if len(u.code.Locals) >= maxOperand {
		p.errorf("too many local variables: exceeds max size of %d", maxOperand)
	}
	slot := len(u.code.Locals)
	u.locals[name] = slot
	u.code.Locals = append(u.code.Locals, name)
	return slot
}

// bindMember makes v a member of the current scope object at compile time
// so that code compiled later can resolve it lexically.
func (p *Parser) bindMember(name string, v vm.Value) {
	p.ctx.SetProp(p.u.obj, name, v)
	p.u.members[name] = true
}

// loadName emits a read of name.
func (p *Parser) loadName(name string) {
	u := p.u
	at := u.b.Len()
	if u.kind == unitFunction && !u.globals[name] {
		if slot, ok := u.locals[name]; ok {
			u.b.EmitUint16(vm.OpGetLocal, uint16(slot))
			p.last = target{kind: targetName, name: name, at: at, end: u.b.Len()}
			return
		}
	}
	if !u.members[name] {
		p.checkClosure(name)
	}
	p.emitKey(vm.OpGetVar, name)
	p.last = target{kind: targetName, name: name, at: at, end: u.b.Len()}
}

// checkClosure rejects reads of another function's locals. Lookup at run
// time only sees member bindings of enclosing scopes, never their frames.
func (p *Parser) checkClosure(name string) {
	for e := p.u.parent; e != nil; e = e.parent {
		if e.members[name] || e.globals[name] {
			return
		}
		if _, ok := e.locals[name]; ok && e.kind == unitFunction {
			p.errorf("closures are not supported: '%s' is local to enclosing function '%s'", name, e.code.Name)
		}
	}
}

// storeName emits a store of the top of stack into name.
func (p *Parser) storeName(name string) {
	u := p.u
	switch {
	case u.kind == unitClass:
		u.members[name] = true
		p.emitKey(vm.OpSetVar, name)
	case u.kind == unitModule:
		p.emitKey(vm.OpSetVar, name)
	case u.globals[name]:
		p.emitKey(vm.OpSetGlobal, name)
	case u.members[name]:
		if slot, ok := u.locals[name]; ok {
			u.b.EmitUint16(vm.OpSetLocal, uint16(slot))
			return
		}
		p.emitKey(vm.OpSetVar, name)
	default:
		u.b.EmitUint16(vm.OpSetLocal, uint16(p.local(name)))
	}
}

// deleteName emits a del of name.
func (p *Parser) deleteName(name string) {
	u := p.u
	if u.kind == unitFunction {
		if u.globals[name] {
			p.errorf("cannot delete global '%s' from a function", name)
		}
		if _, ok := u.locals[name]; ok {
			p.errorf("cannot delete local variable '%s'", name)
		}
	}
	p.emitKey(vm.OpDelVar, name)
}

// ---------------------------------------------------------------------------
// Assignment targets
// ---------------------------------------------------------------------------

type targetKind int

const (
	targetNone targetKind = iota
	targetName
	targetAttr
	targetIndex
)

// target describes the load instruction an expression ended with. An
// assignment rewrites that load into the matching store: the load is
// truncated away, leaving its object (and index) on the stack.
type target struct {
	kind    targetKind
	name    string // variable name or attribute
	at, end int    // byte range of the load
}

// assignable returns the target of the expression just compiled, or a
// targetNone if it did not end in a plain load.
func (p *Parser) assignable() target {
	if p.last.kind != targetNone && p.last.end == p.u.b.Len() {
		return p.last
	}
	return target{}
}

// store emits a store into t. For attributes and indexes the object (and
// index) must already be below the value.
func (p *Parser) store(t target) {
	switch t.kind {
	case targetName:
		p.storeName(t.name)
	case targetAttr:
		p.emitKey(vm.OpPropSet, t.name)
	case targetIndex:
		p.emit(vm.OpSetArray)
	}
}

// storeTargets stores the top of stack into one name or unpacks it across
// several.
func (p *Parser) storeTargets(names []string) {
	if len(names) == 1 {
		p.storeName(names[0])
		return
	}
	p.emitCount(vm.OpUnpack, len(names), "unpack targets")
	for _, name := range names {
		p.storeName(name)
	}
}
