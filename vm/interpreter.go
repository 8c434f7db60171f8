package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Frame execution
// ---------------------------------------------------------------------------

// run executes fr until it returns. Try frames armed inside fr are owned by
// this invocation: a signal raised while one of them is armed resumes here,
// and any left open are dropped when run exits.
func (c *Context) run(fr *frame) Value {
	hbase := len(c.handlers)
	module := c.module
	c.running = append(c.running, fr.obj)
	c.depth++
	if fr.code.Module != "" {
		c.module = fr.code.Module
	}
	defer func() {
		c.depth--
		c.running = c.running[:len(c.running)-1]
		if len(c.handlers) > hbase {
			c.handlers = c.handlers[:hbase]
		}
		c.module = module
	}()

	for {
		if v, done := c.execute(fr, hbase); done {
			return v
		}
	}
}

// execute runs the fetch/decode loop. When a signal unwinds into it and a
// try frame above hbase is armed, the frame is popped, the stack is reset
// to its saved depth, the thrown value is pushed, and execute returns with
// done == false so run re-enters at the handler.
func (c *Context) execute(fr *frame, hbase int) (result Value, done bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		sig, ok := r.(*Signaled)
		if !ok || len(c.handlers) <= hbase {
			panic(r)
		}
		h := c.handlers[len(c.handlers)-1]
		c.handlers = c.handlers[:len(c.handlers)-1]
		c.sp = h.sp
		c.stack[c.sp] = sig.Value
		c.sp++
		c.caught = sig
		fr.pc = h.resume
		result, done = Undefined, false
	}()

	code := fr.code.Bytecode
	for {
		if fr.pc >= len(code) {
			return None, true
		}
		pc := fr.pc
		op := Opcode(code[pc])
		if !op.Valid() || pc+op.Width() > len(code) {
			c.throw(KindRuntime, "invalid opcode")
		}
		fr.pc += op.Width()

		switch op {
		// --- Loads ---
		case OpNop, OpLabel:

		case OpGetLocal:
			slot := int(readU16(code, pc+1))
			v := c.stack[fr.base+slot]
			if v == unbound {
				c.throwf(KindName, "local variable '%s' referenced before assignment", localName(fr.code, slot))
			}
			c.Push(v)

		case OpGetVar:
			c.Push(c.lookup(fr, readU16(code, pc+1)))

		case OpGetNumber:
			c.Push(Number(readF64(code, pc+1)))

		case OpGetNone:
			c.Push(None)

		case OpGetTrue:
			c.Push(True)

		case OpGetFalse:
			c.Push(False)

		case OpGetString:
			c.Push(KeyValue(readU16(code, pc+1)))

		case OpSelf:
			c.Push(fr.self)

		case OpConst:
			i := int(readU16(code, pc+1))
			if i >= len(fr.code.Consts) {
				c.throw(KindRuntime, "invalid constant")
			}
			c.Push(fr.code.Consts[i])

		// --- Stores ---
		case OpSetLocal:
			c.stack[fr.base+int(readU16(code, pc+1))] = c.Pop()

		case OpSetVar:
			v := c.Pop()
			c.Set(c.ref(fr.obj), KeyValue(readU16(code, pc+1)), v)

		case OpSetGlobal:
			v := c.Pop()
			c.Set(c.moduleOf(fr), KeyValue(readU16(code, pc+1)), v)

		case OpDelVar:
			key := readU16(code, pc+1)
			if !c.Delete(c.ref(fr.obj), KeyValue(key)) {
				c.throwf(KindName, "name '%s' is not defined", c.KeyText(key))
			}

		// --- Operators ---
		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor,
			OpLeftShift, OpRightShift, OpFloorDiv, OpPow,
			OpLt, OpGt, OpLtEq, OpGtEq, OpEq, OpNeq, OpIn, OpIs,
			OpLogicAnd, OpLogicOr:
			b := c.Pop()
			a := c.Pop()
			c.Push(c.binary(op, a, b))

		case OpPositive, OpNegative, OpNot, OpInvert:
			c.Push(c.unary(op, c.Pop()))

		// --- Calls ---
		case OpCall:
			argc := int(readU16(code, pc+1))
			c.requireDepth(argc + 1)
			start := c.sp - argc
			callee := c.stack[start-1]
			v := c.invoke(callee, fr.self, start, argc)
			c.sp = start - 1
			c.Push(v)

		case OpPropCall:
			key := KeyValue(readU16(code, pc+1))
			argc := int(readU16(code, pc+3))
			c.requireDepth(argc + 1)
			slot := c.sp - argc - 1
			recv := c.stack[slot]
			method := c.member(recv, key)
			if method == Undefined {
				c.throwf(KindType, "'%s' object has no attribute '%s'", c.TypeName(recv), c.KeyText(readU16(code, pc+1)))
			}
			var v Value
			if method.Type() == TypeFunction && !dropsReceiver(recv) {
				v = c.invoke(method, recv, slot, argc+1)
			} else {
				v = c.invoke(method, recv, slot+1, argc)
			}
			c.sp = slot
			c.Push(v)

		case OpReturn:
			return c.Pop(), true

		case OpReturnVoid, OpStop:
			return None, true

		// --- Stack shuffles ---
		case OpSdn:
			n := c.sp
			c.requireDepth(2)
			c.stack[n-1], c.stack[n-2] = c.stack[n-2], c.stack[n-1]

		case OpSup:
			c.requireDepth(3)
			n := c.sp
			top := c.stack[n-1]
			c.stack[n-1] = c.stack[n-2]
			c.stack[n-2] = c.stack[n-3]
			c.stack[n-3] = top

		case OpPop:
			c.Pop()

		case OpDup:
			c.requireDepth(1)
			c.Push(c.stack[c.sp-1])

		case OpDup2:
			c.requireDepth(2)
			a, b := c.stack[c.sp-2], c.stack[c.sp-1]
			c.Push(a)
			c.Push(b)

		// --- Properties and indexing ---
		case OpPropGet:
			obj := c.Pop()
			c.Push(c.member(obj, KeyValue(readU16(code, pc+1))))

		case OpPropSet:
			v := c.Pop()
			obj := c.Pop()
			c.Set(obj, KeyValue(readU16(code, pc+1)), v)

		case OpDelProp:
			obj := c.Pop()
			c.Delete(obj, KeyValue(readU16(code, pc+1)))

		case OpGetArray:
			idx := c.Pop()
			obj := c.Pop()
			c.Push(c.index(obj, idx))

		case OpSetArray:
			v := c.Pop()
			idx := c.Pop()
			obj := c.Pop()
			c.setIndex(obj, idx, v)

		case OpDelArray:
			idx := c.Pop()
			obj := c.Pop()
			c.deleteIndex(obj, idx)

		case OpSlice:
			step := c.Pop()
			stop := c.Pop()
			start := c.Pop()
			obj := c.Pop()
			c.Push(c.slice(obj, start, stop, step))

		// --- Jumps ---
		case OpBranch, OpBranchTrue, OpBranchFalse:
			label := readU16(code, pc+1)
			target := findLabel(code, label)
			if target < 0 {
				c.throwf(KindRuntime, "undefined label %d", label)
			}
			code[pc] = byte(op.resolved())
			binary.LittleEndian.PutUint32(code[pc+1:], uint32(target))
			fr.pc = pc

		case OpJmp:
			fr.pc = int(readI32(code, pc+1))

		case OpJmpTrue:
			if c.Truthy(c.Pop()) {
				fr.pc = int(readI32(code, pc+1))
			}

		case OpJmpFalse:
			if !c.Truthy(c.Pop()) {
				fr.pc = int(readI32(code, pc+1))
			}

		// --- Literals ---
		case OpDict:
			n := int(readU16(code, pc+1))
			c.requireDepth(2 * n)
			obj := c.NewObject()
			o := c.object(obj)
			o.members = make([]member, 0, n)
			for i := c.sp - 2*n; i < c.sp; i += 2 {
				c.Set(obj, c.stack[i], c.stack[i+1])
			}
			c.sp -= 2 * n
			c.Push(obj)

		case OpArray:
			n := int(readU16(code, pc+1))
			c.requireDepth(n)
			arr := c.NewArray(n)
			o := c.object(arr)
			o.elems = append(o.elems, c.stack[c.sp-n:c.sp]...)
			c.sp -= n
			c.Push(arr)

		case OpAppend:
			v := c.Pop()
			n := int(code[pc+1])
			c.requireDepth(n)
			c.ArrayPush(c.stack[c.sp-n], v)

		case OpUnpack:
			n := int(readU16(code, pc+1))
			arr := c.Pop()
			if arr.Type() != TypeArray {
				c.throwf(KindType, "cannot unpack non-array '%s'", arr.Type())
			}
			elems := c.arrayElems(arr)
			if len(elems) != n {
				c.throwf(KindType, "cannot unpack: expected %d values, got %d", n, len(elems))
			}
			for i := n - 1; i >= 0; i-- {
				c.Push(elems[i])
			}

		// --- Debug info ---
		case OpLine:
			c.line = int(readI32(code, pc+1))

		// --- Exceptions ---
		case OpTry:
			c.pushTry(int(readI32(code, pc+1)))

		case OpUntry:
			if len(c.handlers) > hbase {
				c.popTry()
			}

		case OpCatch:
			pattern := c.Pop()
			c.requireDepth(1)
			if !c.matches(c.stack[c.sp-1], pattern) {
				fr.pc = int(readI32(code, pc+1))
			}

		case OpThrow:
			v := c.Pop()
			if sig := c.caught; sig != nil && sig.Value == v {
				again := *sig
				c.signal(&again)
			}
			c.Throw(v)

		// --- Iteration ---
		case OpIter:
			c.Push(c.iterate(c.Pop()))

		case OpNext:
			c.requireDepth(1)
			v, ok := c.next(c.stack[c.sp-1])
			if !ok {
				fr.pc = int(readI32(code, pc+1))
			} else {
				c.Push(v)
			}

		// --- Modules and classes ---
		case OpImport:
			name := KeyValue(readU16(code, pc+1))
			fn, _ := c.GetOwn(c.globals, c.keys.imp)
			c.Push(c.callValue(fn, None, []Value{name}))

		case OpInitClass:
			if code[pc+1] != 0 {
				base := c.Pop()
				c.requireDepth(1)
				c.SetParent(c.stack[c.sp-1], base)
			}
			c.requireDepth(1)
			c.initClass(c.stack[c.sp-1])

		default:
			c.throw(KindRuntime, "invalid opcode")
		}
	}
}

func (c *Context) requireDepth(n int) {
	if c.sp < n {
		c.throw(KindRuntime, "stack underflow")
	}
}

func localName(code *Code, slot int) string {
	if slot < len(code.Locals) {
		return code.Locals[slot]
	}
	return "?"
}

// lookup resolves a name lexically: the running unit, then each enclosing
// compile-time scope, then globals.
func (c *Context) lookup(fr *frame, key uint16) Value {
	k := KeyValue(key)
	if v, ok := c.GetOwn(c.ref(fr.obj), k); ok {
		return v
	}
	scope := fr.code.Scope
	for depth := 0; depth < maxParentDepth && hasMembers(scope.Type()); depth++ {
		if v, ok := c.GetOwn(scope, k); ok {
			return v
		}
		code := c.CodeOf(scope)
		if code == nil {
			break
		}
		scope = code.Scope
	}
	if v, ok := c.GetOwn(c.globals, k); ok {
		return v
	}
	c.throwf(KindName, "name '%s' is not defined", c.KeyText(key))
	return Undefined
}

// moduleOf returns the module namespace a frame was compiled in.
func (c *Context) moduleOf(fr *frame) Value {
	v := c.ref(fr.obj)
	for depth := 0; depth < maxParentDepth; depth++ {
		if v.Type() == TypeModule {
			return v
		}
		code := c.CodeOf(v)
		if code == nil {
			break
		}
		v = code.Scope
	}
	return c.globals
}

// member resolves a property for prop_get and prop_call, falling back to
// the string and array prototypes.
func (c *Context) member(recv, key Value) Value {
	switch recv.Type() {
	case TypeHeapString, TypeForeignString:
		return c.Get(c.stringProto, key)
	case TypeArray:
		if v := c.Get(recv, key); v != Undefined {
			return v
		}
		return c.Get(c.arrayProto, key)
	}
	return c.Get(recv, key)
}

// initClass runs a class body once with the class as receiver and
// namespace.
func (c *Context) initClass(class Value) {
	if class.Type() != TypeClass {
		c.throwf(KindType, "cannot initialize '%s' as a class", class.Type())
	}
	o := c.object(class)
	c.runFrame(&frame{code: o.code, obj: o, self: class, base: c.sp})
}

// matches reports whether a thrown value is handled by an except pattern.
func (c *Context) matches(exc, pattern Value) bool {
	if c.equal(exc, pattern) {
		return true
	}
	switch pattern.Type() {
	case TypeClass:
		return c.IsInstance(exc, pattern)
	case TypeArray:
		for _, p := range c.arrayElems(pattern) {
			if c.matches(exc, p) {
				return true
			}
		}
	}
	return false
}

// IsInstance reports whether class appears on v's parent chain.
func (c *Context) IsInstance(v, class Value) bool {
	p := c.Parent(v)
	for depth := 0; depth < maxParentDepth && hasMembers(p.Type()); depth++ {
		if p == class {
			return true
		}
		p = c.Parent(p)
	}
	return false
}
