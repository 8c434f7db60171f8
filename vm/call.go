package vm

// NativeFunc is a host function callable from scripts. self is the
// receiver of a property call or the caller's receiver for a plain call.
type NativeFunc func(c *Context, self Value, args []Value) (Value, error)

type nativeEntry struct {
	name string
	fn   NativeFunc
}

// NewNative wraps fn as a callable value.
func (c *Context) NewNative(name string, fn NativeFunc) Value {
	c.natives = append(c.natives, nativeEntry{name: name, fn: fn})
	return box(TypeNative, uint64(len(c.natives)-1))
}

// NativeName returns the registered name of a native value.
func (c *Context) NativeName(v Value) string {
	if e := c.native(v); e != nil {
		return e.name
	}
	return ""
}

func (c *Context) native(v Value) *nativeEntry {
	if v.Type() != TypeNative {
		return nil
	}
	i := v.Payload()
	if i >= uint64(len(c.natives)) {
		return nil
	}
	return &c.natives[i]
}

// frame is one activation of a code unit.
type frame struct {
	code *Code
	obj  *Object // the running module, function, or class
	self Value
	base int // first local slot
	pc   int
}

// callValue invokes callee with args copied onto the stack. It is the
// entry used by hosts and natives.
func (c *Context) callValue(callee, self Value, args []Value) Value {
	switch callee.Type() {
	case TypeNative:
		return c.callNative(callee, self, args)
	case TypeForeign:
		return c.callForeign(callee, self, args)
	}
	start := c.sp
	for _, a := range args {
		c.Push(a)
	}
	return c.invoke(callee, self, start, len(args))
}

// invoke calls callee with argc arguments already on the stack starting at
// start. The stack is truncated to start before returning.
func (c *Context) invoke(callee, self Value, start, argc int) Value {
	switch callee.Type() {
	case TypeFunction:
		return c.runFunction(c.object(callee), self, start, argc)

	case TypeModule:
		o := c.object(callee)
		c.sp = start
		if self == Undefined || self == None {
			self = callee
		}
		return c.runFrame(&frame{code: o.code, obj: o, self: self, base: start})

	case TypeClass:
		return c.instantiate(callee, start, argc)

	case TypeNative:
		args := c.stack[start : start+argc : start+argc]
		v := c.callNative(callee, self, args)
		c.sp = start
		return v

	case TypeForeign:
		args := c.stack[start : start+argc : start+argc]
		v := c.callForeign(callee, self, args)
		c.sp = start
		return v
	}
	c.sp = start
	c.throwf(KindType, "'%s' object is not callable", callee.Type())
	return Undefined
}

func (c *Context) runFunction(o *Object, self Value, start, argc int) Value {
	code := o.code
	if argc > code.NParams {
		c.sp = start + code.NParams
	}
	for c.sp < start+code.NParams {
		c.Push(None)
	}
	for c.sp < start+code.NLocals {
		c.Push(unbound)
	}
	return c.runFrame(&frame{code: code, obj: o, self: self, base: start})
}

// runFrame checks the high-water mark and the call depth, then executes
// fr. The frame's locals are discarded on return.
func (c *Context) runFrame(fr *frame) Value {
	if fr.base+fr.code.NLocals > c.highWater || c.depth >= c.maxDepth {
		c.sp = fr.base
		c.throw(KindResource, "stack overflow")
	}
	v := c.run(fr)
	c.sp = fr.base
	return v
}

func (c *Context) callNative(callee, self Value, args []Value) Value {
	e := c.native(callee)
	if e == nil {
		c.throw(KindRuntime, "invalid native")
	}
	v, err := e.fn(c, self, args)
	if err != nil {
		c.ThrowError(err)
	}
	return v
}

// instantiate creates an instance of class: the class's own members are
// copied into a fresh object whose parent is the class, and __init__ runs
// with the instance as its first argument. The arguments stay on the stack
// at start until __init__ returns.
func (c *Context) instantiate(class Value, start, argc int) Value {
	inst := c.Duplicate(class)
	c.object(inst).parent = class
	c.Pin(inst)
	defer c.Unpin(inst)

	init := c.Get(inst, c.keys.init)
	if init.IsCallable() {
		if init.Type() == TypeFunction {
			c.Push(Undefined)
			copy(c.stack[start+1:c.sp], c.stack[start:c.sp-1])
			c.stack[start] = inst
			argc++
		}
		c.invoke(init, inst, start, argc)
	}
	c.sp = start
	return inst
}

// dropsReceiver reports whether a property call on recv passes recv as the
// first argument to a script function.
func dropsReceiver(recv Value) bool {
	t := recv.Type()
	return t == TypeModule || t == TypeClass
}
