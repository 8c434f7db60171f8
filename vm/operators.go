package vm

import (
	"bytes"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Truthiness and equality
// ---------------------------------------------------------------------------

// Truthy reports whether v counts as true in a condition. None, Undefined,
// zero, False, the empty string, and the empty array are false.
func (c *Context) Truthy(v Value) bool {
	switch v.Type() {
	case TypeNumber:
		return v.Float() != 0
	case TypeBoolean:
		return v.Bool()
	case TypeNone, TypeUndefined:
		return false
	case TypeHeapString, TypeForeignString:
		return c.stringLen(v) > 0
	case TypeArray:
		return c.ArrayLen(v) > 0
	}
	return true
}

// Equal reports whether a and b are equal. It never throws: values of
// different kinds are unequal unless identical.
func (c *Context) Equal(a, b Value) bool { return c.equal(a, b) }

func (c *Context) equal(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return a.Float() == b.Float()
	}
	if a == b {
		return true
	}
	if a.IsString() && b.IsString() {
		return c.keyEqual(a, b)
	}
	return false
}

// compare orders two numbers or two strings.
func (c *Context) compare(a, b Value) int {
	switch {
	case a.IsNumber() && b.IsNumber():
		x, y := a.Float(), b.Float()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		case x == y:
			return 0
		}
		// NaN is unordered; no comparison holds.
		return 2
	case a.IsString() && b.IsString():
		sa, _ := c.StringOf(a)
		sb, _ := c.StringOf(b)
		return strings.Compare(sa, sb)
	}
	c.throwf(KindType, "unsupported operand type(s) for comparison: '%s' and '%s'", c.TypeName(a), c.TypeName(b))
	return 0
}

// ---------------------------------------------------------------------------
// Binary operators
// ---------------------------------------------------------------------------

var operatorSymbols = map[Opcode]string{
	OpAdd:        "+",
	OpSub:        "-",
	OpMul:        "*",
	OpDiv:        "/",
	OpMod:        "%",
	OpAnd:        "&",
	OpOr:         "|",
	OpXor:        "^",
	OpLeftShift:  "<<",
	OpRightShift: ">>",
	OpFloorDiv:   "//",
	OpPow:        "**",
	OpIn:         "in",
	OpPositive:   "+",
	OpNegative:   "-",
	OpInvert:     "~",
}

func (c *Context) unsupported(op Opcode, a, b Value) {
	c.throwf(KindType, "unsupported operand type(s) for %s: '%s' and '%s'", operatorSymbols[op], c.TypeName(a), c.TypeName(b))
}

// binary applies a two-operand opcode.
func (c *Context) binary(op Opcode, a, b Value) Value {
	switch op {
	case OpEq:
		return Bool(c.equal(a, b))
	case OpNeq:
		return Bool(!c.equal(a, b))
	case OpIs:
		return Bool(a == b)
	case OpLogicAnd:
		if !c.Truthy(a) {
			return a
		}
		return b
	case OpLogicOr:
		if c.Truthy(a) {
			return a
		}
		return b
	case OpLt:
		r := c.compare(a, b)
		return Bool(r == -1)
	case OpGt:
		return Bool(c.compare(a, b) == 1)
	case OpLtEq:
		r := c.compare(a, b)
		return Bool(r == -1 || r == 0)
	case OpGtEq:
		r := c.compare(a, b)
		return Bool(r == 1 || r == 0)
	case OpIn:
		return Bool(c.contains(b, a, op))
	case OpAdd:
		return c.add(a, b)
	case OpMul:
		if v, ok := c.repeat(a, b); ok {
			return v
		}
		if v, ok := c.repeat(b, a); ok {
			return v
		}
	}

	if !a.IsNumber() || !b.IsNumber() {
		c.unsupported(op, a, b)
	}
	x, y := a.Float(), b.Float()
	switch op {
	case OpSub:
		return Number(x - y)
	case OpMul:
		return Number(x * y)
	case OpDiv:
		return Number(x / y)
	case OpMod:
		return Number(math.Mod(x, y))
	case OpFloorDiv:
		return Number(math.Floor(x / y))
	case OpPow:
		return Number(math.Pow(x, y))
	case OpAnd:
		return Number(float64(a.Int32() & b.Int32()))
	case OpOr:
		return Number(float64(a.Int32() | b.Int32()))
	case OpXor:
		return Number(float64(a.Int32() ^ b.Int32()))
	case OpLeftShift:
		return Number(float64(a.Int32() << (b.Uint32() & 31)))
	case OpRightShift:
		return Number(float64(a.Int32() >> (b.Uint32() & 31)))
	}
	c.throw(KindRuntime, "invalid opcode")
	return Undefined
}

// add implements +: numeric addition, string concatenation (a number on
// either side is formatted first), and array concatenation.
func (c *Context) add(a, b Value) Value {
	switch {
	case a.IsNumber() && b.IsNumber():
		return Number(a.Float() + b.Float())
	case a.IsString() && (b.IsString() || b.IsNumber()),
		a.IsNumber() && b.IsString():
		return c.NewString(c.Format(a) + c.Format(b))
	case a.Type() == TypeArray && b.Type() == TypeArray:
		x, y := c.arrayElems(a), c.arrayElems(b)
		out := c.NewArray(len(x) + len(y))
		o := c.object(out)
		o.elems = append(o.elems, x...)
		o.elems = append(o.elems, y...)
		return out
	}
	c.unsupported(OpAdd, a, b)
	return Undefined
}

// repeat implements string * n and array * n.
func (c *Context) repeat(seq, n Value) (Value, bool) {
	if !n.IsInteger() {
		return Undefined, false
	}
	count := int(n.Float())
	if count < 0 {
		count = 0
	}
	switch {
	case seq.IsString():
		s, _ := c.StringOf(seq)
		c.checkRepeat(len(s), count)
		return c.NewString(strings.Repeat(s, count)), true
	case seq.Type() == TypeArray:
		elems := c.arrayElems(seq)
		c.checkRepeat(len(elems), count)
		out := c.NewArray(len(elems) * count)
		o := c.object(out)
		for i := 0; i < count; i++ {
			o.elems = append(o.elems, elems...)
		}
		return out, true
	}
	return Undefined, false
}

func (c *Context) checkRepeat(size, count int) {
	if size > 0 && count > c.maxAlloc/size {
		c.throwNoMemory()
	}
}

// contains implements the in operator with container on the right.
func (c *Context) contains(container, item Value, op Opcode) bool {
	switch container.Type() {
	case TypeArray:
		for _, e := range c.arrayElems(container) {
			if c.equal(e, item) {
				return true
			}
		}
		return false
	case TypeHeapString, TypeForeignString:
		if !item.IsString() {
			c.unsupported(op, item, container)
		}
		s, _ := c.StringOf(container)
		sub, _ := c.StringOf(item)
		return strings.Contains(s, sub)
	case TypeBuffer:
		if !item.IsNumber() {
			return false
		}
		return bytes.IndexByte(c.BufferBytes(container), byte(item.Int32())) >= 0
	case TypeObject, TypeModule, TypeClass:
		return c.Get(container, item) != Undefined
	}
	c.unsupported(op, item, container)
	return false
}

// ---------------------------------------------------------------------------
// Unary operators
// ---------------------------------------------------------------------------

func (c *Context) unary(op Opcode, v Value) Value {
	if op == OpNot {
		return Bool(!c.Truthy(v))
	}
	if !v.IsNumber() {
		c.throwf(KindType, "bad operand type for unary %s: '%s'", operatorSymbols[op], c.TypeName(v))
	}
	switch op {
	case OpPositive:
		return v
	case OpNegative:
		return Number(-v.Float())
	case OpInvert:
		return Number(float64(^v.Int32()))
	}
	c.throw(KindRuntime, "invalid opcode")
	return Undefined
}

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

// position converts an index value to an offset into a sequence of length
// n, counting negative indices from the end.
func (c *Context) position(idx Value, n int) int {
	if !idx.IsNumber() {
		c.throwf(KindType, "indices must be numbers, not '%s'", c.TypeName(idx))
	}
	i := int(idx.Float())
	if i < 0 {
		i += n
	}
	return i
}

func (c *Context) index(obj, idx Value) Value {
	switch obj.Type() {
	case TypeArray:
		return c.ArrayGet(obj, c.position(idx, c.ArrayLen(obj)))
	case TypeHeapString, TypeForeignString:
		s, _ := c.StringOf(obj)
		i := c.position(idx, len(s))
		if i < 0 || i >= len(s) {
			c.throw(KindRuntime, "string index out of range")
		}
		return c.NewString(s[i : i+1])
	case TypeBuffer:
		buf := c.BufferBytes(obj)
		i := c.position(idx, len(buf))
		if i < 0 || i >= len(buf) {
			c.throw(KindRuntime, "buffer index out of range")
		}
		return Int(int(buf[i]))
	case TypeObject, TypeModule, TypeClass, TypeFunction:
		return c.Get(obj, idx)
	}
	c.throwf(KindType, "'%s' object is not subscriptable", c.TypeName(obj))
	return Undefined
}

func (c *Context) setIndex(obj, idx, v Value) {
	switch obj.Type() {
	case TypeArray:
		c.ArraySet(obj, c.position(idx, c.ArrayLen(obj)), v)
	case TypeBuffer:
		buf := c.BufferBytes(obj)
		i := c.position(idx, len(buf))
		if i < 0 || i >= len(buf) {
			c.throw(KindRuntime, "buffer index out of range")
		}
		if !v.IsNumber() {
			c.throwf(KindType, "buffer values must be numbers, not '%s'", c.TypeName(v))
		}
		buf[i] = byte(v.Int32())
	case TypeObject, TypeModule, TypeClass, TypeFunction:
		c.Set(obj, idx, v)
	default:
		c.throwf(KindType, "'%s' object does not support item assignment", c.TypeName(obj))
	}
}

func (c *Context) deleteIndex(obj, idx Value) {
	switch obj.Type() {
	case TypeArray:
		if !c.ArrayDelete(obj, c.position(idx, c.ArrayLen(obj))) {
			c.throw(KindRuntime, "array index out of range")
		}
	case TypeObject, TypeModule, TypeClass, TypeFunction:
		c.Delete(obj, idx)
	default:
		c.throwf(KindType, "'%s' object does not support item deletion", c.TypeName(obj))
	}
}

// sliceBounds clamps start/stop/step the way sequence slicing does. None
// selects the default for each bound.
func (c *Context) sliceBounds(n int, start, stop, step Value) (lo, hi, st int) {
	st = 1
	if step != None {
		st = c.position(step, 0)
		if st == 0 {
			c.throw(KindRuntime, "slice step cannot be zero")
		}
	}
	clamp := func(v Value, def int) int {
		if v == None {
			return def
		}
		i := c.position(v, n)
		switch {
		case i < 0 && st < 0:
			return -1
		case i < 0:
			return 0
		case i >= n && st < 0:
			return n - 1
		case i > n:
			return n
		}
		return i
	}
	if st > 0 {
		return clamp(start, 0), clamp(stop, n), st
	}
	return clamp(start, n-1), clamp(stop, -1), st
}

func sliceIndices(lo, hi, st int, fn func(int)) {
	if st > 0 {
		for i := lo; i < hi; i += st {
			fn(i)
		}
		return
	}
	for i := lo; i > hi; i += st {
		fn(i)
	}
}

func (c *Context) slice(obj, start, stop, step Value) Value {
	switch obj.Type() {
	case TypeArray:
		elems := c.arrayElems(obj)
		lo, hi, st := c.sliceBounds(len(elems), start, stop, step)
		out := c.NewArray(0)
		o := c.object(out)
		sliceIndices(lo, hi, st, func(i int) { o.elems = append(o.elems, elems[i]) })
		return out
	case TypeHeapString, TypeForeignString:
		s, _ := c.StringOf(obj)
		lo, hi, st := c.sliceBounds(len(s), start, stop, step)
		var sb strings.Builder
		sliceIndices(lo, hi, st, func(i int) { sb.WriteByte(s[i]) })
		return c.NewString(sb.String())
	case TypeBuffer:
		buf := c.BufferBytes(obj)
		lo, hi, st := c.sliceBounds(len(buf), start, stop, step)
		var out []byte
		sliceIndices(lo, hi, st, func(i int) { out = append(out, buf[i]) })
		v := c.NewBuffer(0)
		c.object(v).bytes = out
		return v
	}
	c.throwf(KindType, "'%s' object is not sliceable", c.TypeName(obj))
	return Undefined
}
