package vm

// ---------------------------------------------------------------------------
// Iteration protocol
// ---------------------------------------------------------------------------
//
// iter wraps a sequence in a cursor object:
//
//	__object__   the sequence being walked
//	__count__    elements consumed so far
//	__finished__ True once the sequence is exhausted
//	__next__     native that yields the next element
//
// An object that already has a callable __next__ is its own cursor. next
// calls __next__ and treats the cursor as exhausted once __finished__ is
// truthy, so script classes can implement the same protocol.

func (c *Context) iterate(v Value) Value {
	switch v.Type() {
	case TypeArray, TypeHeapString, TypeForeignString, TypeBuffer:
	case TypeObject, TypeModule, TypeClass:
		if c.Get(v, c.keys.next).IsCallable() {
			return v
		}
	default:
		c.throwf(KindType, "'%s' object is not iterable", c.TypeName(v))
	}
	cursor := c.NewObject()
	c.Set(cursor, c.keys.object, v)
	c.Set(cursor, c.keys.count, Int(0))
	c.Set(cursor, c.keys.finished, False)
	c.Set(cursor, c.keys.next, c.cursorNext())
	return cursor
}

// cursorNext returns the shared native behind every built-in cursor.
func (c *Context) cursorNext() Value {
	if c.nextNative == Undefined {
		c.nextNative = c.NewNative("__next__", nativeCursorNext)
	}
	return c.nextNative
}

func nativeCursorNext(c *Context, self Value, _ []Value) (Value, error) {
	seq := c.Get(self, c.keys.object)
	count := c.Get(self, c.keys.count)
	i := 0
	if count.IsNumber() {
		i = int(count.Float())
	}

	done := func() (Value, error) {
		c.Set(self, c.keys.finished, True)
		return None, nil
	}
	var v Value
	switch seq.Type() {
	case TypeArray:
		if i >= c.ArrayLen(seq) {
			return done()
		}
		v = c.ArrayGet(seq, i)
	case TypeHeapString, TypeForeignString:
		s, _ := c.StringOf(seq)
		if i >= len(s) {
			return done()
		}
		v = c.NewString(s[i : i+1])
	case TypeBuffer:
		buf := c.BufferBytes(seq)
		if i >= len(buf) {
			return done()
		}
		v = Int(int(buf[i]))
	default:
		o := c.object(seq)
		if o == nil || i >= len(o.members) {
			return done()
		}
		v = o.members[i].key
	}
	c.Set(self, c.keys.count, Int(i+1))
	return v, nil
}

// next advances a cursor. ok is false once the cursor is exhausted.
func (c *Context) next(cursor Value) (v Value, ok bool) {
	if c.Truthy(c.Get(cursor, c.keys.finished)) {
		return Undefined, false
	}
	fn := c.Get(cursor, c.keys.next)
	if fn.Type() == TypeFunction {
		v = c.callValue(fn, cursor, []Value{cursor})
	} else {
		v = c.callValue(fn, cursor, nil)
	}
	if c.Truthy(c.Get(cursor, c.keys.finished)) {
		return Undefined, false
	}
	return v, true
}
