package vm

// registerArrayPrimitives installs the methods arrays fall back to on
// property lookup.
func (c *Context) registerArrayPrimitives() {
	c.installMethods(c.arrayProto, map[string]NativeFunc{
		"append": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("append", args, 1, 1)
			c.ArrayPush(self, args[0])
			return None, nil
		},
		"pop": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("pop", args, 0, 1)
			n := c.ArrayLen(self)
			i := n - 1
			if len(args) == 1 {
				i = c.position(args[0], n)
			}
			if n == 0 || i < 0 || i >= n {
				c.throw(KindRuntime, "pop index out of range")
			}
			v := c.ArrayGet(self, i)
			c.ArrayDelete(self, i)
			return v, nil
		},
		"insert": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("insert", args, 2, 2)
			n := c.ArrayLen(self)
			c.ArrayInsert(self, c.position(args[0], n), args[1])
			return None, nil
		},
		"remove": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("remove", args, 1, 1)
			i := c.arrayIndex(self, args[0])
			if i < 0 {
				c.throw(KindRuntime, "array.remove(x): x not in array")
			}
			c.ArrayDelete(self, i)
			return None, nil
		},
		"index": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("index", args, 1, 1)
			i := c.arrayIndex(self, args[0])
			if i < 0 {
				c.throwf(KindRuntime, "%s is not in array", c.Repr(args[0]))
			}
			return Int(i), nil
		},
	})
}

func (c *Context) arrayIndex(arr, v Value) int {
	for i, e := range c.arrayElems(arr) {
		if c.equal(e, v) {
			return i
		}
	}
	return -1
}
