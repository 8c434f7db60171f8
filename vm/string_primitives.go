package vm

import "strings"

// registerStringPrimitives installs the methods every string value falls
// back to on property lookup.
func (c *Context) registerStringPrimitives() {
	methods := map[string]NativeFunc{
		"upper": func(c *Context, self Value, args []Value) (Value, error) {
			return c.NewString(strings.ToUpper(c.selfString("upper", self))), nil
		},
		"lower": func(c *Context, self Value, args []Value) (Value, error) {
			return c.NewString(strings.ToLower(c.selfString("lower", self))), nil
		},
		"find": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("find", args, 1, 1)
			return Int(strings.Index(c.selfString("find", self), c.stringArg("find", args, 0))), nil
		},
		"split": stringSplit,
		"join":  stringJoin,
		"strip": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("strip", args, 0, 1)
			s := c.selfString("strip", self)
			if len(args) == 1 {
				return c.NewString(strings.Trim(s, c.stringArg("strip", args, 0))), nil
			}
			return c.NewString(strings.TrimSpace(s)), nil
		},
		"replace": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("replace", args, 2, 2)
			s := c.selfString("replace", self)
			return c.NewString(strings.ReplaceAll(s, c.stringArg("replace", args, 0), c.stringArg("replace", args, 1))), nil
		},
		"startswith": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("startswith", args, 1, 1)
			return Bool(strings.HasPrefix(c.selfString("startswith", self), c.stringArg("startswith", args, 0))), nil
		},
		"endswith": func(c *Context, self Value, args []Value) (Value, error) {
			c.wantArgs("endswith", args, 1, 1)
			return Bool(strings.HasSuffix(c.selfString("endswith", self), c.stringArg("endswith", args, 0))), nil
		},
	}
	c.installMethods(c.stringProto, methods)
}

func (c *Context) selfString(name string, self Value) string {
	s, ok := c.StringOf(self)
	if !ok {
		c.throwf(KindType, "%s() requires a string receiver, not '%s'", name, c.TypeName(self))
	}
	return s
}

func stringSplit(c *Context, self Value, args []Value) (Value, error) {
	c.wantArgs("split", args, 0, 1)
	s := c.selfString("split", self)
	var parts []string
	if len(args) == 0 || args[0] == None {
		parts = strings.Fields(s)
	} else {
		sep := c.stringArg("split", args, 0)
		if sep == "" {
			c.throw(KindRuntime, "empty separator")
		}
		parts = strings.Split(s, sep)
	}
	arr := c.NewArray(len(parts))
	for _, p := range parts {
		c.ArrayPush(arr, c.NewString(p))
	}
	return arr, nil
}

func stringJoin(c *Context, self Value, args []Value) (Value, error) {
	c.wantArgs("join", args, 1, 1)
	sep := c.selfString("join", self)
	if args[0].Type() != TypeArray {
		c.throwf(KindType, "join() argument must be an array, not '%s'", c.TypeName(args[0]))
	}
	elems := c.arrayElems(args[0])
	parts := make([]string, len(elems))
	for i, e := range elems {
		s, ok := c.StringOf(e)
		if !ok {
			c.throwf(KindType, "join() item %d must be a string, not '%s'", i, c.TypeName(e))
		}
		parts[i] = s
	}
	return c.NewString(strings.Join(parts, sep)), nil
}

// installMethods binds natives onto a prototype object in name order.
func (c *Context) installMethods(proto Value, methods map[string]NativeFunc) {
	saved := c.heap.max
	c.heap.max = 0
	defer func() { c.heap.max = saved }()
	for _, name := range sortedNames(methods) {
		c.SetProp(proto, name, c.NewNative(name, methods[name]))
	}
}
