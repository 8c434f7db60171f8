package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Built-in functions
// ---------------------------------------------------------------------------

func (c *Context) installBuiltins() {
	c.RegisterNatives(map[string]NativeFunc{
		"print":      builtinPrint,
		"show":       builtinShow,
		"import":     builtinImport,
		"len":        builtinLen,
		"str":        builtinStr,
		"repr":       builtinRepr,
		"int":        builtinInt,
		"float":      builtinFloat,
		"type":       builtinType,
		"range":      builtinRange,
		"gc":         builtinGC,
		"buffer":     builtinBuffer,
		"isinstance": builtinIsInstance,
		"hasattr":    builtinHasAttr,
		"getattr":    builtinGetAttr,
		"setattr":    builtinSetAttr,
		"error":      builtinError,
		"abs":        builtinAbs,
		"min":        builtinMin,
		"max":        builtinMax,
		"chr":        builtinChr,
		"ord":        builtinOrd,
	})
	c.registerStringPrimitives()
	c.registerArrayPrimitives()
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

func (c *Context) wantArgs(name string, args []Value, min, max int) {
	if len(args) < min || (max >= 0 && len(args) > max) {
		switch {
		case min == max:
			c.throwf(KindType, "%s() takes %d argument(s), got %d", name, min, len(args))
		case max < 0:
			c.throwf(KindType, "%s() takes at least %d argument(s), got %d", name, min, len(args))
		default:
			c.throwf(KindType, "%s() takes %d to %d arguments, got %d", name, min, max, len(args))
		}
	}
}

func (c *Context) stringArg(name string, args []Value, i int) string {
	if i >= len(args) || !args[i].IsString() {
		got := "nothing"
		if i < len(args) {
			got = c.TypeName(args[i])
		}
		c.throwf(KindType, "%s() argument %d must be a string, not %s", name, i+1, got)
	}
	s, _ := c.StringOf(args[i])
	return s
}

func (c *Context) numberArg(name string, args []Value, i int) float64 {
	if i >= len(args) || !args[i].IsNumber() {
		got := "nothing"
		if i < len(args) {
			got = c.TypeName(args[i])
		}
		c.throwf(KindType, "%s() argument %d must be a number, not %s", name, i+1, got)
	}
	return args[i].Float()
}

func (c *Context) intArg(name string, args []Value, i int) int {
	return int(c.numberArg(name, args, i))
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func builtinPrint(c *Context, _ Value, args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = c.Format(a)
	}
	if _, err := fmt.Fprintln(c.Stdout, strings.Join(parts, " ")); err != nil {
		return Undefined, fmt.Errorf("print: %w", err)
	}
	return None, nil
}

func builtinShow(c *Context, _ Value, _ []Value) (Value, error) {
	_, err := fmt.Fprintf(c.Stdout, "stack: %d/%d (high water %d), try frames: %d, objects: %d\n",
		c.sp, len(c.stack), c.highWater, len(c.handlers), c.heap.live)
	if err != nil {
		return Undefined, fmt.Errorf("show: %w", err)
	}
	return None, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func builtinLen(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("len", args, 1, 1)
	v := args[0]
	switch v.Type() {
	case TypeHeapString, TypeForeignString:
		return Int(c.stringLen(v)), nil
	case TypeArray:
		return Int(c.ArrayLen(v)), nil
	case TypeBuffer:
		return Int(len(c.BufferBytes(v))), nil
	case TypeObject, TypeModule, TypeClass:
		return Int(c.MemberCount(v)), nil
	}
	c.throwf(KindType, "object of type '%s' has no len()", c.TypeName(v))
	return Undefined, nil
}

func builtinStr(c *Context, _ Value, args []Value) (Value, error) {
	if len(args) == 0 {
		return c.NewString(""), nil
	}
	if args[0].IsString() {
		return args[0], nil
	}
	return c.NewString(c.Format(args[0])), nil
}

func builtinRepr(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("repr", args, 1, 1)
	return c.NewString(c.Repr(args[0])), nil
}

func builtinInt(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("int", args, 0, 2)
	if len(args) == 0 {
		return Int(0), nil
	}
	v := args[0]
	switch {
	case v.IsNumber():
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			c.throwf(KindRuntime, "cannot convert %s to integer", FormatNumber(f))
		}
		return Number(math.Trunc(f)), nil
	case v.IsBoolean():
		if v.Bool() {
			return Int(1), nil
		}
		return Int(0), nil
	case v.IsString():
		s, _ := c.StringOf(v)
		s = strings.TrimSpace(s)
		base := 10
		if len(args) > 1 {
			base = c.intArg("int", args, 1)
		}
		if n, err := strconv.ParseInt(s, base, 64); err == nil {
			return Number(float64(n)), nil
		}
		if base == 10 {
			if n, err := strconv.ParseInt(s, 0, 64); err == nil {
				return Number(float64(n)), nil
			}
		}
		c.throwf(KindRuntime, "invalid literal for int(): %s", quote(s))
	}
	c.throwf(KindType, "int() argument must be a string or a number, not '%s'", c.TypeName(v))
	return Undefined, nil
}

func builtinFloat(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("float", args, 0, 1)
	if len(args) == 0 {
		return Number(0), nil
	}
	v := args[0]
	switch {
	case v.IsNumber():
		return v, nil
	case v.IsBoolean():
		if v.Bool() {
			return Number(1), nil
		}
		return Number(0), nil
	case v.IsString():
		s, _ := c.StringOf(v)
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			c.throwf(KindRuntime, "could not convert string to float: %s", quote(s))
		}
		return Number(f), nil
	}
	c.throwf(KindType, "float() argument must be a string or a number, not '%s'", c.TypeName(v))
	return Undefined, nil
}

func builtinType(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("type", args, 1, 1)
	return c.ForeignString(c.TypeName(args[0])), nil
}

func builtinRange(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("range", args, 1, 3)
	start, stop, step := 0, 0, 1
	switch len(args) {
	case 1:
		stop = c.intArg("range", args, 0)
	default:
		start = c.intArg("range", args, 0)
		stop = c.intArg("range", args, 1)
		if len(args) == 3 {
			step = c.intArg("range", args, 2)
		}
	}
	if step == 0 {
		c.throw(KindRuntime, "range() step must not be zero")
	}
	n := 0
	if step > 0 && stop > start {
		n = (stop - start + step - 1) / step
	} else if step < 0 && start > stop {
		n = (start - stop - step - 1) / -step
	}
	arr := c.NewArray(n)
	o := c.object(arr)
	for i := 0; i < n; i++ {
		o.elems = append(o.elems, Int(start+i*step))
	}
	return arr, nil
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

func builtinGC(c *Context, _ Value, _ []Value) (Value, error) {
	stats := c.Collect()
	return Int(stats.Freed), nil
}

func builtinBuffer(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("buffer", args, 1, 1)
	if args[0].IsString() {
		s, _ := c.StringOf(args[0])
		buf := c.NewBuffer(len(s))
		copy(c.BufferBytes(buf), s)
		return buf, nil
	}
	n := c.intArg("buffer", args, 0)
	if n < 0 {
		c.throw(KindRuntime, "negative buffer size")
	}
	return c.NewBuffer(n), nil
}

func builtinIsInstance(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("isinstance", args, 2, 2)
	v, class := args[0], args[1]
	if class.IsString() {
		name, _ := c.StringOf(class)
		return Bool(c.TypeName(v) == name || v.Type().String() == name), nil
	}
	switch class.Type() {
	case TypeClass:
		return Bool(c.IsInstance(v, class)), nil
	case TypeArray:
		for _, k := range c.arrayElems(class) {
			if k.Type() == TypeClass && c.IsInstance(v, k) {
				return True, nil
			}
		}
		return False, nil
	}
	c.throwf(KindType, "isinstance() arg 2 must be a class, not '%s'", c.TypeName(class))
	return Undefined, nil
}

func builtinHasAttr(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("hasattr", args, 2, 2)
	name := c.stringArg("hasattr", args, 1)
	return Bool(c.member(args[0], c.ForeignString(name)) != Undefined), nil
}

func builtinGetAttr(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("getattr", args, 2, 3)
	name := c.stringArg("getattr", args, 1)
	v := c.member(args[0], c.ForeignString(name))
	if v == Undefined {
		if len(args) == 3 {
			return args[2], nil
		}
		c.throwf(KindType, "'%s' object has no attribute '%s'", c.TypeName(args[0]), name)
	}
	return v, nil
}

func builtinSetAttr(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("setattr", args, 3, 3)
	name := c.stringArg("setattr", args, 1)
	c.Set(args[0], c.ForeignString(name), args[2])
	return None, nil
}

func builtinError(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("error", args, 0, 1)
	obj := c.NewObject()
	msg := c.NewString("")
	if len(args) == 1 {
		msg = args[0]
	}
	c.Set(obj, c.keys.message, msg)
	return obj, nil
}

// ---------------------------------------------------------------------------
// Numbers and characters
// ---------------------------------------------------------------------------

func builtinAbs(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("abs", args, 1, 1)
	return Number(math.Abs(c.numberArg("abs", args, 0))), nil
}

func (c *Context) extreme(name string, args []Value, want int) Value {
	c.wantArgs(name, args, 1, -1)
	items := args
	if len(args) == 1 && args[0].Type() == TypeArray {
		items = c.arrayElems(args[0])
	}
	if len(items) == 0 {
		c.throwf(KindRuntime, "%s() arg is an empty sequence", name)
	}
	best := items[0]
	for _, v := range items[1:] {
		if c.compare(v, best) == want {
			best = v
		}
	}
	return best
}

func builtinMin(c *Context, _ Value, args []Value) (Value, error) {
	return c.extreme("min", args, -1), nil
}

func builtinMax(c *Context, _ Value, args []Value) (Value, error) {
	return c.extreme("max", args, 1), nil
}

func builtinChr(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("chr", args, 1, 1)
	n := c.intArg("chr", args, 0)
	if n < 0 || n > 255 {
		c.throw(KindRuntime, "chr() arg not in range(256)")
	}
	return c.NewString(string([]byte{byte(n)})), nil
}

func builtinOrd(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("ord", args, 1, 1)
	s := c.stringArg("ord", args, 0)
	if len(s) != 1 {
		c.throwf(KindType, "ord() expected a character, but string of length %d found", len(s))
	}
	return Int(int(s[0])), nil
}
