package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxFormatDepth stops runaway output on self-referencing containers.
const maxFormatDepth = 32

// Format renders v the way print shows it. Strings render as their text;
// inside containers they are quoted.
func (c *Context) Format(v Value) string {
	if v.IsString() {
		s, _ := c.StringOf(v)
		return s
	}
	var sb strings.Builder
	c.format(&sb, v, 0)
	return sb.String()
}

// Repr renders v with strings quoted.
func (c *Context) Repr(v Value) string {
	var sb strings.Builder
	c.format(&sb, v, 0)
	return sb.String()
}

// FormatNumber renders a number: integral values without a fraction,
// everything else in shortest round-trip form.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case f == math.Trunc(f) && math.Abs(f) < 1e16:
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; ch {
		case '\'':
			sb.WriteString(`\'`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			if ch < 0x20 || ch == 0x7f {
				fmt.Fprintf(&sb, `\x%02x`, ch)
			} else {
				sb.WriteByte(ch)
			}
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

func (c *Context) format(sb *strings.Builder, v Value, depth int) {
	if depth > maxFormatDepth {
		sb.WriteString("...")
		return
	}
	switch v.Type() {
	case TypeNumber:
		sb.WriteString(FormatNumber(v.Float()))
	case TypeBoolean:
		if v.Bool() {
			sb.WriteString("True")
		} else {
			sb.WriteString("False")
		}
	case TypeNone:
		sb.WriteString("None")
	case TypeUndefined:
		sb.WriteString("undefined")
	case TypeHeapString, TypeForeignString:
		s, _ := c.StringOf(v)
		sb.WriteString(quote(s))
	case TypeArray:
		sb.WriteByte('[')
		for i, e := range c.arrayElems(v) {
			if i > 0 {
				sb.WriteString(", ")
			}
			c.format(sb, e, depth+1)
		}
		sb.WriteByte(']')
	case TypeObject:
		if p := c.Parent(v); p.Type() == TypeClass {
			fmt.Fprintf(sb, "<%s object>", c.CodeOf(p).Name)
			return
		}
		sb.WriteByte('{')
		first := true
		c.Members(v, func(k, val Value) bool {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			c.format(sb, k, depth+1)
			sb.WriteString(": ")
			c.format(sb, val, depth+1)
			return true
		})
		sb.WriteByte('}')
	case TypeFunction:
		fmt.Fprintf(sb, "<function %s>", c.CodeOf(v).Name)
	case TypeClass:
		fmt.Fprintf(sb, "<class %s>", c.CodeOf(v).Name)
	case TypeModule:
		fmt.Fprintf(sb, "<module %s>", c.CodeOf(v).Name)
	case TypeNative:
		fmt.Fprintf(sb, "<native %s>", c.NativeName(v))
	case TypeBuffer:
		fmt.Fprintf(sb, "<buffer %d>", len(c.BufferBytes(v)))
	case TypeForeign:
		sb.WriteString("<foreign>")
	default:
		sb.WriteString("<invalid>")
	}
}

// TypeName returns the name used for v in error messages: the class name
// for instances, the type name otherwise.
func (c *Context) TypeName(v Value) string {
	if v.Type() == TypeObject {
		if p := c.Parent(v); p.Type() == TypeClass {
			if code := c.CodeOf(p); code != nil {
				return code.Name
			}
		}
	}
	return v.Type().String()
}
