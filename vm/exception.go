package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error kinds and host-visible errors
// ---------------------------------------------------------------------------

// ErrorKind classifies a failure that escaped to the host.
type ErrorKind int

const (
	KindRuntime  ErrorKind = iota // generic runtime failure
	KindSyntax                    // malformed source, unsupported literal, size limit
	KindType                      // operator or call applied to incompatible values
	KindName                      // unresolved variable
	KindResource                  // stack, try-frame, or memory exhaustion
	KindRaised                    // explicit raise of a script value
)

var kindNames = [...]string{
	KindRuntime:  "RuntimeError",
	KindSyntax:   "SyntaxError",
	KindType:     "TypeError",
	KindName:     "NameError",
	KindResource: "ResourceError",
	KindRaised:   "Exception",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Error"
}

// Error is returned by host entry points when a thrown value escapes the
// outermost try frame. Value is the thrown value itself; it stays valid
// until the next collection unless the host pins it.
type Error struct {
	Kind    ErrorKind
	Message string
	Value   Value
	Module  string
	Line    int
	Column  int
}

func (e *Error) Error() string {
	switch {
	case e.Module != "" && e.Column > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.Module, e.Line, e.Column, e.Message)
	case e.Module != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.Module, e.Line, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// ErrNoCompiler is returned when compilation is requested before a
// compiler has been installed with UseCompiler.
var ErrNoCompiler = errors.New("vm: no compiler installed")

// ---------------------------------------------------------------------------
// Signaling (uses Go panic/recover as the non-local jump)
// ---------------------------------------------------------------------------

// Signaled is panicked to unwind to the nearest try frame. The interpreter
// loop that owns that frame recovers it; if none does, the host boundary
// turns it into an *Error.
type Signaled struct {
	Value   Value
	Kind    ErrorKind
	Message string
	Module  string
	Line    int
	Column  int
}

// tryFrame is one armed handler: where to resume and how deep the operand
// stack was when the try began.
type tryFrame struct {
	resume int
	sp     int
}

// DefaultMaxTryDepth bounds the number of simultaneously armed try frames.
const DefaultMaxTryDepth = 50

func (c *Context) messageValue(msg string) Value {
	o, err := c.heap.alloc(TypeHeapString)
	if err != nil {
		return c.noMemory
	}
	o.bytes = []byte(msg)
	return c.ref(o)
}

func (c *Context) signal(sig *Signaled) {
	if sig.Module == "" {
		sig.Module = c.module
	}
	if sig.Line == 0 {
		sig.Line = c.line
	}
	panic(sig)
}

func (c *Context) throw(kind ErrorKind, msg string) {
	c.signal(&Signaled{Value: c.messageValue(msg), Kind: kind, Message: msg})
}

func (c *Context) throwf(kind ErrorKind, format string, args ...any) {
	c.throw(kind, fmt.Sprintf(format, args...))
}

func (c *Context) throwNoMemory() {
	c.signal(&Signaled{Value: c.noMemory, Kind: KindResource, Message: ErrHeapExhausted.Error()})
}

// Throw raises v as a script exception. It does not return.
func (c *Context) Throw(v Value) {
	c.signal(&Signaled{Value: v, Kind: KindRaised, Message: c.Format(v)})
}

// ThrowError raises a Go error. An *Error is re-raised with its original
// kind and value; any other error becomes a runtime error.
func (c *Context) ThrowError(err error) {
	var e *Error
	if errors.As(err, &e) {
		v := e.Value
		if v == Undefined {
			v = c.messageValue(e.Message)
		}
		c.signal(&Signaled{Value: v, Kind: e.Kind, Message: e.Message, Module: e.Module, Line: e.Line, Column: e.Column})
	}
	c.throw(KindRuntime, err.Error())
}

// ThrowSyntax raises a compile error at the given source position.
func (c *Context) ThrowSyntax(module string, line, col int, msg string) {
	c.signal(&Signaled{
		Value:   c.messageValue(msg),
		Kind:    KindSyntax,
		Message: msg,
		Module:  module,
		Line:    line,
		Column:  col,
	})
}

// ---------------------------------------------------------------------------
// Try frame stack
// ---------------------------------------------------------------------------

func (c *Context) pushTry(resume int) {
	if len(c.handlers) >= c.maxTry {
		c.throw(KindResource, "too many nested try blocks")
	}
	c.handlers = append(c.handlers, tryFrame{resume: resume, sp: c.sp})
}

func (c *Context) popTry() {
	if n := len(c.handlers); n > 0 {
		c.handlers = c.handlers[:n-1]
	}
}

// TryDepth returns the number of armed try frames.
func (c *Context) TryDepth() int { return len(c.handlers) }

// ---------------------------------------------------------------------------
// Host boundary
// ---------------------------------------------------------------------------

// Protect runs fn and converts an escaping signal into an *Error. The
// operand stack, try frames, and call depth are restored to their state on
// entry, so the Context stays usable after a failure. Other panics are
// re-raised after the same restore.
func (c *Context) Protect(fn func()) (err error) {
	sp, handlers, running, depth := c.sp, len(c.handlers), len(c.running), c.depth
	line, module := c.line, c.module
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if c.stack != nil {
			c.sp = sp
			c.handlers = c.handlers[:handlers]
			c.running = c.running[:running]
			c.depth = depth
			c.line, c.module = line, module
		}
		sig, ok := r.(*Signaled)
		if !ok {
			panic(r)
		}
		err = &Error{
			Kind:    sig.Kind,
			Message: sig.Message,
			Value:   sig.Value,
			Module:  sig.Module,
			Line:    sig.Line,
			Column:  sig.Column,
		}
	}()
	fn()
	return nil
}
