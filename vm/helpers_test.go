package vm

import (
	"bytes"
	"testing"
)

// newTestContext returns a Context with built-ins whose output is captured.
func newTestContext(t *testing.T, opts ...Option) (*Context, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts = append([]Option{WithStdout(&out)}, opts...)
	c := New(opts...)
	t.Cleanup(c.Close)
	return c, &out
}

// assemble fills in a code unit's bytecode.
func assemble(c *Context, unit Value, build func(b *BytecodeBuilder)) Value {
	b := NewBytecodeBuilder()
	build(b)
	c.CodeOf(unit).Bytecode = b.Bytes()
	return unit
}

func testModule(c *Context, name string, build func(b *BytecodeBuilder)) Value {
	return assemble(c, c.NewModule(name), build)
}

func testFunction(c *Context, name string, scope Value, nparams, nlocals int, build func(b *BytecodeBuilder)) Value {
	fn := c.NewFunction(name, scope)
	code := c.CodeOf(fn)
	code.NParams = nparams
	code.NLocals = nlocals
	for i := 0; i < nlocals; i++ {
		code.Locals = append(code.Locals, string(rune('a'+i)))
	}
	return assemble(c, fn, build)
}

func mustRun(t *testing.T, c *Context, mod Value) Value {
	t.Helper()
	v, err := c.Run(mod)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return v
}
