package vm

import (
	"errors"
	"testing"
)

func TestRecursionOverflowsStack(t *testing.T) {
	c, _ := newTestContext(t, WithStackSize(256))
	mod := c.NewModule("rec")
	// def f(): return f()
	fn := testFunction(c, "f", mod, 0, 0, func(b *BytecodeBuilder) {
		b.EmitUint16(OpGetVar, c.Intern("f"))
		b.EmitUint16(OpCall, 0)
		b.Emit(OpReturn)
	})
	c.SetProp(mod, "f", fn)

	_, err := c.Call(fn, None)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("got %v, want *Error", err)
	}
	if e.Kind != KindResource || e.Message != "stack overflow" {
		t.Errorf("got %v %q, want ResourceError stack overflow", e.Kind, e.Message)
	}
	if c.StackDepth() != 0 {
		t.Errorf("stack depth after overflow = %d, want 0", c.StackDepth())
	}

	ok := testFunction(c, "ok", mod, 0, 0, func(b *BytecodeBuilder) {
		b.EmitFloat64(OpGetNumber, 1)
		b.Emit(OpReturn)
	})
	got, err := c.Call(ok, None)
	if err != nil || got.Float() != 1 {
		t.Errorf("call after overflow = %s, %v; want 1", c.Format(got), err)
	}
}

func TestOverflowIsCatchable(t *testing.T) {
	c, _ := newTestContext(t, WithStackSize(256))
	mod := c.NewModule("rec")
	fn := testFunction(c, "f", mod, 0, 0, func(b *BytecodeBuilder) {
		b.EmitUint16(OpGetVar, c.Intern("f"))
		b.EmitUint16(OpCall, 0)
		b.Emit(OpReturn)
	})
	c.SetProp(mod, "f", fn)
	assemble(c, mod, func(b *BytecodeBuilder) {
		handler := b.NewLabel()
		b.EmitJump(OpTry, handler)
		b.EmitUint16(OpGetVar, c.Intern("f"))
		b.EmitUint16(OpCall, 0)
		b.Emit(OpReturn)
		b.Mark(handler)
		b.Emit(OpReturn)
	})
	got := mustRun(t, c, mod)
	if s, _ := c.StringOf(got); s != "stack overflow" {
		t.Errorf("caught %s, want 'stack overflow'", c.Repr(got))
	}
}
