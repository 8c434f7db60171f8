package vm

import (
	"strings"
	"testing"
)

func alive(c *Context, v Value) bool {
	return c.heap.deref(v) != nil
}

func TestCollectKeepsArrayElements(t *testing.T) {
	c := New(WithoutBuiltins())
	arr := c.NewArray(1)
	s := c.NewString("kept")
	c.ArrayPush(arr, s)
	c.SetProp(c.Globals(), "arr", arr)

	c.Collect()
	if !alive(c, s) {
		t.Fatal("string reachable through array element was collected")
	}

	c.Delete(c.Globals(), c.ForeignString("arr"))
	stats := c.Collect()
	if alive(c, s) || alive(c, arr) {
		t.Error("unreachable array and element survived")
	}
	if stats.Freed < 2 {
		t.Errorf("Freed = %d, want at least 2", stats.Freed)
	}
}

func TestCollectKeepsInstanceMembers(t *testing.T) {
	c := New(WithoutBuiltins())
	class := c.NewClass("C", Undefined)
	inst := c.NewObject()
	c.SetParent(inst, class)
	member := c.NewObject()
	c.SetProp(inst, "child", member)
	c.SetProp(c.Globals(), "inst", inst)

	c.Collect()
	if !alive(c, member) || !alive(c, class) {
		t.Fatal("member or parent class of a reachable instance was collected")
	}
}

func TestCollectKeepsStackValues(t *testing.T) {
	c := New(WithoutBuiltins())
	arg := c.NewString("pending argument")
	c.Push(arg)
	c.Collect()
	if !alive(c, arg) {
		t.Fatal("value on the operand stack was collected")
	}
	c.Pop()
	c.Collect()
	if alive(c, arg) {
		t.Error("popped value survived a collection")
	}
}

func TestCollectFollowsFunctionScope(t *testing.T) {
	c := New(WithoutBuiltins())
	mod := c.NewModule("m")
	fn := c.NewFunction("f", mod)
	c.SetProp(c.Globals(), "f", fn)
	c.Collect()
	if !alive(c, mod) {
		t.Error("lexical scope of a reachable function was collected")
	}
}

func TestStaleReferenceAfterCollect(t *testing.T) {
	c := New(WithoutBuiltins())
	obj := c.NewObject()
	c.Collect()
	// The slot may be reused, but the old handle must not see the new object.
	fresh := c.NewObject()
	c.SetProp(fresh, "x", Int(1))

	err := c.Protect(func() { c.GetProp(obj, "x") })
	if err == nil || !strings.Contains(err.Error(), "stale object reference") {
		t.Fatalf("got %v, want stale object reference", err)
	}
}

func TestPauseGC(t *testing.T) {
	c := New(WithoutBuiltins())
	obj := c.NewObject()
	c.PauseGC()
	if stats := c.Collect(); !stats.Skipped {
		t.Error("Collect ran while paused")
	}
	if !alive(c, obj) {
		t.Error("object freed during a paused collection")
	}
	c.ResumeGC()
	c.Collect()
	if alive(c, obj) {
		t.Error("unreachable object survived after ResumeGC")
	}
}

func TestPinIsCounted(t *testing.T) {
	c := New(WithoutBuiltins())
	obj := c.NewObject()
	c.Pin(obj)
	c.Pin(obj)
	c.Unpin(obj)
	c.Collect()
	if !alive(c, obj) {
		t.Fatal("object with one remaining pin was collected")
	}
	c.Unpin(obj)
	c.Collect()
	if alive(c, obj) {
		t.Error("unpinned object survived")
	}
}

func TestCollectClearsMarks(t *testing.T) {
	c := New(WithoutBuiltins())
	c.SetProp(c.Globals(), "o", c.NewObject())
	first := c.Collect()
	second := c.Collect()
	if first.Marked != second.Marked || second.Freed != 0 {
		t.Errorf("second collection marked %d freed %d, want %d and 0", second.Marked, second.Freed, first.Marked)
	}
	if c.LastGC().Live != second.Live {
		t.Errorf("LastGC().Live = %d, want %d", c.LastGC().Live, second.Live)
	}
}

func TestConstructorArgsSurviveNativeInit(t *testing.T) {
	c := New(WithoutBuiltins())
	defer c.Close()
	class := c.NewClass("Box", c.Globals())
	var survived bool
	c.SetProp(class, "__init__", c.NewNative("__init__", func(c *Context, self Value, args []Value) (Value, error) {
		c.Collect()
		survived = alive(c, args[0])
		c.SetProp(self, "v", args[0])
		return None, nil
	}))

	inst, err := c.Call(class, None, c.NewString("kept"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !survived {
		t.Fatal("constructor argument collected while __init__ ran")
	}
	if s, _ := c.StringOf(c.GetProp(inst, "v")); s != "kept" {
		t.Errorf("v = %q, want kept", s)
	}
	if c.StackDepth() != 0 {
		t.Errorf("stack depth = %d, want 0", c.StackDepth())
	}
}
