package cache

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/upy/compiler"
	"github.com/chazu/upy/vm"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// countingCompiler counts how often the real compiler runs.
func countingCompiler(n *int) vm.CompileFunc {
	return func(ctx *vm.Context, name, source string) (vm.Value, error) {
		*n++
		return compiler.Compile(ctx, name, source)
	}
}

func runWith(t *testing.T, compile vm.CompileFunc, name, src string) string {
	t.Helper()
	var out bytes.Buffer
	ctx := vm.New(vm.WithStdout(&out))
	defer ctx.Close()
	ctx.UseCompiler(compile)
	mod, err := ctx.CompileString(name, src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := ctx.Run(mod); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.String()
}

func TestHitSkipsCompilation(t *testing.T) {
	c := openTestCache(t)
	compiles := 0
	compile := c.Compiler(countingCompiler(&compiles))
	src := "def sq(x):\n    return x * x\nprint(sq(7))\n"

	first := runWith(t, compile, "main", src)
	second := runWith(t, compile, "main", src)

	if first != "49\n" || second != first {
		t.Errorf("outputs = %q, %q, want 49 twice", first, second)
	}
	if compiles != 1 {
		t.Errorf("compiled %d times, want 1", compiles)
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", st)
	}
	if n, err := c.Len(); err != nil || n != 1 {
		t.Errorf("Len = %d, %v, want 1", n, err)
	}
}

func TestKeyDependsOnNameAndSource(t *testing.T) {
	base := Key("main", "x = 1\n")
	if Key("main", "x = 1\n") != base {
		t.Error("Key is not stable")
	}
	if Key("other", "x = 1\n") == base {
		t.Error("Key ignores the module name")
	}
	if Key("main", "x = 2\n") == base {
		t.Error("Key ignores the source")
	}
}

func TestCompileErrorsAreNotCached(t *testing.T) {
	c := openTestCache(t)
	compiles := 0
	compile := c.Compiler(countingCompiler(&compiles))

	ctx := vm.New()
	defer ctx.Close()
	for i := 0; i < 2; i++ {
		if _, err := compile(ctx, "bad", "def (:\n"); err == nil {
			t.Fatal("compile succeeded, want error")
		}
	}
	if compiles != 2 {
		t.Errorf("compiled %d times, want 2", compiles)
	}
	if n, _ := c.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestCorruptEntryFallsBack(t *testing.T) {
	c := openTestCache(t)
	src := "print('fresh')\n"
	if err := c.Put(Key("main", src), "main", []byte("not an image")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	compiles := 0
	if got := runWith(t, c.Compiler(countingCompiler(&compiles)), "main", src); got != "fresh\n" {
		t.Errorf("got %q, want fresh", got)
	}
	if compiles != 1 {
		t.Errorf("compiled %d times, want 1", compiles)
	}
}

func TestGetMissingAndClear(t *testing.T) {
	c := openTestCache(t)
	if _, err := c.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	if err := c.Put("k", "m", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := c.Get("k")
	if err != nil || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("Get = %v, %v", data, err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := c.Len(); n != 0 {
		t.Errorf("Len after Clear = %d", n)
	}
}
