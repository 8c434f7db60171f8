package compiler

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/chazu/upy/vm"
)

func newContext(t *testing.T, opts ...vm.Option) (*vm.Context, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts = append([]vm.Option{vm.WithStdout(&out)}, opts...)
	c := vm.New(opts...)
	c.UseCompiler(Compile)
	t.Cleanup(c.Close)
	return c, &out
}

// runScript compiles and runs src as module "test" and returns its output.
func runScript(t *testing.T, src string, opts ...vm.Option) string {
	t.Helper()
	c, out := newContext(t, opts...)
	mod, err := c.CompileString("test", src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := c.Run(mod); err != nil {
		t.Fatalf("run: %v\noutput so far:\n%s", err, out.String())
	}
	return out.String()
}

// scriptError compiles and runs src and returns the error it fails with.
func scriptError(t *testing.T, src string, opts ...vm.Option) *vm.Error {
	t.Helper()
	c, _ := newContext(t, opts...)
	mod, err := c.CompileString("test", src)
	if err == nil {
		_, err = c.Run(mod)
	}
	if err == nil {
		t.Fatalf("script succeeded, want error")
	}
	var verr *vm.Error
	if !errors.As(err, &verr) {
		t.Fatalf("error %T %v, want *vm.Error", err, err)
	}
	return verr
}

func TestFunctionCall(t *testing.T) {
	src := "def f(x):\n    return x + 1\nprint(f(41))\n"
	if got := runScript(t, src); got != "42\n" {
		t.Errorf("got %q, want %q", got, "42\n")
	}
}

func TestLiterals(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"print(42)", "42"},
		{"print(3.5)", "3.5"},
		{"print(0x1F)", "31"},
		{"print(1_000)", "1000"},
		{"print(1e3)", "1000"},
		{`print('tab\there')`, "tab\there"},
		{`print("q\"d")`, `q"d`},
		{`print('ab' 'cd')`, "abcd"},
		{`print("""multi
line""")`, "multi\nline"},
		{"print(True, False, None)", "True False None"},
		{"print([1, 'a', [2]])", "[1, 'a', [2]]"},
		{"print({'k': [1]})", "{'k': [1]}"},
		{"print((1, 2))", "[1, 2]"},
		{"print(())", "[]"},
		{"print(-2 ** 2)", "-4"},
	}
	for _, tc := range tests {
		got := runScript(t, tc.src)
		if got != tc.want+"\n" {
			t.Errorf("%s: got %q, want %q", tc.src, got, tc.want+"\n")
		}
	}
}

func TestArithmetic(t *testing.T) {
	got := runScript(t, "print(7 / 2, 7 // 2, 2 ** 10, -7 % 3, 6 & 3, 6 | 1, 1 << 4)\n")
	if want := "3.5 3 1024 -1 2 7 16\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRecursion(t *testing.T) {
	src := `def fact(n):
    if n <= 1:
        return 1
    return n * fact(n - 1)
print(fact(10))
`
	if got := runScript(t, src); got != "3628800\n" {
		t.Errorf("got %q, want 3628800", got)
	}
}

func TestModuleName(t *testing.T) {
	if got := runScript(t, "print(__name__)\n"); got != "test\n" {
		t.Errorf("got %q, want test", got)
	}
}

func TestScoping(t *testing.T) {
	t.Run("module variable visible in function", func(t *testing.T) {
		src := "x = 10\ndef g():\n    return x * 2\nprint(g())\n"
		if got := runScript(t, src); got != "20\n" {
			t.Errorf("got %q, want 20", got)
		}
	})

	t.Run("locals do not leak", func(t *testing.T) {
		src := "def f():\n    y = 5\n    return y\nf()\nprint(y)\n"
		err := scriptError(t, src)
		if err.Kind != vm.KindName || err.Message != "name 'y' is not defined" {
			t.Errorf("got %v (%v), want undefined name y", err, err.Kind)
		}
		if err.Line != 5 {
			t.Errorf("line = %d, want 5", err.Line)
		}
	})

	t.Run("inner local shadows outer", func(t *testing.T) {
		src := `def outer():
    x = 1
    def inner():
        x = 2
        return x
    return inner() + x
print(outer())
`
		if got := runScript(t, src); got != "3\n" {
			t.Errorf("got %q, want 3", got)
		}
	})

	t.Run("nested def is a member", func(t *testing.T) {
		src := `def outer(n):
    def helper(k):
        return k + 1
    return helper(n) * 2
print(outer(3))
`
		if got := runScript(t, src); got != "8\n" {
			t.Errorf("got %q, want 8", got)
		}
	})

	t.Run("global declaration", func(t *testing.T) {
		src := `count = 0
def bump():
    global count
    count += 1
bump()
bump()
print(count)
`
		if got := runScript(t, src); got != "2\n" {
			t.Errorf("got %q, want 2", got)
		}
	})

	t.Run("error inside function reports its line", func(t *testing.T) {
		err := scriptError(t, "def f():\n    return missing\nf()\n")
		if err.Kind != vm.KindName || err.Line != 2 || err.Module != "test" {
			t.Errorf("got %v at %s:%d, want NameError at test:2", err.Kind, err.Module, err.Line)
		}
	})
}

func TestClosuresRejected(t *testing.T) {
	src := `def outer():
    v = 1
    def inner():
        return v
    return inner
`
	c, _ := newContext(t)
	_, err := c.CompileString("test", src)
	var verr *vm.Error
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want compile error", err)
	}
	want := "closures are not supported: 'v' is local to enclosing function 'outer'"
	if verr.Kind != vm.KindSyntax || verr.Message != want {
		t.Errorf("got %v %q, want SyntaxError %q", verr.Kind, verr.Message, want)
	}
	if verr.Line != 4 {
		t.Errorf("line = %d, want 4", verr.Line)
	}
}

func TestExceptions(t *testing.T) {
	t.Run("bare except", func(t *testing.T) {
		c, out := newContext(t)
		src := `try:
    raise 42
except:
    print("caught")
try:
    print("second")
except:
    print("bad")
`
		mod, err := c.CompileString("test", src)
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		if _, err := c.Run(mod); err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := out.String(); got != "caught\nsecond\n" {
			t.Errorf("got %q", got)
		}
		if d := c.TryDepth(); d != 0 {
			t.Errorf("try depth after run = %d, want 0", d)
		}
	})

	t.Run("class pattern with as", func(t *testing.T) {
		src := `class MyError:
    def __init__(self, msg):
        self.msg = msg
try:
    raise MyError("bad")
except MyError as e:
    print("got", e.msg)
`
		if got := runScript(t, src); got != "got bad\n" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("unmatched clause rethrows", func(t *testing.T) {
		src := `try:
    try:
        raise 1
    except "x":
        print("no")
except 1 as v:
    print("outer", v)
`
		if got := runScript(t, src); got != "outer 1\n" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("bare raise re-raises", func(t *testing.T) {
		src := `try:
    try:
        raise "inner"
    except:
        raise
except "inner":
    print("reraised")
`
		if got := runScript(t, src); got != "reraised\n" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("runtime error is catchable", func(t *testing.T) {
		src := "try:\n    1 - 'a'\nexcept:\n    print('type error')\n"
		if got := runScript(t, src); got != "type error\n" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("else runs without exception", func(t *testing.T) {
		src := "try:\n    x = 1\nexcept:\n    print('no')\nelse:\n    print('else', x)\n"
		if got := runScript(t, src); got != "else 1\n" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("unhandled", func(t *testing.T) {
		err := scriptError(t, "x = 1\ny = x - 'a'\n")
		if err.Kind != vm.KindType || err.Line != 2 {
			t.Errorf("got %v line %d, want TypeError line 2", err.Kind, err.Line)
		}
		if !strings.Contains(err.Message, "unsupported operand type(s) for -") {
			t.Errorf("message = %q", err.Message)
		}
	})
}

func TestFinally(t *testing.T) {
	src := `log = []
def f(x):
    try:
        if x:
            raise "boom"
        log.append("body")
    except:
        log.append("caught")
    finally:
        log.append("finally")
f(0)
f(1)
print(log)
`
	if got, want := runScript(t, src), "['body', 'finally', 'caught', 'finally']\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	src = `def g():
    try:
        raise "x"
    finally:
        print("cleanup")
try:
    g()
except:
    print("outer")
`
	if got, want := runScript(t, src), "cleanup\nouter\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestClasses(t *testing.T) {
	t.Run("instance shadows class", func(t *testing.T) {
		src := `class C:
    color = "red"
c = C()
c.color = "blue"
print(c.color, C.color)
d = C()
print(d.color)
C.size = 3
print(d.size)
`
		if got, want := runScript(t, src), "blue red\nred\n3\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("init and methods", func(t *testing.T) {
		src := `class Point:
    def __init__(self, x, y):
        self.x = x
        self.y = y
    def sum(self):
        return self.x + self.y
p = Point(2, 3)
print(p.sum())
`
		if got := runScript(t, src); got != "5\n" {
			t.Errorf("got %q, want 5", got)
		}
	})

	t.Run("inheritance", func(t *testing.T) {
		src := `class A:
    def hello(self):
        return "A"
    def name(self):
        return "a"
class B(A):
    def hello(self):
        return "B" + self.name()
b = B()
print(b.hello())
print(isinstance(b, A), isinstance(b, B))
`
		if got, want := runScript(t, src), "Ba\nTrue True\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("method called through class", func(t *testing.T) {
		src := `class A:
    def __init__(self, v):
        self.v = v
class B(A):
    def __init__(self, v):
        A.__init__(self, v * 2)
print(B(21).v)
`
		if got := runScript(t, src); got != "42\n" {
			t.Errorf("got %q, want 42", got)
		}
	})
}

func TestControlFlow(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "if elif else",
			src: `for n in [1, 2, 3]:
    if n == 1:
        print("one")
    elif n == 2:
        print("two")
    else:
        print("many")
`,
			want: "one\ntwo\nmany\n",
		},
		{
			name: "for break skips else",
			src: `total = 0
for i in range(10):
    if i == 5:
        break
    total += i
else:
    total = -1
print(total)
`,
			want: "10\n",
		},
		{
			name: "while else",
			src:  "n = 0\nwhile n < 3:\n    n += 1\nelse:\n    print('done', n)\n",
			want: "done 3\n",
		},
		{
			name: "continue",
			src: `out = []
for i in range(6):
    if i % 2:
        continue
    out.append(i)
print(out)
`,
			want: "[0, 2, 4]\n",
		},
		{
			name: "continue inside try disarms the frame",
			src: `count = 0
for i in range(100):
    try:
        count += 1
        continue
    except:
        pass
print(count)
`,
			want: "100\n",
		},
		{
			name: "break inside except",
			src: `while True:
    try:
        raise "stop"
    except:
        break
print("out")
`,
			want: "out\n",
		},
		{
			name: "one-line suite",
			src:  "if True: print('a'); print('b')\n",
			want: "a\nb\n",
		},
		{
			name: "iterate dict keys",
			src:  "for k in {'a': 1, 'b': 2}:\n    print(k)\n",
			want: "a\nb\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := runScript(t, tc.src); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExpressions(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "comprehensions",
			src:  "print([x * x for x in range(5) if x % 2 == 0])\nprint([a + b for a in 'ab' for b in 'xy'])\n",
			want: "[0, 4, 16]\n['ax', 'ay', 'bx', 'by']\n",
		},
		{
			name: "unpacking",
			src:  "a, b = 1, 2\na, b = b, a\nx = y = 7\nprint(a, b, x, y)\n",
			want: "2 1 7 7\n",
		},
		{
			name: "augmented attr and index",
			src: `class C:
    pass
c = C()
c.n = 1
c.n += 4
arr = [1, 2, 3]
arr[1] *= 10
d = {"k": 1}
d["k"] -= 1
print(c.n, arr, d)
`,
			want: "5 [1, 20, 3] {'k': 0}\n",
		},
		{
			name: "chained comparisons and logic",
			src:  "x = 5\nprint(1 < x < 10, 1 < x > 10, x == 5 and 'yes', 0 or 'default', not x)\n",
			want: "True False yes default False\n",
		},
		{
			name: "membership and identity",
			src:  "print(1 in [1, 2], 'b' in 'abc', None is None, 3 not in [1], 1 is not None)\n",
			want: "True True True True True\n",
		},
		{
			name: "strings and slices",
			src:  "s = 'hello'\nprint(s[1:3], s[-1], s[::-1], len(s))\nprint('a,b'.split(','), '-'.join(['x', 'y']), s.upper())\n",
			want: "el o olleh 5\n['a', 'b'] x-y HELLO\n",
		},
		{
			name: "del",
			src: `x = 1
del x
try:
    print(x)
except:
    print("gone")
o = {"a": 1, "b": 2}
del o["a"]
print(o)
`,
			want: "gone\n{'b': 2}\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := runScript(t, tc.src); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGCKeepsReachableValues(t *testing.T) {
	src := `class Box:
    pass
b = Box()
b.item = [1, 2, 3]
gc()
print(b.item)
x = [1, 2]
x = None
print(gc() > 0)
`
	if got, want := runScript(t, src), "[1, 2, 3]\nTrue\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHostCollectBetweenRuns(t *testing.T) {
	c, out := newContext(t)
	mod, err := c.CompileString("test", "def f(x):\n    return [x, 'kept']\n")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := c.Run(mod); err != nil {
		t.Fatalf("run: %v", err)
	}
	c.Collect()

	fn := c.GetProp(mod, "f")
	v, err := c.Call(fn, mod, vm.Int(1))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := c.Format(v); got != "[1, 'kept']" {
		t.Errorf("got %s, want [1, 'kept']", got)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestStackOverflow(t *testing.T) {
	src := "def r():\n    return r()\nr()\n"
	err := scriptError(t, src, vm.WithStackSize(1024))
	if err.Kind != vm.KindResource || err.Message != "stack overflow" {
		t.Errorf("got %v %q, want ResourceError stack overflow", err.Kind, err.Message)
	}

	src = "def r():\n    return r()\ntry:\n    r()\nexcept:\n    print('recovered')\n"
	if got := runScript(t, src, vm.WithStackSize(1024)); got != "recovered\n" {
		t.Errorf("got %q, want recovered", got)
	}
}

func TestDeepRecursionAtLargestStack(t *testing.T) {
	src := "def f():\n    f()\nf()\n"
	err := scriptError(t, src, vm.WithStackSize(16777216))
	if err.Kind != vm.KindResource || err.Message != "stack overflow" {
		t.Errorf("got %v %q, want ResourceError stack overflow", err.Kind, err.Message)
	}
}

func TestCallDepthLimit(t *testing.T) {
	src := `def down(n):
    if n == 0:
        return 0
    return down(n - 1)
print(down(40))
`
	if got := runScript(t, src, vm.WithMaxCallDepth(50)); got != "0\n" {
		t.Errorf("got %q, want 0", got)
	}
	err := scriptError(t, "def down(n):\n    return down(n - 1)\ndown(1)\n", vm.WithMaxCallDepth(50))
	if err.Kind != vm.KindResource || err.Message != "stack overflow" {
		t.Errorf("got %v %q, want ResourceError stack overflow", err.Kind, err.Message)
	}
}

func TestOversizedAllocations(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"array index", "a = []\na[2**60] = 1\n"},
		{"buffer", "b = buffer(2**60)\n"},
		{"array repeat", "a = [0] * (2**31)\n"},
		{"string repeat", "s = 'ab' * (2**40)\n"},
		{"range", "r = range(2**40)\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newContext(t)
			mod, err := c.CompileString("big", tc.src)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			_, err = c.Run(mod)
			var verr *vm.Error
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want *vm.Error", err)
			}
			if verr.Kind != vm.KindResource || verr.Message != "insufficient memory" {
				t.Errorf("got %v %q, want ResourceError insufficient memory", verr.Kind, verr.Message)
			}
			if c.StackDepth() != 0 {
				t.Errorf("stack depth = %d, want 0", c.StackDepth())
			}
		})
	}

	src := "try:\n    b = buffer(2**60)\nexcept:\n    print('caught')\nprint(len(buffer(4)))\n"
	if got := runScript(t, src); got != "caught\n4\n" {
		t.Errorf("got %q, want caught then 4", got)
	}
	if got := runScript(t, "print(len([0] * 8))\n", vm.WithMaxArrayLen(8)); got != "8\n" {
		t.Errorf("got %q, want 8", got)
	}
}

func TestNestingLimit(t *testing.T) {
	deep := func(open, close string, n int) string {
		return strings.Repeat(open, n) + "1" + strings.Repeat(close, n)
	}
	blocks := func(n int) string {
		var sb strings.Builder
		for i := 0; i < n; i++ {
			sb.WriteString(strings.Repeat(" ", i) + "if 1:\n")
		}
		sb.WriteString(strings.Repeat(" ", n) + "pass\n")
		return sb.String()
	}
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"parens", "x = " + deep("(", ")", 3000000) + "\n", "expression nested too deeply"},
		{"lists", "x = " + deep("[", "]", 10000) + "\n", "expression nested too deeply"},
		{"unary", "x = " + strings.Repeat("-", 100000) + "1\n", "expression nested too deeply"},
		{"not", "x = " + strings.Repeat("not ", 100000) + "1\n", "expression nested too deeply"},
		{"blocks", blocks(1000), "block nested too deeply"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newContext(t)
			_, err := c.CompileString("deep", tc.src)
			var verr *vm.Error
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want *vm.Error", err)
			}
			if verr.Kind != vm.KindSyntax || verr.Message != tc.want {
				t.Errorf("got %v %q, want SyntaxError %q", verr.Kind, verr.Message, tc.want)
			}
		})
	}

	if got := runScript(t, "print("+deep("(", ")", 50)+")\n"); got != "1\n" {
		t.Errorf("got %q, want 1", got)
	}
}

func TestInvalidUTF8Rejected(t *testing.T) {
	c, _ := newContext(t)
	_, err := c.CompileString("bad", "x\xff = 1\n")
	var verr *vm.Error
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *vm.Error", err)
	}
	if verr.Kind != vm.KindSyntax || verr.Message != "invalid character" || verr.Line != 1 || verr.Column != 2 {
		t.Errorf("got %v %q at %d:%d, want SyntaxError invalid character at 1:2", verr.Kind, verr.Message, verr.Line, verr.Column)
	}
}

func TestImport(t *testing.T) {
	fsys := fstest.MapFS{
		"util.py":     {Data: []byte("def double(x):\n    return x * 2\nname = 'util'\n")},
		"pkg/deep.py": {Data: []byte("value = 7\n")},
		"counter.py":  {Data: []byte("print('loading')\n")},
		"broken.py":   {Data: []byte("x = (\n")},
	}

	t.Run("forms", func(t *testing.T) {
		src := `import util
import pkg.deep as deep
from util import double as d, name
print(util.double(4), deep.value, d(5), name)
`
		got := runScript(t, src, vm.WithModuleFS(fsys))
		if want := "8 7 10 util\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("cached", func(t *testing.T) {
		got := runScript(t, "import counter\nimport counter\n", vm.WithModuleFS(fsys))
		if got != "loading\n" {
			t.Errorf("got %q, want one load", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		err := scriptError(t, "import nope\n", vm.WithModuleFS(fsys))
		if err.Message != "module not found: nope" {
			t.Errorf("got %q", err.Message)
		}
	})

	t.Run("syntax error in module", func(t *testing.T) {
		err := scriptError(t, "import broken\n", vm.WithModuleFS(fsys))
		if err.Kind != vm.KindSyntax || err.Module != "broken" {
			t.Errorf("got %v in %q, want SyntaxError in broken", err.Kind, err.Module)
		}
	})
}

func TestCompileFailureLeavesContextUsable(t *testing.T) {
	c, out := newContext(t)
	if _, err := c.CompileString("bad", "def f(:\n"); err == nil {
		t.Fatal("compile succeeded, want error")
	}
	mod, err := c.CompileString("good", "print('ok')\n")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := c.Run(mod); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "ok\n" {
		t.Errorf("got %q", out.String())
	}
	if c.StackDepth() != 0 {
		t.Errorf("stack depth = %d, want 0", c.StackDepth())
	}
}
