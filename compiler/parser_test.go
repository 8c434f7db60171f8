package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/upy/vm"
)

// compileModule compiles src and fails the test on error.
func compileModule(t *testing.T, c *vm.Context, src string) vm.Value {
	t.Helper()
	mod, err := Compile(c, "test", src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return mod
}

// disassemble renders the bytecode of v, a module, function, or class.
func disassemble(c *vm.Context, v vm.Value) string {
	return vm.Disassemble(c.CodeOf(v).Bytecode, c.KeyText)
}

func TestCompileBindsDefinitionsAtCompileTime(t *testing.T) {
	c, _ := newContext(t)
	mod := compileModule(t, c, "def f(a, b):\n    return a\nclass K:\n    pass\n")

	f := c.GetProp(mod, "f")
	if f.Type() != vm.TypeFunction {
		t.Fatalf("f = %v, want function", f.Type())
	}
	code := c.CodeOf(f)
	if code.NParams != 2 || code.Name != "f" || code.Module != "test" {
		t.Errorf("code = %+v, want f/2 in test", code)
	}
	if k := c.GetProp(mod, "K"); k.Type() != vm.TypeClass {
		t.Errorf("K = %v, want class", k.Type())
	}
}

func TestNameResolution(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    []string
		notWant []string
	}{
		{
			name:    "parameters are locals",
			src:     "def f(a):\n    return a\n",
			want:    []string{"get_local"},
			notWant: []string{"get_var"},
		},
		{
			name: "stores allocate locals",
			src:  "def f():\n    x = 1\n    return x\n",
			want: []string{"set_local", "get_local"},
		},
		{
			name:    "free names resolve at run time",
			src:     "def f():\n    return g\n",
			want:    []string{"get_var"},
			notWant: []string{"get_local"},
		},
		{
			name:    "declared globals",
			src:     "def f():\n    global n\n    n = 1\n",
			want:    []string{"set_global"},
			notWant: []string{"set_local"},
		},
		{
			name: "methods use prop_call",
			src:  "def f(o):\n    return o.m(1)\n",
			want: []string{"prop_call", "argc=1"},
		},
		{
			name: "break in try disarms",
			src:  "def f():\n    while True:\n        try:\n            break\n        except:\n            pass\n",
			want: []string{"untry", "branch"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newContext(t)
			mod := compileModule(t, c, tc.src)
			dis := disassemble(c, c.GetProp(mod, "f"))
			for _, w := range tc.want {
				if !strings.Contains(dis, w) {
					t.Errorf("missing %q in\n%s", w, dis)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(dis, w) {
					t.Errorf("unexpected %q in\n%s", w, dis)
				}
			}
		})
	}
}

func TestModuleStatementsUseVariables(t *testing.T) {
	c, _ := newContext(t)
	mod := compileModule(t, c, "x = 1\nprint(x)\n")
	dis := disassemble(c, mod)
	for _, w := range []string{"set_var", "get_var", "line", "return_void"} {
		if !strings.Contains(dis, w) {
			t.Errorf("missing %q in\n%s", w, dis)
		}
	}
	if strings.Contains(dis, "get_local") {
		t.Errorf("module code uses locals:\n%s", dis)
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		src  string
		msg  string
		line int
		col  int
	}{
		{"return 1\n", "'return' outside function", 1, 1},
		{"x = 1\nbreak\n", "'break' outside loop", 2, 1},
		{"continue\n", "'continue' outside loop", 1, 1},
		{"x = 0o17\n", "unsupported numeric literal", 1, 5},
		{"x = 3j\n", "unsupported numeric literal", 1, 5},
		{"import a.b\n", "dotted import of 'a.b' needs 'as'", 1, 8},
		{"x = 1\n    y = 2\n", "unexpected indent", 2, 5},
		{"if x:\npass\n", "expected an indented block", 2, 1},
		{"raise\n", "no active exception to re-raise", 1, 6},
		{"s = {1, 2}\n", "set literals are not supported", 1, 7},
		{"f(x=1)\n", "keyword arguments are not supported", 1, 3},
		{"def f(a=1):\n    pass\n", "default parameter values are not supported", 1, 8},
		{"def f(*a):\n    pass\n", "variadic parameters are not supported", 1, 7},
		{"def f(a, a):\n    pass\n", "duplicate argument 'a' in function definition", 1, 10},
		{"y = lambda: 1\n", "'lambda' is not supported", 1, 5},
		{"with x:\n    pass\n", "'with' is not supported", 1, 1},
		{"from m import *\n", "'import *' is not supported", 1, 15},
		{"class C(A, B):\n    pass\n", "multiple inheritance is not supported", 1, 12},
		{"x = (i for i in y)\n", "generator expressions are not supported", 1, 8},
		{"1 = 2\n", "cannot assign to expression", 1, 3},
		{"def f():\n    x = 1\n    del x\n", "cannot delete local variable 'x'", 3, 9},
		{"try:\n    pass\n", "expected 'except' or 'finally' block", 3, 1},
		{"s = 'open\n", "unterminated string literal", 1, 5},
	}

	for _, tc := range tests {
		c, _ := newContext(t)
		_, err := Compile(c, "test", tc.src)
		var verr *vm.Error
		if !errors.As(err, &verr) {
			t.Errorf("%q: got %v, want syntax error", tc.src, err)
			continue
		}
		if verr.Kind != vm.KindSyntax {
			t.Errorf("%q: kind = %v, want SyntaxError", tc.src, verr.Kind)
		}
		if verr.Message != tc.msg {
			t.Errorf("%q: message = %q, want %q", tc.src, verr.Message, tc.msg)
		}
		if verr.Line != tc.line || verr.Column != tc.col {
			t.Errorf("%q: position = %d:%d, want %d:%d", tc.src, verr.Line, verr.Column, tc.line, tc.col)
		}
		if verr.Module != "test" {
			t.Errorf("%q: module = %q, want test", tc.src, verr.Module)
		}
	}
}

func TestSizeLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("x = [")
	for i := 0; i <= maxOperand; i++ {
		sb.WriteString("0,")
	}
	sb.WriteString("]\n")

	c, _ := newContext(t)
	_, err := Compile(c, "test", sb.String())
	var verr *vm.Error
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want error", err)
	}
	want := "too many array elements: exceeds max size of 65535"
	if verr.Kind != vm.KindSyntax || verr.Message != want {
		t.Errorf("got %v %q, want %q", verr.Kind, verr.Message, want)
	}
}

func TestErrorString(t *testing.T) {
	c, _ := newContext(t)
	_, err := Compile(c, "prog", "x = 1\nreturn x\n")
	if err == nil {
		t.Fatal("Compile succeeded, want error")
	}
	if got, want := err.Error(), "prog:2:1: 'return' outside function"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
