package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI runs the command in dir and returns its exit code and output.
func runCLI(t *testing.T, dir, stdin string, args ...string) (int, string, string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunScript(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.py": "import util\nprint(util.twice(21))\n",
		"util.py": "def twice(n):\n    return n * 2\n",
	})

	code, out, errOut := runCLI(t, dir, "", "main.py")
	if code != 0 {
		t.Fatalf("exit %d, stderr %q", code, errOut)
	}
	if out != "42\n" {
		t.Errorf("stdout = %q, want 42", out)
	}
}

func TestRunCommand(t *testing.T) {
	code, out, _ := runCLI(t, t.TempDir(), "", "-c", "print('a', 1 + 1)")
	if code != 0 || out != "a 2\n" {
		t.Errorf("got %d %q, want 0 %q", code, out, "a 2\n")
	}
}

func TestRuntimeErrorExitCode(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"bad.py": "x = 1\nprint(nope)\n"})

	code, _, errOut := runCLI(t, dir, "", "bad.py")
	if code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if !strings.HasPrefix(errOut, "bad:2: NameError: ") {
		t.Errorf("stderr = %q, want bad:2: NameError: ...", errOut)
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ok.py":  "print('never runs')\n",
		"bad.py": "x = 1\nreturn x\n",
	})

	code, out, _ := runCLI(t, dir, "", "-check", "ok.py")
	if code != 0 || out != "" {
		t.Errorf("check ok.py = %d %q, want 0 and no output", code, out)
	}
	code, _, errOut := runCLI(t, dir, "", "-check", "bad.py")
	if code != 1 || !strings.HasPrefix(errOut, "bad:2:1: SyntaxError: ") {
		t.Errorf("check bad.py = %d %q", code, errOut)
	}
}

func TestDisassemble(t *testing.T) {
	code, out, _ := runCLI(t, t.TempDir(), "", "-dis", "-c", "def f(a):\n    return a\nprint(f(1))\n")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, want := range []string{"== module <string>", "== function f (params 1, locals 1) ==", "get_local", "return"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestManifestEntryAndLimits(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"upy.toml":   "[source]\ndirs = [\"src\"]\nentry = \"src/app.py\"\n",
		"src/app.py": "import lib\nlib.hello()\n",
		"src/lib.py": "def hello():\n    print('from entry')\n",
	})

	code, out, errOut := runCLI(t, dir, "")
	if code != 0 {
		t.Fatalf("exit %d, stderr %q", code, errOut)
	}
	if out != "from entry\n" {
		t.Errorf("stdout = %q", out)
	}
}

func TestCacheFlag(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"upy.toml": "[cache]\npath = \"c.db\"\n",
		"main.py":  "print('cached')\n",
	})
	for i := 0; i < 2; i++ {
		code, out, errOut := runCLI(t, dir, "", "-cache", "main.py")
		if code != 0 || out != "cached\n" {
			t.Fatalf("run %d: %d %q %q", i, code, out, errOut)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "c.db")); err != nil {
		t.Errorf("cache database not created: %v", err)
	}
}

func TestREPL(t *testing.T) {
	input := strings.Join([]string{
		"x = 5",
		"def sq(n):",
		"    return n * n",
		"",
		"print(sq(x))",
		"print(missing)",
		"print('still here')",
		"exit",
		"print('unreachable')",
	}, "\n")

	code, out, _ := runCLI(t, t.TempDir(), input)
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	want := []string{"25\n", "NameError", "still here\n"}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("REPL output %q missing %q", out, w)
		}
	}
	if strings.Contains(out, "unreachable") {
		t.Error("REPL kept reading after exit")
	}
}

func TestBadFlags(t *testing.T) {
	if code, _, _ := runCLI(t, t.TempDir(), "", "-nope"); code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if code, _, _ := runCLI(t, t.TempDir(), "", "a.py", "b.py"); code != 2 {
		t.Errorf("two scripts: exit = %d, want 2", code)
	}
}
