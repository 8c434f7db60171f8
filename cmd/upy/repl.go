package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/chazu/upy/vm"
)

const (
	primaryPrompt      = ">>> "
	continuationPrompt = "... "
)

// lineReader is satisfied by *term.Terminal and by scanReader.
type lineReader interface {
	ReadLine() (string, error)
	SetPrompt(prompt string)
}

// scanReader reads lines from a non-terminal without echoing prompts.
type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) ReadLine() (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func (r *scanReader) SetPrompt(string) {}

// newLineReader uses a raw-mode terminal with line editing when stdin is a
// tty. The returned writer must be used for output while it is active.
func newLineReader(stdin io.Reader, stdout io.Writer) (lineReader, io.Writer, func()) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		if state, err := term.MakeRaw(fd); err == nil {
			t := term.NewTerminal(struct {
				io.Reader
				io.Writer
			}{f, stdout}, primaryPrompt)
			return t, t, func() { term.Restore(fd, state) }
		}
	}
	return &scanReader{sc: bufio.NewScanner(stdin)}, stdout, func() {}
}

func runREPL(c *vm.Context, stdin io.Reader, stdout io.Writer) {
	in, out, restore := newLineReader(stdin, stdout)
	defer restore()

	saved := c.Stdout
	c.Stdout = out
	defer func() { c.Stdout = saved }()

	if _, ok := in.(*scanReader); !ok {
		fmt.Fprintln(out, "upy REPL (type 'exit' to quit, ':help' for commands)")
	}

	var block strings.Builder
	for {
		line, err := in.ReadLine()
		if err != nil {
			if block.Len() > 0 {
				evalInput(c, out, block.String())
			}
			break
		}

		if block.Len() == 0 {
			trimmed := strings.TrimSpace(line)
			switch {
			case trimmed == "":
				continue
			case trimmed == "exit" || trimmed == "quit":
				return
			case strings.HasPrefix(trimmed, ":"):
				handleREPLCommand(c, out, trimmed)
				continue
			case strings.HasSuffix(trimmed, ":"):
				// Compound statement: read until a blank line
				block.WriteString(line + "\n")
				in.SetPrompt(continuationPrompt)
				continue
			}
			evalInput(c, out, line+"\n")
			continue
		}

		if strings.TrimSpace(line) == "" {
			evalInput(c, out, block.String())
			block.Reset()
			in.SetPrompt(primaryPrompt)
			continue
		}
		block.WriteString(line + "\n")
	}
}

// evalInput runs one REPL input as its own module and publishes its
// bindings for the inputs that follow.
func evalInput(c *vm.Context, out io.Writer, src string) {
	mod, err := c.CompileString("<stdin>", src)
	if err != nil {
		reportError(out, err)
		return
	}
	_, err = c.Run(mod)
	c.Publish(mod)
	if err != nil {
		reportError(out, err)
	}
}

// handleREPLCommand handles REPL meta-commands
func handleREPLCommand(c *vm.Context, out io.Writer, cmd string) {
	switch cmd {
	case ":help", ":h", ":?":
		fmt.Fprintln(out, "REPL Commands:")
		fmt.Fprintln(out, "  :help, :h, :?     Show this help")
		fmt.Fprintln(out, "  :globals          List global names")
		fmt.Fprintln(out, "  :gc               Run a collection and show statistics")
		fmt.Fprintln(out, "  exit, quit        Exit REPL")
	case ":globals":
		fmt.Fprintln(out, strings.Join(c.GlobalNames(), " "))
	case ":gc":
		st := c.Collect()
		fmt.Fprintf(out, "marked %d, freed %d, live %d\n", st.Marked, st.Freed, st.Live)
	default:
		fmt.Fprintf(out, "Unknown command: %s (type :help)\n", cmd)
	}
}
