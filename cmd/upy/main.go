// upy CLI - runs scripts, the REPL, the eval server, and the LSP
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/upy/cache"
	"github.com/chazu/upy/compiler"
	"github.com/chazu/upy/manifest"
	"github.com/chazu/upy/server"
	"github.com/chazu/upy/vm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// options holds the parsed command line.
type options struct {
	interactive bool
	command     string
	disassemble bool
	check       bool
	serve       bool
	lsp         bool
	useCache    bool
	verbose     int
	stackSize   int
	stats       bool
	addr        string
	script      string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("upy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.BoolVar(&o.interactive, "i", false, "Start the REPL after running the script")
	fs.StringVar(&o.command, "c", "", "Run `source` instead of a script")
	fs.BoolVar(&o.disassemble, "dis", false, "Print bytecode instead of running")
	fs.BoolVar(&o.check, "check", false, "Compile only and report errors")
	fs.BoolVar(&o.serve, "serve", false, "Start the eval server (Connect + gRPC health)")
	fs.BoolVar(&o.lsp, "lsp", false, "Start the language server on stdio")
	fs.BoolVar(&o.useCache, "cache", false, "Use the compile cache even if upy.toml leaves it off")
	fs.IntVar(&o.verbose, "v", 0, "Log verbosity (1 = info, 2 = debug)")
	fs.IntVar(&o.stackSize, "stack", 0, "Operand stack size in values")
	fs.BoolVar(&o.stats, "stats", false, "Print collector statistics after the run")
	fs.StringVar(&o.addr, "addr", "", "Eval server address (default from upy.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: upy [options] [script.py]\n\n")
		fmt.Fprintf(stderr, "Runs a script, or the entry of the nearest upy.toml, or a REPL.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  upy                      # Start REPL\n")
		fmt.Fprintf(stderr, "  upy main.py              # Run a script\n")
		fmt.Fprintf(stderr, "  upy -c 'print(1 + 2)'    # Run a one-liner\n")
		fmt.Fprintf(stderr, "  upy -dis main.py         # Show bytecode\n")
		fmt.Fprintf(stderr, "  upy -serve -addr :7411   # Start the eval server\n")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 1 {
		return nil, fmt.Errorf("at most one script, got %d", fs.NArg())
	}
	o.script = fs.Arg(0)
	return o, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	commonlog.Configure(o.verbose, nil)

	m, err := loadManifest(o.script)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if o.script == "" && o.command == "" {
		o.script = m.EntryPath()
	}

	compile := vm.CompileFunc(compiler.Compile)
	if o.useCache || m.Cache.Enabled {
		c, err := cache.Open(m.CachePath())
		if err != nil {
			fmt.Fprintf(stderr, "Warning: compile cache disabled: %v\n", err)
		} else {
			defer c.Close()
			compile = c.Compiler(compile)
		}
	}

	baseOpts := m.RuntimeOptions()
	if o.stackSize > 0 {
		baseOpts = append(baseOpts, vm.WithStackSize(o.stackSize))
	}

	switch {
	case o.serve:
		return serve(m, o, compile, baseOpts, stderr)
	case o.lsp:
		if err := server.NewLSP(vm.New(m.RuntimeOptions()...)).Run(); err != nil {
			fmt.Fprintf(stderr, "LSP error: %v\n", err)
			return 1
		}
		return 0
	}

	vmOpts := append([]vm.Option{vm.WithStdout(stdout)}, baseOpts...)
	c := vm.New(vmOpts...)
	defer c.Close()
	c.UseCompiler(compile)

	if o.command == "" && o.script == "" {
		runREPL(c, stdin, stdout)
		return 0
	}

	mod, err := compileInput(c, o)
	if err != nil {
		reportError(stderr, err)
		return 1
	}
	switch {
	case o.check:
		return 0
	case o.disassemble:
		disassemble(stdout, c, mod)
		return 0
	}

	if _, err := c.Run(mod); err != nil {
		reportError(stderr, err)
		return 1
	}
	if o.stats {
		st := c.Collect()
		fmt.Fprintf(stderr, "gc: marked %d, freed %d, live %d in %s\n", st.Marked, st.Freed, st.Live, st.Duration)
	}
	if o.interactive {
		c.Publish(mod)
		runREPL(c, stdin, stdout)
	}
	return 0
}

// loadManifest finds the upy.toml governing script, or the working
// directory. Without one, sources are looked up next to the script.
func loadManifest(script string) (*manifest.Manifest, error) {
	dir := "."
	if script != "" {
		dir = filepath.Dir(script)
	}
	m, err := manifest.FindAndLoad(dir)
	if err != nil || m != nil {
		return m, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return manifest.Default(abs), nil
}

func compileInput(c *vm.Context, o *options) (vm.Value, error) {
	if o.command != "" {
		return c.CompileString("<string>", o.command)
	}
	return c.CompileFile(o.script)
}

// reportError prints a script error as file:line:col: Kind: message.
func reportError(w io.Writer, err error) {
	var e *vm.Error
	if errors.As(err, &e) {
		msg := e.Message
		if e.Kind != vm.KindRaised {
			msg = e.Kind.String() + ": " + msg
		}
		loc := *e
		loc.Message = msg
		fmt.Fprintf(w, "%s\n", loc.Error())
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func serve(m *manifest.Manifest, o *options, compile vm.CompileFunc, vmOpts []vm.Option, stderr io.Writer) int {
	addr := m.Server.Addr
	if o.addr != "" {
		addr = o.addr
	}

	srv := server.New(server.WithCompiler(compile), server.WithVMOptions(vmOpts...))
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx, addr, m.Server.HealthAddr); err != nil {
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}
