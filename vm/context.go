package vm

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/tliron/commonlog"
)

// DefaultStackSize is the operand stack capacity used when no option
// overrides it.
const DefaultStackSize = 16384

// DefaultMaxArrayLen is the largest array, string, or buffer a script may
// create unless WithMaxArrayLen overrides it.
const DefaultMaxArrayLen = 1 << 24

// DefaultMaxCallDepth bounds nested calls. Each script call also nests Go
// frames, so the bound holds regardless of the operand stack size.
const DefaultMaxCallDepth = 2000

// highWaterRatio is the fraction of the stack a frame may start below.
const highWaterRatio = 0.8

// unbound marks a local slot that has not been assigned. It shares the
// Undefined type code so it never escapes as a distinct script type.
var unbound = box(TypeUndefined, 1)

// CompileFunc compiles source text into a callable module value.
type CompileFunc func(c *Context, name, source string) (Value, error)

// Context is one upy runtime: an operand stack, a string pool, a heap, and
// the globals object. A Context is not safe for concurrent use.
type Context struct {
	stack     []Value
	sp        int
	highWater int

	pool *StringPool
	heap *heap

	globals Value
	scope   Value

	handlers []tryFrame
	maxTry   int
	caught   *Signaled

	running  []*Object
	depth    int
	maxDepth int
	maxAlloc int

	natives []nativeEntry
	abis    []foreignABI
	foreign []foreignHandle

	pinned      map[Value]int
	protos      []Value
	stringProto Value
	arrayProto  Value
	nextNative  Value

	gcPaused int
	lastGC   GCStats

	compile CompileFunc
	modules fs.FS

	// Stdout receives the output of print and show.
	Stdout io.Writer

	log commonlog.Logger

	line   int
	module string

	noMemory Value
	keys     wellKnownKeys
}

// wellKnownKeys are the member names the VM itself looks up.
type wellKnownKeys struct {
	init, next, object, count, finished, modules, message, imp Value
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

type config struct {
	stackSize  int
	maxDepth   int
	maxTry     int
	maxPages   int
	maxObjects int
	maxAlloc   int
	stdout     io.Writer
	modules    fs.FS
	log        commonlog.Logger
	noBuiltins bool
}

// Option configures a Context.
type Option func(*config)

// WithStackSize sets the operand stack capacity in values.
func WithStackSize(n int) Option {
	return func(c *config) { c.stackSize = n }
}

// WithMaxTryDepth bounds the number of nested try frames.
func WithMaxTryDepth(n int) Option {
	return func(c *config) { c.maxTry = n }
}

// WithMaxStringPages bounds the number of string pool pages.
func WithMaxStringPages(n int) Option {
	return func(c *config) { c.maxPages = n }
}

// WithMaxObjects bounds the number of simultaneously live heap objects.
// Zero means unlimited.
func WithMaxObjects(n int) Option {
	return func(c *config) { c.maxObjects = n }
}

// WithMaxArrayLen bounds the element count of a single array and the byte
// length of a single string or buffer.
func WithMaxArrayLen(n int) Option {
	return func(c *config) { c.maxAlloc = n }
}

// WithMaxCallDepth bounds the number of nested script calls.
func WithMaxCallDepth(n int) Option {
	return func(c *config) { c.maxDepth = n }
}

// WithStdout redirects print and show.
func WithStdout(w io.Writer) Option {
	return func(c *config) { c.stdout = w }
}

// WithModuleFS sets the filesystem that import loads modules from.
func WithModuleFS(fsys fs.FS) Option {
	return func(c *config) { c.modules = fsys }
}

// WithLogger replaces the default "upy.vm" logger.
func WithLogger(log commonlog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithoutBuiltins leaves globals empty.
func WithoutBuiltins() Option {
	return func(c *config) { c.noBuiltins = true }
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// New creates a Context with its globals populated by the built-ins.
func New(opts ...Option) *Context {
	cfg := config{
		stackSize: DefaultStackSize,
		maxDepth:  DefaultMaxCallDepth,
		maxTry:    DefaultMaxTryDepth,
		maxPages:  DefaultMaxPoolPages,
		maxAlloc:  DefaultMaxArrayLen,
		stdout:    os.Stdout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.stackSize < 16 {
		cfg.stackSize = 16
	}
	if cfg.maxTry <= 0 {
		cfg.maxTry = DefaultMaxTryDepth
	}
	if cfg.maxDepth <= 0 {
		cfg.maxDepth = DefaultMaxCallDepth
	}
	if cfg.maxAlloc <= 0 {
		cfg.maxAlloc = DefaultMaxArrayLen
	}
	if cfg.log == nil {
		cfg.log = commonlog.GetLogger("upy.vm")
	}

	c := &Context{
		stack:     make([]Value, cfg.stackSize),
		highWater: int(float64(cfg.stackSize) * highWaterRatio),
		pool:      NewStringPool(cfg.maxPages),
		heap:      newHeap(cfg.maxObjects),
		handlers:  make([]tryFrame, 0, cfg.maxTry),
		maxTry:    cfg.maxTry,
		maxDepth:  cfg.maxDepth,
		maxAlloc:  cfg.maxAlloc,
		pinned:    make(map[Value]int),
		modules:   cfg.modules,
		Stdout:    cfg.stdout,
		log:       cfg.log,
		scope:     Undefined,
	}
	c.nextNative = Undefined
	c.noMemory = c.mustForeign(ErrHeapExhausted.Error())
	c.keys = wellKnownKeys{
		init:     c.mustForeign("__init__"),
		next:     c.mustForeign("__next__"),
		object:   c.mustForeign("__object__"),
		count:    c.mustForeign("__count__"),
		finished: c.mustForeign("__finished__"),
		modules:  c.mustForeign("__modules__"),
		message:  c.mustForeign("message"),
		imp:      c.mustForeign("import"),
	}

	// The root objects must fit even under a tight object limit.
	saved := c.heap.max
	c.heap.max = 0
	c.globals = c.NewModule("__main__")
	c.stringProto = c.NewObject()
	c.arrayProto = c.NewObject()
	c.protos = []Value{c.stringProto, c.arrayProto}
	c.heap.max = saved

	if !cfg.noBuiltins {
		c.installBuiltins()
	}
	return c
}

func (c *Context) mustForeign(s string) Value {
	key, err := c.pool.Insert(s)
	if err != nil {
		panic(fmt.Sprintf("vm: string pool cannot hold %q", s))
	}
	return box(TypeForeignString, uint64(key))
}

// Close releases the stack, the string pool, and the heap. The Context
// must not be used afterwards.
func (c *Context) Close() {
	c.stack = nil
	c.sp = 0
	c.pool = nil
	c.heap = nil
	c.pinned = nil
	c.running = nil
	c.handlers = nil
}

// Logger returns the Context's logger.
func (c *Context) Logger() commonlog.Logger { return c.log }

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// Push pushes v onto the shared operand stack.
func (c *Context) Push(v Value) {
	if c.sp >= len(c.stack) {
		c.throw(KindResource, "stack overflow")
	}
	c.stack[c.sp] = v
	c.sp++
}

// Pop removes and returns the top of the stack.
func (c *Context) Pop() Value {
	if c.sp == 0 {
		c.throw(KindRuntime, "stack underflow")
	}
	c.sp--
	return c.stack[c.sp]
}

// Peek returns the value n slots below the top without removing it.
func (c *Context) Peek(n int) Value {
	if n < 0 || n >= c.sp {
		return Undefined
	}
	return c.stack[c.sp-1-n]
}

// StackDepth returns the number of values on the stack.
func (c *Context) StackDepth() int { return c.sp }

// StackSize returns the stack capacity.
func (c *Context) StackSize() int { return len(c.stack) }

// ---------------------------------------------------------------------------
// Interning
// ---------------------------------------------------------------------------

// Intern returns the pool key for s. Pool exhaustion is thrown as an
// "insufficient memory" error.
func (c *Context) Intern(s string) uint16 {
	key, err := c.pool.Insert(s)
	if err != nil {
		c.throwNoMemory()
	}
	return key
}

// KeyText returns the text for a pool key, or "" if the key is unused.
func (c *Context) KeyText(key uint16) string {
	s, _ := c.pool.Lookup(key)
	return s
}

// KeyValue returns the foreign-string value for a pool key.
func KeyValue(key uint16) Value {
	return box(TypeForeignString, uint64(key))
}

// Pool exposes the string pool for statistics.
func (c *Context) Pool() *StringPool { return c.pool }

// ---------------------------------------------------------------------------
// Globals and natives
// ---------------------------------------------------------------------------

// Globals returns the globals object.
func (c *Context) Globals() Value { return c.globals }

// Scope returns the current top-level scope, the module most recently
// compiled or run from the host.
func (c *Context) Scope() Value { return c.scope }

// RegisterNatives installs fns into globals under their map keys.
func (c *Context) RegisterNatives(fns map[string]NativeFunc) {
	for _, name := range sortedNames(fns) {
		c.SetProp(c.globals, name, c.NewNative(name, fns[name]))
	}
}

func sortedNames(fns map[string]NativeFunc) []string {
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GlobalNames returns the names bound in globals, in insertion order.
func (c *Context) GlobalNames() []string {
	var names []string
	c.Members(c.globals, func(k, _ Value) bool {
		if s, ok := c.StringOf(k); ok {
			names = append(names, s)
		}
		return true
	})
	return names
}

// Publish copies the bindings of mod, other than __name__, into globals.
// Interactive hosts use it so later inputs see earlier definitions.
func (c *Context) Publish(mod Value) error {
	return c.Protect(func() {
		c.Members(mod, func(k, v Value) bool {
			if name, ok := c.StringOf(k); ok && name != "__name__" {
				c.Set(c.globals, k, v)
			}
			return true
		})
	})
}

// ---------------------------------------------------------------------------
// Compilation
// ---------------------------------------------------------------------------

// UseCompiler installs the compiler used by CompileString, CompileFile,
// and import.
func (c *Context) UseCompiler(fn CompileFunc) { c.compile = fn }

// Compiler returns the installed compiler, or nil.
func (c *Context) Compiler() CompileFunc { return c.compile }

// CompileString compiles source into a module named name.
func (c *Context) CompileString(name, source string) (Value, error) {
	if c.compile == nil {
		return Undefined, ErrNoCompiler
	}
	mod, err := c.compile(c, name, source)
	if err != nil {
		return Undefined, err
	}
	c.scope = mod
	return mod, nil
}

// CompileFile reads and compiles the file at filename. The module is named
// after the file's base name without its extension.
func (c *Context) CompileFile(filename string) (Value, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return Undefined, fmt.Errorf("vm: %w", err)
	}
	name := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	return c.CompileString(name, string(src))
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Call invokes callee with the given receiver and arguments. A thrown value
// that no script handler catches is returned as an *Error.
func (c *Context) Call(callee, self Value, args ...Value) (result Value, err error) {
	result = Undefined
	err = c.Protect(func() {
		result = c.callValue(callee, self, args)
	})
	return result, err
}

// Run executes a compiled module with the module as its receiver.
func (c *Context) Run(module Value) (Value, error) {
	if module.Type() != TypeModule {
		return Undefined, fmt.Errorf("vm: Run: want module, got %s", module.Type())
	}
	c.scope = module
	return c.Call(module, module)
}

// Line returns the most recent source line marker executed.
func (c *Context) Line() int { return c.line }
