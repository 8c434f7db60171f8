package vm

import (
	"errors"
	"io/fs"
	"strings"
)

// ---------------------------------------------------------------------------
// Module loading
// ---------------------------------------------------------------------------

// ModulePath maps a dotted module name to its file path in the module
// filesystem.
func ModulePath(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ".py"
}

func builtinImport(c *Context, _ Value, args []Value) (Value, error) {
	c.wantArgs("import", args, 1, 1)
	return c.importModule(c.stringArg("import", args, 0)), nil
}

// Import loads, runs, and caches the named module, or returns the cached
// module from an earlier import.
func (c *Context) Import(name string) (mod Value, err error) {
	mod = Undefined
	err = c.Protect(func() {
		mod = c.importModule(name)
	})
	return mod, err
}

// moduleTable returns globals.__modules__, creating it on first use.
func (c *Context) moduleTable() Value {
	if mods, ok := c.GetOwn(c.globals, c.keys.modules); ok && hasMembers(mods.Type()) {
		return mods
	}
	mods := c.NewObject()
	c.Set(c.globals, c.keys.modules, mods)
	return mods
}

func (c *Context) importModule(name string) Value {
	mods := c.moduleTable()
	key := c.ForeignString(name)
	if mod, ok := c.GetOwn(mods, key); ok {
		return mod
	}

	if c.modules == nil {
		c.throwf(KindRuntime, "module not found: %s", name)
	}
	src, err := fs.ReadFile(c.modules, ModulePath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.throwf(KindRuntime, "module not found: %s", name)
		}
		c.ThrowError(err)
	}
	if c.compile == nil {
		c.ThrowError(ErrNoCompiler)
	}
	mod, err := c.compile(c, name, string(src))
	if err != nil {
		c.ThrowError(err)
	}

	c.Set(mods, key, mod)
	loaded := false
	defer func() {
		if !loaded {
			c.Delete(mods, key)
		}
	}()
	c.callValue(mod, mod, nil)
	loaded = true
	c.log.Infof("loaded module %s", name)
	return mod
}
