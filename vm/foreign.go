package vm

// ---------------------------------------------------------------------------
// Foreign bridge
// ---------------------------------------------------------------------------

// ForeignFunc is a calling convention for foreign values. callee is the
// foreign value itself; its host data is available through ForeignData.
type ForeignFunc func(c *Context, callee, self Value, args []Value) (Value, error)

// ABI identifies a registered foreign calling convention.
type ABI uint16

// DefaultABI is the convention installed by SetForeignCaller.
const DefaultABI ABI = 0

type foreignABI struct {
	name string
	fn   ForeignFunc
}

type foreignHandle struct {
	abi  ABI
	data any
}

// SetForeignCaller installs fn as the default foreign calling convention.
func (c *Context) SetForeignCaller(fn ForeignFunc) {
	if len(c.abis) == 0 {
		c.abis = append(c.abis, foreignABI{name: "default"})
	}
	c.abis[DefaultABI].fn = fn
}

// RegisterForeignABI adds a named calling convention and returns its id.
// Registering an existing name replaces its function.
func (c *Context) RegisterForeignABI(name string, fn ForeignFunc) ABI {
	if len(c.abis) == 0 {
		c.abis = append(c.abis, foreignABI{name: "default"})
	}
	for i := range c.abis {
		if c.abis[i].name == name {
			c.abis[i].fn = fn
			return ABI(i)
		}
	}
	c.abis = append(c.abis, foreignABI{name: name, fn: fn})
	return ABI(len(c.abis) - 1)
}

// NewForeign wraps host data as an opaque foreign value dispatched through
// abi when called. Foreign values are never collected.
func (c *Context) NewForeign(abi ABI, data any) Value {
	c.foreign = append(c.foreign, foreignHandle{abi: abi, data: data})
	return box(TypeForeign, uint64(len(c.foreign)-1))
}

// ForeignData returns the host data of a foreign value.
func (c *Context) ForeignData(v Value) (any, bool) {
	h := c.foreignHandle(v)
	if h == nil {
		return nil, false
	}
	return h.data, true
}

func (c *Context) foreignHandle(v Value) *foreignHandle {
	if v.Type() != TypeForeign {
		return nil
	}
	i := v.Payload()
	if i >= uint64(len(c.foreign)) {
		return nil
	}
	return &c.foreign[i]
}

func (c *Context) callForeign(callee, self Value, args []Value) Value {
	h := c.foreignHandle(callee)
	if h == nil {
		c.throw(KindType, "object is not callable")
	}
	if int(h.abi) >= len(c.abis) || c.abis[h.abi].fn == nil {
		c.throw(KindRuntime, "no foreign caller")
	}
	v, err := c.abis[h.abi].fn(c, callee, self, args)
	if err != nil {
		c.ThrowError(err)
	}
	return v
}
