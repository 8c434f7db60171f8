package vm

// Code is the compiled form of a module, function, or class body.
type Code struct {
	Name     string
	Module   string // module name, for error messages
	NParams  int
	NLocals  int
	Locals   []string // slot names, for diagnostics
	Bytecode []byte
	Consts   []Value // functions and classes defined in this unit
	Scope    Value   // enclosing compile-time scope, Undefined for modules
}

type member struct {
	key   Value
	value Value
}

// Object is a collector-owned heap node.
//
// One struct serves every heap type; which payload fields are in use
// depends on kind:
//   - Module, Function, Class: code
//   - Array: elems (len is the logical count, cap the backing size)
//   - HeapString, Buffer: bytes
//
// Members are kept in insertion order. Once an object has more than
// indexThreshold members, a text index over its string keys is built.
type Object struct {
	kind   Type
	marked bool
	slot   uint32
	gen    uint16

	members []member
	index   map[string]int
	parent  Value

	code  *Code
	elems []Value
	bytes []byte

	// UserData is opaque host data. The collector never looks at it.
	UserData any
}

const (
	indexThreshold = 8
	arrayChunk     = 8
	maxParentDepth = 256
)

// Kind returns the object's value type.
func (o *Object) Kind() Type { return o.kind }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (c *Context) alloc(kind Type) *Object {
	o, err := c.heap.alloc(kind)
	if err != nil {
		c.throwNoMemory()
	}
	return o
}

func (c *Context) ref(o *Object) Value {
	return refValue(o.kind, o.slot, o.gen)
}

// object dereferences a heap value. It returns nil for non-heap values and
// throws if a heap value refers to a collected object.
func (c *Context) object(v Value) *Object {
	if !v.IsHeap() {
		return nil
	}
	o := c.heap.deref(v)
	if o == nil {
		c.throw(KindRuntime, "stale object reference")
	}
	return o
}

// NewModule creates an empty module named name.
func (c *Context) NewModule(name string) Value {
	o := c.alloc(TypeModule)
	o.code = &Code{Name: name, Module: name, Scope: Undefined}
	return c.ref(o)
}

// NewFunction creates a function whose lexical parent is scope.
func (c *Context) NewFunction(name string, scope Value) Value {
	o := c.alloc(TypeFunction)
	o.code = &Code{Name: name, Scope: scope}
	if s := c.CodeOf(scope); s != nil {
		o.code.Module = s.Module
	}
	return c.ref(o)
}

// NewClass creates a class whose body runs in scope.
func (c *Context) NewClass(name string, scope Value) Value {
	o := c.alloc(TypeClass)
	o.code = &Code{Name: name, Scope: scope}
	if s := c.CodeOf(scope); s != nil {
		o.code.Module = s.Module
	}
	return c.ref(o)
}

// NewObject creates an empty object.
func (c *Context) NewObject() Value {
	return c.ref(c.alloc(TypeObject))
}

// checkAlloc throws "insufficient memory" when n elements or bytes exceed
// the per-value limit.
func (c *Context) checkAlloc(n int) {
	if n < 0 || n > c.maxAlloc {
		c.throwNoMemory()
	}
}

// NewArray creates an array with room for n elements and count zero.
func (c *Context) NewArray(n int) Value {
	c.checkAlloc(n)
	o := c.alloc(TypeArray)
	if n > 0 {
		o.elems = make([]Value, 0, roundChunk(n))
	}
	return c.ref(o)
}

// NewString creates a heap string holding a copy of s.
func (c *Context) NewString(s string) Value {
	c.checkAlloc(len(s))
	o := c.alloc(TypeHeapString)
	o.bytes = []byte(s)
	return c.ref(o)
}

// NewBuffer creates a zeroed buffer of n bytes.
func (c *Context) NewBuffer(n int) Value {
	c.checkAlloc(n)
	o := c.alloc(TypeBuffer)
	o.bytes = make([]byte, n)
	return c.ref(o)
}

// ForeignString interns s and returns an uncollected string value that
// refers to the pool entry.
func (c *Context) ForeignString(s string) Value {
	return box(TypeForeignString, uint64(c.Intern(s)))
}

// CodeOf returns the code unit of a module, function, or class value.
func (c *Context) CodeOf(v Value) *Code {
	switch v.Type() {
	case TypeModule, TypeFunction, TypeClass:
		if o := c.heap.deref(v); o != nil {
			return o.code
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Strings and buffers
// ---------------------------------------------------------------------------

// StringOf returns the text of a string value.
func (c *Context) StringOf(v Value) (string, bool) {
	switch v.Type() {
	case TypeForeignString:
		return c.pool.Lookup(uint16(v.Payload()))
	case TypeHeapString:
		o := c.object(v)
		return string(o.bytes), true
	}
	return "", false
}

// BufferBytes returns the mutable backing bytes of a buffer or heap string.
func (c *Context) BufferBytes(v Value) []byte {
	switch v.Type() {
	case TypeBuffer, TypeHeapString:
		return c.object(v).bytes
	}
	return nil
}

func (c *Context) stringLen(v Value) int {
	if v.Type() == TypeHeapString {
		return len(c.object(v).bytes)
	}
	s, _ := c.StringOf(v)
	return len(s)
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// keyEqual compares member keys: numbers numerically, strings by content,
// everything else by identity.
func (c *Context) keyEqual(a, b Value) bool {
	if a == b {
		return true
	}
	if a.IsNumber() && b.IsNumber() {
		return a.Float() == b.Float()
	}
	if a.IsString() && b.IsString() {
		if a.Type() == TypeForeignString && b.Type() == TypeForeignString {
			return false
		}
		sa, _ := c.StringOf(a)
		sb, _ := c.StringOf(b)
		return sa == sb
	}
	return false
}

func (c *Context) findMember(o *Object, key Value) int {
	if key.IsString() {
		if o.index == nil && len(o.members) > indexThreshold {
			c.buildIndex(o)
		}
		if o.index != nil {
			text, _ := c.StringOf(key)
			if i, ok := o.index[text]; ok {
				return i
			}
			return -1
		}
	}
	for i := range o.members {
		if c.keyEqual(o.members[i].key, key) {
			return i
		}
	}
	return -1
}

func (c *Context) buildIndex(o *Object) {
	o.index = make(map[string]int, len(o.members))
	for i, m := range o.members {
		if text, ok := c.StringOf(m.key); ok {
			if _, dup := o.index[text]; !dup {
				o.index[text] = i
			}
		}
	}
}

func hasMembers(t Type) bool {
	switch t {
	case TypeObject, TypeModule, TypeClass, TypeFunction, TypeArray:
		return true
	}
	return false
}

// GetOwn looks key up on obj without consulting the parent chain.
func (c *Context) GetOwn(obj, key Value) (Value, bool) {
	if !hasMembers(obj.Type()) {
		return Undefined, false
	}
	o := c.object(obj)
	if i := c.findMember(o, key); i >= 0 {
		return o.members[i].value, true
	}
	return Undefined, false
}

// Get looks key up on obj and then along its parent chain. It returns
// Undefined when no object in the chain has the key.
func (c *Context) Get(obj, key Value) Value {
	for depth := 0; depth < maxParentDepth && hasMembers(obj.Type()); depth++ {
		o := c.object(obj)
		if i := c.findMember(o, key); i >= 0 {
			return o.members[i].value
		}
		obj = o.parent
	}
	return Undefined
}

// Set stores value under key on obj, appending a member if key is absent.
func (c *Context) Set(obj, key, value Value) {
	if !hasMembers(obj.Type()) {
		c.throwf(KindType, "'%s' object does not support attribute assignment", obj.Type())
	}
	o := c.object(obj)
	if i := c.findMember(o, key); i >= 0 {
		o.members[i].value = value
		return
	}
	o.members = append(o.members, member{key: key, value: value})
	if o.index != nil {
		if text, ok := c.StringOf(key); ok {
			o.index[text] = len(o.members) - 1
		}
	}
}

// Delete removes key from obj's own members.
func (c *Context) Delete(obj, key Value) bool {
	if !hasMembers(obj.Type()) {
		return false
	}
	o := c.object(obj)
	i := c.findMember(o, key)
	if i < 0 {
		return false
	}
	o.members = append(o.members[:i], o.members[i+1:]...)
	o.index = nil
	return true
}

// GetProp looks up a member by name.
func (c *Context) GetProp(obj Value, name string) Value {
	return c.Get(obj, c.ForeignString(name))
}

// SetProp stores a member by name.
func (c *Context) SetProp(obj Value, name string, value Value) {
	c.Set(obj, c.ForeignString(name), value)
}

// MemberCount returns the number of own members.
func (c *Context) MemberCount(obj Value) int {
	if !hasMembers(obj.Type()) {
		return 0
	}
	return len(c.object(obj).members)
}

// Members calls fn for each own member in insertion order until fn
// returns false.
func (c *Context) Members(obj Value, fn func(key, value Value) bool) {
	if !hasMembers(obj.Type()) {
		return
	}
	o := c.object(obj)
	for i := 0; i < len(o.members); i++ {
		if !fn(o.members[i].key, o.members[i].value) {
			return
		}
	}
}

// Parent returns obj's parent, or Undefined.
func (c *Context) Parent(obj Value) Value {
	if !hasMembers(obj.Type()) {
		return Undefined
	}
	return c.object(obj).parent
}

// SetParent installs parent as obj's prototype.
func (c *Context) SetParent(obj, parent Value) {
	if !hasMembers(obj.Type()) {
		c.throwf(KindType, "'%s' object cannot have a parent", obj.Type())
	}
	if parent != Undefined && parent != None {
		if t := parent.Type(); t != TypeClass && t != TypeObject {
			c.throwf(KindType, "parent must be a class or object, not '%s'", t)
		}
		for p, depth := parent, 0; hasMembers(p.Type()); depth++ {
			if p == obj || depth >= maxParentDepth {
				c.throw(KindType, "parent chain would form a cycle")
			}
			p = c.object(p).parent
		}
	} else {
		parent = Undefined
	}
	c.object(obj).parent = parent
}

// Duplicate copies obj's members into a fresh object.
func (c *Context) Duplicate(obj Value) Value {
	src := c.object(obj)
	dup := c.alloc(TypeObject)
	if src != nil {
		dup.members = make([]member, len(src.members))
		copy(dup.members, src.members)
	}
	return c.ref(dup)
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func roundChunk(n int) int {
	return (n + arrayChunk - 1) / arrayChunk * arrayChunk
}

func (c *Context) array(v Value) *Object {
	if v.Type() != TypeArray {
		c.throwf(KindType, "'%s' object is not an array", v.Type())
	}
	return c.object(v)
}

func (c *Context) growTo(o *Object, n int) {
	c.checkAlloc(n)
	if n <= cap(o.elems) {
		return
	}
	elems := make([]Value, len(o.elems), roundChunk(n))
	copy(elems, o.elems)
	o.elems = elems
}

// ArrayLen returns the logical length of an array.
func (c *Context) ArrayLen(v Value) int {
	return len(c.array(v).elems)
}

// ArrayGet returns element i, or Undefined past the end.
func (c *Context) ArrayGet(v Value, i int) Value {
	o := c.array(v)
	if i < 0 || i >= len(o.elems) {
		return Undefined
	}
	return o.elems[i]
}

// ArraySet stores element i. Writing past the end grows the array and fills
// the gap with Undefined.
func (c *Context) ArraySet(v Value, i int, value Value) {
	o := c.array(v)
	if i < 0 {
		c.throw(KindType, "array index out of range")
	}
	if i >= len(o.elems) {
		c.growTo(o, i+1)
		for len(o.elems) < i {
			o.elems = append(o.elems, Undefined)
		}
		o.elems = append(o.elems, value)
		return
	}
	o.elems[i] = value
}

// ArrayPush appends value.
func (c *Context) ArrayPush(v Value, value Value) {
	o := c.array(v)
	c.growTo(o, len(o.elems)+1)
	o.elems = append(o.elems, value)
}

// ArrayInsert inserts value before index i.
func (c *Context) ArrayInsert(v Value, i int, value Value) {
	o := c.array(v)
	if i < 0 {
		i = 0
	}
	if i >= len(o.elems) {
		c.ArrayPush(v, value)
		return
	}
	c.growTo(o, len(o.elems)+1)
	o.elems = append(o.elems, Undefined)
	copy(o.elems[i+1:], o.elems[i:])
	o.elems[i] = value
}

// ArrayDelete removes element i, shifting later elements down.
func (c *Context) ArrayDelete(v Value, i int) bool {
	o := c.array(v)
	if i < 0 || i >= len(o.elems) {
		return false
	}
	o.elems = append(o.elems[:i], o.elems[i+1:]...)
	return true
}

// ArraySize returns the capacity of the array's backing store.
func (c *Context) ArraySize(v Value) int {
	return cap(c.array(v).elems)
}

func (c *Context) arrayElems(v Value) []Value {
	return c.array(v).elems
}
