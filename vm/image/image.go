// Package image serializes compiled module trees so they can be stored and
// loaded into another Context without recompiling.
//
// Bytecode refers to strings by string-pool key, and keys are private to a
// Context. An image therefore carries its own string table: on capture every
// key operand is rewritten to a table index, and on load each index is
// re-interned and patched back to the loading Context's key.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chazu/upy/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is bumped whenever the image layout or the bytecode encoding
// changes. Images with another version are rejected.
const Version = 1

var (
	ErrVersionMismatch  = errors.New("image: version mismatch")
	ErrCorruptData      = errors.New("image: corrupt image data")
	ErrUnsupportedValue = errors.New("image: unsupported value")
)

const noUnit = -1

// Image is a captured module tree. Unit 0 is the root module.
type Image struct {
	Version int      `cbor:"1,keyasint"`
	Strings []string `cbor:"2,keyasint"`
	Units   []Unit   `cbor:"3,keyasint"`
}

// Unit is one module, function, or class.
type Unit struct {
	Kind     uint8    `cbor:"1,keyasint"`
	Name     string   `cbor:"2,keyasint"`
	Module   string   `cbor:"3,keyasint"`
	NParams  int      `cbor:"4,keyasint"`
	NLocals  int      `cbor:"5,keyasint"`
	Locals   []string `cbor:"6,keyasint,omitempty"`
	Bytecode []byte   `cbor:"7,keyasint"` // key operands hold string table indices
	Consts   []Const  `cbor:"8,keyasint,omitempty"`
	Members  []Member `cbor:"9,keyasint,omitempty"`
	Scope    int      `cbor:"10,keyasint"`
	Parent   int      `cbor:"11,keyasint"`
}

// Member is a named member of a unit; Key indexes the string table.
type Member struct {
	Key   uint32 `cbor:"1,keyasint"`
	Value Const  `cbor:"2,keyasint"`
}

// Const tags
const (
	tagNumber uint8 = iota
	tagString       // Index into Strings
	tagNone
	tagTrue
	tagFalse
	tagUnit // Index into Units
)

// Const is an encoded immediate, string, or unit reference.
type Const struct {
	Tag   uint8   `cbor:"1,keyasint"`
	Num   float64 `cbor:"2,keyasint,omitempty"`
	Index uint32  `cbor:"3,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Canonical mode keeps encodings deterministic, so equal trees produce
// equal bytes.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal serializes img to CBOR bytes.
func Marshal(img *Image) ([]byte, error) {
	return encMode.Marshal(img)
}

// Unmarshal deserializes an image from CBOR bytes.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, img.Version, Version)
	}
	return &img, nil
}

// Save captures mod and encodes it.
func Save(c *vm.Context, mod vm.Value) ([]byte, error) {
	img, err := Capture(c, mod)
	if err != nil {
		return nil, err
	}
	return Marshal(img)
}

// Restore decodes data and loads it into c.
func Restore(c *vm.Context, data []byte) (vm.Value, error) {
	img, err := Unmarshal(data)
	if err != nil {
		return vm.Undefined, err
	}
	return Load(c, img)
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

type writer struct {
	c       *vm.Context
	img     *Image
	units   map[vm.Value]int
	strings map[string]uint32
	queue   []vm.Value
}

// Capture records mod and every function and class reachable from it
// through constants, members, and scopes. Members must hold only numbers,
// strings, booleans, None, or other code units, which is the state of a
// module straight out of the compiler.
func Capture(c *vm.Context, mod vm.Value) (*Image, error) {
	if mod.Type() != vm.TypeModule {
		return nil, fmt.Errorf("image: capture: want module, got %s", mod.Type())
	}
	w := &writer{
		c:       c,
		img:     &Image{Version: Version},
		units:   make(map[vm.Value]int),
		strings: make(map[string]uint32),
	}
	w.registerUnit(mod)
	for i := 0; i < len(w.queue); i++ {
		u, err := w.collectUnit(w.queue[i])
		if err != nil {
			return nil, err
		}
		w.img.Units[i] = u
	}
	return w.img, nil
}

func isUnit(v vm.Value) bool {
	switch v.Type() {
	case vm.TypeModule, vm.TypeFunction, vm.TypeClass:
		return true
	}
	return false
}

func (w *writer) registerUnit(v vm.Value) int {
	if idx, ok := w.units[v]; ok {
		return idx
	}
	idx := len(w.queue)
	w.units[v] = idx
	w.queue = append(w.queue, v)
	w.img.Units = append(w.img.Units, Unit{})
	return idx
}

func (w *writer) registerString(s string) uint32 {
	if idx, ok := w.strings[s]; ok {
		return idx
	}
	idx := uint32(len(w.img.Strings))
	w.strings[s] = idx
	w.img.Strings = append(w.img.Strings, s)
	return idx
}

func (w *writer) collectUnit(v vm.Value) (Unit, error) {
	code := w.c.CodeOf(v)
	u := Unit{
		Kind:    uint8(v.Type()),
		Name:    code.Name,
		Module:  code.Module,
		NParams: code.NParams,
		NLocals: code.NLocals,
		Locals:  append([]string(nil), code.Locals...),
		Scope:   noUnit,
		Parent:  noUnit,
	}
	if isUnit(code.Scope) {
		u.Scope = w.registerUnit(code.Scope)
	}
	if p := w.c.Parent(v); isUnit(p) {
		u.Parent = w.registerUnit(p)
	}

	bc, err := w.relocateOut(code.Bytecode)
	if err != nil {
		return Unit{}, fmt.Errorf("image: %s: %w", code.Name, err)
	}
	u.Bytecode = bc

	for _, k := range code.Consts {
		enc, err := w.encodeValue(k)
		if err != nil {
			return Unit{}, fmt.Errorf("image: %s: %w", code.Name, err)
		}
		u.Consts = append(u.Consts, enc)
	}

	var merr error
	w.c.Members(v, func(key, val vm.Value) bool {
		name, _ := w.c.StringOf(key)
		enc, err := w.encodeValue(val)
		if err != nil {
			merr = fmt.Errorf("image: %s.%s: %w", code.Name, name, err)
			return false
		}
		u.Members = append(u.Members, Member{Key: w.registerString(name), Value: enc})
		return true
	})
	return u, merr
}

func (w *writer) encodeValue(v vm.Value) (Const, error) {
	switch {
	case v.IsNumber():
		return Const{Tag: tagNumber, Num: v.Float()}, nil
	case v.IsString():
		s, _ := w.c.StringOf(v)
		return Const{Tag: tagString, Index: w.registerString(s)}, nil
	case v == vm.None:
		return Const{Tag: tagNone}, nil
	case v == vm.True:
		return Const{Tag: tagTrue}, nil
	case v == vm.False:
		return Const{Tag: tagFalse}, nil
	case isUnit(v):
		return Const{Tag: tagUnit, Index: uint32(w.registerUnit(v))}, nil
	}
	return Const{}, fmt.Errorf("%w: %s", ErrUnsupportedValue, v.Type())
}

// relocateOut copies code with each pool key replaced by its string table
// index.
func (w *writer) relocateOut(code []byte) ([]byte, error) {
	out := append([]byte(nil), code...)
	var err error
	bad := vm.WalkInstructions(out, func(pc int, op vm.Opcode) bool {
		if !hasKey(op) {
			return true
		}
		idx := w.registerString(w.c.KeyText(binary.LittleEndian.Uint16(out[pc+1:])))
		if idx > 0xFFFF {
			err = fmt.Errorf("too many strings: exceeds max size of %d", 0xFFFF)
			return false
		}
		binary.LittleEndian.PutUint16(out[pc+1:], uint16(idx))
		return true
	})
	if bad >= 0 {
		return nil, fmt.Errorf("%w: invalid opcode at %d", ErrCorruptData, bad)
	}
	return out, err
}

func hasKey(op vm.Opcode) bool {
	switch op.Info().Operand {
	case vm.OperandKey, vm.OperandKeyU16:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// Load builds the units of img in c and returns the root module. The image
// is validated before anything is allocated.
func Load(c *vm.Context, img *Image) (vm.Value, error) {
	if img.Version != Version {
		return vm.Undefined, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, img.Version, Version)
	}
	if err := validate(img); err != nil {
		return vm.Undefined, err
	}

	objs := make([]vm.Value, len(img.Units))
	err := c.Protect(func() {
		keys := make([]uint16, len(img.Strings))
		for i, s := range img.Strings {
			keys[i] = c.Intern(s)
		}
		for i, u := range img.Units {
			switch vm.Type(u.Kind) {
			case vm.TypeModule:
				objs[i] = c.NewModule(u.Name)
			case vm.TypeFunction:
				objs[i] = c.NewFunction(u.Name, vm.Undefined)
			case vm.TypeClass:
				objs[i] = c.NewClass(u.Name, vm.Undefined)
			}
		}
		decode := func(k Const) vm.Value {
			switch k.Tag {
			case tagNumber:
				return vm.Number(k.Num)
			case tagString:
				return c.ForeignString(img.Strings[k.Index])
			case tagTrue:
				return vm.True
			case tagFalse:
				return vm.False
			case tagUnit:
				return objs[k.Index]
			}
			return vm.None
		}
		for i, u := range img.Units {
			obj := objs[i]
			code := c.CodeOf(obj)
			code.Module = u.Module
			code.NParams = u.NParams
			code.NLocals = u.NLocals
			code.Locals = append([]string(nil), u.Locals...)
			code.Bytecode = relocateIn(u.Bytecode, keys)
			if u.Scope != noUnit {
				code.Scope = objs[u.Scope]
			}
			code.Consts = make([]vm.Value, len(u.Consts))
			for j, k := range u.Consts {
				code.Consts[j] = decode(k)
			}
			for _, m := range u.Members {
				c.SetProp(obj, img.Strings[m.Key], decode(m.Value))
			}
			if u.Parent != noUnit {
				c.SetParent(obj, objs[u.Parent])
			}
		}
	})
	if err != nil {
		return vm.Undefined, err
	}
	return objs[0], nil
}

// relocateIn copies code with each string table index replaced by the
// loading Context's pool key.
func relocateIn(code []byte, keys []uint16) []byte {
	out := append([]byte(nil), code...)
	vm.WalkInstructions(out, func(pc int, op vm.Opcode) bool {
		if hasKey(op) {
			idx := binary.LittleEndian.Uint16(out[pc+1:])
			binary.LittleEndian.PutUint16(out[pc+1:], keys[idx])
		}
		return true
	})
	return out
}

func validate(img *Image) error {
	if len(img.Units) == 0 || vm.Type(img.Units[0].Kind) != vm.TypeModule {
		return fmt.Errorf("%w: root is not a module", ErrCorruptData)
	}
	unitRef := func(idx int) bool { return idx == noUnit || (idx >= 0 && idx < len(img.Units)) }
	checkConst := func(k Const) bool {
		switch k.Tag {
		case tagNumber, tagNone, tagTrue, tagFalse:
			return true
		case tagString:
			return int(k.Index) < len(img.Strings)
		case tagUnit:
			return int(k.Index) < len(img.Units)
		}
		return false
	}

	for i, u := range img.Units {
		switch vm.Type(u.Kind) {
		case vm.TypeModule, vm.TypeFunction, vm.TypeClass:
		default:
			return fmt.Errorf("%w: unit %d has kind %d", ErrCorruptData, i, u.Kind)
		}
		if !unitRef(u.Scope) || !unitRef(u.Parent) {
			return fmt.Errorf("%w: unit %d refers outside the image", ErrCorruptData, i)
		}
		if u.NParams < 0 || u.NLocals < u.NParams {
			return fmt.Errorf("%w: unit %d has %d params and %d locals", ErrCorruptData, i, u.NParams, u.NLocals)
		}
		for _, k := range u.Consts {
			if !checkConst(k) {
				return fmt.Errorf("%w: unit %d has a bad constant", ErrCorruptData, i)
			}
		}
		for _, m := range u.Members {
			if int(m.Key) >= len(img.Strings) || !checkConst(m.Value) {
				return fmt.Errorf("%w: unit %d has a bad member", ErrCorruptData, i)
			}
		}
		if err := checkBytecode(u, len(img.Strings)); err != nil {
			return fmt.Errorf("%w: unit %d: %s", ErrCorruptData, i, err)
		}
	}
	return nil
}

// checkBytecode verifies that every instruction decodes, key operands index
// the string table, local slots are below NLocals, and jumps land on an
// instruction boundary or the end of the code.
func checkBytecode(u Unit, nstrings int) error {
	code := u.Bytecode
	starts := make([]bool, len(code)+1)
	starts[len(code)] = true
	if pc := vm.WalkInstructions(code, func(pc int, op vm.Opcode) bool {
		starts[pc] = true
		return true
	}); pc >= 0 {
		return fmt.Errorf("invalid opcode at %d", pc)
	}

	var err error
	vm.WalkInstructions(code, func(pc int, op vm.Opcode) bool {
		switch {
		case hasKey(op):
			if int(binary.LittleEndian.Uint16(code[pc+1:])) >= nstrings {
				err = fmt.Errorf("string index out of range at %d", pc)
			}
		case op == vm.OpGetLocal || op == vm.OpSetLocal:
			if int(binary.LittleEndian.Uint16(code[pc+1:])) >= u.NLocals {
				err = fmt.Errorf("local slot out of range at %d", pc)
			}
		case isJump(op):
			target := int(int32(binary.LittleEndian.Uint32(code[pc+1:])))
			if target < 0 || target > len(code) || !starts[target] {
				err = fmt.Errorf("jump target %d out of range at %d", target, pc)
			}
		}
		return err == nil
	})
	return err
}

func isJump(op vm.Opcode) bool {
	switch op {
	case vm.OpJmp, vm.OpJmpTrue, vm.OpJmpFalse, vm.OpTry, vm.OpCatch, vm.OpNext:
		return true
	}
	return false
}
