package vm

import (
	"math"
)

// Value represents a upy value using NaN-boxing.
//
// All values are 64-bit words. A number is stored as the raw IEEE 754 bits
// of a double. Every other value lives in the negative NaN space: the top
// 16 bits hold the tag prefix 0xFFF0 with a 4-bit type code in the low
// nibble, and the remaining 48 bits hold the payload.
//
// Encoding scheme:
//   - Number: native IEEE 754 double (NaNs are canonicalized, see Number)
//   - Heap types: tag + type + slab handle (32-bit slot, 16-bit generation)
//   - Foreign string: tag + type + string pool key
//   - Native: tag + type + index into the context's native table
//   - Foreign: tag + type + index into the context's foreign handle table
//   - Boolean: tag + type + 0 or 1
//   - None, Undefined: tag + type, no payload
type Value uint64

// NaN-boxing constants
const (
	// Sign bit set, exponent all 1s: 0xFFF0_0000_0000_0000
	tagPrefix uint64 = 0xFFF0000000000000

	// 4-bit type code in bits 48-51
	typeMask  uint64 = 0x000F000000000000
	typeShift        = 48

	// Payload mask: 48 bits for handle/key/index
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// The only NaN a Number may hold. Positive, so it never carries the
	// tag prefix.
	canonicalNaN uint64 = 0x7FF8000000000000
)

// Type is the 4-bit type code of a Value.
type Type uint8

// Value types, in tag order. TypeNumber is never encoded in a tag.
const (
	TypeNumber Type = iota
	TypeHeapString
	TypeForeignString
	TypeBoolean
	TypeFunction
	TypeNative
	TypeUndefined
	TypeNone
	TypeClass
	TypeModule
	TypeObject
	TypeArray
	TypeBuffer
	TypeForeign
)

var typeNames = [...]string{
	TypeNumber:        "number",
	TypeHeapString:    "string",
	TypeForeignString: "string",
	TypeBoolean:       "bool",
	TypeFunction:      "function",
	TypeNative:        "native",
	TypeUndefined:     "undefined",
	TypeNone:          "NoneType",
	TypeClass:         "class",
	TypeModule:        "module",
	TypeObject:        "object",
	TypeArray:         "array",
	TypeBuffer:        "buffer",
	TypeForeign:       "foreign",
}

// String returns the script-visible name of the type.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "invalid"
}

func box(t Type, payload uint64) Value {
	return Value(tagPrefix | uint64(t)<<typeShift | payload&payloadMask)
}

// Pre-defined immediate values
var (
	None      = box(TypeNone, 0)
	Undefined = box(TypeUndefined, 0)
	True      = box(TypeBoolean, 1)
	False     = box(TypeBoolean, 0)
)

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Number boxes a float64. Every NaN is folded to a single positive quiet
// NaN so arithmetic results can never alias a tagged value.
func Number(f float64) Value {
	if f != f {
		return Value(canonicalNaN)
	}
	return Value(math.Float64bits(f))
}

// Int boxes an integer as a Number.
func Int(n int) Value {
	return Number(float64(n))
}

// Bool boxes a Go bool.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Type returns the type code of v.
func (v Value) Type() Type {
	hi := uint64(v) >> typeShift
	if hi&0xFFF0 != 0xFFF0 {
		return TypeNumber
	}
	return Type(hi & 0xF)
}

// IsNumber returns true if v holds a double.
// -Inf shares the tag prefix but has type code 0, so it stays a number.
func (v Value) IsNumber() bool {
	return v.Type() == TypeNumber
}

// IsString returns true for heap and foreign strings.
func (v Value) IsString() bool {
	t := v.Type()
	return t == TypeHeapString || t == TypeForeignString
}

// IsBoolean returns true if v is True or False.
func (v Value) IsBoolean() bool { return v.Type() == TypeBoolean }

// IsNone returns true if v is None.
func (v Value) IsNone() bool { return v == None }

// IsUndefined returns true if v is the absence marker.
func (v Value) IsUndefined() bool { return v == Undefined }

// IsHeap returns true if v refers to a collector-owned object.
func (v Value) IsHeap() bool {
	switch v.Type() {
	case TypeHeapString, TypeFunction, TypeClass, TypeModule,
		TypeObject, TypeArray, TypeBuffer:
		return true
	}
	return false
}

// IsCallable returns true for every type the VM can invoke.
func (v Value) IsCallable() bool {
	switch v.Type() {
	case TypeFunction, TypeNative, TypeClass, TypeModule, TypeForeign:
		return true
	}
	return false
}

// IsInteger returns true if v is a number with no fractional part that
// fits in 32 bits.
func (v Value) IsInteger() bool {
	if !v.IsNumber() {
		return false
	}
	f := v.Float()
	return f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxUint32
}

// ---------------------------------------------------------------------------
// Extraction
// ---------------------------------------------------------------------------

// Float returns the float64 held by v. v must be a number.
func (v Value) Float() float64 {
	return math.Float64frombits(uint64(v))
}

// Int32 truncates a number to int32, the width of bitwise operators.
func (v Value) Int32() int32 {
	f := v.Float()
	if f != f || math.IsInf(f, 0) {
		return 0
	}
	return int32(int64(f))
}

// Uint32 truncates a number to uint32.
func (v Value) Uint32() uint32 {
	return uint32(v.Int32())
}

// Bool returns the boolean payload. v must be a boolean.
func (v Value) Bool() bool {
	return uint64(v)&payloadMask != 0
}

// Payload returns the 48-bit payload of a tagged value.
func (v Value) Payload() uint64 {
	return uint64(v) & payloadMask
}

// ---------------------------------------------------------------------------
// Heap handles
// ---------------------------------------------------------------------------

func refValue(t Type, slot uint32, gen uint16) Value {
	return box(t, uint64(slot)|uint64(gen)<<32)
}

func (v Value) handle() (slot uint32, gen uint16) {
	p := v.Payload()
	return uint32(p), uint16(p >> 32)
}
