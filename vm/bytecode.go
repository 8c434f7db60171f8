package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// The first block keeps the historical numbering of the instruction set.
const (
	OpNop         Opcode = iota // no operation
	OpGetLocal                  // push local slot (u16)
	OpGetVar                    // push variable by lexical/global lookup (u16 key)
	OpGetNumber                 // push inline float64
	OpGetNone                   // push None
	OpGetTrue                   // push True
	OpGetFalse                  // push False
	OpGetString                 // push interned string (u16 key)
	OpSetLocal                  // pop into local slot (u16)
	OpSetVar                    // pop into current namespace (u16 key)
	OpAdd                       // a + b
	OpSub                       // a - b
	OpMul                       // a * b
	OpDiv                       // a / b
	OpMod                       // fmod(a, b)
	OpAnd                       // a & b
	OpOr                        // a | b
	OpXor                       // a ^ b
	OpPositive                  // +a
	OpNegative                  // -a
	OpNot                       // not a
	OpInvert                    // ~a
	OpLeftShift                 // a << b
	OpRightShift                // a >> b
	OpLogicAnd                  // a and b (value-returning)
	OpLogicOr                   // a or b (value-returning)
	OpCall                      // call with implicit receiver (u16 argc)
	OpReturn                    // return top of stack
	OpReturnVoid                // return None
	OpLt                        // a < b
	OpGt                        // a > b
	OpLtEq                      // a <= b
	OpGtEq                      // a >= b
	OpEq                        // a == b
	OpNeq                       // a != b
	OpSdn                       // swap top two
	OpSup                       // rotate top below the next two
	OpPop                       // discard top of stack
	OpDup                       // duplicate top of stack
	OpPropGet                   // replace object with member (u16 key)
	OpPropSet                   // obj.key = value, pops both (u16 key)
	OpPropCall                  // call member with explicit receiver (u16 key, u16 argc)
	OpGetArray                  // obj[index]
	OpSetArray                  // obj[index] = value, pops all three
	OpBranch                    // unresolved jump to label (u16 key + 2 reserved)
	OpBranchTrue                // unresolved pop-and-jump-if-true to label
	OpBranchFalse               // unresolved pop-and-jump-if-false to label
	OpJmp                       // jump (i32 absolute)
	OpJmpTrue                   // pop, jump if truthy (i32 absolute)
	OpJmpFalse                  // pop, jump if falsy (i32 absolute)
	OpDict                      // build object from n key/value pairs (u16)
	OpArray                     // build array from n values (u16)
	OpSelf                      // push frame receiver
	OpLine                      // source line marker (i32)
	OpLabel                     // branch target marker (u16 key)
	OpTry                       // arm a try frame resuming at i32
	OpCatch                     // match thrown value against pattern, else jump i32
	OpThrow                     // raise top of stack
	OpIter                      // wrap top of stack in an iterator
	OpNext                      // push next element, or jump i32 when exhausted
	OpImport                    // import module by name (u16 key)
	OpStop                      // end of module code

	// Extensions
	OpUntry     // disarm the innermost try frame
	OpSetGlobal // pop into the module namespace (u16 key)
	OpDup2      // duplicate top two
	OpFloorDiv  // floor(a / b)
	OpPow       // a ** b
	OpIn        // a in b
	OpIs        // a is b
	OpSlice     // obj[start:stop:step]
	OpUnpack    // replace array with its n elements, first on top (u16)
	OpAppend    // append top to the array n slots below the top (u8)
	OpInitClass // run class body; u8 flag says a base class is on the stack
	OpDelVar    // delete from current namespace (u16 key)
	OpDelProp   // delete obj.key (u16 key)
	OpDelArray  // delete obj[index]
	OpConst     // push code unit constant (u16 index)

	opCount
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes the immediate bytes that follow an opcode.
type OperandKind uint8

const (
	OperandNone   OperandKind = iota
	OperandU8                 // 1 byte
	OperandU16                // 2 bytes
	OperandKey                // 2 bytes, string pool key
	OperandKeyU16             // 2-byte key + 2-byte count
	OperandI32                // 4 bytes
	OperandF64                // 8 bytes
	OperandLabel              // 2-byte label key + 2 reserved, becomes I32
)

var operandWidth = [...]int{
	OperandNone:   0,
	OperandU8:     1,
	OperandU16:    2,
	OperandKey:    2,
	OperandKeyU16: 4,
	OperandI32:    4,
	OperandF64:    8,
	OperandLabel:  4,
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name    string
	Operand OperandKind
}

var opcodeTable = [opCount]OpcodeInfo{
	OpNop:         {"nop", OperandNone},
	OpGetLocal:    {"get_local", OperandU16},
	OpGetVar:      {"get_var", OperandKey},
	OpGetNumber:   {"get_number", OperandF64},
	OpGetNone:     {"get_none", OperandNone},
	OpGetTrue:     {"get_true", OperandNone},
	OpGetFalse:    {"get_false", OperandNone},
	OpGetString:   {"get_string", OperandKey},
	OpSetLocal:    {"set_local", OperandU16},
	OpSetVar:      {"set_var", OperandKey},
	OpAdd:         {"add", OperandNone},
	OpSub:         {"sub", OperandNone},
	OpMul:         {"mul", OperandNone},
	OpDiv:         {"div", OperandNone},
	OpMod:         {"mod", OperandNone},
	OpAnd:         {"and", OperandNone},
	OpOr:          {"or", OperandNone},
	OpXor:         {"xor", OperandNone},
	OpPositive:    {"positive", OperandNone},
	OpNegative:    {"negative", OperandNone},
	OpNot:         {"not", OperandNone},
	OpInvert:      {"invert", OperandNone},
	OpLeftShift:   {"left_shift", OperandNone},
	OpRightShift:  {"right_shift", OperandNone},
	OpLogicAnd:    {"logic_and", OperandNone},
	OpLogicOr:     {"logic_or", OperandNone},
	OpCall:        {"call", OperandU16},
	OpReturn:      {"return", OperandNone},
	OpReturnVoid:  {"return_void", OperandNone},
	OpLt:          {"lt", OperandNone},
	OpGt:          {"gt", OperandNone},
	OpLtEq:        {"lteq", OperandNone},
	OpGtEq:        {"gteq", OperandNone},
	OpEq:          {"eq", OperandNone},
	OpNeq:         {"neq", OperandNone},
	OpSdn:         {"sdn", OperandNone},
	OpSup:         {"sup", OperandNone},
	OpPop:         {"pop", OperandNone},
	OpDup:         {"dup", OperandNone},
	OpPropGet:     {"prop_get", OperandKey},
	OpPropSet:     {"prop_set", OperandKey},
	OpPropCall:    {"prop_call", OperandKeyU16},
	OpGetArray:    {"get_array", OperandNone},
	OpSetArray:    {"set_array", OperandNone},
	OpBranch:      {"branch", OperandLabel},
	OpBranchTrue:  {"branch_true", OperandLabel},
	OpBranchFalse: {"branch_false", OperandLabel},
	OpJmp:         {"jmp", OperandI32},
	OpJmpTrue:     {"jmp_true", OperandI32},
	OpJmpFalse:    {"jmp_false", OperandI32},
	OpDict:        {"dict", OperandU16},
	OpArray:       {"array", OperandU16},
	OpSelf:        {"self", OperandNone},
	OpLine:        {"line", OperandI32},
	OpLabel:       {"label", OperandU16},
	OpTry:         {"try", OperandI32},
	OpCatch:       {"catch", OperandI32},
	OpThrow:       {"throw", OperandNone},
	OpIter:        {"iter", OperandNone},
	OpNext:        {"next", OperandI32},
	OpImport:      {"import", OperandKey},
	OpStop:        {"stop", OperandNone},
	OpUntry:       {"untry", OperandNone},
	OpSetGlobal:   {"set_global", OperandKey},
	OpDup2:        {"dup2", OperandNone},
	OpFloorDiv:    {"floor_div", OperandNone},
	OpPow:         {"pow", OperandNone},
	OpIn:          {"in", OperandNone},
	OpIs:          {"is", OperandNone},
	OpSlice:       {"slice", OperandNone},
	OpUnpack:      {"unpack", OperandU16},
	OpAppend:      {"append", OperandU8},
	OpInitClass:   {"init_class", OperandU8},
	OpDelVar:      {"del_var", OperandKey},
	OpDelProp:     {"del_prop", OperandKey},
	OpDelArray:    {"del_array", OperandNone},
	OpConst:       {"const", OperandU16},
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool { return op < opCount }

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if op.Valid() {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("invalid_%02x", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string { return op.Info().Name }

// Width returns the total instruction length, opcode byte included.
func (op Opcode) Width() int {
	return 1 + operandWidth[op.Info().Operand]
}

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// resolved maps an unresolved branch to the jump it patches into.
func (op Opcode) resolved() Opcode {
	switch op {
	case OpBranch:
		return OpJmp
	case OpBranchTrue:
		return OpJmpTrue
	case OpBranchFalse:
		return OpJmpFalse
	}
	return op
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences. Jump operands are
// absolute offsets into the finished sequence.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte { return b.bytes }

// Len returns the current length.
func (b *BytecodeBuilder) Len() int { return len(b.bytes) }

// Truncate drops everything emitted at or after n.
func (b *BytecodeBuilder) Truncate(n int) { b.bytes = b.bytes[:n] }

// OpAt returns the opcode at offset n.
func (b *BytecodeBuilder) OpAt(n int) Opcode { return Opcode(b.bytes[n]) }

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitUint8 appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitUint8(op Opcode, operand uint8) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitFloat64 appends an opcode with a 64-bit float operand.
func (b *BytecodeBuilder) EmitFloat64(op Opcode, operand float64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, math.Float64bits(operand))
}

// EmitPropCall appends a PROP_CALL instruction.
func (b *BytecodeBuilder) EmitPropCall(key uint16, argc uint16) {
	b.bytes = append(b.bytes, byte(OpPropCall), byte(key), byte(key>>8), byte(argc), byte(argc>>8))
}

// EmitBranch appends an unresolved branch to the label with the given key.
func (b *BytecodeBuilder) EmitBranch(op Opcode, label uint16) {
	b.bytes = append(b.bytes, byte(op), byte(label), byte(label>>8), 0, 0)
}

// EmitLabel appends a label marker.
func (b *BytecodeBuilder) EmitLabel(label uint16) {
	b.EmitUint16(OpLabel, label)
}

// PatchInt32 overwrites the 4-byte operand at offset at.
func (b *BytecodeBuilder) PatchInt32(at int, v int32) {
	binary.LittleEndian.PutUint32(b.bytes[at:], uint32(v))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be known yet.
type Label struct {
	resolved bool
	position int
	refs     []int // operand offsets waiting for the target
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		b.PatchInt32(ref, int32(label.position))
	}
	label.refs = nil
}

// EmitJump emits a 4-byte jump-family instruction targeting label. Forward
// references reserve a placeholder and are backpatched by Mark.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	if label.resolved {
		b.EmitInt32(op, int32(label.position))
		return
	}
	b.bytes = append(b.bytes, byte(op))
	label.refs = append(label.refs, len(b.bytes))
	b.bytes = append(b.bytes, 0, 0, 0, 0)
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

func readU16(code []byte, pc int) uint16 {
	return binary.LittleEndian.Uint16(code[pc:])
}

func readI32(code []byte, pc int) int32 {
	return int32(binary.LittleEndian.Uint32(code[pc:]))
}

func readF64(code []byte, pc int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(code[pc:]))
}

// WalkInstructions calls fn with the offset and opcode of every
// instruction in code. It stops at the first invalid opcode and returns its
// offset, or -1 when the whole sequence decodes.
func WalkInstructions(code []byte, fn func(pc int, op Opcode) bool) int {
	for pc := 0; pc < len(code); {
		op := Opcode(code[pc])
		if !op.Valid() || pc+op.Width() > len(code) {
			return pc
		}
		if !fn(pc, op) {
			return -1
		}
		pc += op.Width()
	}
	return -1
}

// findLabel returns the offset just past the label marker with the given
// key, or -1.
func findLabel(code []byte, key uint16) int {
	target := -1
	WalkInstructions(code, func(pc int, op Opcode) bool {
		if op == OpLabel && readU16(code, pc+1) == key {
			target = pc + op.Width()
			return false
		}
		return true
	})
	return target
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders code one instruction per line. keyText resolves
// string pool keys; it may be nil.
func Disassemble(code []byte, keyText func(uint16) string) string {
	var sb strings.Builder
	bad := WalkInstructions(code, func(pc int, op Opcode) bool {
		sb.WriteString(disassembleInstruction(code, pc, op, keyText))
		sb.WriteByte('\n')
		return true
	})
	if bad >= 0 {
		fmt.Fprintf(&sb, "%04d  %s\n", bad, Opcode(code[bad]).Name())
	}
	return sb.String()
}

func disassembleInstruction(code []byte, pc int, op Opcode, keyText func(uint16) string) string {
	name := op.Name()
	key := func(k uint16) string {
		if keyText == nil {
			return fmt.Sprintf("#%d", k)
		}
		return fmt.Sprintf("#%d %q", k, keyText(k))
	}
	switch op.Info().Operand {
	case OperandU8:
		return fmt.Sprintf("%04d  %-12s %d", pc, name, code[pc+1])
	case OperandU16:
		return fmt.Sprintf("%04d  %-12s %d", pc, name, readU16(code, pc+1))
	case OperandKey:
		return fmt.Sprintf("%04d  %-12s %s", pc, name, key(readU16(code, pc+1)))
	case OperandKeyU16:
		return fmt.Sprintf("%04d  %-12s %s argc=%d", pc, name, key(readU16(code, pc+1)), readU16(code, pc+3))
	case OperandI32:
		return fmt.Sprintf("%04d  %-12s %d", pc, name, readI32(code, pc+1))
	case OperandF64:
		return fmt.Sprintf("%04d  %-12s %v", pc, name, readF64(code, pc+1))
	case OperandLabel:
		return fmt.Sprintf("%04d  %-12s L%d", pc, name, readU16(code, pc+1))
	}
	return fmt.Sprintf("%04d  %s", pc, name)
}
