package vm

import (
	"testing"
)

func TestOpcodeWidths(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{OpAdd, 1},
		{OpAppend, 2},
		{OpGetVar, 3},
		{OpPropCall, 5},
		{OpJmp, 5},
		{OpBranch, 5},
		{OpGetNumber, 9},
	}
	for _, tt := range tests {
		if got := tt.op.Width(); got != tt.want {
			t.Errorf("%s.Width() = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestOpcodeTableIsComplete(t *testing.T) {
	for op := Opcode(0); op < opCount; op++ {
		if op.Info().Name == "" {
			t.Errorf("opcode %d has no name", op)
		}
	}
	if Opcode(opCount).Valid() {
		t.Error("opCount reports valid")
	}
}

func TestLabelBackpatch(t *testing.T) {
	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitJump(OpJmp, end)
	b.EmitJump(OpJmpFalse, end)
	b.Emit(OpNop)
	b.Mark(end)
	b.Emit(OpReturnVoid)

	code := b.Bytes()
	target := int32(len(code) - 1)
	if got := readI32(code, 1); got != target {
		t.Errorf("first jump target = %d, want %d", got, target)
	}
	if got := readI32(code, 6); got != target {
		t.Errorf("second jump target = %d, want %d", got, target)
	}

	// A jump to an already marked label is written directly.
	b.EmitJump(OpJmp, end)
	if got := readI32(b.Bytes(), len(code)+1); got != target {
		t.Errorf("backward jump target = %d, want %d", got, target)
	}
}

func TestFindLabel(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitFloat64(OpGetNumber, 1)
	b.EmitLabel(3)
	b.Emit(OpReturn)
	if got, want := findLabel(b.Bytes(), 3), 12; got != want {
		t.Errorf("findLabel(3) = %d, want %d", got, want)
	}
	if got := findLabel(b.Bytes(), 4); got != -1 {
		t.Errorf("findLabel(4) = %d, want -1", got)
	}
}

func TestWalkInstructionsReportsTruncation(t *testing.T) {
	b := NewBytecodeBuilder()
	b.Emit(OpPop)
	b.EmitUint16(OpGetVar, 1)
	code := b.Bytes()[:3]
	var seen []Opcode
	bad := WalkInstructions(code, func(_ int, op Opcode) bool {
		seen = append(seen, op)
		return true
	})
	if bad != 1 {
		t.Errorf("bad offset = %d, want 1", bad)
	}
	if len(seen) != 1 || seen[0] != OpPop {
		t.Errorf("visited %v, want [pop]", seen)
	}
}
