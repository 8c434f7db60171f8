package main

import (
	"fmt"
	"io"

	"github.com/chazu/upy/vm"
)

// disassemble prints the bytecode of unit and of every function and class
// it defines, depth first.
func disassemble(w io.Writer, c *vm.Context, unit vm.Value) {
	code := c.CodeOf(unit)
	if code == nil {
		return
	}
	fmt.Fprintf(w, "== %s %s (params %d, locals %d) ==\n", unit.Type(), code.Name, code.NParams, code.NLocals)
	fmt.Fprint(w, vm.Disassemble(code.Bytecode, c.KeyText))
	for _, v := range code.Consts {
		disassemble(w, c, v)
	}
}
