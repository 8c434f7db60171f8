// Package vm implements the upy virtual machine.
//
// This package contains:
//   - NaN-boxed value representation
//   - The string pool that interns identifiers and literals
//   - Heap objects with insertion-ordered members and prototype lookup
//   - A mark-sweep collector that runs only when asked
//   - Bytecode definitions and the stack interpreter
//   - Try frames and the host error boundary
//   - Built-in functions and the foreign bridge
package vm
