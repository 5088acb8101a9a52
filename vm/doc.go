// Package vm implements the Passer virtual machine.
//
// This package contains:
//   - NaN-tagged value representation
//   - The heap object model and mark/sweep collector
//   - Compiled units, bytecode and the load-time verifier
//   - Call frames, closures and captured cells
//   - Fibers and the cooperative scheduler
//   - The bytecode interpreter
//   - Pattern matching
package vm
