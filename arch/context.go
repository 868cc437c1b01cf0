// Package arch supplies the per-architecture register snapshot (the ABI's
// Register Context) the Frame Walker and ABI engine operate on, plus the
// assembly primitives that capture the executing thread's own registers and
// restore a computed set back into it.
//
// Grounded on the Arch struct delve's pkg/proc exposes per port
// (ARM64Arch/AMD64Arch in arm64_arch.go, stack.go's use of PCRegNum/
// SPRegNum/LRRegNum/RegnumToString) generalized from "describes a remote
// inferior's architecture" to "snapshots and mutates this thread's own
// registers", since this engine unwinds its own process rather than a
// ptrace'd target.
package arch

import "github.com/go-eh/unwind/internal/dwarfexpr"

// Context is a register snapshot for one unwind step. It satisfies
// dwarfexpr.RegisterReader so CFI/DWARF expressions can read registers
// directly while the Frame Walker drives Step.
type Context interface {
	dwarfexpr.RegisterReader

	// SetUint64Val stores a new value for a DWARF-numbered register. The
	// Frame Walker calls this once per register rule while building a
	// caller's Context from the callee's.
	SetUint64Val(dwarfReg uint64, v uint64)

	// CFA returns the Canonical Frame Address the Frame Walker computed for
	// this frame, and whether one has been set yet (a freshly captured
	// innermost Context has none until Step resolves its CIE's CFA rule).
	CFA() (uint64, bool)
	SetCFA(v uint64)

	// PC/SP are the two registers every port needs fast, DWARF-number-free
	// access to; loong64 in particular tracks PC out of band
	// (regnum.Loong64PC is not a real DWARF register).
	PC() uint64
	SetPC(pc uint64)
	SP() uint64
	SetSP(sp uint64)

	// ReturnAddressRegister is the DWARF register number the active CIE's
	// return_address_register field names, which Step reads back out of
	// the computed caller row to get the caller's PC.
	ReturnAddressRegister() uint64

	// PointerSize is the architecture's native pointer width in bytes.
	PointerSize() int

	// Clone returns an independent copy. The Frame Walker builds each
	// caller Context by cloning the callee's and overwriting only the
	// registers the CFI row gives rules for (registers with no
	// rule keep the callee's value — "same value" is the default, not
	// zero).
	Clone() Context

	// Capture snapshots the registers of Capture's caller into this
	// Context, establishing the innermost frame the Frame Walker steps
	// outward from.
	Capture()

	// Restore transfers this Context's register values into the CPU and
	// resumes execution at its PC (the final act of Phase 2
	// cleanup, "having restored the frame's register state, resumes
	// execution at the installed landing pad"). It does not return.
	Restore()
}

// New constructs a fresh, zeroed Context for the architecture this binary
// was built for. Exactly one of context_amd64.go, context_arm64.go or
// context_loong64.go supplies it, selected by the matching build tag.
func New() Context {
	return newContext()
}
