//go:build arm64

package arch

import "github.com/go-eh/unwind/internal/regnum"

// ARM64Context is the arm64 port's register snapshot: x0..x30 (x29 the
// frame pointer, x30 the link register), sp, and pc, indexed by DWARF
// register number. v0..v31 are not stored for the same reason amd64's xmm
// bank isn't: CFI rules this engine walks never target them.
type ARM64Context struct {
	regs [regnum.ARM64_PC + 1]uint64
	set  uint64

	cfa    uint64
	hasCFA bool
}

func NewARM64Context() *ARM64Context { return &ARM64Context{} }

func newContext() Context { return NewARM64Context() }

func (c *ARM64Context) Uint64Val(reg uint64) (uint64, bool) {
	if reg >= uint64(len(c.regs)) {
		return 0, false
	}
	return c.regs[reg], c.set&(1<<reg) != 0
}

func (c *ARM64Context) SetUint64Val(reg uint64, v uint64) {
	if reg >= uint64(len(c.regs)) {
		return
	}
	c.regs[reg] = v
	c.set |= 1 << reg
}

func (c *ARM64Context) CFA() (uint64, bool) { return c.cfa, c.hasCFA }
func (c *ARM64Context) SetCFA(v uint64)     { c.cfa, c.hasCFA = v, true }
func (c *ARM64Context) PC() uint64          { return c.regs[regnum.ARM64_PC] }
func (c *ARM64Context) SetPC(pc uint64)     { c.SetUint64Val(regnum.ARM64_PC, pc) }
func (c *ARM64Context) SP() uint64          { return c.regs[regnum.ARM64_SP] }
func (c *ARM64Context) SetSP(sp uint64)     { c.SetUint64Val(regnum.ARM64_SP, sp) }
func (c *ARM64Context) ReturnAddressRegister() uint64 { return regnum.ARM64_LR }
func (c *ARM64Context) PointerSize() int    { return 8 }

func (c *ARM64Context) Clone() Context {
	cp := *c
	return &cp
}

// captureARM64 fills x0..x30, sp and pc with the caller's current values,
// implemented in context_arm64.s.
func captureARM64(regs *[regnum.ARM64_PC + 1]uint64)

// Capture snapshots the registers of Capture's caller into c.
func (c *ARM64Context) Capture() {
	captureARM64(&c.regs)
	c.set = 1<<len(c.regs) - 1
}

// restoreARM64 loads regs into the real registers and branches to regs[pc],
// implemented in context_arm64.s. It never returns.
func restoreARM64(regs *[regnum.ARM64_PC + 1]uint64)

// Restore transfers c's register values into the CPU and resumes execution
// at c's PC. It does not return.
func (c *ARM64Context) Restore() {
	restoreARM64(&c.regs)
}
