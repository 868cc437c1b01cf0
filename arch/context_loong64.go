//go:build loong64

package arch

import "github.com/go-eh/unwind/internal/regnum"

// Loong64Context is the loong64 port's register snapshot: the 32 general
// registers r0..r31, indexed by DWARF register number, plus pc tracked
// separately since it has no DWARF register number on this target
// (regnum.Loong64PC; the CIE's return_address_register is always
// regnum.Loong64_RA instead). Floating registers are not stored for the
// same reason the other ports skip their vector banks.
type Loong64Context struct {
	regs   [32]uint64
	set    uint32
	pc     uint64
	havePC bool

	cfa    uint64
	hasCFA bool
}

func NewLoong64Context() *Loong64Context { return &Loong64Context{} }

func newContext() Context { return NewLoong64Context() }

func (c *Loong64Context) Uint64Val(reg uint64) (uint64, bool) {
	if reg == regnum.Loong64PC {
		return c.pc, c.havePC
	}
	if reg >= uint64(len(c.regs)) {
		return 0, false
	}
	return c.regs[reg], c.set&(1<<reg) != 0
}

func (c *Loong64Context) SetUint64Val(reg uint64, v uint64) {
	if reg == regnum.Loong64PC {
		c.pc, c.havePC = v, true
		return
	}
	if reg >= uint64(len(c.regs)) {
		return
	}
	c.regs[reg] = v
	c.set |= 1 << reg
}

func (c *Loong64Context) CFA() (uint64, bool) { return c.cfa, c.hasCFA }
func (c *Loong64Context) SetCFA(v uint64)     { c.cfa, c.hasCFA = v, true }
func (c *Loong64Context) PC() uint64          { return c.pc }
func (c *Loong64Context) SetPC(pc uint64)     { c.pc, c.havePC = pc, true }
func (c *Loong64Context) SP() uint64          { return c.regs[regnum.Loong64_SP] }
func (c *Loong64Context) SetSP(sp uint64)     { c.SetUint64Val(regnum.Loong64_SP, sp) }
func (c *Loong64Context) ReturnAddressRegister() uint64 { return regnum.Loong64_RA }
func (c *Loong64Context) PointerSize() int    { return 8 }

func (c *Loong64Context) Clone() Context {
	cp := *c
	return &cp
}

// captureLoong64Regs fills r0..r31 and pc with the caller's current values,
// implemented in context_loong64.s.
func captureLoong64Regs(regs *[32]uint64, pc *uint64)

// Capture snapshots the registers of Capture's caller into c.
func (c *Loong64Context) Capture() {
	captureLoong64Regs(&c.regs, &c.pc)
	c.set = 1<<len(c.regs) - 1
	c.havePC = true
}

// restoreLoong64Regs loads regs into the real registers and jumps to pc,
// implemented in context_loong64.s. It never returns.
func restoreLoong64Regs(regs *[32]uint64, pc uint64)

// Restore transfers c's register values into the CPU and resumes execution
// at c's PC. It does not return.
func (c *Loong64Context) Restore() {
	restoreLoong64Regs(&c.regs, c.pc)
}
