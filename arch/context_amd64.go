//go:build amd64

package arch

import "github.com/go-eh/unwind/internal/regnum"

// AMD64Context is the amd64 port's register snapshot: the sixteen GPRs plus
// rip, indexed by DWARF register number. xmm0..xmm15 are allocated in the
// DWARF numbering (regnum.AMD64MaxRegNum) but this engine never needs their
// contents since no CFI rule in practice targets them for frame recovery, so
// they are not stored.
type AMD64Context struct {
	regs [regnum.AMD64_Rip + 1]uint64
	set  uint32 // bitset, one bit per GPR/rip index

	cfa    uint64
	hasCFA bool
}

func NewAMD64Context() *AMD64Context { return &AMD64Context{} }

func newContext() Context { return NewAMD64Context() }

func (c *AMD64Context) Uint64Val(reg uint64) (uint64, bool) {
	if reg >= uint64(len(c.regs)) {
		return 0, false
	}
	return c.regs[reg], c.set&(1<<reg) != 0
}

func (c *AMD64Context) SetUint64Val(reg uint64, v uint64) {
	if reg >= uint64(len(c.regs)) {
		return
	}
	c.regs[reg] = v
	c.set |= 1 << reg
}

func (c *AMD64Context) CFA() (uint64, bool)  { return c.cfa, c.hasCFA }
func (c *AMD64Context) SetCFA(v uint64)      { c.cfa, c.hasCFA = v, true }
func (c *AMD64Context) PC() uint64           { return c.regs[regnum.AMD64_Rip] }
func (c *AMD64Context) SetPC(pc uint64)      { c.SetUint64Val(regnum.AMD64_Rip, pc) }
func (c *AMD64Context) SP() uint64           { return c.regs[regnum.AMD64_Rsp] }
func (c *AMD64Context) SetSP(sp uint64)      { c.SetUint64Val(regnum.AMD64_Rsp, sp) }
func (c *AMD64Context) ReturnAddressRegister() uint64 { return regnum.AMD64_Rip }
func (c *AMD64Context) PointerSize() int     { return 8 }

func (c *AMD64Context) Clone() Context {
	cp := *c
	return &cp
}

// captureAMD64 fills the sixteen GPRs and rip with the caller's current
// values, implemented in context_amd64.s. rip is recovered from the return
// address on entry, matching how _Unwind_Backtrace's first frame is always
// the caller of the function that raised the exception.
func captureAMD64(regs *[regnum.AMD64_Rip + 1]uint64)

// Capture snapshots the registers of Capture's caller into c, establishing
// the innermost Context the Frame Walker steps outward from.
func (c *AMD64Context) Capture() {
	captureAMD64(&c.regs)
	c.set = 1<<len(c.regs) - 1
}

// restoreAMD64 loads regs into the real CPU registers and jumps to regs[rip],
// implemented in context_amd64.s. It never returns to its caller.
func restoreAMD64(regs *[regnum.AMD64_Rip + 1]uint64)

// Restore transfers c's register values into the CPU and resumes execution
// at c's PC, the final act of Phase 2 cleanup ("having restored
// the frame's register state, resumes execution at the installed landing
// pad"). It does not return.
func (c *AMD64Context) Restore() {
	restoreAMD64(&c.regs)
}
