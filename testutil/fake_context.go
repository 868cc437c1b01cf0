package testutil

import "github.com/go-eh/unwind/arch"

// FakeContext is an in-memory arch.Context for tests that need to drive
// the Frame Walker or ABI engine over a scripted call stack without a
// real captured thread, the same role a fake *testing.T helper plays for
// code that would otherwise need a live process.
type FakeContext struct {
	regs        map[uint64]uint64
	cfa         uint64
	hasCFA      bool
	retAddrReg  uint64
	pointerSize int

	// Restored records every Context Restore was called with, for tests
	// asserting that phase 2 cleanup actually transferred control.
	Restored *[]*FakeContext
}

// NewFakeContext constructs a FakeContext with retAddrReg as its
// CIE-assumed return address register and an 8-byte pointer size.
func NewFakeContext(retAddrReg uint64) *FakeContext {
	return &FakeContext{regs: map[uint64]uint64{}, retAddrReg: retAddrReg, pointerSize: 8}
}

// SetReg sets a register's value directly, for constructing a fixture
// frame's starting register state.
func (c *FakeContext) SetReg(reg uint64, v uint64) *FakeContext {
	c.regs[reg] = v
	return c
}

func (c *FakeContext) Uint64Val(reg uint64) (uint64, bool) {
	v, ok := c.regs[reg]
	return v, ok
}

func (c *FakeContext) SetUint64Val(reg uint64, v uint64) { c.regs[reg] = v }

func (c *FakeContext) CFA() (uint64, bool) { return c.cfa, c.hasCFA }
func (c *FakeContext) SetCFA(v uint64)     { c.cfa, c.hasCFA = v, true }

func (c *FakeContext) PC() uint64      { v, _ := c.Uint64Val(c.retAddrReg); return v }
func (c *FakeContext) SetPC(pc uint64) { c.SetUint64Val(c.retAddrReg, pc) }
func (c *FakeContext) SP() uint64      { v, _ := c.Uint64Val(7); return v } // rsp by convention in these fixtures
func (c *FakeContext) SetSP(sp uint64) { c.SetUint64Val(7, sp) }

func (c *FakeContext) ReturnAddressRegister() uint64 { return c.retAddrReg }
func (c *FakeContext) PointerSize() int              { return c.pointerSize }

func (c *FakeContext) Clone() arch.Context {
	regs := make(map[uint64]uint64, len(c.regs))
	for k, v := range c.regs {
		regs[k] = v
	}
	cp := *c
	cp.regs = regs
	return &cp
}

// Capture is a no-op: fixture contexts are built with SetReg, not captured
// off a real stack.
func (c *FakeContext) Capture() {}

// Restore records itself in Restored rather than touching real CPU state.
func (c *FakeContext) Restore() {
	if c.Restored != nil {
		*c.Restored = append(*c.Restored, c)
	}
}
