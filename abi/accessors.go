package abi

import (
	"github.com/go-eh/unwind/arch"
	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/registry"
)

// Frame is the engine-internal "current frame" a personality routine sees,
// the Go equivalent of the opaque `struct _Unwind_Context*` the Itanium ABI
// passes by pointer. It is valid only for the duration of one personality
// call; the engine may reuse or discard it immediately after.
type Frame struct {
	Ctx        arch.Context
	Object     *registry.Object
	FDE        *dwarfcfi.FrameDescriptionEntry
	BeforeInsn bool
}

// GetIP returns the frame's program counter (_Unwind_GetIP).
func (f *Frame) GetIP() uint64 { return f.Ctx.PC() }

// SetIP overwrites the frame's program counter; used by a personality to
// install the landing-pad address before returning InstallContext
// (_Unwind_SetIP).
func (f *Frame) SetIP(pc uint64) { f.Ctx.SetPC(pc) }

// GetCFA returns the frame's Canonical Frame Address (// _Unwind_GetCFA).
func (f *Frame) GetCFA() uint64 {
	cfa, _ := f.Ctx.CFA()
	return cfa
}

// GetGR reads a general register by DWARF number (_Unwind_GetGR).
func (f *Frame) GetGR(n uint64) uint64 {
	v, _ := f.Ctx.Uint64Val(n)
	return v
}

// SetGR writes a general register by DWARF number (_Unwind_SetGR),
// the mechanism a personality uses to place the exception pointer and
// selector into the landing pad's argument registers.
func (f *Frame) SetGR(n uint64, v uint64) { f.Ctx.SetUint64Val(n, v) }

// GetLanguageSpecificData returns the frame's LSDA pointer, and whether the
// FDE carries one at all (_Unwind_GetLanguageSpecificData).
func (f *Frame) GetLanguageSpecificData() (uint64, bool) {
	if f.FDE == nil || !f.FDE.HasLSDA {
		return 0, false
	}
	return f.FDE.LSDA, true
}

// GetRegionStart returns the start of the PC range the current FDE covers
// (_Unwind_GetRegionStart).
func (f *Frame) GetRegionStart() uint64 {
	if f.FDE == nil {
		return 0
	}
	return f.FDE.Begin
}

// GetTextRelBase returns the base DW_EH_PE_textrel-encoded values in this
// frame's object were resolved against (_Unwind_GetTextRelBase).
func (f *Frame) GetTextRelBase() uint64 {
	if f.Object == nil {
		return 0
	}
	return f.Object.TextRelBase
}

// GetDataRelBase returns the base DW_EH_PE_datarel-encoded values in this
// frame's object were resolved against (_Unwind_GetDataRelBase).
func (f *Frame) GetDataRelBase() uint64 {
	if f.Object == nil {
		return 0
	}
	return f.Object.DataRelBase
}

// GetIPInfo returns the frame's PC together with before_insn: true for
// ordinary frames (the PC is a return address, so a personality must set
// before_insn=1 for non-signal frames), false for the innermost frame and
// for a frame reached by stepping across an FDE marked as a signal frame.
func (f *Frame) GetIPInfo() (uint64, bool) {
	return f.Ctx.PC(), f.BeforeInsn
}

// FindEnclosingFunction implements _Unwind_FindEnclosingFunction: looks up
// the start of the function covering an arbitrary pc through reg, the same
// Object Registry lookup GetRegionStart uses for the frame currently being
// unwound, but for a PC a caller holds out of band (a saved return address,
// a signal context) rather than one reached by walking.
func FindEnclosingFunction(reg *registry.Registry, pc uint64) (uint64, bool) {
	obj := reg.Find(pc)
	if obj == nil {
		return 0, false
	}
	fde, err := obj.Table.FDEForPC(pc)
	if err != nil {
		return 0, false
	}
	return fde.Begin, true
}
