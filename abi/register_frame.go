package abi

import (
	"encoding/binary"
	"errors"

	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/registry"
)

// ErrTooManyFDEs is returned by RegisterFrame when buf does not hold
// exactly one CIE and one FDE (the ABI's resolved single-FDE convention).
var ErrTooManyFDEs = errors.New("abi: __register_frame requires a buffer holding exactly one CIE and one FDE")

// RegisterFrame implements __register_frame: registers a
// single in-memory FDE's code range with the global Object Registry, the
// convention a JIT or a dynamically loaded object without its own ELF
// section uses to hand the engine unwind info directly rather than through
// LoadELF/DiscoverSelf. This engine takes the single-FDE convention
// glibc's own __register_frame uses: one call, one CIE+FDE pair, one
// Object, rather than accepting a whole section at once.
//
// buf holds exactly one CIE immediately followed by exactly one FDE
// referencing it, laid out as they would appear in an .eh_frame section.
func RegisterFrame(buf []byte, order binary.ByteOrder, pointerSize int, sectionAddr uint64) (*dwarfcfi.FrameDescriptionEntry, error) {
	pctx := dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: order,
		PointerSize: pointerSize, SectionAddr: sectionAddr,
	}
	table, err := dwarfcfi.ParseSection(buf, pctx)
	if err != nil {
		return nil, err
	}
	if len(table.CIEs) != 1 || len(table.FDEs) != 1 {
		return nil, ErrTooManyFDEs
	}
	fde := table.FDEs[0]

	registry.Global.Register(&registry.Object{
		Begin: fde.Begin, End: fde.End(), Table: table,
		Name: "__register_frame",
	})
	return fde, nil
}

// DeregisterFrame implements __deregister_frame: removes the object whose
// code range begins at begin, the value RegisterFrame's returned FDE.Begin
// identifies it by.
func DeregisterFrame(begin uint64) bool {
	return registry.Global.Deregister(begin)
}
