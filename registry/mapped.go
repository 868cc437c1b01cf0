package registry

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/go-eh/unwind/internal/dwarfcfi"
)

// MappedObject is an on-disk ELF image kept memory-mapped for the lifetime
// of its registration, the on-disk counterpart to the live-process objects
// __register_frame hands in directly. Grounded on the mmap.Map(f,
// mmap.RDONLY, 0) pattern saferwall-pe's pe.New uses to avoid copying a
// whole binary into the heap just to read a few sections out of it.
type MappedObject struct {
	f    *os.File
	data mmap.MMap
}

// LoadELF memory-maps path and parses its .eh_frame section (falling back
// to .debug_frame) into a FrameTable, then registers the result under r
// keyed by the section's runtime load bias. loadBias is the difference
// between the addresses the ELF's program headers describe and where the
// image actually sits in this process's address space (0 for a
// non-PIE executable or when parsing addresses already match).
func (r *Registry) LoadELF(path string, loadBias uint64) (*MappedObject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("registry: mmap %s: %w", path, err)
	}

	ef, err := elf.NewFile(newMMapReader(data))
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("registry: parse ELF %s: %w", path, err)
	}
	defer ef.Close()

	section := ef.Section(".eh_frame")
	kind := dwarfcfi.EHFrame
	if section == nil {
		section = ef.Section(".debug_frame")
		kind = dwarfcfi.DebugFrame
	}
	if section == nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("registry: %s has no .eh_frame or .debug_frame section", path)
	}

	buf, err := section.Data()
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("registry: read %s section of %s: %w", section.Name, path, err)
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if ef.ByteOrder == binary.BigEndian {
		order = binary.BigEndian
	}

	// TODO: set TextAddr/DataAddr from the .text/.data section headers once
	// a fixture exercises DW_EH_PE_textrel/datarel pointers; no object
	// loaded through this path has needed them yet.
	pctx := dwarfcfi.ParseContext{
		Section:     kind,
		Order:       order,
		PointerSize: elfPointerSize(ef.Class),
		SectionAddr: section.Addr + loadBias,
	}
	table, err := dwarfcfi.ParseSection(buf, pctx)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("registry: parse %s in %s: %w", section.Name, path, err)
	}

	textSection := ef.Section(".text")
	begin, end := section.Addr+loadBias, section.Addr+loadBias+section.Size
	if textSection != nil {
		begin, end = textSection.Addr+loadBias, textSection.Addr+loadBias+textSection.Size
	}

	r.Register(&Object{
		Begin: begin, End: end, Table: table, Name: path,
		TextRelBase: pctx.TextAddr, DataRelBase: pctx.DataAddr,
	})

	return &MappedObject{f: f, data: data}, nil
}

// Close unmaps the backing file. The registered Object's table was parsed
// from a copy of the section's bytes, so it stays usable after Close; Close
// does not deregister it.
func (m *MappedObject) Close() error {
	if err := m.data.Unmap(); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}

func elfPointerSize(class elf.Class) int {
	if class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// mmapReader adapts an mmap.MMap (a []byte) to io.ReaderAt, which
// debug/elf.NewFile requires, without copying the mapping.
type mmapReader struct{ data []byte }

func newMMapReader(data []byte) *mmapReader { return &mmapReader{data: data} }

func (r *mmapReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, fmt.Errorf("registry: read offset %d out of range", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("registry: short read at offset %d", off)
	}
	return n, nil
}
