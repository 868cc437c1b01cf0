// Package dwarfcfi implements the DWARF Reader and CFI Virtual Machine:
// parsing .eh_frame/.debug_frame into CIE/FDE records and executing their
// instruction streams to produce an unwind table row for a given PC.
//
// Grounded on 1f0eaab7_pattyshack-bad__dwarf-call_frame_info.go.go's opcode
// decoder and on the CIE/FDE/DWRule vocabulary delve's pkg/dwarf/frame
// exposes to pkg/proc/stack.go (frame.FDEForPC, FrameContext, DWRule, the
// RuleXxx constants).
package dwarfcfi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-eh/unwind/internal/dwarfbits"
)

// ErrNoFDEForPC is returned by FDEForPC when no registered FDE covers pc.
// Frame Walker maps this to StepResult.EndOfStack.
type ErrNoFDEForPC struct{ PC uint64 }

func (e *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("dwarfcfi: no FDE for PC %#x", e.PC)
}

// ErrAugmentationWithoutZ is returned when a CIE's augmentation string
// contains L, P, R, S, or B without a leading 'z' ("Absence of z
// with any other augmentation is fatal").
var ErrAugmentationWithoutZ = errors.New("dwarfcfi: augmentation string has data without leading 'z'")

// Section identifies which section format governs default pointer encoding
// and entry layout (.eh_frame and .debug_frame share an instruction set and
// record shape, differing only in a few header conventions).
type Section int

const (
	EHFrame Section = iota
	DebugFrame
)

// CommonInformationEntry holds the fields of the ABI's CIE: code/data
// alignment factors, the return-address register, augmentation flags, the
// pointer encoding, and the initial CFI program establishing the base row.
type CommonInformationEntry struct {
	Offset                uint64 // byte offset of this CIE within its section, used as its identifier ("model [CIE reuse] as an identifier table, not as back-references")
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	FDEPointerEncoding    byte // encoding used by FDEs referencing this CIE for initial_location/address_range
	LSDAPointerEncoding   byte
	PersonalityEncoding   byte
	PersonalityAddress    uint64
	HasPersonality        bool
	HasAugmentationData   bool // the 'z' flag: FDEs carry a ULEB128-prefixed augmentation blob
	IsSignalFrame         bool // augmentation 'S'
	InitialInstructions   []byte
}

// FrameDescriptionEntry holds the fields of the ABI's FDE: the CIE it
// refers to, the PC range it covers, per-frame augmentation data
// (personality pointer already resolved on the CIE; LSDA here), and its own
// CFI program.
type FrameDescriptionEntry struct {
	CIE             *CommonInformationEntry
	Begin           uint64
	Size            uint64 // address_range
	LSDA            uint64
	HasLSDA         bool
	Instructions    []byte
}

func (f *FrameDescriptionEntry) End() uint64 { return f.Begin + f.Size }

// Contains reports whether pc falls in this FDE's half-open PC range.
func (f *FrameDescriptionEntry) Contains(pc uint64) bool {
	return pc >= f.Begin && pc < f.End()
}

// ParseContext supplies the bases required to resolve pointer-encoded
// fields while parsing.
type ParseContext struct {
	Section     Section
	Order       binary.ByteOrder
	PointerSize int
	// SectionAddr is the address the section is loaded at, used as the
	// DW_EH_PE_pcrel base together with each field's offset within it.
	SectionAddr uint64
	TextAddr    uint64
	DataAddr    uint64
	ReadMemory  func(buf []byte, addr uint64) (int, error)
}

// entryHeader is the length/id prefix shared by CIEs and FDEs.
type entryHeader struct {
	length     uint64
	is64       bool
	headerSize int // bytes consumed by the length+id fields
	cieIDOrPtr uint64
	bodyStart  int
	bodyEnd    int
}

func readEntryHeader(r *dwarfbits.Reader, order binary.ByteOrder) (entryHeader, bool, error) {
	if r.Remaining() < 4 {
		return entryHeader{}, false, nil
	}
	start := r.Pos
	length32, err := r.U32(order)
	if err != nil {
		return entryHeader{}, false, err
	}
	if length32 == 0 {
		// Zero-length entry: end of table.
		return entryHeader{}, false, nil
	}
	var length uint64
	is64 := false
	headerSize := 4
	if length32 == 0xffffffff {
		length, err = r.U64(order)
		if err != nil {
			return entryHeader{}, false, err
		}
		is64 = true
		headerSize = 12
	} else {
		length = uint64(length32)
	}
	bodyStart := r.Pos
	bodyEnd := start + headerSize + int(length)
	if bodyEnd > len(r.Buf) {
		return entryHeader{}, false, fmt.Errorf("dwarfcfi: entry length %d overruns section", length)
	}

	var cieIDOrPtr uint64
	if is64 {
		cieIDOrPtr, err = r.U64(order)
	} else {
		var v uint32
		v, err = r.U32(order)
		cieIDOrPtr = uint64(v)
	}
	if err != nil {
		return entryHeader{}, false, err
	}

	return entryHeader{
		length: length, is64: is64, headerSize: headerSize,
		cieIDOrPtr: cieIDOrPtr, bodyStart: bodyStart, bodyEnd: bodyEnd,
	}, true, nil
}

// isCIEID reports whether cieIDOrPtr (the field right after the length)
// identifies this entry as a CIE rather than an FDE: 0 in .eh_frame,
// 0xffffffff (or 0xffffffffffffffff for 64-bit DWARF) in .debug_frame.
func isCIEID(v uint64, is64 bool, section Section) bool {
	if section == EHFrame {
		return v == 0
	}
	if is64 {
		return v == 0xffffffffffffffff
	}
	return v == 0xffffffff
}

// ParseCIE parses a single CIE whose body (augmentation string onward)
// starts at r.Pos, already past the length/id header.
func ParseCIE(r *dwarfbits.Reader, hdr entryHeader, pctx ParseContext) (*CommonInformationEntry, error) {
	cie := &CommonInformationEntry{Offset: uint64(hdr.bodyStart - hdr.headerSize)}

	version, err := r.U8()
	if err != nil {
		return nil, err
	}
	cie.Version = version

	aug, err := r.CString()
	if err != nil {
		return nil, err
	}
	cie.Augmentation = aug

	if version >= 4 {
		// Address size and segment selector size fields (DWARF4 CIEs only).
		if _, err := r.U8(); err != nil {
			return nil, err
		}
		if _, err := r.U8(); err != nil {
			return nil, err
		}
	}

	caf, err := r.ULEB128()
	if err != nil {
		return nil, err
	}
	cie.CodeAlignmentFactor = caf

	daf, err := r.SLEB128()
	if err != nil {
		return nil, err
	}
	cie.DataAlignmentFactor = daf

	if version == 1 {
		b, err := r.U8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(b)
	} else {
		ra, err := r.ULEB128()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = ra
	}

	hasZ := len(aug) > 0 && aug[0] == 'z'
	if !hasZ {
		for _, c := range aug {
			if c == 'L' || c == 'P' || c == 'R' || c == 'S' || c == 'B' {
				return nil, ErrAugmentationWithoutZ
			}
		}
	}
	cie.HasAugmentationData = hasZ
	cie.FDEPointerEncoding = peAbsPtr
	cie.LSDAPointerEncoding = peOmit
	cie.PersonalityEncoding = peOmit

	if hasZ {
		augLen, err := r.ULEB128()
		if err != nil {
			return nil, err
		}
		augEnd := r.Pos + int(augLen)
		for _, c := range aug[1:] {
			switch c {
			case 'L':
				enc, err := r.U8()
				if err != nil {
					return nil, err
				}
				cie.LSDAPointerEncoding = enc
			case 'P':
				enc, err := r.U8()
				if err != nil {
					return nil, err
				}
				cie.PersonalityEncoding = enc
				addr, err := readEncodedPointer(r, enc, toPointerContext(pctx, r.Pos))
				if err != nil {
					return nil, err
				}
				cie.PersonalityAddress = addr
				cie.HasPersonality = true
			case 'R':
				enc, err := r.U8()
				if err != nil {
					return nil, err
				}
				cie.FDEPointerEncoding = enc
			case 'S':
				cie.IsSignalFrame = true
			case 'B':
				// BTI-landing-pad augmentation: no payload, informational only.
			}
		}
		if r.Pos != augEnd {
			r.Pos = augEnd // augmentation string characters we don't recognise are skipped, not fatal
		}
	}

	if hdr.bodyEnd < r.Pos {
		return nil, fmt.Errorf("dwarfcfi: CIE header overruns its own length")
	}
	cie.InitialInstructions = r.Buf[r.Pos:hdr.bodyEnd]
	r.Pos = hdr.bodyEnd
	return cie, nil
}

func toPointerContext(pctx ParseContext, fieldOffsetInSection int) PointerContext {
	return PointerContext{
		Order:       pctx.Order,
		PCRelBase:   pctx.SectionAddr,
		TextRelBase: pctx.TextAddr,
		DataRelBase: pctx.DataAddr,
		PointerSize: pctx.PointerSize,
		ReadMemory:  pctx.ReadMemory,
	}
}

// ParseFDE parses a single FDE whose CIE has already been parsed.
func ParseFDE(r *dwarfbits.Reader, hdr entryHeader, cie *CommonInformationEntry, pctx ParseContext) (*FrameDescriptionEntry, error) {
	fde := &FrameDescriptionEntry{CIE: cie}

	pc := toPointerContext(pctx, r.Pos)
	pc.PCRelBase = pctx.SectionAddr
	begin, err := readEncodedPointer(r, cie.FDEPointerEncoding, pc)
	if err != nil {
		return nil, fmt.Errorf("dwarfcfi: FDE initial_location: %w", err)
	}
	fde.Begin = begin

	// address_range always uses the absolute form of the FDE encoding (the
	// application bits don't apply to a length), per LSB 3.0.
	sizeEnc := cie.FDEPointerEncoding & peFormatMask
	size, err := readEncodedPointer(r, sizeEnc, toPointerContext(pctx, r.Pos))
	if err != nil {
		return nil, fmt.Errorf("dwarfcfi: FDE address_range: %w", err)
	}
	fde.Size = size

	if cie.HasAugmentationData {
		augLen, err := r.ULEB128()
		if err != nil {
			return nil, err
		}
		augEnd := r.Pos + int(augLen)
		if cie.LSDAPointerEncoding != peOmit {
			lsda, err := readEncodedPointer(r, cie.LSDAPointerEncoding, toPointerContext(pctx, r.Pos))
			if err != nil {
				return nil, fmt.Errorf("dwarfcfi: FDE LSDA pointer: %w", err)
			}
			fde.LSDA = lsda
			fde.HasLSDA = true
		}
		if r.Pos != augEnd {
			r.Pos = augEnd
		}
	}

	if hdr.bodyEnd < r.Pos {
		return nil, fmt.Errorf("dwarfcfi: FDE header overruns its own length")
	}
	fde.Instructions = r.Buf[r.Pos:hdr.bodyEnd]
	r.Pos = hdr.bodyEnd
	return fde, nil
}

// FrameTable is the result of parsing a whole .eh_frame/.debug_frame
// section: every CIE keyed by its section offset (the ABI's "identifier
// table, not back-references") and every FDE, in file order.
type FrameTable struct {
	CIEs []*CommonInformationEntry
	FDEs []*FrameDescriptionEntry
}

// ParseSection decodes every CIE/FDE in buf, stopping at the zero-length
// end marker.
func ParseSection(buf []byte, pctx ParseContext) (*FrameTable, error) {
	r := dwarfbits.NewReader(buf)
	table := &FrameTable{}
	cieByOffset := map[uint64]*CommonInformationEntry{}

	for !r.Done() {
		entryStart := r.Pos
		hdr, ok, err := readEntryHeader(r, pctx.Order)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if isCIEID(hdr.cieIDOrPtr, hdr.is64, pctx.Section) {
			cie, err := ParseCIE(r, hdr, pctx)
			if err != nil {
				return nil, fmt.Errorf("dwarfcfi: CIE at %#x: %w", entryStart, err)
			}
			cieByOffset[cie.Offset] = cie
			table.CIEs = append(table.CIEs, cie)
		} else {
			cieOffset := resolveCIEOffset(hdr, pctx.Section)
			cie, ok := cieByOffset[cieOffset]
			if !ok {
				return nil, fmt.Errorf("dwarfcfi: FDE at %#x references unknown CIE at %#x", entryStart, cieOffset)
			}
			fde, err := ParseFDE(r, hdr, cie, pctx)
			if err != nil {
				return nil, fmt.Errorf("dwarfcfi: FDE at %#x: %w", entryStart, err)
			}
			table.FDEs = append(table.FDEs, fde)
		}
		r.Pos = hdr.bodyEnd
	}
	return table, nil
}

// FDEForPC returns the FDE covering pc. Object Registry narrows the search to
// one object's table before calling this; within a table FDEs are searched
// linearly since per-object tables are small relative to a process's full
// code range (the Object Registry is what needs O(log N), not this).
func (t *FrameTable) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	for _, fde := range t.FDEs {
		if fde.Contains(pc) {
			return fde, nil
		}
	}
	return nil, &ErrNoFDEForPC{PC: pc}
}

// resolveCIEOffset turns the raw id field of an FDE into the section offset
// of its CIE: in .eh_frame it is the backward byte distance from the id
// field itself; in .debug_frame it is already an absolute section offset.
func resolveCIEOffset(hdr entryHeader, section Section) uint64 {
	if section == DebugFrame {
		return hdr.cieIDOrPtr
	}
	return uint64(hdr.bodyStart) - hdr.cieIDOrPtr
}
