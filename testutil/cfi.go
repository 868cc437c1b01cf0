// Package testutil builds hand-assembled CIE/FDE byte buffers for tests,
// grounded on delve's pkg/proc/test/support.go convention of giving tests
// their own fixture-construction helpers rather than reading real
// binaries off disk — here, fixture CFI programs are literal byte slices
// since there is no compiler in the loop to produce real object files.
package testutil

import "encoding/binary"

// DWARF CFA opcodes a fixture's instruction stream can use, mirroring the
// values internal/dwarfcfi's virtual machine dispatches on.
const (
	CFANop              = 0x00
	CFAOffsetExtended    = 0x05
	CFAUndefined         = 0x07
	CFASameValue         = 0x08
	CFARegister          = 0x09
	CFARememberState     = 0x0a
	CFARestoreState      = 0x0b
	CFADefCFA            = 0x0c
	CFADefCFARegister    = 0x0d
	CFADefCFAOffset      = 0x0e
	CFAValOffset         = 0x14
	CFAAdvanceLoc1       = 0x02
)

// advanceLocBase and offsetBase are the primary-opcode bit patterns
// combined with a 6-bit immediate (the ABI's "advance_loc"/"offset"
// compact forms).
const (
	advanceLocBase = 0x40
	offsetBase     = 0x80
	restoreBase    = 0xc0
)

// AdvanceLoc1 emits DW_CFA_advance_loc1 (a full byte delta, for deltas
// that don't fit the 6-bit compact form).
func AdvanceLoc1(delta byte) []byte { return []byte{CFAAdvanceLoc1, delta} }

// AdvanceLocCompact emits the compact DW_CFA_advance_loc form, delta in
// units of the CIE's code alignment factor, up to 63.
func AdvanceLocCompact(delta byte) []byte { return []byte{advanceLocBase | (delta & 0x3f)} }

// OffsetCompact emits the compact DW_CFA_offset form.
func OffsetCompact(reg byte, factoredOffset uint64) []byte {
	out := []byte{offsetBase | (reg & 0x3f)}
	return append(out, ULEB128(factoredOffset)...)
}

// DefCFA emits DW_CFA_def_cfa(reg, offset).
func DefCFA(reg uint64, offset uint64) []byte {
	out := []byte{CFADefCFA}
	out = append(out, ULEB128(reg)...)
	return append(out, ULEB128(offset)...)
}

// DefCFAOffset emits DW_CFA_def_cfa_offset(offset).
func DefCFAOffset(offset uint64) []byte {
	return append([]byte{CFADefCFAOffset}, ULEB128(offset)...)
}

// RememberState/RestoreState emit their respective zero-operand opcodes.
func RememberState() []byte { return []byte{CFARememberState} }
func RestoreState() []byte  { return []byte{CFARestoreState} }

// Undefined emits DW_CFA_undefined(reg).
func Undefined(reg uint64) []byte { return append([]byte{CFAUndefined}, ULEB128(reg)...) }

// cfaGNUArgsSize is DW_CFA_GNU_args_size, the GNU vendor extension in the
// lo_user opcode range.
const cfaGNUArgsSize = 0x2e

// GNUArgsSize emits DW_CFA_GNU_args_size(size).
func GNUArgsSize(size uint64) []byte { return append([]byte{cfaGNUArgsSize}, ULEB128(size)...) }

// ULEB128 encodes v as an unsigned LEB128 byte sequence.
func ULEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// SLEB128 encodes v as a signed LEB128 byte sequence.
func SLEB128(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// CIESpec describes the CIE half of a fixture table. The augmentation is
// "zR" (an absptr FDE pointer encoding, no LSDA), optionally with 'P' (an
// absptr personality pointer) and 'S' (signal frame) added; no other
// pointer encodings are produced.
type CIESpec struct {
	ReturnAddressRegister uint64
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	InitialInstructions   []byte
	SignalFrame           bool

	// HasPersonality, when true, adds a 'P' augmentation carrying
	// PersonalityAddress as an absolute 8-byte pointer, so abi package
	// tests can exercise PersonalityLookup resolution end to end.
	HasPersonality     bool
	PersonalityAddress uint64
}

// FDESpec describes the FDE half of a fixture table.
type FDESpec struct {
	Begin        uint64
	Size         uint64
	Instructions []byte
}

// SingleFDETable assembles cie and fde into one .eh_frame-shaped buffer
// holding exactly one CIE immediately followed by one FDE referencing it,
// little-endian, 8-byte pointers — the layout internal/dwarfcfi.ParseSection
// and abi.RegisterFrame both expect.
func SingleFDETable(cie CIESpec, fde FDESpec) []byte {
	order := binary.LittleEndian

	aug := "z"
	if cie.HasPersonality {
		aug += "P"
	}
	aug += "R"
	if cie.SignalFrame {
		aug += "S"
	}

	var augData []byte
	if cie.HasPersonality {
		augData = append(augData, 0x00) // DW_EH_PE_absptr for 'P'
		augData = appendUint64(augData, order, cie.PersonalityAddress)
	}
	augData = append(augData, 0x00) // DW_EH_PE_absptr for 'R'

	var cieBody []byte
	cieBody = append(cieBody, 1) // version
	cieBody = append(cieBody, []byte(aug)...)
	cieBody = append(cieBody, 0) // augmentation string NUL terminator
	cieBody = append(cieBody, ULEB128(cie.CodeAlignmentFactor)...)
	cieBody = append(cieBody, SLEB128(cie.DataAlignmentFactor)...)
	cieBody = append(cieBody, byte(cie.ReturnAddressRegister)) // version 1: single byte
	cieBody = append(cieBody, ULEB128(uint64(len(augData)))...)
	cieBody = append(cieBody, augData...)
	cieBody = append(cieBody, cie.InitialInstructions...)

	cieEntry := wrapEntry(order, 0, cieBody)

	var fdeBody []byte
	fdeBody = appendUint64(fdeBody, order, fde.Begin)
	fdeBody = appendUint64(fdeBody, order, fde.Size)
	fdeBody = append(fdeBody, ULEB128(0)...) // augmentation data length: no LSDA
	fdeBody = append(fdeBody, fde.Instructions...)

	// The FDE's id field is the backward byte distance from the id field
	// itself to the CIE's start (the ABI's eh_frame convention); since the
	// CIE is the first entry in the buffer, that distance equals the CIE
	// entry's own length plus the FDE's 4-byte length field.
	fdeIDValue := uint32(len(cieEntry) + 4)
	fdeEntry := wrapEntry(order, fdeIDValue, fdeBody)

	return append(append([]byte{}, cieEntry...), fdeEntry...)
}

// wrapEntry prefixes body with a 32-bit length field (counted from right
// after the length field itself, i.e. id+body) and the 32-bit id field.
func wrapEntry(order binary.ByteOrder, id uint32, body []byte) []byte {
	idBytes := make([]byte, 4)
	order.PutUint32(idBytes, id)

	length := uint32(len(idBytes) + len(body))
	lengthBytes := make([]byte, 4)
	order.PutUint32(lengthBytes, length)

	out := append([]byte{}, lengthBytes...)
	out = append(out, idBytes...)
	out = append(out, body...)
	return out
}

func appendUint64(buf []byte, order binary.ByteOrder, v uint64) []byte {
	b := make([]byte, 8)
	order.PutUint64(b, v)
	return append(buf, b...)
}
