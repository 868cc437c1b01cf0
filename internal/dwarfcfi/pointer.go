package dwarfcfi

import (
	"encoding/binary"
	"fmt"

	"github.com/go-eh/unwind/internal/dwarfbits"
)

// Pointer encoding byte (DW_EH_PE_*), per LSB 3.0 §10.5. The high nibble
// selects the application (how the value is relative to something), the low
// nibble selects the storage format.
const (
	peOmit = 0xff

	peFormatMask = 0x0f
	peAbsPtr     = 0x00
	peULeb128    = 0x01
	peUData2     = 0x02
	peUData4     = 0x03
	peUData8     = 0x04
	peSigned     = 0x08
	peSLeb128    = 0x09
	peSData2     = 0x0a
	peSData4     = 0x0b
	peSData8     = 0x0c

	peApplMask   = 0x70
	peApplPCRel  = 0x10
	peApplTextRel = 0x20
	peApplDataRel = 0x30
	peApplFuncRel = 0x40
	peApplAligned = 0x50

	peIndirect = 0x80
)

// PointerContext supplies the bases pointer-encoded fields are relative to.
// Every field is only required by the encodings that use it.
type PointerContext struct {
	Order      binary.ByteOrder
	PCRelBase  uint64 // address of the reader's first byte; the field's address is this plus the reader's position
	TextRelBase uint64
	DataRelBase uint64
	FuncRelBase uint64
	PointerSize int
	ReadMemory  func(buf []byte, addr uint64) (int, error) // used for the indirect bit
}

// readEncodedPointer decodes one pointer-encoded value from r, per the
// encoding byte enc. Pointer encodings (DW_EH_PE_*) must be honoured
// including PC-relative, text-relative, data-relative, and indirect forms;
// indirect reads one pointer-sized value from the computed address.
func readEncodedPointer(r *dwarfbits.Reader, enc byte, ctx PointerContext) (uint64, error) {
	if enc == peOmit {
		return 0, nil
	}

	fieldAddr := ctx.PCRelBase + uint64(r.Pos)
	var v uint64
	var err error

	switch enc & peFormatMask {
	case peAbsPtr:
		v, err = r.UintN(ctx.PointerSize)
	case peULeb128:
		v, err = r.ULEB128()
	case peUData2:
		var x uint16
		x, err = r.U16(ctx.Order)
		v = uint64(x)
	case peUData4:
		var x uint32
		x, err = r.U32(ctx.Order)
		v = uint64(x)
	case peUData8:
		v, err = r.U64(ctx.Order)
	case peSLeb128:
		var x int64
		x, err = r.SLEB128()
		v = uint64(x)
	case peSData2:
		var x uint16
		x, err = r.U16(ctx.Order)
		v = uint64(int64(int16(x)))
	case peSData4:
		var x uint32
		x, err = r.U32(ctx.Order)
		v = uint64(int64(int32(x)))
	case peSData8:
		v, err = r.U64(ctx.Order)
	default:
		return 0, fmt.Errorf("dwarfcfi: unsupported pointer format %#x", enc&peFormatMask)
	}
	if err != nil {
		return 0, err
	}

	switch enc & peApplMask {
	case 0:
		// absolute, nothing to add
	case peApplPCRel:
		v += fieldAddr
	case peApplTextRel:
		v += ctx.TextRelBase
	case peApplDataRel:
		v += ctx.DataRelBase
	case peApplFuncRel:
		v += ctx.FuncRelBase
	case peApplAligned:
		align := uint64(ctx.PointerSize)
		v = (fieldAddr + align - 1) &^ (align - 1)
	default:
		return 0, fmt.Errorf("dwarfcfi: unsupported pointer application %#x", enc&peApplMask)
	}

	if enc&peIndirect != 0 {
		if ctx.ReadMemory == nil {
			return 0, fmt.Errorf("dwarfcfi: indirect pointer encoding without a memory reader")
		}
		buf := make([]byte, ctx.PointerSize)
		if _, err := ctx.ReadMemory(buf, v); err != nil {
			return 0, fmt.Errorf("dwarfcfi: indirect read at %#x: %w", v, err)
		}
		v, err = dwarfbits.NewReader(buf).UintN(ctx.PointerSize)
		if err != nil {
			return 0, err
		}
	}

	return v, nil
}
