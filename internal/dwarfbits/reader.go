// Package dwarfbits implements the forward-only byte-stream decoding
// (fixed-width integers, ULEB128/SLEB128) shared by the CFI program reader
// and the DWARF expression evaluator, grounded on the primitive decoder
// operations (U8/U16/U32/ULEB128/SLEB128/framePointer) used by
// 1f0eaab7_pattyshack-bad__dwarf-call_frame_info.go.go's framePointerDecoder.
package dwarfbits

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a read runs past the end of the buffer.
var ErrShortBuffer = errors.New("dwarf: truncated instruction stream")

// Reader is a forward-only cursor over a byte slice.
type Reader struct {
	Buf []byte
	Pos int
}

func NewReader(buf []byte) *Reader { return &Reader{Buf: buf} }

func (r *Reader) Done() bool { return r.Pos >= len(r.Buf) }

func (r *Reader) Remaining() int { return len(r.Buf) - r.Pos }

func (r *Reader) U8() (byte, error) {
	if r.Pos >= len(r.Buf) {
		return 0, ErrShortBuffer
	}
	v := r.Buf[r.Pos]
	r.Pos++
	return v, nil
}

func (r *Reader) U16(order binary.ByteOrder) (uint16, error) {
	if r.Pos+2 > len(r.Buf) {
		return 0, ErrShortBuffer
	}
	v := order.Uint16(r.Buf[r.Pos:])
	r.Pos += 2
	return v, nil
}

func (r *Reader) I16(order binary.ByteOrder) (int16, error) {
	v, err := r.U16(order)
	return int16(v), err
}

func (r *Reader) U32(order binary.ByteOrder) (uint32, error) {
	if r.Pos+4 > len(r.Buf) {
		return 0, ErrShortBuffer
	}
	v := order.Uint32(r.Buf[r.Pos:])
	r.Pos += 4
	return v, nil
}

func (r *Reader) U64(order binary.ByteOrder) (uint64, error) {
	if r.Pos+8 > len(r.Buf) {
		return 0, ErrShortBuffer
	}
	v := order.Uint64(r.Buf[r.Pos:])
	r.Pos += 8
	return v, nil
}

// UintN reads an n-byte little-endian unsigned integer (used for
// target-pointer-sized fields whose width is only known at runtime).
func (r *Reader) UintN(n int) (uint64, error) {
	if r.Pos+n > len(r.Buf) {
		return 0, ErrShortBuffer
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(r.Buf[r.Pos+i]) << (8 * i)
	}
	r.Pos += n
	return v, nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if r.Pos+n > len(r.Buf) {
		return nil, ErrShortBuffer
	}
	b := r.Buf[r.Pos : r.Pos+n]
	r.Pos += n
	return b, nil
}

func (r *Reader) Skip(off int) error {
	np := r.Pos + off
	if np < 0 || np > len(r.Buf) {
		return ErrShortBuffer
	}
	r.Pos = np
	return nil
}

func (r *Reader) ULEB128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.U8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

func (r *Reader) SLEB128() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.U8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && (b&0x40) != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// CString reads a NUL-terminated string (used for CIE augmentation strings).
func (r *Reader) CString() (string, error) {
	start := r.Pos
	for {
		b, err := r.U8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(r.Buf[start : r.Pos-1]), nil
		}
	}
}
