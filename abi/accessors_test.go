package abi_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-eh/unwind/abi"
	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/registry"
	"github.com/go-eh/unwind/testutil"
)

func TestFrameAccessors(t *testing.T) {
	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x1000, Size: 0x100},
	)
	table, err := dwarfcfi.ParseSection(buf, dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: binary.LittleEndian, PointerSize: 8,
	})
	require.NoError(t, err)

	obj := &registry.Object{
		Begin: 0x1000, End: 0x1100, Table: table, Name: "fixture",
		TextRelBase: 0x10000, DataRelBase: 0x20000,
	}
	ctx := testutil.NewFakeContext(16).SetReg(16, 0x1010).SetReg(6, 0x42)
	ctx.SetCFA(0x2010)

	frame := &abi.Frame{Ctx: ctx, Object: obj, FDE: table.FDEs[0], BeforeInsn: true}

	assert.EqualValues(t, 0x1010, frame.GetIP())
	assert.EqualValues(t, 0x2010, frame.GetCFA())
	assert.EqualValues(t, 0x42, frame.GetGR(6))
	assert.EqualValues(t, 0x1000, frame.GetRegionStart())
	assert.EqualValues(t, 0x10000, frame.GetTextRelBase())
	assert.EqualValues(t, 0x20000, frame.GetDataRelBase())

	_, hasLSDA := frame.GetLanguageSpecificData()
	assert.False(t, hasLSDA)

	frame.SetIP(0x1020)
	assert.EqualValues(t, 0x1020, frame.GetIP())

	frame.SetGR(6, 0x99)
	assert.EqualValues(t, 0x99, frame.GetGR(6))

	pc, beforeInsn := frame.GetIPInfo()
	assert.EqualValues(t, 0x1020, pc)
	assert.True(t, beforeInsn)
}

func TestFrameAccessorsWithNilObjectAndFDE(t *testing.T) {
	frame := &abi.Frame{Ctx: testutil.NewFakeContext(16)}

	assert.EqualValues(t, 0, frame.GetRegionStart())
	assert.EqualValues(t, 0, frame.GetTextRelBase())
	assert.EqualValues(t, 0, frame.GetDataRelBase())
	_, ok := frame.GetLanguageSpecificData()
	assert.False(t, ok)
}

func TestFindEnclosingFunction(t *testing.T) {
	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x1000, Size: 0x100},
	)
	table, err := dwarfcfi.ParseSection(buf, dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: binary.LittleEndian, PointerSize: 8,
	})
	require.NoError(t, err)

	r := registry.New()
	r.Register(&registry.Object{Begin: 0x1000, End: 0x1100, Table: table, Name: "fixture"})

	begin, ok := abi.FindEnclosingFunction(r, 0x1050)
	assert.True(t, ok)
	assert.EqualValues(t, 0x1000, begin)

	_, ok = abi.FindEnclosingFunction(r, 0xdead)
	assert.False(t, ok)
}
