package dwarfcfi_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/testutil"
)

func TestParseSectionAndExecuteUntilPC(t *testing.T) {
	instrs := append(testutil.DefCFA(7, 8), testutil.OffsetCompact(6, 1)...)
	instrs = append(instrs, testutil.AdvanceLocCompact(4)...)
	instrs = append(instrs, testutil.DefCFAOffset(16)...)

	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x1000, Size: 0x100, Instructions: instrs},
	)

	table, err := dwarfcfi.ParseSection(buf, dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: binary.LittleEndian, PointerSize: 8,
	})
	require.NoError(t, err)
	require.Len(t, table.CIEs, 1)
	require.Len(t, table.FDEs, 1)

	fde := table.FDEs[0]
	assert.True(t, fde.Contains(0x1000))
	assert.False(t, fde.Contains(0x1100))

	// Before the advance_loc: CFA is rsp+8, rbp has an offset(-8) rule.
	row, err := dwarfcfi.ExecuteUntilPC(fde, 0x1001, binary.LittleEndian, 8)
	require.NoError(t, err)
	assert.Equal(t, dwarfcfi.RuleCFA, row.CFA.Rule)
	assert.EqualValues(t, 7, row.CFA.Reg)
	assert.EqualValues(t, 8, row.CFA.Offset)
	require.Contains(t, row.Regs, uint64(6))
	assert.Equal(t, dwarfcfi.RuleOffset, row.Regs[6].Rule)
	assert.EqualValues(t, -8, row.Regs[6].Offset)

	// After the advance_loc + def_cfa_offset: CFA offset changes to 16.
	row, err = dwarfcfi.ExecuteUntilPC(fde, 0x1005, binary.LittleEndian, 8)
	require.NoError(t, err)
	assert.EqualValues(t, 16, row.CFA.Offset)
	assert.Greater(t, row.StepCount, 0)
}

func TestFDEForPCMiss(t *testing.T) {
	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x2000, Size: 0x10},
	)
	table, err := dwarfcfi.ParseSection(buf, dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: binary.LittleEndian, PointerSize: 8,
	})
	require.NoError(t, err)

	_, err = table.FDEForPC(0x3000)
	require.Error(t, err)
	var notFound *dwarfcfi.ErrNoFDEForPC
	assert.ErrorAs(t, err, &notFound)
}

func TestRememberRestoreState(t *testing.T) {
	instrs := testutil.DefCFA(7, 8)
	instrs = append(instrs, testutil.OffsetCompact(6, 1)...)
	instrs = append(instrs, testutil.RememberState()...)
	instrs = append(instrs, testutil.AdvanceLocCompact(1)...)
	instrs = append(instrs, testutil.Undefined(6)...)
	instrs = append(instrs, testutil.AdvanceLocCompact(1)...)
	instrs = append(instrs, testutil.RestoreState()...)

	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x1000, Size: 0x10, Instructions: instrs},
	)
	table, err := dwarfcfi.ParseSection(buf, dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: binary.LittleEndian, PointerSize: 8,
	})
	require.NoError(t, err)
	fde := table.FDEs[0]

	mid, err := dwarfcfi.ExecuteUntilPC(fde, 0x1002, binary.LittleEndian, 8)
	require.NoError(t, err)
	assert.Equal(t, dwarfcfi.RuleUndefined, mid.Regs[6].Rule)

	after, err := dwarfcfi.ExecuteUntilPC(fde, 0x1003, binary.LittleEndian, 8)
	require.NoError(t, err)
	assert.Equal(t, dwarfcfi.RuleOffset, after.Regs[6].Rule)
}
