package walker_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/registry"
	"github.com/go-eh/unwind/testutil"
	"github.com/go-eh/unwind/walker"
)

// fakeMemory backs dwarfexpr.MemoryReader with a little-endian word map,
// standing in for the current thread's own stack during a Step call.
func fakeMemory(words map[uint64]uint64) func([]byte, uint64) (int, error) {
	return func(buf []byte, addr uint64) (int, error) {
		v := words[addr]
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		n := copy(buf, b)
		return n, nil
	}
}

func TestStepAppliesOffsetRulesAndComputesCaller(t *testing.T) {
	// CFA = rsp(7) + 16; rbp(6) saved at CFA-16; return address at CFA-8.
	instrs := testutil.DefCFA(7, 16)
	instrs = append(instrs, testutil.OffsetCompact(6, 2)...) // factor(-8)*2 = -16
	instrs = append(instrs, testutil.OffsetCompact(16, 1)...) // factor(-8)*1 = -8

	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x1000, Size: 0x100, Instructions: instrs},
	)

	r := registry.New()
	r.Register(loadTable(t, buf))

	current := testutil.NewFakeContext(16).
		SetReg(16, 0x1010). // pc
		SetReg(7, 0x2000)   // rsp

	cfa := uint64(0x2000 + 16)
	mem := map[uint64]uint64{
		cfa - 16: 0x3000,  // saved rbp
		cfa - 8:  0x9999aa, // saved return address
	}

	res, err := walker.Step(walker.Config{
		Registry: r, ReadMemory: fakeMemory(mem), ByteOrder: binary.LittleEndian,
	}, current, false)
	require.NoError(t, err)
	require.False(t, res.EndOfStack)

	assert.EqualValues(t, 0x9999aa, res.Caller.PC())
	v, ok := res.Caller.Uint64Val(6)
	require.True(t, ok)
	assert.EqualValues(t, 0x3000, v)
	cgot, ok := res.Caller.CFA()
	require.True(t, ok)
	assert.EqualValues(t, cfa, cgot)
}

func TestStepSetsCallerSPToCFAPlusArgsSize(t *testing.T) {
	instrs := testutil.DefCFA(7, 16)
	instrs = append(instrs, testutil.OffsetCompact(16, 1)...) // retaddr at CFA-8
	instrs = append(instrs, testutil.GNUArgsSize(32)...)

	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x1000, Size: 0x100, Instructions: instrs},
	)

	r := registry.New()
	r.Register(loadTable(t, buf))

	current := testutil.NewFakeContext(16).SetReg(16, 0x1010).SetReg(7, 0x2000)
	cfa := uint64(0x2000 + 16)
	mem := map[uint64]uint64{cfa - 8: 0x9999aa}

	res, err := walker.Step(walker.Config{
		Registry: r, ReadMemory: fakeMemory(mem), ByteOrder: binary.LittleEndian,
	}, current, false)
	require.NoError(t, err)
	require.False(t, res.EndOfStack)

	assert.EqualValues(t, cfa+32, res.Caller.SP())
}

func TestStepEndOfStackWhenReturnAddressRegisterUndefined(t *testing.T) {
	instrs := testutil.DefCFA(7, 16)
	instrs = append(instrs, testutil.Undefined(16)...) // outermost frame marker

	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x1000, Size: 0x100, Instructions: instrs},
	)

	r := registry.New()
	r.Register(loadTable(t, buf))

	current := testutil.NewFakeContext(16).SetReg(16, 0x1010).SetReg(7, 0x2000)

	res, err := walker.Step(walker.Config{
		Registry: r, ReadMemory: fakeMemory(nil), ByteOrder: binary.LittleEndian,
	}, current, false)
	require.NoError(t, err)
	assert.True(t, res.EndOfStack)
}

func TestStepEndOfStackWhenNoObjectCoversPC(t *testing.T) {
	r := registry.New()
	current := testutil.NewFakeContext(16).SetReg(16, 0xdead).SetReg(7, 0x2000)

	res, err := walker.Step(walker.Config{Registry: r, ByteOrder: binary.LittleEndian}, current, false)
	require.NoError(t, err)
	assert.True(t, res.EndOfStack)
}

func loadTable(t *testing.T, buf []byte) *registry.Object {
	t.Helper()
	table, err := dwarfcfi.ParseSection(buf, dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: binary.LittleEndian, PointerSize: 8,
	})
	require.NoError(t, err)
	return &registry.Object{Begin: 0x1000, End: 0x1100, Table: table, Name: "fixture"}
}
