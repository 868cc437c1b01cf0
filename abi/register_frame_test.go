package abi_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-eh/unwind/abi"
	"github.com/go-eh/unwind/testutil"
)

func TestRegisterFrameThenDeregister(t *testing.T) {
	buf := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x5000, Size: 0x40},
	)

	fde, err := abi.RegisterFrame(buf, binary.LittleEndian, 8, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0x5000, fde.Begin)
	assert.EqualValues(t, 0x5040, fde.End())

	assert.True(t, abi.DeregisterFrame(0x5000))
	assert.False(t, abi.DeregisterFrame(0x5000))
}

func TestRegisterFrameRejectsMultiFDEBuffers(t *testing.T) {
	one := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x6000, Size: 0x10},
	)
	two := testutil.SingleFDETable(
		testutil.CIESpec{ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8},
		testutil.FDESpec{Begin: 0x7000, Size: 0x10},
	)

	_, err := abi.RegisterFrame(append(one, two...), binary.LittleEndian, 8, 0)
	assert.ErrorIs(t, err, abi.ErrTooManyFDEs)
}
