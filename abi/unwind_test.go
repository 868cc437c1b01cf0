package abi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/registry"
	"github.com/go-eh/unwind/testutil"
)

// This file exercises the four raise-family operations through their
// unexported xxxFrom helpers, which take an explicit starting Context
// instead of capturing the real thread (the ABI's state machine,
// verified here against a scripted two-frame call stack rather than a
// live process).

const personalityAddr = 0xaaaa

// buildTwoFrameFixture returns a registry holding a leaf frame
// ([0x1000,0x1100), return address register 16) that calls into a second
// frame ([0x3000,0x3100)), both carrying personalityAddr as their CIE's
// personality pointer, plus the memory backing the leaf's saved
// registers and a starting Context positioned at the leaf's PC.
func buildTwoFrameFixture(t *testing.T) (*registry.Registry, func([]byte, uint64) (int, error), *testutil.FakeContext) {
	t.Helper()

	leafInstrs := testutil.DefCFA(7, 16)
	leafInstrs = append(leafInstrs, testutil.OffsetCompact(6, 2)...)  // rbp at CFA-16
	leafInstrs = append(leafInstrs, testutil.OffsetCompact(16, 1)...) // retaddr at CFA-8

	leafBuf := testutil.SingleFDETable(
		testutil.CIESpec{
			ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8,
			HasPersonality: true, PersonalityAddress: personalityAddr,
		},
		testutil.FDESpec{Begin: 0x1000, Size: 0x100, Instructions: leafInstrs},
	)
	callerBuf := testutil.SingleFDETable(
		testutil.CIESpec{
			ReturnAddressRegister: 16, CodeAlignmentFactor: 1, DataAlignmentFactor: -8,
			HasPersonality: true, PersonalityAddress: personalityAddr,
		},
		testutil.FDESpec{Begin: 0x3000, Size: 0x100, Instructions: testutil.DefCFA(7, 16)},
	)

	r := registry.New()
	r.Register(loadObject(t, leafBuf, 0x1000, 0x1100, "leaf"))
	r.Register(loadObject(t, callerBuf, 0x3000, 0x3100, "caller"))

	// leaf CFA = rsp(0x2000)+16 = 0x2010; rbp saved at 0x2000, return
	// address saved at 0x2008, pointing into the caller's frame.
	mem := map[uint64]uint64{
		0x2000: 0x4000,
		0x2008: 0x3010,
	}

	start := testutil.NewFakeContext(16).SetReg(16, 0x1010).SetReg(7, 0x2000)
	return r, fakeMemory(mem), start
}

func loadObject(t *testing.T, buf []byte, begin, end uint64, name string) *registry.Object {
	t.Helper()
	table, err := dwarfcfi.ParseSection(buf, dwarfcfi.ParseContext{
		Section: dwarfcfi.EHFrame, Order: binary.LittleEndian, PointerSize: 8,
	})
	require.NoError(t, err)
	return &registry.Object{Begin: begin, End: end, Table: table, Name: name}
}

func fakeMemory(words map[uint64]uint64) func([]byte, uint64) (int, error) {
	return func(buf []byte, addr uint64) (int, error) {
		v := words[addr]
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		n := copy(buf, b)
		return n, nil
	}
}

func TestRaiseExceptionFromFindsHandlerAndInstallsContext(t *testing.T) {
	r, mem, start := buildTwoFrameFixture(t)
	rp := &testutil.RecordingPersonality{HandlerAt: 0x3000}

	restored := []*testutil.FakeContext{}
	// give Restore somewhere to record into: stash the slice pointer on
	// every Context Clone produces by wiring it through start.
	start.Restored = &restored

	cfg := Config{
		Registry: r, ReadMemory: mem, ByteOrder: binary.LittleEndian,
		Personality: rp.Lookup(personalityAddr),
	}

	exc := &ExceptionObject{ExceptionClass: 0x474e5543}
	reason := raiseExceptionFrom(cfg, exc, start)

	assert.Equal(t, InstallContext, reason)
	require.Len(t, restored, 1)
	assert.EqualValues(t, 0x3010, restored[0].PC()) // the saved return address into the caller's frame

	// Two calls during search (leaf ContinueUnwind, caller HandlerFound),
	// then at least one during cleanup.
	var searchCalls, cleanupCalls int
	for _, c := range rp.Calls {
		if c.Actions&SearchPhase != 0 {
			searchCalls++
		}
		if c.Actions&CleanupPhase != 0 {
			cleanupCalls++
		}
	}
	assert.Equal(t, 2, searchCalls)
	assert.GreaterOrEqual(t, cleanupCalls, 1)

	handlerCFA, ok := exc.HandlerCFA()
	require.True(t, ok)
	assert.NotZero(t, handlerCFA)
}

func TestRaiseExceptionFromEndOfStackWhenNoFrameCoversPC(t *testing.T) {
	r := registry.New()
	start := testutil.NewFakeContext(16).SetReg(16, 0xdead)

	cfg := Config{Registry: r, ByteOrder: binary.LittleEndian}
	reason := raiseExceptionFrom(cfg, &ExceptionObject{}, start)
	assert.Equal(t, EndOfStack, reason)
}

func TestRaiseExceptionFromFatalPhase1OnBadPersonalityReturn(t *testing.T) {
	r, mem, start := buildTwoFrameFixture(t)

	badPersonality := func(version int, actions ActionSet, exceptionClass uint64, exc *ExceptionObject, frame *Frame) ReasonCode {
		return NormalStop // not a valid phase 1 return value
	}
	cfg := Config{
		Registry: r, ReadMemory: mem, ByteOrder: binary.LittleEndian,
		Personality: func(addr uint64) (Personality, bool) {
			if addr != personalityAddr {
				return nil, false
			}
			return badPersonality, true
		},
	}

	reason := raiseExceptionFrom(cfg, &ExceptionObject{}, start)
	assert.Equal(t, FatalPhase1Error, reason)
}

func TestForcedUnwindFromStopsAtStopFunction(t *testing.T) {
	r, mem, start := buildTwoFrameFixture(t)
	rp := &testutil.RecordingPersonality{HandlerAt: 0x3000}

	restored := []*testutil.FakeContext{}
	start.Restored = &restored

	var stopCalls int
	stop := func(version int, actions ActionSet, exceptionClass uint64, exc *ExceptionObject, frame *Frame, stopArg any) ReasonCode {
		stopCalls++
		if frame.GetRegionStart() == 0x1000 {
			return ContinueUnwind
		}
		return InstallContext
	}

	cfg := Config{
		Registry: r, ReadMemory: mem, ByteOrder: binary.LittleEndian,
		Personality: rp.Lookup(personalityAddr),
	}
	reason := forcedUnwindFrom(cfg, &ExceptionObject{}, stop, "arg", start)

	assert.Equal(t, InstallContext, reason)
	assert.Equal(t, 2, stopCalls)
	require.Len(t, restored, 1)
	// the leaf frame's own personality is still consulted once, since stop
	// returned ContinueUnwind there.
	assert.Len(t, rp.Calls, 1)
}

func TestBacktraceFromStopsWhenTraceReturnsNonZero(t *testing.T) {
	r, mem, start := buildTwoFrameFixture(t)

	var seen []uint64
	trace := func(frame *Frame, arg any) int {
		seen = append(seen, frame.GetRegionStart())
		return 1 // stop after the first frame
	}

	cfg := Config{Registry: r, ReadMemory: mem, ByteOrder: binary.LittleEndian}
	reason := backtraceFrom(cfg, trace, nil, start)

	assert.Equal(t, NormalStop, reason)
	assert.Equal(t, []uint64{0x1000}, seen)
}

func TestResumeFromReentersCleanupAtRecordedHandlerCFA(t *testing.T) {
	r, mem, start := buildTwoFrameFixture(t)
	rp := &testutil.RecordingPersonality{HandlerAt: 0x3000}

	cfg := Config{
		Registry: r, ReadMemory: mem, ByteOrder: binary.LittleEndian,
		Personality: rp.Lookup(personalityAddr),
	}

	exc := &ExceptionObject{ExceptionClass: 0x474e5543}
	reason := raiseExceptionFrom(cfg, exc, start)
	require.Equal(t, InstallContext, reason)

	// A landing pad that re-raises calls Resume from its own frame; here
	// we simulate that by re-entering cleanup from the same starting
	// Context and recorded handler CFA.
	restored := []*testutil.FakeContext{}
	start.Restored = &restored
	reason = resumeFrom(cfg, exc, start)
	assert.Equal(t, InstallContext, reason)
	assert.Len(t, restored, 1)
}

func TestResumeOrRethrowFromResumesWhenHandlerAlreadyRecorded(t *testing.T) {
	r, mem, start := buildTwoFrameFixture(t)
	rp := &testutil.RecordingPersonality{HandlerAt: 0x3000}

	cfg := Config{
		Registry: r, ReadMemory: mem, ByteOrder: binary.LittleEndian,
		Personality: rp.Lookup(personalityAddr),
	}

	exc := &ExceptionObject{ExceptionClass: 0x474e5543}
	reason := raiseExceptionFrom(cfg, exc, start)
	require.Equal(t, InstallContext, reason)
	searchCallsAfterRaise := len(rp.Calls)

	restored := []*testutil.FakeContext{}
	start.Restored = &restored
	reason = resumeOrRethrowFrom(cfg, exc, start)

	assert.Equal(t, InstallContext, reason)
	require.Len(t, restored, 1)
	// Resumed straight into phase 2: no additional SearchPhase calls.
	for _, c := range rp.Calls[searchCallsAfterRaise:] {
		assert.Zero(t, c.Actions&SearchPhase)
	}
}

func TestResumeOrRethrowFromSearchesAgainForForeignException(t *testing.T) {
	r, mem, start := buildTwoFrameFixture(t)
	rp := &testutil.RecordingPersonality{HandlerAt: 0x3000}

	restored := []*testutil.FakeContext{}
	start.Restored = &restored

	cfg := Config{
		Registry: r, ReadMemory: mem, ByteOrder: binary.LittleEndian,
		Personality: rp.Lookup(personalityAddr),
	}

	// A fresh exception with no recorded handler CFA: this engine never
	// searched for it, so ResumeOrRethrow must behave like RaiseException.
	exc := &ExceptionObject{ExceptionClass: 0x474e5543}
	reason := resumeOrRethrowFrom(cfg, exc, start)

	assert.Equal(t, InstallContext, reason)
	var searchCalls int
	for _, c := range rp.Calls {
		if c.Actions&SearchPhase != 0 {
			searchCalls++
		}
	}
	assert.Equal(t, 2, searchCalls)
}
