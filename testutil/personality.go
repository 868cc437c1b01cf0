package testutil

import "github.com/go-eh/unwind/abi"

// RecordingPersonality is a minimal test abi.Personality: it reports
// HandlerFound whenever actions includes SearchPhase and the
// frame's region start equals HandlerAt, ContinueUnwind otherwise, and
// appends every call it receives to Calls for assertions.
type RecordingPersonality struct {
	HandlerAt uint64
	Calls     []PersonalityCall
}

// PersonalityCall records one invocation's arguments, enough for tests to
// assert phase ordering and action sets without needing the real frame.
type PersonalityCall struct {
	Actions        abi.ActionSet
	RegionStart    uint64
	ExceptionClass uint64
}

func (p *RecordingPersonality) Personality(version int, actions abi.ActionSet, exceptionClass uint64, exc *abi.ExceptionObject, frame *abi.Frame) abi.ReasonCode {
	p.Calls = append(p.Calls, PersonalityCall{
		Actions: actions, RegionStart: frame.GetRegionStart(), ExceptionClass: exceptionClass,
	})

	if actions&abi.SearchPhase != 0 {
		if frame.GetRegionStart() == p.HandlerAt {
			return abi.HandlerFound
		}
		return abi.ContinueUnwind
	}

	// Cleanup phase: install at the handler frame, otherwise keep going.
	if actions&abi.HandlerFrame != 0 {
		return abi.InstallContext
	}
	return abi.ContinueUnwind
}

// Lookup adapts Personality into an abi.PersonalityLookup that recognises
// exactly one address, the convention a test registers its single fixture
// personality under.
func (p *RecordingPersonality) Lookup(addr uint64) abi.PersonalityLookup {
	return func(personalityAddr uint64) (abi.Personality, bool) {
		if personalityAddr != addr {
			return nil, false
		}
		return p.Personality, true
	}
}
