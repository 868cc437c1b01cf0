package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/go-eh/unwind/arch"
	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/internal/dwarfexpr"
	"github.com/go-eh/unwind/internal/ehlog"
	"github.com/go-eh/unwind/registry"
	"github.com/go-eh/unwind/walker"
)

// Config bundles everything the four raise-family operations need: where
// to look up unwind info, how to read memory for CFI expressions, and how
// to resolve a CIE's personality-pointer augmentation into a callable
// Personality ("the engine has no knowledge of the host
// language's semantics" — PersonalityLookup is the seam that knowledge
// crosses).
type Config struct {
	Registry    *registry.Registry
	ReadMemory  dwarfexpr.MemoryReader
	ByteOrder   binary.ByteOrder
	StepBudget  int
	Personality PersonalityLookup
	RowCache    *dwarfcfi.RowCache
}

func (cfg Config) walkerConfig() walker.Config {
	return walker.Config{
		Registry: cfg.Registry, ReadMemory: cfg.ReadMemory,
		ByteOrder: cfg.ByteOrder, StepBudget: cfg.StepBudget,
		RowCache: cfg.RowCache,
	}
}

// frameFor builds the Frame for ctx, per the same pc/pc-1 lookup rule the
// Frame Walker applies (walker.Step's lookupBeforePC argument). A nil Frame
// with a nil error means end of stack (no registered object covers the
// lookup PC), distinct from a real error.
func frameFor(cfg Config, ctx arch.Context, beforeInsn bool) (*Frame, error) {
	lookupPC := ctx.PC()
	if beforeInsn {
		lookupPC--
	}
	obj := cfg.Registry.Find(lookupPC)
	if obj == nil {
		return nil, nil
	}
	fde, err := obj.Table.FDEForPC(lookupPC)
	if err != nil {
		return nil, nil
	}
	return &Frame{Ctx: ctx, Object: obj, FDE: fde, BeforeInsn: beforeInsn}, nil
}

// personalityFor resolves frame's CIE personality augmentation through
// cfg.Personality, returning ok=false when the frame has none or the host
// doesn't recognise the address — both mean "treat this frame as
// ContinueUnwind" — a frame without a personality pointer has nothing to
// ask.
func personalityFor(cfg Config, frame *Frame) (Personality, bool) {
	if frame.FDE == nil || !frame.FDE.CIE.HasPersonality || cfg.Personality == nil {
		return nil, false
	}
	return cfg.Personality(frame.FDE.CIE.PersonalityAddress)
}

// unwindLoop drives the Frame Walker across successive frames starting at
// start, calling visit at each one. visit returns ContinueUnwind to keep
// walking or any other ReasonCode to stop immediately; an error return is
// always fatal to the walk. This is the single consolidation point all of
// RaiseException/Resume/ForcedUnwind/Backtrace share.
func unwindLoop(cfg Config, start arch.Context, visit func(*Frame) (ReasonCode, error)) (ReasonCode, error) {
	ctx := start
	beforeInsn := false

	for {
		frame, err := frameFor(cfg, ctx, beforeInsn)
		if err != nil {
			return FatalPhase2Error, err
		}
		if frame == nil {
			return EndOfStack, nil
		}

		reason, err := visit(frame)
		if err != nil {
			return reason, err
		}
		if reason != ContinueUnwind {
			return reason, nil
		}

		res, err := walker.Step(cfg.walkerConfig(), ctx, beforeInsn)
		if err != nil {
			return FatalPhase2Error, err
		}
		if res.EndOfStack {
			return EndOfStack, nil
		}
		ctx = res.Caller
		beforeInsn = !res.IsSignalFrame
	}
}

// RaiseException implements _Unwind_RaiseException: phase 1
// search from the caller's context, and on HandlerFound, phase 2 cleanup
// from the same original context.
func RaiseException(cfg Config, exc *ExceptionObject) ReasonCode {
	start := arch.New()
	start.Capture()
	return raiseExceptionFrom(cfg, exc, start)
}

// raiseExceptionFrom is RaiseException's logic parameterized on the
// starting Context, split out so tests can drive it from a scripted
// Context instead of a real captured stack.
func raiseExceptionFrom(cfg Config, exc *ExceptionObject, start arch.Context) ReasonCode {
	reason, err := unwindLoop(cfg, start, searchVisit(cfg, exc))
	if err != nil {
		ehlog.ABI().Entry().WithError(err).Error("phase 1 search failed")
		return FatalPhase1Error
	}
	switch reason {
	case EndOfStack:
		return EndOfStack
	case HandlerFound:
		return runCleanupPhase(cfg, start, exc, 0)
	default:
		return FatalPhase1Error
	}
}

// Resume implements _Unwind_Resume: re-enters phase 2 from a
// freshly captured context (the landing pad's own frame, at the point it
// tail-calls Resume), using the CFA exc.private1 recorded during the
// original phase 1 search.
func Resume(cfg Config, exc *ExceptionObject) ReasonCode {
	start := arch.New()
	start.Capture()
	return resumeFrom(cfg, exc, start)
}

// resumeFrom is Resume's logic parameterized on the starting Context.
func resumeFrom(cfg Config, exc *ExceptionObject, start arch.Context) ReasonCode {
	return runCleanupPhase(cfg, start, exc, 0)
}

// ResumeOrRethrow implements _Unwind_Resume_or_Rethrow: if exc already
// carries a handler CFA recorded by a prior phase 1 search on this engine,
// this is equivalent to Resume. Otherwise exc is foreign to this engine's
// last search (e.g. a language's rethrow of an exception a different
// runtime originally raised), and this performs a full phase 1 search plus
// phase 2 cleanup, equivalent to RaiseException.
func ResumeOrRethrow(cfg Config, exc *ExceptionObject) ReasonCode {
	start := arch.New()
	start.Capture()
	return resumeOrRethrowFrom(cfg, exc, start)
}

// resumeOrRethrowFrom is ResumeOrRethrow's logic parameterized on the
// starting Context.
func resumeOrRethrowFrom(cfg Config, exc *ExceptionObject, start arch.Context) ReasonCode {
	if _, haveHandler := exc.HandlerCFA(); haveHandler {
		return resumeFrom(cfg, exc, start)
	}
	return raiseExceptionFrom(cfg, exc, start)
}

// ForcedUnwind implements _Unwind_ForcedUnwind: runs phase 2
// directly, calling stop before each personality invocation with
// {ForceUnwind} set; either returning InstallContext transfers control.
func ForcedUnwind(cfg Config, exc *ExceptionObject, stop StopFunc, stopArg any) ReasonCode {
	start := arch.New()
	start.Capture()
	return forcedUnwindFrom(cfg, exc, stop, stopArg, start)
}

// forcedUnwindFrom is ForcedUnwind's logic parameterized on the starting
// Context.
func forcedUnwindFrom(cfg Config, exc *ExceptionObject, stop StopFunc, stopArg any, start arch.Context) ReasonCode {
	visit := func(frame *Frame) (ReasonCode, error) {
		actions := CleanupPhase | ForceUnwind
		switch sr := stop(1, actions, exc.ExceptionClass, exc, frame, stopArg); sr {
		case ContinueUnwind:
			// fall through to the frame's own personality, if any
		case InstallContext:
			frame.Ctx.Restore()
			return InstallContext, nil
		default:
			return FatalPhase2Error, fmt.Errorf("abi: stop function returned %s", sr)
		}

		p, ok := personalityFor(cfg, frame)
		if !ok {
			return ContinueUnwind, nil
		}
		switch reason := p(1, actions, exc.ExceptionClass, exc, frame); reason {
		case ContinueUnwind:
			return ContinueUnwind, nil
		case InstallContext:
			frame.Ctx.Restore()
			return InstallContext, nil
		default:
			return FatalPhase2Error, fmt.Errorf("abi: personality returned %s during forced unwind", reason)
		}
	}

	reason, err := unwindLoop(cfg, start, visit)
	if err != nil {
		ehlog.ABI().Entry().WithError(err).Error("forced unwind failed")
		return FatalPhase2Error
	}
	return reason
}

// Backtrace implements _Unwind_Backtrace: walks frames from
// the current context, invoking trace at each one; stops when trace
// returns non-zero or the stack ends.
func Backtrace(cfg Config, trace TraceFunc, arg any) ReasonCode {
	start := arch.New()
	start.Capture()
	return backtraceFrom(cfg, trace, arg, start)
}

// backtraceFrom is Backtrace's logic parameterized on the starting Context.
func backtraceFrom(cfg Config, trace TraceFunc, arg any, start arch.Context) ReasonCode {
	visit := func(frame *Frame) (ReasonCode, error) {
		if trace(frame, arg) != 0 {
			return NormalStop, nil
		}
		return ContinueUnwind, nil
	}

	reason, err := unwindLoop(cfg, start, visit)
	if err != nil {
		ehlog.ABI().Entry().WithError(err).Error("backtrace failed")
		return FatalPhase2Error
	}
	return reason
}

func searchVisit(cfg Config, exc *ExceptionObject) func(*Frame) (ReasonCode, error) {
	return func(frame *Frame) (ReasonCode, error) {
		p, ok := personalityFor(cfg, frame)
		if !ok {
			return ContinueUnwind, nil
		}
		switch reason := p(1, SearchPhase, exc.ExceptionClass, exc, frame); reason {
		case ContinueUnwind:
			return ContinueUnwind, nil
		case HandlerFound:
			exc.setHandlerCFA(uintptr(frame.GetCFA()))
			return HandlerFound, nil
		default:
			return FatalPhase1Error, fmt.Errorf("abi: personality returned %s during phase 1 search", reason)
		}
	}
}

// runCleanupPhase implements the phase-2 half shared by RaiseException and
// Resume: walk from start, calling each frame's personality with
// {CleanupPhase}, adding {HandlerFrame} exactly at the recorded handler
// CFA.
func runCleanupPhase(cfg Config, start arch.Context, exc *ExceptionObject, extra ActionSet) ReasonCode {
	handlerCFA, haveHandler := exc.HandlerCFA()

	visit := func(frame *Frame) (ReasonCode, error) {
		p, ok := personalityFor(cfg, frame)
		if !ok {
			return ContinueUnwind, nil
		}
		actions := CleanupPhase | extra
		if haveHandler && uintptr(frame.GetCFA()) == handlerCFA {
			actions |= HandlerFrame
		}
		switch reason := p(1, actions, exc.ExceptionClass, exc, frame); reason {
		case ContinueUnwind:
			return ContinueUnwind, nil
		case InstallContext:
			frame.Ctx.Restore() // does not return
			return InstallContext, nil
		default:
			return FatalPhase2Error, fmt.Errorf("abi: personality returned %s during phase 2 cleanup", reason)
		}
	}

	reason, err := unwindLoop(cfg, start, visit)
	if err != nil {
		ehlog.ABI().Entry().WithError(err).Error("phase 2 cleanup failed")
		return FatalPhase2Error
	}
	return reason
}
