package abi

// Personality is the per-language callback invoked at each frame during
// unwinding ("fn(version, actions, exception_class,
// exception_object, &mut context) -> reason"). Version is always 1; the
// engine has no built-in personality of its own ("the engine has
// no knowledge of the host language's semantics").
type Personality func(version int, actions ActionSet, exceptionClass uint64, exc *ExceptionObject, frame *Frame) ReasonCode

// PersonalityLookup resolves the personality routine named by a CIE's
// personality-pointer augmentation (CIEs carry "the presence of a
// personality pointer"). A freestanding engine cannot dereference a raw
// function-pointer value the way libgcc does, so the host supplies this
// lookup instead — ok is false when no personality is registered for
// personalityAddr, which the engine treats as ContinueUnwind.
type PersonalityLookup func(personalityAddr uint64) (Personality, bool)

// StopFunc is the callback _Unwind_ForcedUnwind invokes before each
// personality call ("_Unwind_ForcedUnwind(obj, stop_fn,
// stop_arg)"). Returning InstallContext or any reason other than
// ContinueUnwind halts the forced unwind at the current frame.
type StopFunc func(version int, actions ActionSet, exceptionClass uint64, exc *ExceptionObject, frame *Frame, stopArg any) ReasonCode

// TraceFunc is the per-frame callback _Unwind_Backtrace invokes (spec
// §4.5). Returning non-zero stops the backtrace.
type TraceFunc func(frame *Frame, arg any) int
