// Package walker implements the Frame Walker: the single-step
// primitive that, given one frame's Context, produces its caller's Context
// by looking up the covering FDE, executing its CFI program, and applying
// each resulting DWRule. Both the plain Backtrace path and the Itanium ABI
// engine's two-phase search/cleanup share this primitive, the way
// pkg/proc/stack.go's advanceRegs/executeFrameRegRule pair is the one place
// delve computes a caller's registers regardless of which higher-level
// operation (stack trace, `step out`, recover-from-panic) asked for it.
package walker

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-eh/unwind/arch"
	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/internal/dwarfexpr"
	"github.com/go-eh/unwind/internal/ehlog"
	"github.com/go-eh/unwind/registry"
)

// ErrUndefinedReturnAddress marks, in the debug log, the case where the
// covering FDE leaves the return-address register's rule as RuleUndefined.
// Step treats this as end of stack, not a fault — a frame whose CFI marks
// the return address as undefined has nowhere further to walk — so it
// never reaches a caller as a returned error.
var ErrUndefinedReturnAddress = errors.New("walker: return address register is undefined at this frame")

// StepResult is the outcome of one Step call.
type StepResult struct {
	// Caller is the constructed Context for the calling frame. When
	// EndOfStack is true it is nil, except when the covering FDE marks the
	// return address undefined: then it carries only the computed CFA and
	// SP, with no register rules applied.
	Caller arch.Context

	// EndOfStack reports that no FDE covers the lookup PC, or that the
	// covering FDE marks the return address undefined — both signal a
	// normal, successful end of the walk rather than a fault.
	EndOfStack bool

	// IsSignalFrame reports whether the FDE just stepped across carries
	// the 'S' augmentation. The caller of Step uses this to decide
	// whether the *next* call should look up PC or PC-1 ("the
	// pc-1 adjustment does not apply when stepping across a signal
	// frame, since a signal frame's saved PC is the instruction that was
	// interrupted, not a return address").
	IsSignalFrame bool
}

// Config bundles the environment Step needs beyond the Context itself.
type Config struct {
	Registry    *registry.Registry
	ReadMemory  dwarfexpr.MemoryReader
	ByteOrder   binary.ByteOrder
	StepBudget  int // forwarded to dwarfexpr.Execute for Expression/ValExpression rules

	// RowCache, if set, memoizes decoded CFI rows across Step calls that
	// land on the same FDE and PC. Nil disables memoization.
	RowCache *dwarfcfi.RowCache
}

// Step computes the caller of current and returns its Context. lookupBeforePC
// should be true for every call except the very first ("pc-1
// lookup adjustment... except for the first frame"), and false again
// whenever the previous Step's result had IsSignalFrame set.
func Step(cfg Config, current arch.Context, lookupBeforePC bool) (StepResult, error) {
	pc := current.PC()
	lookupPC := pc
	if lookupBeforePC {
		lookupPC = pc - 1
	}

	obj := cfg.Registry.Find(lookupPC)
	if obj == nil {
		if ehlog.Stack().Enabled() {
			ehlog.Stack().Entry().WithField("pc", fmt.Sprintf("%#x", lookupPC)).Debug("no registered object covers pc, end of stack")
		}
		return StepResult{EndOfStack: true}, nil
	}
	fde, err := obj.Table.FDEForPC(lookupPC)
	if err != nil {
		var noFDE *dwarfcfi.ErrNoFDEForPC
		if errors.As(err, &noFDE) {
			return StepResult{EndOfStack: true}, nil
		}
		return StepResult{}, err
	}

	order := cfg.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	row, err := dwarfcfi.ExecuteUntilPCCached(cfg.RowCache, fde, lookupPC, order, current.PointerSize())
	if err != nil {
		return StepResult{}, fmt.Errorf("walker: executing CFI program at %#x: %w", lookupPC, err)
	}

	cfa, err := evalCFARule(cfg, current, row.CFA, order)
	if err != nil {
		return StepResult{}, fmt.Errorf("walker: computing CFA at %#x: %w", lookupPC, err)
	}

	caller := current.Clone()
	caller.SetCFA(cfa)
	caller.SetSP(uint64(int64(cfa) + row.ArgsSize))

	if retRule, ok := row.Regs[row.RetAddrReg]; ok && retRule.Rule == dwarfcfi.RuleUndefined {
		if ehlog.Stack().Enabled() {
			ehlog.Stack().Entry().WithError(ErrUndefinedReturnAddress).WithField("pc", fmt.Sprintf("%#x", lookupPC)).Debug("end of stack")
		}
		return StepResult{Caller: caller, EndOfStack: true}, nil
	}

	for regNum, rule := range row.Regs {
		v, ok, err := applyRule(cfg, current, rule, cfa, order)
		if err != nil {
			return StepResult{}, fmt.Errorf("walker: register %d rule at %#x: %w", regNum, lookupPC, err)
		}
		if ok {
			caller.SetUint64Val(regNum, v)
		}
	}

	retAddr, ok := caller.Uint64Val(row.RetAddrReg)
	if !ok {
		return StepResult{EndOfStack: true}, nil
	}
	caller.SetPC(retAddr)

	return StepResult{Caller: caller, IsSignalFrame: row.IsSignalFrame}, nil
}

func evalCFARule(cfg Config, cur arch.Context, rule dwarfcfi.DWRule, order binary.ByteOrder) (uint64, error) {
	if rule.Expression != nil {
		return dwarfexpr.Execute(dwarfexpr.Config{
			Regs: cur, ReadMemory: cfg.ReadMemory, PointerSize: cur.PointerSize(),
			StepBudget: cfg.StepBudget, ByteOrder: order,
		}, rule.Expression)
	}
	base, ok := cur.Uint64Val(rule.Reg)
	if !ok {
		return 0, fmt.Errorf("CFA register %d unavailable", rule.Reg)
	}
	return uint64(int64(base) + rule.Offset), nil
}

// applyRule resolves one register's DWRule into a concrete value for the
// caller's Context, per the executeFrameRegRule switch stack.go drives
// (RuleOffset/RuleValOffset/RuleRegister/RuleExpression/RuleValExpression).
// ok is false for RuleUndefined and RuleSameVal — both mean "the caller's
// Clone of current already holds the right answer", Undefined because this
// engine has no way to represent "truly unknown" short of leaving the
// cloned value in place, and SameVal because that is its literal meaning.
func applyRule(cfg Config, cur arch.Context, rule dwarfcfi.DWRule, cfa uint64, order binary.ByteOrder) (uint64, bool, error) {
	switch rule.Rule {
	case dwarfcfi.RuleUndefined, dwarfcfi.RuleSameVal:
		return 0, false, nil
	case dwarfcfi.RuleOffset:
		return readMemWord(cfg, cur, uint64(int64(cfa)+rule.Offset), order)
	case dwarfcfi.RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), true, nil
	case dwarfcfi.RuleRegister:
		v, ok := cur.Uint64Val(rule.Reg)
		return v, ok, nil
	case dwarfcfi.RuleExpression:
		addr, err := dwarfexpr.Execute(dwarfexpr.Config{
			Regs: cur, ReadMemory: cfg.ReadMemory, PointerSize: cur.PointerSize(),
			StepBudget: cfg.StepBudget, ByteOrder: order,
		}, rule.Expression)
		if err != nil {
			return 0, false, err
		}
		return readMemWord(cfg, cur, addr, order)
	case dwarfcfi.RuleValExpression:
		v, err := dwarfexpr.Execute(dwarfexpr.Config{
			Regs: cur, ReadMemory: cfg.ReadMemory, PointerSize: cur.PointerSize(),
			StepBudget: cfg.StepBudget, ByteOrder: order,
		}, rule.Expression)
		return v, true, err
	case dwarfcfi.RuleArchitectural:
		return 0, false, fmt.Errorf("walker: architectural frame rules are unsupported")
	default:
		return 0, false, fmt.Errorf("walker: unknown rule kind %d", rule.Rule)
	}
}

func readMemWord(cfg Config, cur arch.Context, addr uint64, order binary.ByteOrder) (uint64, bool, error) {
	if cfg.ReadMemory == nil {
		return 0, false, fmt.Errorf("no memory reader configured")
	}
	buf := make([]byte, cur.PointerSize())
	if _, err := cfg.ReadMemory(buf, addr); err != nil {
		return 0, false, fmt.Errorf("reading %#x: %w", addr, err)
	}
	var v uint64
	for i, b := range buf {
		shift := i * 8
		if order == binary.BigEndian {
			shift = (len(buf) - 1 - i) * 8
		}
		v |= uint64(b) << shift
	}
	return v, true, nil
}
