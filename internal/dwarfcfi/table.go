package dwarfcfi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-eh/unwind/internal/dwarfbits"
)

// Rule identifies which of the ABI's rule variants a DWRule carries.
type Rule int

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	// RuleCFA is only valid as the CFA definition itself (the ABI's
	// RegisterOffset(R,N) variant of the CFA rule), named the way delve's
	// frame.DWRule reuses RuleCFA for exactly this purpose.
	RuleCFA
)

// DWRule is one row's recovery rule for a single register, or (when Rule ==
// RuleCFA) the CFA definition itself. Named and shaped after the DWRule that
// pkg/proc/stack.go's executeFrameRegRule switches on.
type DWRule struct {
	Rule       Rule
	Reg        uint64 // RuleRegister, RuleCFA
	Offset     int64  // RuleOffset, RuleValOffset, RuleCFA
	Expression []byte // RuleExpression, RuleValExpression, and the CFA's Expression(bytes) form
}

// FrameContext is one unwind table row: the CFA definition plus a
// rule per DWARF register, valid from RowStart up to the next row change.
// RowEnd holds the FDE's end address, not the start of the next row, so
// [RowStart, RowEnd) can be wider than the row itself. Grounded on the
// frame.FrameContext type stack.go reads fields off of (CFA, Regs,
// RetAddrReg).
type FrameContext struct {
	CFA          DWRule
	Regs         map[uint64]DWRule
	RetAddrReg   uint64
	ArgsSize     int64 // accumulated DW_CFA_GNU_args_size
	RowStart     uint64
	RowEnd       uint64
	IsSignalFrame bool

	// StepCount is the number of CFA opcodes the virtual machine executed
	// to reach this row, CIE initial instructions included. Surfaced for
	// cmd/ehtool's profile-walk, which reports it as a pprof sample value
	// per FDE to spot CFI programs with pathologically long instruction
	// streams.
	StepCount int
}

func newFrameContext(cie *CommonInformationEntry) *FrameContext {
	return &FrameContext{
		Regs:          map[uint64]DWRule{},
		RetAddrReg:    cie.ReturnAddressRegister,
		IsSignalFrame: cie.IsSignalFrame,
	}
}

func (fc *FrameContext) clone() *FrameContext {
	regs := make(map[uint64]DWRule, len(fc.Regs))
	for k, v := range fc.Regs {
		regs[k] = v
	}
	cp := *fc
	cp.Regs = regs
	return &cp
}

// maxRememberDepth bounds the remember_state/restore_state stack (spec
// §4.3: "minimum depth 8; exceeding it is fatal").
const maxRememberDepth = 64

var (
	ErrRememberStackOverflow = errors.New("dwarfcfi: remember_state stack overflow")
	ErrRememberStackEmpty    = errors.New("dwarfcfi: restore_state with no remembered state")
	ErrUnknownOpcode         = errors.New("dwarfcfi: unknown CFA opcode")
)

// ExecuteUntilPC runs (cie.InitialInstructions ++ fde.Instructions),
// halting as soon as the virtual location reaches or exceeds pc, per spec
// §4.3: "Given a CIE and an FDE and a target PC, executes ... halting as
// soon as the virtual location reaches or exceeds the target PC."
//
// order/ptrSize are needed for DW_CFA_set_loc, whose operand is a
// pointer-encoded value using the CIE's FDE pointer encoding.
func ExecuteUntilPC(fde *FrameDescriptionEntry, pc uint64, order binary.ByteOrder, ptrSize int) (*FrameContext, error) {
	cie := fde.CIE
	vm := &vmState{
		cie: cie, fde: fde, order: order, ptrSize: ptrSize,
		location: fde.Begin,
		row:      newFrameContext(cie),
	}

	if err := vm.run(cie.InitialInstructions); err != nil {
		return nil, fmt.Errorf("dwarfcfi: executing CIE initial instructions: %w", err)
	}
	vm.initialRow = vm.row.clone()

	if err := vm.runFDE(fde.Instructions, pc); err != nil {
		return nil, fmt.Errorf("dwarfcfi: executing FDE instructions: %w", err)
	}

	vm.row.RowStart = vm.rowStart
	vm.row.RowEnd = fde.End()
	vm.row.StepCount = vm.stepCount
	return vm.row, nil
}

type vmState struct {
	cie     *CommonInformationEntry
	fde     *FrameDescriptionEntry
	order   binary.ByteOrder
	ptrSize int

	location   uint64
	rowStart   uint64
	row        *FrameContext
	initialRow *FrameContext
	stack      []*FrameContext
	stepCount  int
}

func (vm *vmState) run(instructions []byte) error {
	r := dwarfbits.NewReader(instructions)
	for !r.Done() {
		vm.stepCount++
		if err := vm.step(r); err != nil {
			return err
		}
	}
	return nil
}

// runFDE is like run but stops as soon as vm.location reaches or exceeds
// target, recording the PC at which the current row started applying.
func (vm *vmState) runFDE(instructions []byte, target uint64) error {
	r := dwarfbits.NewReader(instructions)
	vm.rowStart = vm.location
	for !r.Done() {
		if vm.location >= target {
			return nil
		}
		before := vm.location
		vm.stepCount++
		if err := vm.step(r); err != nil {
			return err
		}
		if vm.location != before {
			vm.rowStart = before
		}
	}
	return nil
}

const (
	dwCFAAdvanceLoc = 0x40
	dwCFAOffset     = 0x80
	dwCFARestore    = 0xc0

	dwCFANop              = 0x00
	dwCFASetLoc           = 0x01
	dwCFAAdvanceLoc1      = 0x02
	dwCFAAdvanceLoc2      = 0x03
	dwCFAAdvanceLoc4      = 0x04
	dwCFAOffsetExtended   = 0x05
	dwCFARestoreExtended  = 0x06
	dwCFAUndefined        = 0x07
	dwCFASameValue        = 0x08
	dwCFARegister         = 0x09
	dwCFARememberState    = 0x0a
	dwCFARestoreState     = 0x0b
	dwCFADefCFA           = 0x0c
	dwCFADefCFARegister   = 0x0d
	dwCFADefCFAOffset     = 0x0e
	dwCFADefCFAExpression = 0x0f
	dwCFAExpression       = 0x10
	dwCFAOffsetExtendedSF = 0x11
	dwCFADefCFASF         = 0x12
	dwCFADefCFAOffsetSF   = 0x13
	dwCFAValOffset        = 0x14
	dwCFAValOffsetSF      = 0x15
	dwCFAValExpression    = 0x16
	dwCFAGNUArgsSize      = 0x2e // GNU vendor extension, lo_user range
	dwCFAGNUNegativeOffsetExtended = 0x2f
)

func (vm *vmState) step(r *dwarfbits.Reader) error {
	op, err := r.U8()
	if err != nil {
		return err
	}
	if op == 0 {
		return nil
	}

	primary := op & 0xc0
	arg := op & 0x3f

	if primary != 0 {
		switch primary {
		case dwCFAAdvanceLoc:
			vm.location += uint64(arg) * vm.cie.CodeAlignmentFactor
			return nil
		case dwCFAOffset:
			v, err := r.ULEB128()
			if err != nil {
				return err
			}
			vm.row.Regs[uint64(arg)] = DWRule{Rule: RuleOffset, Offset: int64(v) * vm.cie.DataAlignmentFactor}
			return nil
		case dwCFARestore:
			return vm.restoreReg(uint64(arg))
		}
	}

	switch arg {
	case dwCFANop:
		return nil
	case dwCFASetLoc:
		pctx := PointerContext{Order: vm.order, PointerSize: vm.ptrSize}
		v, err := readEncodedPointer(r, vm.cie.FDEPointerEncoding, pctx)
		if err != nil {
			return err
		}
		vm.location = v
		return nil
	case dwCFAAdvanceLoc1:
		v, err := r.U8()
		if err != nil {
			return err
		}
		vm.location += uint64(v) * vm.cie.CodeAlignmentFactor
		return nil
	case dwCFAAdvanceLoc2:
		v, err := r.U16(vm.order)
		if err != nil {
			return err
		}
		vm.location += uint64(v) * vm.cie.CodeAlignmentFactor
		return nil
	case dwCFAAdvanceLoc4:
		v, err := r.U32(vm.order)
		if err != nil {
			return err
		}
		vm.location += uint64(v) * vm.cie.CodeAlignmentFactor
		return nil
	case dwCFAOffsetExtended:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		v, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(v) * vm.cie.DataAlignmentFactor}
		return nil
	case dwCFARestoreExtended:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		return vm.restoreReg(reg)
	case dwCFAUndefined:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleUndefined}
		return nil
	case dwCFASameValue:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleSameVal}
		return nil
	case dwCFARegister:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		other, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleRegister, Reg: other}
		return nil
	case dwCFARememberState:
		if len(vm.stack) >= maxRememberDepth {
			return ErrRememberStackOverflow
		}
		vm.stack = append(vm.stack, vm.row.clone())
		return nil
	case dwCFARestoreState:
		if len(vm.stack) == 0 {
			return ErrRememberStackEmpty
		}
		vm.row = vm.stack[len(vm.stack)-1]
		vm.stack = vm.stack[:len(vm.stack)-1]
		return nil
	case dwCFADefCFA:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		off, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}
		return nil
	case dwCFADefCFASF:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		off, err := r.SLEB128()
		if err != nil {
			return err
		}
		vm.row.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * vm.cie.DataAlignmentFactor}
		return nil
	case dwCFADefCFARegister:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.CFA.Reg = reg
		return nil
	case dwCFADefCFAOffset:
		off, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.CFA.Offset = int64(off)
		return nil
	case dwCFADefCFAOffsetSF:
		off, err := r.SLEB128()
		if err != nil {
			return err
		}
		vm.row.CFA.Offset = off * vm.cie.DataAlignmentFactor
		return nil
	case dwCFADefCFAExpression:
		n, err := r.ULEB128()
		if err != nil {
			return err
		}
		expr, err := r.Bytes(int(n))
		if err != nil {
			return err
		}
		vm.row.CFA = DWRule{Rule: RuleCFA, Expression: expr}
		return nil
	case dwCFAExpression:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		n, err := r.ULEB128()
		if err != nil {
			return err
		}
		expr, err := r.Bytes(int(n))
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
		return nil
	case dwCFAValExpression:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		n, err := r.ULEB128()
		if err != nil {
			return err
		}
		expr, err := r.Bytes(int(n))
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
		return nil
	case dwCFAOffsetExtendedSF:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		off, err := r.SLEB128()
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleOffset, Offset: off * vm.cie.DataAlignmentFactor}
		return nil
	case dwCFAValOffset:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		v, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: int64(v) * vm.cie.DataAlignmentFactor}
		return nil
	case dwCFAValOffsetSF:
		reg, err := r.ULEB128()
		if err != nil {
			return err
		}
		off, err := r.SLEB128()
		if err != nil {
			return err
		}
		vm.row.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: off * vm.cie.DataAlignmentFactor}
		return nil
	case dwCFAGNUArgsSize:
		v, err := r.ULEB128()
		if err != nil {
			return err
		}
		vm.row.ArgsSize = int64(v)
		return nil
	}

	return fmt.Errorf("%w: %#x", ErrUnknownOpcode, op)
}

func (vm *vmState) restoreReg(reg uint64) error {
	if vm.initialRow == nil {
		// restore before the CIE->FDE transition is meaningless; treat as
		// undefined, matching a CIE program that has no prior row to copy.
		vm.row.Regs[reg] = DWRule{Rule: RuleUndefined}
		return nil
	}
	if rule, ok := vm.initialRow.Regs[reg]; ok {
		vm.row.Regs[reg] = rule
	} else {
		delete(vm.row.Regs, reg)
	}
	return nil
}
