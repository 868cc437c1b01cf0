// Package dwarfexpr implements the little stack machine over DW_OP_*
// opcodes that DWARF CFI rules of kind Expression/ValExpression evaluate,
// grounded on the opcode dispatch shown in
// 1f0eaab7_pattyshack-bad__dwarf-call_frame_info.go.go's CFA decoder and on
// the evaluator shape delve's pkg/dwarf/op.ExecuteStackProgram exposes
// (stack.go calls it as op.ExecuteStackProgram(regs, expr, ptrSize, readMem)).
package dwarfexpr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-eh/unwind/internal/dwarfbits"
)

// DefaultStepBudget is the default maximum number of opcodes a single
// expression evaluation may execute before it is considered a fault (spec
// §4.3: "out-of-budget (configurable, default 1024 steps)").
const DefaultStepBudget = 1024

var (
	// ErrStackUnderflow is returned when an opcode pops more values than the
	// evaluation stack holds.
	ErrStackUnderflow = errors.New("dwarf expression: stack underflow")
	// ErrBudgetExceeded is returned when the step budget is exhausted.
	ErrBudgetExceeded = errors.New("dwarf expression: step budget exceeded")
	// ErrEmptyResult is returned when the program terminates with an empty
	// stack.
	ErrEmptyResult = errors.New("dwarf expression: no result on stack")
)

// RegisterReader lets the evaluator read the current frame's registers for
// DW_OP_breg*/DW_OP_reg*/DW_OP_bregx/DW_OP_regx and DW_OP_call_frame_cfa.
// Implemented by arch.Context during CFI evaluation.
type RegisterReader interface {
	Uint64Val(dwarfReg uint64) (uint64, bool)
	CFA() (uint64, bool)
}

// MemoryReader reads len(buf) bytes from the inferior's address space
// starting at addr. On a freestanding unwinder this just reads the current
// thread's own memory; it is abstracted so tests can supply a fake image.
type MemoryReader func(buf []byte, addr uint64) (int, error)

// Config bundles the evaluator's environment.
type Config struct {
	Regs        RegisterReader
	ReadMemory  MemoryReader
	PointerSize int
	StepBudget  int // 0 means DefaultStepBudget
	ByteOrder   binary.ByteOrder
}

// Execute evaluates a DWARF expression program and returns the value left on
// top of the stack. It never dereferences that final value itself: whether
// it is an address to read (RuleExpression) or the value (RuleValExpression)
// is the caller's decision, matching ExecuteStackProgram's two-phase
// "address, then caller reads memory" split.
func Execute(cfg Config, program []byte) (uint64, error) {
	budget := cfg.StepBudget
	if budget == 0 {
		budget = DefaultStepBudget
	}
	if cfg.ByteOrder == nil {
		cfg.ByteOrder = binary.LittleEndian
	}
	e := &evaluator{cfg: cfg, budget: budget}
	if err := e.run(program); err != nil {
		return 0, err
	}
	if len(e.stack) == 0 {
		return 0, ErrEmptyResult
	}
	return e.stack[len(e.stack)-1], nil
}

type evaluator struct {
	cfg    Config
	stack  []uint64
	budget int
}

func (e *evaluator) push(v uint64) { e.stack = append(e.stack, v) }

func (e *evaluator) pop() (uint64, error) {
	if len(e.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

func (e *evaluator) peek(depth int) (uint64, error) {
	idx := len(e.stack) - 1 - depth
	if idx < 0 {
		return 0, ErrStackUnderflow
	}
	return e.stack[idx], nil
}

func (e *evaluator) run(program []byte) error {
	r := dwarfbits.NewReader(program)
	for !r.Done() {
		if e.budget <= 0 {
			return ErrBudgetExceeded
		}
		e.budget--
		op, err := r.U8()
		if err != nil {
			return err
		}
		if err := e.step(op, r); err != nil {
			return err
		}
	}
	return nil
}

func (e *evaluator) step(op byte, r *dwarfbits.Reader) error {
	switch {
	case op >= OpLit0 && op <= OpLit0+31:
		e.push(uint64(op - OpLit0))
		return nil
	case op >= OpReg0 && op <= OpReg0+31:
		return e.execReg(uint64(op - OpReg0))
	case op >= OpBreg0 && op <= OpBreg0+31:
		return e.execBreg(uint64(op-OpBreg0), r)
	}

	switch op {
	case OpAddr:
		v, err := r.UintN(e.cfg.PointerSize)
		if err != nil {
			return err
		}
		e.push(v)
	case OpConst1u:
		v, err := r.U8()
		if err != nil {
			return err
		}
		e.push(uint64(v))
	case OpConst1s:
		v, err := r.U8()
		if err != nil {
			return err
		}
		e.push(uint64(int64(int8(v))))
	case OpConst2u:
		v, err := r.U16(e.cfg.ByteOrder)
		if err != nil {
			return err
		}
		e.push(uint64(v))
	case OpConst2s:
		v, err := r.U16(e.cfg.ByteOrder)
		if err != nil {
			return err
		}
		e.push(uint64(int64(int16(v))))
	case OpConst4u:
		v, err := r.U32(e.cfg.ByteOrder)
		if err != nil {
			return err
		}
		e.push(uint64(v))
	case OpConst4s:
		v, err := r.U32(e.cfg.ByteOrder)
		if err != nil {
			return err
		}
		e.push(uint64(int64(int32(v))))
	case OpConst8u, OpConst8s:
		v, err := r.U64(e.cfg.ByteOrder)
		if err != nil {
			return err
		}
		e.push(v)
	case OpConstu:
		v, err := r.ULEB128()
		if err != nil {
			return err
		}
		e.push(v)
	case OpConsts:
		v, err := r.SLEB128()
		if err != nil {
			return err
		}
		e.push(uint64(v))
	case OpDup:
		v, err := e.peek(0)
		if err != nil {
			return err
		}
		e.push(v)
	case OpDrop:
		_, err := e.pop()
		return err
	case OpOver:
		v, err := e.peek(1)
		if err != nil {
			return err
		}
		e.push(v)
	case OpPick:
		n, err := r.U8()
		if err != nil {
			return err
		}
		v, err := e.peek(int(n))
		if err != nil {
			return err
		}
		e.push(v)
	case OpSwap:
		a, err := e.pop()
		if err != nil {
			return err
		}
		b, err := e.pop()
		if err != nil {
			return err
		}
		e.push(a)
		e.push(b)
	case OpRot:
		a, err := e.pop()
		if err != nil {
			return err
		}
		b, err := e.pop()
		if err != nil {
			return err
		}
		c, err := e.pop()
		if err != nil {
			return err
		}
		e.push(a)
		e.push(c)
		e.push(b)
	case OpAbs:
		v, err := e.pop()
		if err != nil {
			return err
		}
		sv := int64(v)
		if sv < 0 {
			sv = -sv
		}
		e.push(uint64(sv))
	case OpAnd, OpDiv, OpMinus, OpMod, OpMul, OpOr, OpPlus, OpShl, OpShr, OpShra, OpXor,
		OpEq, OpGe, OpGt, OpLe, OpLt, OpNe:
		return e.binop(op)
	case OpNeg:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(uint64(-int64(v)))
	case OpNot:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(^v)
	case OpPlusUconst:
		n, err := r.ULEB128()
		if err != nil {
			return err
		}
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(v + n)
	case OpBra:
		off, err := r.I16(e.cfg.ByteOrder)
		if err != nil {
			return err
		}
		v, err := e.pop()
		if err != nil {
			return err
		}
		if v != 0 {
			if err := r.Skip(int(off)); err != nil {
				return err
			}
		}
	case OpSkip:
		off, err := r.I16(e.cfg.ByteOrder)
		if err != nil {
			return err
		}
		if err := r.Skip(int(off)); err != nil {
			return err
		}
	case OpRegx:
		n, err := r.ULEB128()
		if err != nil {
			return err
		}
		return e.execReg(n)
	case OpBregx:
		n, err := r.ULEB128()
		if err != nil {
			return err
		}
		return e.execBreg(n, r)
	case OpFbreg:
		return fmt.Errorf("dwarf expression: DW_OP_fbreg unsupported in CFI context")
	case OpDeref:
		addr, err := e.pop()
		if err != nil {
			return err
		}
		v, err := e.deref(addr, e.cfg.PointerSize)
		if err != nil {
			return err
		}
		e.push(v)
	case OpDerefSize:
		sz, err := r.U8()
		if err != nil {
			return err
		}
		addr, err := e.pop()
		if err != nil {
			return err
		}
		v, err := e.deref(addr, int(sz))
		if err != nil {
			return err
		}
		e.push(v)
	case OpCallFrameCFA:
		if e.cfg.Regs == nil {
			return fmt.Errorf("dwarf expression: DW_OP_call_frame_cfa without a register context")
		}
		cfa, ok := e.cfg.Regs.CFA()
		if !ok {
			return fmt.Errorf("dwarf expression: CFA not yet established")
		}
		e.push(cfa)
	case OpNop:
		// no-op
	case OpPiece:
		_, err := r.ULEB128()
		return err
	default:
		return fmt.Errorf("dwarf expression: unsupported opcode %#x", op)
	}
	return nil
}

func (e *evaluator) execReg(n uint64) error {
	if e.cfg.Regs == nil {
		return fmt.Errorf("dwarf expression: DW_OP_reg%d without a register context", n)
	}
	v, ok := e.cfg.Regs.Uint64Val(n)
	if !ok {
		return fmt.Errorf("dwarf expression: register %d unavailable", n)
	}
	e.push(v)
	return nil
}

func (e *evaluator) execBreg(n uint64, r *dwarfbits.Reader) error {
	off, err := r.SLEB128()
	if err != nil {
		return err
	}
	if e.cfg.Regs == nil {
		return fmt.Errorf("dwarf expression: DW_OP_breg%d without a register context", n)
	}
	v, ok := e.cfg.Regs.Uint64Val(n)
	if !ok {
		return fmt.Errorf("dwarf expression: register %d unavailable", n)
	}
	e.push(uint64(int64(v) + off))
	return nil
}

func (e *evaluator) deref(addr uint64, size int) (uint64, error) {
	if e.cfg.ReadMemory == nil {
		return 0, fmt.Errorf("dwarf expression: DW_OP_deref without a memory reader")
	}
	buf := make([]byte, size)
	if _, err := e.cfg.ReadMemory(buf, addr); err != nil {
		return 0, fmt.Errorf("dwarf expression: deref %#x: %w", addr, err)
	}
	var v uint64
	for i := 0; i < size; i++ {
		shift := i * 8
		if e.cfg.ByteOrder == binary.BigEndian {
			shift = (size - 1 - i) * 8
		}
		v |= uint64(buf[i]) << shift
	}
	return v, nil
}

func (e *evaluator) binop(op byte) error {
	b, err := e.pop()
	if err != nil {
		return err
	}
	a, err := e.pop()
	if err != nil {
		return err
	}
	switch op {
	case OpAnd:
		e.push(a & b)
	case OpDiv:
		if b == 0 {
			return fmt.Errorf("dwarf expression: division by zero")
		}
		e.push(uint64(int64(a) / int64(b)))
	case OpMinus:
		e.push(a - b)
	case OpMod:
		if b == 0 {
			return fmt.Errorf("dwarf expression: modulo by zero")
		}
		e.push(a % b)
	case OpMul:
		e.push(a * b)
	case OpOr:
		e.push(a | b)
	case OpPlus:
		e.push(a + b)
	case OpShl:
		e.push(a << b)
	case OpShr:
		e.push(a >> b)
	case OpShra:
		e.push(uint64(int64(a) >> b))
	case OpXor:
		e.push(a ^ b)
	case OpEq:
		e.push(boolToU64(int64(a) == int64(b)))
	case OpGe:
		e.push(boolToU64(int64(a) >= int64(b)))
	case OpGt:
		e.push(boolToU64(int64(a) > int64(b)))
	case OpLe:
		e.push(boolToU64(int64(a) <= int64(b)))
	case OpLt:
		e.push(boolToU64(int64(a) < int64(b)))
	case OpNe:
		e.push(boolToU64(int64(a) != int64(b)))
	}
	return nil
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
