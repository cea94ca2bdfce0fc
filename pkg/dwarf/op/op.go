// Package op evaluates the subset of DWARF location expressions needed to
// find the variables inspected by the smoke test: single-register
// locations, frame-base-relative locations, and small address arithmetic.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/emutest/gdbsmoke/pkg/dwarf/leb128"
)

// Opcode represents a DWARF stack program instruction.
type Opcode byte

const (
	DW_OP_addr           Opcode = 0x03
	DW_OP_constu         Opcode = 0x10
	DW_OP_consts         Opcode = 0x11
	DW_OP_plus           Opcode = 0x22
	DW_OP_plus_uconst    Opcode = 0x23
	DW_OP_reg0           Opcode = 0x50 // DW_OP_reg1 through DW_OP_reg31 follow
	DW_OP_reg31          Opcode = 0x6f
	DW_OP_breg0          Opcode = 0x70 // DW_OP_breg1 through DW_OP_breg31 follow
	DW_OP_breg31         Opcode = 0x8f
	DW_OP_regx           Opcode = 0x90
	DW_OP_fbreg          Opcode = 0x91
	DW_OP_bregx          Opcode = 0x92
	DW_OP_call_frame_cfa Opcode = 0x9c
)

// Context provides the target state a location expression is evaluated
// against.
type Context struct {
	// ReadRegister returns the current value of a register identified by
	// its DWARF register number.
	ReadRegister func(num uint64) (uint64, error)
	// FrameBase is the value DW_OP_fbreg offsets are relative to.
	FrameBase int64
	// CFA is the canonical frame address used by DW_OP_call_frame_cfa.
	CFA int64
	// ByteOrder and PtrSize describe how DW_OP_addr literals are encoded.
	ByteOrder binary.ByteOrder
	PtrSize   int
}

// Location is the result of executing a location expression: either a
// memory address or a register number.
type Location struct {
	InReg bool
	Reg   uint64
	Addr  int64
}

var (
	// ErrLocationUnreadable is returned for variables without a location
	// (optimized out or not live at the current PC).
	ErrLocationUnreadable = errors.New("location expression is empty")

	errNoReadRegister = errors.New("location expression needs register access")
)

// ExecuteLocationProgram executes a DWARF location expression and returns
// the location of the value it describes.
func ExecuteLocationProgram(instructions []byte, ctxt *Context) (Location, error) {
	if len(instructions) == 0 {
		return Location{}, ErrLocationUnreadable
	}

	buf := bytes.NewBuffer(instructions)
	stack := make([]int64, 0, 3)

	push := func(v int64) { stack = append(stack, v) }
	pop := func() (int64, error) {
		if len(stack) == 0 {
			return 0, errors.New("stack underflow in location expression")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	readReg := func(num uint64) (uint64, error) {
		if ctxt.ReadRegister == nil {
			return 0, errNoReadRegister
		}
		return ctxt.ReadRegister(num)
	}

	for buf.Len() > 0 {
		opcodeByte, err := buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)

		switch {
		case opcode == DW_OP_addr:
			addr := make([]byte, ctxt.PtrSize)
			if _, err := buf.Read(addr); err != nil {
				return Location{}, err
			}
			push(int64(readUint(ctxt.ByteOrder, addr)))

		case opcode == DW_OP_constu:
			n, _ := leb128.DecodeUnsigned(buf)
			push(int64(n))

		case opcode == DW_OP_consts:
			n, _ := leb128.DecodeSigned(buf)
			push(n)

		case opcode == DW_OP_plus:
			a, err := pop()
			if err != nil {
				return Location{}, err
			}
			b, err := pop()
			if err != nil {
				return Location{}, err
			}
			push(a + b)

		case opcode == DW_OP_plus_uconst:
			n, _ := leb128.DecodeUnsigned(buf)
			a, err := pop()
			if err != nil {
				return Location{}, err
			}
			push(a + int64(n))

		case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
			// register locations are only valid as the whole expression
			if buf.Len() != 0 {
				return Location{}, fmt.Errorf("trailing instructions after %#x", byte(opcode))
			}
			return Location{InReg: true, Reg: uint64(opcode - DW_OP_reg0)}, nil

		case opcode == DW_OP_regx:
			n, _ := leb128.DecodeUnsigned(buf)
			if buf.Len() != 0 {
				return Location{}, fmt.Errorf("trailing instructions after %#x", byte(opcode))
			}
			return Location{InReg: true, Reg: n}, nil

		case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
			off, _ := leb128.DecodeSigned(buf)
			regval, err := readReg(uint64(opcode - DW_OP_breg0))
			if err != nil {
				return Location{}, err
			}
			push(int64(regval) + off)

		case opcode == DW_OP_bregx:
			n, _ := leb128.DecodeUnsigned(buf)
			off, _ := leb128.DecodeSigned(buf)
			regval, err := readReg(n)
			if err != nil {
				return Location{}, err
			}
			push(int64(regval) + off)

		case opcode == DW_OP_fbreg:
			off, _ := leb128.DecodeSigned(buf)
			push(ctxt.FrameBase + off)

		case opcode == DW_OP_call_frame_cfa:
			push(ctxt.CFA)

		default:
			return Location{}, fmt.Errorf("unsupported location expression instruction %#x", byte(opcode))
		}
	}

	if len(stack) == 0 {
		return Location{}, errors.New("empty OP stack")
	}
	return Location{Addr: stack[len(stack)-1]}, nil
}

func readUint(order binary.ByteOrder, data []byte) uint64 {
	switch len(data) {
	case 2:
		return uint64(order.Uint16(data))
	case 4:
		return uint64(order.Uint32(data))
	case 8:
		return order.Uint64(data)
	default:
		var v uint64
		if order == binary.LittleEndian {
			for i := len(data) - 1; i >= 0; i-- {
				v = v<<8 | uint64(data[i])
			}
		} else {
			for i := 0; i < len(data); i++ {
				v = v<<8 | uint64(data[i])
			}
		}
		return v
	}
}
