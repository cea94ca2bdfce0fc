package target

import (
	"debug/dwarf"
	"fmt"
	"strconv"
	"strings"

	"github.com/emutest/gdbsmoke/pkg/dwarf/op"
	"github.com/emutest/gdbsmoke/pkg/dwarf/regnum"
)

// expression is the restricted expression grammar the smoke test needs:
//
//	ident ( -> field )? ( [ index ] )?
type expression struct {
	ident    string
	field    string
	index    int
	hasField bool
	hasIndex bool
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func parseExpression(s string) (expression, error) {
	var e expression
	s = strings.TrimSpace(s)

	i := 0
	for i < len(s) && isIdentChar(s[i]) {
		i++
	}
	if i == 0 {
		return e, fmt.Errorf("expected identifier in %q", s)
	}
	e.ident = s[:i]
	rest := s[i:]

	if strings.HasPrefix(rest, "->") {
		rest = rest[2:]
		j := 0
		for j < len(rest) && isIdentChar(rest[j]) {
			j++
		}
		if j == 0 {
			return e, fmt.Errorf("expected field name after -> in %q", s)
		}
		e.field = rest[:j]
		e.hasField = true
		rest = rest[j:]
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return e, fmt.Errorf("missing ] in %q", s)
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
		if err != nil || n < 0 {
			return e, fmt.Errorf("bad array index in %q", s)
		}
		e.index = n
		e.hasIndex = true
		rest = rest[end+1:]
	}

	if strings.TrimSpace(rest) != "" {
		return e, fmt.Errorf("trailing characters in expression %q", s)
	}
	return e, nil
}

// resolveTypedefs unwraps typedef and qualifier layers around a type.
func resolveTypedefs(typ dwarf.Type) dwarf.Type {
	for {
		switch t := typ.(type) {
		case *dwarf.TypedefType:
			typ = t.Type
		case *dwarf.QualType:
			typ = t.Type
		default:
			return typ
		}
	}
}

// EvalUint32 evaluates an expression of the restricted grammar
// ident(->field)?([index])? in the context of the stopped frame and reads
// its value as a 32 bit unsigned integer.
func (t *Target) EvalUint32(exprstr string) (uint32, error) {
	expr, err := parseExpression(exprstr)
	if err != nil {
		return 0, err
	}

	pc, err := t.ReadPC()
	if err != nil {
		return 0, err
	}
	fn, err := t.bin.FunctionAt(pc)
	if err != nil {
		return 0, err
	}
	varEntry, err := t.bin.findVariable(fn, expr.ident)
	if err != nil {
		return 0, err
	}

	locExpr, ok := varEntry.Val(dwarf.AttrLocation).([]byte)
	if !ok {
		return 0, fmt.Errorf("variable %q has no location expression (location lists are not supported)", expr.ident)
	}

	ctxt, err := t.locationContext(fn)
	if err != nil {
		return 0, err
	}
	loc, err := op.ExecuteLocationProgram(locExpr, ctxt)
	if err != nil {
		return 0, fmt.Errorf("could not evaluate location of %q: %v", expr.ident, err)
	}
	typ, err := t.bin.typeOf(varEntry)
	if err != nil {
		return 0, err
	}

	if expr.hasField {
		ptrTyp, ok := resolveTypedefs(typ).(*dwarf.PtrType)
		if !ok {
			return 0, fmt.Errorf("%q is not a pointer, -> can not be applied", expr.ident)
		}
		base, err := t.readPointer(loc)
		if err != nil {
			return 0, err
		}
		strct, ok := resolveTypedefs(ptrTyp.Type).(*dwarf.StructType)
		if !ok {
			return 0, fmt.Errorf("%q does not point to a struct", expr.ident)
		}
		var field *dwarf.StructField
		for _, f := range strct.Field {
			if f.Name == expr.field {
				field = f
				break
			}
		}
		if field == nil {
			return 0, fmt.Errorf("struct %s has no field %q", strct.StructName, expr.field)
		}
		loc = op.Location{Addr: int64(base) + field.ByteOffset}
		typ = field.Type
	}

	if expr.hasIndex {
		if loc.InReg {
			return 0, fmt.Errorf("can not index a value kept in a register")
		}
		arr, ok := resolveTypedefs(typ).(*dwarf.ArrayType)
		if !ok {
			return 0, fmt.Errorf("%q is not an array", exprstr)
		}
		elemSize := arr.Type.Size()
		if elemSize <= 0 {
			return 0, fmt.Errorf("array of %s has unknown element size", arr.Type)
		}
		loc.Addr += int64(expr.index) * elemSize
		typ = arr.Type
	}

	if loc.InReg {
		v, err := t.readDwarfRegister(loc.Reg)
		return uint32(v), err
	}
	data := make([]byte, 4)
	if err := t.conn.ReadMemory(data, uint64(loc.Addr)); err != nil {
		return 0, err
	}
	return uint32(decodeUint(t.bin.order, data)), nil
}

// readPointer reads a pointer-sized value from a location.
func (t *Target) readPointer(loc op.Location) (uint64, error) {
	if loc.InReg {
		return t.readDwarfRegister(loc.Reg)
	}
	data := make([]byte, t.bin.ptrSize)
	if err := t.conn.ReadMemory(data, uint64(loc.Addr)); err != nil {
		return 0, err
	}
	return decodeUint(t.bin.order, data), nil
}

// locationContext builds the evaluation context for location expressions
// of variables of fn.
func (t *Target) locationContext(fn *Function) (*op.Context, error) {
	ctxt := &op.Context{
		ReadRegister: t.readDwarfRegister,
		ByteOrder:    t.bin.order,
		PtrSize:      t.bin.ptrSize,
	}

	cfa, cfaErr := t.canonicalFrameAddress()
	if cfaErr == nil {
		ctxt.CFA = cfa
	}

	fb, err := t.frameBase(fn, ctxt, cfaErr)
	if err != nil {
		return nil, err
	}
	ctxt.FrameBase = fb
	return ctxt, nil
}

// frameBase evaluates the DW_AT_frame_base expression of fn.
func (t *Target) frameBase(fn *Function, ctxt *op.Context, cfaErr error) (int64, error) {
	if len(fn.frameBase) == 0 {
		return 0, nil
	}
	if len(fn.frameBase) == 1 && op.Opcode(fn.frameBase[0]) == op.DW_OP_call_frame_cfa {
		if cfaErr != nil {
			return 0, cfaErr
		}
		return ctxt.CFA, nil
	}
	loc, err := op.ExecuteLocationProgram(fn.frameBase, ctxt)
	if err != nil {
		return 0, fmt.Errorf("could not evaluate frame base of %s: %v", fn.Name, err)
	}
	if loc.InReg {
		v, err := t.readDwarfRegister(loc.Reg)
		return int64(v), err
	}
	return loc.Addr, nil
}

// canonicalFrameAddress approximates the CFA from the frame pointer,
// assuming the conventional full frame layout of each architecture. The
// call frame information section is not consulted.
func (t *Target) canonicalFrameAddress() (int64, error) {
	fp, err := t.readDwarfRegister(regnum.FP(t.family))
	if err != nil {
		return 0, err
	}
	switch t.family {
	case regnum.AMD64, regnum.I386:
		// saved frame pointer and return address sit between fp and the CFA
		return int64(fp) + int64(2*t.bin.ptrSize), nil
	case regnum.ARM64:
		// stp x29, x30, [sp, #-16]!; mov x29, sp
		return int64(fp) + 16, nil
	case regnum.RISCV:
		// the prologue sets s0 to the incoming stack pointer
		return int64(fp), nil
	default:
		return int64(fp) + int64(2*t.bin.ptrSize), nil
	}
}
