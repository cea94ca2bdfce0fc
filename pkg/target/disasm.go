package target

import (
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/emutest/gdbsmoke/pkg/dwarf/regnum"
)

// instructionAt disassembles the instruction at pc, for debug logging.
// Only the architectures with a disassembler in x/arch are covered, the
// others log addresses only.
func (t *Target) instructionAt(pc uint64) string {
	buf := make([]byte, 16)
	if err := t.conn.ReadMemory(buf, pc); err != nil {
		return ""
	}
	switch t.family {
	case regnum.AMD64:
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return ""
		}
		return x86asm.GNUSyntax(inst, pc, nil)
	case regnum.I386:
		inst, err := x86asm.Decode(buf, 32)
		if err != nil {
			return ""
		}
		return x86asm.GNUSyntax(inst, pc, nil)
	case regnum.ARM64:
		inst, err := arm64asm.Decode(buf)
		if err != nil {
			return ""
		}
		return arm64asm.GNUSyntax(inst)
	default:
		return ""
	}
}
