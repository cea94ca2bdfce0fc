// Package regnum maps DWARF register numbers to the register names used by
// the target descriptions of the architectures the smoke test runs on.
package regnum

import (
	"fmt"
	"strings"
)

// Family identifies the register numbering scheme of an architecture.
type Family int

const (
	Unknown Family = iota
	AMD64
	I386
	ARM
	ARM64
	RISCV
)

// FamilyOf guesses the register numbering scheme from the architecture
// name declared in the stub's target.xml (e.g. "i386:x86-64", "aarch64",
// "riscv:rv64").
func FamilyOf(arch string) Family {
	switch {
	case strings.HasPrefix(arch, "i386:x86-64"):
		return AMD64
	case strings.HasPrefix(arch, "i386"):
		return I386
	case strings.HasPrefix(arch, "aarch64"):
		return ARM64
	case strings.HasPrefix(arch, "arm"):
		return ARM
	case strings.HasPrefix(arch, "riscv"):
		return RISCV
	default:
		return Unknown
	}
}

func (f Family) String() string {
	switch f {
	case AMD64:
		return "amd64"
	case I386:
		return "i386"
	case ARM:
		return "arm"
	case ARM64:
		return "arm64"
	case RISCV:
		return "riscv"
	default:
		return "unknown"
	}
}

// The mapping between hardware registers and DWARF registers for amd64 is
// specified in the System V ABI AMD64 Architecture Processor Supplement
// page 61, figure 3.36.
var amd64DwarfToName = []string{
	"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip",
}

// i386 mapping per the System V ABI Intel386 Architecture Processor
// Supplement, table 2.14.
var i386DwarfToName = []string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"eip",
}

// riscv mapping per the RISC-V DWARF specification; names are the ABI
// names used by QEMU's target description.
var riscvDwarfToName = []string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"fp", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// ToName translates a DWARF register number to the name the target
// description uses for it. An empty string means the register is not one
// the smoke test knows how to read.
func ToName(f Family, num uint64) string {
	fromTable := func(table []string) string {
		if num < uint64(len(table)) {
			return table[num]
		}
		return ""
	}
	switch f {
	case AMD64:
		return fromTable(amd64DwarfToName)
	case I386:
		return fromTable(i386DwarfToName)
	case ARM:
		// r0 through r15; 13 is sp, 14 is lr, 15 is pc
		switch num {
		case 13:
			return "sp"
		case 14:
			return "lr"
		case 15:
			return "pc"
		}
		if num <= 12 {
			return fmt.Sprintf("r%d", num)
		}
		return ""
	case ARM64:
		// DWARF for the ARM 64-bit Architecture (AArch64), table 1
		switch num {
		case 31:
			return "sp"
		case 32:
			return "pc"
		}
		if num <= 30 {
			return fmt.Sprintf("x%d", num)
		}
		return ""
	case RISCV:
		return fromTable(riscvDwarfToName)
	default:
		return ""
	}
}

// FP returns the DWARF number of the conventional frame pointer register.
func FP(f Family) uint64 {
	switch f {
	case AMD64:
		return 6 // rbp
	case I386:
		return 5 // ebp
	case ARM:
		return 11 // r11
	case ARM64:
		return 29 // x29
	case RISCV:
		return 8 // s0/fp
	default:
		return 0
	}
}

// SP returns the DWARF number of the stack pointer register.
func SP(f Family) uint64 {
	switch f {
	case AMD64:
		return 7
	case I386:
		return 4
	case ARM:
		return 13
	case ARM64:
		return 31
	case RISCV:
		return 2
	default:
		return 0
	}
}

// PCNames returns the names the program counter register can have in a
// target description, most specific first.
func PCNames(f Family) []string {
	switch f {
	case AMD64:
		return []string{"rip"}
	case I386:
		return []string{"eip"}
	default:
		return []string{"pc", "rip", "eip"}
	}
}

// BreakpointKind returns the kind field of the Z0 packet, the size in
// bytes of the architecture's breakpoint instruction.
func BreakpointKind(f Family) int {
	switch f {
	case AMD64, I386:
		return 1
	case RISCV:
		return 2 // compressed instructions
	default:
		return 4
	}
}
