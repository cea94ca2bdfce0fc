package target

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/emutest/gdbsmoke/pkg/dwarf/regnum"
)

// Symbol is an entry of the target binary's symbol table.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Function describes a subprogram of the target binary, resolved from its
// debug information.
type Function struct {
	Name   string
	LowPC  uint64
	HighPC uint64

	frameBase []byte       // DW_AT_frame_base location expression
	offset    dwarf.Offset // offset of the subprogram DIE
}

// Binary gives access to the symbol table and debug information of the
// test binary running inside the emulator.
type Binary struct {
	Path    string
	Machine elf.Machine

	dw      *dwarf.Data
	order   binary.ByteOrder
	ptrSize int

	symtrie   *trie.Trie
	funcCache *lru.Cache // pc -> *Function
}

const funcCacheSize = 64

// OpenBinary reads the symbol table and debug information of the binary at
// path. The binary must carry DWARF debug info, the smoke test can not
// resolve its variables without it.
func OpenBinary(path string) (*Binary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dw, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%s has no debug info: %v", path, err)
	}

	bin := &Binary{
		Path:    path,
		Machine: f.Machine,
		dw:      dw,
		order:   binary.LittleEndian,
		ptrSize: 8,
		symtrie: trie.New(),
	}
	if f.Data == elf.ELFDATA2MSB {
		bin.order = binary.BigEndian
	}
	if f.Class == elf.ELFCLASS32 {
		bin.ptrSize = 4
	}
	bin.funcCache, _ = lru.New(funcCacheSize)

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("could not read symbol table of %s: %v", path, err)
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		bin.symtrie.Add(s.Name, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
	}

	return bin, nil
}

// ByteOrder returns the byte order of the target.
func (bin *Binary) ByteOrder() binary.ByteOrder {
	return bin.order
}

// PtrSize returns the pointer size of the target in bytes.
func (bin *Binary) PtrSize() int {
	return bin.ptrSize
}

// LookupSymbol resolves name in the binary's symbol table.
func (bin *Binary) LookupSymbol(name string) (Symbol, error) {
	node, ok := bin.symtrie.Find(name)
	if !ok {
		return Symbol{}, fmt.Errorf("could not find symbol %q in %s", name, bin.Path)
	}
	return node.Meta().(Symbol), nil
}

// SymbolsWithPrefix returns all symbols starting with prefix, sorted by
// address. An empty prefix returns the whole symbol table.
func (bin *Binary) SymbolsWithPrefix(prefix string) []Symbol {
	var keys []string
	if prefix == "" {
		keys = bin.symtrie.Keys()
	} else {
		keys = bin.symtrie.PrefixSearch(prefix)
	}
	syms := make([]Symbol, 0, len(keys))
	for _, k := range keys {
		if node, ok := bin.symtrie.Find(k); ok {
			syms = append(syms, node.Meta().(Symbol))
		}
	}
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Addr != syms[j].Addr {
			return syms[i].Addr < syms[j].Addr
		}
		return syms[i].Name < syms[j].Name
	})
	return syms
}

// FunctionAt returns the function containing pc.
func (bin *Binary) FunctionAt(pc uint64) (*Function, error) {
	if v, ok := bin.funcCache.Get(pc); ok {
		return v.(*Function), nil
	}

	rdr := bin.dw.Reader()
	if _, err := rdr.SeekPC(pc); err != nil {
		return nil, fmt.Errorf("no compile unit covers pc %#x: %v", pc, err)
	}

	for {
		entry, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == dwarf.TagCompileUnit {
			// ran into the next unit
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		ranges, err := bin.dw.Ranges(entry)
		if err != nil {
			continue
		}
		for _, rng := range ranges {
			if pc >= rng[0] && pc < rng[1] {
				fn := &Function{
					LowPC:  rng[0],
					HighPC: rng[1],
					offset: entry.Offset,
				}
				fn.Name, _ = entry.Val(dwarf.AttrName).(string)
				fn.frameBase, _ = entry.Val(dwarf.AttrFrameBase).([]byte)
				bin.funcCache.Add(pc, fn)
				return fn, nil
			}
		}
		if entry.Children {
			rdr.SkipChildren()
		}
	}

	return nil, fmt.Errorf("no function covers pc %#x", pc)
}

// LineEntryAt returns the source file and line covering pc.
func (bin *Binary) LineEntryAt(pc uint64) (file string, line int, err error) {
	rdr := bin.dw.Reader()
	cu, err := rdr.SeekPC(pc)
	if err != nil {
		return "", 0, fmt.Errorf("no compile unit covers pc %#x: %v", pc, err)
	}
	lr, err := bin.dw.LineReader(cu)
	if err != nil {
		return "", 0, err
	}
	if lr == nil {
		return "", 0, fmt.Errorf("compile unit of pc %#x has no line table", pc)
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(pc, &le); err != nil {
		return "", 0, err
	}
	if le.File == nil {
		return "", le.Line, nil
	}
	return le.File.Name, le.Line, nil
}

// findVariable searches the subprogram DIE of fn for a variable or formal
// parameter named name, descending into lexical blocks.
func (bin *Binary) findVariable(fn *Function, name string) (*dwarf.Entry, error) {
	rdr := bin.dw.Reader()
	rdr.Seek(fn.offset)
	root, err := rdr.Next()
	if err != nil {
		return nil, err
	}
	if root == nil || !root.Children {
		return nil, fmt.Errorf("no variable %q in function %s", name, fn.Name)
	}

	depth := 1
	for depth > 0 {
		entry, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}

		switch entry.Tag {
		case dwarf.TagVariable, dwarf.TagFormalParameter:
			if n, _ := entry.Val(dwarf.AttrName).(string); n == name {
				return entry, nil
			}
			if entry.Children {
				rdr.SkipChildren()
			}
		case dwarf.TagLexDwarfBlock:
			if entry.Children {
				depth++
			}
		default:
			if entry.Children {
				rdr.SkipChildren()
			}
		}
	}

	return nil, fmt.Errorf("no variable %q in function %s", name, fn.Name)
}

// typeOf resolves the DWARF type of the given DIE.
func (bin *Binary) typeOf(entry *dwarf.Entry) (dwarf.Type, error) {
	off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		name, _ := entry.Val(dwarf.AttrName).(string)
		return nil, fmt.Errorf("%s has no type", name)
	}
	return bin.dw.Type(off)
}

// decodeUint decodes an unsigned integer of up to 8 bytes in the given
// byte order.
func decodeUint(order binary.ByteOrder, data []byte) uint64 {
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

// familyFromMachine is the fallback architecture detection for stubs whose
// target description does not name an architecture.
func familyFromMachine(m elf.Machine) regnum.Family {
	switch m {
	case elf.EM_X86_64:
		return regnum.AMD64
	case elf.EM_386:
		return regnum.I386
	case elf.EM_ARM:
		return regnum.ARM
	case elf.EM_AARCH64:
		return regnum.ARM64
	case elf.EM_RISCV:
		return regnum.RISCV
	default:
		return regnum.Unknown
	}
}
