package target

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/require"

	"github.com/emutest/gdbsmoke/pkg/dwarf/op"
	"github.com/emutest/gdbsmoke/pkg/rsp"
)

// fakeConn is an in-memory stand-in for a live stub connection.
type fakeConn struct {
	arch    string
	regs    []rsp.RegisterInfo
	regVals map[int]uint64
	mem     map[uint64]byte

	breakpoints map[uint64]bool
	stops       []uint64 // pc values produced by successive Continue/Step calls
	steps       int
	continues   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		arch: "i386:x86-64",
		regs: []rsp.RegisterInfo{
			{Name: "rax", Bitsize: 64, Offset: 0, Regnum: 0},
			{Name: "rbp", Bitsize: 64, Offset: 8, Regnum: 1},
			{Name: "rsp", Bitsize: 64, Offset: 16, Regnum: 2},
			{Name: "rip", Bitsize: 64, Offset: 24, Regnum: 3},
		},
		regVals:     map[int]uint64{},
		mem:         map[uint64]byte{},
		breakpoints: map[uint64]bool{},
	}
}

func (c *fakeConn) setReg(name string, val uint64) {
	for _, r := range c.regs {
		if r.Name == name {
			c.regVals[r.Regnum] = val
			return
		}
	}
	panic("no register " + name)
}

func (c *fakeConn) setMem(addr uint64, data ...byte) {
	for i, b := range data {
		c.mem[addr+uint64(i)] = b
	}
}

func (c *fakeConn) advance() {
	if len(c.stops) > 0 {
		c.setReg("rip", c.stops[0])
		c.stops = c.stops[1:]
	}
}

func (c *fakeConn) Architecture() string              { return c.arch }
func (c *fakeConn) RegistersInfo() []rsp.RegisterInfo { return c.regs }
func (c *fakeConn) Detach() error                     { return nil }
func (c *fakeConn) InitialStopReason() (rsp.StopPacket, error) {
	return rsp.StopPacket{Sig: 5}, nil
}

func (c *fakeConn) ReadRegister(regnum int, data []byte) error {
	v, ok := c.regVals[regnum]
	if !ok {
		return fmt.Errorf("no register %d", regnum)
	}
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
	return nil
}

func (c *fakeConn) ReadRegisters(data []byte) error {
	for _, r := range c.regs {
		size := r.Bitsize / 8
		if r.Offset+size > len(data) {
			continue
		}
		binary.LittleEndian.PutUint64(data[r.Offset:r.Offset+size], c.regVals[r.Regnum])
	}
	return nil
}

func (c *fakeConn) ReadMemory(data []byte, addr uint64) error {
	for i := range data {
		data[i] = c.mem[addr+uint64(i)]
	}
	return nil
}

func (c *fakeConn) SetBreakpoint(addr uint64, kind int) error {
	if c.breakpoints[addr] {
		return fmt.Errorf("breakpoint already set at %#x", addr)
	}
	c.breakpoints[addr] = true
	return nil
}

func (c *fakeConn) ClearBreakpoint(addr uint64, kind int) error {
	if !c.breakpoints[addr] {
		return fmt.Errorf("no breakpoint at %#x", addr)
	}
	delete(c.breakpoints, addr)
	return nil
}

func (c *fakeConn) Continue() (rsp.StopPacket, error) {
	c.continues++
	c.advance()
	return rsp.StopPacket{Sig: 5, Reason: "swbreak"}, nil
}

func (c *fakeConn) Step() (rsp.StopPacket, error) {
	c.steps++
	c.advance()
	return rsp.StopPacket{Sig: 5}, nil
}

func testBinary() *Binary {
	bin := &Binary{
		Machine: elf.EM_X86_64,
		order:   binary.LittleEndian,
		ptrSize: 8,
		symtrie: trie.New(),
	}
	bin.funcCache, _ = lru.New(funcCacheSize)
	bin.symtrie.Add("SHA1Init", Symbol{Name: "SHA1Init", Addr: 0x401000, Size: 0x40})
	bin.symtrie.Add("SHA1Update", Symbol{Name: "SHA1Update", Addr: 0x401040, Size: 0x80})
	bin.symtrie.Add("main", Symbol{Name: "main", Addr: 0x400800, Size: 0x100})
	return bin
}

func testTarget(t *testing.T, conn *fakeConn) *Target {
	t.Helper()
	tgt, err := New(testBinary(), conn, Options{})
	require.NoError(t, err)
	return tgt
}

func testDwarfTarget(t *testing.T, conn *fakeConn, opts Options) *Target {
	t.Helper()
	tgt, err := New(testBinaryWithDwarf(t), conn, opts)
	require.NoError(t, err)
	return tgt
}

func TestNewUnknownArchitecture(t *testing.T) {
	conn := newFakeConn()
	conn.arch = "s390:64-bit"
	bin := testBinary()
	bin.Machine = elf.EM_S390
	_, err := New(bin, conn, Options{})
	require.Error(t, err)
}

func TestNewFallsBackToMachine(t *testing.T) {
	conn := newFakeConn()
	conn.arch = ""
	tgt := testTarget(t, conn)
	require.Equal(t, "amd64", tgt.Architecture())
}

func TestReadPC(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rip", 0x400812)
	tgt := testTarget(t, conn)

	pc, err := tgt.ReadPC()
	require.NoError(t, err)
	require.Equal(t, uint64(0x400812), pc)
}

func TestCreateBreakpointAndContinue(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rip", 0x400800)
	conn.stops = []uint64{0x401000, 0x401000}
	tgt := testTarget(t, conn)

	bp, err := tgt.CreateBreakpoint("SHA1Init")
	require.NoError(t, err)
	require.Equal(t, uint64(0x401000), bp.Addr)
	require.Equal(t, 1, bp.Kind)
	require.True(t, conn.breakpoints[bp.Addr])

	pc, err := tgt.Continue()
	require.NoError(t, err)
	require.Equal(t, bp.Addr, pc)
	require.Equal(t, 1, bp.HitCount)

	_, err = tgt.Continue()
	require.NoError(t, err)
	require.Equal(t, 2, bp.HitCount)

	require.NoError(t, tgt.ClearBreakpoint(bp))
	require.False(t, conn.breakpoints[bp.Addr])
}

func TestCreateBreakpointUnknownSymbol(t *testing.T) {
	tgt := testTarget(t, newFakeConn())
	_, err := tgt.CreateBreakpoint("NoSuchFunction")
	require.Error(t, err)
}

func TestContinueOffBreakpoint(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rip", 0x400800)
	conn.stops = []uint64{0x401040}
	tgt := testTarget(t, conn)

	bp, err := tgt.CreateBreakpoint("SHA1Init")
	require.NoError(t, err)

	pc, err := tgt.Continue()
	require.NoError(t, err)
	require.Equal(t, uint64(0x401040), pc)
	require.Equal(t, 0, bp.HitCount)
}

func TestStepLineAdvancesToNextLine(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rip", 0x401000) // line 10
	conn.stops = []uint64{0x401002, 0x401008}
	tgt := testDwarfTarget(t, conn, Options{})

	require.NoError(t, tgt.StepLine())
	require.Equal(t, 2, conn.steps, "first step stays on line 10, second reaches line 11")

	pc, err := tgt.ReadPC()
	require.NoError(t, err)
	require.Equal(t, uint64(0x401008), pc)
}

func TestStepLineBudgetExhausted(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rip", 0x401000)
	conn.stops = []uint64{0x401001, 0x401002, 0x401003}
	tgt := testDwarfTarget(t, conn, Options{MaxLineSteps: 3})

	err := tgt.StepLine()
	require.Error(t, err)
	require.Equal(t, 3, conn.steps)
}

func TestStepLineWithoutLineInfo(t *testing.T) {
	conn := newFakeConn()
	// past the end of the line table sequence, a bare instruction step
	conn.setReg("rip", 0x401080)
	conn.stops = []uint64{0x401081}
	tgt := testDwarfTarget(t, conn, Options{})

	require.NoError(t, tgt.StepLine())
	require.Equal(t, 1, conn.steps)
}

func TestStepLineSkipsUncoveredRanges(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rip", 0x401000)
	// first stop lands outside the line table, stepping continues
	conn.stops = []uint64{0x401050, 0x401008}
	tgt := testDwarfTarget(t, conn, Options{})

	require.NoError(t, tgt.StepLine())
	require.Equal(t, 2, conn.steps)
}

func TestReadDwarfRegister(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rbp", 0x7fffeeee0000)
	tgt := testTarget(t, conn)

	// DWARF register 6 is rbp on amd64
	v, err := tgt.readDwarfRegister(6)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7fffeeee0000), v)

	_, err = tgt.readDwarfRegister(200)
	require.Error(t, err)
}

func TestCanonicalFrameAddress(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rbp", 0x7fffeeee0000)
	tgt := testTarget(t, conn)

	cfa, err := tgt.canonicalFrameAddress()
	require.NoError(t, err)
	require.Equal(t, int64(0x7fffeeee0010), cfa)
}

func TestFrameBaseExpressions(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rbp", 0x1000)
	tgt := testTarget(t, conn)

	ctxt := &op.Context{
		ReadRegister: tgt.readDwarfRegister,
		ByteOrder:    binary.LittleEndian,
		PtrSize:      8,
		CFA:          0x1010,
	}

	// DW_OP_call_frame_cfa
	fb, err := tgt.frameBase(&Function{frameBase: []byte{0x9c}}, ctxt, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0x1010), fb)

	// DW_OP_breg6 -16
	fb, err = tgt.frameBase(&Function{frameBase: []byte{0x76, 0x70}}, ctxt, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0x1000-16), fb)

	// DW_OP_reg6: frame base lives in the register itself
	fb, err = tgt.frameBase(&Function{frameBase: []byte{0x56}}, ctxt, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0x1000), fb)

	// no frame base at all
	fb, err = tgt.frameBase(&Function{}, ctxt, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), fb)
}

func TestRegisters(t *testing.T) {
	conn := newFakeConn()
	conn.setReg("rax", 0x1122334455667788)
	conn.setReg("rbp", 0x7fffeeee0000)
	conn.setReg("rsp", 0x7fffeeedffe0)
	conn.setReg("rip", 0x401000)
	tgt := testTarget(t, conn)

	regs, err := tgt.Registers()
	require.NoError(t, err)
	require.Len(t, regs, 4)
	require.Equal(t, Register{Name: "rax", Value: "0x1122334455667788"}, regs[0])
	require.Equal(t, Register{Name: "rip", Value: "0x0000000000401000"}, regs[3])
}

func TestSymbolsWithPrefix(t *testing.T) {
	bin := testBinary()

	syms := bin.SymbolsWithPrefix("SHA1")
	require.Len(t, syms, 2)
	require.Equal(t, "SHA1Init", syms[0].Name)
	require.Equal(t, "SHA1Update", syms[1].Name)

	all := bin.SymbolsWithPrefix("")
	require.Len(t, all, 3)
	require.Equal(t, "main", all[0].Name) // lowest address first

	require.Empty(t, bin.SymbolsWithPrefix("zzz"))
}

func TestLookupSymbol(t *testing.T) {
	bin := testBinary()

	sym, err := bin.LookupSymbol("SHA1Init")
	require.NoError(t, err)
	require.Equal(t, uint64(0x401000), sym.Addr)

	_, err = bin.LookupSymbol("SHA1")
	require.Error(t, err, "prefix of a symbol is not a symbol")
}

func TestReadMemory(t *testing.T) {
	conn := newFakeConn()
	conn.mem[0x500000] = 0xde
	conn.mem[0x500001] = 0xad
	tgt := testTarget(t, conn)

	data := make([]byte, 2)
	require.NoError(t, tgt.ReadMemory(data, 0x500000))
	require.Equal(t, []byte{0xde, 0xad}, data)
}
