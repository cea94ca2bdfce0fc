package target

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/emutest/gdbsmoke/pkg/dwarf/regnum"
	"github.com/emutest/gdbsmoke/pkg/logflags"
	"github.com/emutest/gdbsmoke/pkg/rsp"
)

// Conn is the subset of the remote serial protocol connection the target
// layer needs. Implemented by *rsp.Conn.
type Conn interface {
	Architecture() string
	RegistersInfo() []rsp.RegisterInfo
	ReadRegister(regnum int, data []byte) error
	ReadRegisters(data []byte) error
	ReadMemory(data []byte, addr uint64) error
	SetBreakpoint(addr uint64, kind int) error
	ClearBreakpoint(addr uint64, kind int) error
	Continue() (rsp.StopPacket, error)
	Step() (rsp.StopPacket, error)
	InitialStopReason() (rsp.StopPacket, error)
	Detach() error
}

// Breakpoint is a software breakpoint installed in the inferior. It is
// owned by the check that created it and deleted after use.
type Breakpoint struct {
	Name     string
	Addr     uint64
	Kind     int
	HitCount int
}

// Options tune the behavior of a Target.
type Options struct {
	// MaxLineSteps bounds the number of instruction steps performed by
	// StepLine while looking for the next source line.
	MaxLineSteps int
}

// Target is the process being debugged: a binary joined to a live stub
// connection.
type Target struct {
	bin  *Binary
	conn Conn

	family       regnum.Family
	regsInfo     []rsp.RegisterInfo
	pcReg        rsp.RegisterInfo
	maxLineSteps int

	breakpoints map[uint64]*Breakpoint

	log *logrus.Entry
}

const defaultMaxLineSteps = 2048

// New attaches the binary's debug information to a live stub connection.
func New(bin *Binary, conn Conn, opts Options) (*Target, error) {
	family := regnum.FamilyOf(conn.Architecture())
	if family == regnum.Unknown {
		family = familyFromMachine(bin.Machine)
	}
	if family == regnum.Unknown {
		return nil, fmt.Errorf("unsupported architecture %q", conn.Architecture())
	}

	t := &Target{
		bin:          bin,
		conn:         conn,
		family:       family,
		regsInfo:     conn.RegistersInfo(),
		maxLineSteps: opts.MaxLineSteps,
		breakpoints:  make(map[uint64]*Breakpoint),
		log:          logflags.TargetLogger(),
	}
	if t.maxLineSteps <= 0 {
		t.maxLineSteps = defaultMaxLineSteps
	}

	pcReg, ok := t.findRegister(regnum.PCNames(family)...)
	if !ok {
		return nil, fmt.Errorf("could not find the program counter in the target description of %q", conn.Architecture())
	}
	t.pcReg = pcReg

	return t, nil
}

// Architecture returns the architecture name of the stub, falling back to
// the binary's when the stub does not declare one.
func (t *Target) Architecture() string {
	if arch := t.conn.Architecture(); arch != "" {
		return arch
	}
	return t.family.String()
}

func (t *Target) findRegister(names ...string) (rsp.RegisterInfo, bool) {
	for _, name := range names {
		for _, reg := range t.regsInfo {
			if strings.EqualFold(reg.Name, name) {
				return reg, true
			}
		}
	}
	return rsp.RegisterInfo{}, false
}

func (t *Target) readRegisterValue(reg rsp.RegisterInfo) (uint64, error) {
	size := reg.Bitsize / 8
	if size <= 0 || size > 8 {
		size = t.bin.ptrSize
	}
	data := make([]byte, size)
	if err := t.conn.ReadRegister(reg.Regnum, data); err != nil {
		return 0, err
	}
	return decodeUint(t.bin.order, data), nil
}

// readDwarfRegister reads a register identified by its DWARF number.
func (t *Target) readDwarfRegister(num uint64) (uint64, error) {
	name := regnum.ToName(t.family, num)
	if name == "" {
		return 0, fmt.Errorf("unknown DWARF register %d for %s", num, t.family)
	}
	reg, ok := t.findRegister(name)
	if !ok {
		return 0, fmt.Errorf("register %s is not in the target description", name)
	}
	return t.readRegisterValue(reg)
}

// ReadPC reads the current program counter.
func (t *Target) ReadPC() (uint64, error) {
	return t.readRegisterValue(t.pcReg)
}

// CreateBreakpoint resolves symbol in the binary and installs a software
// breakpoint at its address.
func (t *Target) CreateBreakpoint(symbol string) (*Breakpoint, error) {
	sym, err := t.bin.LookupSymbol(symbol)
	if err != nil {
		return nil, err
	}
	bp := &Breakpoint{
		Name: sym.Name,
		Addr: sym.Addr,
		Kind: regnum.BreakpointKind(t.family),
	}
	if err := t.conn.SetBreakpoint(bp.Addr, bp.Kind); err != nil {
		return nil, err
	}
	t.breakpoints[bp.Addr] = bp
	t.log.Debugf("breakpoint set at %#x (%s)", bp.Addr, bp.Name)
	return bp, nil
}

// ClearBreakpoint removes a breakpoint from the inferior.
func (t *Target) ClearBreakpoint(bp *Breakpoint) error {
	delete(t.breakpoints, bp.Addr)
	return t.conn.ClearBreakpoint(bp.Addr, bp.Kind)
}

// Continue resumes the inferior and blocks until it stops again, returning
// the program counter at the stop. A stop on an installed breakpoint
// increments its hit count.
func (t *Target) Continue() (uint64, error) {
	sp, err := t.conn.Continue()
	if err != nil {
		return 0, err
	}
	pc, err := t.ReadPC()
	if err != nil {
		return 0, err
	}
	if bp := t.breakpoints[pc]; bp != nil {
		bp.HitCount++
		t.log.Debugf("hit breakpoint %s at %#x (%d hits)", bp.Name, pc, bp.HitCount)
	}
	if logflags.Target() {
		t.log.Debugf("stopped with signal %d at %#x %s", sp.Sig, pc, t.instructionAt(pc))
	}
	return pc, nil
}

// StepLine steps the inferior by single instructions until the line table
// reports a different source line. On targets without line information for
// the current location a single instruction step is performed instead.
func (t *Target) StepLine() error {
	pc, err := t.ReadPC()
	if err != nil {
		return err
	}
	file, line, lineErr := t.bin.LineEntryAt(pc)

	for i := 0; i < t.maxLineSteps; i++ {
		if _, err := t.conn.Step(); err != nil {
			return err
		}
		if lineErr != nil {
			// no line info to compare against, a bare instruction step
			// is the best we can do
			return nil
		}
		pc, err = t.ReadPC()
		if err != nil {
			return err
		}
		newFile, newLine, err := t.bin.LineEntryAt(pc)
		if err != nil {
			// stepped into a range not covered by the line table (stubs,
			// veneers), keep going
			continue
		}
		if newFile != file || newLine != line {
			t.log.Debugf("stepped to %s:%d (%#x)", newFile, newLine, pc)
			return nil
		}
	}
	return fmt.Errorf("no new source line after %d instruction steps", t.maxLineSteps)
}

// Register is a named register value formatted for display.
type Register struct {
	Name  string
	Value string
}

// Registers reads the full register block of the inferior. The smoke test
// only cares that this does not error, but the values are returned for
// diagnostics.
func (t *Target) Registers() ([]Register, error) {
	total := 0
	for _, reg := range t.regsInfo {
		if end := reg.Offset + reg.Bitsize/8; end > total {
			total = end
		}
	}
	data := make([]byte, total)
	if err := t.conn.ReadRegisters(data); err != nil {
		return nil, err
	}

	regs := make([]Register, 0, len(t.regsInfo))
	for _, reg := range t.regsInfo {
		size := reg.Bitsize / 8
		if size <= 0 || reg.Offset+size > len(data) {
			continue
		}
		raw := data[reg.Offset : reg.Offset+size]
		var sb strings.Builder
		sb.WriteString("0x")
		if t.bin.order == binary.LittleEndian {
			for i := len(raw) - 1; i >= 0; i-- {
				fmt.Fprintf(&sb, "%02x", raw[i])
			}
		} else {
			for i := 0; i < len(raw); i++ {
				fmt.Fprintf(&sb, "%02x", raw[i])
			}
		}
		regs = append(regs, Register{Name: reg.Name, Value: sb.String()})
	}
	return regs, nil
}

// ReadMemory reads len(data) bytes at addr from the inferior.
func (t *Target) ReadMemory(data []byte, addr uint64) error {
	return t.conn.ReadMemory(data, addr)
}

// Detach detaches from the stub.
func (t *Target) Detach() error {
	return t.conn.Detach()
}
