// Package smoke drives the SHA1 gdbstub smoke test: break on SHA1Init,
// step through its body and verify the hash state is initialized to the
// constants of RFC 3174.
package smoke

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emutest/gdbsmoke/pkg/logflags"
	"github.com/emutest/gdbsmoke/pkg/target"
)

// Debugger is the part of the target layer the checks drive.
type Debugger interface {
	Architecture() string
	ReadPC() (uint64, error)
	CreateBreakpoint(symbol string) (*target.Breakpoint, error)
	ClearBreakpoint(bp *target.Breakpoint) error
	Continue() (uint64, error)
	StepLine() error
	EvalUint32(expr string) (uint32, error)
	Registers() ([]target.Register, error)
}

// Session runs the smoke checks against an attached target.
type Session struct {
	dbg    Debugger
	rep    *Reporter
	errOut io.Writer
	log    *logrus.Entry
}

// New creates a session. Each session is tagged with a fresh run id so
// interleaved logs of parallel invocations can be told apart.
func New(dbg Debugger, rep *Reporter) *Session {
	return &Session{
		dbg:    dbg,
		rep:    rep,
		errOut: os.Stderr,
		log:    logflags.SmokeLogger().WithField("run", uuid.New().String()),
	}
}

// Initial values of the SHA1 state words, per RFC 3174 section 6.1.
const (
	sha1H0 = 0x67452301
	sha1H1 = 0xefcdab89
)

// CheckBreak installs a breakpoint on symbol, runs to it and verifies it
// was hit exactly once. The breakpoint is removed afterwards so later
// resumes are not disturbed by it.
func (s *Session) CheckBreak(symbol string) error {
	bp, err := s.dbg.CreateBreakpoint(symbol)
	if err != nil {
		return err
	}
	defer s.dbg.ClearBreakpoint(bp)

	pc, err := s.dbg.Continue()
	if err != nil {
		return err
	}
	s.rep.Report(bp.HitCount == 1, fmt.Sprintf("break @ %#x (%s %d hits)", pc, bp.Name, bp.HitCount))
	return nil
}

// runSequence is the check sequence proper. Any error aborts the run and
// is scored as a single failure by Run.
func (s *Session) runSequence() error {
	if err := s.CheckBreak("SHA1Init"); err != nil {
		return err
	}

	// step off the breakpoint and past the prologue, onto the first
	// assignment of the state array
	if err := s.dbg.StepLine(); err != nil {
		return err
	}
	if err := s.dbg.StepLine(); err != nil {
		return err
	}
	val, err := s.dbg.EvalUint32("context->state[0]")
	if err != nil {
		return err
	}
	s.rep.Report(val == sha1H0, fmt.Sprintf("context->state[0] == %x", uint32(sha1H0)))

	if err := s.dbg.StepLine(); err != nil {
		return err
	}
	val, err = s.dbg.EvalUint32("context->state[1]")
	if err != nil {
		return err
	}
	s.rep.Report(val == sha1H1, fmt.Sprintf("context->state[1] == %x", uint32(sha1H1)))

	// finally check we don't barf reading the whole register block
	regs, err := s.dbg.Registers()
	if err != nil {
		return err
	}
	for _, reg := range regs {
		s.log.Debugf("%s = %s", reg.Name, reg.Value)
	}
	return nil
}

// Run drives the whole smoke test and returns the failure count, which is
// the intended process exit status. A target that is not in a testable
// state (no connection, program counter still zero) skips with zero
// failures rather than failing.
func (s *Session) Run() int {
	arch := s.dbg.Architecture()
	if arch == "" {
		fmt.Fprintln(s.errOut, "SKIPPING (not connected)")
		return 0
	}
	s.rep.Printf("ATTACHED: %s\n", arch)

	pc, err := s.dbg.ReadPC()
	if err != nil {
		fmt.Fprintln(s.errOut, "SKIPPING (not connected)")
		return 0
	}
	if pc == 0 {
		s.rep.Printf("SKIP: PC not set\n")
		return 0
	}

	if err := s.runSequence(); err != nil {
		s.log.Errorf("run aborted: %v", err)
		s.rep.Printf("Debugger exception: %v\n", err)
		s.rep.failures++
	}

	s.rep.Summary()
	return s.rep.Failures()
}
