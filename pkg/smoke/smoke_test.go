package smoke

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emutest/gdbsmoke/pkg/target"
)

type mockDebugger struct {
	arch     string
	pc       uint64
	pcErr    error
	hitCount int
	bpErr    error
	evals    map[string]uint32
	evalErr  error
	stepErr  error
	regsErr  error

	cleared []string
	steps   int
}

func newMockDebugger() *mockDebugger {
	return &mockDebugger{
		arch:     "i386:x86-64",
		pc:       0x401000,
		hitCount: 1,
		evals: map[string]uint32{
			"context->state[0]": 0x67452301,
			"context->state[1]": 0xefcdab89,
		},
	}
}

func (d *mockDebugger) Architecture() string { return d.arch }

func (d *mockDebugger) ReadPC() (uint64, error) { return d.pc, d.pcErr }

func (d *mockDebugger) CreateBreakpoint(symbol string) (*target.Breakpoint, error) {
	if d.bpErr != nil {
		return nil, d.bpErr
	}
	return &target.Breakpoint{Name: symbol, Addr: d.pc, Kind: 1}, nil
}

func (d *mockDebugger) ClearBreakpoint(bp *target.Breakpoint) error {
	d.cleared = append(d.cleared, bp.Name)
	return nil
}

func (d *mockDebugger) Continue() (uint64, error) {
	// the breakpoint records its hits as the target stops on it
	return d.pc, nil
}

func (d *mockDebugger) StepLine() error {
	d.steps++
	return d.stepErr
}

func (d *mockDebugger) EvalUint32(expr string) (uint32, error) {
	if d.evalErr != nil {
		return 0, d.evalErr
	}
	v, ok := d.evals[expr]
	if !ok {
		return 0, fmt.Errorf("cannot evaluate %q", expr)
	}
	return v, nil
}

func (d *mockDebugger) Registers() ([]target.Register, error) {
	if d.regsErr != nil {
		return nil, d.regsErr
	}
	return []target.Register{{Name: "rip", Value: "0x0000000000401000"}}, nil
}

func testSession(d *mockDebugger) (*Session, *bytes.Buffer, *bytes.Buffer) {
	out := new(bytes.Buffer)
	errOut := new(bytes.Buffer)
	s := New(&hitCountingDebugger{d}, NewReporter(out))
	s.errOut = errOut
	return s, out, errOut
}

// hitCountingDebugger presets the hit count the mock cannot track across
// Continue calls.
type hitCountingDebugger struct {
	*mockDebugger
}

func (d *hitCountingDebugger) CreateBreakpoint(symbol string) (*target.Breakpoint, error) {
	bp, err := d.mockDebugger.CreateBreakpoint(symbol)
	if err != nil {
		return nil, err
	}
	bp.HitCount = d.hitCount
	return bp, nil
}

func TestRunAllPass(t *testing.T) {
	d := newMockDebugger()
	s, out, errOut := testSession(d)

	require.Equal(t, 0, s.Run())

	output := out.String()
	require.Contains(t, output, "ATTACHED: i386:x86-64\n")
	require.Contains(t, output, fmt.Sprintf("PASS: break @ %#x (SHA1Init 1 hits)\n", d.pc))
	require.Contains(t, output, "PASS: context->state[0] == 67452301\n")
	require.Contains(t, output, "PASS: context->state[1] == efcdab89\n")
	require.Contains(t, output, "All tests complete: 0 failures\n")
	require.Empty(t, errOut.String())
	require.Equal(t, []string{"SHA1Init"}, d.cleared)
	require.Equal(t, 3, d.steps)
}

func TestRunWrongStateValue(t *testing.T) {
	d := newMockDebugger()
	d.evals["context->state[0]"] = 0xdeadbeef
	s, out, _ := testSession(d)

	require.Equal(t, 1, s.Run())
	require.Contains(t, out.String(), "FAIL: context->state[0] == 67452301\n")
	require.Contains(t, out.String(), "All tests complete: 1 failures\n")
}

func TestRunBreakpointHitTwice(t *testing.T) {
	d := newMockDebugger()
	d.hitCount = 2
	s, out, _ := testSession(d)

	require.Equal(t, 1, s.Run())
	require.Contains(t, out.String(), fmt.Sprintf("FAIL: break @ %#x (SHA1Init 2 hits)\n", d.pc))
}

func TestRunSkipsWhenNotConnected(t *testing.T) {
	d := newMockDebugger()
	d.arch = ""
	s, out, errOut := testSession(d)

	require.Equal(t, 0, s.Run())
	require.Equal(t, "SKIPPING (not connected)\n", errOut.String())
	require.Empty(t, out.String())
}

func TestRunSkipsWhenPCUnreadable(t *testing.T) {
	d := newMockDebugger()
	d.pcErr = errors.New("connection reset")
	s, _, errOut := testSession(d)

	require.Equal(t, 0, s.Run())
	require.Equal(t, "SKIPPING (not connected)\n", errOut.String())
}

func TestRunSkipsWhenPCZero(t *testing.T) {
	d := newMockDebugger()
	d.pc = 0
	s, out, _ := testSession(d)

	require.Equal(t, 0, s.Run())
	require.Contains(t, out.String(), "SKIP: PC not set\n")
	require.NotContains(t, out.String(), "All tests complete")
}

func TestRunScoresDebuggerErrors(t *testing.T) {
	d := newMockDebugger()
	d.stepErr = errors.New("target did not halt")
	s, out, _ := testSession(d)

	require.Equal(t, 1, s.Run())
	require.Contains(t, out.String(), "Debugger exception: target did not halt\n")
	require.Contains(t, out.String(), "All tests complete: 1 failures\n")
}

func TestReporter(t *testing.T) {
	out := new(bytes.Buffer)
	r := NewReporter(out)

	r.Report(true, "first")
	r.Report(false, "second")
	r.Report(true, "third")
	require.Equal(t, 1, r.Failures())

	r.Summary()
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Equal(t, []string{
		"PASS: first",
		"FAIL: second",
		"PASS: third",
		"All tests complete: 1 failures",
	}, lines)
}
