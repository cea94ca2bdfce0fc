package target

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExpression(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want expression
	}{
		{"context", expression{ident: "context"}},
		{"failcount", expression{ident: "failcount"}},
		{"context->state", expression{ident: "context", field: "state", hasField: true}},
		{"context->state[0]", expression{ident: "context", field: "state", hasField: true, index: 0, hasIndex: true}},
		{"context->state[13]", expression{ident: "context", field: "state", hasField: true, index: 13, hasIndex: true}},
		{"buf[2]", expression{ident: "buf", index: 2, hasIndex: true}},
		{" context->state[ 1 ] ", expression{ident: "context", field: "state", hasField: true, index: 1, hasIndex: true}},
	} {
		got, err := parseExpression(tc.in)
		require.NoError(t, err, "parseExpression(%q)", tc.in)
		require.Equal(t, tc.want, got, "parseExpression(%q)", tc.in)
	}
}

// evalConn stops the fake target inside SHA1Init with a SHA1_CTX laid out
// in memory at 0x500000 and the context pointer in the frame at fbreg -24.
// The CFA is rbp+16, so the frame slots live below 0x7ffc0010.
func evalConn() *fakeConn {
	conn := newFakeConn()
	conn.setReg("rip", 0x401010)
	conn.setReg("rbp", 0x7ffc0000)
	conn.setMem(0x7ffbfff8, 0x00, 0x00, 0x50, 0, 0, 0, 0, 0) // context = 0x500000
	conn.setMem(0x7ffbfff0, 0x2a, 0, 0, 0)                   // i = 42
	conn.setMem(0x500000, 0x01, 0x23, 0x45, 0x67)            // state[0]
	conn.setMem(0x500004, 0x89, 0xab, 0xcd, 0xef)            // state[1]
	conn.setMem(0x500014, 0x07, 0, 0, 0)                     // count
	return conn
}

func TestEvalUint32(t *testing.T) {
	tgt := testDwarfTarget(t, evalConn(), Options{})

	for _, tc := range []struct {
		expr string
		want uint32
	}{
		{"context->state[0]", 0x67452301},
		{"context->state[1]", 0xefcdab89},
		{"context->count", 7},
		{"i", 42},
	} {
		v, err := tgt.EvalUint32(tc.expr)
		require.NoError(t, err, "EvalUint32(%q)", tc.expr)
		require.Equal(t, tc.want, v, "EvalUint32(%q)", tc.expr)
	}
}

func TestEvalUint32Errors(t *testing.T) {
	tgt := testDwarfTarget(t, evalConn(), Options{})

	for _, expr := range []string{
		"missing",           // no such variable
		"context->nosuch",   // no such field
		"i->count",          // not a pointer
		"i[0]",              // not an array
		"context->count[0]", // field is not an array
	} {
		_, err := tgt.EvalUint32(expr)
		require.Error(t, err, "EvalUint32(%q)", expr)
	}
}

func TestEvalUint32OutsideFunction(t *testing.T) {
	conn := evalConn()
	conn.setReg("rip", 0x4010f0)
	tgt := testDwarfTarget(t, conn, Options{})

	_, err := tgt.EvalUint32("context->state[0]")
	require.Error(t, err)
}

func TestParseExpressionErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"->state",
		"context->",
		"context->state[",
		"context->state[-1]",
		"context->state[x]",
		"context->state[0]trailing",
		"context.state",
		"*context",
	} {
		_, err := parseExpression(in)
		require.Error(t, err, "parseExpression(%q)", in)
	}
}
