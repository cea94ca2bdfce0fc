package rsp

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emutest/gdbsmoke/pkg/logflags"
	"github.com/sirupsen/logrus"
)

// Conn is a connection to a stub speaking the Gdb Remote Serial Protocol,
// like the one exposed by QEMU's -gdb option.
type Conn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int            // maximum packet size supported by stub
	regsInfo   []RegisterInfo // list of registers
	arch       string         // architecture name from target.xml

	ack                 bool // when ack is true acknowledgment packets are enabled
	vContSupported      bool // stub supports the vCont resume packet
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read

	log *logrus.Entry
}

// RegisterInfo describes one register of the target, as read from the
// stub's target.xml description.
type RegisterInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Offset  int
	Regnum  int    `xml:"regnum,attr"`
	Group   string `xml:"group,attr"`
}

// ErrTooManyAttempts is returned when the checksum of a packet could not be
// validated after maxTransmitAttempts tries.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ErrProcessExited is returned by Continue and Step when the inferior
// exited instead of stopping.
type ErrProcessExited struct {
	Status int
}

func (err ErrProcessExited) Error() string {
	return fmt.Sprintf("process exited with status %d", err.Status)
}

// ProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	rsperr, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	return rsperr.code == ""
}

const qSupportedPacket = "$qSupported:swbreak+;hwbreak+;no-resumed+;vContSupported+"

// Dial connects to the stub listening at addr and performs the protocol
// handshake. A connection that can not be established within timeout is
// reported as a plain error, the caller decides whether that is a skip.
func Dial(addr string, timeout time.Duration, maxTransmitAttempts int) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return New(c, maxTransmitAttempts)
}

// New wraps an established connection to a stub and performs the protocol
// handshake on it.
func New(c net.Conn, maxTransmitAttempts int) (*Conn, error) {
	conn := &Conn{
		conn:                c,
		maxTransmitAttempts: maxTransmitAttempts,
		log:                 logflags.RSPWireLogger(),
	}
	if err := conn.handshake(); err != nil {
		c.Close()
		return nil, err
	}
	return conn, nil
}

func (conn *Conn) handshake() error {
	conn.ack = true
	conn.packetSize = 256
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	features, err := conn.qSupported()
	if err != nil {
		return err
	}
	conn.vContSupported = features["vContSupported"]

	if err := conn.disableAck(); err != nil {
		return err
	}

	// Read the target description to discover the architecture and the
	// layout of the 'g' register block.
	if err := conn.readTargetXml(); err != nil {
		return err
	}

	return nil
}

// qSupported interprets qSupported responses.
func (conn *Conn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte(qSupportedPacket), "init/qSupported")
	if err != nil {
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks. A stub that does not support
// QStartNoAckMode simply keeps acks on, any other error is real.
func (conn *Conn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err != nil {
		if isProtocolErrorUnsupported(err) {
			return nil
		}
		return err
	}
	conn.ack = false
	return nil
}

// targetDescription is used to parse target.xml
type targetDescription struct {
	Architecture string                     `xml:"architecture"`
	Includes     []targetDescriptionInclude `xml:"include"`
	Registers    []RegisterInfo             `xml:"reg"`
	Features     []targetDescriptionFeature `xml:"feature"`
}

type targetDescriptionInclude struct {
	Href string `xml:"href,attr"`
}

type targetDescriptionFeature struct {
	Registers []RegisterInfo `xml:"reg"`
}

// readTargetXml reads the target.xml file from the stub using
// qXfer:features:read, then parses it requesting any additional files.
// The schema of target.xml is described by:
//
//	https://github.com/bminor/binutils-gdb/blob/61baf725eca99af2569262d10aca03dcde2698f6/gdb/features/gdb-target.dtd
func (conn *Conn) readTargetXml() (err error) {
	conn.regsInfo, err = conn.readAnnex("target.xml")
	if err != nil {
		return err
	}
	var offset int
	regnum := 0
	for i := range conn.regsInfo {
		if conn.regsInfo[i].Regnum == 0 {
			conn.regsInfo[i].Regnum = regnum
		} else {
			regnum = conn.regsInfo[i].Regnum
		}
		conn.regsInfo[i].Offset = offset
		offset += conn.regsInfo[i].Bitsize / 8
		regnum++
	}
	if len(conn.regsInfo) == 0 {
		return errors.New("target description contains no registers")
	}
	return nil
}

func (conn *Conn) readAnnex(annex string) ([]RegisterInfo, error) {
	tgtbuf, err := conn.qXfer("features", annex)
	if err != nil {
		return nil, err
	}
	var tgt targetDescription
	if err := xml.Unmarshal(tgtbuf, &tgt); err != nil {
		return nil, err
	}
	if tgt.Architecture != "" && conn.arch == "" {
		conn.arch = tgt.Architecture
	}

	regs := tgt.Registers
	for _, feature := range tgt.Features {
		regs = append(regs, feature.Registers...)
	}
	for _, incl := range tgt.Includes {
		inclregs, err := conn.readAnnex(incl.Href)
		if err != nil {
			return nil, err
		}
		regs = append(regs, inclregs...)
	}
	return regs, nil
}

// qXfer executes a 'qXfer' read with the specified kind (i.e. features,
// exec-file, etc...) and annex.
func (conn *Conn) qXfer(kind, annex string) ([]byte, error) {
	out := []byte{}
	for {
		cmd := []byte(fmt.Sprintf("$qXfer:%s:read:%s:%x,fff", kind, annex, len(out)))
		err := conn.send(cmd)
		if err != nil {
			return nil, err
		}
		buf, err := conn.recv(cmd, "target features transfer", true)
		if err != nil {
			return nil, err
		}

		out = append(out, buf[1:]...)
		if buf[0] == 'l' {
			break
		}
	}
	return out, nil
}

// Architecture returns the architecture name declared by the stub's target
// description, e.g. "i386:x86-64" or "riscv:rv64".
func (conn *Conn) Architecture() string {
	return conn.arch
}

// RegistersInfo returns the layout of the 'g' register block.
func (conn *Conn) RegistersInfo() []RegisterInfo {
	return conn.regsInfo
}

// SetBreakpoint executes a 'Z0' (insert software breakpoint) command of the
// given kind (per-architecture minimum instruction size).
func (conn *Conn) SetBreakpoint(addr uint64, kind int) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$Z0,%x,%x", addr, kind)
	_, err := conn.exec(conn.outbuf.Bytes(), "set breakpoint")
	return err
}

// ClearBreakpoint executes a 'z0' (remove software breakpoint) command.
func (conn *Conn) ClearBreakpoint(addr uint64, kind int) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$z0,%x,%x", addr, kind)
	_, err := conn.exec(conn.outbuf.Bytes(), "clear breakpoint")
	return err
}

// Kill executes a 'k' (kill) command.
func (conn *Conn) Kill() error {
	resp, err := conn.exec([]byte{'$', 'k'}, "kill")
	if err == io.EOF {
		// The stub is allowed to shut the connection on us immediately
		// after a kill. This is not an error.
		conn.conn.Close()
		conn.conn = nil
		return ErrProcessExited{}
	}
	if err != nil {
		return err
	}
	_, _, err = conn.parseStopPacket(resp)
	return err
}

// Detach executes a 'D' (detach) command.
func (conn *Conn) Detach() error {
	if conn.conn == nil {
		// Already detached
		return nil
	}
	_, err := conn.exec([]byte{'$', 'D'}, "detach")
	conn.conn.Close()
	conn.conn = nil
	return err
}

// ReadRegisters executes a 'g' (read general registers) command, filling
// data with the raw register block.
func (conn *Conn) ReadRegisters(data []byte) error {
	resp, err := conn.exec([]byte("$g"), "registers read")
	if err != nil {
		return err
	}

	for i := 0; i < len(resp) && i/2 < len(data); i += 2 {
		n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
		data[i/2] = uint8(n)
	}

	return nil
}

// ReadRegister executes a 'p' (read single register) command.
func (conn *Conn) ReadRegister(regnum int, data []byte) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$p%x", regnum)
	resp, err := conn.exec(conn.outbuf.Bytes(), "register read")
	if err != nil {
		return err
	}

	for i := 0; i < len(resp) && i/2 < len(data); i += 2 {
		n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
		data[i/2] = uint8(n)
	}

	return nil
}

// ReadMemory executes 'm' (read memory) commands until data is filled.
func (conn *Conn) ReadMemory(data []byte, addr uint64) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		// gdbserver will crash if we ask too many bytes... not return an error, actually crash
		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}

		for i := 0; i < len(resp); i += 2 {
			n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			data = append(data, uint8(n))
		}
	}
	return nil
}

func writeAsciiBytes(w io.Writer, data []byte) {
	for _, b := range data {
		fmt.Fprintf(w, "%02x", b)
	}
}

// WriteMemory executes an 'M' (write memory) command.
func (conn *Conn) WriteMemory(addr uint64, data []byte) (written int, err error) {
	if len(data) == 0 {
		// Some stubs can't parse requests for 0-length writes and hang
		// if we emit them.
		return 0, nil
	}
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$M%x,%x:", addr, len(data))

	writeAsciiBytes(&conn.outbuf, data)

	_, err = conn.exec(conn.outbuf.Bytes(), "memory write")
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// StopPacket describes why the inferior stopped.
type StopPacket struct {
	Sig      uint8
	Reason   string
	ThreadID string
}

// InitialStopReason executes a '?' command, reporting why the inferior is
// currently stopped. Used to verify the session is live after attach.
func (conn *Conn) InitialStopReason() (StopPacket, error) {
	resp, err := conn.exec([]byte("$?"), "initial stop reason")
	if err != nil {
		return StopPacket{}, err
	}
	_, sp, err := conn.parseStopPacket(resp)
	return sp, err
}

// Continue resumes execution of the inferior and blocks until the stub
// reports a stop. A target that never stops will block forever, the harness
// running the emulator owns the timeout.
func (conn *Conn) Continue() (StopPacket, error) {
	conn.outbuf.Reset()
	if conn.vContSupported {
		fmt.Fprintf(&conn.outbuf, "$vCont;c")
	} else {
		fmt.Fprintf(&conn.outbuf, "$c")
	}
	return conn.resume("resume")
}

// Step executes a single instruction step and blocks until the stub reports
// the stop.
func (conn *Conn) Step() (StopPacket, error) {
	conn.outbuf.Reset()
	if conn.vContSupported {
		fmt.Fprintf(&conn.outbuf, "$vCont;s")
	} else {
		fmt.Fprintf(&conn.outbuf, "$s")
	}
	return conn.resume("singlestep")
}

func (conn *Conn) resume(context string) (StopPacket, error) {
	if err := conn.send(conn.outbuf.Bytes()); err != nil {
		return StopPacket{}, err
	}
	for {
		resp, err := conn.recv(nil, context, false)
		if err != nil {
			return StopPacket{}, err
		}
		repeat, sp, err := conn.parseStopPacket(resp)
		if !repeat {
			return sp, err
		}
	}
}

// parseStopPacket interprets a stop reply packet ('T', 'S', 'W', 'X', 'O').
func (conn *Conn) parseStopPacket(resp []byte) (repeat bool, sp StopPacket, err error) {
	switch resp[0] {
	case 'T':
		if len(resp) < 3 {
			return false, StopPacket{}, fmt.Errorf("malformed stop packet: %s", string(resp))
		}

		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return false, StopPacket{}, fmt.Errorf("malformed stop packet: %s", string(resp))
		}
		sp.Sig = uint8(sig)

		buf := resp[3:]
		for buf != nil {
			colon := bytes.Index(buf, []byte{':'})
			if colon < 0 {
				break
			}
			key := buf[:colon]
			buf = buf[colon+1:]

			semicolon := bytes.Index(buf, []byte{';'})
			var value []byte
			if semicolon < 0 {
				value = buf
				buf = nil
			} else {
				value = buf[:semicolon]
				buf = buf[semicolon+1:]
			}

			switch string(key) {
			case "thread":
				sp.ThreadID = string(value)
			case "swbreak", "hwbreak":
				sp.Reason = string(key)
			case "reason":
				sp.Reason = string(value)
			}
		}

		return false, sp, nil

	case 'S':
		if len(resp) < 3 {
			return false, StopPacket{}, fmt.Errorf("malformed stop packet: %s", string(resp))
		}
		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return false, StopPacket{}, fmt.Errorf("malformed stop packet: %s", string(resp))
		}
		sp.Sig = uint8(sig)
		return false, sp, nil

	case 'W', 'X':
		// process exited, next two characters are the exit code

		semicolon := bytes.Index(resp, []byte{';'})

		if semicolon < 0 {
			semicolon = len(resp)
		}
		status, _ := strconv.ParseUint(string(resp[1:semicolon]), 16, 8)
		return false, StopPacket{}, ErrProcessExited{Status: int(status)}

	case 'O':
		// console output from the inferior, repeat until a real stop reply
		data := make([]byte, 0, len(resp[1:])/2)
		for i := 1; i < len(resp); i += 2 {
			n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			data = append(data, uint8(n))
		}
		conn.log.Debugf("inferior output: %s", string(data))
		return true, sp, nil

	default:
		return false, sp, fmt.Errorf("unexpected stop reply %c", resp[0])
	}
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *Conn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context, false)
}

func (conn *Conn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("remote serial protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.RSPWire() {
			conn.log.Debugf("<- %s", string(cmd))
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *Conn) recv(cmd []byte, context string, binary bool) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		// read checksum
		if len(conn.inbuf) < 2 {
			conn.inbuf = make([]byte, 256)
		}
		_, err = io.ReadFull(conn.rdr, conn.inbuf[:2])
		if err != nil {
			return nil, err
		}
		if logflags.RSPWire() {
			conn.log.Debugf("-> %s%s", string(resp), string(conn.inbuf[:2]))
		}

		if resp[0] == '%' {
			// Notification packet. We never enable notifications but some
			// stubs send them regardless, it is safe to ignore them.
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, conn.inbuf[:2]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	if binary {
		conn.inbuf, resp = binarywiredecode(resp, conn.inbuf)
	} else {
		conn.inbuf, resp = wiredecode(resp, conn.inbuf)
	}

	if len(resp) == 0 || resp[0] == 'E' {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &ProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *Conn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack sends an ack character, c must be either '+' or '-'
func (conn *Conn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}
