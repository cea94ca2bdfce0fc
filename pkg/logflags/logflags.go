package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var smoke = false
var target = false
var rspWire = false

var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	lg := logrus.New()
	lg.Formatter = &textFormatter{}
	lg.Level = logrus.DebugLevel
	if !flag {
		lg.Level = logrus.PanicLevel
	}
	if logOut != nil {
		lg.Out = logOut
	} else {
		lg.Out = os.Stderr
	}
	return lg.WithFields(fields)
}

// Smoke returns true if the smoke package should log.
func Smoke() bool {
	return smoke
}

// SmokeLogger returns a logger for the smoke test session.
func SmokeLogger() *logrus.Entry {
	return makeLogger(smoke, logrus.Fields{"layer": "smoke"})
}

// Target returns true if the target package should log.
func Target() bool {
	return target
}

// TargetLogger returns a logger for the target package.
func TargetLogger() *logrus.Entry {
	return makeLogger(target, logrus.Fields{"layer": "target"})
}

// RSPWire returns true if the rsp package should log all the packets
// exchanged with the stub.
func RSPWire() bool {
	return rspWire
}

// RSPWireLogger returns a configured logger for the remote serial protocol.
func RSPWireLogger() *logrus.Entry {
	return makeLogger(rspWire, logrus.Fields{"layer": "rspconn"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr. logDest
// optionally redirects the log output to a file path or file descriptor.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "gdbsmoke-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return err
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "smoke"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "smoke":
			smoke = true
		case "target":
			target = true
		case "rspwire":
			rspWire = true
		}
	}
	return nil
}

// Close closes the logger output redirection file, if any.
func Close() {
	if fh, ok := logOut.(*os.File); ok {
		fh.Close()
	}
}
