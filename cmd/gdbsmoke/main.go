package main

import (
	"os"

	"github.com/emutest/gdbsmoke/cmd/gdbsmoke/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
