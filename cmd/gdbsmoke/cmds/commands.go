// Package cmds implements the command line interface of gdbsmoke.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/emutest/gdbsmoke/pkg/config"
	"github.com/emutest/gdbsmoke/pkg/logflags"
	"github.com/emutest/gdbsmoke/pkg/rsp"
	"github.com/emutest/gdbsmoke/pkg/smoke"
	"github.com/emutest/gdbsmoke/pkg/target"
	"github.com/emutest/gdbsmoke/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// confFile is an alternate configuration file path.
	confFile string

	// connectAddr is the address of the gdbstub to test.
	connectAddr string
	// timeoutSecs bounds the time spent dialing the stub.
	timeoutSecs int
	// cpuprofile enables CPU profiling of the run.
	cpuprofile bool

	conf *config.Config
)

const gdbsmokeLongDesc = `gdbsmoke exercises the gdbstub of an emulator against a known test binary.

It connects to the stub with the GDB remote serial protocol, breaks on
SHA1Init, steps through the initialization of the hash state and verifies
the state words against the constants of RFC 3174. Every check prints one
PASS or FAIL line and the exit status is the number of failed checks.

A stub that cannot be reached, or a target whose program counter was never
set, skips the test with exit status 0 so harnesses can tell "broken" from
"not applicable".`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "gdbsmoke",
		Short: "gdbsmoke runs smoke tests against a gdbstub.",
		Long:  gdbsmokeLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'gdbsmoke help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&confFile, "config", "", "Alternate configuration file.")

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run <path/to/binary>",
		Short: "Connect to a gdbstub and run the smoke test.",
		Long: `Connect to a gdbstub and run the smoke test against the given binary.

The binary must be the one loaded in the emulator and must carry DWARF
debug information, it is used to resolve the breakpoint symbol and the
variables inspected by the checks.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to the test binary")
			}
			if connectAddr == "" {
				return errors.New("you must provide the stub address with --connect")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runSmoke(cmd, args))
		},
	}
	runCommand.Flags().StringVarP(&connectAddr, "connect", "c", "", "Address of the gdbstub (e.g. localhost:1234).")
	runCommand.Flags().IntVar(&timeoutSecs, "timeout", 0, "Seconds to wait for the stub connection (overrides the configured default).")
	runCommand.Flags().BoolVar(&cpuprofile, "cpuprofile", false, "Write a CPU profile of the run to the current directory.")
	rootCommand.AddCommand(runCommand)

	// 'symbols' subcommand.
	symbolsCommand := &cobra.Command{
		Use:   "symbols <path/to/binary> [prefix]",
		Short: "List the symbols of a test binary.",
		Long: `List the symbols of a test binary, optionally restricted to a prefix.

Useful to check which functions are available to break on before pointing
the smoke test at a stub.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(symbolsCmd(cmd, args))
		},
	}
	rootCommand.AddCommand(symbolsCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gdbsmoke\n%s\n", version.GdbsmokeVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	smoke		Log check sequencing
	target		Log breakpoints, stepping and variable reads
	rspwire		Log the remote serial protocol packets

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func loadConfig() (*config.Config, error) {
	if confFile != "" {
		return config.LoadConfigFrom(confFile)
	}
	return config.LoadConfig(), nil
}

// dialTimeout picks the --timeout flag when it was given on the command
// line, the configured default otherwise.
func dialTimeout(fs *pflag.FlagSet) time.Duration {
	if fs.Changed("timeout") {
		return time.Duration(timeoutSecs) * time.Second
	}
	return time.Duration(conf.DialTimeoutOrDefault()) * time.Second
}

func runSmoke(cmd *cobra.Command, args []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	var err error
	conf, err = loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if cpuprofile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	bin, err := target.OpenBinary(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	conn, err := rsp.Dial(connectAddr, dialTimeout(cmd.Flags()), conf.MaxTransmitAttemptsOrDefault())
	if err != nil {
		logflags.SmokeLogger().Errorf("could not connect to %s: %v", connectAddr, err)
		fmt.Fprintln(os.Stderr, "SKIPPING (not connected)")
		return 0
	}
	defer conn.Detach()

	tgt, err := target.New(bin, conn, target.Options{MaxLineSteps: conf.MaxLineStepsOrDefault()})
	if err != nil {
		logflags.SmokeLogger().Errorf("could not attach to %s: %v", connectAddr, err)
		fmt.Fprintln(os.Stderr, "SKIPPING (not connected)")
		return 0
	}

	sess := smoke.New(tgt, smoke.NewConsoleReporter(conf.DisableColors))
	return sess.Run()
}

func symbolsCmd(cmd *cobra.Command, args []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	bin, err := target.OpenBinary(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	prefix := ""
	if len(args) > 1 {
		prefix = args[1]
	}
	syms := bin.SymbolsWithPrefix(prefix)
	if len(syms) == 0 {
		fmt.Fprintf(os.Stderr, "no symbols matching %q in %s\n", prefix, args[0])
		return 1
	}
	for _, sym := range syms {
		fmt.Printf("%#016x %6d %s\n", sym.Addr, sym.Size, sym.Name)
	}
	return 0
}
