package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/session"
	"github.com/revmon/revmon/pkg/terminal"
	"github.com/revmon/revmon/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// verbose makes the version command print build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const revmonCommandLongDesc = `revmon is a reverse execution debugger for recorded traces.

A trace records every instruction executed by a machine together with the
register and memory changes it made. revmon replays the trace and lets you
move through it in both directions: search backward for the instruction
that wrote a register, follow a value back to where it came from, or watch
syscalls complete in the processes you care about.

Traces are YAML documents, see 'revmon help traces' for their format.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main revmon root command.
	rootCommand = &cobra.Command{
		Use:   "revmon",
		Short: "revmon is a reverse execution debugger for recorded traces.",
		Long:  revmonCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'revmon help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'revmon help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal before the first prompt.")

	// 'replay' subcommand.
	replayCommand := &cobra.Command{
		Use:   "replay <trace> [<trace>...]",
		Short: "Opens traces and starts the interactive terminal.",
		Long: `Opens traces and starts the interactive terminal.

Every trace is opened in its own session, the terminal starts in the
session of the last one. Use the 'sessions' and 'session' terminal
commands to switch between them.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide the path to a trace")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(replayCmd(args))
		},
	}
	rootCommand.AddCommand(replayCommand)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run <trace> <script>",
		Short: "Runs a script against a trace and exits.",
		Long: `Runs a script against a trace and exits.

The script is either a list of terminal commands, one per line, or a
starlark script if its name ends in .star. The main function of a
starlark script is called after the script is loaded.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runCmd(args[0], args[1]))
		},
	}
	rootCommand.AddCommand(runCommand)

	// 'info' subcommand.
	infoCommand := &cobra.Command{
		Use:   "info <trace>",
		Short: "Prints a summary of a trace.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return infoCmd(cmd.OutOrStdout(), args[0])
		},
	}
	rootCommand.AddCommand(infoCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "revmon\n%s\n", version.RevmonVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	watch		Log hap and breakpoint management
	reverse		Log backward searches
	sysret		Log syscall tracing
	replay		Log the replay engine
	session		Log session lifecycle
	terminal	Log terminal commands

If --log-output is not specified reverse and sysret are logged.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "traces",
		Short: "Help about the trace format.",
		Long: `A trace is a YAML document with the following sections:

	target		the recorded machine: arch (x86-32, x86-64, arm),
			kernel-base, the syscall entry addresses (sysenter,
			sys-entry, arm-entry), the paths returning to user
			space (sysexit, iret, arm-ret), current-task, the
			kernel variable pointing to the running task, and
			protected memory regions
	tasks		one entry per process with its pid, comm and the
			address of its task record
	pages		page table entries mapping logical to physical pages
	memory		the initial memory contents as hex byte strings
	faults		cycles at which a process took a page fault
	syscalls	syscall numbers by name, for targets whose numbering
			differs from the defaults
	steps		one entry per executed instruction: the pid, the pc,
			the registers it changed and the memory it read and
			wrote

Registers not listed in a step keep the value of the previous step.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func setupLog() bool {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return false
	}
	return true
}

func replayCmd(paths []string) int {
	if !setupLog() {
		return 1
	}
	defer logflags.Close()

	reg := session.NewRegistry()
	term := terminal.New(reg, nil, conf)
	for _, path := range paths {
		if err := term.Open(path); err != nil {
			fmt.Fprintf(os.Stderr, "could not open %s: %v\n", path, err)
			term.Close()
			reg.CloseAll()
			return 1
		}
	}

	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}

func runCmd(path, script string) int {
	if !setupLog() {
		return 1
	}
	defer logflags.Close()

	reg := session.NewRegistry()
	defer reg.CloseAll()
	term := terminal.New(reg, nil, conf)
	defer term.Close()

	if err := term.Open(path); err != nil {
		fmt.Fprintf(os.Stderr, "could not open %s: %v\n", path, err)
		return 1
	}
	if initFile != "" {
		if err := term.RunScript(initFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}
	if err := term.RunScript(script); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func infoCmd(out io.Writer, path string) error {
	s, err := session.Open(path, conf, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	first, last := s.Bounds()
	target := s.Target()
	fmt.Fprintf(out, "trace:\t%s\n", path)
	fmt.Fprintf(out, "arch:\t%s\n", target.Arch)
	fmt.Fprintf(out, "cycles:\t%#x-%#x\n", first, last)
	fmt.Fprintf(out, "start:\t%s\n", s.Where())
	if entries := target.EntryAddrs(); len(entries) > 0 {
		fmt.Fprintf(out, "syscall entries:")
		for _, addr := range entries {
			fmt.Fprintf(out, " %#x", addr)
		}
		fmt.Fprintln(out)
	}
	return nil
}
