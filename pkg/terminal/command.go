// Package terminal implements functions for responding to user
// input and dispatching to appropriate session methods.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/revmon/revmon/pkg/proc"
	"github.com/revmon/revmon/pkg/reverse"
	"github.com/revmon/revmon/pkg/session"
)

type callContext struct {
	Session *session.Session
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the revmon terminal.
type Commands struct {
	cmds  []command
	names *trie.Trie
}

var (
	noCmdError   = errors.New("command not available")
	errNoSession = errors.New("no session, use 'open <trace>' first")
)

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: withSession(cont), helpMsg: `Run forward until a watch stops execution or the end of the recording.

	continue [<cycles>]

If cycles is given, execution stops after that many cycles.`},
		{aliases: []string{"goto"}, group: runCmds, cmdFn: withSession(gotoCmd), helpMsg: `Move to a bookmark.

	goto <bookmark>

The bookmark can be abbreviated to any unique prefix of its name.`},
		{aliases: []string{"skip"}, group: runCmds, cmdFn: withSession(skip), helpMsg: `Move to a cycle.

	skip <cycle>`},
		{aliases: []string{"bookmarks", "bm"}, group: runCmds, cmdFn: withSession(bookmarksCmd), helpMsg: `List bookmarks.

Searches bookmark where they stop, and every backtrack hop leaves a
"backtrack" bookmark behind it.`},
		{aliases: []string{"mark"}, group: runCmds, cmdFn: withSession(mark), helpMsg: `Bookmark the current position.

	mark <name>`},
		{aliases: []string{"uncall"}, group: revCmds, cmdFn: revSearch(func(s *session.Session, args string) (reverse.Result, error) {
			return s.Uncall()
		}), helpMsg: `Reverse to the call instruction that entered the current function.`},
		{aliases: []string{"revover", "ro"}, group: revCmds, cmdFn: revSearch(func(s *session.Session, args string) (reverse.Result, error) {
			return s.RevOver()
		}), helpMsg: `Reverse one instruction, stepping over calls.`},
		{aliases: []string{"revinto", "ri"}, group: revCmds, cmdFn: revSearch(func(s *session.Session, args string) (reverse.Result, error) {
			return s.RevInto()
		}), helpMsg: `Reverse one instruction, stepping into calls.`},
		{aliases: []string{"revreg", "rr"}, group: revCmds, cmdFn: revSearch(func(s *session.Session, args string) (reverse.Result, error) {
			if args == "" {
				return reverse.Result{}, errors.New("not enough arguments")
			}
			return s.RevReg(args)
		}), helpMsg: `Reverse to the most recent instruction that modified a register.

	revreg <register>`},
		{aliases: []string{"taintreg", "tr"}, group: revCmds, cmdFn: revSearch(func(s *session.Session, args string) (reverse.Result, error) {
			if args == "" {
				return reverse.Result{}, errors.New("not enough arguments")
			}
			return s.TaintReg(args)
		}), helpMsg: `Follow the value of a register back to its source.

	taintreg <register>

The search hops through register moves and memory loads until the value
comes from an immediate, a computation, the kernel or the start of the
recording.`},
		{aliases: []string{"taintaddr", "ta"}, group: revCmds, cmdFn: revSearch(taintAddr), helpMsg: `Follow the value stored at an address back to its source.

	taintaddr <address> [<length>]

Length defaults to 4 bytes.`},
		{aliases: []string{"last"}, group: revCmds, cmdFn: withSession(lastResult), helpMsg: `Print the result of the most recent search.`},
		{aliases: []string{"track"}, group: watchCmds, cmdFn: withSession(track), helpMsg: `Watch a process.

	track <pid>

Watches only fire while a tracked process is scheduled. A pid that has not
run yet is tracked as soon as it is first scheduled.`},
		{aliases: []string{"untrack"}, group: watchCmds, cmdFn: withSession(untrack), helpMsg: `Stop watching a process.

	untrack <pid>`},
		{aliases: []string{"onlythis"}, group: watchCmds, cmdFn: withSession(onlyThis), helpMsg: `Stop watching every process except the current one.`},
		{aliases: []string{"exclude"}, group: watchCmds, cmdFn: withSession(exclude), helpMsg: `Suspend all but auxiliary watches while the current process runs.`},
		{aliases: []string{"include"}, group: watchCmds, cmdFn: withSession(include), helpMsg: `Undo exclude for the current process.`},
		{aliases: []string{"tracked"}, group: watchCmds, cmdFn: withSession(tracked), helpMsg: `List the watched processes.`},
		{aliases: []string{"haps"}, group: watchCmds, cmdFn: withSession(haps), helpMsg: `List the live watch groups.`},
		{aliases: []string{"trace"}, group: watchCmds, cmdFn: withSession(trace), helpMsg: `Trace syscall completions.

	trace [-match <string>] [-break] [<call> ...]

Prints every completed syscall named in the argument list, or every syscall
if none is named. Completions whose parameters contain the -match string
are bookmarked, with -break they also stop execution.`},
		{aliases: []string{"untrace"}, group: watchCmds, cmdFn: withSession(untrace), helpMsg: `Stop tracing syscalls.`},
		{aliases: []string{"datawatch", "dw"}, group: watchCmds, cmdFn: withSession(dataWatch), helpMsg: `Stop execution when memory is accessed.

	datawatch [<address> [<length>]]

Without arguments lists the watched ranges. Length defaults to 4 bytes.`},
		{aliases: []string{"procs"}, group: watchCmds, cmdFn: withSession(procs), helpMsg: `List the processes seen by the syscall tracer.

	procs [<pid>]

With a pid argument lists the open file descriptors of that process.`},
		{aliases: []string{"calls"}, group: watchCmds, cmdFn: withSession(calls), helpMsg: `List the syscalls completed while tracing.

	calls [<pid>]

With a pid argument lists only the calls of that process.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: withSession(regs), helpMsg: `Print the contents of the registers.`},
		{aliases: []string{"where", "w"}, group: dataCmds, cmdFn: withSession(where), helpMsg: `Print the current position.`},
		{aliases: []string{"cycle"}, group: dataCmds, cmdFn: withSession(cycle), helpMsg: `Print the current cycle and the bounds of the recording.`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: withSession(disassemble), helpMsg: `Disassembler.

	disassemble [<count>]

Decodes count instructions, 10 by default, starting at the current pc.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: withSession(examineMemoryCmd), helpMsg: `Examine memory:

	examinemem [-fmt <format>] [-count|-len <count>] [-size <size>] <address>

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Length is the number of bytes (default 1) and must be less than or equal to 1000.
Size is the number of bytes of each value (default 1, maximum 8).
Address is the memory location of the target to examine.

For example:

    x -fmt hex -count 20 -size 1 0xc00008af38`},
		{aliases: []string{"sessions"}, group: sessionCmds, cmdFn: sessions, helpMsg: `List open sessions.`},
		{aliases: []string{"session"}, group: sessionCmds, cmdFn: switchSession, helpMsg: `Switch to another session.

	session <id>

The id can be abbreviated to any unique prefix.`},
		{aliases: []string{"open"}, group: sessionCmds, cmdFn: openSession, helpMsg: `Open a trace in a new session and switch to it.

	open <trace>`},
		{aliases: []string{"close"}, group: sessionCmds, cmdFn: closeSession, helpMsg: `Close a session.

	close [<id>]

Closes the current session if no id is given.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters and, with a session open, the target profile of its trace.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.

	config protect <start> <length>
	config unprotect <start>

Adds or removes a protected memory region of the current session. A taint chase stops when it reaches protected memory.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of revmon commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script.

If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of commands is appended to the specified output file. If -t is
specified and the output file exists it is truncated. If -x is specified
output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.names = commandNames(c.cmds)
	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.names.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	t.log.Debugf("command %q args %q", cmdname, args)
	return c.Find(cmdname)(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.CallWithContext(cmdstr, t, callContext{Session: t.sess})
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.names = commandNames(c.cmds)
}

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return noCmdError
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

// withSession adapts fn into a command that fails when no session is open.
func withSession(fn func(t *Term, s *session.Session, args string) error) cmdfunc {
	return func(t *Term, ctx callContext, args string) error {
		if ctx.Session == nil {
			return errNoSession
		}
		return fn(t, ctx.Session, args)
	}
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args the way a shell would.
func splitArgs(args string) ([]string, error) {
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("Backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal arguments '%s'", args)
	}
	return v[0], nil
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

func parseAddrLen(args string, defaultLen uint64) (addr, n uint64, err error) {
	v := strings.Fields(args)
	switch len(v) {
	case 2:
		n, err = strconv.ParseUint(v[1], 0, 64)
		if err != nil || n == 0 {
			return 0, 0, fmt.Errorf("invalid length %q", v[1])
		}
	case 1:
		n = defaultLen
	default:
		return 0, 0, errors.New("wrong number of arguments")
	}
	addr, err = strconv.ParseUint(v[0], 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid address %q", v[0])
	}
	return addr, n, nil
}

func parsePid(args string) (int, error) {
	if args == "" {
		return 0, errors.New("not enough arguments")
	}
	pid, err := strconv.Atoi(args)
	if err != nil || pid < 0 {
		return 0, fmt.Errorf("invalid pid %q", args)
	}
	return pid, nil
}

func printWhere(t *Term, s *session.Session) {
	t.Println("> ", s.Where().String())
}

func printResult(t *Term, r reverse.Result) {
	color := ansiGreen
	switch r.Outcome {
	case reverse.Found:
	case reverse.Cancelled, reverse.Stumped:
		color = ansiRed
	default:
		color = ansiYellow
	}
	t.printColor(color, "=> ", r.String())
}

func revSearch(fn func(s *session.Session, args string) (reverse.Result, error)) cmdfunc {
	return withSession(func(t *Term, s *session.Session, args string) error {
		r, err := fn(s, args)
		if err != nil {
			return err
		}
		printResult(t, r)
		printWhere(t, s)
		return nil
	})
}

func taintAddr(s *session.Session, args string) (reverse.Result, error) {
	addr, n, err := parseAddrLen(args, 4)
	if err != nil {
		return reverse.Result{}, err
	}
	return s.TaintAddr(addr, int(n))
}

func lastResult(t *Term, s *session.Session, args string) error {
	r, ok := s.LastResult()
	if !ok {
		return errors.New("no search has completed")
	}
	printResult(t, r)
	return nil
}

func cont(t *Term, s *session.Session, args string) error {
	var n uint64
	if args != "" {
		var err error
		n, err = strconv.ParseUint(args, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid cycle count %q", args)
		}
	}
	ev, err := s.Continue(n)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("stopped: %s at cycle %#x", ev.Reason, ev.Cycle)
	if ev.Message != "" {
		msg += ": " + ev.Message
	}
	color := ansiGreen
	if ev.Reason == proc.StopEndOfRecording {
		color = ansiYellow
	}
	t.printColor(color, "=> ", msg)
	printWhere(t, s)
	return nil
}

func gotoCmd(t *Term, s *session.Session, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	bm, err := s.GoTo(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "bookmark %s\n", bm)
	printWhere(t, s)
	return nil
}

func skip(t *Term, s *session.Session, args string) error {
	cycle, err := strconv.ParseUint(args, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid cycle %q", args)
	}
	if err := s.SkipTo(cycle); err != nil {
		return err
	}
	printWhere(t, s)
	return nil
}

func bookmarksCmd(t *Term, s *session.Session, args string) error {
	t.stdout.holdListing()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 4, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Cycle\tPC\tName")
	for _, bm := range s.Bookmarks() {
		fmt.Fprintf(w, "%#x\t%#x\t%s\n", bm.Cycle, bm.PC, bm.Name)
	}
	return w.Flush()
}

func mark(t *Term, s *session.Session, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	s.SetBookmark(args)
	return nil
}

func track(t *Term, s *session.Session, args string) error {
	pid, err := parsePid(args)
	if err != nil {
		return err
	}
	if err := s.Track(pid); err != nil {
		return err
	}
	return tracked(t, s, "")
}

func untrack(t *Term, s *session.Session, args string) error {
	pid, err := parsePid(args)
	if err != nil {
		return err
	}
	s.Untrack(pid)
	return tracked(t, s, "")
}

func onlyThis(t *Term, s *session.Session, args string) error {
	s.WatchOnlyThis()
	return tracked(t, s, "")
}

func exclude(t *Term, s *session.Session, args string) error {
	return s.Exclude()
}

func include(t *Term, s *session.Session, args string) error {
	s.Include()
	return nil
}

func tracked(t *Term, s *session.Session, args string) error {
	pids := s.ThreadPids()
	if len(pids) == 0 {
		fmt.Fprintln(t.stdout, "no tracked processes")
		return nil
	}
	strs := make([]string, len(pids))
	for i, pid := range pids {
		strs[i] = strconv.Itoa(pid)
	}
	fmt.Fprintf(t.stdout, "tracked: %s\n", strings.Join(strs, " "))
	return nil
}

func haps(t *Term, s *session.Session, args string) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 4, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Hap\tName\tArmed\tBreakpoints")
	for _, h := range s.Haps() {
		name := h.Name
		if h.Aux {
			name += " (aux)"
		}
		bps := make([]string, len(h.Breakpoints))
		for i, bp := range h.Breakpoints {
			bps[i] = fmt.Sprintf("%s %s %#x+%d", bp.Space, bp.Mode, bp.Addr, bp.Len)
		}
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\n", h.Handle, name, h.Armed, strings.Join(bps, ", "))
	}
	return w.Flush()
}

func trace(t *Term, s *session.Session, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	var (
		calls []string
		match string
		brk   bool
	)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-match":
			i++
			if i >= len(v) {
				return errors.New("expected argument after -match")
			}
			match = v[i]
		case "-break":
			brk = true
		default:
			if strings.HasPrefix(v[i], "-") {
				return fmt.Errorf("unknown option %q", v[i])
			}
			calls = append(calls, v[i])
		}
	}
	if brk && match == "" {
		return errors.New("-break needs -match")
	}
	if err := s.Trace(calls, match, brk); err != nil {
		return err
	}
	what := "all syscalls"
	if len(calls) > 0 {
		what = strings.Join(calls, ", ")
	}
	fmt.Fprintf(t.stdout, "tracing %s\n", what)
	return nil
}

func untrace(t *Term, s *session.Session, args string) error {
	if !s.Tracing() {
		return errors.New("not tracing")
	}
	s.StopTrace()
	return nil
}

func dataWatch(t *Term, s *session.Session, args string) error {
	if args == "" {
		for _, r := range s.DataRanges() {
			fmt.Fprintf(t.stdout, "%#x-%#x %s\n", r.Addr, r.Addr+r.Len, r.Mode)
		}
		return nil
	}
	addr, n, err := parseAddrLen(args, 4)
	if err != nil {
		return err
	}
	return s.WatchData(addr, n)
}

func procs(t *Term, s *session.Session, args string) error {
	table := s.Procs()
	if args != "" {
		pid, err := parsePid(args)
		if err != nil {
			return err
		}
		if !table.Exists(pid) {
			return fmt.Errorf("unknown process %d", pid)
		}
		for _, fd := range table.FDs(pid) {
			fmt.Fprintln(t.stdout, fd)
		}
		return nil
	}
	t.stdout.holdListing()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 4, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Pid\tParent\tComm\tFDs")
	for _, pid := range table.Pids() {
		p, _ := table.Get(pid)
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\n", p.Pid, p.Parent, p.Comm, len(table.FDs(pid)))
	}
	return w.Flush()
}

func calls(t *Term, s *session.Session, args string) error {
	var pid int
	if args != "" {
		var err error
		if pid, err = parsePid(args); err != nil {
			return err
		}
	}
	list := s.Calls(pid)
	if len(list) == 0 {
		fmt.Fprintln(t.stdout, "no completed calls")
		return nil
	}
	t.stdout.holdListing()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 4, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Pid\tComm\tCall\tRet\t")
	for _, c := range list {
		mark := ""
		if c.Matched {
			mark = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", c.Pid, c.Comm, c.Call, c.Ret, mark)
	}
	return w.Flush()
}

func regs(t *Term, s *session.Session, args string) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, '\t', 0)
	for _, reg := range s.Registers() {
		fmt.Fprintf(w, "%s\t%#x\n", reg.Name, reg.Value)
	}
	return w.Flush()
}

func where(t *Term, s *session.Session, args string) error {
	printWhere(t, s)
	return nil
}

func cycle(t *Term, s *session.Session, args string) error {
	first, last := s.Bounds()
	fmt.Fprintf(t.stdout, "cycle %#x (recording %#x-%#x)\n", s.Cycle(), first, last)
	return nil
}

func disassemble(t *Term, s *session.Session, args string) error {
	count := 10
	if args != "" {
		var err error
		count, err = strconv.Atoi(args)
		if err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", args)
		}
	}
	insts, err := s.Disassemble(count)
	if len(insts) == 0 && err != nil {
		return err
	}
	t.stdout.holdListing()
	disasmPrint(insts, s.Where().PC, t.stdout)
	return nil
}

func examineMemoryCmd(t *Term, s *session.Session, args string) error {
	v := strings.FieldsFunc(args, func(c rune) bool {
		return c == ' '
	})

	var (
		address uint64
		err     error
		ok      bool
	)

	// Default value
	priFmt := byte('x')
	count := 1
	size := 1

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-fmt":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -fmt")
			}
			fmtMapToPriFmt := map[string]byte{
				"oct":         'o',
				"octal":       'o',
				"hex":         'x',
				"hexadecimal": 'x',
				"dec":         'd',
				"decimal":     'd',
				"bin":         'b',
				"binary":      'b',
			}
			priFmt, ok = fmtMapToPriFmt[v[i]]
			if !ok {
				return fmt.Errorf("%q is not a valid format", v[i])
			}
		case "-count", "-len":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -count/-len")
			}
			var err error
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("count/len must be a positive integer")
			}
		case "-size":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -size")
			}
			var err error
			size, err = strconv.Atoi(v[i])
			if err != nil || size <= 0 || size > 8 {
				return fmt.Errorf("size must be a positive integer (<=8)")
			}
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address, err = strconv.ParseUint(v[len(v)-1], 0, 64)
			if err != nil {
				return fmt.Errorf("convert address into uintptr type failed, %s", err)
			}
		}
	}

	if count*size > 1000 {
		return fmt.Errorf("read memory range (count*size) must be less than or equal to 1000 bytes")
	}

	if address == 0 {
		return fmt.Errorf("no address specified")
	}

	memArea, err := s.ReadMemory(address, count*size)
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, prettyExamineMemory(address, memArea, true, priFmt, size))
	return nil
}

func sessions(t *Term, ctx callContext, args string) error {
	for _, s := range t.reg.List() {
		cur := " "
		if s == t.sess {
			cur = "*"
		}
		fmt.Fprintf(t.stdout, "%s %s\n", cur, s.Summary())
	}
	return nil
}

func switchSession(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	s, err := t.reg.Get(args)
	if err != nil {
		return err
	}
	t.sess = s
	printWhere(t, s)
	return nil
}

func openSession(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	s, err := session.Open(args, t.conf, t.stdout)
	if err != nil {
		return err
	}
	t.reg.Add(s)
	t.sess = s
	fmt.Fprintln(t.stdout, s.Summary())
	return nil
}

func closeSession(t *Term, ctx callContext, args string) error {
	id := args
	if id == "" {
		if t.sess == nil {
			return errNoSession
		}
		id = t.sess.ID
	}
	s, err := t.reg.Get(id)
	if err != nil {
		return err
	}
	if err := t.reg.Remove(s.ID); err != nil {
		return err
	}
	if s == t.sess {
		t.sess = nil
		if list := t.reg.List(); len(list) > 0 {
			t.sess = list[0]
		}
	}
	return nil
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

func transcript(t *Term, ctx callContext, args string) error {
	v := strings.SplitN(args, " ", -1)
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range v {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		case "":
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-off option specified with an output path")
		}
		return t.stdout.closeTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	return t.stdout.openTranscript(fh, fileOnly)
}

// ExitRequestError is returned when the user
// exits revmon.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
