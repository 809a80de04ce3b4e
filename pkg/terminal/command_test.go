package terminal

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/session"
	"github.com/revmon/revmon/pkg/terminal/starbind"
)

type FakeTerminal struct {
	*Term
	t   testing.TB
	buf *bytes.Buffer
}

const logCommandOutput = false

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	ft.buf.Reset()
	defer func() {
		outstr = ft.buf.String()
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", cmdstr, outstr)
		}
	}()
	err = ft.cmds.Call(cmdstr, ft.Term)
	return
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	ft.t.Helper()
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExec(cmdstr, tgt string) {
	ft.t.Helper()
	out := ft.MustExec(cmdstr)
	if !strings.Contains(out, tgt) {
		ft.t.Fatalf("command %q output %q does not contain %q", cmdstr, out, tgt)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	ft.t.Helper()
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if !strings.Contains(err.Error(), tgterr) {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

func newFakeTerminal(t testing.TB) *FakeTerminal {
	buf := new(bytes.Buffer)
	term := &Term{
		reg:    session.NewRegistry(),
		conf:   &config.Config{},
		prompt: "(revmon) ",
		cmds:   DebugCommands(),
		dumb:   true,
		stdout: newOutput(buf, false),
		log:    logflags.TerminalLogger(),
	}
	term.starlarkEnv = starbind.New(starlarkContext{term}, term.stdout)
	return &FakeTerminal{Term: term, t: t, buf: buf}
}

func withTestTerminal(name string, t testing.TB, fn func(*FakeTerminal)) {
	term := newFakeTerminal(t)
	defer term.reg.CloseAll()
	term.MustExec("open " + filepath.Join("testdata", name+".yml"))
	fn(term)
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd(nil, callContext{}, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplace(t *testing.T) {
	cmds := DebugCommands()
	cmds.Register("help", func(t *Term, ctx callContext, args string) error {
		return fmt.Errorf("registered command")
	}, "help")
	cmd := cmds.Find("help")

	err := cmd(nil, callContext{}, "")
	if err == nil {
		t.Fatal("cmd() did not replace")
	}

	if err.Error() != "registered command" {
		t.Fatal("wrong command output")
	}
}

func TestCommandNull(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("")
	)

	if err := cmd(nil, callContext{}, ""); err != nil {
		t.Fatalf("null command returned %v", err)
	}
}

func TestNoSession(t *testing.T) {
	term := newFakeTerminal(t)
	for _, cmdstr := range []string{"uncall", "continue", "regs", "where", "trace open", "close"} {
		term.AssertExecError(cmdstr, "no session")
	}
	term.AssertExec("help", "Searching backward")
}

func TestReverseCommands(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		term.MustExec("skip 4")
		term.AssertExec("revover", "found at cycle 0x1")
		term.AssertExec("bookmarks", "revover found")
		term.MustExec("skip 11")
		term.AssertExec("rr ebx", "found at cycle 0x4")
		term.AssertExec("where", "pc 0x804800a")
		term.AssertExec("last", "found at cycle 0x4")
		term.AssertExecError("revreg", "not enough arguments")
		term.AssertExecError("revreg xmm9", "")

		term.MustExec("skip 11")
		term.AssertExec("taintaddr 0x804a004", "kernel write at cycle 0x7")
		term.AssertExec("bm", "backtrack kernel wrote")
		term.AssertExecError("taintaddr", "wrong number of arguments")
		term.AssertExecError("taintaddr 0x804a004 zero", "invalid length")

		term.AssertExec("goto origin", "bookmark origin")
		term.AssertExec("cycle", "cycle 0x0 (recording 0x0-0xb)")
	})
}

func TestContinueCommand(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		term.AssertExec("continue 3", "stopped: steps at cycle 0x3")
		term.AssertExec("c", "stopped: end of recording at cycle 0xb")
		term.AssertExecError("continue many", "invalid cycle count")
		term.MustExec("mark the end")
		term.AssertExec("bookmarks", "the end")
	})
}

func TestTraceCommand(t *testing.T) {
	withTestTerminal("open", t, func(term *FakeTerminal) {
		term.AssertExecError("trace -break open", "-break needs -match")
		term.AssertExecError("untrace", "not tracing")
		term.AssertExec("trace -match passwd -break open", "tracing open")
		out := term.MustExec("continue")
		if !strings.Contains(out, "return from open pid:1 FD: 3 file: /etc/passwd") {
			t.Fatalf("missing trace output in %q", out)
		}
		if !strings.Contains(out, "stopped: requested at cycle 0x2") {
			t.Fatalf("trace did not stop execution: %q", out)
		}
		term.AssertExec("procs", "init")
		term.AssertExec("procs 1", "/etc/passwd")
		term.AssertExecError("procs 42", "unknown process 42")
		term.AssertExec("calls", "open")
		term.AssertExec("calls 2", "no completed calls")
		term.MustExec("untrace")
		term.AssertExec("continue", "end of recording")
	})
}

func TestTrackCommands(t *testing.T) {
	withTestTerminal("open", t, func(term *FakeTerminal) {
		term.AssertExec("tracked", "no tracked processes")
		term.AssertExec("track 1", "tracked: 1")
		term.AssertExec("haps", "Hap")
		term.MustExec("exclude")
		term.MustExec("include")
		term.AssertExec("untrack 1", "no tracked processes")
		term.AssertExecError("track init", "invalid pid")
	})
}

func TestDataWatchCommand(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		term.MustExec("datawatch 0x804a000")
		term.AssertExec("dw", "0x804a000-0x804a004")
		out := term.MustExec("continue")
		if !strings.Contains(out, "data") || !strings.Contains(out, "0x804a000") {
			t.Fatalf("data watch did not report the access: %q", out)
		}
		term.AssertExecError("dw 0x804a000 0", "invalid length")
	})
}

func TestDataCommands(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		term.MustExec("skip 5")
		out := term.MustExec("regs")
		if !strings.Contains(out, "ebx") || !strings.Contains(out, "0x7") {
			t.Fatalf("regs output %q", out)
		}
		term.AssertExec("x -count 2 0x8048100", "0xb8")
		term.AssertExec("x -fmt dec 0x8048100", "184")
		term.AssertExecError("x", "no address specified")
		term.AssertExecError("x -fmt foo 0x8048100", "not a valid format")
		term.AssertExecError("x -size 9 0x8048100", "size must be a positive integer")
		out = term.MustExec("disassemble 2")
		if !strings.Contains(out, "=>") || !strings.Contains(out, "0x804800c") || !strings.Contains(out, "0x804800e") {
			t.Fatalf("disassemble output %q", out)
		}
		term.AssertExec("w", "pid 1 (prog) user")
	})
}

func TestSessionCommands(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		first := term.sess
		term.AssertExec("open "+filepath.Join("testdata", "open.yml"), "open.yml")
		if term.sess == first || term.reg.Count() != 2 {
			t.Fatalf("open did not switch sessions")
		}
		out := term.MustExec("sessions")
		if strings.Count(out, "\n") != 2 || !strings.Contains(out, "* "+term.sess.ID[:8]) {
			t.Fatalf("sessions output %q", out)
		}
		term.AssertExec("session "+first.ID, "pid 1 (prog)")
		if term.sess != first {
			t.Fatalf("session did not switch")
		}
		term.AssertExecError("session nope", "no session")
		term.AssertExecError("open "+filepath.Join("testdata", "missing.yml"), "missing.yml")
		term.MustExec("close")
		if term.sess == nil || term.sess == first || term.reg.Count() != 1 {
			t.Fatalf("close did not switch to the remaining session")
		}
		term.MustExec("close")
		if term.sess != nil {
			t.Fatalf("session left after closing all")
		}
		term.AssertExecError("where", "no session")
	})
}

func TestConfig(t *testing.T) {
	var term Term
	var buf bytes.Buffer
	term.conf = &config.Config{}
	term.cmds = DebugCommands()
	term.stdout = newOutput(&buf, false)

	err := configureCmd(&term, callContext{}, "nonexistent-parameter 10")
	if err == nil {
		t.Fatalf("expected error executing configureCmd(nonexistent-parameter)")
	}

	err = configureCmd(&term, callContext{}, "max-bookmarks 10")
	if err != nil {
		t.Fatalf("error executing configureCmd(max-bookmarks): %v", err)
	}
	if term.conf.MaxBookmarks != 10 {
		t.Fatalf("expected MaxBookmarks 10, got: %d", term.conf.MaxBookmarks)
	}
	err = configureCmd(&term, callContext{}, "max-bookmarks -1")
	if err == nil {
		t.Fatalf("expected error setting a negative max-bookmarks")
	}
	err = configureCmd(&term, callContext{}, "default-arch arm")
	if err != nil {
		t.Fatalf("error executing configureCmd(default-arch): %v", err)
	}
	if term.conf.DefaultArch != "arm" {
		t.Fatalf("expected DefaultArch arm, got: %q", term.conf.DefaultArch)
	}

	if err := configureCmd(&term, callContext{}, "-list"); err != nil {
		t.Fatalf("error listing configuration: %v", err)
	}
	if !strings.Contains(buf.String(), "max-bookmarks") || !strings.Contains(buf.String(), "arm") {
		t.Fatalf("configuration list %q", buf.String())
	}

	err = configureCmd(&term, callContext{}, "alias where loc")
	if err != nil {
		t.Fatalf("error executing configureCmd(alias where loc): %v", err)
	}
	if len(term.conf.Aliases["where"]) != 1 || term.conf.Aliases["where"][0] != "loc" {
		t.Fatalf("aliases not changed after configure command %v", term.conf.Aliases)
	}
	if err := term.cmds.Find("loc")(&term, callContext{}, ""); err != errNoSession {
		t.Fatalf("alias does not resolve to where: %v", err)
	}

	err = configureCmd(&term, callContext{}, "alias loc")
	if err != nil {
		t.Fatalf("error executing configureCmd(alias loc): %v", err)
	}
	if len(term.conf.Aliases["where"]) != 0 {
		t.Fatalf("alias not removed after configure command %v", term.conf.Aliases)
	}
	if err := term.cmds.Find("loc")(&term, callContext{}, ""); err != noCmdError {
		t.Fatalf("removed alias still resolves: %v", err)
	}
}

func TestConfigTarget(t *testing.T) {
	term := newFakeTerminal(t)
	term.AssertExecError("config protect 0x804a000 16", errNoSession.Error())
	term.MustExec("open " + filepath.Join("testdata", "prog.yml"))
	defer term.reg.CloseAll()

	out := term.MustExec("config -list")
	for _, want := range []string{"kernel-base", "0xc0000000", "syscall entries", "0xc0001000", "syscall exits", "0xc0001002"} {
		if !strings.Contains(out, want) {
			t.Fatalf("config -list output %q does not contain %q", out, want)
		}
	}
	term.AssertExecError("config protect 0x804a000", "needs a start address and a length")
	term.MustExec("config protect 0x804a000 16")
	term.AssertExec("config -list", "0x804a000-0x804a010")
	term.MustExec("skip 11")
	term.AssertExec("taintreg ecx", "protected")
	term.MustExec("config unprotect 0x804a000")
	term.AssertExecError("config unprotect 0x804a000", "no protected region at 0x804a000")
	if out := term.MustExec("config -list"); strings.Contains(out, "protected") {
		t.Fatalf("region still listed after unprotect: %q", out)
	}
}

func TestTranscript(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "transcript.txt")
		term.MustExec("transcript -t " + path)
		term.MustExec("cycle")
		term.MustExec("transcript -off")
		term.MustExec("skip 1")
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(buf), "cycle 0x0") || strings.Contains(string(buf), "0x8048005") {
			t.Fatalf("transcript contents %q", buf)
		}
		term.AssertExecError("transcript", "no output path specified")
		term.AssertExecError("transcript -off "+path, "-off option specified")
		term.AssertExecError("transcript -y "+path, "unrecognized option")
	})
}

func TestExecuteFile(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "init")
		script := "# move and search\nskip 11\nrevreg ebx\nbogus\nmark after\n"
		if err := ioutil.WriteFile(path, []byte(script), 0600); err != nil {
			t.Fatal(err)
		}
		out := term.MustExec("source " + path)
		if !strings.Contains(out, "found at cycle 0x4") || !strings.Contains(out, ":4: command not available") {
			t.Fatalf("source output %q", out)
		}
		term.AssertExec("bookmarks", "after")
	})
}

func TestCompletion(t *testing.T) {
	term := newFakeTerminal(t)
	c := term.complete("rev")
	want := map[string]bool{"revinto": false, "revover": false, "revreg": false}
	for _, name := range c {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, ok := range want {
		if !ok {
			t.Errorf("%s missing from completions %v", name, c)
		}
	}
	if len(term.complete("zzz")) != 0 {
		t.Errorf("unexpected completions for zzz")
	}
}

func TestWriteMarkdown(t *testing.T) {
	var buf bytes.Buffer
	DebugCommands().WriteMarkdown(&buf)
	out := buf.String()
	for _, tgt := range []string{"## Searching backward", "[taintreg](#taintreg)", "Aliases: ro"} {
		if !strings.Contains(out, tgt) {
			t.Errorf("markdown does not contain %q", tgt)
		}
	}
}

func TestPrettyExamineMemory(t *testing.T) {
	out := prettyExamineMemory(0x1000, []byte{1, 2, 3, 4}, true, 'x', 2)
	if !strings.Contains(out, "0x1000:") || !strings.Contains(out, "0x0201") || !strings.Contains(out, "0x0403") {
		t.Fatalf("unexpected output %q", out)
	}
	out = prettyExamineMemory(0x1000, []byte{1, 2}, false, 'x', 2)
	if !strings.Contains(out, "0x0102") {
		t.Fatalf("unexpected big endian output %q", out)
	}
}
