package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/session"
	"github.com/revmon/revmon/pkg/terminal/starbind"
)

const (
	historyFile                 string = ".revmon_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running revmon.
type Term struct {
	reg      *session.Registry
	sess     *session.Session
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *output
	InitFile string

	starlarkEnv *starbind.Env
	log         logflags.Logger
}

// New returns a new Term driving sess. Sessions opened from the terminal
// are added to reg, which must contain sess if sess is not nil.
func New(reg *session.Registry, sess *session.Session, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}
	if reg == nil {
		reg = session.NewRegistry()
		if sess != nil {
			reg.Add(sess)
		}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = colorable.NewColorableStdout()
	}

	t := &Term{
		reg:    reg,
		sess:   sess,
		conf:   conf,
		prompt: "(revmon) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: newOutput(w, !dumb),
		log:    logflags.TerminalLogger(),
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.starlarkEnv.Cancel()
		fmt.Fprintf(t.stdout, "received SIGINT\n")
	}
}

// Run begins running revmon in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.complete)

	fullHistoryFile := t.historyFile()
	if fullHistoryFile != "" {
		f, err := os.Open(fullHistoryFile)
		if err != nil {
			f, err = os.Create(fullHistoryFile)
			if err != nil {
				fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
			}
		}
		if f != nil {
			t.line.ReadHistory(f)
			f.Close()
		}
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")
	if t.sess != nil {
		printWhere(t, t.sess)
	}

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}
		t.stdout.record(t.prompt, cmdstr, t.sess)

		err = t.cmds.Call(cmdstr, t)
		t.stdout.release()
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
		t.stdout.Flush()
	}
}

// Open opens the trace at path in a new session and switches to it.
func (t *Term) Open(path string) error {
	return openSession(t, callContext{Session: t.sess}, path)
}

// RunScript executes the commands in path, or the starlark script if path
// ends in .star, without prompting.
func (t *Term) RunScript(path string) error {
	defer t.stdout.Flush()
	defer t.stdout.release()
	err := t.cmds.sourceCommand(t, callContext{Session: t.sess}, path)
	if _, ok := err.(ExitRequestError); ok {
		return nil
	}
	return err
}

// complete returns the command aliases starting with line.
func (t *Term) complete(line string) []string {
	return t.cmds.names.PrefixSearch(strings.ToLower(line))
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	t.printColor(ansiBlue, prefix, str)
}

func (t *Term) printColor(color int, prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, color)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) historyFile() string {
	if t.conf.HistoryFile != "" {
		return t.conf.HistoryFile
	}
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
		return ""
	}
	return fullHistoryFile
}

func (t *Term) handleExit() (int, error) {
	if fullHistoryFile := t.historyFile(); fullHistoryFile != "" {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	if err := t.stdout.closeTranscript(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	t.reg.CloseAll()
	t.sess = nil
	return 0, nil
}

// commandNames is the index used for completion.
func commandNames(cmds []command) *trie.Trie {
	names := trie.New()
	for _, cmd := range cmds {
		for _, alias := range cmd.aliases {
			names.Add(alias, nil)
		}
	}
	return names
}
