package terminal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/revmon/revmon/pkg/session"
)

// output is where command output goes. Listings held while a command runs
// are sent to a pager when they do not fit the window. A transcript, if
// open, receives everything written plus the commands that produced it.
type output struct {
	w   io.Writer
	tty bool

	listing bool
	held    bytes.Buffer

	log     *bufio.Writer
	logFile io.Closer
	logOnly bool
}

func newOutput(w io.Writer, tty bool) *output {
	return &output{w: w, tty: tty}
}

func (o *output) Write(p []byte) (int, error) {
	if o.log != nil {
		if _, err := o.log.Write(p); err != nil {
			return 0, err
		}
		if o.logOnly {
			return len(p), nil
		}
	}
	if o.listing {
		return o.held.Write(p)
	}
	return o.w.Write(p)
}

// Echo writes str to the transcript only.
func (o *output) Echo(str string) {
	if o.log != nil {
		o.log.WriteString(str)
	}
}

// record writes the command line cmdline to the transcript, preceded by
// the session and cycle it ran at.
func (o *output) record(prompt, cmdline string, s *session.Session) {
	if o.log == nil {
		return
	}
	if s != nil {
		fmt.Fprintf(o.log, "# %s cycle %#x\n", s.ID[:8], s.Cycle())
	}
	o.log.WriteString(prompt + cmdline + "\n")
}

// Flush flushes the transcript.
func (o *output) Flush() {
	if o.log != nil {
		o.log.Flush()
	}
}

// holdListing keeps the output of the running command until release is
// called. It has no effect unless output goes to a terminal.
func (o *output) holdListing() {
	if o.tty {
		o.listing = true
	}
}

// release writes the held listing, through a pager if it is taller than
// the window.
func (o *output) release() {
	if !o.listing {
		return
	}
	o.listing = false
	defer o.held.Reset()
	text := o.held.Bytes()
	rows, cols := windowSize()
	if rows <= 0 || fits(text, rows, cols) {
		o.w.Write(text)
		return
	}
	if err := page(text); err != nil {
		o.w.Write(text)
	}
}

// fits reports whether text, wrapped at cols, leaves a row free for the
// prompt in a window of rows lines.
func fits(text []byte, rows, cols int) bool {
	lines, col := 0, 0
	for _, ch := range text {
		if ch == '\n' || (cols > 0 && col >= cols) {
			lines++
			col = 0
			if lines >= rows {
				return false
			}
			if ch == '\n' {
				continue
			}
		}
		col++
	}
	if col > 0 {
		lines++
	}
	return lines < rows
}

func pagerCommand() []string {
	pager := os.Getenv("REVMON_PAGER")
	if pager == "" {
		pager = os.Getenv("PAGER")
	}
	if pager == "" {
		return []string{"more"}
	}
	v, err := splitArgs(pager)
	if err != nil || len(v) == 0 {
		return []string{"more"}
	}
	return v
}

func page(text []byte) error {
	argv := pagerCommand()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(text)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// openTranscript starts copying output to fh, replacing any open
// transcript. If only is set output is written to fh alone.
func (o *output) openTranscript(fh io.WriteCloser, only bool) error {
	if err := o.closeTranscript(); err != nil {
		fh.Close()
		return err
	}
	o.log = bufio.NewWriter(fh)
	o.logFile = fh
	o.logOnly = only
	return nil
}

func (o *output) closeTranscript() error {
	if o.log == nil {
		return nil
	}
	err := o.log.Flush()
	if cerr := o.logFile.Close(); err == nil {
		err = cerr
	}
	o.log, o.logFile, o.logOnly = nil, nil, false
	if err != nil {
		return errors.New("closing transcript: " + err.Error())
	}
	return nil
}
