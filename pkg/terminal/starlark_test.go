package terminal

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
)

func TestStarlarkSource(t *testing.T) {
	withTestTerminal("prog", t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "search.star")
		script := `
def command_regsearch(args):
	"skips to the end and searches for a register write"
	skip_to(11)
	r = rev_reg(args)
	print("regsearch", r.Outcome, r.Cycle)

def main():
	revmon_command("mark from script")
	print("main at", cycle())
`
		if err := ioutil.WriteFile(path, []byte(script), 0600); err != nil {
			t.Fatal(err)
		}
		term.AssertExec("source "+path, "main at 0")
		term.AssertExec("bookmarks", "from script")
		term.AssertExec("regsearch ebx", "regsearch found 4")
		term.AssertExec("help regsearch", "skips to the end")
		term.AssertExec("cycle", "cycle 0x4")
	})
}

func TestStarlarkNoSession(t *testing.T) {
	term := newFakeTerminal(t)
	path := filepath.Join(t.TempDir(), "cycle.star")
	if err := ioutil.WriteFile(path, []byte("def main():\n\tcycle()\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := term.Exec("source " + path)
	if err == nil || !strings.Contains(err.Error(), "no session") {
		t.Fatalf("expected no session error, got %v", err)
	}
}
