package session

import (
	"bytes"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/proc"
	"github.com/revmon/revmon/pkg/replay"
	"github.com/revmon/revmon/pkg/reverse"
)

// A call to a function returning 7, a syscall whose kernel path writes
// 0x804a004, then a store and a load of the result.
const progTrace = `
target:
  arch: x86-32
  kernel-base: 0xc0000000
  sysenter: 0xc0001000
  iret: 0xc0001002
tasks:
  - {pid: 1, comm: prog, rec: 0xc1000000}
pages:
  - {logical: 0x8048000, physical: 0x1000000, entry: 0x21}
  - {logical: 0x804a000, physical: 0x2000000, entry: 0x23}
memory:
  - {addr: 0x8048000, bytes: "b8 05 00 00 00 e8 f6 00 00 00 89 c3 cd 80 89 1d 00 a0 04 08 8b 0d 00 a0 04 08 90"}
  - {addr: 0x8048100, bytes: "b8 07 00 00 00 c3"}
  - {addr: 0xc0001000, bytes: "90 90 cf"}
steps:
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0, ebx: 0, ecx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {eax: 5}, writes: [{addr: 0x7fec, size: 4, value: 0x804800a}]}
  - {pid: 1, pc: 0x8048100, regs: {esp: 0x7fec}}
  - {pid: 1, pc: 0x8048105, regs: {eax: 7}, reads: [{addr: 0x7fec, size: 4}]}
  - {pid: 1, pc: 0x804800a, regs: {esp: 0x7ff0}}
  - {pid: 1, pc: 0x804800c, regs: {ebx: 7}}
  - {pid: 1, pc: 0xc0001000, regs: {cs: 0x10}}
  - {pid: 1, pc: 0xc0001001, writes: [{addr: 0x804a004, size: 4, value: 0x1234}]}
  - {pid: 1, pc: 0xc0001002, regs: {eax: 0}}
  - {pid: 1, pc: 0x804800e, regs: {cs: 0x73}, writes: [{addr: 0x804a000, size: 4, value: 7}]}
  - {pid: 1, pc: 0x8048014, reads: [{addr: 0x804a000, size: 4}]}
  - {pid: 1, pc: 0x804801a, regs: {ecx: 7}}
`

// pid 1 opens /etc/passwd and reads 12 bytes from it.
const openTrace = `
target:
  arch: x86-32
  kernel-base: 0xc0000000
  current-task: 0xc0100000
  sysenter: 0xc0001000
  sysexit: 0xc0001010
tasks:
  - {pid: 1, comm: init, rec: 0xc1000000}
  - {pid: 2, comm: sh, rec: 0xc1001000}
memory:
  - {addr: 0x8048000, bytes: "90 90 90 90"}
  - {addr: 0x804a000, bytes: "2f 65 74 63 2f 70 61 73 73 77 64 00"}
  - {addr: 0x804b000, bytes: "68 65 6c 6c 6f 20 77 6f 72 6c 64 21"}
  - {addr: 0xc0001000, bytes: "90 90"}
  - {addr: 0xc0001010, bytes: "0f 35"}
steps:
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 5, ebx: 0x804a000, ecx: 0, edx: 0}}
  - {pid: 1, pc: 0xc0001000, regs: {cs: 0x10}}
  - {pid: 1, pc: 0xc0001010, regs: {eax: 3}}
  - {pid: 1, pc: 0x8048001, regs: {cs: 0x73, eax: 3, ebx: 3, ecx: 0x804b000, edx: 100}}
  - {pid: 1, pc: 0xc0001000, regs: {cs: 0x10}}
  - {pid: 1, pc: 0xc0001010, regs: {eax: 12}}
  - {pid: 1, pc: 0x8048002, regs: {cs: 0x73}}
  - {pid: 2, pc: 0x8048003}
`

func newSession(t *testing.T, trace string, out *bytes.Buffer) *Session {
	t.Helper()
	tr, err := replay.ParseTrace([]byte(trace))
	if err != nil {
		t.Fatal(err)
	}
	var w io.Writer
	if out != nil {
		w = out
	}
	s, err := New(tr, &config.Config{}, w)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

func lastBookmark(t *testing.T, s *Session) string {
	t.Helper()
	list := s.Bookmarks()
	if len(list) == 0 {
		t.Fatalf("no bookmarks")
	}
	return list[len(list)-1].Name
}

func TestSessionSearches(t *testing.T) {
	s := newSession(t, progTrace, nil)
	if list := s.Bookmarks(); len(list) != 1 || list[0].Name != "origin" || list[0].Cycle != 0 {
		t.Fatalf("origin bookmark %v", list)
	}

	assertNoError(s.SkipTo(4), t, "SkipTo")
	r, err := s.RevOver()
	assertNoError(err, t, "RevOver")
	if r.Outcome != reverse.Found || r.Cycle != 1 || s.Cycle() != 1 {
		t.Fatalf("revover %v at %#x", r, s.Cycle())
	}
	if name := lastBookmark(t, s); name != "revover found" {
		t.Fatalf("bookmark %q", name)
	}
	if last, ok := s.LastResult(); !ok || last != r {
		t.Fatalf("last result %v", last)
	}

	assertNoError(s.SkipTo(11), t, "SkipTo")
	r, err = s.RevReg("ebx")
	assertNoError(err, t, "RevReg")
	if r.Outcome != reverse.Found || r.Cycle != 4 {
		t.Fatalf("revreg %v", r)
	}
	loc := s.Where()
	if loc.PC != 0x804800a || loc.Pid != 1 || !loc.User || loc.Instr == nil || !strings.HasPrefix(loc.Instr.Mnemonic, "mov") {
		t.Fatalf("where %v", loc)
	}

	if _, err := s.RevReg("xmm9"); err == nil {
		t.Fatalf("expected error for unknown register")
	}

	bm, err := s.GoTo("origin")
	assertNoError(err, t, "GoTo")
	if bm.Cycle != 0 || s.Cycle() != 0 {
		t.Fatalf("goto %v at %#x", bm, s.Cycle())
	}
	if n := len(s.m.LiveWatches()); n != 1 {
		t.Fatalf("%d live watches, expected only the syscall entry recorder", n)
	}
}

func TestSessionTaintAddr(t *testing.T) {
	s := newSession(t, progTrace, nil)
	assertNoError(s.SkipTo(11), t, "SkipTo")
	r, err := s.TaintAddr(0x804a004, 4)
	assertNoError(err, t, "TaintAddr")
	if r.Outcome != reverse.KernelWrite || r.Cycle != 7 {
		t.Fatalf("taintaddr %v", r)
	}
	if name := lastBookmark(t, s); name != "taintaddr 0x804a004 kernel write" {
		t.Fatalf("bookmark %q", name)
	}
	found := false
	for _, bm := range s.Bookmarks() {
		if strings.HasPrefix(bm.Name, "backtrack kernel wrote") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no kernel write bookmark in %v", s.Bookmarks())
	}
}

func TestSessionContinue(t *testing.T) {
	s := newSession(t, progTrace, nil)
	ev, err := s.Continue(3)
	assertNoError(err, t, "Continue")
	if ev.Reason != proc.StopSteps || ev.Cycle != 3 {
		t.Fatalf("bounded continue %+v", ev)
	}
	ev, err = s.Continue(0)
	assertNoError(err, t, "Continue")
	if ev.Reason != proc.StopEndOfRecording || ev.Cycle != 11 {
		t.Fatalf("continue %+v", ev)
	}
	if entries := s.SyscallEntries(1); len(entries) != 1 || entries[0] != 6 {
		t.Fatalf("syscall entries %v", entries)
	}
}

func TestSessionRegisters(t *testing.T) {
	s := newSession(t, progTrace, nil)
	assertNoError(s.SkipTo(5), t, "SkipTo")
	regs := s.Registers()
	for i := 1; i < len(regs); i++ {
		if regs[i-1].Name >= regs[i].Name {
			t.Fatalf("registers not sorted: %v", regs)
		}
	}
	for _, r := range regs {
		if r.Name == "ebx" && r.Value != 7 {
			t.Fatalf("ebx = %#x", r.Value)
		}
	}
	insts, err := s.Disassemble(2)
	assertNoError(err, t, "Disassemble")
	if len(insts) != 2 || insts[0].PC != 0x804800c || insts[1].PC != 0x804800e {
		t.Fatalf("disassembly %v", insts)
	}
	mem, err := s.ReadMemory(0x8048100, 1)
	assertNoError(err, t, "ReadMemory")
	if mem[0] != 0xb8 {
		t.Fatalf("memory %x", mem)
	}
}

func TestSessionTrace(t *testing.T) {
	out := new(bytes.Buffer)
	s := newSession(t, openTrace, out)
	assertNoError(s.Trace([]string{"open"}, "passwd", true), t, "Trace")
	if !s.Tracing() {
		t.Fatalf("not tracing")
	}
	ev, err := s.Continue(0)
	assertNoError(err, t, "Continue")
	if ev.Reason != proc.StopRequested || ev.Cycle != 2 {
		t.Fatalf("trace stop %+v", ev)
	}
	if !strings.Contains(out.String(), "return from open pid:1 FD: 3 file: /etc/passwd") {
		t.Fatalf("output %q", out.String())
	}
	if name := lastBookmark(t, s); name != "open pid:1 ret:3" {
		t.Fatalf("bookmark %q", name)
	}
	if fds := s.Procs().FDs(1); len(fds) != 1 || fds[0].Name != "/etc/passwd" {
		t.Fatalf("fds %v", fds)
	}
	if calls := s.Calls(0); len(calls) != 1 || calls[0].Call != "open" || calls[0].Ret != 3 || !calls[0].Matched {
		t.Fatalf("calls %+v", calls)
	}
	if calls := s.Calls(2); len(calls) != 0 {
		t.Fatalf("calls of pid 2 %+v", calls)
	}

	s.StopTrace()
	if s.Tracing() {
		t.Fatalf("still tracing")
	}
	ev, _ = s.Continue(0)
	if ev.Reason != proc.StopEndOfRecording {
		t.Fatalf("continue after StopTrace %+v", ev)
	}
}

func TestSessionTrack(t *testing.T) {
	s := newSession(t, openTrace, nil)
	assertNoError(s.Track(1), t, "Track(1)")
	if pids := s.ThreadPids(); len(pids) != 1 || pids[0] != 1 {
		t.Fatalf("thread pids %v", pids)
	}
	assertNoError(s.Exclude(), t, "Exclude")
	s.Include()
	s.Untrack(1)
	if len(s.ThreadPids()) != 0 {
		t.Fatalf("thread pids after untrack %v", s.ThreadPids())
	}
}

func TestSessionClose(t *testing.T) {
	s := newSession(t, openTrace, nil)
	s.Trace(nil, "", false)
	if len(s.Haps()) == 0 {
		t.Fatalf("no haps while tracing")
	}
	assertNoError(s.Close(), t, "Close")
	if n := len(s.m.LiveWatches()); n != 0 {
		t.Fatalf("%d watches after close", n)
	}
	if _, err := s.Uncall(); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	assertNoError(s.Close(), t, "second Close")
}

func TestReadMemory(t *testing.T) {
	s := newSession(t, progTrace, nil)
	b, err := s.ReadMemory(0x8048000, 5)
	assertNoError(err, t, "ReadMemory")
	if len(b) != 5 || b[0] != 0xb8 || b[1] != 0x05 {
		t.Fatalf("read % x", b)
	}
	if _, err := s.ReadMemory(0x8048000, -1); err == nil {
		t.Fatalf("expected error for a negative length")
	}
}

func TestProtect(t *testing.T) {
	s := newSession(t, progTrace, nil)
	if err := s.Protect(0x804a000, 0); err == nil {
		t.Fatalf("expected error for an empty region")
	}
	assertNoError(s.Protect(0x804a010, 0x10), t, "Protect(0x804a010)")
	assertNoError(s.Protect(0x804a000, 0x10), t, "Protect(0x804a000)")
	assertNoError(s.Protect(0x804a000, 0x10), t, "Protect twice")
	tgt := s.Target()
	if len(tgt.Protected) != 2 || tgt.Protected[0].Start != 0x804a000 || tgt.Protected[1].Start != 0x804a010 {
		t.Fatalf("protected %+v", tgt.Protected)
	}

	assertNoError(s.SkipTo(11), t, "SkipTo")
	r, err := s.TaintReg("ecx")
	assertNoError(err, t, "TaintReg")
	if r.Outcome != reverse.Protected {
		t.Fatalf("taint into protected memory %v", r)
	}

	assertNoError(s.Unprotect(0x804a000), t, "Unprotect")
	if err := s.Unprotect(0x804a000); err == nil {
		t.Fatalf("expected error removing a missing region")
	}
	if tgt := s.Target(); len(tgt.Protected) != 1 {
		t.Fatalf("protected after unprotect %+v", tgt.Protected)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.yml")
	assertNoError(ioutil.WriteFile(path, []byte(progTrace), 0600), t, "WriteFile")
	s, err := Open(path, nil, nil)
	assertNoError(err, t, "Open")
	if s.Path != path || !strings.Contains(s.Summary(), path) {
		t.Fatalf("summary %q", s.Summary())
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.yml"), nil, nil); err == nil {
		t.Fatalf("expected error opening a missing trace")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newSession(t, progTrace, nil)
	b := newSession(t, openTrace, nil)
	r.Add(a)
	r.Add(b)
	if r.Count() != 2 {
		t.Fatalf("count %d", r.Count())
	}
	if list := r.List(); list[0] != a || list[1] != b {
		t.Fatalf("list order")
	}
	if s, err := r.Get(a.ID); err != nil || s != a {
		t.Fatalf("get by id: %v", err)
	}
	if s, err := r.Get(b.ID[:13]); err != nil || s != b {
		t.Fatalf("get by prefix: %v", err)
	}
	if _, err := r.Get("not-a-session"); err == nil {
		t.Fatalf("expected error")
	} else if _, ok := err.(NoSessionError); !ok {
		t.Fatalf("expected NoSessionError, got %T", err)
	}
	assertNoError(r.Remove(a.ID), t, "Remove")
	if r.Count() != 1 || !a.closed {
		t.Fatalf("remove did not close the session")
	}
	r.CloseAll()
	if r.Count() != 0 || !b.closed {
		t.Fatalf("CloseAll")
	}
}
