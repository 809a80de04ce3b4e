// Package session owns every component attached to one recorded target:
// the replay substrate, the watch manager, the backward search controller,
// the syscall-return correlator and the bookmark store.
package session

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/revmon/revmon/pkg/bookmarks"
	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/proc"
	"github.com/revmon/revmon/pkg/replay"
	"github.com/revmon/revmon/pkg/reverse"
	"github.com/revmon/revmon/pkg/sysret"
	"github.com/revmon/revmon/pkg/watch"
)

// ErrSearchIncomplete is returned when a search neither finished nor
// left a run pending.
var ErrSearchIncomplete = errors.New("search did not complete")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session is closed")

// Session is the state of one debugging session over a trace.
type Session struct {
	ID   string
	Path string

	m      *replay.Machine
	target config.Target
	cm     *watch.ContextManager
	ctl    *reverse.Controller
	corr   *sysret.Correlator
	tracer *sysret.EntryTracer
	marks  *bookmarks.Store
	data   *watch.DataWatch
	out    io.Writer
	log    logflags.Logger

	calls    []sysret.Completion
	stopID   int
	lastStop proc.StopEvent
	result   *reverse.Result
	closed   bool
}

// Open loads the trace at path and returns a session over it.
func Open(path string, conf *config.Config, out io.Writer) (*Session, error) {
	tr, err := replay.LoadTrace(path)
	if err != nil {
		return nil, err
	}
	s, err := New(tr, conf, out)
	if err != nil {
		return nil, err
	}
	s.Path = path
	return s, nil
}

// New returns a session positioned at the first cycle of tr. Trace
// output and data watch hits are written to out, which may be nil.
func New(tr *replay.Trace, conf *config.Config, out io.Writer) (*Session, error) {
	if conf == nil {
		conf = &config.Config{}
	}
	if tr.Target.Arch == "" {
		tr.Target.Arch = conf.DefaultArch
	}
	if out == nil {
		out = ioutil.Discard
	}
	m, err := replay.New(tr)
	if err != nil {
		return nil, err
	}
	target := m.Target()
	id := uuid.New().String()
	s := &Session{
		ID:     id,
		m:      m,
		target: target,
		out:    out,
		log:    logflags.SessionLogger().Session(id),
	}
	s.cm = watch.NewContextManager(watch.NewRegistry(m), m, target.CurrentTask)
	s.marks = bookmarks.New(m, m.Arch().PCRegister(), conf.MaxBookmarks)
	s.ctl = reverse.New(reverse.Config{
		Substrate:    m,
		Tasks:        m,
		Faults:       m,
		Disassembler: m.Disassembler(),
		Watch:        s.cm,
		Target:       target,
		Bookmarks:    s.marks,
		StartCycle:   m.FirstCycle(),
		OnDone:       s.searchDone,
	})
	s.data = watch.NewDataWatch(s.cm)
	s.corr = sysret.NewCorrelator(m, m, m.Disassembler(), s.cm, target, s.data, out)
	s.corr.OnComplete(s.recordCall)
	s.tracer = sysret.NewEntryTracer(s.corr)
	s.stopID = m.OnStop(func(ev proc.StopEvent) { s.lastStop = ev })

	if len(target.EntryAddrs()) > 0 {
		if err := s.ctl.WatchSyscallEntries(); err != nil {
			s.log.Warnf("syscall entry recorder: %v", err)
		}
	}
	s.marks.SetOrigin()
	s.log.Debugf("cycles %#x-%#x arch %s", m.FirstCycle(), m.LastCycle(), m.Arch().Name())
	return s, nil
}

func (s *Session) searchDone(r reverse.Result) {
	s.result = &r
}

// Close releases every watch owned by the session.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ctl.Close()
	s.tracer.Stop()
	s.data.Stop()
	s.m.RemoveStopCallback(s.stopID)
	s.log.Debugf("closed")
	return nil
}

// search starts a backward search with start and runs the substrate
// until it reports a result.
func (s *Session) search(op string, start func() error) (reverse.Result, error) {
	if s.closed {
		return reverse.Result{}, ErrClosed
	}
	s.result = nil
	if err := start(); err != nil {
		return reverse.Result{}, err
	}
	s.m.Pump()
	if s.result == nil {
		s.ctl.Cancel()
		if s.result == nil {
			return reverse.Result{}, ErrSearchIncomplete
		}
	}
	r := *s.result
	s.log.At(r.Cycle).Debugf("%s: %s", op, r)
	if r.Outcome != reverse.Cancelled {
		s.marks.SetDebugBookmark(fmt.Sprintf("%s %s", op, r.Outcome))
	}
	return r, nil
}

// Uncall reverses to the call that entered the current function.
func (s *Session) Uncall() (reverse.Result, error) {
	return s.search("uncall", func() error { return s.ctl.Uncall(nil) })
}

// RevOver reverses one instruction, stepping over calls.
func (s *Session) RevOver() (reverse.Result, error) {
	return s.search("revover", func() error { return s.ctl.RevToCall(false, 0) })
}

// RevInto reverses one instruction, stepping into calls.
func (s *Session) RevInto() (reverse.Result, error) {
	return s.search("revinto", func() error { return s.ctl.RevToCall(true, 0) })
}

// RevReg reverses to the most recent modification of reg.
func (s *Session) RevReg(reg string) (reverse.Result, error) {
	return s.search("revreg "+reg, func() error { return s.ctl.RevToModReg(reg) })
}

// TaintReg follows the value in reg back to its source.
func (s *Session) TaintReg(reg string) (reverse.Result, error) {
	return s.search("taintreg "+reg, func() error { return s.ctl.RevTaintReg(reg) })
}

// TaintAddr follows the n bytes at addr back to their source.
func (s *Session) TaintAddr(addr uint64, n int) (reverse.Result, error) {
	return s.search(fmt.Sprintf("taintaddr %#x", addr), func() error { return s.ctl.RevTaintAddr(addr, n) })
}

// Trace starts correlating syscalls named in calls, or all of them if
// calls is empty. Completions matching match are bookmarked and, if brk
// is set, stop execution.
func (s *Session) Trace(calls []string, match string, brk bool) error {
	s.tracer.SetFilter(calls...)
	s.tracer.SetParams(&sysret.CallParams{
		Match: match,
		Break: brk,
		OnMatch: func(c sysret.Completion) {
			s.marks.SetDebugBookmark(fmt.Sprintf("%s pid:%d ret:%d", c.Call, c.Pid, c.Ret))
		},
	})
	pid, _ := s.m.CurrentProcess()
	if pid != 0 {
		s.cm.SetDebugPid(pid)
	}
	s.corr.SetDebugging(true)
	return s.tracer.Start()
}

// maxCalls bounds the syscall records kept by a session.
const maxCalls = 4096

func (s *Session) recordCall(c sysret.Completion) {
	if len(s.calls) == maxCalls {
		copy(s.calls, s.calls[1:])
		s.calls = s.calls[:maxCalls-1]
	}
	s.calls = append(s.calls, c)
}

// Calls returns the syscalls completed since the session was opened,
// oldest first. If pid is not zero only calls of pid are returned.
func (s *Session) Calls(pid int) []sysret.Completion {
	r := make([]sysret.Completion, 0, len(s.calls))
	for _, c := range s.calls {
		if pid == 0 || c.Pid == pid {
			r = append(r, c)
		}
	}
	return r
}

// StopTrace removes the syscall tracer and drops pending calls.
func (s *Session) StopTrace() {
	s.tracer.Stop()
	s.corr.SetDebugging(false)
}

// Tracing reports whether syscalls are being traced.
func (s *Session) Tracing() bool {
	return s.tracer.Tracing()
}

// Procs returns the process table built by the syscall tracer.
func (s *Session) Procs() *sysret.ProcTable {
	return s.corr.Procs()
}

// WatchData adds [addr, addr+n) to the data watch. Accesses to it are
// bookmarked, reported on the session output and stop execution.
func (s *Session) WatchData(addr, n uint64) error {
	s.data.SetRange(addr, n)
	if len(s.data.Ranges()) == 0 {
		return fmt.Errorf("empty data range")
	}
	return s.data.Watch(s.dataAccessed)
}

func (s *Session) dataAccessed(hit proc.BreakHit) {
	msg := fmt.Sprintf("data %s %#x", hit.Mode, hit.Addr)
	fmt.Fprintf(s.out, "%s at cycle %#x\n", msg, hit.Cycle)
	s.marks.SetDebugBookmark(msg)
	s.m.Break(msg)
}

// DataRanges returns the watched data ranges.
func (s *Session) DataRanges() []proc.WatchSpec {
	return s.data.Ranges()
}

// Continue runs forward n cycles, or to the end of the recording if n is
// zero, and returns the event that stopped it.
func (s *Session) Continue(n uint64) (proc.StopEvent, error) {
	if s.closed {
		return proc.StopEvent{}, ErrClosed
	}
	if err := s.m.RunForward(n); err != nil {
		return proc.StopEvent{}, err
	}
	s.m.Pump()
	return s.lastStop, nil
}

// GoTo moves to the bookmark matching prefix.
func (s *Session) GoTo(prefix string) (bookmarks.Bookmark, error) {
	return s.marks.GoTo(prefix)
}

// SkipTo moves to cycle.
func (s *Session) SkipTo(cycle uint64) error {
	return s.m.SkipTo(cycle)
}

// Bookmarks returns every bookmark in creation order.
func (s *Session) Bookmarks() []bookmarks.Bookmark {
	return s.marks.List()
}

// SetBookmark records the current position under name.
func (s *Session) SetBookmark(name string) {
	s.marks.SetDebugBookmark(name)
}

// Track adds pid to the watched tasks. Tracking the current process
// starts following the scheduler.
func (s *Session) Track(pid int) error {
	cur, _ := s.m.CurrentProcess()
	if pid == cur {
		return s.cm.WatchTasks()
	}
	if err := s.cm.FollowScheduling(); err != nil {
		return err
	}
	s.cm.Track(pid)
	return nil
}

// Untrack removes pid from the watched tasks.
func (s *Session) Untrack(pid int) {
	if s.cm.Untrack(pid) {
		s.log.Debugf("no tracked tasks left")
	}
}

// Exclude disarms all but auxiliary haps while the current task runs.
func (s *Session) Exclude() error {
	return s.cm.ExcludeButKeepAux()
}

// Include undoes Exclude.
func (s *Session) Include() {
	s.cm.Include()
}

// WatchOnlyThis limits the watched tasks to the current one.
func (s *Session) WatchOnlyThis() {
	s.cm.WatchOnlyThis()
}

// ThreadPids returns the pids currently watched.
func (s *Session) ThreadPids() []int {
	return s.cm.ThreadPids()
}

// Haps lists the live haps.
func (s *Session) Haps() []watch.HapInfo {
	return s.cm.Haps()
}

// Register is a register name and value.
type Register struct {
	Name  string
	Value uint64
}

// Registers returns the registers at the current cycle sorted by name.
func (s *Session) Registers() []Register {
	regs := s.m.Registers()
	r := make([]Register, 0, len(regs))
	for name, v := range regs {
		r = append(r, Register{name, v})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Name < r[j].Name })
	return r
}

// Cycle returns the current cycle.
func (s *Session) Cycle() uint64 {
	return s.m.CurrentCycle()
}

// Bounds returns the first and last cycle of the recording.
func (s *Session) Bounds() (uint64, uint64) {
	return s.m.FirstCycle(), s.m.LastCycle()
}

// Location describes the current position.
type Location struct {
	Cycle uint64
	PC    uint64
	Pid   int
	Comm  string
	User  bool
	Instr *proc.AsmInstruction
}

func (l Location) String() string {
	mode := "kernel"
	if l.User {
		mode = "user"
	}
	s := fmt.Sprintf("cycle %#x pid %d (%s) %s pc %#x", l.Cycle, l.Pid, l.Comm, mode, l.PC)
	if l.Instr != nil {
		s += "\t" + l.Instr.Text
	}
	return s
}

// Where returns the current position.
func (s *Session) Where() Location {
	pc, _ := s.m.ReadRegister(s.m.Arch().PCRegister())
	pid, comm := s.m.CurrentProcess()
	loc := Location{Cycle: s.m.CurrentCycle(), PC: pc, Pid: pid, Comm: comm, User: s.m.PrivilegeLevel() != 0}
	if inst, err := s.m.Disassembler().At(s.m, pc); err == nil {
		loc.Instr = inst
	}
	return loc
}

// Disassemble decodes count instructions starting at the current pc.
func (s *Session) Disassemble(count int) ([]*proc.AsmInstruction, error) {
	pc, err := s.m.ReadRegister(s.m.Arch().PCRegister())
	if err != nil {
		return nil, err
	}
	return s.m.Disassembler().Disassemble(s.m, pc, count)
}

// ReadMemory reads n bytes at addr.
func (s *Session) ReadMemory(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid length %d reading %#x", n, addr)
	}
	buf := make([]byte, n)
	_, err := s.m.ReadMemory(buf, addr)
	return buf, err
}

// LastResult returns the result of the most recent search.
func (s *Session) LastResult() (reverse.Result, bool) {
	if s.result == nil {
		return reverse.Result{}, false
	}
	return *s.result, true
}

// Cancel abandons the running search, if any.
func (s *Session) Cancel() {
	s.ctl.Cancel()
}

// Target returns the profile of the recorded target.
func (s *Session) Target() config.Target {
	return s.target
}

// Protect adds a protected memory region. Taint chases stop when they
// reach it.
func (s *Session) Protect(start, length uint64) error {
	if length == 0 {
		return fmt.Errorf("empty region at %#x", start)
	}
	regions := append([]config.Region(nil), s.target.Protected...)
	for _, r := range regions {
		if r.Start == start && r.Length == length {
			return nil
		}
	}
	regions = append(regions, config.Region{Start: start, Length: length})
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	s.setProtected(regions)
	return nil
}

// Unprotect removes the protected region starting at start.
func (s *Session) Unprotect(start uint64) error {
	regions := make([]config.Region, 0, len(s.target.Protected))
	for _, r := range s.target.Protected {
		if r.Start != start {
			regions = append(regions, r)
		}
	}
	if len(regions) == len(s.target.Protected) {
		return fmt.Errorf("no protected region at %#x", start)
	}
	s.setProtected(regions)
	return nil
}

func (s *Session) setProtected(regions []config.Region) {
	s.target.Protected = regions
	s.ctl.SetProtected(regions)
	s.log.Debugf("%d protected regions", len(regions))
}

// SyscallEntries returns the syscall entry cycles recorded for pid.
func (s *Session) SyscallEntries(pid int) []uint64 {
	return s.ctl.EntryCycles(pid)
}

// Summary is a one line description of the session.
func (s *Session) Summary() string {
	first, last := s.Bounds()
	name := s.Path
	if name == "" {
		name = "<trace>"
	}
	return strings.Join([]string{s.ID[:8], name, fmt.Sprintf("%#x-%#x", first, last), fmt.Sprintf("at %#x", s.Cycle())}, " ")
}
