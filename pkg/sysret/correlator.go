// Package sysret correlates returns to user space with the syscalls that
// caused them. Many processes return through the same kernel exit
// addresses, so watches are shared per address and reference counted by
// the set of pids expected to return there.
package sysret

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/proc"
	"github.com/revmon/revmon/pkg/watch"
)

// CallParams selects the syscall completions that are interesting to
// the caller.
type CallParams struct {
	// Match is a substring for open, write and send, and a number
	// (file descriptor) for the other calls. Empty matches everything.
	Match string
	// Break stops the substrate on a match.
	Break bool
	// OnMatch is called with the completion of a matching call.
	OnMatch func(Completion)
}

func (p *CallParams) matchString(s string) bool {
	return p.Match == "" || strings.Contains(s, p.Match)
}

func (p *CallParams) matchNumber(n int64) bool {
	if p.Match == "" {
		return true
	}
	v, err := strconv.ParseInt(p.Match, 0, 64)
	return err == nil && v == n
}

// ExitInfo is the pending syscall of one process.
type ExitInfo struct {
	CallNum int
	// RetvalAddr is where the call deposits its result, e.g. a read
	// buffer; zero if none.
	RetvalAddr uint64
	OldFD      int
	NewFD      int
	Cmd        uint64
	Count      uint64
	Fname      string
	// SocketCall names the socketcall subcall.
	SocketCall string
	// SyscallEntry is the entry address the call came through.
	SyscallEntry uint64
	Params       *CallParams

	exits []uint64
}

// Completion describes a completed syscall.
type Completion struct {
	Pid     int
	Comm    string
	Call    string
	Ret     int64
	Info    *ExitInfo
	Message string
	Matched bool
}

// ReturnKind classifies a return to user space.
type ReturnKind uint8

const (
	// Ignored returns come from pid 0 or from the entry address itself.
	Ignored ReturnKind = iota
	// Completed returns consumed a pending syscall.
	Completed
	// CloneChild is the first return of a child of a pending clone.
	CloneChild
	// NewProcess is the first return of a process not seen before.
	NewProcess
	// Reschedule is a return of a process with no pending syscall.
	Reschedule
	// Nested is an interrupt return to kernel code.
	Nested
)

var returnKindNames = [...]string{"ignored", "completed", "clone child", "new process", "reschedule", "nested"}

func (k ReturnKind) String() string {
	if int(k) < len(returnKindNames) {
		return returnKindNames[k]
	}
	return "unknown"
}

// Correlator tracks one pending syscall per pid.
type Correlator struct {
	sub    proc.Substrate
	tasks  proc.TaskInfo
	arch   proc.Arch
	dis    *proc.Disassembler
	cm     *watch.ContextManager
	target config.Target
	procs  *ProcTable
	data   *watch.DataWatch
	out    io.Writer
	log    logflags.Logger

	exitInfo      map[int]*ExitInfo
	exitPids      map[uint64][]int
	exitHap       map[uint64]int
	pendingExecve []int
	debugging     bool
	onComplete    func(Completion)
}

// NewCorrelator returns a correlator. data and out may be nil; trace
// messages are written to out.
func NewCorrelator(sub proc.Substrate, tasks proc.TaskInfo, dis *proc.Disassembler, cm *watch.ContextManager, target config.Target, data *watch.DataWatch, out io.Writer) *Correlator {
	return &Correlator{
		sub:      sub,
		tasks:    tasks,
		arch:     dis.Arch(),
		dis:      dis,
		cm:       cm,
		target:   target,
		procs:    NewProcTable(),
		data:     data,
		out:      out,
		log:      logflags.SysretLogger(),
		exitInfo: make(map[int]*ExitInfo),
		exitPids: make(map[uint64][]int),
		exitHap:  make(map[uint64]int),
	}
}

// Procs returns the process table.
func (c *Correlator) Procs() *ProcTable {
	return c.procs
}

// OnComplete sets a function called with every completed syscall.
func (c *Correlator) OnComplete(fn func(Completion)) {
	c.onComplete = fn
}

// SetDebugging makes clone children of debugged processes tracked by the
// watch manager.
func (c *Correlator) SetDebugging(debugging bool) {
	c.debugging = debugging
}

// PendingCall returns the pending syscall of pid.
func (c *Correlator) PendingCall(pid int) (*ExitInfo, bool) {
	info, ok := c.exitInfo[pid]
	return info, ok
}

// ExitWatches returns the watched exit addresses and the pids expected
// at each.
func (c *Correlator) ExitWatches() map[uint64][]int {
	r := make(map[uint64][]int, len(c.exitPids))
	for addr, pids := range c.exitPids {
		r[addr] = append([]int(nil), pids...)
	}
	return r
}

// BeginSyscall records info as the pending syscall of pid and watches up
// to three exit addresses for its return. A pending syscall of pid not
// yet returned is discarded as superseded.
func (c *Correlator) BeginSyscall(pid int, info *ExitInfo, exits ...uint64) error {
	if old, ok := c.exitInfo[pid]; ok {
		c.log.Debugf("pid %d: %s superseded by %s", pid, c.tasks.SyscallName(old.CallNum), c.tasks.SyscallName(info.CallNum))
		c.rmExitHap(pid)
	}
	if !c.procs.Exists(pid) {
		if cur, comm := c.tasks.CurrentProcess(); cur == pid {
			c.procs.AddProc(pid, 0, comm)
		} else {
			c.procs.AddProc(pid, 0, "")
		}
	}
	if c.tasks.SyscallName(info.CallNum) == "execve" {
		c.addPendingExecve(pid)
	}
	if len(exits) > 3 {
		exits = exits[:3]
	}
	c.exitInfo[pid] = info
	for _, addr := range exits {
		if addr == 0 || containsPid(c.exitPids[addr], pid) {
			continue
		}
		if len(c.exitPids[addr]) == 0 {
			if err := c.addExitHap(addr); err != nil {
				c.rmExitHap(pid)
				return err
			}
		}
		c.exitPids[addr] = append(c.exitPids[addr], pid)
		info.exits = append(info.exits, addr)
	}
	return nil
}

func containsPid(pids []int, pid int) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

func (c *Correlator) addExitHap(addr uint64) error {
	bp := c.cm.Breakpoint(proc.WatchSpec{Space: proc.Linear, Mode: proc.WatchExecute, Addr: addr, Len: 1})
	h, err := c.cm.AddHap(fmt.Sprintf("exit %#x", addr), func(hit proc.BreakHit) {
		c.HandleReturn(hit.Addr)
	}, bp)
	if err != nil {
		return err
	}
	c.exitHap[addr] = h
	c.log.Debugf("exit hap %d at %#x", h, addr)
	return nil
}

// rmExitHap removes pid from the exit addresses of its pending call and
// deletes the watch of addresses no other pid waits on.
func (c *Correlator) rmExitHap(pid int) {
	info, ok := c.exitInfo[pid]
	if !ok {
		c.log.Debugf("no pending call for pid %d", pid)
		return
	}
	for _, addr := range info.exits {
		pids := c.exitPids[addr]
		for i, p := range pids {
			if p == pid {
				pids = append(pids[:i], pids[i+1:]...)
				break
			}
		}
		if len(pids) > 0 {
			c.exitPids[addr] = pids
			continue
		}
		delete(c.exitPids, addr)
		if h, ok := c.exitHap[addr]; ok {
			c.cm.DeleteHap(h)
			delete(c.exitHap, addr)
		}
	}
	info.exits = nil
	delete(c.exitInfo, pid)
}

// StopTrace drops every pending syscall and exit watch.
func (c *Correlator) StopTrace() {
	for addr, h := range c.exitHap {
		c.cm.DeleteHap(h)
		delete(c.exitHap, addr)
	}
	c.exitPids = make(map[uint64][]int)
	c.exitInfo = make(map[int]*ExitInfo)
}

func (c *Correlator) addPendingExecve(pid int) {
	if !containsPid(c.pendingExecve, pid) {
		c.pendingExecve = append(c.pendingExecve, pid)
	}
}

func (c *Correlator) rmPendingExecve(pid int) bool {
	for i, p := range c.pendingExecve {
		if p == pid {
			c.pendingExecve = append(c.pendingExecve[:i], c.pendingExecve[i+1:]...)
			return true
		}
	}
	return false
}

// IsPendingExecve reports whether pid is in an execve that has not
// returned.
func (c *Correlator) IsPendingExecve(pid int) bool {
	return containsPid(c.pendingExecve, pid)
}

func (c *Correlator) signedReturn() int64 {
	v, err := c.sub.ReadRegister(c.arch.ReturnValueRegister())
	if err != nil {
		return 0
	}
	if c.arch.PtrSize() == 4 {
		return int64(int32(v))
	}
	return int64(v)
}

// nestedReturn reports whether the instruction at pc is an interrupt
// return to kernel code.
func (c *Correlator) nestedReturn(pc uint64) bool {
	inst, err := c.dis.At(c.sub, pc)
	if err != nil || !c.arch.IsInterruptReturn(inst) {
		return false
	}
	sp, err := c.sub.ReadRegister(c.arch.SPRegister())
	if err != nil {
		return false
	}
	ret, err := proc.ReadWord(c.sub, sp, c.arch.PtrSize())
	return err == nil && ret >= c.target.KernelBase
}

// HandleReturn is called when execution reaches a watched exit address.
func (c *Correlator) HandleReturn(addr uint64) ReturnKind {
	pid, comm := c.tasks.CurrentProcess()
	if pid == 0 {
		c.log.Debugf("return at %#x in pid 0", addr)
		return Ignored
	}
	info, ok := c.exitInfo[pid]
	if !ok {
		if !c.procs.Exists(pid) {
			cloneNum := c.tasks.SyscallNumber("clone")
			for _, ppid := range c.pendingPids() {
				ei := c.exitInfo[ppid]
				if ei.CallNum == cloneNum && ei.Params != nil {
					msg := fmt.Sprintf("clone returning in child %d parent maybe %d", pid, ppid)
					c.log.Debugf("%s", msg)
					c.procs.AddProc(pid, ppid, comm)
					c.sub.Break(msg)
					return CloneChild
				}
			}
			c.log.Debugf("clone child return? pid %d", pid)
			c.procs.AddProc(pid, 0, comm)
			return NewProcess
		}
		if c.rmPendingExecve(pid) {
			c.log.Debugf("reschedule from execve for pid %d", pid)
		}
		return Reschedule
	}

	pc, _ := c.sub.ReadRegister(c.arch.PCRegister())
	if c.nestedReturn(pc) {
		c.log.Debugf("nested interrupt return at %#x pid %d", pc, pid)
		return Nested
	}
	if pc == info.SyscallEntry {
		c.log.Errorf("return for pid %d delivered at syscall entry %#x", pid, pc)
		return Ignored
	}

	ret := c.signedReturn()
	call := c.tasks.SyscallName(info.CallNum)
	comp := c.complete(Completion{Pid: pid, Comm: comm, Call: call, Ret: ret, Info: info})
	c.rmExitHap(pid)
	if c.onComplete != nil {
		c.onComplete(comp)
	}

	if call == "clone" && c.debugging && ret > 0 {
		c.log.Debugf("adding clone %d to watched pids", ret)
		c.cm.Track(int(ret))
	}
	if comp.Message != "" {
		c.log.Debugf("%s", comp.Message)
		if c.out != nil {
			fmt.Fprintln(c.out, "\t"+comp.Message)
		}
	}
	if comp.Matched && info.Params != nil {
		if info.Params.Break {
			c.log.Debugf("found matching call parameter %q", info.Params.Match)
			c.StopTrace()
			c.sub.Break("found matching call parameters: " + comp.Message)
		}
		if info.Params.OnMatch != nil {
			info.Params.OnMatch(comp)
		}
	}
	return Completed
}

func (c *Correlator) pendingPids() []int {
	pids := make([]int, 0, len(c.exitInfo))
	for pid := range c.exitInfo {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
