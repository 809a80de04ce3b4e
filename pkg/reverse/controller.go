// Package reverse implements backward navigation over a recording:
// reverse step into and over, uncall, search for the last write of a
// register and a backward taint chase from a register or memory
// location to the instruction that produced it.
//
// Searches are resumable state machines. An entry point sets up the
// search state and either finishes synchronously or requests a backward
// run; every later stop of the substrate resumes the search from the
// Controller's fields until a terminal Outcome is reported through the
// OnDone callback.
package reverse

import (
	"fmt"
	"sort"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/proc"
	"github.com/revmon/revmon/pkg/watch"
)

// Outcome is the terminal state of a search.
type Outcome uint8

const (
	// Found means the search stopped at its target.
	Found Outcome = iota
	// StartOfRecording means the search reached the recording's first
	// cycle before finding its target.
	StartOfRecording
	// Stumped means a taint chase met an instruction it cannot follow.
	Stumped
	// Protected means a taint chase reached protected memory.
	Protected
	// KernelWrite means a taint chase found the kernel writing the value.
	KernelWrite
	// Cancelled means the search was abandoned for another one.
	Cancelled
)

var outcomeNames = [...]string{"found", "start of recording", "stumped", "protected memory", "kernel write", "cancelled"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Result is the final position of a search.
type Result struct {
	Outcome Outcome
	Cycle   uint64
	PC      uint64
	Message string
	// Calls is the number of call-class instructions passed by a call
	// search; Hops the number of taint hops followed.
	Calls int
	Hops  int
}

func (r Result) String() string {
	s := fmt.Sprintf("%s at cycle %#x pc %#x", r.Outcome, r.Cycle, r.PC)
	if r.Message != "" {
		s += ": " + r.Message
	}
	return s
}

// Bookmarker records labelled positions.
type Bookmarker interface {
	SetDebugBookmark(mark string)
}

type searchMode uint8

const (
	modeIdle searchMode = iota
	modeCall
	modeModReg
	modeWrite
)

// Controller runs backward searches for the process current when each
// search starts.
type Controller struct {
	sub    proc.Substrate
	tasks  proc.TaskInfo
	faults proc.FaultSource
	arch   proc.Arch
	dis    *proc.Disassembler
	cm     *watch.ContextManager
	target config.Target
	marks  Bookmarker
	log    logflags.Logger

	start  uint64
	stopID int
	onDone func(Result)
	last   Result

	mode     searchMode
	awaiting bool
	pid      int
	breaks   []int
	visited  []uint64

	// call search
	need, got int
	first     bool
	uncall    bool
	stepInto  bool
	prevPC    uint64
	hasPrev   bool
	atPrev    bool
	frameIPs  map[uint64]bool
	kernelRun bool

	// register search and taint
	reg      string
	taint    bool
	value    uint64
	hasValue bool
	offset   uint64
	numBytes int
	hops     int

	// write search
	writeAddr uint64
	writeSize int

	entryHap    int
	entryCycles map[int][]uint64
}

// Config collects the collaborators of a Controller.
type Config struct {
	Substrate    proc.Substrate
	Tasks        proc.TaskInfo
	Faults       proc.FaultSource // may be nil
	Disassembler *proc.Disassembler
	Watch        *watch.ContextManager
	Target       config.Target
	Bookmarks    Bookmarker
	StartCycle   uint64
	OnDone       func(Result)
}

// New returns an idle Controller and registers its stop callback.
func New(cfg Config) *Controller {
	c := &Controller{
		sub:         cfg.Substrate,
		tasks:       cfg.Tasks,
		faults:      cfg.Faults,
		dis:         cfg.Disassembler,
		arch:        cfg.Disassembler.Arch(),
		cm:          cfg.Watch,
		target:      cfg.Target,
		marks:       cfg.Bookmarks,
		log:         logflags.ReverseLogger(),
		start:       cfg.StartCycle,
		onDone:      cfg.OnDone,
		entryCycles: make(map[int][]uint64),
	}
	c.stopID = c.sub.OnStop(c.stopped)
	return c
}

// SetOnDone replaces the completion callback.
func (c *Controller) SetOnDone(fn func(Result)) {
	c.onDone = fn
}

// SetStartCycle sets the floor below which searches never go.
func (c *Controller) SetStartCycle(cycle uint64) {
	c.start = cycle
}

// SetProtected replaces the protected memory regions taint chases stop
// at. It takes effect from the next hop.
func (c *Controller) SetProtected(regions []config.Region) {
	c.target.Protected = regions
}

// StartCycle returns the search floor.
func (c *Controller) StartCycle() uint64 {
	return c.start
}

// Active reports whether a search is in progress.
func (c *Controller) Active() bool {
	return c.mode != modeIdle
}

// Last returns the result of the most recent search.
func (c *Controller) Last() Result {
	return c.last
}

// Visited returns the cycles at which the last search examined an
// instruction, in the order they were examined.
func (c *Controller) Visited() []uint64 {
	return append([]uint64(nil), c.visited...)
}

// Close removes the controller's stop callback and any search state.
func (c *Controller) Close() {
	c.Cleanup()
	c.NoWatchSyscallEntries()
	c.sub.RemoveStopCallback(c.stopID)
}

// Cleanup removes every breakpoint owned by the current search. It is a
// no-op on an idle controller.
func (c *Controller) Cleanup() {
	c.clearBreaks()
	c.mode = modeIdle
	c.awaiting = false
	c.kernelRun = false
}

// Cancel abandons the current search and reports it as Cancelled.
func (c *Controller) Cancel() {
	if c.mode == modeIdle {
		return
	}
	c.finish(Cancelled, "")
}

func (c *Controller) clearBreaks() {
	for _, h := range c.breaks {
		if err := c.cm.DeleteBreakpoint(h); err != nil {
			c.log.Warnf("cleanup: %v", err)
		}
	}
	c.breaks = nil
}

func (c *Controller) begin(mode searchMode) {
	c.Cleanup()
	c.mode = mode
	c.pid, _ = c.tasks.CurrentProcess()
	c.visited = c.visited[:0]
	c.hops = 0
	c.got, c.need = 0, 0
}

func (c *Controller) pc() uint64 {
	pc, _ := c.sub.ReadRegister(c.arch.PCRegister())
	return pc
}

func (c *Controller) finish(o Outcome, msg string) {
	c.Cleanup()
	c.last = Result{Outcome: o, Cycle: c.sub.CurrentCycle(), PC: c.pc(), Message: msg, Calls: c.got, Hops: c.hops}
	c.log.At(c.last.Cycle).Debugf("search done: %s", c.last)
	if c.onDone != nil {
		c.onDone(c.last)
	}
}

func (c *Controller) bookmark(format string, args ...interface{}) {
	mark := fmt.Sprintf(format, args...)
	c.log.At(c.sub.CurrentCycle()).Debugf("bookmark %q", mark)
	if c.marks != nil {
		c.marks.SetDebugBookmark(mark)
	}
}

func (c *Controller) visit(cycle uint64) {
	c.visited = append(c.visited, cycle)
}

// userStop reports whether the position is in user mode of the process
// being searched.
func (c *Controller) userStop() bool {
	pid, _ := c.tasks.CurrentProcess()
	return pid == c.pid && c.sub.PrivilegeLevel() != 0
}

func (c *Controller) runBackward() {
	c.awaiting = true
	if err := c.sub.RunBackward(); err != nil {
		c.awaiting = false
		c.log.Errorf("reverse: %v", err)
		c.finish(Stumped, err.Error())
	}
}

func (c *Controller) owns(raw int) bool {
	for _, h := range c.breaks {
		if id, ok := c.cm.RawBreakpoint(h); ok && id == raw {
			return true
		}
	}
	return false
}

func (c *Controller) stopped(ev proc.StopEvent) {
	if !c.awaiting || ev.Direction != proc.Backward {
		return
	}
	c.awaiting = false
	if ev.Reason == proc.StopStartOfRecording {
		if c.mode == modeWrite {
			c.writeStopped(false)
			return
		}
		c.finish(StartOfRecording, "")
		return
	}
	if ev.Reason == proc.StopBreakpoint && !c.owns(ev.Breakpoint) {
		c.log.Debugf("stopped at foreign breakpoint %d, continuing", ev.Breakpoint)
		c.runBackward()
		return
	}
	switch c.mode {
	case modeCall:
		c.evaluate()
	case modeModReg:
		c.modRegStopped()
	case modeWrite:
		c.writeStopped(true)
	}
}

type physRange struct {
	start, length uint64
}

// executableRanges coalesces the physical pages that hold executed
// code into contiguous ranges.
func (c *Controller) executableRanges() []physRange {
	size := c.target.Page()
	var phys []uint64
	for _, p := range c.sub.PageEntries() {
		if c.arch.ExecutablePage(p.Entry) {
			phys = append(phys, p.Physical)
		}
	}
	sort.Slice(phys, func(i, j int) bool { return phys[i] < phys[j] })
	var ranges []physRange
	for _, p := range phys {
		if n := len(ranges); n > 0 {
			last := &ranges[n-1]
			if p == last.start+last.length {
				last.length += size
				continue
			}
			if p < last.start+last.length {
				continue
			}
		}
		ranges = append(ranges, physRange{p, size})
	}
	return ranges
}

// setPageBreaks carpets the executable pages with execution breakpoints,
// one per range and filter; no filters means every instruction.
func (c *Controller) setPageBreaks(filters []proc.WatchSpec) error {
	if len(filters) == 0 {
		filters = []proc.WatchSpec{{}}
	}
	for _, r := range c.executableRanges() {
		for _, f := range filters {
			spec := proc.WatchSpec{Space: proc.Physical, Mode: proc.WatchExecute, Addr: r.start, Len: r.length, Prefix: f.Prefix, Substr: f.Substr}
			h, err := c.cm.SetBreakpoint(spec)
			if err != nil {
				return err
			}
			c.breaks = append(c.breaks, h)
		}
	}
	c.log.Debugf("set %d page breakpoints", len(c.breaks))
	return nil
}

func (c *Controller) setOneBreak(addr uint64) error {
	h, err := c.cm.SetBreakpoint(proc.WatchSpec{Space: proc.Linear, Mode: proc.WatchExecute, Addr: addr, Len: 1})
	if err != nil {
		return err
	}
	c.breaks = append(c.breaks, h)
	return nil
}
