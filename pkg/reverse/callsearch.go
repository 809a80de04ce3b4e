package reverse

import (
	"sort"

	"github.com/revmon/revmon/pkg/proc"
)

// RevToCall moves back one control transfer. With stepInto set it stops
// one instruction back even if that instruction is a return; otherwise a
// return is stepped over to its matching call. prevPC, when non-zero,
// is the address the caller expects to land on, typically the syscall
// instruction preceding a kernel return.
func (c *Controller) RevToCall(stepInto bool, prevPC uint64) error {
	c.begin(modeCall)
	c.stepInto = stepInto
	c.uncall = false
	c.first = true
	c.prevPC, c.hasPrev, c.atPrev = prevPC, prevPC != 0, false
	c.frameIPs = nil
	c.log.Debugf("revToCall pid %d from cycle %#x stepInto %v", c.pid, c.sub.CurrentCycle(), stepInto)
	if c.sub.CurrentCycle() <= c.start {
		c.finish(StartOfRecording, "")
		return nil
	}
	if err := c.sub.StepBackward(1); err != nil {
		c.finish(StartOfRecording, "")
		return nil
	}
	c.evaluate()
	return nil
}

// Uncall runs back to the call that entered the current function.
// frameIPs are call sites recovered from a stack walk; reaching any of
// them also ends the search.
func (c *Controller) Uncall(frameIPs []uint64) error {
	c.begin(modeCall)
	c.uncall = true
	c.stepInto = false
	c.first = true
	c.hasPrev = false
	c.need = 1
	c.frameIPs = make(map[uint64]bool, len(frameIPs))
	for _, ip := range frameIPs {
		c.frameIPs[ip] = true
	}
	c.log.Debugf("uncall pid %d from cycle %#x", c.pid, c.sub.CurrentCycle())
	if err := c.setPageBreaks(c.arch.CallReturnFilters()); err != nil {
		c.Cleanup()
		return err
	}
	c.runBackward()
	return nil
}

// evaluate classifies the instruction at the current position of a
// call search and either finishes or resumes the backward run.
func (c *Controller) evaluate() {
	cycle := c.sub.CurrentCycle()
	c.visit(cycle)
	if cycle <= c.start {
		c.log.Debugf("cycle %#x at or before start %#x", cycle, c.start)
		c.finish(StartOfRecording, "")
		return
	}
	pid, _ := c.tasks.CurrentProcess()
	if pid != c.pid {
		c.log.Debugf("stopped in pid %d, want %d", pid, c.pid)
		c.reverse()
		return
	}
	if c.sub.PrivilegeLevel() == 0 {
		c.skipKernel()
		return
	}
	if c.kernelRun {
		c.kernelRun = false
		c.clearBreaks()
	}
	pc := c.pc()
	inst, err := c.dis.At(c.sub, pc)
	if err != nil {
		c.bookmark("backtrack eip:0x%x stumped: %v", pc, err)
		c.finish(Stumped, err.Error())
		return
	}

	first := c.first
	c.first = false
	if first && !c.uncall {
		if c.arch.IsSyscallEntry(inst) {
			c.log.Debugf("first back is syscall at %#x", pc)
			c.finish(Found, "")
			return
		}
		if !c.arch.IsReturn(inst, c.sub) || c.stepInto {
			c.finish(Found, "")
			return
		}
		if c.hasPrev && !c.atPrev && pc != c.prevPC {
			c.log.Debugf("prev %#x not equal pc %#x, reversing to prev", c.prevPC, pc)
			c.atPrev = true
			c.first = true
			c.clearBreaks()
			if err := c.setOneBreak(c.prevPC); err != nil {
				c.finish(Stumped, err.Error())
				return
			}
			c.runBackward()
			return
		}
	}

	switch {
	case c.arch.IsCall(inst, c.sub):
		c.got++
		if c.got == c.need {
			c.log.Debugf("%s at %#x, got %d calls", inst.Text, pc, c.got)
			c.finish(Found, "")
			return
		}
		if c.frameIPs[pc] {
			c.log.Debugf("%s at %#x is a stack frame entry", inst.Text, pc)
			c.finish(Found, "")
			return
		}
	case c.arch.IsReturn(inst, c.sub):
		c.need++
		if first && !c.uncall {
			c.clearBreaks()
		}
	}
	c.reverse()
}

// reverse resumes the backward run, carpeting the executable pages with
// call and return breakpoints when none are set.
func (c *Controller) reverse() {
	if len(c.breaks) == 0 {
		if err := c.setPageBreaks(c.arch.CallReturnFilters()); err != nil {
			c.finish(Stumped, err.Error())
			return
		}
	}
	c.runBackward()
}

// entryBefore returns the latest recorded kernel entry of the searched
// process at or before cycle.
func (c *Controller) entryBefore(cycle uint64) (uint64, bool) {
	cycles := append([]uint64(nil), c.entryCycles[c.pid]...)
	if c.faults != nil {
		cycles = append(cycles, c.faults.FaultCycles(c.pid)...)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
	var got uint64
	var ok bool
	for _, e := range cycles {
		if e > cycle {
			break
		}
		got, ok = e, true
	}
	return got, ok
}

// skipKernel moves from kernel mode back to the user mode instruction
// that entered the kernel. At a kernel exit with a recorded entry it
// jumps straight to the instruction before the entry; otherwise it runs
// back stopping on every executable instruction until evaluate sees user
// mode again.
func (c *Controller) skipKernel() {
	cycle := c.sub.CurrentCycle()
	pc := c.pc()
	if inst, err := c.dis.At(c.sub, pc); err == nil && c.arch.IsKernelExit(inst) {
		if entry, ok := c.entryBefore(cycle); ok && entry > c.start && entry-1 < cycle {
			c.log.Debugf("kernel exit at %#x, jump to cycle %#x", pc, entry-1)
			if err := c.sub.SkipTo(entry - 1); err == nil {
				c.evaluate()
				return
			}
		}
	}
	if c.kernelRun {
		c.runBackward()
		return
	}
	c.log.Debugf("no kernel entry before cycle %#x, stopping on every instruction", cycle)
	c.clearBreaks()
	if err := c.setPageBreaks(nil); err != nil {
		c.finish(Stumped, err.Error())
		return
	}
	c.kernelRun = true
	c.runBackward()
}

// WatchSyscallEntries starts recording the cycle of every kernel entry
// through the configured syscall entry addresses.
func (c *Controller) WatchSyscallEntries() error {
	if c.entryHap != 0 {
		return nil
	}
	addrs := c.target.EntryAddrs()
	if len(addrs) == 0 {
		return nil
	}
	handles := make([]int, 0, len(addrs))
	for _, a := range addrs {
		handles = append(handles, c.cm.Breakpoint(proc.WatchSpec{Space: proc.Linear, Mode: proc.WatchExecute, Addr: a, Len: 1}))
	}
	h, err := c.cm.AddAuxHap("sysenter", c.syscallEntered, handles...)
	if err != nil {
		return err
	}
	if err := c.cm.Arm(h); err != nil {
		c.cm.DeleteHap(h)
		return err
	}
	c.entryHap = h
	return nil
}

// NoWatchSyscallEntries stops recording kernel entries.
func (c *Controller) NoWatchSyscallEntries() {
	if c.entryHap == 0 {
		return
	}
	c.cm.DeleteHap(c.entryHap)
	c.entryHap = 0
}

func (c *Controller) syscallEntered(hit proc.BreakHit) {
	pid, _ := c.tasks.CurrentProcess()
	cycles := c.entryCycles[pid]
	if n := len(cycles); n > 0 && cycles[n-1] >= hit.Cycle {
		return
	}
	c.entryCycles[pid] = append(cycles, hit.Cycle)
}

// EntryCycles returns the recorded kernel entry cycles of pid.
func (c *Controller) EntryCycles(pid int) []uint64 {
	return append([]uint64(nil), c.entryCycles[pid]...)
}
