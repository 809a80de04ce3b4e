package reverse

import (
	"fmt"
	"strings"

	"github.com/revmon/revmon/pkg/proc"
)

// findWrite runs back to the most recent write of [addr, addr+size).
func (c *Controller) findWrite(addr uint64, size int) {
	c.clearBreaks()
	c.mode = modeWrite
	c.writeAddr, c.writeSize = addr, size
	h, err := c.cm.SetBreakpoint(proc.WatchSpec{Space: proc.Linear, Mode: proc.WatchWrite, Addr: addr, Len: uint64(size)})
	if err != nil {
		c.finish(Stumped, err.Error())
		return
	}
	c.breaks = append(c.breaks, h)
	c.log.Debugf("looking for write of %d bytes at %#x", size, addr)
	c.runBackward()
}

// storeSource returns the register or immediate stored by inst into the
// watched location.
func (c *Controller) storeSource(inst *proc.AsmInstruction) (proc.Operand, bool) {
	mn := inst.Mnemonic
	switch {
	case mn == "push" || strings.HasPrefix(mn, "stm"):
		list := inst.Arg(0)
		if list.Kind != proc.RegListOperand {
			return list, true
		}
		sp, err := c.sub.ReadRegister(c.arch.SPRegister())
		if err != nil {
			return proc.Operand{}, false
		}
		ptr := uint64(c.arch.PtrSize())
		base := sp - ptr*uint64(len(list.Regs))
		if c.writeAddr < base {
			return proc.Operand{}, false
		}
		i := int((c.writeAddr - base) / ptr)
		if i >= len(list.Regs) {
			return proc.Operand{}, false
		}
		return proc.Operand{Kind: proc.RegOperand, Reg: list.Regs[i], Size: int(ptr), Text: list.Regs[i]}, true
	case strings.HasPrefix(mn, "str"):
		return inst.Arg(0), true
	case c.moveLike(inst) && inst.Arg(0).IsMem():
		return inst.Arg(1), true
	}
	return proc.Operand{}, false
}

func (c *Controller) writeStopped(hit bool) {
	if !hit {
		c.bookmark("backtrack start of recording, no write to 0x%x", c.writeAddr)
		c.finish(StartOfRecording, "")
		return
	}
	c.clearBreaks()
	c.visit(c.sub.CurrentCycle())
	pc := c.pc()
	if c.sub.PrivilegeLevel() == 0 {
		c.bookmark("backtrack kernel wrote 0x%x to 0x%x eip:0x%x", c.value, c.writeAddr, pc)
		c.finish(KernelWrite, fmt.Sprintf("kernel wrote %#x", c.writeAddr))
		return
	}
	inst, err := c.dis.At(c.sub, pc)
	if err != nil {
		c.bookmark("backtrack eip:0x%x stumped: %v", pc, err)
		c.finish(Stumped, err.Error())
		return
	}
	src, ok := c.storeSource(inst)
	if ok && src.IsImm() {
		c.produced(pc, inst, src)
		return
	}
	if !ok || !src.IsReg() {
		c.stumped(pc, inst)
		return
	}
	c.bookmark("backtrack eip:0x%x inst:\"%s\"", pc, inst.Text)
	c.pid, _ = c.tasks.CurrentProcess()
	c.startModReg(src.Reg, true)
}
