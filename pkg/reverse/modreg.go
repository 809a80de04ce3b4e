package reverse

import (
	"fmt"
)

// RevToModReg runs back to the instruction that last wrote reg.
func (c *Controller) RevToModReg(reg string) error {
	if _, err := c.sub.ReadRegister(reg); err != nil {
		return err
	}
	c.begin(modeModReg)
	c.startModReg(reg, false)
	return nil
}

// startModReg starts a register search from the current position without
// resetting the search trail, so taint hops accumulate.
func (c *Controller) startModReg(reg string, taint bool) {
	c.clearBreaks()
	c.mode = modeModReg
	c.reg = reg
	c.taint = taint
	c.numBytes = c.arch.RegisterSize(reg)
	if v, err := c.sub.ReadRegister(reg); err == nil {
		c.log.Debugf("looking for %s change from %#x at cycle %#x", reg, v, c.sub.CurrentCycle())
	}
	c.cycleRegisterMod()
}

// cycleRegisterMod steps back one cycle at a time until an instruction
// writing the register is found. On entering the kernel or another
// process it sets breakpoints on every executable page and runs back to
// the last user instruction of the searched process.
func (c *Controller) cycleRegisterMod() {
	for {
		if c.sub.CurrentCycle() <= c.start {
			c.finish(StartOfRecording, "")
			return
		}
		if err := c.sub.StepBackward(1); err != nil {
			c.finish(StartOfRecording, "")
			return
		}
		c.visit(c.sub.CurrentCycle())
		if !c.userStop() {
			c.log.Debugf("cycleRegisterMod left user mode at cycle %#x", c.sub.CurrentCycle())
			c.reverseToUser()
			return
		}
		found, err := c.writesReg()
		if err != nil {
			pc := c.pc()
			c.bookmark("backtrack eip:0x%x stumped: %v", pc, err)
			c.finish(Stumped, err.Error())
			return
		}
		if found {
			c.modRegFound()
			return
		}
	}
}

func (c *Controller) reverseToUser() {
	if len(c.breaks) == 0 {
		if err := c.setPageBreaks(nil); err != nil {
			c.finish(Stumped, err.Error())
			return
		}
	}
	c.runBackward()
}

func (c *Controller) modRegStopped() {
	if !c.userStop() {
		pid, _ := c.tasks.CurrentProcess()
		c.log.Debugf("modreg stop in pid %d or kernel, continuing", pid)
		c.runBackward()
		return
	}
	c.visit(c.sub.CurrentCycle())
	found, err := c.writesReg()
	if err != nil {
		c.finish(Stumped, err.Error())
		return
	}
	if found {
		c.modRegFound()
		return
	}
	c.cycleRegisterMod()
}

func (c *Controller) writesReg() (bool, error) {
	inst, err := c.dis.At(c.sub, c.pc())
	if err != nil {
		return false, err
	}
	return c.arch.WritesRegister(inst, c.reg, c.sub), nil
}

func (c *Controller) modRegFound() {
	c.log.Debugf("%s modified at pc %#x cycle %#x", c.reg, c.pc(), c.sub.CurrentCycle())
	c.clearBreaks()
	if !c.taint {
		c.finish(Found, fmt.Sprintf("%s modified", c.reg))
		return
	}
	c.followTaint()
}
