package reverse

import (
	"fmt"
	"strings"

	"github.com/revmon/revmon/pkg/proc"
)

// RevTaintReg chases the value now in reg back to where it was produced,
// bookmarking every hop.
func (c *Controller) RevTaintReg(reg string) error {
	v, err := c.sub.ReadRegister(reg)
	if err != nil {
		return err
	}
	c.begin(modeModReg)
	c.value, c.hasValue, c.offset = v, true, 0
	c.startModReg(reg, true)
	return nil
}

// RevTaintAddr chases the n bytes at addr back to their producer.
func (c *Controller) RevTaintAddr(addr uint64, n int) error {
	if n <= 0 {
		n = c.arch.PtrSize()
	}
	v, err := proc.ReadWord(c.sub, addr, n)
	if err != nil {
		return err
	}
	c.begin(modeWrite)
	c.value, c.hasValue, c.offset = v, true, 0
	c.numBytes = n
	c.bookmark("backtrack START:0x%x value:0x%x", addr, v)
	c.findWrite(addr, n)
	return nil
}

func isMove(mn string) bool {
	return strings.HasPrefix(mn, "mov") || strings.HasPrefix(mn, "ldr")
}

// multOne treats a multiply by the literal one as a move.
func multOne(inst *proc.AsmInstruction) bool {
	if inst.Mnemonic != "imul" && inst.Mnemonic != "mul" {
		return false
	}
	k := inst.Arg(2)
	return k.IsImm() && k.Imm == 1
}

// orValue treats a single byte "or" as a move when its memory operand
// already holds the tracked value.
func (c *Controller) orValue(inst *proc.AsmInstruction) bool {
	if !c.hasValue || c.numBytes != 1 || (inst.Mnemonic != "or" && inst.Mnemonic != "orr") {
		return false
	}
	src := inst.Arg(1)
	if !src.IsMem() {
		return false
	}
	addr, err := src.Address(c.sub)
	if err != nil {
		return false
	}
	v, err := proc.ReadWord(c.sub, addr, 1)
	return err == nil && v == c.value
}

// operandSize is the width of a memory access through op.
func (c *Controller) operandSize(op proc.Operand) int {
	if op.Size > 0 && op.Size <= 8 {
		return op.Size
	}
	return c.arch.PtrSize()
}

func (c *Controller) moveLike(inst *proc.AsmInstruction) bool {
	mn := inst.Mnemonic
	return isMove(mn) || strings.HasPrefix(mn, "cmov") || multOne(inst) || c.orValue(inst)
}

// addend returns the value an add instruction adds, reading one level
// of memory indirection.
func (c *Controller) addend(op proc.Operand) (uint64, bool) {
	switch op.Kind {
	case proc.ImmOperand:
		return uint64(op.Imm), true
	case proc.RegOperand:
		v, err := c.sub.ReadRegister(op.Reg)
		return v, err == nil
	case proc.MemOperand:
		addr, err := op.Address(c.sub)
		if err != nil {
			return 0, false
		}
		v, err := proc.ReadWord(c.sub, addr, c.operandSize(op))
		return v, err == nil
	}
	return 0, false
}

// popSlot returns the stack address from which a pop loads reg.
func (c *Controller) popSlot(inst *proc.AsmInstruction) (uint64, error) {
	sp, err := c.sub.ReadRegister(c.arch.SPRegister())
	if err != nil {
		return 0, err
	}
	list := inst.Arg(0)
	if list.Kind == proc.RegListOperand {
		for i, r := range list.Regs {
			if c.arch.SameRegister(r, c.reg) {
				return sp + uint64(i*c.arch.PtrSize()), nil
			}
		}
	}
	return sp, nil
}

// produced ends the chase at an instruction that takes the value from
// an immediate.
func (c *Controller) produced(pc uint64, inst *proc.AsmInstruction, imm proc.Operand) {
	c.bookmark("backtrack eip:0x%x inst:\"%s\" immediate 0x%x", pc, inst.Text, uint64(imm.Imm))
	c.finish(Found, inst.Text)
}

func (c *Controller) stumped(pc uint64, inst *proc.AsmInstruction) {
	c.bookmark("backtrack eip:0x%x inst:\"%s\" stumped", pc, inst.Text)
	c.finish(Stumped, inst.Text)
}

// followTaint classifies the instruction that wrote the tracked register
// and continues the chase from its source.
func (c *Controller) followTaint() {
	c.hops++
	pc := c.pc()
	inst, err := c.dis.At(c.sub, pc)
	if err != nil {
		c.bookmark("backtrack eip:0x%x stumped: %v", pc, err)
		c.finish(Stumped, err.Error())
		return
	}
	c.log.Debugf("followTaint at %#x: %s", pc, inst.Text)
	dst, src := inst.Arg(0), inst.Arg(1)

	switch {
	case inst.Mnemonic == "pop":
		slot, err := c.popSlot(inst)
		if err != nil {
			c.stumped(pc, inst)
			return
		}
		c.bookmark("backtrack eip:0x%x inst:\"%s\"", pc, inst.Text)
		c.findWrite(slot, c.arch.PtrSize())

	case c.moveLike(inst):
		c.followSource(pc, inst, src)

	case inst.Mnemonic == "add" && dst.IsReg():
		if v, ok := c.addend(src); ok && v <= 8 {
			c.log.Debugf("add of %#x, assume address adjust", v)
			c.bookmark("backtrack eip:0x%x inst:\"%s\"", pc, inst.Text)
			c.startModReg(dst.Reg, true)
			return
		}
		if src.IsMem() {
			c.followSource(pc, inst, src)
			return
		}
		c.stumped(pc, inst)

	case src.IsMem():
		c.followSource(pc, inst, src)

	default:
		c.stumped(pc, inst)
	}
}

func (c *Controller) followSource(pc uint64, inst *proc.AsmInstruction, src proc.Operand) {
	switch {
	case src.IsReg():
		c.log.Debugf("followTaint, is reg, track %s", src.Reg)
		c.bookmark("backtrack eip:0x%x inst:\"%s\"", pc, inst.Text)
		c.startModReg(src.Reg, true)

	case src.IsMem():
		addr, err := src.Address(c.sub)
		if err != nil {
			c.stumped(pc, inst)
			return
		}
		size := c.operandSize(src)
		if c.numBytes == 1 {
			size = 1
		}
		value, err := proc.ReadWord(c.sub, addr, size)
		if err != nil {
			c.stumped(pc, inst)
			return
		}
		next := addr + c.offset
		protected := ""
		if c.target.IsProtected(next) {
			protected = " protected"
		}
		c.log.Debugf("value %#x at %#x wrote to %s, looking for write of %#x", value, addr, c.reg, next)
		if isMove(inst.Mnemonic) {
			c.bookmark("backtrack%s eip:0x%x inst:\"%s\"", protected, pc, inst.Text)
		} else {
			c.bookmark("taint branch%s eip:0x%x inst:%s", protected, pc, inst.Text)
		}
		if protected != "" {
			c.finish(Protected, fmt.Sprintf("%#x is protected", next))
			return
		}
		c.value, c.hasValue = value, true
		c.numBytes = size
		c.findWrite(next, size)

	case src.IsImm():
		c.produced(pc, inst, src)

	default:
		c.stumped(pc, inst)
	}
}
