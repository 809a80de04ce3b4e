package proc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// X86 is the instruction-set profile of 32 and 64 bit x86 targets.
type X86 struct {
	bits int
}

// X86Arch returns the x86 profile for the given mode (32 or 64).
func X86Arch(bits int) *X86 {
	return &X86{bits: bits}
}

func (a *X86) Name() string {
	if a.bits == 64 {
		return "x86-64"
	}
	return "x86-32"
}

func (a *X86) PtrSize() int     { return a.bits / 8 }
func (a *X86) MaxInstrLen() int { return 15 }

func noSymbols(uint64) (string, uint64) { return "", 0 }

// Decode decodes the instruction starting at mem[0:].
func (a *X86) Decode(mem []byte, pc uint64) (*AsmInstruction, error) {
	inst, err := x86asm.Decode(mem, a.bits)
	if err != nil {
		return nil, err
	}
	patchPCRelX86(pc, &inst)

	asmInst := &AsmInstruction{
		PC:       pc,
		Size:     inst.Len,
		Bytes:    append([]byte(nil), mem[:inst.Len]...),
		Mnemonic: strings.ToLower(inst.Op.String()),
		Text:     x86asm.IntelSyntax(inst, pc, noSymbols),
		Cond:     CondAlways,
		Kind:     OtherInstruction,
		inst:     inst,
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		asmInst.Args = append(asmInst.Args, x86Operand(arg, inst.MemBytes))
	}

	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP:
		asmInst.Kind = JmpInstruction
	case x86asm.CALL, x86asm.LCALL:
		asmInst.Kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		asmInst.Kind = RetInstruction
	case x86asm.SYSENTER, x86asm.SYSCALL:
		asmInst.Kind = SyscallInstruction
	case x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 0x80 {
			asmInst.Kind = SyscallInstruction
		}
	case x86asm.SYSEXIT, x86asm.SYSRET:
		asmInst.Kind = KernelExitInstruction
	case x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		asmInst.Kind = InterruptReturnInstruction
	}
	return asmInst, nil
}

// converts PC relative arguments to absolute addresses
func patchPCRelX86(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

func x86RegName(r x86asm.Reg) string {
	name := strings.ToLower(r.String())
	switch name {
	case "spb", "bpb", "sib", "dib":
		name = name[:2] + "l"
	}
	return name
}

func x86Operand(arg x86asm.Arg, memBytes int) Operand {
	switch arg := arg.(type) {
	case x86asm.Reg:
		name := x86RegName(arg)
		return Operand{Kind: RegOperand, Reg: name, Size: x86Regs[name].size, Text: name}
	case x86asm.Imm:
		return Operand{Kind: ImmOperand, Imm: int64(arg), Text: fmt.Sprintf("%#x", int64(arg))}
	case x86asm.Mem:
		op := Operand{Kind: MemOperand, Size: memBytes, Scale: int64(arg.Scale), Disp: arg.Disp}
		var parts []string
		if arg.Base != 0 {
			op.Base = x86RegName(arg.Base)
			parts = append(parts, op.Base)
		}
		if arg.Index != 0 {
			op.Index = x86RegName(arg.Index)
			parts = append(parts, fmt.Sprintf("%s*%d", op.Index, arg.Scale))
		}
		if arg.Disp != 0 || len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("%#x", arg.Disp))
		}
		op.Text = "[" + strings.Join(parts, "+") + "]"
		return op
	}
	return Operand{Text: arg.String()}
}

func x86Inst(inst *AsmInstruction) (x86asm.Inst, bool) {
	i, ok := inst.inst.(x86asm.Inst)
	return i, ok
}

func (a *X86) IsCall(inst *AsmInstruction, regs RegisterReader) bool {
	return inst.Kind == CallInstruction
}

func (a *X86) IsReturn(inst *AsmInstruction, regs RegisterReader) bool {
	return inst.Kind == RetInstruction
}

func (a *X86) IsSyscallEntry(inst *AsmInstruction) bool {
	return inst.Kind == SyscallInstruction
}

func (a *X86) IsKernelExit(inst *AsmInstruction) bool {
	return inst.Kind == KernelExitInstruction || inst.Kind == InterruptReturnInstruction
}

func (a *X86) IsInterruptReturn(inst *AsmInstruction) bool {
	return inst.Kind == InterruptReturnInstruction
}

// instructions whose first operand is written
var x86WritesDest = map[x86asm.Op]bool{
	x86asm.MOV: true, x86asm.MOVZX: true, x86asm.MOVSX: true, x86asm.MOVSXD: true,
	x86asm.LEA: true, x86asm.ADD: true, x86asm.ADC: true, x86asm.SUB: true, x86asm.SBB: true,
	x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true, x86asm.IMUL: true,
	x86asm.POP: true, x86asm.SHL: true, x86asm.SHR: true, x86asm.SAR: true,
	x86asm.ROL: true, x86asm.ROR: true, x86asm.INC: true, x86asm.DEC: true,
	x86asm.NEG: true, x86asm.NOT: true, x86asm.XCHG: true, x86asm.BSWAP: true,
}

const (
	x86CF = 1 << 0
	x86PF = 1 << 2
	x86ZF = 1 << 6
	x86SF = 1 << 7
	x86OF = 1 << 11
)

// x86CondHolds evaluates the condition of a cmov against eflags.
// ok is false for instructions that are not conditional moves.
func x86CondHolds(op x86asm.Op, flags uint64) (holds, ok bool) {
	cf := flags&x86CF != 0
	pf := flags&x86PF != 0
	zf := flags&x86ZF != 0
	sf := flags&x86SF != 0
	of := flags&x86OF != 0
	switch op {
	case x86asm.CMOVE:
		return zf, true
	case x86asm.CMOVNE:
		return !zf, true
	case x86asm.CMOVA:
		return !cf && !zf, true
	case x86asm.CMOVAE:
		return !cf, true
	case x86asm.CMOVB:
		return cf, true
	case x86asm.CMOVBE:
		return cf || zf, true
	case x86asm.CMOVG:
		return !zf && sf == of, true
	case x86asm.CMOVGE:
		return sf == of, true
	case x86asm.CMOVL:
		return sf != of, true
	case x86asm.CMOVLE:
		return zf || sf != of, true
	case x86asm.CMOVS:
		return sf, true
	case x86asm.CMOVNS:
		return !sf, true
	case x86asm.CMOVO:
		return of, true
	case x86asm.CMOVNO:
		return !of, true
	case x86asm.CMOVP:
		return pf, true
	case x86asm.CMOVNP:
		return !pf, true
	}
	return false, false
}

func (a *X86) WritesRegister(inst *AsmInstruction, reg string, regs RegisterReader) bool {
	raw, ok := x86Inst(inst)
	if !ok || len(inst.Args) == 0 {
		return false
	}
	if !x86WritesDest[raw.Op] {
		holds, isCmov := false, false
		if regs != nil {
			flags, err := regs.ReadRegister(a.FlagsRegister())
			if err == nil {
				holds, isCmov = x86CondHolds(raw.Op, flags)
			}
		}
		if !isCmov || !holds {
			return false
		}
	}
	if inst.Args[0].HasReg(a, reg) {
		return true
	}
	return raw.Op == x86asm.XCHG && inst.Arg(1).HasReg(a, reg)
}

// ExecutablePage skips writable pages and pages never accessed.
func (a *X86) ExecutablePage(entry uint64) bool {
	writable := entry&(1<<1) != 0
	accessed := entry&(1<<5) != 0
	return !writable && accessed
}

func (a *X86) CallReturnFilters() []WatchSpec {
	return []WatchSpec{{Prefix: "call"}, {Prefix: "ret"}}
}

func (a *X86) PrivilegeLevel(regs RegisterReader) int {
	cs, err := regs.ReadRegister("cs")
	if err != nil {
		// recordings without segment registers are user mode only
		return 3
	}
	return int(cs & 3)
}

type x86Reg struct {
	family string
	size   int
}

var x86Regs = map[string]x86Reg{}

func init() {
	for _, l := range []string{"a", "b", "c", "d"} {
		fam := l + "x"
		x86Regs[l+"l"] = x86Reg{fam, 1}
		x86Regs[l+"h"] = x86Reg{fam, 1}
		x86Regs[fam] = x86Reg{fam, 2}
		x86Regs["e"+fam] = x86Reg{fam, 4}
		x86Regs["r"+fam] = x86Reg{fam, 8}
	}
	for _, fam := range []string{"si", "di", "sp", "bp"} {
		x86Regs[fam+"l"] = x86Reg{fam, 1}
		x86Regs[fam] = x86Reg{fam, 2}
		x86Regs["e"+fam] = x86Reg{fam, 4}
		x86Regs["r"+fam] = x86Reg{fam, 8}
	}
	for i := 8; i <= 15; i++ {
		fam := fmt.Sprintf("r%d", i)
		x86Regs[fam+"b"] = x86Reg{fam, 1}
		x86Regs[fam+"l"] = x86Reg{fam, 1}
		x86Regs[fam+"w"] = x86Reg{fam, 2}
		x86Regs[fam+"d"] = x86Reg{fam, 4}
		x86Regs[fam] = x86Reg{fam, 8}
	}
	x86Regs["ip"] = x86Reg{"ip", 2}
	x86Regs["eip"] = x86Reg{"ip", 4}
	x86Regs["rip"] = x86Reg{"ip", 8}
	x86Regs["flags"] = x86Reg{"flags", 2}
	x86Regs["eflags"] = x86Reg{"flags", 4}
	x86Regs["rflags"] = x86Reg{"flags", 8}
	for _, seg := range []string{"cs", "ds", "es", "fs", "gs", "ss"} {
		x86Regs[seg] = x86Reg{seg, 2}
	}
}

func (a *X86) container(r x86Reg) string {
	switch {
	case len(r.family) == 2 && r.family[1] == 's':
		return r.family
	case strings.HasPrefix(r.family, "r"):
		return r.family
	case a.bits == 64:
		return "r" + r.family
	}
	return "e" + r.family
}

func (a *X86) RegisterAlias(name string) (string, uint, uint64, bool) {
	r, ok := x86Regs[strings.ToLower(name)]
	if !ok {
		return "", 0, 0, false
	}
	if a.bits == 32 && (r.size == 8 || strings.HasPrefix(r.family, "r")) {
		return "", 0, 0, false
	}
	var shift uint
	if name[len(name)-1] == 'h' && r.size == 1 {
		shift = 8
	}
	mask := ^uint64(0)
	if r.size < 8 {
		mask = 1<<(8*uint(r.size)) - 1
	}
	return a.container(r), shift, mask, true
}

func (a *X86) SameRegister(x, y string) bool {
	rx, okx := x86Regs[strings.ToLower(x)]
	ry, oky := x86Regs[strings.ToLower(y)]
	if !okx || !oky {
		return strings.EqualFold(x, y)
	}
	return rx.family == ry.family
}

func (a *X86) RegisterSize(name string) int {
	return x86Regs[strings.ToLower(name)].size
}

func (a *X86) reg(family string) string {
	return a.container(x86Reg{family: family})
}

func (a *X86) PCRegister() string          { return a.reg("ip") }
func (a *X86) SPRegister() string          { return a.reg("sp") }
func (a *X86) FlagsRegister() string       { return a.reg("flags") }
func (a *X86) SyscallNumRegister() string  { return a.reg("ax") }
func (a *X86) ReturnValueRegister() string { return a.reg("ax") }

func (a *X86) SyscallArgRegisters() []string {
	if a.bits == 64 {
		return []string{"rdi", "rsi", "rdx", "r10", "r8", "r9"}
	}
	return []string{"ebx", "ecx", "edx", "esi", "edi", "ebp"}
}
