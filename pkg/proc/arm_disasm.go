package proc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
)

// ARM is the instruction-set profile of 32 bit ARM targets.
type ARM struct {
	// kernelExit is the address of the kernel's return-to-user path.
	kernelExit uint64
}

// ARMArch returns the ARM profile.
func ARMArch(kernelExit uint64) *ARM {
	return &ARM{kernelExit: kernelExit}
}

func (a *ARM) Name() string     { return "arm" }
func (a *ARM) PtrSize() int     { return 4 }
func (a *ARM) MaxInstrLen() int { return 4 }

func (a *ARM) Decode(mem []byte, pc uint64) (*AsmInstruction, error) {
	if len(mem) < 4 {
		return nil, fmt.Errorf("short instruction at %#x", pc)
	}
	inst, err := armasm.Decode(mem, armasm.ModeARM)
	if err != nil {
		return nil, err
	}
	word := binary.LittleEndian.Uint32(mem)

	asmInst := &AsmInstruction{
		PC:       pc,
		Size:     4,
		Bytes:    append([]byte(nil), mem[:4]...),
		Mnemonic: baseMnemonic(inst.Op.String()),
		Text:     strings.ToLower(armasm.GNUSyntax(inst)),
		Cond:     uint8(word >> 28),
		Kind:     OtherInstruction,
		inst:     inst,
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		asmInst.Args = append(asmInst.Args, armOperand(arg, pc))
	}

	switch asmInst.Mnemonic {
	case "b", "bx":
		asmInst.Kind = JmpInstruction
		if asmInst.Mnemonic == "bx" && asmInst.Arg(0).HasReg(a, "lr") {
			asmInst.Kind = RetInstruction
		}
	case "bl", "blx":
		asmInst.Kind = CallInstruction
	case "ldr", "add", "mov":
		// We need to check for the first args to be PC.
		if asmInst.Arg(0).HasReg(a, "pc") {
			asmInst.Kind = RetInstruction
		}
	case "pop", "ldm", "ldmia", "ldmib", "ldmda", "ldmdb":
		for _, arg := range asmInst.Args {
			if arg.Kind == RegListOperand && arg.HasReg(a, "pc") {
				asmInst.Kind = RetInstruction
			}
		}
	case "svc":
		asmInst.Kind = SyscallInstruction
	}
	return asmInst, nil
}

func armRegName(r armasm.Reg) string {
	if r >= armasm.R0 && r <= armasm.R15 {
		switch n := int(r - armasm.R0); n {
		case 13:
			return "sp"
		case 14:
			return "lr"
		case 15:
			return "pc"
		default:
			return fmt.Sprintf("r%d", n)
		}
	}
	return strings.ToLower(r.String())
}

func armOperand(arg armasm.Arg, pc uint64) Operand {
	switch arg := arg.(type) {
	case armasm.Reg:
		name := armRegName(arg)
		return Operand{Kind: RegOperand, Reg: name, Size: 4, Text: name}
	case armasm.RegList:
		op := Operand{Kind: RegListOperand}
		for i := 0; i < 16; i++ {
			if arg&(1<<uint(i)) != 0 {
				op.Regs = append(op.Regs, armRegName(armasm.R0+armasm.Reg(i)))
			}
		}
		op.Text = "{" + strings.Join(op.Regs, ", ") + "}"
		return op
	case armasm.Imm:
		return Operand{Kind: ImmOperand, Imm: int64(arg), Text: fmt.Sprintf("#%#x", uint32(arg))}
	case armasm.PCRel:
		target := int64(pc) + 8 + int64(arg)
		return Operand{Kind: ImmOperand, Imm: target, Text: fmt.Sprintf("%#x", target)}
	case armasm.Mem:
		op := Operand{Kind: MemOperand, Size: 4, Base: armRegName(arg.Base)}
		if arg.Mode == armasm.AddrOffset || arg.Mode == armasm.AddrPreIndex {
			if arg.Sign == 0 {
				op.Disp = int64(arg.Offset)
			} else {
				op.Index = armRegName(arg.Index)
				op.Scale = int64(arg.Sign)
			}
		}
		if op.Base == "pc" {
			// pc reads as the instruction address plus 8
			op.Base = ""
			op.Disp += int64(pc) + 8
		}
		op.Text = strings.ToLower(arg.String())
		return op
	}
	return Operand{Text: strings.ToLower(arg.String())}
}

const (
	armN = 1 << 31
	armZ = 1 << 30
	armC = 1 << 29
	armV = 1 << 28
)

// armCondHolds evaluates an ARM condition field against cpsr.
func armCondHolds(cond uint8, cpsr uint64) bool {
	n := cpsr&armN != 0
	z := cpsr&armZ != 0
	c := cpsr&armC != 0
	v := cpsr&armV != 0
	switch cond {
	case 0x0:
		return z
	case 0x1:
		return !z
	case 0x2:
		return c
	case 0x3:
		return !c
	case 0x4:
		return n
	case 0x5:
		return !n
	case 0x6:
		return v
	case 0x7:
		return !v
	case 0x8:
		return c && !z
	case 0x9:
		return !c || z
	case 0xa:
		return n == v
	case 0xb:
		return n != v
	case 0xc:
		return !z && n == v
	case 0xd:
		return z || n != v
	}
	return true
}

func (a *ARM) condHolds(inst *AsmInstruction, regs RegisterReader) bool {
	if inst.Cond >= CondAlways {
		return true
	}
	if regs == nil {
		return false
	}
	cpsr, err := regs.ReadRegister("cpsr")
	if err != nil {
		return false
	}
	return armCondHolds(inst.Cond, cpsr)
}

// IsCall accepts bl and blx, including conditional forms such as ble,
// blt, blo and bls when their condition currently holds.
func (a *ARM) IsCall(inst *AsmInstruction, regs RegisterReader) bool {
	return inst.Kind == CallInstruction && a.condHolds(inst, regs)
}

// IsReturn accepts loads and pops into pc, and bx lr.
func (a *ARM) IsReturn(inst *AsmInstruction, regs RegisterReader) bool {
	return inst.Kind == RetInstruction && a.condHolds(inst, regs)
}

func (a *ARM) IsSyscallEntry(inst *AsmInstruction) bool {
	return inst.Kind == SyscallInstruction
}

func (a *ARM) IsKernelExit(inst *AsmInstruction) bool {
	return a.kernelExit != 0 && inst.PC == a.kernelExit
}

func (a *ARM) IsInterruptReturn(inst *AsmInstruction) bool {
	return false
}

var armWritesDest = map[string]bool{
	"mov": true, "mvn": true, "movw": true, "movt": true,
	"add": true, "adc": true, "sub": true, "sbc": true, "rsb": true, "rsc": true,
	"and": true, "orr": true, "eor": true, "bic": true,
	"mul": true, "mla": true, "lsl": true, "lsr": true, "asr": true, "ror": true,
	"ldr": true, "ldrb": true, "ldrh": true, "ldrsb": true, "ldrsh": true,
}

func (a *ARM) WritesRegister(inst *AsmInstruction, reg string, regs RegisterReader) bool {
	if len(inst.Args) == 0 || !a.condHolds(inst, regs) {
		return false
	}
	switch {
	case armWritesDest[inst.Mnemonic]:
		return inst.Args[0].IsReg() && inst.Args[0].HasReg(a, reg)
	case inst.Mnemonic == "pop" || strings.HasPrefix(inst.Mnemonic, "ldm"):
		for _, arg := range inst.Args {
			if arg.Kind == RegListOperand && arg.HasReg(a, reg) {
				return true
			}
		}
	}
	return false
}

// ExecutablePage skips execute-never pages and pages never accessed.
func (a *ARM) ExecutablePage(entry uint64) bool {
	nx := entry&(1<<0) != 0
	accessed := entry&(1<<4) != 0
	return !nx && accessed
}

func (a *ARM) CallReturnFilters() []WatchSpec {
	return []WatchSpec{{Prefix: "bl"}, {Substr: "pc"}, {Prefix: "bx", Substr: "lr"}}
}

// PrivilegeLevel treats the upper kernel split as supervisor mode.
func (a *ARM) PrivilegeLevel(regs RegisterReader) int {
	pc, err := regs.ReadRegister("pc")
	if err != nil || pc > 0xc0000000 {
		return 0
	}
	return 1
}

var armAliases = map[string]string{
	"r13": "sp", "r14": "lr", "r15": "pc", "ip": "r12", "fp": "r11",
}

func armCanonical(name string) string {
	name = strings.ToLower(name)
	if alias, ok := armAliases[name]; ok {
		return alias
	}
	return name
}

func armValidReg(name string) bool {
	switch name {
	case "sp", "lr", "pc", "cpsr":
		return true
	}
	var n int
	if _, err := fmt.Sscanf(name, "r%d", &n); err == nil && n >= 0 && n <= 12 && name == fmt.Sprintf("r%d", n) {
		return true
	}
	return false
}

func (a *ARM) RegisterAlias(name string) (string, uint, uint64, bool) {
	name = armCanonical(name)
	if !armValidReg(name) {
		return "", 0, 0, false
	}
	return name, 0, 0xffffffff, true
}

func (a *ARM) SameRegister(x, y string) bool {
	return armCanonical(x) == armCanonical(y)
}

func (a *ARM) RegisterSize(name string) int {
	if armValidReg(armCanonical(name)) {
		return 4
	}
	return 0
}

func (a *ARM) PCRegister() string          { return "pc" }
func (a *ARM) SPRegister() string          { return "sp" }
func (a *ARM) FlagsRegister() string       { return "cpsr" }
func (a *ARM) SyscallNumRegister() string  { return "r7" }
func (a *ARM) ReturnValueRegister() string { return "r0" }

func (a *ARM) SyscallArgRegisters() []string {
	return []string{"r0", "r1", "r2", "r3", "r4", "r5"}
}
