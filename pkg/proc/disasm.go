package proc

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// AsmInstruction represents one decoded instruction.
type AsmInstruction struct {
	PC    uint64
	Size  int
	Bytes []byte
	Kind  AsmInstructionKind

	// Mnemonic is the lower case base mnemonic, without condition or
	// flag-setting suffixes.
	Mnemonic string
	// Text is the full instruction text in the architecture's usual syntax.
	Text string
	Args []Operand
	// Cond is the ARM condition field; CondAlways everywhere else.
	Cond uint8

	inst interface{}
}

type AsmInstructionKind uint8

const (
	OtherInstruction AsmInstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	SyscallInstruction
	KernelExitInstruction
	InterruptReturnInstruction
)

// CondAlways is the condition value of instructions that always execute.
const CondAlways = 0xe

func (instr *AsmInstruction) IsCall() bool {
	return instr.Kind == CallInstruction
}

func (instr *AsmInstruction) IsRet() bool {
	return instr.Kind == RetInstruction
}

// Arg returns the i-th operand, or an operand of kind NoOperand.
func (instr *AsmInstruction) Arg(i int) Operand {
	if i < len(instr.Args) {
		return instr.Args[i]
	}
	return Operand{}
}

func (instr *AsmInstruction) String() string {
	return instr.Text
}

// OperandKind classifies an instruction operand.
type OperandKind uint8

const (
	NoOperand OperandKind = iota
	RegOperand
	MemOperand
	ImmOperand
	RegListOperand
)

// Operand is an architecture neutral view of an instruction operand.
type Operand struct {
	Kind  OperandKind
	Reg   string // RegOperand
	Size  int    // width in bytes of a register or memory operand
	Base  string // MemOperand
	Index string
	Scale int64
	Disp  int64
	Imm   int64    // ImmOperand
	Regs  []string // RegListOperand
	Text  string
}

func (op Operand) IsReg() bool { return op.Kind == RegOperand }
func (op Operand) IsMem() bool { return op.Kind == MemOperand }
func (op Operand) IsImm() bool { return op.Kind == ImmOperand }

// HasReg reports whether a register operand or register list names reg.
func (op Operand) HasReg(arch Arch, reg string) bool {
	switch op.Kind {
	case RegOperand:
		return arch.SameRegister(op.Reg, reg)
	case RegListOperand:
		for _, r := range op.Regs {
			if arch.SameRegister(r, reg) {
				return true
			}
		}
	}
	return false
}

func (op Operand) String() string {
	return op.Text
}

// Address computes the effective address of a memory operand from the
// current register values.
func (op Operand) Address(regs RegisterReader) (uint64, error) {
	if op.Kind != MemOperand {
		return 0, fmt.Errorf("operand %q is not a memory reference", op.Text)
	}
	addr := uint64(op.Disp)
	if op.Base != "" {
		v, err := regs.ReadRegister(op.Base)
		if err != nil {
			return 0, err
		}
		addr += v
	}
	if op.Index != "" {
		v, err := regs.ReadRegister(op.Index)
		if err != nil {
			return 0, err
		}
		scale := op.Scale
		if scale == 0 {
			scale = 1
		}
		addr += uint64(int64(v) * scale)
	}
	return addr, nil
}

// DecodeError is returned when the bytes at an address are not a valid
// instruction.
type DecodeError struct {
	PC  uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode instruction at %#x: %v", e.PC, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type cacheKey struct {
	pc  uint64
	raw string
}

// Disassembler decodes instructions out of target memory, caching the
// result per address and encoding.
type Disassembler struct {
	arch  Arch
	cache *lru.Cache
}

const disasmCacheSize = 4096

// NewDisassembler returns a Disassembler for arch.
func NewDisassembler(arch Arch) *Disassembler {
	cache, err := lru.New(disasmCacheSize)
	if err != nil {
		panic(err)
	}
	return &Disassembler{arch: arch, cache: cache}
}

// Arch returns the instruction-set profile used for decoding.
func (d *Disassembler) Arch() Arch {
	return d.arch
}

// At decodes the instruction at pc.
func (d *Disassembler) At(mem MemoryReadWriter, pc uint64) (*AsmInstruction, error) {
	buf := make([]byte, d.arch.MaxInstrLen())
	n, err := mem.ReadMemory(buf, pc)
	if n == 0 {
		if err == nil {
			err = InvalidAddressError{Address: pc}
		}
		return nil, &DecodeError{PC: pc, Err: err}
	}
	buf = buf[:n]
	key := cacheKey{pc: pc, raw: string(buf)}
	if v, ok := d.cache.Get(key); ok {
		return v.(*AsmInstruction), nil
	}
	inst, err := d.arch.Decode(buf, pc)
	if err != nil {
		return nil, &DecodeError{PC: pc, Err: err}
	}
	d.cache.Add(key, inst)
	return inst, nil
}

// Disassemble decodes count consecutive instructions starting at pc.
func (d *Disassembler) Disassemble(mem MemoryReadWriter, pc uint64, count int) ([]*AsmInstruction, error) {
	r := make([]*AsmInstruction, 0, count)
	for i := 0; i < count; i++ {
		inst, err := d.At(mem, pc)
		if err != nil {
			return r, err
		}
		r = append(r, inst)
		pc += uint64(inst.Size)
	}
	return r, nil
}

func baseMnemonic(op string) string {
	op = strings.ToLower(op)
	if i := strings.IndexByte(op, '.'); i >= 0 {
		op = op[:i]
	}
	return op
}
