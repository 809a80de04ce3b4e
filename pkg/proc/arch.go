package proc

import "fmt"

// Arch is the instruction-set profile of a target. It owns everything
// the navigation core needs to know about an architecture: decoding,
// call/return classification, page table bit semantics and register
// naming.
type Arch interface {
	Name() string
	PtrSize() int
	MaxInstrLen() int

	Decode(mem []byte, pc uint64) (*AsmInstruction, error)

	// IsCall reports whether inst transfers control into a callee.
	// Conditional forms are evaluated against the current flags.
	IsCall(inst *AsmInstruction, regs RegisterReader) bool
	// IsReturn reports whether inst returns to a caller.
	IsReturn(inst *AsmInstruction, regs RegisterReader) bool
	IsSyscallEntry(inst *AsmInstruction) bool
	// IsKernelExit reports whether inst hands control from the kernel back
	// to user space.
	IsKernelExit(inst *AsmInstruction) bool
	IsInterruptReturn(inst *AsmInstruction) bool
	// WritesRegister reports whether inst writes reg as its primary
	// destination, honoring conditional execution.
	WritesRegister(inst *AsmInstruction, reg string, regs RegisterReader) bool

	// ExecutablePage reports whether a page table entry maps code that
	// has been executed.
	ExecutablePage(entry uint64) bool
	// CallReturnFilters returns the execution watch text filters that
	// select call-class and return-class instructions.
	CallReturnFilters() []WatchSpec
	// PrivilegeLevel returns 0 for kernel mode and a positive value for
	// user mode.
	PrivilegeLevel(regs RegisterReader) int

	// RegisterAlias maps a register name to its full width container.
	RegisterAlias(name string) (full string, shift uint, mask uint64, ok bool)
	SameRegister(a, b string) bool
	RegisterSize(name string) int

	PCRegister() string
	SPRegister() string
	FlagsRegister() string
	SyscallNumRegister() string
	ReturnValueRegister() string
	SyscallArgRegisters() []string
}

// ArchByName returns the profile for name. kernelExit is the address at
// which ARM kernels return to user space; other architectures ignore it.
func ArchByName(name string, kernelExit uint64) (Arch, error) {
	switch name {
	case "x86-32", "x86", "i386", "":
		return X86Arch(32), nil
	case "x86-64", "amd64":
		return X86Arch(64), nil
	case "arm":
		return ARMArch(kernelExit), nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}

// ReadSubRegister reads name from a substrate that only stores full
// width registers.
func ReadSubRegister(arch Arch, full func(string) (uint64, bool), name string) (uint64, error) {
	container, shift, mask, ok := arch.RegisterAlias(name)
	if !ok {
		return 0, UnknownRegisterError{Name: name}
	}
	v, ok := full(container)
	if !ok {
		return 0, UnknownRegisterError{Name: name}
	}
	return (v >> shift) & mask, nil
}

// ReadWord reads a little endian value of size bytes at addr.
func ReadWord(mem MemoryReadWriter, addr uint64, size int) (uint64, error) {
	buf := make([]byte, size)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return 0, err
	}
	if n != size {
		return 0, InvalidAddressError{Address: addr}
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// ReadCString reads a NUL terminated string of at most max bytes.
func ReadCString(mem MemoryReadWriter, addr uint64, max int) (string, error) {
	buf := make([]byte, max)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return "", err
	}
	buf = buf[:n]
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}
