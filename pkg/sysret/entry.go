package sysret

import (
	"fmt"

	"github.com/revmon/revmon/pkg/proc"
)

// socketcall subcall numbers.
var socketCalls = map[uint64]string{
	1:  "socket",
	2:  "bind",
	3:  "connect",
	4:  "listen",
	5:  "accept",
	9:  "send",
	10: "recv",
	11: "sendto",
	12: "recvfrom",
}

// EntryTracer watches the kernel's syscall entry addresses and hands each
// call to a Correlator.
type EntryTracer struct {
	c      *Correlator
	filter map[string]bool
	params *CallParams
	hap    int
}

// NewEntryTracer returns a tracer feeding c.
func NewEntryTracer(c *Correlator) *EntryTracer {
	return &EntryTracer{c: c}
}

// SetFilter restricts tracing to the named calls. No names traces every
// call.
func (t *EntryTracer) SetFilter(names ...string) {
	t.filter = nil
	if len(names) == 0 {
		return
	}
	t.filter = make(map[string]bool, len(names))
	for _, n := range names {
		t.filter[n] = true
	}
}

// SetParams sets the parameters given to every traced call.
func (t *EntryTracer) SetParams(p *CallParams) {
	t.params = p
}

// Tracing reports whether the entry watch is installed.
func (t *EntryTracer) Tracing() bool {
	return t.hap != 0
}

// Start installs the entry watch.
func (t *EntryTracer) Start() error {
	if t.hap != 0 {
		return nil
	}
	addrs := t.c.target.EntryAddrs()
	if len(addrs) == 0 {
		return fmt.Errorf("target has no syscall entry address")
	}
	handles := make([]int, 0, len(addrs))
	for _, a := range addrs {
		handles = append(handles, t.c.cm.Breakpoint(proc.WatchSpec{Space: proc.Linear, Mode: proc.WatchExecute, Addr: a, Len: 1}))
	}
	h, err := t.c.cm.AddHap("syscall entry", t.entered, handles...)
	if err != nil {
		return err
	}
	if err := t.c.cm.Arm(h); err != nil {
		t.c.cm.DeleteHap(h)
		return err
	}
	t.hap = h
	return nil
}

// Stop removes the entry watch and every pending exit watch.
func (t *EntryTracer) Stop() {
	if t.hap != 0 {
		t.c.cm.DeleteHap(t.hap)
		t.hap = 0
	}
	t.c.StopTrace()
}

func (t *EntryTracer) entered(hit proc.BreakHit) {
	c := t.c
	pid, _ := c.tasks.CurrentProcess()
	if pid == 0 {
		return
	}
	num, err := c.sub.ReadRegister(c.arch.SyscallNumRegister())
	if err != nil {
		c.log.Errorf("syscall entry at %#x: %v", hit.Addr, err)
		return
	}
	info := t.decode(int(num))
	name := c.tasks.SyscallName(info.CallNum)
	if info.SocketCall != "" {
		name = info.SocketCall
	}
	if t.filter != nil && !t.filter[name] && !t.filter[c.tasks.SyscallName(info.CallNum)] {
		return
	}
	info.SyscallEntry = hit.Addr
	info.Params = t.params
	c.log.Debugf("pid %d entered %s at cycle %#x", pid, name, hit.Cycle)
	if err := c.BeginSyscall(pid, info, c.target.ExitAddrs()...); err != nil {
		c.log.Errorf("pid %d %s: %v", pid, name, err)
	}
}

func (t *EntryTracer) args(n int) []uint64 {
	c := t.c
	names := c.arch.SyscallArgRegisters()
	args := make([]uint64, n)
	for i := 0; i < n && i < len(names); i++ {
		args[i], _ = c.sub.ReadRegister(names[i])
	}
	return args
}

func (t *EntryTracer) cstring(addr uint64) string {
	s, err := proc.ReadCString(t.c.sub, addr, 256)
	if err != nil {
		return ""
	}
	return s
}

// decode reads the arguments of call num from the registers and memory
// of the calling process.
func (t *EntryTracer) decode(num int) *ExitInfo {
	c := t.c
	info := &ExitInfo{CallNum: num}
	a := t.args(4)
	name := c.tasks.SyscallName(num)
	switch name {
	case "open", "execve":
		info.Fname = t.cstring(a[0])
	case "read", "write", "recv", "send", "recvfrom", "sendto":
		info.OldFD, info.RetvalAddr, info.Count = int(int32(a[0])), a[1], a[2]
	case "close", "dup", "socket", "bind", "connect", "listen", "accept":
		info.OldFD = int(int32(a[0]))
	case "dup2":
		info.OldFD, info.NewFD = int(int32(a[0])), int(int32(a[1]))
	case "pipe", "pipe2":
		info.RetvalAddr = a[0]
	case "ioctl":
		info.OldFD, info.Cmd = int(int32(a[0])), a[1]
	case "_llseek":
		info.OldFD, info.RetvalAddr = int(int32(a[0])), a[3]
	case "socketcall":
		t.decodeSocketCall(info, a[0], a[1])
	}
	return info
}

func (t *EntryTracer) decodeSocketCall(info *ExitInfo, sub, params uint64) {
	c := t.c
	info.SocketCall = socketCalls[sub]
	if info.SocketCall == "" {
		info.SocketCall = fmt.Sprintf("socketcall_%d", sub)
		return
	}
	ptr := c.arch.PtrSize()
	word := func(i int) uint64 {
		v, _ := proc.ReadWord(c.sub, params+uint64(i*ptr), ptr)
		return v
	}
	if sub == 1 {
		return
	}
	info.OldFD = int(int32(word(0)))
	switch info.SocketCall {
	case "send", "recv", "sendto", "recvfrom":
		info.RetvalAddr, info.Count = word(1), word(2)
	}
}
