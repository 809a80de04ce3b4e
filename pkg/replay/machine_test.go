package replay

import (
	"testing"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/proc"
)

const testTrace = `
target:
  arch: x86-32
  kernel-base: 0xc0000000
  current-task: 0xc0100000
start-cycle: 100
tasks:
  - {pid: 1, comm: init, rec: 0xc1000000}
  - {pid: 2, comm: sh, rec: 0xc1001000}
memory:
  - {addr: 0x1000, bytes: "90 90 90 90 90 90"}
  - {addr: 0x2000, bytes: "11 22 33 44"}
steps:
  - {pid: 1, pc: 0x1000, regs: {eax: 0x105}}
  - {pid: 1, pc: 0x1001, regs: {al: 7}, writes: [{addr: 0x2000, size: 4, value: 0xaabbccdd}]}
  - {pid: 1, pc: 0x1002, reads: [{addr: 0x2000, size: 4}]}
  - {pid: 2, pc: 0x1003}
  - {pid: 2, pc: 0x1004}
  - {pid: 1, pc: 0x1005}
`

func newMachine(t *testing.T) *Machine {
	t.Helper()
	tr, err := ParseTrace([]byte(testTrace))
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(tr)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func word(t *testing.T, m *Machine, addr uint64) uint64 {
	t.Helper()
	v, err := proc.ReadWord(m, addr, 4)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestNewEmptyTrace(t *testing.T) {
	if _, err := New(&Trace{Target: config.Target{Arch: "x86-32"}}); err != ErrNoSteps {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
	if _, err := ParseTrace([]byte("target: {arch: x86-32}\n")); err == nil {
		t.Fatalf("expected error for trace without steps")
	}
}

func TestPositionAndMemory(t *testing.T) {
	m := newMachine(t)
	if m.FirstCycle() != 100 || m.LastCycle() != 105 || m.CurrentCycle() != 100 {
		t.Fatalf("cycles %d %d %d", m.FirstCycle(), m.LastCycle(), m.CurrentCycle())
	}
	if v := word(t, m, 0x2000); v != 0x44332211 {
		t.Fatalf("initial memory %#x", v)
	}
	if err := m.SkipTo(102); err != nil {
		t.Fatal(err)
	}
	if v := word(t, m, 0x2000); v != 0xaabbccdd {
		t.Fatalf("memory after write %#x", v)
	}
	if err := m.StepBackward(1); err != nil {
		t.Fatal(err)
	}
	if v := word(t, m, 0x2000); v != 0x44332211 {
		t.Fatalf("write not undone: %#x", v)
	}
	if err := m.StepBackward(5); err != proc.ErrStartOfRecording || m.CurrentCycle() != 100 {
		t.Fatalf("step past start: %v at %d", err, m.CurrentCycle())
	}
	if err := m.SkipTo(200); err != proc.ErrEndOfRecording {
		t.Fatalf("skip past end: %v", err)
	}
}

func TestRegisters(t *testing.T) {
	m := newMachine(t)
	m.SkipTo(101)
	if v, _ := m.ReadRegister("eax"); v != 0x107 {
		t.Fatalf("eax = %#x", v)
	}
	if v, _ := m.ReadRegister("eip"); v != 0x1001 {
		t.Fatalf("eip = %#x", v)
	}
	m.SkipTo(100)
	if v, _ := m.ReadRegister("al"); v != 5 {
		t.Fatalf("al = %#x", v)
	}
	if _, err := m.ReadRegister("ebx"); err == nil {
		t.Fatalf("expected error for unrecorded register")
	}
	if m.PrivilegeLevel() != 3 {
		t.Fatalf("trace without cs should be user mode")
	}
}

func TestTasks(t *testing.T) {
	m := newMachine(t)
	if _, ok := m.TaskRecordFor(2); ok {
		t.Fatalf("pid 2 not yet scheduled")
	}
	if rec := m.CurrentTask(); rec != 0xc1000000 || m.PidOf(rec) != 1 {
		t.Fatalf("current task %#x", rec)
	}
	if v := word(t, m, 0xc0100000); v != 0xc1000000 {
		t.Fatalf("current task pointer %#x", v)
	}
	m.SkipTo(103)
	if pid, comm := m.CurrentProcess(); pid != 2 || comm != "sh" {
		t.Fatalf("current process %d %s", pid, comm)
	}
	if rec, ok := m.TaskRecordFor(2); !ok || rec != 0xc1001000 {
		t.Fatalf("task record of 2: %#x %v", rec, ok)
	}
	if v := word(t, m, 0xc0100000); v != 0xc1001000 {
		t.Fatalf("task switch not written: %#x", v)
	}
	if m.SyscallNumber("read") != 3 || m.SyscallName(5) != "open" || m.SyscallNumber("nope") != -1 || m.SyscallName(9999) != "syscall_9999" {
		t.Fatalf("syscall table")
	}
}

func TestForwardRunCallbacks(t *testing.T) {
	m := newMachine(t)
	exec, _ := m.InstallWatch(proc.WatchSpec{Mode: proc.WatchExecute, Addr: 0x1002, Len: 1})
	write, _ := m.InstallWatch(proc.WatchSpec{Mode: proc.WatchWrite, Addr: 0xc0100000, Len: 4})
	var hits []proc.BreakHit
	if _, err := m.AddBreakCallback(func(hit proc.BreakHit) { hits = append(hits, hit) }, exec, write); err != nil {
		t.Fatal(err)
	}
	var stops []proc.StopEvent
	m.OnStop(func(ev proc.StopEvent) { stops = append(stops, ev) })

	if err := m.RunForward(0); err != nil {
		t.Fatal(err)
	}
	if err := m.RunForward(0); err != proc.ErrRunning {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	m.Pump()
	if len(stops) != 1 || stops[0].Reason != proc.StopEndOfRecording || stops[0].Cycle != 105 {
		t.Fatalf("stops %+v", stops)
	}
	if len(hits) != 3 {
		t.Fatalf("hits %+v", hits)
	}
	if hits[0].Mode != proc.WatchExecute || hits[0].Cycle != 102 {
		t.Errorf("first hit %+v", hits[0])
	}
	if hits[1].Mode != proc.WatchWrite || hits[1].Value != 0xc1001000 {
		t.Errorf("task switch hit %+v", hits[1])
	}
	if hits[2].Value != 0xc1000000 {
		t.Errorf("switch back hit %+v", hits[2])
	}
}

func TestForwardRunBreak(t *testing.T) {
	m := newMachine(t)
	id, _ := m.InstallWatch(proc.WatchSpec{Mode: proc.WatchExecute, Addr: 0x1000, Len: 0x10})
	m.AddBreakCallback(func(hit proc.BreakHit) {
		if hit.Cycle == 103 {
			m.Break("enough")
		}
	}, id, id)
	var ev proc.StopEvent
	m.OnStop(func(e proc.StopEvent) { ev = e })
	m.RunForward(0)
	m.Pump()
	if ev.Reason != proc.StopRequested || ev.Cycle != 103 || ev.Message != "enough" {
		t.Fatalf("stop %+v", ev)
	}

	m.RunForward(1)
	m.Pump()
	if ev.Reason != proc.StopSteps || ev.Cycle != 104 {
		t.Fatalf("bounded run %+v", ev)
	}
}

func TestRunsStopAtPlainWatches(t *testing.T) {
	m := newMachine(t)
	id, _ := m.InstallWatch(proc.WatchSpec{Mode: proc.WatchRead, Addr: 0x2002, Len: 1})
	var ev proc.StopEvent
	m.OnStop(func(e proc.StopEvent) { ev = e })

	m.RunForward(0)
	m.Pump()
	if ev.Reason != proc.StopBreakpoint || ev.Breakpoint != id || ev.Cycle != 103 {
		t.Fatalf("forward stop %+v", ev)
	}

	m.SkipTo(105)
	m.RunBackward()
	m.Pump()
	if ev.Reason != proc.StopBreakpoint || ev.Direction != proc.Backward || ev.Cycle != 102 {
		t.Fatalf("backward stop %+v", ev)
	}

	m.RemoveWatch(id)
	m.RunBackward()
	m.Pump()
	if ev.Reason != proc.StopStartOfRecording || ev.Cycle != 100 {
		t.Fatalf("backward to start %+v", ev)
	}
	if err := m.RemoveWatch(id); err == nil {
		t.Fatalf("expected error removing a removed watch")
	}
}

func TestPhysicalWatches(t *testing.T) {
	tr, _ := ParseTrace([]byte(testTrace))
	tr.Pages = []Page{{Logical: 0x1000, Physical: 0x7000, Entry: 0x21}}
	m, err := New(tr)
	if err != nil {
		t.Fatal(err)
	}
	if m.V2P(0x1004) != 0x7004 || m.V2P(0x9000) != 0x9000 {
		t.Fatalf("V2P")
	}
	m.InstallWatch(proc.WatchSpec{Space: proc.Physical, Mode: proc.WatchExecute, Addr: 0x7004, Len: 1})
	var ev proc.StopEvent
	m.OnStop(func(e proc.StopEvent) { ev = e })
	m.RunForward(0)
	m.Pump()
	if ev.Cycle != 104 {
		t.Fatalf("physical watch stop %+v", ev)
	}
	if n := len(m.PageEntries()); n != 1 {
		t.Fatalf("page entries %d", n)
	}
}

func TestPumpGivesUpWithoutProgress(t *testing.T) {
	m := newMachine(t)
	runs := 0
	m.OnStop(func(proc.StopEvent) {
		runs++
		m.RunBackward()
	})
	m.RunBackward()
	m.Pump()
	if runs != maxIdleRuns {
		t.Fatalf("runs %d", runs)
	}
}
