package reverse

import (
	"strings"
	"testing"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/proc"
	"github.com/revmon/revmon/pkg/replay"
	"github.com/revmon/revmon/pkg/watch"
)

// The program:
//
//	0x8048000 mov eax, 5
//	0x8048005 call 0x8048100
//	0x804800a mov ebx, eax
//	0x804800c int 0x80
//	0x804800e mov [0x804a000], ebx
//	0x8048014 mov ecx, [0x804a000]
//	0x804801a nop
//
//	0x8048100 mov eax, 7
//	0x8048105 ret
//
// The kernel path at 0xc0001000 writes 0x804a004 and returns with iret.
const progTrace = `
target:
  arch: x86-32
  kernel-base: 0xc0000000
  sysenter: 0xc0001000
  iret: 0xc0001002
tasks:
  - {pid: 1, comm: prog, rec: 0xc1000000}
pages:
  - {logical: 0x8048000, physical: 0x1000000, entry: 0x21}
  - {logical: 0x804a000, physical: 0x2000000, entry: 0x23}
memory:
  - {addr: 0x8048000, bytes: "b8 05 00 00 00 e8 f6 00 00 00 89 c3 cd 80 89 1d 00 a0 04 08 8b 0d 00 a0 04 08 90"}
  - {addr: 0x8048100, bytes: "b8 07 00 00 00 c3"}
  - {addr: 0xc0001000, bytes: "90 90 cf"}
steps:
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0, ebx: 0, ecx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {eax: 5}, writes: [{addr: 0x7fec, size: 4, value: 0x804800a}]}
  - {pid: 1, pc: 0x8048100, regs: {esp: 0x7fec}}
  - {pid: 1, pc: 0x8048105, regs: {eax: 7}, reads: [{addr: 0x7fec, size: 4}]}
  - {pid: 1, pc: 0x804800a, regs: {esp: 0x7ff0}}
  - {pid: 1, pc: 0x804800c, regs: {ebx: 7}}
  - {pid: 1, pc: 0xc0001000, regs: {cs: 0x10}}
  - {pid: 1, pc: 0xc0001001, writes: [{addr: 0x804a004, size: 4, value: 0x1234}]}
  - {pid: 1, pc: 0xc0001002, regs: {eax: 0}}
  - {pid: 1, pc: 0x804800e, regs: {cs: 0x73}, writes: [{addr: 0x804a000, size: 4, value: 7}]}
  - {pid: 1, pc: 0x8048014, reads: [{addr: 0x804a000, size: 4}]}
  - {pid: 1, pc: 0x804801a, regs: {ecx: 7}}
`

type marks []string

func (m *marks) SetDebugBookmark(s string) { *m = append(*m, s) }

type fixture struct {
	m     *replay.Machine
	c     *Controller
	marks *marks
	done  []Result
}

func setup(t *testing.T, edit func(*replay.Trace)) *fixture {
	t.Helper()
	return setupTrace(t, progTrace, edit)
}

func setupTrace(t *testing.T, text string, edit func(*replay.Trace)) *fixture {
	t.Helper()
	tr, err := replay.ParseTrace([]byte(text))
	if err != nil {
		t.Fatal(err)
	}
	if edit != nil {
		edit(tr)
	}
	m, err := replay.New(tr)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{m: m, marks: &marks{}}
	f.c = New(Config{
		Substrate:    m,
		Tasks:        m,
		Faults:       m,
		Disassembler: m.Disassembler(),
		Watch:        watch.NewContextManager(watch.NewRegistry(m), m, m.Target().CurrentTask),
		Target:       m.Target(),
		Bookmarks:    f.marks,
		StartCycle:   m.FirstCycle(),
		OnDone:       func(r Result) { f.done = append(f.done, r) },
	})
	return f
}

func (f *fixture) at(t *testing.T, cycle uint64) {
	t.Helper()
	if err := f.m.SkipTo(cycle); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) result(t *testing.T) Result {
	t.Helper()
	f.m.Pump()
	if len(f.done) != 1 {
		t.Fatalf("expected one result, got %v", f.done)
	}
	if f.c.Active() {
		t.Fatalf("controller still active after %v", f.done[0])
	}
	if n := len(f.m.LiveWatches()); n != 0 {
		t.Fatalf("%d watches left after search: %v", n, f.m.LiveWatches())
	}
	return f.done[0]
}

func expect(t *testing.T, r Result, o Outcome, cycle uint64) {
	t.Helper()
	if r.Outcome != o || r.Cycle != cycle {
		t.Fatalf("got %v, expected %s at cycle %#x", r, o, cycle)
	}
}

func TestRevToCallStepsOverReturn(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 4)
	f.c.RevToCall(false, 0)
	r := f.result(t)
	expect(t, r, Found, 1)
	if r.PC != 0x8048005 || r.Calls != 1 {
		t.Fatalf("result %+v", r)
	}
}

func TestRevToCallStepInto(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 4)
	f.c.RevToCall(true, 0)
	expect(t, f.result(t), Found, 3)
}

func TestRevToCallSyscallEntry(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 6)
	f.c.RevToCall(false, 0)
	r := f.result(t)
	expect(t, r, Found, 5)
	if r.PC != 0x804800c {
		t.Fatalf("landed at %#x", r.PC)
	}
}

func TestRevToCallPlainInstruction(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 2)
	f.c.RevToCall(false, 0)
	expect(t, f.result(t), Found, 1)
}

func TestRevToCallPrevPC(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 4)
	f.c.RevToCall(false, 0x8048100)
	r := f.result(t)
	expect(t, r, Found, 2)
	if r.PC != 0x8048100 {
		t.Fatalf("landed at %#x", r.PC)
	}
}

func TestRevToCallOverKernel(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 9)
	f.c.RevToCall(false, 0)
	expect(t, f.result(t), Found, 5)
	if v := f.c.Visited(); len(v) != 2 || v[0] != 8 || v[1] != 5 {
		t.Fatalf("visited %v", v)
	}
}

func TestRevToCallUsesEntryCycles(t *testing.T) {
	f := setup(t, nil)
	if err := f.c.WatchSyscallEntries(); err != nil {
		t.Fatal(err)
	}
	f.m.RunForward(0)
	f.m.Pump()
	if e := f.c.EntryCycles(1); len(e) != 1 || e[0] != 6 {
		t.Fatalf("entry cycles %v", e)
	}
	f.at(t, 9)
	f.c.RevToCall(false, 0)
	f.m.Pump()
	if len(f.done) != 1 {
		t.Fatalf("results %v", f.done)
	}
	expect(t, f.done[0], Found, 5)
	f.c.NoWatchSyscallEntries()
	if n := len(f.m.LiveWatches()); n != 0 {
		t.Fatalf("%d watches left", n)
	}
}

func TestRevToCallFaultCycles(t *testing.T) {
	f := setup(t, func(tr *replay.Trace) {
		tr.Faults = map[int][]uint64{1: {6}}
	})
	f.at(t, 9)
	f.c.RevToCall(false, 0)
	expect(t, f.result(t), Found, 5)
}

func TestRevToCallStartCycle(t *testing.T) {
	f := setup(t, nil)
	f.c.SetStartCycle(4)
	f.at(t, 4)
	f.c.RevToCall(false, 0)
	expect(t, f.result(t), StartOfRecording, 4)
}

func TestUncall(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 3)
	if err := f.c.Uncall(nil); err != nil {
		t.Fatal(err)
	}
	expect(t, f.result(t), Found, 1)
}

// main calls f, f calls g, g calls h, h and g return. Uncall from f
// must absorb both completed calls.
const nestedTrace = `
target:
  arch: x86-32
  kernel-base: 0xc0000000
tasks:
  - {pid: 1, comm: nested, rec: 0xc1000000}
pages:
  - {logical: 0x8048000, physical: 0x1000000, entry: 0x21}
memory:
  - {addr: 0x8048000, bytes: "90 e8 fa 00 00 00 90"}
  - {addr: 0x8048100, bytes: "e8 fb 00 00 00 90 c3"}
  - {addr: 0x8048200, bytes: "e8 fb 00 00 00 c3"}
  - {addr: 0x8048300, bytes: "90 c3"}
steps:
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0}}
  - {pid: 1, pc: 0x8048001}
  - {pid: 1, pc: 0x8048100, regs: {esp: 0x7fec}}
  - {pid: 1, pc: 0x8048200, regs: {esp: 0x7fe8}}
  - {pid: 1, pc: 0x8048300, regs: {esp: 0x7fe4}}
  - {pid: 1, pc: 0x8048301}
  - {pid: 1, pc: 0x8048205, regs: {esp: 0x7fe8}}
  - {pid: 1, pc: 0x8048105, regs: {esp: 0x7fec}}
`

func TestUncallNested(t *testing.T) {
	f := setupTrace(t, nestedTrace, nil)
	f.at(t, 7)
	if err := f.c.Uncall(nil); err != nil {
		t.Fatal(err)
	}
	r := f.result(t)
	expect(t, r, Found, 1)
	if r.PC != 0x8048001 || r.Calls != 3 {
		t.Fatalf("result %+v", r)
	}
	v := f.c.Visited()
	if len(v) == 0 {
		t.Fatalf("no stops visited")
	}
	for i := 1; i < len(v); i++ {
		if v[i] >= v[i-1] {
			t.Fatalf("cycles not strictly decreasing: %v", v)
		}
	}
}

func TestUncallFromCallerReachesStart(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 4)
	f.c.Uncall(nil)
	expect(t, f.result(t), StartOfRecording, 0)
}

func TestUncallFrameIP(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 4)
	f.c.Uncall([]uint64{0x8048005})
	expect(t, f.result(t), Found, 1)
}

func TestCancel(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 4)
	f.c.Uncall(nil)
	if !f.c.Active() || len(f.m.LiveWatches()) == 0 {
		t.Fatalf("uncall should be waiting on page breakpoints")
	}
	f.c.Cancel()
	r := f.result(t)
	if r.Outcome != Cancelled {
		t.Fatalf("got %v", r)
	}
	f.c.Cleanup()
}

func TestRevToModReg(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 11)
	if err := f.c.RevToModReg("ebx"); err != nil {
		t.Fatal(err)
	}
	r := f.result(t)
	expect(t, r, Found, 4)
	if r.Message != "ebx modified" {
		t.Fatalf("message %q", r.Message)
	}
}

func TestRevToModRegSteps(t *testing.T) {
	// ebx is written at cycle 4 and by nothing after it.
	for _, from := range []uint64{5, 8, 11} {
		f := setup(t, nil)
		f.at(t, from)
		f.c.RevToModReg("ebx")
		expect(t, f.result(t), Found, 4)
		v := f.c.Visited()
		if from == 5 && len(v) != 1 {
			t.Fatalf("from %#x: visited %v, expected one step", from, v)
		}
		for i := 1; i < len(v); i++ {
			if v[i] >= v[i-1] {
				t.Fatalf("from %#x: cycles not strictly decreasing: %v", from, v)
			}
		}
		if v[len(v)-1] != 4 {
			t.Fatalf("from %#x: visited %v", from, v)
		}
	}
}

// In user mode the register search visits every cycle on its way back.
func TestRevToModRegStepCount(t *testing.T) {
	f := setupTrace(t, taintTrace("", `
  - {addr: 0x8048000, bytes: "bb 07 00 00 00 90 90 90 90"}`, `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, ebx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {ebx: 7}}
  - {pid: 1, pc: 0x8048006}
  - {pid: 1, pc: 0x8048007}
  - {pid: 1, pc: 0x8048008}`), nil)
	const k = 4
	f.at(t, k)
	f.c.RevToModReg("ebx")
	expect(t, f.result(t), Found, 0)
	if v := f.c.Visited(); len(v) != k {
		t.Fatalf("visited %v, expected %d steps", v, k)
	}
}

func TestRevToModRegStartCycle(t *testing.T) {
	f := setup(t, nil)
	f.c.SetStartCycle(4)
	f.at(t, 6)
	f.c.RevToModReg("eax")
	expect(t, f.result(t), StartOfRecording, 4)
}

func TestRevToModRegUnknownRegister(t *testing.T) {
	f := setup(t, nil)
	if err := f.c.RevToModReg("xmm9"); err == nil {
		t.Fatalf("expected error")
	}
	if f.c.Active() {
		t.Fatalf("controller should stay idle")
	}
}

func TestRevTaintReg(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 11)
	if err := f.c.RevTaintReg("ecx"); err != nil {
		t.Fatal(err)
	}
	r := f.result(t)
	expect(t, r, Found, 2)
	if r.Hops != 3 {
		t.Fatalf("hops %d", r.Hops)
	}
	m := *f.marks
	if len(m) != 4 {
		t.Fatalf("bookmarks %q", m)
	}
	if !strings.HasPrefix(m[0], "backtrack eip:0x8048014 ") || !strings.HasPrefix(m[1], "backtrack eip:0x804800e ") {
		t.Fatalf("bookmarks %q", m)
	}
	if !strings.HasPrefix(m[3], "backtrack eip:0x8048100 ") || !strings.HasSuffix(m[3], " immediate 0x7") {
		t.Fatalf("last bookmark %q", m[3])
	}
}

// taintTrace returns a single process x86-32 trace with one code page
// and one data page.
func taintTrace(extraTarget, memory, steps string) string {
	return `
target:
  arch: x86-32
  kernel-base: 0xc0000000` + extraTarget + `
tasks:
  - {pid: 1, comm: taint, rec: 0xc1000000}
pages:
  - {logical: 0x8048000, physical: 0x1000000, entry: 0x21}
  - {logical: 0x804a000, physical: 0x2000000, entry: 0x23}
memory:` + memory + `
steps:` + steps + "\n"
}

func TestRevTaintChase(t *testing.T) {
	tests := []struct {
		name    string
		memory  string
		steps   string
		reg     string
		outcome Outcome
		cycle   uint64
		hops    int
		marks   []string
	}{
		{
			// mov ebx, 0x64; mov [0x804a000], ebx; add eax, [0x804a000]
			name: "add from memory",
			memory: `
  - {addr: 0x8048000, bytes: "bb 64 00 00 00 89 1d 00 a0 04 08 03 05 00 a0 04 08 90"}`,
			steps: `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 1, ebx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {ebx: 0x64}, writes: [{addr: 0x804a000, size: 4, value: 0x64}]}
  - {pid: 1, pc: 0x804800b, reads: [{addr: 0x804a000, size: 4}]}
  - {pid: 1, pc: 0x8048011, regs: {eax: 0x65}}`,
			reg:     "eax",
			outcome: Found,
			cycle:   0,
			hops:    2,
			marks: []string{
				"taint branch eip:0x804800b ",
				"backtrack eip:0x8048005 ",
				"backtrack eip:0x8048000 ",
			},
		},
		{
			// mov eax, 9; push eax; pop ebx
			name: "pop",
			memory: `
  - {addr: 0x8048000, bytes: "b8 09 00 00 00 50 5b 90"}`,
			steps: `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0, ebx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {eax: 9}, writes: [{addr: 0x7fec, size: 4, value: 9}]}
  - {pid: 1, pc: 0x8048006, regs: {esp: 0x7fec}, reads: [{addr: 0x7fec, size: 4}]}
  - {pid: 1, pc: 0x8048007, regs: {esp: 0x7ff0, ebx: 9}}`,
			reg:     "ebx",
			outcome: Found,
			cycle:   0,
			hops:    2,
			marks: []string{
				"backtrack eip:0x8048006 inst:\"pop ebx\"",
				"backtrack eip:0x8048005 inst:\"push eax\"",
				"backtrack eip:0x8048000 ",
			},
		},
		{
			// mov ebx, 0x20; mov eax, ebx; add eax, 4
			name: "small add",
			memory: `
  - {addr: 0x8048000, bytes: "bb 20 00 00 00 89 d8 83 c0 04 90"}`,
			steps: `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0, ebx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {ebx: 0x20}}
  - {pid: 1, pc: 0x8048007, regs: {eax: 0x20}}
  - {pid: 1, pc: 0x804800a, regs: {eax: 0x24}}`,
			reg:     "eax",
			outcome: Found,
			cycle:   0,
			hops:    3,
			marks: []string{
				"backtrack eip:0x8048007 ",
				"backtrack eip:0x8048005 ",
				"backtrack eip:0x8048000 ",
			},
		},
		{
			// mov ebx, 7; imul eax, ebx, 1
			name: "imul by one",
			memory: `
  - {addr: 0x8048000, bytes: "bb 07 00 00 00 6b c3 01 90"}`,
			steps: `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0, ebx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {ebx: 7}}
  - {pid: 1, pc: 0x8048008, regs: {eax: 7}}`,
			reg:     "eax",
			outcome: Found,
			cycle:   0,
			hops:    2,
			marks: []string{
				"backtrack eip:0x8048005 ",
				"backtrack eip:0x8048000 ",
			},
		},
		{
			// mov ebx, 0x1000; imul eax, ebx, 3
			name: "imul by three",
			memory: `
  - {addr: 0x8048000, bytes: "bb 00 10 00 00 6b c3 03 90"}`,
			steps: `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0, ebx: 0}}
  - {pid: 1, pc: 0x8048005, regs: {ebx: 0x1000}}
  - {pid: 1, pc: 0x8048008, regs: {eax: 0x3000}}`,
			reg:     "eax",
			outcome: Stumped,
			cycle:   1,
			hops:    1,
			marks: []string{
				"backtrack eip:0x8048005 ",
			},
		},
		{
			// or al, [0x804a000] with a byte never written in the recording
			name: "or with tracked value",
			memory: `
  - {addr: 0x8048000, bytes: "90 0a 05 00 a0 04 08 90"}
  - {addr: 0x804a000, bytes: "41"}`,
			steps: `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0x41}}
  - {pid: 1, pc: 0x8048001, reads: [{addr: 0x804a000, size: 1}]}
  - {pid: 1, pc: 0x8048007}`,
			reg:     "al",
			outcome: StartOfRecording,
			cycle:   0,
			hops:    1,
			marks: []string{
				"taint branch eip:0x8048001 ",
				"backtrack start of recording, no write to 0x804a000",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := setupTrace(t, taintTrace("", tc.memory, tc.steps), nil)
			f.at(t, f.m.LastCycle())
			if err := f.c.RevTaintReg(tc.reg); err != nil {
				t.Fatal(err)
			}
			r := f.result(t)
			expect(t, r, tc.outcome, tc.cycle)
			if r.Hops != tc.hops {
				t.Fatalf("hops %d, expected %d", r.Hops, tc.hops)
			}
			m := *f.marks
			if len(m) != len(tc.marks) {
				t.Fatalf("bookmarks %q", m)
			}
			for i := range m {
				if !strings.HasPrefix(m[i], tc.marks[i]) {
					t.Fatalf("bookmark %d is %q, expected prefix %q", i, m[i], tc.marks[i])
				}
			}
		})
	}
}

func TestMoveEquivalents(t *testing.T) {
	f := setupTrace(t, taintTrace("", `
  - {addr: 0x8048000, bytes: "90 0a 05 00 a0 04 08 6b c3 01 6b c3 02 90"}
  - {addr: 0x804a000, bytes: "41"}`, `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0, eax: 0x41}}`), nil)
	inst := func(pc uint64) *proc.AsmInstruction {
		i, err := f.m.Disassembler().At(f.m, pc)
		if err != nil {
			t.Fatal(err)
		}
		return i
	}
	or := inst(0x8048001)
	f.c.hasValue, f.c.numBytes = true, 1
	f.c.value = 0x41
	if !f.c.moveLike(or) {
		t.Fatalf("%s should follow the tracked value 0x41", or.Text)
	}
	f.c.value = 0x42
	if f.c.moveLike(or) {
		t.Fatalf("%s should not be a move for 0x42", or.Text)
	}
	f.c.numBytes = 4
	f.c.value = 0x41
	if f.c.moveLike(or) {
		t.Fatalf("%s should not be a move for a 4 byte value", or.Text)
	}
	if i := inst(0x8048007); !multOne(i) || !f.c.moveLike(i) {
		t.Fatalf("%s should be a move", i.Text)
	}
	if i := inst(0x804800a); multOne(i) {
		t.Fatalf("%s is not a move", i.Text)
	}
}

func TestRevTaintAddrImmediateStore(t *testing.T) {
	// mov dword ptr [0x804a000], 0x2a
	f := setupTrace(t, taintTrace("", `
  - {addr: 0x8048000, bytes: "90 c7 05 00 a0 04 08 2a 00 00 00 90"}`, `
  - {pid: 1, pc: 0x8048000, regs: {cs: 0x73, esp: 0x7ff0}}
  - {pid: 1, pc: 0x8048001, writes: [{addr: 0x804a000, size: 4, value: 0x2a}]}
  - {pid: 1, pc: 0x804800b}`), nil)
	f.at(t, 2)
	if err := f.c.RevTaintAddr(0x804a000, 4); err != nil {
		t.Fatal(err)
	}
	expect(t, f.result(t), Found, 1)
	m := *f.marks
	if len(m) != 2 || !strings.HasSuffix(m[1], " immediate 0x2a") {
		t.Fatalf("bookmarks %q", m)
	}
}

func TestRevToCallCancelInKernel(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 9)
	f.c.RevToCall(false, 0)
	if !f.c.Active() || len(f.m.LiveWatches()) == 0 {
		t.Fatalf("search should be waiting to leave the kernel")
	}
	f.c.Cancel()
	r := f.result(t)
	if r.Outcome != Cancelled || r.Cycle != 8 {
		t.Fatalf("got %v", r)
	}
}

func TestRevTaintProtected(t *testing.T) {
	f := setup(t, func(tr *replay.Trace) {
		tr.Target.Protected = []config.Region{{Start: 0x804a000, Length: 0x10}}
	})
	f.at(t, 11)
	f.c.RevTaintReg("ecx")
	expect(t, f.result(t), Protected, 10)
	if m := *f.marks; len(m) != 1 || !strings.HasPrefix(m[0], "backtrack protected eip:0x8048014") {
		t.Fatalf("bookmarks %q", m)
	}
}

func TestRevTaintAddrKernelWrite(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 11)
	if err := f.c.RevTaintAddr(0x804a004, 4); err != nil {
		t.Fatal(err)
	}
	expect(t, f.result(t), KernelWrite, 7)
	m := *f.marks
	if len(m) != 2 || m[0] != "backtrack START:0x804a004 value:0x1234" || m[1] != "backtrack kernel wrote 0x1234 to 0x804a004 eip:0xc0001001" {
		t.Fatalf("bookmarks %q", m)
	}
}

func TestRevTaintAddrNoWrite(t *testing.T) {
	f := setup(t, nil)
	f.at(t, 11)
	f.c.RevTaintAddr(0x804a008, 4)
	expect(t, f.result(t), StartOfRecording, 0)
	m := *f.marks
	if len(m) != 2 || m[1] != "backtrack start of recording, no write to 0x804a008" {
		t.Fatalf("bookmarks %q", m)
	}
}

func TestExecutableRanges(t *testing.T) {
	f := setup(t, func(tr *replay.Trace) {
		tr.Pages = append(tr.Pages,
			replay.Page{Logical: 0x8049000, Physical: 0x1001000, Entry: 0x21},
			replay.Page{Logical: 0x8050000, Physical: 0x3000000, Entry: 0x01})
	})
	rs := f.c.executableRanges()
	if len(rs) != 1 || rs[0].start != 0x1000000 || rs[0].length != 0x2000 {
		t.Fatalf("ranges %+v", rs)
	}
}
