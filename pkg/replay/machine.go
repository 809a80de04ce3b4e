// Package replay implements a deterministic record/replay substrate over
// a Trace. Forward runs deliver watch hits to break callbacks and stop
// only at watches nobody listens to, or when a callback calls Break.
// Backward runs stop at the first watch without callbacks.
package replay

import (
	"errors"
	"fmt"
	"sort"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/proc"
)

type installed struct {
	spec proc.WatchSpec
}

type breakCallback struct {
	fn          proc.BreakFunc
	first, last int
}

type runRequest struct {
	dir   proc.Direction
	steps uint64
}

// Machine replays a Trace. It implements proc.Substrate, proc.TaskInfo
// and proc.FaultSource.
type Machine struct {
	arch   proc.Arch
	dis    *proc.Disassembler
	target config.Target
	log    logflags.Logger

	base  uint64
	steps []Step
	regs  []map[string]uint64
	mem   map[uint64]byte
	cur   int

	tasks    map[int]Task
	recs     map[uint64]int
	seen     []map[int]bool
	syscalls map[string]int
	faults   map[int][]uint64
	pages    []Page

	watches   map[int]*installed
	nextWatch int
	callbacks map[int]*breakCallback
	nextCB    int
	stops     map[int]proc.StopFunc
	nextStop  int

	pending   *runRequest
	breakReq  bool
	breakMsg  string
	installs  int
	idleLimit int
}

// ErrNoSteps is returned for traces without steps.
var ErrNoSteps = errors.New("trace has no steps")

const maxIdleRuns = 64

// New builds a Machine positioned at the first cycle of tr.
func New(tr *Trace) (*Machine, error) {
	if len(tr.Steps) == 0 {
		return nil, ErrNoSteps
	}
	arch, err := tr.Target.Profile()
	if err != nil {
		return nil, err
	}
	m := &Machine{
		arch:      arch,
		dis:       proc.NewDisassembler(arch),
		target:    tr.Target,
		log:       logflags.ReplayLogger(),
		base:      tr.StartCycle,
		steps:     append([]Step(nil), tr.Steps...),
		mem:       make(map[uint64]byte),
		tasks:     make(map[int]Task),
		recs:      make(map[uint64]int),
		syscalls:  tr.Syscalls,
		faults:    tr.Faults,
		pages:     tr.Pages,
		watches:   make(map[int]*installed),
		callbacks: make(map[int]*breakCallback),
		stops:     make(map[int]proc.StopFunc),
		idleLimit: maxIdleRuns,
	}
	if m.syscalls == nil {
		m.syscalls = linux32Syscalls
	}
	for _, t := range tr.Tasks {
		m.tasks[t.Pid] = t
		m.recs[t.Rec] = t.Pid
	}
	for _, c := range tr.Memory {
		data, err := c.Bytes()
		if err != nil {
			return nil, fmt.Errorf("memory at %#x: %w", c.Addr, err)
		}
		for i, b := range data {
			m.mem[c.Addr+uint64(i)] = b
		}
	}
	m.synthesizeTaskSwitches()
	m.buildRegisters()
	m.recordOldValues()
	return m, nil
}

// synthesizeTaskSwitches makes the kernel's current task pointer follow
// the pid of each step.
func (m *Machine) synthesizeTaskSwitches() {
	if m.target.CurrentTask == 0 {
		return
	}
	if t, ok := m.tasks[m.steps[0].Pid]; ok {
		m.putWord(m.target.CurrentTask, 4, t.Rec)
	}
	for i := 0; i+1 < len(m.steps); i++ {
		next := m.steps[i+1].Pid
		if next == m.steps[i].Pid {
			continue
		}
		t, ok := m.tasks[next]
		if !ok {
			continue
		}
		st := &m.steps[i]
		st.Writes = append(append([]Write(nil), st.Writes...), Write{Addr: m.target.CurrentTask, Size: 4, Value: t.Rec})
	}
}

func (m *Machine) buildRegisters() {
	m.regs = make([]map[string]uint64, len(m.steps))
	m.seen = make([]map[int]bool, len(m.steps))
	state := map[string]uint64{}
	seen := map[int]bool{}
	for i, st := range m.steps {
		for name, v := range st.Regs {
			if full, shift, mask, ok := m.arch.RegisterAlias(name); ok {
				state[full] = state[full]&^(mask<<shift) | (v&mask)<<shift
			} else {
				state[name] = v
			}
		}
		state[m.arch.PCRegister()] = st.PC
		snap := make(map[string]uint64, len(state))
		for k, v := range state {
			snap[k] = v
		}
		m.regs[i] = snap
		if !seen[st.Pid] {
			seen = copySeen(seen)
			seen[st.Pid] = true
		}
		m.seen[i] = seen
	}
}

func copySeen(in map[int]bool) map[int]bool {
	out := make(map[int]bool, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// recordOldValues runs the trace forward once to capture the bytes every
// write overwrites, then rewinds.
func (m *Machine) recordOldValues() {
	for i := range m.steps {
		for j := range m.steps[i].Writes {
			w := &m.steps[i].Writes[j]
			w.old = make([]byte, w.Size)
			for k := 0; k < w.Size; k++ {
				w.old[k] = m.mem[w.Addr+uint64(k)]
			}
			m.putWord(w.Addr, w.Size, w.Value)
		}
	}
	for i := len(m.steps) - 1; i >= 0; i-- {
		m.undo(i)
	}
}

func (m *Machine) putWord(addr uint64, size int, v uint64) {
	for k := 0; k < size; k++ {
		m.mem[addr+uint64(k)] = byte(v >> (8 * uint(k)))
	}
}

func (m *Machine) apply(i int) {
	for _, w := range m.steps[i].Writes {
		m.putWord(w.Addr, w.Size, w.Value)
	}
}

func (m *Machine) undo(i int) {
	ws := m.steps[i].Writes
	for j := len(ws) - 1; j >= 0; j-- {
		for k, b := range ws[j].old {
			m.mem[ws[j].Addr+uint64(k)] = b
		}
	}
}

func (m *Machine) moveTo(idx int) {
	for m.cur < idx {
		m.apply(m.cur)
		m.cur++
	}
	for m.cur > idx {
		m.cur--
		m.undo(m.cur)
	}
}

// Arch returns the instruction-set profile of the trace.
func (m *Machine) Arch() proc.Arch { return m.arch }

// Target returns the target profile of the trace.
func (m *Machine) Target() config.Target { return m.target }

// FirstCycle returns the cycle of the first step.
func (m *Machine) FirstCycle() uint64 { return m.base }

// LastCycle returns the cycle of the last step.
func (m *Machine) LastCycle() uint64 { return m.base + uint64(len(m.steps)-1) }

func (m *Machine) CurrentCycle() uint64 {
	return m.base + uint64(m.cur)
}

func (m *Machine) SkipTo(cycle uint64) error {
	if cycle < m.base {
		return proc.ErrStartOfRecording
	}
	if cycle > m.LastCycle() {
		return proc.ErrEndOfRecording
	}
	m.moveTo(int(cycle - m.base))
	return nil
}

func (m *Machine) StepBackward(n uint64) error {
	if n > uint64(m.cur) {
		m.moveTo(0)
		return proc.ErrStartOfRecording
	}
	m.moveTo(m.cur - int(n))
	return nil
}

func (m *Machine) RunForward(n uint64) error {
	if m.pending != nil {
		return proc.ErrRunning
	}
	m.pending = &runRequest{dir: proc.Forward, steps: n}
	return nil
}

func (m *Machine) RunBackward() error {
	if m.pending != nil {
		return proc.ErrRunning
	}
	m.pending = &runRequest{dir: proc.Backward}
	return nil
}

func (m *Machine) Break(msg string) {
	m.breakReq = true
	m.breakMsg = msg
}

// Pending reports whether a run has been requested and not yet executed.
func (m *Machine) Pending() bool {
	return m.pending != nil
}

// Pump executes requested runs, delivering each stop to the stop
// callbacks, until no further run is requested.
func (m *Machine) Pump() {
	idle := 0
	for m.pending != nil {
		req := *m.pending
		m.pending = nil
		before := m.cur
		ev := m.run(req)
		if m.cur == before {
			idle++
			if idle > m.idleLimit {
				m.log.Warnf("giving up after %d runs without progress at cycle %#x", idle, m.CurrentCycle())
				return
			}
		} else {
			idle = 0
		}
		m.log.Debugf("%s run stopped at cycle %#x: %s", req.dir, ev.Cycle, ev.Reason)
		m.deliver(ev)
	}
}

func (m *Machine) deliver(ev proc.StopEvent) {
	ids := make([]int, 0, len(m.stops))
	for id := range m.stops {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := m.stops[id]; ok {
			fn(ev)
		}
	}
}

func (m *Machine) run(req runRequest) proc.StopEvent {
	ev := proc.StopEvent{Direction: req.dir}
	if req.dir == proc.Backward {
		for {
			if m.cur == 0 {
				ev.Reason = proc.StopStartOfRecording
				break
			}
			m.moveTo(m.cur - 1)
			if id, ok := m.stopWatchAt(m.cur); ok {
				ev.Reason, ev.Breakpoint = proc.StopBreakpoint, id
				break
			}
		}
		ev.Cycle = m.CurrentCycle()
		return ev
	}

	m.breakReq = false
	var n uint64
	for {
		if m.cur >= len(m.steps)-1 {
			ev.Reason = proc.StopEndOfRecording
			break
		}
		stopID, stop := m.fireAccesses(m.cur)
		m.moveTo(m.cur + 1)
		n++
		if id, ok := m.fireExec(m.cur); ok && !stop {
			stopID, stop = id, true
		}
		if m.breakReq {
			ev.Reason, ev.Message = proc.StopRequested, m.breakMsg
			m.breakReq = false
			break
		}
		if stop {
			ev.Reason, ev.Breakpoint = proc.StopBreakpoint, stopID
			break
		}
		if req.steps != 0 && n >= req.steps {
			ev.Reason = proc.StopSteps
			break
		}
	}
	ev.Cycle = m.CurrentCycle()
	return ev
}

func (m *Machine) sortedWatches() []int {
	ids := make([]int, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *Machine) execHit(spec proc.WatchSpec, idx int) bool {
	if !spec.Mode.Execute() {
		return false
	}
	pc := m.steps[idx].PC
	addr := pc
	if spec.Space == proc.Physical {
		addr = m.V2P(pc)
	}
	if !spec.Contains(addr) {
		return false
	}
	if spec.Prefix == "" && spec.Substr == "" {
		return true
	}
	inst, err := m.dis.At(m, pc)
	if err != nil {
		return false
	}
	return spec.MatchesText(inst.Text)
}

func (m *Machine) accessHit(spec proc.WatchSpec, idx int) (proc.BreakHit, bool) {
	st := m.steps[idx]
	if spec.Mode.Write() {
		for _, w := range st.Writes {
			addr := w.Addr
			if spec.Space == proc.Physical {
				addr = m.V2P(addr)
			}
			if spec.Overlaps(addr, w.Size) {
				return proc.BreakHit{Mode: proc.WatchWrite, Addr: w.Addr, Size: w.Size, Value: w.Value}, true
			}
		}
	}
	if spec.Mode.Read() {
		for _, r := range st.Reads {
			addr := r.Addr
			if spec.Space == proc.Physical {
				addr = m.V2P(addr)
			}
			if spec.Overlaps(addr, r.Size) {
				return proc.BreakHit{Mode: proc.WatchRead, Addr: r.Addr, Size: r.Size}, true
			}
		}
	}
	return proc.BreakHit{}, false
}

// stopWatchAt reports the first watch without callbacks hit by the
// instruction at idx.
func (m *Machine) stopWatchAt(idx int) (int, bool) {
	for _, id := range m.sortedWatches() {
		if m.hasCallback(id) {
			continue
		}
		spec := m.watches[id].spec
		if m.execHit(spec, idx) {
			return id, true
		}
		if _, ok := m.accessHit(spec, idx); ok {
			return id, true
		}
	}
	return 0, false
}

func (m *Machine) hasCallback(id int) bool {
	for _, cb := range m.callbacks {
		if id >= cb.first && id <= cb.last {
			return true
		}
	}
	return false
}

// dispatch calls the callbacks covering watch id, reporting whether the
// watch has no callback and therefore stops the run.
func (m *Machine) dispatch(id int, hit proc.BreakHit) bool {
	ids := make([]int, 0, len(m.callbacks))
	for cid, cb := range m.callbacks {
		if id >= cb.first && id <= cb.last {
			ids = append(ids, cid)
		}
	}
	if len(ids) == 0 {
		return true
	}
	sort.Ints(ids)
	hit.Breakpoint = id
	hit.Cycle = m.CurrentCycle()
	for _, cid := range ids {
		if cb, ok := m.callbacks[cid]; ok {
			cb.fn(hit)
		}
	}
	return false
}

func (m *Machine) fireAccesses(idx int) (int, bool) {
	stopID, stop := 0, false
	for _, id := range m.sortedWatches() {
		w, ok := m.watches[id]
		if !ok {
			continue
		}
		hit, ok := m.accessHit(w.spec, idx)
		if !ok {
			continue
		}
		if m.dispatch(id, hit) && !stop {
			stopID, stop = id, true
		}
	}
	return stopID, stop
}

func (m *Machine) fireExec(idx int) (int, bool) {
	stopID, stop := 0, false
	for _, id := range m.sortedWatches() {
		w, ok := m.watches[id]
		if !ok || !m.execHit(w.spec, idx) {
			continue
		}
		hit := proc.BreakHit{Mode: proc.WatchExecute, Addr: m.steps[idx].PC, Size: 1}
		if m.dispatch(id, hit) && !stop {
			stopID, stop = id, true
		}
	}
	return stopID, stop
}

func (m *Machine) InstallWatch(spec proc.WatchSpec) (int, error) {
	if spec.Mode == 0 {
		return 0, fmt.Errorf("watch without access mode at %#x", spec.Addr)
	}
	m.nextWatch++
	m.installs++
	m.watches[m.nextWatch] = &installed{spec: spec}
	return m.nextWatch, nil
}

func (m *Machine) RemoveWatch(id int) error {
	if _, ok := m.watches[id]; !ok {
		return proc.NoBreakpointError{ID: id}
	}
	delete(m.watches, id)
	return nil
}

func (m *Machine) AddBreakCallback(fn proc.BreakFunc, first, last int) (int, error) {
	if first > last {
		return 0, fmt.Errorf("empty callback range %d-%d", first, last)
	}
	m.nextCB++
	m.callbacks[m.nextCB] = &breakCallback{fn: fn, first: first, last: last}
	return m.nextCB, nil
}

func (m *Machine) RemoveBreakCallback(id int) error {
	if _, ok := m.callbacks[id]; !ok {
		return proc.NoBreakpointError{ID: id}
	}
	delete(m.callbacks, id)
	return nil
}

func (m *Machine) OnStop(fn proc.StopFunc) int {
	m.nextStop++
	m.stops[m.nextStop] = fn
	return m.nextStop
}

func (m *Machine) RemoveStopCallback(id int) {
	delete(m.stops, id)
}

// LiveWatches returns the installed watches in id order.
func (m *Machine) LiveWatches() []proc.WatchSpec {
	var r []proc.WatchSpec
	for _, id := range m.sortedWatches() {
		r = append(r, m.watches[id].spec)
	}
	return r
}

// LiveCallbacks returns the number of registered break callbacks.
func (m *Machine) LiveCallbacks() int {
	return len(m.callbacks)
}

// Installs returns how many watches were ever installed.
func (m *Machine) Installs() int {
	return m.installs
}

func (m *Machine) ReadRegister(name string) (uint64, error) {
	regs := m.regs[m.cur]
	return proc.ReadSubRegister(m.arch, func(full string) (uint64, bool) {
		v, ok := regs[full]
		return v, ok
	}, name)
}

// Registers returns the full registers recorded at the current cycle.
func (m *Machine) Registers() map[string]uint64 {
	r := make(map[string]uint64, len(m.regs[m.cur]))
	for name, v := range m.regs[m.cur] {
		r[name] = v
	}
	return r
}

func (m *Machine) WriteRegister(name string, value uint64) error {
	full, shift, mask, ok := m.arch.RegisterAlias(name)
	if !ok {
		return proc.UnknownRegisterError{Name: name}
	}
	regs := m.regs[m.cur]
	regs[full] = regs[full]&^(mask<<shift) | (value&mask)<<shift
	return nil
}

func (m *Machine) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		buf[i] = m.mem[addr+uint64(i)]
	}
	return len(buf), nil
}

// WriteMemory changes memory at the current cycle only; the change is
// not part of the recording and is lost when the position moves over it.
func (m *Machine) WriteMemory(addr uint64, data []byte) (int, error) {
	for i, b := range data {
		m.mem[addr+uint64(i)] = b
	}
	return len(data), nil
}

func (m *Machine) PrivilegeLevel() int {
	return m.arch.PrivilegeLevel(m)
}

func (m *Machine) PageEntries() []proc.PageEntry {
	r := make([]proc.PageEntry, 0, len(m.pages))
	for _, p := range m.pages {
		r = append(r, proc.PageEntry{Logical: p.Logical, Physical: p.Physical, Entry: p.Entry})
	}
	return r
}

// V2P translates a linear address; unmapped addresses translate to
// themselves.
func (m *Machine) V2P(addr uint64) uint64 {
	size := m.target.Page()
	for _, p := range m.pages {
		if addr >= p.Logical && addr-p.Logical < size {
			return p.Physical + (addr - p.Logical)
		}
	}
	return addr
}

func (m *Machine) CurrentProcess() (int, string) {
	pid := m.steps[m.cur].Pid
	return pid, m.tasks[pid].Comm
}

func (m *Machine) CurrentTask() proc.TaskRecord {
	return proc.TaskRecord(m.tasks[m.steps[m.cur].Pid].Rec)
}

// TaskRecordFor only resolves pids that have been scheduled by the
// current cycle.
func (m *Machine) TaskRecordFor(pid int) (proc.TaskRecord, bool) {
	t, ok := m.tasks[pid]
	if !ok || !m.seen[m.cur][pid] {
		return 0, false
	}
	return proc.TaskRecord(t.Rec), true
}

func (m *Machine) PidOf(rec proc.TaskRecord) int {
	return m.recs[uint64(rec)]
}

func (m *Machine) SyscallNumber(name string) int {
	if n, ok := m.syscalls[name]; ok {
		return n
	}
	return -1
}

func (m *Machine) SyscallName(num int) string {
	for name, n := range m.syscalls {
		if n == num {
			return name
		}
	}
	return fmt.Sprintf("syscall_%d", num)
}

func (m *Machine) FaultCycles(pid int) []uint64 {
	return m.faults[pid]
}

// Disassembler returns the decoder bound to the trace architecture.
func (m *Machine) Disassembler() *proc.Disassembler {
	return m.dis
}
