package proc

// Direction is the direction of execution requested from a Substrate.
type Direction uint8

const (
	// Forward runs the recording toward its end.
	Forward Direction = iota
	// Backward runs the recording toward its start.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// StopReason describes why a Substrate halted.
type StopReason uint8

const (
	// StopBreakpoint means an installed watch was hit.
	StopBreakpoint StopReason = iota
	// StopRequested means a break callback asked the substrate to stop.
	StopRequested
	// StopSteps means a bounded run consumed its step count.
	StopSteps
	// StopStartOfRecording means a backward run reached the first cycle.
	StopStartOfRecording
	// StopEndOfRecording means a forward run reached the last cycle.
	StopEndOfRecording
)

var stopReasonNames = [...]string{"breakpoint", "requested", "steps", "start of recording", "end of recording"}

func (r StopReason) String() string {
	if int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return "unknown"
}

// StopEvent is delivered to every stop callback when a run halts.
type StopEvent struct {
	Reason     StopReason
	Direction  Direction
	Cycle      uint64
	Breakpoint int // raw watch id when Reason is StopBreakpoint
	Message    string
}

// BreakHit describes a watch hit delivered to a break callback while the
// substrate runs forward.
type BreakHit struct {
	Breakpoint int
	Cycle      uint64
	Mode       WatchMode
	Addr       uint64
	Size       int
	Value      uint64 // value written, for write watches
}

// StopFunc is called once each time the substrate halts.
type StopFunc func(ev StopEvent)

// BreakFunc is called for each watch hit during a forward run.
type BreakFunc func(hit BreakHit)

// MemoryReadWriter is an interface for reading or writing to
// the target's memory.
type MemoryReadWriter interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// RegisterReader reads registers by their architectural name.
type RegisterReader interface {
	ReadRegister(name string) (uint64, error)
}

// Substrate is the record/replay execution engine the reverse
// navigation core is built on. Runs are asynchronous: RunForward and
// RunBackward only request a run; the substrate later delivers exactly
// one StopEvent to every registered stop callback.
type Substrate interface {
	RegisterReader
	MemoryReadWriter

	// CurrentCycle returns the position in the recording.
	CurrentCycle() uint64
	// StepBackward moves the position back n cycles synchronously.
	StepBackward(n uint64) error
	// SkipTo moves the position to cycle synchronously.
	SkipTo(cycle uint64) error
	// RunForward requests a forward run of n cycles, or until a watch
	// stops it if n is zero.
	RunForward(n uint64) error
	// RunBackward requests a backward run until a watch is hit or the
	// start of the recording is reached.
	RunBackward() error
	// Break asks a forward run in progress to halt after the current cycle.
	Break(msg string)

	InstallWatch(spec WatchSpec) (int, error)
	RemoveWatch(id int) error
	// AddBreakCallback registers fn for every watch id in [first, last].
	AddBreakCallback(fn BreakFunc, first, last int) (int, error)
	RemoveBreakCallback(id int) error
	OnStop(fn StopFunc) int
	RemoveStopCallback(id int)

	WriteRegister(name string, value uint64) error
	PrivilegeLevel() int
	PageEntries() []PageEntry
}

// PageEntry is a single present page of the current address space.
type PageEntry struct {
	Logical  uint64
	Physical uint64
	Entry    uint64 // raw page table entry bits
}

// TaskRecord is the address of a task's scheduler structure.
type TaskRecord uint64

// TaskInfo resolves processes from OS scheduler structures.
type TaskInfo interface {
	CurrentProcess() (pid int, comm string)
	CurrentTask() TaskRecord
	TaskRecordFor(pid int) (TaskRecord, bool)
	PidOf(rec TaskRecord) int
	SyscallNumber(name string) int
	SyscallName(num int) string
}

// FaultSource reports cycles at which page faults were taken by pid.
type FaultSource interface {
	FaultCycles(pid int) []uint64
}
