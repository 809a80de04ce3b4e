package sysret

import (
	"fmt"
	"sort"
)

// FDKind is what a file descriptor refers to.
type FDKind uint8

const (
	FileFD FDKind = iota
	PipeFD
	SocketFD
)

func (k FDKind) String() string {
	switch k {
	case PipeFD:
		return "pipe"
	case SocketFD:
		return "socket"
	}
	return "file"
}

// FD is an open file descriptor of a traced process.
type FD struct {
	Num  int
	Kind FDKind
	Name string
}

func (fd FD) String() string {
	if fd.Name == "" {
		return fmt.Sprintf("%d %s", fd.Num, fd.Kind)
	}
	return fmt.Sprintf("%d %s %s", fd.Num, fd.Kind, fd.Name)
}

// Proc is a process seen by the correlator.
type Proc struct {
	Pid    int
	Parent int
	Comm   string
	fds    map[int]FD
}

// ProcTable is the correlator's view of processes and their open file
// descriptors, built from completed syscalls.
type ProcTable struct {
	procs map[int]*Proc
}

// NewProcTable returns an empty table.
func NewProcTable() *ProcTable {
	return &ProcTable{procs: make(map[int]*Proc)}
}

// AddProc adds pid and reports whether it was new.
func (t *ProcTable) AddProc(pid, parent int, comm string) bool {
	if _, ok := t.procs[pid]; ok {
		return false
	}
	t.procs[pid] = &Proc{Pid: pid, Parent: parent, Comm: comm, fds: make(map[int]FD)}
	return true
}

// Exists reports whether pid is known.
func (t *ProcTable) Exists(pid int) bool {
	_, ok := t.procs[pid]
	return ok
}

// Get returns the process pid.
func (t *ProcTable) Get(pid int) (*Proc, bool) {
	p, ok := t.procs[pid]
	return p, ok
}

// Pids returns the known pids in order.
func (t *ProcTable) Pids() []int {
	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// SetComm renames pid, e.g. after execve.
func (t *ProcTable) SetComm(pid int, comm string) {
	if p, ok := t.procs[pid]; ok {
		p.Comm = comm
	}
}

func (t *ProcTable) set(pid int, fd FD) {
	p, ok := t.procs[pid]
	if !ok {
		t.AddProc(pid, 0, "")
		p = t.procs[pid]
	}
	p.fds[fd.Num] = fd
}

// Open records fd as an open file named name.
func (t *ProcTable) Open(pid int, name string, fd int) {
	t.set(pid, FD{Num: fd, Kind: FileFD, Name: name})
}

// Close forgets fd.
func (t *ProcTable) Close(pid, fd int) {
	if p, ok := t.procs[pid]; ok {
		delete(p.fds, fd)
	}
}

// Dup makes newFD refer to what oldFD refers to.
func (t *ProcTable) Dup(pid, oldFD, newFD int) {
	p, ok := t.procs[pid]
	if !ok {
		return
	}
	fd, ok := p.fds[oldFD]
	if !ok {
		fd = FD{Kind: FileFD}
	}
	fd.Num = newFD
	p.fds[newFD] = fd
}

// Pipe records both ends of a pipe.
func (t *ProcTable) Pipe(pid, r, w int) {
	t.set(pid, FD{Num: r, Kind: PipeFD, Name: fmt.Sprintf("pipe[%d,%d]", r, w)})
	t.set(pid, FD{Num: w, Kind: PipeFD, Name: fmt.Sprintf("pipe[%d,%d]", r, w)})
}

// Socket records a new socket.
func (t *ProcTable) Socket(pid, fd int) {
	t.set(pid, FD{Num: fd, Kind: SocketFD})
}

// Accept records a connection accepted on sock.
func (t *ProcTable) Accept(pid, sock, fd int) {
	t.set(pid, FD{Num: fd, Kind: SocketFD, Name: fmt.Sprintf("accepted on %d", sock)})
}

// CopyOpen gives child a copy of parent's descriptors.
func (t *ProcTable) CopyOpen(parent, child int) {
	p, ok := t.procs[parent]
	if !ok {
		return
	}
	for _, fd := range p.fds {
		t.set(child, fd)
	}
}

// FDs returns the open descriptors of pid in order.
func (t *ProcTable) FDs(pid int) []FD {
	p, ok := t.procs[pid]
	if !ok {
		return nil
	}
	fds := make([]FD, 0, len(p.fds))
	for _, fd := range p.fds {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i].Num < fds[j].Num })
	return fds
}
