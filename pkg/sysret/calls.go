package sysret

import (
	"fmt"
	"path"

	"github.com/revmon/revmon/pkg/proc"
)

const maxShownBytes = 1024

func (c *Correlator) readBytes(addr uint64, n int64) []byte {
	if n <= 0 || addr == 0 {
		return nil
	}
	if n > maxShownBytes {
		n = maxShownBytes
	}
	buf := make([]byte, n)
	if _, err := c.sub.ReadMemory(buf, addr); err != nil {
		return nil
	}
	return buf
}

// complete runs the call specific completion logic: bookkeeping in the
// process table, the data watch range and parameter matching.
func (c *Correlator) complete(comp Completion) Completion {
	info, pid, ret := comp.Info, comp.Pid, comp.Ret
	p := info.Params
	if p == nil {
		p = &CallParams{}
	}
	call := comp.Call
	if call == "socketcall" && info.SocketCall != "" {
		call = info.SocketCall
	}

	switch call {
	case "clone", "fork", "vfork":
		if ret == 120 {
			comp.Message = fmt.Sprintf("%s faux return pid:%d", call, pid)
			break
		}
		if ret > 0 {
			c.procs.AddProc(int(ret), pid, comp.Comm)
			c.procs.CopyOpen(pid, int(ret))
		}
		comp.Message = fmt.Sprintf("return from %s, new pid:%d  calling pid:%d", call, ret, pid)
		comp.Matched = ret > 0

	case "open":
		comp.Message = fmt.Sprintf("return from open pid:%d FD: %d file: %s", pid, ret, info.Fname)
		if ret >= 0 {
			c.procs.Open(pid, info.Fname, int(ret))
		}
		comp.Matched = ret >= 0 && p.matchString(info.Fname)

	case "close":
		if ret == 0 {
			c.procs.Close(pid, info.OldFD)
		}
		comp.Message = fmt.Sprintf("return from close pid:%d, FD: %d  eax: 0x%x", pid, info.OldFD, uint32(ret))
		comp.Matched = ret == 0 && p.matchNumber(int64(info.OldFD))

	case "read", "recv", "recvfrom":
		if ret < 0 {
			comp.Message = fmt.Sprintf("return from %s pid:%d FD: %d exception %d", call, pid, info.OldFD, ret)
			break
		}
		n := ret
		if call == "read" && n > 10 {
			n = 10
		}
		comp.Message = fmt.Sprintf("return from %s pid:%d FD: %d count: %d into 0x%x\n\t%x", call, pid, info.OldFD, ret, info.RetvalAddr, c.readBytes(info.RetvalAddr, n))
		comp.Matched = p.matchNumber(int64(info.OldFD))
		if comp.Matched && p.Break && c.data != nil && ret > 0 {
			c.data.SetRange(info.RetvalAddr, uint64(ret))
		}

	case "write", "send", "sendto":
		if ret < 0 {
			comp.Message = fmt.Sprintf("return from %s pid:%d FD: %d exception %d", call, pid, info.OldFD, ret)
			break
		}
		data := c.readBytes(info.RetvalAddr, ret)
		comp.Message = fmt.Sprintf("return from %s pid:%d FD: %d count: %d\n\t%s", call, pid, info.OldFD, ret, data)
		comp.Matched = ret < maxShownBytes && p.matchString(string(data))

	case "dup":
		if ret >= 0 {
			c.procs.Dup(pid, info.OldFD, int(ret))
			comp.Message = fmt.Sprintf("return from dup pid %d, old_fd: %d new: %d", pid, info.OldFD, ret)
			comp.Matched = p.matchNumber(int64(info.OldFD))
		}

	case "dup2":
		if ret >= 0 {
			if info.OldFD != info.NewFD {
				c.procs.Dup(pid, info.OldFD, info.NewFD)
			}
			comp.Message = fmt.Sprintf("return from dup2 pid:%d, old_fd: %d new: %d", pid, info.OldFD, ret)
			comp.Matched = p.matchNumber(int64(info.OldFD))
		}

	case "pipe", "pipe2":
		if ret == 0 {
			fd1, err1 := proc.ReadWord(c.sub, info.RetvalAddr, 4)
			fd2, err2 := proc.ReadWord(c.sub, info.RetvalAddr+4, 4)
			if err1 == nil && err2 == nil {
				c.procs.Pipe(pid, int(fd1), int(fd2))
				comp.Message = fmt.Sprintf("return from pipe pid:%d fd1 %d fd2 %d from 0x%x", pid, fd1, fd2, info.RetvalAddr)
			}
		}

	case "execve":
		c.rmPendingExecve(pid)
		if ret == 0 && info.Fname != "" {
			c.procs.SetComm(pid, path.Base(info.Fname))
		}
		comp.Message = fmt.Sprintf("return from execve pid:%d file: %s", pid, info.Fname)
		comp.Matched = p.matchString(info.Fname)

	case "socket":
		if ret >= 0 {
			c.procs.Socket(pid, int(ret))
		}
		comp.Message = fmt.Sprintf("return from socketcall SOCKET pid:%d, FD: %d", pid, ret)
		comp.Matched = ret >= 0

	case "accept":
		if ret >= 0 {
			c.procs.Accept(pid, info.OldFD, int(ret))
			comp.Message = fmt.Sprintf("return from socketcall ACCEPT pid:%d, sock_fd: %d  new_fd: %d", pid, info.OldFD, ret)
			comp.Matched = p.matchNumber(int64(info.OldFD))
		}

	case "connect", "bind", "listen":
		if ret < 0 {
			comp.Message = fmt.Sprintf("exception from socketcall %s pid:%d FD: %d, eax %d", call, pid, info.OldFD, ret)
			break
		}
		comp.Message = fmt.Sprintf("return from socketcall %s pid:%d FD: %d", call, pid, info.OldFD)
		comp.Matched = p.matchNumber(int64(info.OldFD))

	case "_llseek":
		result, _ := proc.ReadWord(c.sub, info.RetvalAddr, 4)
		comp.Message = fmt.Sprintf("return from _llseek pid:%d FD: %d result: 0x%x", pid, info.OldFD, result)

	case "ioctl":
		comp.Message = fmt.Sprintf("return from ioctl pid:%d FD: %d cmd: 0x%x eax: 0x%x", pid, info.OldFD, info.Cmd, uint32(ret))

	default:
		comp.Message = fmt.Sprintf("return from call %s code: 0x%x  pid:%d", call, uint64(ret), pid)
		comp.Matched = p.Match == ""
	}
	return comp
}
