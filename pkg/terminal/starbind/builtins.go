package starbind

import (
	"errors"
	"fmt"
	"io/ioutil"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"github.com/revmon/revmon/pkg/session"
	"github.com/revmon/revmon/pkg/sysret"
)

var errNoSession = errors.New("no session")

// param binds a positional or keyword argument of a builtin to dst.
type param struct {
	name string
	dst  interface{}
}

func bindArgs(args starlark.Tuple, kwargs []starlark.Tuple, params ...param) error {
	if len(args) > len(params) {
		return fmt.Errorf("too many arguments: want at most %d, got %d", len(params), len(args))
	}
	for i := range args {
		if err := fromValue(args[i], params[i].dst, params[i].name); err != nil {
			return err
		}
	}
	for _, kv := range kwargs {
		name := string(kv[0].(starlark.String))
		found := false
		for _, p := range params {
			if p.name == name {
				if err := fromValue(kv[1], p.dst, p.name); err != nil {
					return err
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown argument %q", name)
		}
	}
	return nil
}

// call is the body of a builtin. s is nil for builtins that do not need
// a session.
type call func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error)

type builtins struct {
	env  *Env
	dict starlark.StringDict
	doc  map[string]string
}

func (b *builtins) add(name, argdoc, help string, needSession bool, fn call) {
	b.dict[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, decorateError(thread, err)
		}
		var s *session.Session
		if needSession {
			if s = b.env.ctx.Session(); s == nil {
				return starlark.None, decorateError(thread, errNoSession)
			}
		}
		v, err := fn(s, args, kwargs)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return toValue(v), nil
	})
	b.doc[name] = name + argdoc + "\n\n" + name + " " + help
}

// def adds a builtin that drives the current session.
func (b *builtins) def(name, argdoc, help string, fn call) {
	b.add(name, argdoc, help, true, fn)
}

// global adds a builtin usable without a session.
func (b *builtins) global(name, argdoc, help string, fn call) {
	b.add(name, argdoc, help, false, fn)
}

func noargs(fn func(s *session.Session) (interface{}, error)) call {
	return func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		if err := bindArgs(args, kwargs); err != nil {
			return nil, err
		}
		return fn(s)
	}
}

func oneArg(name string, fn func(s *session.Session, arg string) (interface{}, error)) call {
	return func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var v string
		if err := bindArgs(args, kwargs, param{name, &v}); err != nil {
			return nil, err
		}
		return fn(s, v)
	}
}

func pidArg(fn func(s *session.Session, pid int) (interface{}, error)) call {
	return func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var pid int
		if err := bindArgs(args, kwargs, param{"Pid", &pid}); err != nil {
			return nil, err
		}
		return fn(s, pid)
	}
}

// predeclare returns the builtins of env and their documentation.
func (env *Env) predeclare() (starlark.StringDict, map[string]string) {
	b := &builtins{env: env, dict: starlark.StringDict{}, doc: map[string]string{}}
	b.searches()
	b.positions()
	b.syscalls()
	b.watches()
	b.inspection()
	b.scripting()
	return b.dict, b.doc
}

func (b *builtins) searches() {
	b.def("uncall", "()", "reverses to the call that entered the current function.", noargs(func(s *session.Session) (interface{}, error) {
		return s.Uncall()
	}))
	b.def("rev_to_call", "(Into=False)", `reverses one instruction.

If the previous instruction returned from a call, the search stops at the
call instruction unless Into is set, in which case it stops at the return.`, func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var into bool
		if err := bindArgs(args, kwargs, param{"Into", &into}); err != nil {
			return nil, err
		}
		if into {
			return s.RevInto()
		}
		return s.RevOver()
	})
	b.def("rev_reg", "(Reg)", "reverses to the most recent modification of register Reg.", oneArg("Reg", func(s *session.Session, reg string) (interface{}, error) {
		return s.RevReg(reg)
	}))
	b.def("taint_reg", "(Reg)", "follows the value of register Reg back to its source.", oneArg("Reg", func(s *session.Session, reg string) (interface{}, error) {
		return s.TaintReg(reg)
	}))
	b.def("taint_addr", "(Addr, Len=4)", "follows the Len bytes at Addr back to their source.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var addr uint64
		n := 4
		if err := bindArgs(args, kwargs, param{"Addr", &addr}, param{"Len", &n}); err != nil {
			return nil, err
		}
		return s.TaintAddr(addr, n)
	})
	b.def("last_result", "()", "returns the result of the most recent search, or None.", noargs(func(s *session.Session) (interface{}, error) {
		if r, ok := s.LastResult(); ok {
			return r, nil
		}
		return nil, nil
	}))
}

func (b *builtins) positions() {
	b.def("cont", "(Cycles=0)", "runs forward Cycles cycles, or until something stops execution if Cycles is zero.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var n uint64
		if err := bindArgs(args, kwargs, param{"Cycles", &n}); err != nil {
			return nil, err
		}
		return s.Continue(n)
	})
	b.def("skip_to", "(Cycle)", "moves to Cycle.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var cycle uint64
		if err := bindArgs(args, kwargs, param{"Cycle", &cycle}); err != nil {
			return nil, err
		}
		return nil, s.SkipTo(cycle)
	})
	b.def("goto", "(Bookmark)", "moves to the bookmark whose name starts with Bookmark.", oneArg("Bookmark", func(s *session.Session, name string) (interface{}, error) {
		return s.GoTo(name)
	}))
	b.def("bookmarks", "()", "returns the list of bookmarks, oldest first.", noargs(func(s *session.Session) (interface{}, error) {
		return s.Bookmarks(), nil
	}))
	b.def("set_bookmark", "(Name)", "bookmarks the current position.", oneArg("Name", func(s *session.Session, name string) (interface{}, error) {
		if name == "" {
			return nil, errors.New("empty bookmark name")
		}
		s.SetBookmark(name)
		return nil, nil
	}))
}

func (b *builtins) syscalls() {
	b.def("trace", "(Calls=[], Match=\"\", Break=False)", `starts tracing syscalls.

Calls restricts tracing to the named calls. Completions whose parameters
contain Match are bookmarked and, if Break is set, stop execution.`, func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var calls []string
		var match string
		var brk bool
		if err := bindArgs(args, kwargs, param{"Calls", &calls}, param{"Match", &match}, param{"Break", &brk}); err != nil {
			return nil, err
		}
		return nil, s.Trace(calls, match, brk)
	})
	b.def("stop_trace", "()", "stops tracing syscalls.", noargs(func(s *session.Session) (interface{}, error) {
		s.StopTrace()
		return nil, nil
	}))
	b.def("calls", "(Pid=0)", "returns the syscalls completed while tracing, only those of Pid if it is not zero.", pidArg(func(s *session.Session, pid int) (interface{}, error) {
		return s.Calls(pid), nil
	}))
	b.def("procs", "()", "returns the processes seen by the syscall tracer.", noargs(func(s *session.Session) (interface{}, error) {
		table := s.Procs()
		var r []*sysret.Proc
		for _, pid := range table.Pids() {
			if p, ok := table.Get(pid); ok {
				r = append(r, p)
			}
		}
		return r, nil
	}))
	b.def("fds", "(Pid)", "returns the file descriptors of Pid seen by the syscall tracer.", pidArg(func(s *session.Session, pid int) (interface{}, error) {
		return s.Procs().FDs(pid), nil
	}))
	b.def("syscall_entries", "(Pid)", "returns the cycles at which Pid entered the kernel.", pidArg(func(s *session.Session, pid int) (interface{}, error) {
		return s.SyscallEntries(pid), nil
	}))
}

func (b *builtins) watches() {
	b.def("track", "(Pid)", "adds Pid to the watched processes.", pidArg(func(s *session.Session, pid int) (interface{}, error) {
		return nil, s.Track(pid)
	}))
	b.def("untrack", "(Pid)", "removes Pid from the watched processes.", pidArg(func(s *session.Session, pid int) (interface{}, error) {
		s.Untrack(pid)
		return nil, nil
	}))
	b.def("exclude", "()", "suspends all but auxiliary watches while the current process runs.", noargs(func(s *session.Session) (interface{}, error) {
		return nil, s.Exclude()
	}))
	b.def("include", "()", "undoes exclude for the current process.", noargs(func(s *session.Session) (interface{}, error) {
		s.Include()
		return nil, nil
	}))
	b.def("tracked", "()", "returns the pids of the watched processes.", noargs(func(s *session.Session) (interface{}, error) {
		return s.ThreadPids(), nil
	}))
	b.def("haps", "()", "returns the live watch groups.", noargs(func(s *session.Session) (interface{}, error) {
		return s.Haps(), nil
	}))
	b.def("watch_data", "(Addr, Len)", "stops execution when the Len bytes at Addr are accessed.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var addr, n uint64
		if err := bindArgs(args, kwargs, param{"Addr", &addr}, param{"Len", &n}); err != nil {
			return nil, err
		}
		return nil, s.WatchData(addr, n)
	})
	b.def("protect", "(Start, Len)", "protects the Len bytes at Start. Taint chases stop when they reach them.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var start, n uint64
		if err := bindArgs(args, kwargs, param{"Start", &start}, param{"Len", &n}); err != nil {
			return nil, err
		}
		return nil, s.Protect(start, n)
	})
	b.def("unprotect", "(Start)", "removes the protected region starting at Start.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var start uint64
		if err := bindArgs(args, kwargs, param{"Start", &start}); err != nil {
			return nil, err
		}
		return nil, s.Unprotect(start)
	})
}

func (b *builtins) inspection() {
	b.def("regs", "()", "returns the registers at the current cycle as a dictionary.", noargs(func(s *session.Session) (interface{}, error) {
		regs := s.Registers()
		m := make(map[string]uint64, len(regs))
		for _, reg := range regs {
			m[reg.Name] = reg.Value
		}
		return m, nil
	}))
	b.def("cycle", "()", "returns the current cycle.", noargs(func(s *session.Session) (interface{}, error) {
		return s.Cycle(), nil
	}))
	b.def("where", "()", "returns the current location.", noargs(func(s *session.Session) (interface{}, error) {
		return s.Where(), nil
	}))
	b.def("target", "()", "returns the profile of the recorded target.", noargs(func(s *session.Session) (interface{}, error) {
		return s.Target(), nil
	}))
	b.def("disassemble", "(Count=10)", "decodes Count instructions at the current pc.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		count := 10
		if err := bindArgs(args, kwargs, param{"Count", &count}); err != nil {
			return nil, err
		}
		return s.Disassemble(count)
	})
	b.def("read_memory", "(Addr, Len)", "returns Len bytes of memory at Addr as a list of integers.", func(s *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		var addr uint64
		var n int
		if err := bindArgs(args, kwargs, param{"Addr", &addr}, param{"Len", &n}); err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid length %d", n)
		}
		return s.ReadMemory(addr, n)
	})
}

func (b *builtins) scripting() {
	env := b.env
	b.global("revmon_command", "(Command)", "runs a terminal command.", func(_ *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		argstrs := make([]string, len(args))
		for i := range args {
			a, ok := args[i].(starlark.String)
			if !ok {
				return nil, errors.New("argument of revmon_command is not a string")
			}
			argstrs[i] = string(a)
		}
		return nil, env.ctx.CallCommand(strings.Join(argstrs, " "))
	})
	b.global("read_file", "(Path)", "reads a file.", oneArg("Path", func(_ *session.Session, path string) (interface{}, error) {
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return string(buf), nil
	}))
	b.global("write_file", "(Path, Text)", "writes Text to the file at Path.", func(_ *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("wrong number of arguments")
		}
		path, ok := args[0].(starlark.String)
		if !ok {
			return nil, errors.New("first argument of write_file was not a string")
		}
		text := args[1].String()
		if s, ok := args[1].(starlark.String); ok {
			text = string(s)
		}
		return nil, ioutil.WriteFile(string(path), []byte(text), 0640)
	})
	b.global("help", "(Object)", "prints help for Object, or lists the builtins.", func(_ *session.Session, args starlark.Tuple, kwargs []starlark.Tuple) (interface{}, error) {
		switch len(args) {
		case 0:
			names := make([]string, 0, len(b.doc))
			for name := range b.doc {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintln(env.out, "Available builtins:")
			for _, name := range names {
				fmt.Fprintf(env.out, "\t%s\n", name)
			}
		case 1:
			switch x := args[0].(type) {
			case *starlark.Builtin:
				if d := b.doc[x.Name()]; d != "" {
					fmt.Fprintln(env.out, d)
				} else {
					fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
				}
			case *starlark.Function:
				fmt.Fprintf(env.out, "user defined function %s\n", x.Name())
				if d := x.Doc(); d != "" {
					fmt.Fprintln(env.out, d)
				}
			default:
				fmt.Fprintf(env.out, "no help for object of type %s\n", args[0].Type())
			}
		default:
			return nil, fmt.Errorf("wrong number of arguments: %d", len(args))
		}
		return nil, nil
	})
}
