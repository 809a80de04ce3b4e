package starbind

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkjson"

	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/session"
)

const (
	commandPrefix = "command_"
	contextName   = "revmon_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true

	starlark.Universe["time"] = startime.Module
	starlark.Universe["json"] = starlarkjson.Module
}

// Context gives scripts access to the current session and to the
// terminal commands.
type Context interface {
	Session() *session.Session
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
}

// EchoWriter is where script output goes. Echo writes to the transcript
// only.
type EchoWriter interface {
	io.Writer
	Echo(string)
	Flush()
}

// Env evaluates starlark scripts against a Context.
type Env struct {
	env starlark.StringDict
	doc map[string]string
	ctx Context
	out EchoWriter
	log logflags.Logger

	mu     sync.Mutex
	thread *starlark.Thread
	cancel context.CancelFunc
	loaded map[string]*loadEntry
}

// New returns an environment whose builtins act on ctx and print to out.
func New(ctx Context, out EchoWriter) *Env {
	env := &Env{ctx: ctx, out: out, log: logflags.StarlarkLogger()}
	env.env, env.doc = env.predeclare()
	return env
}

// Execute runs the script at path, or source if it is not nil. Source can
// be a string, a []byte or an io.Reader. If the script defines a function
// named mainFnName it is then called with args.
func (env *Env) Execute(path string, source interface{}, mainFnName string, args []interface{}) (_ starlark.Value, err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			env.log.Errorf("panic executing %s: %v", path, ierr)
			err = fmt.Errorf("panic executing starlark script: %v", ierr)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}
	if err := env.exportGlobals(globals); err != nil {
		return starlark.None, err
	}
	if mainFnName == "" {
		return starlark.None, nil
	}
	mainfn, ok := globals[mainFnName].(*starlark.Function)
	if !ok {
		if globals[mainFnName] != nil {
			return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
		}
		return starlark.None, nil
	}
	if mainfn.NumParams() != len(args) {
		return starlark.None, fmt.Errorf("wrong number of arguments for %s", mainFnName)
	}
	argtuple := make(starlark.Tuple, len(args))
	for i := range args {
		argtuple[i] = toValue(args[i])
	}
	return starlark.Call(thread, mainfn, argtuple, nil)
}

// exportGlobals makes functions named command_<name> terminal commands
// and adds globals starting with a capital letter to the environment.
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			if fn, ok := val.(*starlark.Function); ok {
				env.registerCommand(name[len(commandPrefix):], fn)
			}
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
	return nil
}

// registerCommand makes fn a terminal command. A function with a single
// parameter named args receives the command arguments as a string, any
// other function receives them evaluated as a starlark tuple.
func (env *Env) registerCommand(name string, fn *starlark.Function) {
	helpMsg := fn.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}
	raw := false
	if fn.NumParams() == 1 {
		p0, _ := fn.Param(0)
		raw = p0 == "args"
	}
	env.log.Debugf("registering command %s", name)
	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		thread := env.newThread()
		var argtuple starlark.Tuple
		if raw {
			argtuple = starlark.Tuple{starlark.String(args)}
		} else {
			v, err := starlark.Eval(thread, "<input>", "("+args+")", env.env)
			if err != nil {
				return err
			}
			t, ok := v.(starlark.Tuple)
			if !ok {
				t = starlark.Tuple{v}
			}
			argtuple = t
		}
		_, err := starlark.Call(thread, fn, argtuple, nil)
		return err
	})
}

// Cancel interrupts the running script, if any.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.cancel != nil {
		env.cancel()
		env.cancel = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) },
		Load:  env.load,
	}
	ctx, cancel := context.WithCancel(context.Background())
	env.mu.Lock()
	env.thread, env.cancel = thread, cancel
	env.mu.Unlock()
	thread.SetLocal(contextName, ctx)
	return thread
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(contextName).(context.Context); ok {
		return ctx.Err()
	}
	return nil
}

// decorateError prefixes err with the script position of the builtin call.
func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

// load runs each module once, with the environment's builtins, and
// caches its globals for later loads.
func (env *Env) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	env.mu.Lock()
	if env.loaded == nil {
		env.loaded = make(map[string]*loadEntry)
	}
	e, ok := env.loaded[module]
	if ok {
		env.mu.Unlock()
		if e == nil {
			return nil, fmt.Errorf("cycle in load graph at %s", module)
		}
		return e.globals, e.err
	}
	env.loaded[module] = nil
	env.mu.Unlock()

	lthread := &starlark.Thread{Name: "load " + module, Load: env.load, Print: thread.Print}
	lthread.SetLocal(contextName, thread.Local(contextName))
	globals, err := starlark.ExecFile(lthread, module, nil, env.env)
	e = &loadEntry{globals, err}

	env.mu.Lock()
	env.loaded[module] = e
	env.mu.Unlock()
	return e.globals, e.err
}
