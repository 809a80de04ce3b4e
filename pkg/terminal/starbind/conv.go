package starbind

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/revmon/revmon/pkg/bookmarks"
	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/proc"
	"github.com/revmon/revmon/pkg/reverse"
	"github.com/revmon/revmon/pkg/session"
	"github.com/revmon/revmon/pkg/sysret"
	"github.com/revmon/revmon/pkg/watch"
)

func record(name string, fields starlark.StringDict) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlark.String(name), fields)
}

func list(n int, elem func(i int) starlark.Value) *starlark.List {
	elems := make([]starlark.Value, n)
	for i := range elems {
		elems[i] = elem(i)
	}
	return starlark.NewList(elems)
}

func addrList(addrs []uint64) *starlark.List {
	return list(len(addrs), func(i int) starlark.Value { return starlark.MakeUint64(addrs[i]) })
}

// toValue converts a value returned by the session to starlark. Session
// types become structs named after what they describe: result, bookmark,
// location, instruction, stop, hap, fd, proc, call, region and target.
func toValue(v interface{}) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case starlark.Value:
		return v
	case bool:
		return starlark.Bool(v)
	case int:
		return starlark.MakeInt(v)
	case int64:
		return starlark.MakeInt64(v)
	case uint64:
		return starlark.MakeUint64(v)
	case string:
		return starlark.String(v)
	case error:
		return starlark.String(v.Error())
	case []byte:
		return list(len(v), func(i int) starlark.Value { return starlark.MakeInt(int(v[i])) })
	case []int:
		return list(len(v), func(i int) starlark.Value { return starlark.MakeInt(v[i]) })
	case []uint64:
		return addrList(v)
	case map[string]uint64:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		d := starlark.NewDict(len(v))
		for _, name := range names {
			d.SetKey(starlark.String(name), starlark.MakeUint64(v[name]))
		}
		return d

	case reverse.Result:
		return record("result", starlark.StringDict{
			"Outcome": starlark.String(v.Outcome.String()),
			"Cycle":   starlark.MakeUint64(v.Cycle),
			"PC":      starlark.MakeUint64(v.PC),
			"Message": starlark.String(v.Message),
			"Calls":   starlark.MakeInt(v.Calls),
			"Hops":    starlark.MakeInt(v.Hops),
		})
	case bookmarks.Bookmark:
		return record("bookmark", starlark.StringDict{
			"Name":  starlark.String(v.Name),
			"Cycle": starlark.MakeUint64(v.Cycle),
			"PC":    starlark.MakeUint64(v.PC),
		})
	case []bookmarks.Bookmark:
		return list(len(v), func(i int) starlark.Value { return toValue(v[i]) })
	case session.Location:
		return record("location", starlark.StringDict{
			"Cycle": starlark.MakeUint64(v.Cycle),
			"PC":    starlark.MakeUint64(v.PC),
			"Pid":   starlark.MakeInt(v.Pid),
			"Comm":  starlark.String(v.Comm),
			"User":  starlark.Bool(v.User),
			"Instr": toValue(v.Instr),
		})
	case *proc.AsmInstruction:
		if v == nil {
			return starlark.None
		}
		return record("instruction", starlark.StringDict{
			"PC":       starlark.MakeUint64(v.PC),
			"Size":     starlark.MakeInt(v.Size),
			"Bytes":    toValue(v.Bytes),
			"Mnemonic": starlark.String(v.Mnemonic),
			"Text":     starlark.String(v.Text),
			"IsCall":   starlark.Bool(v.IsCall()),
			"IsRet":    starlark.Bool(v.IsRet()),
		})
	case []*proc.AsmInstruction:
		return list(len(v), func(i int) starlark.Value { return toValue(v[i]) })
	case proc.StopEvent:
		return record("stop", starlark.StringDict{
			"Reason":    starlark.String(v.Reason.String()),
			"Direction": starlark.String(v.Direction.String()),
			"Cycle":     starlark.MakeUint64(v.Cycle),
			"Message":   starlark.String(v.Message),
		})
	case proc.WatchSpec:
		return record("watch", starlark.StringDict{
			"Space": starlark.String(v.Space.String()),
			"Mode":  starlark.String(v.Mode.String()),
			"Addr":  starlark.MakeUint64(v.Addr),
			"Len":   starlark.MakeUint64(v.Len),
		})
	case []proc.WatchSpec:
		return list(len(v), func(i int) starlark.Value { return toValue(v[i]) })
	case watch.HapInfo:
		return record("hap", starlark.StringDict{
			"Handle":      starlark.MakeInt(v.Handle),
			"Name":        starlark.String(v.Name),
			"Aux":         starlark.Bool(v.Aux),
			"Armed":       starlark.Bool(v.Armed),
			"Breakpoints": toValue(v.Breakpoints),
		})
	case []watch.HapInfo:
		return list(len(v), func(i int) starlark.Value { return toValue(v[i]) })
	case sysret.FD:
		return record("fd", starlark.StringDict{
			"Num":  starlark.MakeInt(v.Num),
			"Kind": starlark.String(v.Kind.String()),
			"Name": starlark.String(v.Name),
		})
	case []sysret.FD:
		return list(len(v), func(i int) starlark.Value { return toValue(v[i]) })
	case *sysret.Proc:
		return record("proc", starlark.StringDict{
			"Pid":    starlark.MakeInt(v.Pid),
			"Parent": starlark.MakeInt(v.Parent),
			"Comm":   starlark.String(v.Comm),
		})
	case []*sysret.Proc:
		return list(len(v), func(i int) starlark.Value { return toValue(v[i]) })
	case sysret.Completion:
		fields := starlark.StringDict{
			"Pid":     starlark.MakeInt(v.Pid),
			"Comm":    starlark.String(v.Comm),
			"Call":    starlark.String(v.Call),
			"Ret":     starlark.MakeInt64(v.Ret),
			"Message": starlark.String(v.Message),
			"Matched": starlark.Bool(v.Matched),
			"File":    starlark.String(""),
			"Entry":   starlark.MakeUint64(0),
		}
		if v.Info != nil {
			fields["File"] = starlark.String(v.Info.Fname)
			fields["Entry"] = starlark.MakeUint64(v.Info.SyscallEntry)
		}
		return record("call", fields)
	case []sysret.Completion:
		return list(len(v), func(i int) starlark.Value { return toValue(v[i]) })
	case config.Region:
		return record("region", starlark.StringDict{
			"Start":  starlark.MakeUint64(v.Start),
			"Length": starlark.MakeUint64(v.Length),
		})
	case config.Target:
		return record("target", starlark.StringDict{
			"Arch":        starlark.String(v.Arch),
			"KernelBase":  starlark.MakeUint64(v.KernelBase),
			"PageSize":    starlark.MakeUint64(v.Page()),
			"Entries":     addrList(v.EntryAddrs()),
			"Exits":       addrList(v.ExitAddrs()),
			"CurrentTask": starlark.MakeUint64(v.CurrentTask),
			"Protected":   list(len(v.Protected), func(i int) starlark.Value { return toValue(v.Protected[i]) }),
		})
	}
	if s, ok := v.(fmt.Stringer); ok {
		return starlark.String(s.String())
	}
	return starlark.String(fmt.Sprintf("%v", v))
}

// fromValue stores val in dst. Supported destinations are the argument
// types of the builtins: *int, *uint64, *string, *bool and *[]string.
func fromValue(val starlark.Value, dst interface{}, name string) error {
	if val == starlark.None {
		return nil
	}
	bad := func() error {
		return fmt.Errorf("argument %s: %s is not a valid %s", name, val.String(), argKind(dst))
	}
	switch dst := dst.(type) {
	case *int:
		i, ok := val.(starlark.Int)
		if !ok {
			return bad()
		}
		n, ok := i.Int64()
		if !ok {
			return bad()
		}
		*dst = int(n)
	case *uint64:
		i, ok := val.(starlark.Int)
		if !ok {
			return bad()
		}
		n, ok := i.Uint64()
		if !ok {
			return bad()
		}
		*dst = n
	case *string:
		s, ok := val.(starlark.String)
		if !ok {
			return bad()
		}
		*dst = string(s)
	case *bool:
		b, ok := val.(starlark.Bool)
		if !ok {
			return bad()
		}
		*dst = bool(b)
	case *[]string:
		seq, ok := val.(starlark.Iterable)
		if !ok {
			return bad()
		}
		var r []string
		it := seq.Iterate()
		defer it.Done()
		var x starlark.Value
		for it.Next(&x) {
			s, ok := x.(starlark.String)
			if !ok {
				return bad()
			}
			r = append(r, string(s))
		}
		*dst = r
	default:
		return fmt.Errorf("argument %s: unsupported destination %T", name, dst)
	}
	return nil
}

func argKind(dst interface{}) string {
	switch dst.(type) {
	case *int, *uint64:
		return "integer"
	case *string:
		return "string"
	case *bool:
		return "boolean"
	case *[]string:
		return "list of strings"
	}
	return "value"
}
