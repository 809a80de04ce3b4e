package terminal

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/revmon/revmon/pkg/config"
	"github.com/revmon/revmon/pkg/session"
)

// setting is a user configuration key settable from the terminal.
type setting struct {
	name string
	get  func(*config.Config) string
	set  func(*config.Config, string) error
}

var settings = []setting{
	{
		name: "default-arch",
		get:  func(c *config.Config) string { return c.DefaultArch },
		set: func(c *config.Config, v string) error {
			switch v {
			case "x86-32", "x86-64", "arm", "":
				c.DefaultArch = v
				return nil
			}
			return fmt.Errorf("unknown architecture %q, expected x86-32, x86-64 or arm", v)
		},
	},
	{
		name: "max-bookmarks",
		get:  func(c *config.Config) string { return strconv.Itoa(c.MaxBookmarks) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("argument to \"max-bookmarks\" must be a number not less than zero")
			}
			c.MaxBookmarks = n
			return nil
		},
	},
	{
		name: "history-file",
		get:  func(c *config.Config) string { return c.HistoryFile },
		set: func(c *config.Config, v string) error {
			c.HistoryFile = v
			return nil
		},
	},
}

func findSetting(name string) (setting, bool) {
	for _, s := range settings {
		if s.name == name {
			return s, true
		}
	}
	return setting{}, false
}

func configureCmd(t *Term, ctx callContext, args string) error {
	v := split2PartsBySpace(args)
	var rest string
	if len(v) == 2 {
		rest = v[1]
	}
	switch v[0] {
	case "":
		return errors.New("wrong number of arguments to \"config\"")
	case "-list":
		return configureList(t, ctx.Session)
	case "-save":
		return config.SaveConfig(t.conf)
	case "alias":
		return configureSetAlias(t, rest)
	case "protect", "unprotect":
		if ctx.Session == nil {
			return errNoSession
		}
		return configureProtect(ctx.Session, v[0], rest)
	}
	s, ok := findSetting(v[0])
	if !ok {
		return fmt.Errorf("%q is not a configuration parameter", v[0])
	}
	return s.set(t.conf, rest)
}

func configureList(t *Term, s *session.Session) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, st := range settings {
		val := st.get(t.conf)
		if val == "" {
			val = "<not defined>"
		}
		fmt.Fprintf(w, "%s\t%s\n", st.name, val)
	}
	fmt.Fprintf(w, "aliases\t%s\n", formatAliases(t.conf.Aliases))
	if s != nil {
		fmt.Fprintf(w, "\ntarget of session %s\n", s.ID[:8])
		printTarget(w, s.Target())
	}
	return w.Flush()
}

func formatAliases(aliases map[string][]string) string {
	if len(aliases) == 0 {
		return "<not defined>"
	}
	cmds := make([]string, 0, len(aliases))
	for cmd := range aliases {
		if len(aliases[cmd]) > 0 {
			cmds = append(cmds, cmd)
		}
	}
	sort.Strings(cmds)
	parts := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		parts = append(parts, cmd+"="+strings.Join(aliases[cmd], ","))
	}
	return strings.Join(parts, " ")
}

// printTarget writes the profile a trace was recorded with.
func printTarget(w io.Writer, tgt config.Target) {
	addrs := func(a []uint64) string {
		if len(a) == 0 {
			return "<none>"
		}
		s := make([]string, len(a))
		for i := range a {
			s[i] = fmt.Sprintf("%#x", a[i])
		}
		return strings.Join(s, " ")
	}
	fmt.Fprintf(w, "arch\t%s\n", tgt.Arch)
	fmt.Fprintf(w, "kernel-base\t%#x\n", tgt.KernelBase)
	fmt.Fprintf(w, "page-size\t%#x\n", tgt.Page())
	fmt.Fprintf(w, "syscall entries\t%s\n", addrs(tgt.EntryAddrs()))
	fmt.Fprintf(w, "syscall exits\t%s\n", addrs(tgt.ExitAddrs()))
	if tgt.CurrentTask != 0 {
		fmt.Fprintf(w, "current-task\t%#x\n", tgt.CurrentTask)
	}
	for _, r := range tgt.Protected {
		fmt.Fprintf(w, "protected\t%#x-%#x\n", r.Start, r.Start+r.Length)
	}
}

func configureProtect(s *session.Session, op, args string) error {
	if op == "unprotect" {
		start, err := strconv.ParseUint(strings.TrimSpace(args), 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q", args)
		}
		return s.Unprotect(start)
	}
	start, n, err := parseAddrLen(args, 0)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("protect needs a start address and a length")
	}
	return s.Protect(start, n)
}

func configureSetAlias(t *Term, rest string) error {
	argv, err := splitArgs(rest)
	if err != nil {
		return err
	}
	switch len(argv) {
	case 1:
		for cmd, aliases := range t.conf.Aliases {
			for i := range aliases {
				if aliases[i] == argv[0] {
					t.conf.Aliases[cmd] = append(aliases[:i], aliases[i+1:]...)
					break
				}
			}
		}
	case 2:
		cmd, alias := argv[0], argv[1]
		if !t.cmds.has(cmd) {
			return fmt.Errorf("unknown command %q", cmd)
		}
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return errors.New("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}

func (c *Commands) has(name string) bool {
	for _, cmd := range c.cmds {
		if cmd.aliases[0] == name {
			return true
		}
	}
	return false
}
