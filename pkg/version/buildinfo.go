package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module, its dependencies and the vcs
// settings recorded by the toolchain.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 8, 1, '\t', 0)
	fmt.Fprintf(w, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(w, " dep\t%s\t%s\t=> %s %s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(w, " dep\t%s\t%s\t%s\n", dep.Path, dep.Version, dep.Sum)
	}
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			fmt.Fprintf(w, " %s\t%s\n", s.Key, s.Value)
		}
	}
	w.Flush()
	return b.String()
}
