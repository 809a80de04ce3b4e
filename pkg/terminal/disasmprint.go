package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/revmon/revmon/pkg/proc"
)

func disasmPrint(dv []*proc.AsmInstruction, pc uint64, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atpc := ""
		if inst.PC == pc {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%#x\t%x\t%s\n", atpc, inst.PC, inst.Bytes, inst.Text)
	}
}
