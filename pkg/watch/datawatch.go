package watch

import (
	"github.com/revmon/revmon/pkg/proc"
)

// DataWatch watches reads of buffers filled by the target, e.g. the
// destination of a read syscall.
type DataWatch struct {
	cm     *ContextManager
	ranges []proc.WatchSpec
	hap    int
	onHit  proc.BreakFunc
}

// NewDataWatch returns a DataWatch whose haps are managed by cm.
func NewDataWatch(cm *ContextManager) *DataWatch {
	return &DataWatch{cm: cm}
}

// SetRange adds [start, start+length) to the watched buffers. A range
// that overlaps an existing one replaces it.
func (dw *DataWatch) SetRange(start, length uint64) {
	if length == 0 {
		return
	}
	spec := proc.WatchSpec{Space: proc.Linear, Mode: proc.WatchRead, Addr: start, Len: length}
	kept := dw.ranges[:0]
	for _, r := range dw.ranges {
		if !r.Overlaps(start, int(length)) {
			kept = append(kept, r)
		}
	}
	dw.ranges = append(kept, spec)
	if dw.onHit != nil {
		if err := dw.rearm(); err != nil {
			dw.cm.log.Warnf("data watch: %v", err)
		}
	}
}

// Ranges returns the watched buffers.
func (dw *DataWatch) Ranges() []proc.WatchSpec {
	return append([]proc.WatchSpec(nil), dw.ranges...)
}

// Watch installs the data watch hap; onHit runs on every read.
func (dw *DataWatch) Watch(onHit proc.BreakFunc) error {
	dw.onHit = onHit
	return dw.rearm()
}

func (dw *DataWatch) rearm() error {
	dw.Stop()
	if len(dw.ranges) == 0 || dw.onHit == nil {
		return nil
	}
	handles := make([]int, 0, len(dw.ranges))
	for _, r := range dw.ranges {
		handles = append(handles, dw.cm.Breakpoint(r))
	}
	h, err := dw.cm.AddHap("dataWatch", dw.onHit, handles...)
	if err != nil {
		return err
	}
	dw.hap = h
	// without scheduling watches every task is live
	if dw.cm.Watching() || dw.cm.taskWatch == 0 {
		return dw.cm.Arm(h)
	}
	return nil
}

// Stop removes the data watch hap.
func (dw *DataWatch) Stop() {
	if dw.hap == 0 {
		return
	}
	dw.cm.DeleteHap(dw.hap)
	dw.hap = 0
}
