package watch

import (
	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/proc"
)

// ContextManager arms and disarms the haps of a Registry as tasks are
// scheduled, so that watches only fire while a tracked task runs.
type ContextManager struct {
	*Registry

	tasks proc.TaskInfo
	log   logflags.Logger

	// currentTask is the address the kernel writes on each task switch.
	currentTask uint64

	watchRecs   []proc.TaskRecord
	noWatch     []proc.TaskRecord
	pendingPids []int
	pidCache    []int

	watching     bool
	singleThread bool
	debugPid     int

	current   proc.TaskRecord
	taskWatch int
	taskCB    int
}

// NewContextManager returns a manager driving reg. currentTask is the
// address of the kernel's current task pointer; writes to it are
// scheduling changes.
func NewContextManager(reg *Registry, tasks proc.TaskInfo, currentTask uint64) *ContextManager {
	return &ContextManager{
		Registry:    reg,
		tasks:       tasks,
		log:         logflags.WatchLogger(),
		currentTask: currentTask,
	}
}

func contains(recs []proc.TaskRecord, rec proc.TaskRecord) bool {
	for _, r := range recs {
		if r == rec {
			return true
		}
	}
	return false
}

func remove(recs []proc.TaskRecord, rec proc.TaskRecord) ([]proc.TaskRecord, bool) {
	for i, r := range recs {
		if r == rec {
			return append(recs[:i], recs[i+1:]...), true
		}
	}
	return recs, false
}

func removePid(pids []int, pid int) ([]int, bool) {
	for i, p := range pids {
		if p == pid {
			return append(pids[:i], pids[i+1:]...), true
		}
	}
	return pids, false
}

func (cm *ContextManager) startTaskWatch() error {
	if cm.taskWatch != 0 {
		return nil
	}
	cm.current = cm.tasks.CurrentTask()
	if cm.currentTask == 0 {
		return nil
	}
	raw, err := cm.sub.InstallWatch(proc.WatchSpec{Space: proc.Linear, Mode: proc.WatchWrite, Addr: cm.currentTask, Len: 4})
	if err != nil {
		return err
	}
	cb, err := cm.sub.AddBreakCallback(func(hit proc.BreakHit) {
		cm.ChangedTask(proc.TaskRecord(hit.Value))
	}, raw, raw)
	if err != nil {
		cm.sub.RemoveWatch(raw)
		return err
	}
	cm.taskWatch, cm.taskCB = raw, cb
	return nil
}

// FollowScheduling installs the scheduling watch without adding a task
// to the watch set.
func (cm *ContextManager) FollowScheduling() error {
	return cm.startTaskWatch()
}

// StopWatchTasks removes the scheduling watch.
func (cm *ContextManager) StopWatchTasks() {
	if cm.taskWatch == 0 {
		return
	}
	cm.sub.RemoveBreakCallback(cm.taskCB)
	cm.sub.RemoveWatch(cm.taskWatch)
	cm.taskWatch, cm.taskCB = 0, 0
	cm.watching = false
}

// WatchTasks starts following scheduling changes and adds the current
// task to the watch set.
func (cm *ContextManager) WatchTasks() error {
	if err := cm.startTaskWatch(); err != nil {
		return err
	}
	cm.watching = true
	ctask := cm.tasks.CurrentTask()
	if contains(cm.watchRecs, ctask) {
		return nil
	}
	cm.watchRecs = append(cm.watchRecs, ctask)
	cm.pidCache = append(cm.pidCache, cm.tasks.PidOf(ctask))
	cm.log.Debugf("watching task %#x pid %d", ctask, cm.tasks.PidOf(ctask))
	return nil
}

// SetDebugPid selects the pid being debugged.
func (cm *ContextManager) SetDebugPid(pid int) {
	cm.debugPid = pid
}

// DebugPid returns the pid being debugged, zero if none.
func (cm *ContextManager) DebugPid() int {
	return cm.debugPid
}

// SetSingleThread restricts arming to the debugged pid when set.
func (cm *ContextManager) SetSingleThread(single bool) {
	cm.singleThread = single
}

// Track adds pid to the watch set. If pid has no task record yet the
// request is kept pending until pid is first scheduled.
func (cm *ContextManager) Track(pid int) {
	rec, ok := cm.tasks.TaskRecordFor(pid)
	if ok && contains(cm.watchRecs, rec) {
		cm.log.Debugf("track: pid %d already watched", pid)
		return
	}
	if !ok {
		cm.log.Debugf("track: pid %d has no task record, pending", pid)
		cm.pendingPids = append(cm.pendingPids, pid)
	} else {
		cm.watchRecs = append(cm.watchRecs, rec)
		if rec == cm.current && cm.taskWatch != 0 && !cm.watching {
			cm.watching = true
			cm.ArmAll(contains(cm.noWatch, rec))
		}
	}
	cm.pidCache = append(cm.pidCache, pid)
}

// Untrack removes pid from the watch set and reports whether it was
// the last watched task.
func (cm *ContextManager) Untrack(pid int) bool {
	cm.pendingPids, _ = removePid(cm.pendingPids, pid)
	rec, ok := cm.tasks.TaskRecordFor(pid)
	if !ok {
		return false
	}
	var removed bool
	cm.watchRecs, removed = remove(cm.watchRecs, rec)
	if !removed {
		return false
	}
	cm.pidCache, _ = removePid(cm.pidCache, pid)
	if len(cm.watchRecs) == 0 {
		cm.debugPid = 0
		cm.StopWatchTasks()
		return true
	}
	if pid == cm.debugPid && len(cm.pidCache) > 0 {
		cm.debugPid = cm.pidCache[0]
	}
	if rec == cm.current && cm.watching {
		cm.watching = false
		cm.DisarmAll(true)
	}
	return false
}

// WatchOnlyThis drops every watched task except the current one.
func (cm *ContextManager) WatchOnlyThis() {
	cur := cm.tasks.PidOf(cm.tasks.CurrentTask())
	for _, pid := range append([]int(nil), cm.pidCache...) {
		if pid != cur {
			cm.Untrack(pid)
		}
	}
}

// ExcludeButKeepAux moves the current task into the exclusion overlay:
// only auxiliary haps remain live while it runs.
func (cm *ContextManager) ExcludeButKeepAux() error {
	if len(cm.noWatch) == 0 && len(cm.watchRecs) == 0 {
		if err := cm.startTaskWatch(); err != nil {
			return err
		}
		cm.watching = true
	}
	rec := cm.tasks.CurrentTask()
	if !contains(cm.noWatch, rec) {
		cm.noWatch = append(cm.noWatch, rec)
	}
	cm.DisarmAll(true)
	cm.ArmAll(true)
	return nil
}

// Include takes the current task out of the exclusion overlay.
func (cm *ContextManager) Include() {
	rec := cm.tasks.CurrentTask()
	var removed bool
	cm.noWatch, removed = remove(cm.noWatch, rec)
	if !removed {
		cm.log.Warnf("include: task %#x was not excluded", rec)
		return
	}
	if len(cm.noWatch) == 0 && len(cm.watchRecs) == 0 {
		cm.StopWatchTasks()
	}
	cm.ArmAll(false)
}

// ChangedTask is the scheduling-change handler: next is about to run.
func (cm *ContextManager) ChangedTask(next proc.TaskRecord) {
	prev := cm.current
	cm.current = next
	if len(cm.pendingPids) > 0 {
		pid := cm.tasks.PidOf(next)
		var found bool
		if cm.pendingPids, found = removePid(cm.pendingPids, pid); found {
			cm.log.Debugf("pending pid %d scheduled, watching task %#x", pid, next)
			cm.watchRecs = append(cm.watchRecs, next)
		}
	}

	wanted := contains(cm.watchRecs, next) || (len(cm.watchRecs) == 0 && len(cm.noWatch) > 0)
	switch {
	case !cm.watching && wanted && !(cm.singleThread && cm.tasks.PidOf(next) != cm.debugPid):
		cm.watching = true
		cm.ArmAll(contains(cm.noWatch, next))
	case cm.watching:
		switch {
		case contains(cm.noWatch, prev):
			if !contains(cm.noWatch, next) {
				cm.DisarmAll(false)
				cm.ArmAll(false)
			}
		case contains(cm.noWatch, next):
			cm.DisarmAll(false)
			cm.ArmAll(true)
		case len(cm.watchRecs) > 0 && !contains(cm.watchRecs, next):
			cm.watching = false
			cm.DisarmAll(true)
		}
	}
}

// Watching reports whether the current task's haps are live.
func (cm *ContextManager) Watching() bool {
	return cm.watching
}

// AmWatching reports whether pid is being watched.
func (cm *ContextManager) AmWatching(pid int) bool {
	ctask := cm.tasks.CurrentTask()
	if pid == cm.tasks.PidOf(ctask) && (contains(cm.watchRecs, ctask) || len(cm.watchRecs) == 0) {
		return true
	}
	for _, p := range cm.pidCache {
		if p == pid {
			return true
		}
	}
	return false
}

// ThreadPids returns the pids of the watched tasks.
func (cm *ContextManager) ThreadPids() []int {
	pids := make([]int, 0, len(cm.watchRecs))
	for _, rec := range cm.watchRecs {
		pids = append(pids, cm.tasks.PidOf(rec))
	}
	return pids
}

// PendingPids returns pids waiting for their first scheduling.
func (cm *ContextManager) PendingPids() []int {
	return append([]int(nil), cm.pendingPids...)
}
