// Package watch owns logical breakpoints and callbacks ("haps") and
// decides, as tasks are scheduled, which of them are live in the
// execution substrate.
package watch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/revmon/revmon/pkg/logflags"
	"github.com/revmon/revmon/pkg/proc"
)

// Breakpoint is a logical breakpoint. It only exists in the substrate
// while a hap using it is armed, or when it was set directly.
type Breakpoint struct {
	Handle int
	Spec   proc.WatchSpec

	raw    int
	active bool
}

// Hap is a logical callback over one or more logical breakpoints.
type Hap struct {
	Handle int
	Name   string
	// Aux haps stay live for tasks in the exclusion overlay.
	Aux bool

	fn    proc.BreakFunc
	bps   []*Breakpoint
	cb    int
	armed bool
}

// HapInfo describes a hap for listings.
type HapInfo struct {
	Handle      int
	Name        string
	Aux         bool
	Armed       bool
	Breakpoints []proc.WatchSpec
}

// NoHapError is returned when a hap handle is not registered, for
// instance because it was already deleted.
type NoHapError struct {
	Handle int
}

func (e NoHapError) Error() string {
	return fmt.Sprintf("no hap with handle %d", e.Handle)
}

// ErrNoBreakpoints is returned when a hap is created without breakpoints.
var ErrNoBreakpoints = errors.New("hap needs at least one breakpoint")

// Registry hands out stable logical handles and materializes them in
// the substrate only when armed.
type Registry struct {
	sub proc.Substrate
	log logflags.Logger

	breaks map[int]*Breakpoint
	haps   map[int]*Hap

	nextBreak int
	nextHap   int
}

// NewRegistry returns an empty registry over sub.
func NewRegistry(sub proc.Substrate) *Registry {
	return &Registry{
		sub:    sub,
		log:    logflags.WatchLogger(),
		breaks: make(map[int]*Breakpoint),
		haps:   make(map[int]*Hap),
	}
}

// Breakpoint registers a logical breakpoint without touching the
// substrate.
func (r *Registry) Breakpoint(spec proc.WatchSpec) int {
	r.nextBreak++
	r.breaks[r.nextBreak] = &Breakpoint{Handle: r.nextBreak, Spec: spec}
	return r.nextBreak
}

// SetBreakpoint registers a logical breakpoint and installs it at once,
// with no callback. Used for watches that only stop reverse runs.
func (r *Registry) SetBreakpoint(spec proc.WatchSpec) (int, error) {
	h := r.Breakpoint(spec)
	bp := r.breaks[h]
	raw, err := r.sub.InstallWatch(spec)
	if err != nil {
		delete(r.breaks, h)
		return 0, err
	}
	bp.raw, bp.active = raw, true
	return h, nil
}

// DeleteBreakpoint removes a breakpoint created by SetBreakpoint.
func (r *Registry) DeleteBreakpoint(handle int) error {
	bp, ok := r.breaks[handle]
	if !ok {
		return proc.NoBreakpointError{ID: handle}
	}
	delete(r.breaks, handle)
	if bp.active {
		bp.active = false
		return r.sub.RemoveWatch(bp.raw)
	}
	return nil
}

// RawBreakpoint returns the substrate id of an installed breakpoint.
func (r *Registry) RawBreakpoint(handle int) (int, bool) {
	bp, ok := r.breaks[handle]
	if !ok || !bp.active {
		return 0, false
	}
	return bp.raw, true
}

// AddHap registers a hap named name over the given breakpoint handles.
// A hap over a single breakpoint is armed immediately; a hap over a
// range is armed by Arm or ArmAll.
func (r *Registry) AddHap(name string, fn proc.BreakFunc, handles ...int) (int, error) {
	return r.addHap(name, false, fn, handles)
}

// AddAuxHap is like AddHap for auxiliary haps, which stay live while
// the current task is excluded.
func (r *Registry) AddAuxHap(name string, fn proc.BreakFunc, handles ...int) (int, error) {
	return r.addHap(name, true, fn, handles)
}

func (r *Registry) addHap(name string, aux bool, fn proc.BreakFunc, handles []int) (int, error) {
	if len(handles) == 0 {
		return 0, ErrNoBreakpoints
	}
	hap := &Hap{Name: name, Aux: aux, fn: fn}
	for _, h := range handles {
		bp, ok := r.breaks[h]
		if !ok {
			return 0, proc.NoBreakpointError{ID: h}
		}
		hap.bps = append(hap.bps, bp)
	}
	r.nextHap++
	hap.Handle = r.nextHap
	r.haps[hap.Handle] = hap
	if len(hap.bps) == 1 {
		if err := r.arm(hap); err != nil {
			delete(r.haps, hap.Handle)
			return 0, err
		}
	}
	r.log.Debugf("hap %d %q over %d breakpoints", hap.Handle, name, len(hap.bps))
	return hap.Handle, nil
}

func (r *Registry) arm(hap *Hap) error {
	if hap.armed {
		return nil
	}
	installed := make([]*Breakpoint, 0, len(hap.bps))
	rollback := func() {
		for _, bp := range installed {
			r.sub.RemoveWatch(bp.raw)
			bp.active = false
		}
	}
	for _, bp := range hap.bps {
		raw, err := r.sub.InstallWatch(bp.Spec)
		if err != nil {
			rollback()
			return err
		}
		bp.raw, bp.active = raw, true
		installed = append(installed, bp)
	}
	first, last := hap.bps[0].raw, hap.bps[len(hap.bps)-1].raw
	cb, err := r.sub.AddBreakCallback(hap.fn, first, last)
	if err != nil {
		rollback()
		return err
	}
	hap.cb = cb
	hap.armed = true
	return nil
}

func (r *Registry) disarm(hap *Hap) {
	if !hap.armed {
		return
	}
	if err := r.sub.RemoveBreakCallback(hap.cb); err != nil {
		r.log.Warnf("hap %d: %v", hap.Handle, err)
	}
	for _, bp := range hap.bps {
		if !bp.active {
			continue
		}
		if err := r.sub.RemoveWatch(bp.raw); err != nil {
			r.log.Warnf("hap %d: %v", hap.Handle, err)
		}
		bp.active = false
	}
	hap.armed = false
}

// Arm materializes a hap in the substrate.
func (r *Registry) Arm(handle int) error {
	hap, ok := r.haps[handle]
	if !ok {
		return NoHapError{handle}
	}
	return r.arm(hap)
}

// Disarm removes a hap from the substrate but keeps it registered.
func (r *Registry) Disarm(handle int) error {
	hap, ok := r.haps[handle]
	if !ok {
		return NoHapError{handle}
	}
	r.disarm(hap)
	return nil
}

// DeleteHap disarms a hap and forgets it and its breakpoints.
func (r *Registry) DeleteHap(handle int) error {
	hap, ok := r.haps[handle]
	if !ok {
		r.log.Debugf("delete of unknown hap %d ignored", handle)
		return NoHapError{handle}
	}
	r.disarm(hap)
	for _, bp := range hap.bps {
		delete(r.breaks, bp.Handle)
	}
	delete(r.haps, handle)
	return nil
}

func (r *Registry) sortedHaps() []*Hap {
	haps := make([]*Hap, 0, len(r.haps))
	for _, hap := range r.haps {
		haps = append(haps, hap)
	}
	sort.Slice(haps, func(i, j int) bool { return haps[i].Handle < haps[j].Handle })
	return haps
}

// ArmAll arms every non-auxiliary hap, or only the auxiliary ones when
// auxOnly is set.
func (r *Registry) ArmAll(auxOnly bool) {
	for _, hap := range r.sortedHaps() {
		if hap.Aux != auxOnly {
			continue
		}
		if err := r.arm(hap); err != nil {
			r.log.Errorf("could not arm hap %d %q: %v", hap.Handle, hap.Name, err)
		}
	}
}

// DisarmAll disarms every hap, leaving auxiliary haps armed when keepAux
// is set.
func (r *Registry) DisarmAll(keepAux bool) {
	for _, hap := range r.sortedHaps() {
		if keepAux && hap.Aux {
			continue
		}
		r.disarm(hap)
	}
}

// Armed reports whether a hap is currently live in the substrate.
func (r *Registry) Armed(handle int) bool {
	hap, ok := r.haps[handle]
	return ok && hap.armed
}

// Haps lists the registered haps in handle order.
func (r *Registry) Haps() []HapInfo {
	var infos []HapInfo
	for _, hap := range r.sortedHaps() {
		info := HapInfo{Handle: hap.Handle, Name: hap.Name, Aux: hap.Aux, Armed: hap.armed}
		for _, bp := range hap.bps {
			info.Breakpoints = append(info.Breakpoints, bp.Spec)
		}
		infos = append(infos, info)
	}
	return infos
}
