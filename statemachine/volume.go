/*
 * Created:       Tue Aug  4 09:40:00 2026 wtools
 *
 */

package statemachine

import (
	"fmt"
	"sync"

	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/walberr"
)

// Volume is the per-volume singleton of spec §4.1: the current
// VolState, the ActionCounter, and the StopState, all guarded by one
// short-held lock. Idle tasks (status queries) read Current() under
// the same lock without transitioning, matching the "coexist with a
// transient" requirement.
type Volume struct {
	mu      sync.Mutex
	cond    sync.Cond
	graph   *Graph
	current State

	actions map[string]int
	stop    stopValue
}

type stopValue int32

const (
	NotStopping stopValue = iota
	Stopping
	ForceStopping
)

// NewVolume creates a Volume whose state machine is graph and whose
// initial rest state is initial (the on-disk "state" file's value, or
// the role-specific Clear default on first access — spec §4.1's lazy
// registry rehydration).
func NewVolume(graph *Graph, initial State) *Volume {
	v := &Volume{graph: graph, current: initial, actions: make(map[string]int)}
	v.cond.L = &v.mu
	return v
}

// Current returns the volume's current state without transitioning.
func (v *Volume) Current() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Txn is a scoped state-machine transaction (spec §4.1 steps 1-5).
type Txn struct {
	v         *Volume
	from      State
	transient State
	done      bool
}

// Begin starts a transaction: under the volume's lock, assert the
// current state equals expectedFrom and that (expectedFrom,
// transient) is an enumerated edge, then atomically set the state to
// transient and release the lock. The caller must eventually call
// Commit or Rollback; Rollback is idempotent and safe to defer
// unconditionally.
func (v *Volume) Begin(expectedFrom, transient State) (*Txn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != expectedFrom {
		return nil, fmt.Errorf("%w: volume in %s, expected %s", walberr.BadState, v.current, expectedFrom)
	}
	if !v.graph.HasEdge(expectedFrom, transient) {
		return nil, fmt.Errorf("%w: no edge %s -> %s", walberr.BadState, expectedFrom, transient)
	}
	v.current = transient
	mlog.Printf2("statemachine/volume", "Begin %s -> %s", expectedFrom, transient)
	return &Txn{v: v, from: expectedFrom, transient: transient}, nil
}

// Commit re-acquires the lock and assigns finalRest, provided
// (transient, finalRest) is an enumerated edge. After Commit, a
// deferred Rollback is a no-op.
func (t *Txn) Commit(finalRest State) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	if !t.v.graph.HasEdge(t.transient, finalRest) {
		return fmt.Errorf("%w: no edge %s -> %s", walberr.BadState, t.transient, finalRest)
	}
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	t.v.current = finalRest
	t.done = true
	t.v.cond.Broadcast()
	mlog.Printf2("statemachine/volume", "Commit %s -> %s", t.transient, finalRest)
	return nil
}

// Rollback reverts to expectedFrom if the transaction was dropped
// without a Commit. Idempotent.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	t.v.current = t.from
	t.done = true
	t.v.cond.Broadcast()
	mlog.Printf2("statemachine/volume", "Rollback %s -> %s", t.transient, t.from)
}

// Transient returns the transient state this transaction is driving,
// for callers that need to poll StopState alongside it.
func (t *Txn) Transient() State {
	return t.transient
}

// ForceReset is the escape hatch that reset-vol uses
// to recover a volume stuck in a transient state after a failed
// transfer. Per spec §7, errors inside a transient state do not
// auto-revert to the rest state — a failed RunClient/RunServer simply
// returns its error, abandoning its Txn without committing, leaving
// v.current at the transient state. ForceReset is the only sanctioned
// way back, and it does not need the original (long-gone) Txn value:
// it re-derives the requirement directly from the Volume.
func (v *Volume) ForceReset(expectedTransient, to State) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != expectedTransient {
		return fmt.Errorf("%w: volume in %s, expected %s", walberr.BadState, v.current, expectedTransient)
	}
	v.current = to
	v.cond.Broadcast()
	mlog.Printf2("statemachine/volume", "ForceReset %s -> %s", expectedTransient, to)
	return nil
}

// --- Action counter (spec §4.1) ---

// IncrementAction records that one more instance of name is in
// flight.
func (v *Volume) IncrementAction(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.actions[name]++
}

// DecrementAction records that one instance of name has finished, and
// wakes any stop() waiting on it.
func (v *Volume) DecrementAction(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.actions[name]--
	if v.actions[name] < 0 {
		panic(fmt.Sprintf("statemachine: action counter %q went negative", name))
	}
	v.cond.Broadcast()
}

// BeginAction increments name and returns a function that decrements
// it; intended to be deferred immediately so it auto-decrements on
// drop (including panics), matching spec §4.1's scoped-transaction
// action counter.
func (v *Volume) BeginAction(name string) func() {
	v.IncrementAction(name)
	done := false
	return func() {
		if done {
			return
		}
		done = true
		v.DecrementAction(name)
	}
}

// IsAllZero reports whether every name in names has a zero count.
// Names not in names are ignored, even if non-zero — gating commands
// like clear-vol/stop/restore only cares about the documented
// conflicting action set.
func (v *Volume) IsAllZero(names []string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isAllZeroLocked(names)
}

func (v *Volume) isAllZeroLocked(names []string) bool {
	for _, n := range names {
		if v.actions[n] > 0 {
			return false
		}
	}
	return true
}

// --- Stop protocol (spec §4.1) ---

// TryStop atomically CASes StopState from NotStopping to Stopping (or
// ForceStopping if force), or upgrades an existing Stopping to
// ForceStopping. It returns true iff this call performed a state
// change, granting the caller the right to drive the transition.
func (v *Volume) TryStop(force bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	want := Stopping
	if force {
		want = ForceStopping
	}
	switch v.stop {
	case NotStopping:
		v.stop = want
		v.cond.Broadcast()
		return true
	case Stopping:
		if force {
			v.stop = ForceStopping
			v.cond.Broadcast()
			return true
		}
		return false
	default: // ForceStopping
		return false
	}
}

// StopState returns the current stop state for polling in tight
// transfer loops (spec §4.4, §4.5 "checks StopState every iteration").
func (v *Volume) StopState() stopValue {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stop
}

// IsForceStopping is the predicate data-plane workers poll in their
// tight loops.
func (v *Volume) IsForceStopping() bool {
	return v.StopState() == ForceStopping
}

// ResetStop clears StopState back to NotStopping; only process
// restart (or, for this in-process model, an explicit admin reset) may
// call this — StopState otherwise makes one-way transitions.
func (v *Volume) ResetStop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stop = NotStopping
	v.cond.Broadcast()
}

// WaitDrain blocks until every name in stoppableActions is zero and
// the volume is in one of restStates. It is the wait performed by
// step 1 of the stop protocol (spec §4.1).
func (v *Volume) WaitDrain(stoppableActions []string, restStates map[State]bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for !(v.isAllZeroLocked(stoppableActions) && restStates[v.current]) {
		v.cond.Wait()
	}
}
