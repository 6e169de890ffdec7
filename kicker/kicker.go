/*
 * Created:       Tue Aug  4 15:55:00 2026 wtools
 *
 */

// kicker serializes background per-volume maintenance tasks (merge,
// apply, replicate, hash-sync) so that at most one runs at a time for
// a given volId while different volumes proceed concurrently. It is a
// thin rename of the teacher's util.MapRunner, keyed by volId instead
// of a filesystem inode.
package kicker

import "github.com/herumi/walb-tools/util"

// Kicker dispatches named tasks, queueing a task behind any
// already-running task for the same key.
type Kicker struct {
	runner util.MapRunner
	served util.AtomicInt
}

func New() *Kicker {
	return &Kicker{}
}

// Kick schedules task to run for volId. If a task is already running
// for volId, task runs after it finishes; tasks for distinct volIds
// run concurrently.
func (k *Kicker) Kick(volId string, task func()) {
	k.runner.Run(volId, func() {
		task()
		k.served.Add(1)
	})
}

// Served reports how many kicked tasks have run to completion, for
// a status/get poll of background maintenance activity.
func (k *Kicker) Served() int64 {
	return k.served.Get()
}

// Close blocks until every in-flight and queued task has finished;
// used by a daemon's graceful shutdown path (spec §6's "shutdown
// graceful"). A later Kick is not refused when Close found nothing
// running, and panics when Close had to wait.
func (k *Kicker) Close() {
	k.runner.Close()
}
