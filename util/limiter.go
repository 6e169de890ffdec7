/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Jan 11 07:40:22 2018 mstenber
 * Last modified: Tue Aug  4 09:03:00 2026 wtools
 *
 */

package util

import (
	"runtime"
	"sync"
)

const DefaultPerCPU = 1

// ParallelLimiter ensures that at most N particular things occur at
// the same time: essentially a semaphore with a trivial API (defer
// Limited()()). The daemons use one per concern to cap concurrent
// peer transfers and pipeline stage goroutines.
type ParallelLimiter struct {
	// How many things are allowed per CPU (defaults to DefaultPerCPU)
	LimitPerCPU int

	// How many things are allowed in total (by default derived from
	// LimitPerCPU)
	LimitTotal int

	lock        MutexLocked
	cond        sync.Cond
	running     int
	initialized bool
}

func (self *ParallelLimiter) init() {
	if self.LimitTotal == 0 {
		if self.LimitPerCPU == 0 {
			self.LimitPerCPU = DefaultPerCPU
		}
		self.LimitTotal = runtime.NumCPU() * self.LimitPerCPU
	}
	self.cond.L = &self.lock
	self.initialized = true
}

// Limited reserves one execution slot, blocking while the limit is
// reached, and returns the release function.
func (self *ParallelLimiter) Limited() func() {
	defer self.lock.Locked()()

	if !self.initialized {
		self.init()
	}

	for self.running >= self.LimitTotal {
		self.cond.Wait()
	}
	self.running++
	return func() {
		defer self.lock.Locked()()
		self.running--
		self.cond.Signal()
	}
}
