/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Jan  8 10:19:05 2018 mstenber
 * Last modified: Tue Aug  4 09:05:00 2026 wtools
 *
 */

package util

import "sync"

// SimpleWaitGroup is sync.WaitGroup with the Add/Done pair folded
// into Go; the daemon mains use it to drain in-flight connection
// handlers at shutdown.
type SimpleWaitGroup struct {
	sync.WaitGroup
}

func (self *SimpleWaitGroup) Go(cb func()) {
	self.Add(1)
	go func() {
		defer self.Done()
		cb()
	}()
}
