/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Mar 21 11:19:49 2018 mstenber
 * Last modified: Tue Aug  4 09:04:00 2026 wtools
 *
 */

package util

import "sync/atomic"

// AtomicInt is a lock-free counter for status-style bookkeeping (the
// process-wide status struct is atomic-only).
type AtomicInt int64

func (self *AtomicInt) Get() int64 {
	i := (*int64)(self)
	return atomic.LoadInt64(i)
}

func (self *AtomicInt) Add(value int64) {
	i := (*int64)(self)
	atomic.AddInt64(i, value)
}

func (self *AtomicInt) Set(value int64) {
	i := (*int64)(self)
	atomic.StoreInt64(i, value)
}
