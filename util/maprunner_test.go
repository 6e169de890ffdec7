/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Sun Jan  7 17:46:09 2018 mstenber
 * Last modified: Tue Aug  4 09:07:00 2026 wtools
 *
 */

package util

import (
	"sync"
	"testing"
	"time"

	"github.com/stvp/assert"
)

// Tasks for the same volume serialize; tasks for distinct volumes run
// concurrently (the contract kicker relies on).
func TestMapRunnerSerializesPerKey(t *testing.T) {
	t.Parallel()

	mr := MapRunner{}
	vol0Busy := sync.Mutex{}
	vol0Busy.Lock()
	vol0Started := 0
	vol1Started := 0
	mr.Run("vol0", func() {
		vol0Started++
		vol0Busy.Lock()
	})
	mr.Run("vol1", func() {
		vol1Started++
	})
	mr.Run("vol0", func() {
		vol0Started++
		vol0Busy.Lock()

	})
	time.Sleep(time.Millisecond)
	assert.Equal(t, vol0Started, 1)
	assert.Equal(t, vol1Started, 1)
	vol0Busy.Unlock()
	time.Sleep(time.Millisecond)
	assert.Equal(t, vol0Started, 2)
	vol0Busy.Unlock()
}
