/*
 * Created:       Tue Aug  4 15:58:00 2026 wtools
 *
 */

package kicker

import (
	"sync"
	"testing"
	"time"

	"github.com/stvp/assert"
)

func TestKickSerializesSameVolume(t *testing.T) {
	k := New()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		k.Kick("vol0", func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, len(order), 3)
	assert.Equal(t, order, []int{0, 1, 2})
}

func TestKickRunsDifferentVolumesConcurrently(t *testing.T) {
	k := New()
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	running := make(chan string, 2)
	k.Kick("vol0", func() {
		defer wg.Done()
		running <- "vol0"
		<-start
	})
	k.Kick("vol1", func() {
		defer wg.Done()
		running <- "vol1"
		<-start
	})
	<-running
	<-running
	close(start)
	wg.Wait()
}

func TestServedCountsCompletedTasks(t *testing.T) {
	k := New()
	var wg sync.WaitGroup
	wg.Add(2)
	k.Kick("vol0", wg.Done)
	k.Kick("vol1", wg.Done)
	wg.Wait()
	k.Close()
	assert.Equal(t, k.Served(), int64(2))
}

func TestCloseWaitsForInFlight(t *testing.T) {
	k := New()
	done := make(chan struct{})
	k.Kick("vol0", func() {
		time.Sleep(5 * time.Millisecond)
		close(done)
	})
	k.Close()
	select {
	case <-done:
	default:
		t.Fatal("Close returned before in-flight task finished")
	}
}
