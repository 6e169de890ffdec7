/*
 * Created:       Tue Aug  4 09:45:00 2026 wtools
 *
 */

package statemachine

import (
	"sync"
	"testing"
	"time"

	"github.com/stvp/assert"
)

func TestBeginRejectsWrongFrom(t *testing.T) {
	v := NewVolume(StorageGraph(), SClear)
	_, err := v.Begin(SSyncReady, StFullSync)
	assert.True(t, err != nil)
}

func TestBeginRejectsUnknownEdge(t *testing.T) {
	v := NewVolume(StorageGraph(), SClear)
	_, err := v.Begin(SClear, StFullSync)
	assert.True(t, err != nil)
}

func TestCommitMovesToFinalRest(t *testing.T) {
	v := NewVolume(StorageGraph(), SClear)
	txn, err := v.Begin(SClear, StInitVol)
	assert.Nil(t, err)
	assert.Equal(t, v.Current(), StInitVol)
	assert.Nil(t, txn.Commit(SSyncReady))
	assert.Equal(t, v.Current(), SSyncReady)
}

func TestRollbackRevertsAndIsIdempotent(t *testing.T) {
	v := NewVolume(StorageGraph(), SClear)
	txn, err := v.Begin(SClear, StInitVol)
	assert.Nil(t, err)
	txn.Rollback()
	assert.Equal(t, v.Current(), SClear)
	txn.Rollback() // idempotent, must not panic or re-revert
	assert.Equal(t, v.Current(), SClear)
}

func TestCommitAfterDoneFails(t *testing.T) {
	v := NewVolume(StorageGraph(), SClear)
	txn, _ := v.Begin(SClear, StInitVol)
	assert.Nil(t, txn.Commit(SSyncReady))
	assert.True(t, txn.Commit(SSyncReady) != nil)
}

func TestActionCounterIsAllZero(t *testing.T) {
	v := NewVolume(StorageGraph(), SMaster)
	assert.True(t, v.IsAllZero([]string{"wlog-send"}))
	done := v.BeginAction("wlog-send")
	assert.False(t, v.IsAllZero([]string{"wlog-send"}))
	done()
	assert.True(t, v.IsAllZero([]string{"wlog-send"}))
}

func TestActionCounterIgnoresUnrelatedNames(t *testing.T) {
	v := NewVolume(StorageGraph(), SMaster)
	done := v.BeginAction("wlog-remove")
	defer done()
	assert.True(t, v.IsAllZero([]string{"wlog-send"}))
}

func TestTryStopExactlyOneWinner(t *testing.T) {
	v := NewVolume(StorageGraph(), SMaster)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v.TryStop(false) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, wins, 1)
	assert.Equal(t, v.StopState(), Stopping)
}

func TestTryStopForceUpgradesFromStopping(t *testing.T) {
	v := NewVolume(StorageGraph(), SMaster)
	assert.True(t, v.TryStop(false))
	assert.False(t, v.TryStop(false)) // already Stopping, graceful request loses
	assert.True(t, v.TryStop(true))   // force upgrades
	assert.Equal(t, v.StopState(), ForceStopping)
	assert.False(t, v.TryStop(true)) // already ForceStopping
}

func TestWaitDrainUnblocksWhenQuiescent(t *testing.T) {
	v := NewVolume(StorageGraph(), SMaster)
	done := v.BeginAction("wlog-send")
	unblocked := make(chan struct{})
	go func() {
		v.WaitDrain([]string{"wlog-send"}, StorageRestStates())
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("WaitDrain returned before the action finished")
	case <-time.After(20 * time.Millisecond):
	}

	done()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitDrain never unblocked after the action finished")
	}
}
