/*
 * Created:       Tue Aug  4 09:12:00 2026 wtools
 *
 */

package queue

import (
	"sync"
	"testing"

	"github.com/stvp/assert"
	"github.com/herumi/walb-tools/walberr"
)

func TestFIFOOrder(t *testing.T) {
	q := New(4)
	for i := 0; i < 4; i++ {
		assert.Nil(t, q.Push(i))
	}
	for i := 0; i < 4; i++ {
		v, err, ok := q.Pop()
		assert.Nil(t, err)
		assert.True(t, ok)
		assert.Equal(t, v.(int), i)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	q := New(2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			q.Push(i)
		}
		q.Sync()
	}()
	count := 0
	for {
		_, err, ok := q.Pop()
		assert.Nil(t, err)
		if !ok {
			break
		}
		count++
		assert.True(t, q.Len() <= 2)
	}
	wg.Wait()
	assert.Equal(t, count, 10)
}

func TestSyncDrainsThenEndOfStream(t *testing.T) {
	q := New(8)
	q.Push(1)
	q.Push(2)
	q.Sync()
	assert.Equal(t, q.Push(3), walberr.Closed)

	v, err, ok := q.Pop()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, v.(int), 1)

	v, err, ok = q.Pop()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, v.(int), 2)

	_, err, ok = q.Pop()
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestFailWakesAllParties(t *testing.T) {
	q := New(1)
	assert.Nil(t, q.Push(1))
	q.Fail(nil)

	_, err, _ := q.Pop()
	assert.Equal(t, err, walberr.QueueError)

	err = q.Push(2)
	assert.Equal(t, err, walberr.QueueError)
}
