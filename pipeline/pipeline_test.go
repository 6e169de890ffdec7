/*
 * Created:       Tue Aug  4 09:18:00 2026 wtools
 *
 */

package pipeline

import (
	"errors"
	"testing"

	"github.com/herumi/walb-tools/queue"
	"github.com/stvp/assert"
)

func TestGroupHappyPath(t *testing.T) {
	in := queue.New(4)
	out := queue.New(4)
	for i := 0; i < 3; i++ {
		in.Push(i)
	}
	in.Sync()

	var g Group
	g.Add("double", in, out, func(in, out *queue.Queue) error {
		for {
			v, err, ok := in.Pop()
			if err != nil {
				return err
			}
			if !ok {
				out.Sync()
				return nil
			}
			out.Push(v.(int) * 2)
		}
	})
	assert.Nil(t, g.Run())

	var got []int
	for {
		v, err, ok := out.Pop()
		assert.Nil(t, err)
		if !ok {
			break
		}
		got = append(got, v.(int))
	}
	assert.Equal(t, got, []int{0, 2, 4})
}

func TestGroupPropagatesFirstError(t *testing.T) {
	in := queue.New(4)
	out := queue.New(4)
	in.Push(1)
	in.Sync()

	boom := errors.New("boom")
	var g Group
	g.Add("failing", in, out, func(in, out *queue.Queue) error {
		return boom
	})
	err := g.Run()
	assert.Equal(t, err, boom)

	_, perr, _ := out.Pop()
	assert.Equal(t, perr, boom)
}
