/*
 * Created:       Tue Aug  4 10:50:00 2026 wtools
 *
 */

package catalog

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/herumi/walb-tools/walb"
	"github.com/stvp/assert"
)

func snap(g uint64) walb.Snap { return walb.Snap{Gid0: walb.Gid(g), Gid1: walb.Gid(g)} }

func diff(b, e uint64) walb.MetaDiff {
	return walb.MetaDiff{SnapB: snap(b), SnapE: snap(e), Size: 100}
}

func TestManagerAddLoadLatest(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	m := New(dir)
	assert.Nil(t, m.SetBase(walb.MetaState{Snap: snap(0), Timestamp: 1}))
	assert.Nil(t, m.Add(diff(0, 2)))
	assert.Nil(t, m.Add(diff(2, 4)))

	assert.Equal(t, m.Latest(), snap(4))

	m2 := New(dir)
	assert.Nil(t, m2.Load())
	assert.Equal(t, m2.Latest(), snap(4))
	assert.Equal(t, len(m2.All()), 2)
}

func TestListApplicable(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	m := New(dir)
	assert.Nil(t, m.SetBase(walb.MetaState{Snap: snap(0)}))
	assert.Nil(t, m.Add(diff(0, 2)))
	assert.Nil(t, m.Add(diff(2, 4)))
	assert.Nil(t, m.Add(diff(4, 6)))

	chain := m.ListApplicable(snap(0))
	assert.Equal(t, len(chain), 3)
	assert.Equal(t, chain[0].SnapE, snap(2))
	assert.Equal(t, chain[2].SnapE, snap(6))
}

func TestSelectForMergeStopsAtBounds(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	m := New(dir)
	assert.Nil(t, m.SetBase(walb.MetaState{Snap: snap(0)}))
	assert.Nil(t, m.Add(diff(0, 2)))
	assert.Nil(t, m.Add(diff(2, 4)))
	assert.Nil(t, m.Add(diff(4, 6)))

	sel := m.SelectForMerge(0, 6, 0, 0)
	assert.Equal(t, len(sel), 3)

	sel2 := m.SelectForMerge(0, 6, 2, 0)
	assert.Equal(t, len(sel2), 2)
}

func TestRemoveDeletesFiles(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	m := New(dir)
	d := diff(0, 2)
	assert.Nil(t, m.SetBase(walb.MetaState{Snap: snap(0)}))
	assert.Nil(t, m.Add(d))
	assert.Nil(t, ioutil.WriteFile(m.Path(d), []byte("x"), 0600))
	assert.Nil(t, m.Remove(d))
	assert.Equal(t, len(m.All()), 0)
	_, err = os.Stat(m.Path(d))
	assert.True(t, os.IsNotExist(err))
}
