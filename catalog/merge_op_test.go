/*
 * Created:       Tue Aug  4 16:35:00 2026 wtools
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

func TestMergeDiffsCollapsesSelectedRun(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog-mergeop-*")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	m := New(dir)
	assert.Nil(t, m.SetBase(walb.MetaState{Snap: walb.Snap{Gid0: 0, Gid1: 0}}))

	d1 := walb.MetaDiff{SnapB: walb.Snap{Gid0: 0, Gid1: 0}, SnapE: walb.Snap{Gid0: 1, Gid1: 1}}
	writeDiffFile(t, m, d1, []walb.DiffRecord{walb.NewDiffRecord(0, block('A'))})
	d2 := walb.MetaDiff{SnapB: walb.Snap{Gid0: 1, Gid1: 1}, SnapE: walb.Snap{Gid0: 2, Gid1: 2}}
	writeDiffFile(t, m, d2, []walb.DiffRecord{walb.NewDiffRecord(1, block('B'))})

	assert.Nil(t, m.MergeDiffs(0, 2, 0, 0))

	all := m.All()
	assert.Equal(t, len(all), 1)
	assert.Equal(t, all[0].SnapB, walb.Snap{Gid0: 0, Gid1: 0})
	assert.Equal(t, all[0].SnapE, walb.Snap{Gid0: 2, Gid1: 2})

	f, err := os.Open(m.Path(all[0]))
	assert.Nil(t, err)
	defer f.Close()
	_, recs, err := walb.ReadFile(f)
	assert.Nil(t, err)
	assert.Equal(t, len(recs), 2)
}

func TestMergeDiffsNoopBelowTwo(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog-mergeop-*")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	m := New(dir)
	assert.Nil(t, m.SetBase(walb.MetaState{Snap: walb.Snap{Gid0: 0, Gid1: 0}}))
	d1 := walb.MetaDiff{SnapB: walb.Snap{Gid0: 0, Gid1: 0}, SnapE: walb.Snap{Gid0: 1, Gid1: 1}}
	writeDiffFile(t, m, d1, []walb.DiffRecord{walb.NewDiffRecord(0, block('A'))})

	assert.Nil(t, m.MergeDiffs(0, 1, 0, 0))
	assert.Equal(t, len(m.All()), 1)
}

func writeDiffFile(t *testing.T, m *Manager, d walb.MetaDiff, records []walb.DiffRecord) {
	t.Helper()
	f, err := os.Create(m.Path(d))
	assert.Nil(t, err)
	defer f.Close()
	assert.Nil(t, walb.WriteFile(f, walb.WdiffFileHeader{MaxIoBlocks: 1}, records))
	assert.Nil(t, m.Add(d))
}
