/*
 * Created:       Tue Aug  4 15:20:00 2026 wtools
 *
 */

package restore

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/walb"
	"github.com/stvp/assert"
)

func TestRestoreMaterializesPointInTimeImage(t *testing.T) {
	dir, err := ioutil.TempDir("", "restore")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	archiveDir := filepath.Join(dir, "vol0")
	assert.Nil(t, os.MkdirAll(archiveDir, 0700))
	cat := catalog.New(archiveDir)
	assert.Nil(t, cat.SetBase(walb.MetaState{Snap: walb.Snap{Gid0: 0, Gid1: 0}}))

	basePath := filepath.Join(dir, "base.img")
	baseContent := bytes.Repeat([]byte("A"), walb.LogicalBlockSize*4)
	assert.Nil(t, ioutil.WriteFile(basePath, baseContent, 0600))

	d1 := walb.MetaDiff{SnapB: walb.Snap{Gid0: 0, Gid1: 0}, SnapE: walb.Snap{Gid0: 1, Gid1: 1}}
	assert.Nil(t, walb.WriteFile(mustCreate(t, cat.Path(d1)), walb.WdiffFileHeader{MaxIoBlocks: 1},
		[]walb.DiffRecord{walb.NewDiffRecord(1, bytes.Repeat([]byte("B"), walb.LogicalBlockSize))}))
	assert.Nil(t, cat.Add(d1))

	d2 := walb.MetaDiff{SnapB: walb.Snap{Gid0: 1, Gid1: 1}, SnapE: walb.Snap{Gid0: 2, Gid1: 2}}
	assert.Nil(t, walb.WriteFile(mustCreate(t, cat.Path(d2)), walb.WdiffFileHeader{MaxIoBlocks: 1},
		[]walb.DiffRecord{walb.NewDiffRecord(3, bytes.Repeat([]byte("C"), walb.LogicalBlockSize))}))
	assert.Nil(t, cat.Add(d2))

	av := statemachine.NewVolume(statemachine.ArchiveGraph(), statemachine.AArchived)

	clonePath := filepath.Join(dir, "clone.img")
	assert.Nil(t, ioutil.WriteFile(clonePath, make([]byte, walb.LogicalBlockSize*4), 0600))

	cfg := Config{
		VolId:  "vol0",
		SizeLb: 4,
		OpenBase: func() (walb.BlockDevice, error) {
			return walb.OpenFileBlockDevice(basePath)
		},
		CreateClone: func(volId walb.VolumeId, gid walb.Gid, sizeLb uint64) (walb.BlockDevice, error) {
			return walb.OpenFileBlockDevice(clonePath)
		},
	}

	// Only diff d1 is needed to reach gid 1.
	assert.Nil(t, Restore(av, cat, 1, cfg))
	assert.Equal(t, av.Current(), statemachine.AArchived)

	got, err := ioutil.ReadFile(clonePath)
	assert.Nil(t, err)
	want := append([]byte{}, baseContent...)
	copy(want[1*walb.LogicalBlockSize:], bytes.Repeat([]byte("B"), walb.LogicalBlockSize))
	assert.Equal(t, got, want)

	// cat's own base is untouched by Restore.
	assert.Equal(t, cat.Base().Snap, walb.Snap{Gid0: 0, Gid1: 0})

	deleted := false
	assert.Nil(t, DelRestored(av, "vol0", 1, func(volId walb.VolumeId, gid walb.Gid) error {
		deleted = true
		return nil
	}))
	assert.True(t, deleted)
}

func TestRestoreRejectsUnreachableGid(t *testing.T) {
	dir, err := ioutil.TempDir("", "restore")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	archiveDir := filepath.Join(dir, "vol0")
	assert.Nil(t, os.MkdirAll(archiveDir, 0700))
	cat := catalog.New(archiveDir)
	assert.Nil(t, cat.SetBase(walb.MetaState{Snap: walb.Snap{Gid0: 0, Gid1: 0}}))

	av := statemachine.NewVolume(statemachine.ArchiveGraph(), statemachine.AArchived)
	cfg := Config{VolId: "vol0", SizeLb: 4}

	err = Restore(av, cat, 5, cfg)
	assert.True(t, err != nil)
}

func mustCreate(t *testing.T, path string) *os.File {
	f, err := os.Create(path)
	assert.Nil(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}
