/*
 * Created:       Tue Aug  4 16:30:00 2026 wtools
 *
 */

package catalog

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/walb"
)

// MergeDiffs collapses the mergeable run SelectForMerge(gidBegin,
// gidEnd, maxCount, maxSize) selects into one new on-disk diff file,
// replacing the selected diffs in the catalog with it (spec §4.6's
// "merge" CLI command, the on-disk-diff analogue of Apply writing
// straight into the base image). A selection of fewer than two diffs
// has nothing to merge and is a no-op.
func (m *Manager) MergeDiffs(gidBegin, gidEnd walb.Gid, maxCount int, maxSize int64) error {
	selected := m.SelectForMerge(gidBegin, gidEnd, maxCount, maxSize)
	if len(selected) < 2 {
		return nil
	}

	var allRecords [][]walb.DiffRecord
	for _, d := range selected {
		recs, err := m.readRecords(d)
		if err != nil {
			return err
		}
		allRecords = append(allRecords, recs)
	}
	merged := Merge(allRecords)

	isDirty := false
	for _, d := range selected {
		if d.IsDirty {
			isDirty = true
		}
	}
	newDiff := walb.MetaDiff{
		SnapB:     selected[0].SnapB,
		SnapE:     selected[len(selected)-1].SnapE,
		IsDirty:   isDirty,
		Timestamp: time.Now().Unix(),
	}

	tmp, err := ioutil.TempFile(m.dir, newDiff.FileName()+".merge.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if err := walb.WriteFile(tmp, walb.WdiffFileHeader{MaxIoBlocks: 1}, merged); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if st, err := os.Stat(tmpPath); err == nil {
		newDiff.Size = st.Size()
	}
	finalPath := m.Path(newDiff)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	if err := m.Add(newDiff); err != nil {
		return err
	}
	for _, d := range selected {
		if err := m.Remove(d); err != nil {
			return err
		}
	}
	mlog.Printf2("catalog/merge_op", "MergeDiffs %s: collapsed %d diffs into %s", m.dir, len(selected), newDiff.FileName())
	return nil
}
