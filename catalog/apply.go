/*
 * Created:       Tue Aug  4 14:55:00 2026 wtools
 *
 */

package catalog

import (
	"os"
	"time"

	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/walb"
)

// Apply collapses the prefix of m's applicable diff chain ending at or
// before uptoGid into base, in place, then advances MetaState and
// drops the applied diffs from the catalog (spec §4.6's "apply", spec
// §8 scenario 5). base must already be positioned at m.Base()'s
// content; Apply only ever writes blocks the merged diff set touches.
func (m *Manager) Apply(base walb.BlockDevice, uptoGid walb.Gid) error {
	head := m.Base().Snap
	chain := m.ListApplicable(head)
	var prefix []walb.MetaDiff
	cur := head
	for _, d := range chain {
		if d.SnapE.Gid1 > uptoGid {
			break
		}
		prefix = append(prefix, d)
		cur = d.SnapE
	}
	if len(prefix) == 0 {
		return nil
	}

	var allRecords [][]walb.DiffRecord
	for _, d := range prefix {
		recs, err := m.readRecords(d)
		if err != nil {
			return err
		}
		allRecords = append(allRecords, recs)
	}
	merged := Merge(allRecords)
	for _, r := range merged {
		switch r.Flags {
		case walb.DiffNormal:
			if err := base.WriteAt(r.Addr, r.Data); err != nil {
				return err
			}
		default:
			if err := base.WriteAt(r.Addr, make([]byte, int(r.IoBlocks)*walb.LogicalBlockSize)); err != nil {
				return err
			}
		}
	}

	if err := m.SetBase(walb.MetaState{Snap: cur, Timestamp: time.Now().Unix()}); err != nil {
		return err
	}
	for _, d := range prefix {
		if err := m.Remove(d); err != nil {
			return err
		}
	}
	mlog.Printf2("catalog/apply", "Apply %s: collapsed %d diffs up to %v", m.dir, len(prefix), cur)
	return nil
}

func (m *Manager) readRecords(d walb.MetaDiff) ([]walb.DiffRecord, error) {
	f, err := os.Open(m.Path(d))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	_, recs, err := walb.ReadFile(f)
	return recs, err
}
