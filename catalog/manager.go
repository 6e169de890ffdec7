/*
 * Created:       Tue Aug  4 10:30:00 2026 wtools
 *
 */

// catalog implements the diff catalog, merger and virtual full
// scanner of spec §4.6: the in-memory index over on-disk diff files
// owned exclusively by Archive. Grounded on registry's directory-
// backed, temp-file+rename persistence idiom, generalized from one
// "state" file per volume to one sidecar metadata file per diff plus
// a shared "base" file.
package catalog

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/util"
	"github.com/herumi/walb-tools/walb"
	"github.com/ugorji/go/codec"
)

// Manager is the per-volume diff catalog: the current MetaState plus
// an ordered index of MetaDiff entries, reloadable by scanning dir.
type Manager struct {
	mu    util.MutexLocked
	dir   string
	base  walb.MetaState
	uuid  walb.Uuid
	diffs []walb.MetaDiff // sorted by SnapB.Gid0
}

func New(dir string) *Manager {
	return &Manager{dir: dir}
}

const baseFileName = "base"

// Load rehydrates the catalog from dir: the "base" MetaState file and
// every "<gidB>-<gidE>.wdiff" file's sidecar metadata.
func (m *Manager) Load() error {
	defer m.mu.Locked()()

	if b, err := ioutil.ReadFile(filepath.Join(m.dir, baseFileName)); err == nil {
		var state walb.MetaState
		if err := decodeMsgpackFile(b, &state); err != nil {
			return fmt.Errorf("catalog: loading base: %w", err)
		}
		m.base = state
	} else if !os.IsNotExist(err) {
		return err
	}

	if b, err := ioutil.ReadFile(filepath.Join(m.dir, uuidFileName)); err == nil {
		copy(m.uuid[:], b)
	} else if !os.IsNotExist(err) {
		return err
	}

	entries, err := ioutil.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var diffs []walb.MetaDiff
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".meta" {
			continue
		}
		b, err := ioutil.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			return err
		}
		var d walb.MetaDiff
		if err := decodeMsgpackFile(b, &d); err != nil {
			return fmt.Errorf("catalog: loading %s: %w", e.Name(), err)
		}
		diffs = append(diffs, d)
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].SnapB.Gid0 < diffs[j].SnapB.Gid0 })
	m.diffs = diffs
	mlog.Printf2("catalog/manager", "Load %s: base=%v %d diffs", m.dir, m.base.Snap, len(diffs))
	return nil
}

// Base returns the current MetaState.
func (m *Manager) Base() walb.MetaState {
	defer m.mu.Locked()()
	return m.base
}

// SetBase persists and installs a new MetaState, the step A's full/
// hash sync server and apply both perform.
func (m *Manager) SetBase(s walb.MetaState) error {
	defer m.mu.Locked()()
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return err
	}
	if err := writeMsgpackFile(filepath.Join(m.dir, baseFileName), s); err != nil {
		return err
	}
	m.base = s
	mlog.Printf2("catalog/manager", "SetBase %s -> %v", m.dir, s.Snap)
	return nil
}

const uuidFileName = "uuid"

// Uuid returns the volume uuid shared with Storage, zero while no
// full/hash sync has assigned one yet.
func (m *Manager) Uuid() walb.Uuid {
	defer m.mu.Locked()()
	return m.uuid
}

// SetUuid persists and installs u, the "sets uuid" step of a full or
// hash sync.
func (m *Manager) SetUuid(u walb.Uuid) error {
	defer m.mu.Locked()()
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return err
	}
	if err := ioutil.WriteFile(filepath.Join(m.dir, uuidFileName), u[:], 0600); err != nil {
		return err
	}
	m.uuid = u
	return nil
}

// Path returns the on-disk path the wdiff file for d would have.
func (m *Manager) Path(d walb.MetaDiff) string {
	return filepath.Join(m.dir, d.FileName())
}

func (m *Manager) sidecarPath(d walb.MetaDiff) string {
	return filepath.Join(m.dir, d.FileName()+".meta")
}

// Add records a new diff in the catalog (the wdiff file itself is
// already in place at Path(d), written atomically via temp-file+
// rename by the caller). The sidecar metadata file is written the
// same way.
func (m *Manager) Add(d walb.MetaDiff) error {
	if err := d.Validate(); err != nil {
		return err
	}
	defer m.mu.Locked()()
	if err := writeMsgpackFile(m.sidecarPath(d), d); err != nil {
		return err
	}
	m.diffs = append(m.diffs, d)
	sort.Slice(m.diffs, func(i, j int) bool { return m.diffs[i].SnapB.Gid0 < m.diffs[j].SnapB.Gid0 })
	mlog.Printf2("catalog/manager", "Add %s %s", m.dir, d.FileName())
	return nil
}

// Remove deletes d's wdiff file, sidecar and catalog entry (apply/
// merge's cleanup step).
func (m *Manager) Remove(d walb.MetaDiff) error {
	defer m.mu.Locked()()
	for i, e := range m.diffs {
		if e == d {
			m.diffs = append(m.diffs[:i], m.diffs[i+1:]...)
			break
		}
	}
	os.Remove(m.sidecarPath(d))
	err := os.Remove(m.Path(d))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	mlog.Printf2("catalog/manager", "Remove %s %s", m.dir, d.FileName())
	return nil
}

// All returns every MetaDiff currently in the catalog, in ascending
// SnapB.Gid0 order.
func (m *Manager) All() []walb.MetaDiff {
	defer m.mu.Locked()()
	out := make([]walb.MetaDiff, len(m.diffs))
	copy(out, m.diffs)
	return out
}

// Latest returns the head snap reached by following the applicable
// diff chain from Base(), dirty and clean diffs alike (the same
// matcher ListApplicable uses; spec §4.6's latest()).
func (m *Manager) Latest() walb.Snap {
	defer m.mu.Locked()()
	return m.latestLocked()
}

func (m *Manager) latestLocked() walb.Snap {
	head := m.base.Snap
	for {
		next, ok := m.nextFromLocked(head)
		if !ok || next.SnapE == head {
			return head
		}
		head = next.SnapE
	}
}

// ListApplicable returns the maximal chain of diffs starting at from
// and reaching Latest(), in ascending order (spec §4.6's
// listApplicable).
func (m *Manager) ListApplicable(from walb.Snap) []walb.MetaDiff {
	defer m.mu.Locked()()
	var out []walb.MetaDiff
	head := from
	for {
		next, ok := m.nextFromLocked(head)
		if !ok {
			break
		}
		out = append(out, next)
		head = next.SnapE
	}
	return out
}

func (m *Manager) nextFromLocked(head walb.Snap) (walb.MetaDiff, bool) {
	for _, d := range m.diffs {
		if d.IsDirty {
			if d.SnapB.Gid0 == head.Gid0 && d.SnapB.Gid1 <= head.Gid1 {
				return d, true
			}
			continue
		}
		if d.SnapB.Gid1 == head.Gid1 {
			return d, true
		}
	}
	return walb.MetaDiff{}, false
}

// SelectForMerge greedily spans adjacent diffs within [gidBegin,
// gidEnd] (inclusive), stopping at maxCount diffs or maxSize
// cumulative bytes, whichever comes first (spec §4.6's
// selectForMerge).
func (m *Manager) SelectForMerge(gidBegin, gidEnd walb.Gid, maxCount int, maxSize int64) []walb.MetaDiff {
	defer m.mu.Locked()()
	var out []walb.MetaDiff
	var size int64
	for _, d := range m.diffs {
		if d.SnapB.Gid0 < gidBegin || d.SnapE.Gid1 > gidEnd {
			continue
		}
		if len(out) > 0 {
			prev := out[len(out)-1]
			if d.SnapB.Gid0 != prev.SnapE.Gid1 {
				break
			}
		}
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		if maxSize > 0 && size+d.Size > maxSize && len(out) > 0 {
			break
		}
		out = append(out, d)
		size += d.Size
	}
	return out
}

func writeMsgpackFile(path string, v interface{}) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, buf, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func decodeMsgpackFile(b []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(b, &codec.MsgpackHandle{})
	return dec.Decode(v)
}
