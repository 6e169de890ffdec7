/*
 * Created:       Tue Aug  4 09:20:00 2026 wtools
 *
 */

// walb holds the core data model shared by all three daemon roles:
// VolumeId, Uuid, Gid, Snap, MetaState, MetaDiff, and the wlog/wdiff
// wire/on-disk record layouts (spec §3, §6). Struct layouts are fixed
// with encoding/binary rather than a generic tagged codec (the
// teacher's storage package uses glycerine/greenpack for its blocks)
// because exact byte layout, not schema evolution, is the
// requirement here: a WlogPack header checksum covers specific bytes
// at specific offsets.
package walb

import (
	"fmt"

	"github.com/google/uuid"
)

// VolumeId is a non-empty printable string, unique per role.
type VolumeId string

func (v VolumeId) Validate() error {
	if v == "" {
		return fmt.Errorf("empty volume id")
	}
	return nil
}

// Uuid is the 16-byte opaque identifier shared across S/P/A for the
// same live replica, reassigned at every full/hash sync.
type Uuid [16]byte

func NewUuid() Uuid {
	var u Uuid
	g := uuid.New()
	copy(u[:], g[:])
	return u
}

func (u Uuid) String() string {
	var g uuid.UUID
	copy(g[:], u[:])
	return g.String()
}

func (u Uuid) IsZero() bool {
	return u == Uuid{}
}

// Gid is a 64-bit unsigned monotonic snapshot id, strictly increasing
// within one volume.
type Gid uint64

// InvalidGid marks "no such gid" the way a zero-value Gid cannot,
// since 0 is the legitimate gid of the first snapshot.
const InvalidGid Gid = ^Gid(0)

// Snap is a (gid0, gid1) pair; gid0==gid1 denotes a clean (consistent)
// point, otherwise the snap is dirty.
type Snap struct {
	Gid0, Gid1 Gid
}

func (s Snap) IsClean() bool {
	return s.Gid0 == s.Gid1
}

func (s Snap) Validate() error {
	if s.Gid0 > s.Gid1 {
		return fmt.Errorf("invalid snap: gid0 %d > gid1 %d", s.Gid0, s.Gid1)
	}
	return nil
}

func (s Snap) String() string {
	if s.IsClean() {
		return fmt.Sprintf("%d", s.Gid0)
	}
	return fmt.Sprintf("%d-%d", s.Gid0, s.Gid1)
}

// MetaState is the current consistent point of an Archive volume.
type MetaState struct {
	Snap      Snap
	Timestamp int64 // unix seconds, monotonic within one volume
}

// MetaDiff describes one wdiff file's range and bookkeeping. SnapB is
// the diff's starting snap, SnapE its ending snap; for a clean-to-
// clean diff, SnapB.Gid1 <= SnapE.Gid0.
type MetaDiff struct {
	SnapB, SnapE Snap
	IsDirty      bool
	Timestamp    int64
	Size         int64
}

// Validate enforces the MetaDiff invariant of spec §3.
func (d MetaDiff) Validate() error {
	if err := d.SnapB.Validate(); err != nil {
		return err
	}
	if err := d.SnapE.Validate(); err != nil {
		return err
	}
	if !d.IsDirty && d.SnapB.Gid1 > d.SnapE.Gid0 {
		return fmt.Errorf("bad clean diff: snapB.gid1 %d > snapE.gid0 %d", d.SnapB.Gid1, d.SnapE.Gid0)
	}
	return nil
}

// FileName returns the diff's catalog file name, "{gidB}-{gidE}.wdiff"
// as specified in spec §4.5.
func (d MetaDiff) FileName() string {
	return fmt.Sprintf("%d-%d.wdiff", d.SnapB.Gid0, d.SnapE.Gid1)
}
