/*
 * Created:       Wed Aug  5 09:40:00 2026 wtools
 *
 */

package storaged

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/walberr"
	"github.com/herumi/walb-tools/wdifftransfer"
	"github.com/ugorji/go/codec"
)

// snapshotMark records one issued gid and the device lsid at the
// moment it was issued: every wlog record with a smaller lsid belongs
// to diffs at or before this gid.
type snapshotMark struct {
	Gid  uint64
	Lsid uint64
}

// volMeta is Storage's persisted per-volume bookkeeping: the gid
// counter, the last snap pair handed to an archive, the lsid up to
// which wlog content has been converted and sent, and the pending
// snapshot marks.
type volMeta struct {
	NextGid  uint64
	LastSnap walb.Snap
	SentLsid uint64
	Marks    []snapshotMark
}

var metaMsgpackHandle = &codec.MsgpackHandle{}

func (d *Daemon) metaPath(id walb.VolumeId) string {
	return filepath.Join(d.volDir(id), "meta")
}

func (d *Daemon) spoolPath(id walb.VolumeId) string {
	return filepath.Join(d.volDir(id), "wlog.spool")
}

// loadMeta reads id's volMeta; a volume that has never issued a gid
// gets the zero meta.
func (d *Daemon) loadMeta(id walb.VolumeId) (volMeta, error) {
	var m volMeta
	b, err := ioutil.ReadFile(d.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, err
	}
	if err := codec.NewDecoderBytes(b, metaMsgpackHandle).Decode(&m); err != nil {
		return m, fmt.Errorf("storaged: decoding meta for %s: %w", id, err)
	}
	return m, nil
}

// saveMeta persists m via temp-file+rename, the crash-safe write
// convention every role's per-volume files use.
func (d *Daemon) saveMeta(id walb.VolumeId, m volMeta) error {
	var b []byte
	if err := codec.NewEncoderBytes(&b, metaMsgpackHandle).Encode(m); err != nil {
		return err
	}
	tmp, err := ioutil.TempFile(d.volDir(id), "meta.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, d.metaPath(id))
}

// issueSyncSnap hands out the (gidB, gidE) pair bounding one full or
// hash sync: gidB bounds the pre-copy state, gidE the post-copy
// consistent point, and writes that race the copy land in the dirty
// range between them.
func (d *Daemon) issueSyncSnap(id walb.VolumeId) (walb.Snap, error) {
	m, err := d.loadMeta(id)
	if err != nil {
		return walb.Snap{}, err
	}
	snap := walb.Snap{Gid0: walb.Gid(m.NextGid), Gid1: walb.Gid(m.NextGid + 1)}
	m.NextGid += 2
	if err := d.saveMeta(id, m); err != nil {
		return walb.Snap{}, err
	}
	return snap, nil
}

// finishSync records a completed full/hash sync: snap becomes the last
// snap shared with the archive and everything spooled so far is
// considered covered by it.
func (d *Daemon) finishSync(id walb.VolumeId, snap walb.Snap, lsid uint64) error {
	m, err := d.loadMeta(id)
	if err != nil {
		return err
	}
	m.LastSnap = snap
	m.SentLsid = lsid
	m.Marks = nil
	return d.saveMeta(id, m)
}

// saltOf derives the volume's checksum salt from its uuid, so S, P
// and A agree on it without a separate exchange.
func saltOf(u walb.Uuid) uint32 {
	return binary.BigEndian.Uint32(u[:4])
}

// writtenLsid reports the device's written lsid. The kernel walb
// device exposes this directly; the file-backed stand-in recovers it
// from the spool as one past the last spooled pack's lsid.
func (d *Daemon) writtenLsid(id walb.VolumeId, uuid walb.Uuid) (uint64, error) {
	f, err := os.Open(d.spoolPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	packs, err := walb.ReadPacks(f, saltOf(uuid))
	if err != nil {
		return 0, err
	}
	if len(packs) == 0 {
		return 0, nil
	}
	return packs[len(packs)-1].Header.LogpackLsid + 1, nil
}

// cmdSnapshot issues the next gid for a Master volume and marks the
// current device lsid as its boundary; the next wlog-send converts
// everything spooled below that lsid into a diff ending at the new
// gid.
func (d *Daemon) cmdSnapshot(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	if st := vol.Current(); st != statemachine.SMaster {
		return "", fmt.Errorf("%w: snapshot requires Master, volume in %s", walberr.BadState, st)
	}
	uuid, err := d.uuid(id)
	if err != nil {
		return "", err
	}
	lsid, err := d.writtenLsid(id, uuid)
	if err != nil {
		return "", err
	}

	m, err := d.loadMeta(id)
	if err != nil {
		return "", err
	}
	gid := m.NextGid
	m.NextGid++
	m.Marks = append(m.Marks, snapshotMark{Gid: gid, Lsid: lsid})
	if err := d.saveMeta(id, m); err != nil {
		return "", err
	}
	mlog.Printf2("storaged/wlog", "snapshot %s: gid=%d lsid=%d", id, gid, lsid)
	return fmt.Sprintf("%d", gid), nil
}

// cmdWlogSend converts every spooled wlog range bounded by a pending
// snapshot mark into a wdiff and forwards it to the proxy, under
// Master <-> tWlogSend. Each mark yields one diff whose begin snap is
// the last snap already shared and whose end snap is the mark's gid.
func (d *Daemon) cmdWlogSend(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	proxyAddr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	m, err := d.loadMeta(id)
	if err != nil {
		return "", err
	}
	if len(m.Marks) == 0 {
		return "no snapshot to send", nil
	}
	uuid, err := d.uuid(id)
	if err != nil {
		return "", err
	}

	txn, err := vol.Begin(statemachine.SMaster, statemachine.StWlogSend)
	if err != nil {
		return "", err
	}
	sent := 0
	for len(m.Marks) > 0 {
		if vol.IsForceStopping() {
			return "", walberr.Stopping
		}
		mark := m.Marks[0]
		diff, err := d.sendOneMark(id, uuid, proxyAddr, m, mark)
		if err != nil {
			return "", err
		}
		m.LastSnap = diff.SnapE
		m.SentLsid = mark.Lsid
		m.Marks = m.Marks[1:]
		if err := d.saveMeta(id, m); err != nil {
			return "", err
		}
		sent++
	}
	if err := txn.Commit(statemachine.SMaster); err != nil {
		return "", err
	}
	return fmt.Sprintf("sent %d", sent), nil
}

// sendOneMark builds one wdiff from the spooled packs in
// [m.SentLsid, mark.Lsid) and transfers it to the proxy.
func (d *Daemon) sendOneMark(id walb.VolumeId, uuid walb.Uuid, proxyAddr string, m volMeta, mark snapshotMark) (walb.MetaDiff, error) {
	records, err := d.spooledRecords(id, uuid, m.SentLsid, mark.Lsid)
	if err != nil {
		return walb.MetaDiff{}, err
	}
	diff := walb.MetaDiff{
		SnapB:     m.LastSnap,
		SnapE:     walb.Snap{Gid0: walb.Gid(mark.Gid), Gid1: walb.Gid(mark.Gid)},
		IsDirty:   !m.LastSnap.IsClean(),
		Timestamp: time.Now().Unix(),
	}

	tmp, err := ioutil.TempFile(d.volDir(id), diff.FileName()+".send.*")
	if err != nil {
		return walb.MetaDiff{}, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if err := walb.WriteFile(tmp, walb.WdiffFileHeader{MaxIoBlocks: 1, Uuid: uuid}, records); err != nil {
		tmp.Close()
		return walb.MetaDiff{}, err
	}
	if err := tmp.Close(); err != nil {
		return walb.MetaDiff{}, err
	}
	if st, err := os.Stat(tmpPath); err == nil {
		diff.Size = st.Size()
	}

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return walb.MetaDiff{}, err
	}
	defer conn.Close()
	outcome, err := wdifftransfer.Send(conn, wdifftransfer.ClientConfig{
		VolId:           id,
		ClientType:      wdifftransfer.FromProxy,
		Uuid:            uuid,
		MaxIoBlocks:     1,
		Diff:            diff,
		CompressionKind: compress.Snappy,
		Monitor:         Monitor,
	}, tmpPath)
	if err != nil {
		return walb.MetaDiff{}, err
	}
	switch outcome.Relation {
	case "ok", "too-old-diff":
		mlog.Printf2("storaged/wlog", "wlog-send %s %s, relation=%s", id, diff.FileName(), outcome.Relation)
		return diff, nil
	default:
		return walb.MetaDiff{}, fmt.Errorf("%w: proxy answered %s for %s", walberr.Relation, outcome.Relation, diff.FileName())
	}
}

// spooledRecords reads the wlog packs with lsid in [beginLsid,
// endLsid) from id's spool and compacts them into one ascending-
// address record set.
func (d *Daemon) spooledRecords(id walb.VolumeId, uuid walb.Uuid, beginLsid, endLsid uint64) ([]walb.DiffRecord, error) {
	f, err := os.Open(d.spoolPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	packs, err := walb.ReadPacks(f, saltOf(uuid))
	if err != nil {
		return nil, err
	}
	var chain [][]walb.DiffRecord
	for _, p := range packs {
		if p.Header.LogpackLsid < beginLsid || p.Header.LogpackLsid >= endLsid {
			continue
		}
		chain = append(chain, walb.DiffRecordsFromPack(p))
	}
	return catalog.Merge(chain), nil
}

// cmdWlogRemove discards a Slave volume's spooled wlog content, under
// Slave <-> tWlogRemove: a slave never forwards, it only absorbs and
// trims the log.
func (d *Daemon) cmdWlogRemove(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	txn, err := vol.Begin(statemachine.SSlave, statemachine.StWlogRemove)
	if err != nil {
		return "", err
	}
	uuid, err := d.uuid(id)
	if err != nil {
		return "", err
	}
	lsid, err := d.writtenLsid(id, uuid)
	if err != nil {
		return "", err
	}
	if err := os.Truncate(d.spoolPath(id), 0); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	m, err := d.loadMeta(id)
	if err != nil {
		return "", err
	}
	m.SentLsid = lsid
	if err := d.saveMeta(id, m); err != nil {
		return "", err
	}
	if err := txn.Commit(statemachine.SSlave); err != nil {
		return "", err
	}
	mlog.Printf2("storaged/wlog", "wlog-remove %s: trimmed through lsid=%d", id, lsid)
	return "ok", nil
}

// cmdGet serves the status-poll targets spec §6's `get <target>`
// names for Storage.
func (d *Daemon) cmdGet(req control.CommandRequest) (string, error) {
	target, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	switch target {
	case "vol-list":
		ids, err := d.Registry.Ids()
		if err != nil {
			return "", err
		}
		var out string
		for _, id := range ids {
			out += string(id) + "\n"
		}
		return out, nil
	case "throughput":
		return fmt.Sprintf("%d", Monitor.GetPerSec()), nil
	case "next-gid":
		idStr, err := argAt(req, 1)
		if err != nil {
			return "", err
		}
		m, err := d.loadMeta(walb.VolumeId(idStr))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", m.NextGid), nil
	default:
		return "", fmt.Errorf("get: unknown target %q", target)
	}
}
