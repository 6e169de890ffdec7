/*
 * Created:       Tue Aug  4 13:40:00 2026 wtools
 *
 */

// hashsync implements hash-based resync (SPEC_FULL.md's supplemented
// [MODULE] hashsync): the client streams a per-volume hash seed, then
// for each bulkLb-sized block range a salted-checksum array; the
// server recomputes the same checksums over its own current overlay
// (base image plus applied diffs, via catalog.Scanner) and asks for
// retransmission only of the ranges that differ, assembling a dirty
// wdiff from what it receives. Grounded on fullsync's transaction and
// negotiate shape, generalized to a request/response-per-chunk
// exchange instead of fullsync's one-way stream; both sides derive
// the number of iterations from sizeLb/bulkLb the way fullsync's
// server derives LV size from the same StartRequest field, so no
// separate end-of-stream message is needed.
package hashsync

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/proto"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/throughput"
	"github.com/herumi/walb-tools/util"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/walberr"
)

// MaxBulkBlocksPerFrame mirrors fullsync's per-frame cap.
const MaxBulkBlocksPerFrame = 65535

// StartRequest opens a hash-sync session, after the generic
// proto.Negotiate handshake.
type StartRequest struct {
	VolId  string
	Uuid   walb.Uuid
	SizeLb uint64
	BulkLb uint32
	Seed   uint32
}

type StartResponse struct {
	Ok       bool
	ErrorMsg string
}

// HashFrame carries one bulkLb range's per-block salted checksums.
type HashFrame struct {
	Addr    uint64
	NBlocks uint32
	Hashes  []uint32 // len == NBlocks
}

// MismatchResponse names which blocks (by index within the frame)
// the server's own hashes disagree with.
type MismatchResponse struct {
	MismatchIndex []uint32
}

// BlockData retransmits one full mismatching block.
type BlockData struct {
	Addr uint64
	Data []byte
}

type SnapMessage struct {
	Gid0, Gid1 uint64
}

type AckMessage struct {
	Ok       bool
	ErrorMsg string
}

// ClientConfig names everything RunClient needs beyond the socket.
type ClientConfig struct {
	VolId     walb.VolumeId
	Uuid      walb.Uuid
	BulkLb    uint32
	Seed      uint32
	FinalSnap walb.Snap
	// Monitor, if set, is fed every block compared.
	Monitor *throughput.Monitor
}

// RunClient drives the Storage side: SyncReady -> tHashSync -> Stopped
// on success, left at tHashSync on any failure (spec §7).
func RunClient(conn net.Conn, vol *statemachine.Volume, cfg ClientConfig, dev walb.BlockDevice) error {
	txn, err := vol.Begin(statemachine.SSyncReady, statemachine.StHashSync)
	if err != nil {
		return err
	}
	if err := runClientBody(conn, vol, cfg, dev); err != nil {
		return err
	}
	return txn.Commit(statemachine.SStopped)
}

func runClientBody(conn net.Conn, vol *statemachine.Volume, cfg ClientConfig, dev walb.BlockDevice) error {
	if _, err := proto.Negotiate(conn, string(cfg.VolId), "dirty-hash-sync", 1); err != nil {
		return err
	}
	sizeLb := dev.SizeLb()
	req := StartRequest{VolId: string(cfg.VolId), Uuid: cfg.Uuid, SizeLb: sizeLb, BulkLb: cfg.BulkLb, Seed: cfg.Seed}
	if err := proto.WriteMsg(conn, req); err != nil {
		return err
	}
	var resp StartResponse
	if err := proto.ReadMsg(conn, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("%w: hash-sync start rejected: %s", walberr.Relation, resp.ErrorMsg)
	}

	for addr := uint64(0); addr < sizeLb; {
		if vol.IsForceStopping() {
			return walberr.Stopping
		}
		n := frameSize(cfg.BulkLb, addr, sizeLb)
		data, err := dev.ReadAt(addr, n)
		if err != nil {
			return err
		}
		hashes := computeHashes(cfg.Seed, addr, data, n)
		if err := proto.WriteMsg(conn, HashFrame{Addr: addr, NBlocks: n, Hashes: hashes}); err != nil {
			return err
		}
		var mm MismatchResponse
		if err := proto.ReadMsg(conn, &mm); err != nil {
			return err
		}
		for _, idx := range mm.MismatchIndex {
			lo := int(idx) * walb.LogicalBlockSize
			hi := lo + walb.LogicalBlockSize
			if err := proto.WriteMsg(conn, BlockData{Addr: addr + uint64(idx), Data: data[lo:hi]}); err != nil {
				return err
			}
		}
		if cfg.Monitor != nil {
			cfg.Monitor.AddAndGetPerSec(uint64(n))
		}
		addr += uint64(n)
	}
	if err := proto.WriteMsg(conn, SnapMessage{Gid0: uint64(cfg.FinalSnap.Gid0), Gid1: uint64(cfg.FinalSnap.Gid1)}); err != nil {
		return err
	}
	var ack AckMessage
	if err := proto.ReadMsg(conn, &ack); err != nil {
		return err
	}
	if !ack.Ok {
		return fmt.Errorf("%w: server rejected hash-sync result: %s", walberr.Protocol, ack.ErrorMsg)
	}
	mlog.Printf2("hashsync/hashsync", "RunClient %s done, %d blocks compared", cfg.VolId, sizeLb)
	return nil
}

func frameSize(bulkLb uint32, addr, sizeLb uint64) uint32 {
	n := bulkLb
	if n > MaxBulkBlocksPerFrame {
		n = MaxBulkBlocksPerFrame
	}
	if remaining := sizeLb - addr; uint64(n) > remaining {
		n = uint32(remaining)
	}
	return n
}

// computeHashes salts each block's checksum with its absolute addr, so
// two blocks with identical content at different offsets never produce
// a false-positive match.
func computeHashes(seed uint32, addr uint64, data []byte, n uint32) []uint32 {
	out := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		lo := int(i) * walb.LogicalBlockSize
		hi := lo + walb.LogicalBlockSize
		blockAddr := addr + uint64(i)
		keyed := util.ConcatBytes(util.Uint64Bytes(blockAddr), data[lo:hi])
		out[i] = walb.Checksum(seed, keyed)
	}
	return out
}

// OpenBase opens the archive's current base image for comparison
// reads, the callback RunServer uses instead of depending on a
// concrete storage backend.
type OpenBase func() (walb.BlockDevice, error)

// ServerConfig names everything RunServer needs beyond the socket.
type ServerConfig struct {
	VolId       walb.VolumeId
	Catalog     *catalog.Manager
	OpenBase    OpenBase
	NoOtherBusy func() bool
}

// RunServer drives the Archive side: Archived -> tHashSync -> Archived
// on success.
func RunServer(conn net.Conn, vol *statemachine.Volume, cfg ServerConfig) error {
	if cfg.NoOtherBusy != nil && !cfg.NoOtherBusy() {
		return fmt.Errorf("%w: archive-action already running for %s", walberr.BadState, cfg.VolId)
	}
	txn, err := vol.Begin(statemachine.AArchived, statemachine.AtHashSync)
	if err != nil {
		return err
	}
	if err := runServerBody(conn, cfg); err != nil {
		return err
	}
	return txn.Commit(statemachine.AArchived)
}

func runServerBody(conn net.Conn, cfg ServerConfig) error {
	var req StartRequest
	_, err := proto.NegotiateServe(conn, "archive", func(proto.NegotiateRequest) error { return nil })
	if err != nil {
		return err
	}
	if err := proto.ReadMsg(conn, &req); err != nil {
		return err
	}

	base, err := cfg.OpenBase()
	if err != nil {
		proto.WriteMsg(conn, StartResponse{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	if err := proto.WriteMsg(conn, StartResponse{Ok: true}); err != nil {
		return err
	}

	head := cfg.Catalog.Base().Snap
	chain := cfg.Catalog.ListApplicable(head)
	var allRecords [][]walb.DiffRecord
	for _, d := range chain {
		recs, err := readDiffRecords(cfg.Catalog, d)
		if err != nil {
			return err
		}
		allRecords = append(allRecords, recs)
	}
	merged := catalog.Merge(allRecords)
	scanner := catalog.NewScanner(&sequentialBaseReader{dev: base}, merged)

	var dirty []walb.DiffRecord
	for addr := uint64(0); addr < req.SizeLb; {
		n := frameSize(req.BulkLb, addr, req.SizeLb)
		var frame HashFrame
		if err := proto.ReadMsg(conn, &frame); err != nil {
			return err
		}
		if frame.Addr != addr || frame.NBlocks != n {
			return fmt.Errorf("%w: hash frame (addr=%d,n=%d), expected (addr=%d,n=%d)", walberr.Protocol, frame.Addr, frame.NBlocks, addr, n)
		}
		serverData, err := scanner.ReadBlocks(n)
		if err != nil {
			return err
		}
		serverHashes := computeHashes(req.Seed, addr, serverData, n)
		var mismatch []uint32
		for i := uint32(0); i < n; i++ {
			if serverHashes[i] != frame.Hashes[i] {
				mismatch = append(mismatch, i)
			}
		}
		if err := proto.WriteMsg(conn, MismatchResponse{MismatchIndex: mismatch}); err != nil {
			return err
		}
		for range mismatch {
			var bd BlockData
			if err := proto.ReadMsg(conn, &bd); err != nil {
				return err
			}
			dirty = append(dirty, walb.NewDiffRecord(bd.Addr, bd.Data))
		}
		addr += uint64(n)
	}

	var snapMsg SnapMessage
	if err := proto.ReadMsg(conn, &snapMsg); err != nil {
		return err
	}
	finalSnap := walb.Snap{Gid0: walb.Gid(snapMsg.Gid0), Gid1: walb.Gid(snapMsg.Gid1)}

	diff := walb.MetaDiff{SnapB: head, SnapE: finalSnap, IsDirty: true, Timestamp: time.Now().Unix()}
	if err := writeDirtyDiff(cfg.Catalog, diff, dirty); err != nil {
		proto.WriteMsg(conn, AckMessage{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	if err := cfg.Catalog.SetUuid(req.Uuid); err != nil {
		proto.WriteMsg(conn, AckMessage{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	if err := proto.WriteMsg(conn, AckMessage{Ok: true}); err != nil {
		return err
	}
	mlog.Printf2("hashsync/hashsync", "RunServer %s done, %d dirty records", cfg.VolId, len(dirty))
	return nil
}

func readDiffRecords(cat *catalog.Manager, d walb.MetaDiff) ([]walb.DiffRecord, error) {
	f, err := os.Open(cat.Path(d))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	_, recs, err := walb.ReadFile(f)
	return recs, err
}

func writeDirtyDiff(cat *catalog.Manager, d walb.MetaDiff, records []walb.DiffRecord) error {
	finalPath := cat.Path(d)
	// Stage in the catalog's own directory so the final os.Rename is
	// atomic (same filesystem), like every other diff-writing path.
	tmp, err := ioutil.TempFile(filepath.Dir(finalPath), d.FileName()+".recv.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if err := walb.WriteFile(tmp, walb.WdiffFileHeader{MaxIoBlocks: 1}, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if st, err := os.Stat(tmpPath); err == nil {
		d.Size = st.Size()
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	return cat.Add(d)
}

// sequentialBaseReader adapts a walb.BlockDevice to the io.Reader
// catalog.Scanner expects: each Read call serves the next addr-
// contiguous run of blocks, advancing an internal cursor. It does not
// implement io.Seeker, exercising scanner's read-and-discard fallback
// for pass-through regions.
type sequentialBaseReader struct {
	dev  walb.BlockDevice
	addr uint64
}

func (b *sequentialBaseReader) Read(p []byte) (int, error) {
	if len(p)%walb.LogicalBlockSize != 0 {
		return 0, fmt.Errorf("hashsync: sequentialBaseReader.Read requires a block-aligned buffer, got %d bytes", len(p))
	}
	n := uint32(len(p) / walb.LogicalBlockSize)
	data, err := b.dev.ReadAt(b.addr, n)
	if err != nil {
		return 0, err
	}
	copy(p, data)
	b.addr += uint64(n)
	return len(data), nil
}
