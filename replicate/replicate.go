/*
 * Created:       Tue Aug  4 14:20:00 2026 wtools
 *
 */

// replicate implements archive->archive replication (SPEC_FULL.md's
// supplemented [MODULE] replicate): the primary connects to the
// secondary as a wdifftransfer client (clientType=archive) for each
// diff in listApplicable(secondaryHead), in ascending gid order; if no
// diff chain covers the gap to secondaryHead, it falls back to a
// full-image stream read through a catalog.Scanner over the primary's
// current overlay, framed exactly like fullsync (reusing
// fullsync.SendScanner, the shared helper factored out of
// fullsync.RunServer for this purpose).
package replicate

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/fullsync"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/proto"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/walberr"
	"github.com/herumi/walb-tools/wdifftransfer"
)

// Dialer opens one fresh connection to the secondary per diff (or one
// long-lived connection for the full-image fallback); wdifftransfer
// and the fallback stream both run their own negotiate handshake, so
// either a pooled or a per-call dialer works.
type Dialer func() (net.Conn, error)

// Config names everything Replicate needs beyond the catalog and
// dialer.
type Config struct {
	VolId           walb.VolumeId
	Uuid            walb.Uuid
	BulkLb          uint32
	MaxIoBlocks     uint32
	CompressionKind compress.Kind
	SizeLb          uint64
	// OpenBase opens the primary's base image for the full-image
	// fallback's virtual full scanner.
	OpenBase func() (walb.BlockDevice, error)
}

// Replicate drives the primary side: Archived -> tReplSync -> Archived
// (spec §4.1's Archive graph already names this edge for exactly this
// purpose).
func Replicate(dial Dialer, vol *statemachine.Volume, cat *catalog.Manager, secondaryHead walb.Snap, cfg Config) error {
	txn, err := vol.Begin(statemachine.AArchived, statemachine.AtReplSync)
	if err != nil {
		return err
	}
	if err := replicateBody(dial, cat, secondaryHead, cfg); err != nil {
		return err
	}
	return txn.Commit(statemachine.AArchived)
}

func replicateBody(dial Dialer, cat *catalog.Manager, secondaryHead walb.Snap, cfg Config) error {
	chain := cat.ListApplicable(secondaryHead)
	if len(chain) == 0 && secondaryHead != cat.Latest() {
		return fullImageFallback(dial, cat, cfg)
	}
	for _, d := range chain {
		conn, err := dial()
		if err != nil {
			return err
		}
		outcome, err := wdifftransfer.Send(conn, wdifftransfer.ClientConfig{
			VolId:           cfg.VolId,
			ClientType:      wdifftransfer.FromArchive,
			Uuid:            cfg.Uuid,
			MaxIoBlocks:     cfg.MaxIoBlocks,
			SizeLb:          cfg.SizeLb,
			Diff:            d,
			CompressionKind: cfg.CompressionKind,
		}, cat.Path(d))
		conn.Close()
		if err != nil {
			return err
		}
		switch outcome.Relation {
		case "ok", "too-old-diff":
			mlog.Printf2("replicate/replicate", "sent %s, relation=%s", d.FileName(), outcome.Relation)
		case "too-new-diff":
			return fullImageFallback(dial, cat, cfg)
		default:
			return fmt.Errorf("%w: unexpected relation %s sending %s", walberr.Relation, outcome.Relation, d.FileName())
		}
	}
	return nil
}

// fullImageFallbackStartRequest mirrors fullsync's StartRequest but
// omits the fields specific to a live wlog-device source.
type fullImageFallbackStartRequest struct {
	VolId   string
	Uuid    walb.Uuid
	SizeLb  uint64
	CurTime int64
	BulkLb  uint32
}

type fullImageFallbackStartResponse struct {
	Ok       bool
	ErrorMsg string
}

type fullImageFallbackSnapMessage struct {
	Gid0, Gid1 uint64
}

type fullImageFallbackAckMessage struct {
	Ok       bool
	ErrorMsg string
}

func fullImageFallback(dial Dialer, cat *catalog.Manager, cfg Config) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	base, err := cfg.OpenBase()
	if err != nil {
		return err
	}
	defer base.Close()

	var allRecords [][]walb.DiffRecord
	for _, d := range cat.All() {
		f, err := os.Open(cat.Path(d))
		if err != nil {
			return err
		}
		_, recs, err := walb.ReadFile(f)
		f.Close()
		if err != nil {
			return err
		}
		allRecords = append(allRecords, recs)
	}
	merged := catalog.Merge(allRecords)
	scanner := catalog.NewScanner(&sequentialDeviceReader{dev: base}, merged)

	if _, err := proto.Negotiate(conn, string(cfg.VolId), "replicate-full", 1); err != nil {
		return err
	}
	if err := proto.WriteMsg(conn, fullImageFallbackStartRequest{
		VolId: string(cfg.VolId), Uuid: cfg.Uuid, SizeLb: cfg.SizeLb, BulkLb: cfg.BulkLb,
	}); err != nil {
		return err
	}
	var resp fullImageFallbackStartResponse
	if err := proto.ReadMsg(conn, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("%w: replicate-full start rejected: %s", walberr.Relation, resp.ErrorMsg)
	}

	cw := proto.NewChunkWriter(conn)
	if err := fullsync.SendScanner(cw, scanner, cfg.SizeLb, cfg.BulkLb, cfg.CompressionKind); err != nil {
		return err
	}

	head := cat.Latest()
	if err := proto.WriteMsg(conn, fullImageFallbackSnapMessage{Gid0: uint64(head.Gid0), Gid1: uint64(head.Gid1)}); err != nil {
		return err
	}
	var ack fullImageFallbackAckMessage
	if err := proto.ReadMsg(conn, &ack); err != nil {
		return err
	}
	if !ack.Ok {
		return fmt.Errorf("%w: secondary rejected replicate-full result: %s", walberr.Protocol, ack.ErrorMsg)
	}
	mlog.Printf2("replicate/replicate", "full-image fallback done for %s, head=%v", cfg.VolId, head)
	return nil
}

// CreateBase mirrors fullsync.CreateLV: materializes the secondary's
// base image for a cold full-image bootstrap.
type CreateBase func(volId walb.VolumeId, sizeLb uint64) (walb.BlockDevice, error)

// AcceptConfig names everything AcceptFullImage needs beyond the
// socket.
type AcceptConfig struct {
	VolId      walb.VolumeId
	Catalog    *catalog.Manager
	CreateBase CreateBase
}

// AcceptFullImage drives the secondary side of the full-image
// fallback. expectedFrom is ASyncReady for a cold bootstrap (a
// secondary with nothing yet) or AArchived for a re-sync of an
// existing volume whose diff chain has fallen too far behind; both
// transition through AtReplSync to AArchived (spec §4.1's Archive
// graph lists the same target for either start).
func AcceptFullImage(conn net.Conn, vol *statemachine.Volume, expectedFrom statemachine.State, cfg AcceptConfig) error {
	txn, err := vol.Begin(expectedFrom, statemachine.AtReplSync)
	if err != nil {
		return err
	}
	if err := acceptFullImageBody(conn, cfg); err != nil {
		return err
	}
	return txn.Commit(statemachine.AArchived)
}

func acceptFullImageBody(conn net.Conn, cfg AcceptConfig) error {
	var req fullImageFallbackStartRequest
	_, err := proto.NegotiateServe(conn, "archive", func(proto.NegotiateRequest) error { return nil })
	if err != nil {
		return err
	}
	if err := proto.ReadMsg(conn, &req); err != nil {
		return err
	}
	dev, err := cfg.CreateBase(cfg.VolId, req.SizeLb)
	if err != nil {
		proto.WriteMsg(conn, fullImageFallbackStartResponse{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	if err := proto.WriteMsg(conn, fullImageFallbackStartResponse{Ok: true}); err != nil {
		return err
	}

	cr := proto.NewChunkReader(conn)
	var addr uint64
	for {
		c, err := cr.ReadChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		data, err := compress.Uncompress(c)
		if err != nil {
			return err
		}
		if err := dev.WriteAt(addr, data); err != nil {
			return err
		}
		addr += uint64(len(data) / walb.LogicalBlockSize)
	}

	var snapMsg fullImageFallbackSnapMessage
	if err := proto.ReadMsg(conn, &snapMsg); err != nil {
		return err
	}
	finalSnap := walb.Snap{Gid0: walb.Gid(snapMsg.Gid0), Gid1: walb.Gid(snapMsg.Gid1)}
	if err := finalSnap.Validate(); err != nil {
		proto.WriteMsg(conn, fullImageFallbackAckMessage{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	if err := cfg.Catalog.SetBase(walb.MetaState{Snap: finalSnap}); err != nil {
		proto.WriteMsg(conn, fullImageFallbackAckMessage{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	return proto.WriteMsg(conn, fullImageFallbackAckMessage{Ok: true})
}

// HeadResponse carries the secondary's current head snap, the value
// the primary seeds ListApplicable with.
type HeadResponse struct {
	Gid0, Gid1 uint64
}

// QueryHead asks the secondary archive at conn for its current head
// snap for volId, over the "head-query" peer protocol.
func QueryHead(conn net.Conn, volId walb.VolumeId) (walb.Snap, error) {
	if _, err := proto.Negotiate(conn, string(volId), "head-query", 1); err != nil {
		return walb.Snap{}, err
	}
	var resp HeadResponse
	if err := proto.ReadMsg(conn, &resp); err != nil {
		return walb.Snap{}, err
	}
	return walb.Snap{Gid0: walb.Gid(resp.Gid0), Gid1: walb.Gid(resp.Gid1)}, nil
}

// ServeHead answers one head-query: the catalog's latest snap
// (Manager.Latest: base plus the applicable diff chain).
func ServeHead(conn net.Conn, cat *catalog.Manager) error {
	_, err := proto.NegotiateServe(conn, "archive", func(proto.NegotiateRequest) error { return nil })
	if err != nil {
		return err
	}
	head := cat.Latest()
	return proto.WriteMsg(conn, HeadResponse{Gid0: uint64(head.Gid0), Gid1: uint64(head.Gid1)})
}

// sequentialDeviceReader adapts a walb.BlockDevice to the io.Reader
// catalog.Scanner expects, the same addr-cursor pattern hashsync's
// sequentialBaseReader uses.
type sequentialDeviceReader struct {
	dev  walb.BlockDevice
	addr uint64
}

func (b *sequentialDeviceReader) Read(p []byte) (int, error) {
	if len(p)%walb.LogicalBlockSize != 0 {
		return 0, fmt.Errorf("replicate: sequentialDeviceReader.Read requires a block-aligned buffer")
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
