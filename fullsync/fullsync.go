/*
 * Created:       Tue Aug  4 11:00:00 2026 wtools
 *
 */

// fullsync implements the dirty full sync client and server of spec
// §4.4: a pipelined, compressed, bounded-queue transfer of an entire
// volume's contents under live write load, terminating with a
// consistent snapshot-identifier pair. fullsync adds no checksum of
// its own to the data stream. Grounded on proto's
// negotiate handshake and framed chunk stream, and on statemachine's
// transaction contract for the SyncReady<->tFullSync<->{Stopped,
// Archived} transitions spec §4.1 names for each role.
package fullsync

import (
	"fmt"
	"net"
	"time"

	"github.com/herumi/walb-tools/bdevreader"
	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/pipeline"
	"github.com/herumi/walb-tools/proto"
	"github.com/herumi/walb-tools/queue"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/throughput"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/walberr"
)

// queueDepth is the standard stage size of spec §4.2.
const queueDepth = 16

// StageLimiter bounds how many full-sync pipeline stage goroutines run
// concurrently across every in-flight transfer in this process.
var StageLimiter = pipeline.NewLimiter(0)

// MaxBulkBlocksPerFrame caps a single frame's logical blocks, per
// spec §4.4 ("16 GiB of work is chunked at <= 65535 blocks per
// frame").
const MaxBulkBlocksPerFrame = 65535

// StartRequest is the client's opening message, after the generic
// proto.Negotiate handshake (spec §4.4 step 2).
type StartRequest struct {
	HostType string // "storage"
	VolId    string
	Uuid     walb.Uuid
	SizeLb   uint64
	CurTime  int64
	BulkLb   uint32
}

type StartResponse struct {
	Ok       bool
	ErrorMsg string
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
	VolId           walb.VolumeId
	Uuid            walb.Uuid
	BulkLb          uint32
	CompressionKind compress.Kind
	// FinalSnap is the consistent snap bounding the post-copy point,
	// computed by the caller from the device's lsid/gid bookkeeping.
	FinalSnap walb.Snap
	// Monitor, if set, is fed every block read so a concurrent get/
	// status call can report the transfer's current rate.
	Monitor *throughput.Monitor
	// Engine, if set, switches the producer stage to the ring-
	// buffered asynchronous reader instead of synchronous
	// dev.ReadAt calls.
	Engine bdevreader.AioEngine
}

// RunClient drives the Storage side of spec §4.4: acquires SyncReady
// -> tFullSync, streams dev's full extent to conn, sends the final
// snap pair, and commits tFullSync -> Stopped on success. It never
// commits to Master; the caller does that separately via
// Stopped -> tStartMaster -> Master once it is ready.
func RunClient(conn net.Conn, vol *statemachine.Volume, cfg ClientConfig, dev walb.BlockDevice) error {
	txn, err := vol.Begin(statemachine.SSyncReady, statemachine.StFullSync)
	if err != nil {
		return err
	}
	// Per spec §7, a failure inside the transient state is not rolled
	// back automatically: the Txn is simply abandoned uncommitted,
	// leaving the volume at tFullSync until an operator issues
	// reset-vol (Volume.ForceReset).
	if err := runClientBody(conn, vol, cfg, dev); err != nil {
		return err
	}
	return txn.Commit(statemachine.SStopped)
}

func runClientBody(conn net.Conn, vol *statemachine.Volume, cfg ClientConfig, dev walb.BlockDevice) error {
	if _, err := proto.Negotiate(conn, string(cfg.VolId), "full-sync", 1); err != nil {
		return err
	}
	req := StartRequest{
		HostType: "storage",
		VolId:    string(cfg.VolId),
		Uuid:     cfg.Uuid,
		SizeLb:   dev.SizeLb(),
		CurTime:  time.Now().Unix(),
		BulkLb:   cfg.BulkLb,
	}
	if err := proto.WriteMsg(conn, req); err != nil {
		return err
	}
	var resp StartResponse
	if err := proto.ReadMsg(conn, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("%w: full-sync start rejected: %s", walberr.Relation, resp.ErrorMsg)
	}

	sizeLb := dev.SizeLb()
	rawQ := queue.New(queueDepth)
	chunkQ := queue.New(queueDepth)
	g := &pipeline.Group{Limiter: StageLimiter}
	g.Add("producer", nil, rawQ, func(_, out *queue.Queue) error {
		if cfg.Engine != nil {
			return produceBlocksAsync(vol, cfg.Engine, sizeLb, cfg.BulkLb, out, cfg.Monitor)
		}
		return produceBlocks(vol, dev, 0, sizeLb, cfg.BulkLb, out, cfg.Monitor)
	})
	g.Add("compressor", rawQ, chunkQ, func(in, out *queue.Queue) error {
		return compressStage(cfg.CompressionKind, in, out)
	})
	g.Add("sender", chunkQ, nil, func(in, _ *queue.Queue) error {
		return senderStage(conn, in)
	})
	if err := g.Run(); err != nil {
		return err
	}

	if err := proto.WriteMsg(conn, SnapMessage{Gid0: uint64(cfg.FinalSnap.Gid0), Gid1: uint64(cfg.FinalSnap.Gid1)}); err != nil {
		return err
	}
	var ack AckMessage
	if err := proto.ReadMsg(conn, &ack); err != nil {
		return err
	}
	if !ack.Ok {
		return fmt.Errorf("%w: server rejected final snap: %s", walberr.Protocol, ack.ErrorMsg)
	}
	mlog.Printf2("fullsync/fullsync", "RunClient %s done, %d blocks sent", cfg.VolId, sizeLb)
	return nil
}

// CreateLV is the callback signature ServerAccept uses to materialize
// a logical volume sized sizeLb, the step the out-of-scope LVM
// wrapper really performs.
type CreateLV func(volId walb.VolumeId, sizeLb uint64) (walb.BlockDevice, error)

// ServerConfig names everything RunServer needs beyond the socket.
type ServerConfig struct {
	VolId       walb.VolumeId
	Catalog     *catalog.Manager
	CreateLV    CreateLV
	NoOtherBusy func() bool // reports whether any archive-action is running
	Monitor     *throughput.Monitor
}

// RunServer drives the Archive side of spec §4.4: acquires SyncReady
// -> tFullSync, creates the LV, consumes the stream, and on success
// persists MetaState and commits tFullSync -> Archived.
func RunServer(conn net.Conn, vol *statemachine.Volume, cfg ServerConfig) error {
	if cfg.NoOtherBusy != nil && !cfg.NoOtherBusy() {
		return fmt.Errorf("%w: archive-action already running for %s", walberr.BadState, cfg.VolId)
	}
	txn, err := vol.Begin(statemachine.ASyncReady, statemachine.AtFullSync)
	if err != nil {
		return err
	}
	if err := runServerBody(conn, vol, cfg); err != nil {
		return err
	}
	return txn.Commit(statemachine.AArchived)
}

func runServerBody(conn net.Conn, vol *statemachine.Volume, cfg ServerConfig) error {
	var req StartRequest
	_, err := proto.NegotiateServe(conn, "archive", func(proto.NegotiateRequest) error { return nil })
	if err != nil {
		return err
	}
	if err := proto.ReadMsg(conn, &req); err != nil {
		return err
	}
	dev, err := cfg.CreateLV(cfg.VolId, req.SizeLb)
	if err != nil {
		proto.WriteMsg(conn, StartResponse{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	if err := proto.WriteMsg(conn, StartResponse{Ok: true}); err != nil {
		return err
	}

	chunkQ := queue.New(queueDepth)
	rawQ := queue.New(queueDepth)
	g := &pipeline.Group{Limiter: StageLimiter}
	g.Add("receiver", nil, chunkQ, func(_, out *queue.Queue) error {
		return receiverStage(conn, out)
	})
	g.Add("uncompressor", chunkQ, rawQ, func(in, out *queue.Queue) error {
		return uncompressStage(in, out)
	})
	var addr uint64
	g.Add("consumer", rawQ, nil, func(in, _ *queue.Queue) error {
		for {
			if vol.IsForceStopping() {
				return walberr.Stopping
			}
			v, err, ok := in.Pop()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			data := v.([]byte)
			nBlocks := uint32(len(data) / walb.LogicalBlockSize)
			if err := dev.WriteAt(addr, data); err != nil {
				return err
			}
			if cfg.Monitor != nil {
				cfg.Monitor.AddAndGetPerSec(uint64(nBlocks))
			}
			addr += uint64(nBlocks)
		}
	})
	if err := g.Run(); err != nil {
		return err
	}

	var snapMsg SnapMessage
	if err := proto.ReadMsg(conn, &snapMsg); err != nil {
		return err
	}
	finalSnap := walb.Snap{Gid0: walb.Gid(snapMsg.Gid0), Gid1: walb.Gid(snapMsg.Gid1)}
	if err := finalSnap.Validate(); err != nil {
		proto.WriteMsg(conn, AckMessage{Ok: false, ErrorMsg: err.Error()})
		return err
	}
	if err := cfg.Catalog.SetBase(walb.MetaState{Snap: finalSnap, Timestamp: time.Now().Unix()}); err != nil {
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
	mlog.Printf2("fullsync/fullsync", "RunServer %s done, snap=%v", cfg.VolId, finalSnap)
	return nil
}

// SendScanner frames the byte stream produced by a catalog.Scanner
// exactly like a dirty full sync data stream, so that replicate's
// full-image fallback (spec §4.6) can share this wire shape. bulkLb
// bounds how many blocks are read per frame.
func SendScanner(cw *proto.ChunkWriter, scanner *catalog.Scanner, sizeLb uint64, bulkLb uint32, kind compress.Kind) error {
	var addr uint64
	for addr < sizeLb {
		n := bulkLb
		if n > MaxBulkBlocksPerFrame {
			n = MaxBulkBlocksPerFrame
		}
		if remaining := sizeLb - addr; uint64(n) > remaining {
			n = uint32(remaining)
		}
		data, err := scanner.ReadBlocks(n)
		if err != nil {
			cw.Abort(err)
			return err
		}
		chunk, err := compress.Compress(kind, data)
		if err != nil {
			cw.Abort(err)
			return err
		}
		if err := cw.WriteChunk(chunk); err != nil {
			return err
		}
		addr += uint64(n)
	}
	return cw.Close()
}
