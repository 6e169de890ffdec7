/*
 * Created:       Tue Aug  4 12:00:00 2026 wtools
 *
 */

// wdifftransfer implements spec §4.5: a single-diff wdiff transfer
// between P->A or A->A. Grounded on fullsync's negotiate+pipeline
// shape, generalized so the payload is a wdiff file's bytes instead of
// raw device blocks, and on catalog.Relate for the accept/reject
// decision that fullsync has no equivalent of.
package wdifftransfer

import (
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"

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

const queueDepth = 16

// StageLimiter bounds how many wdiff-transfer pipeline stage
// goroutines run concurrently across every in-flight transfer in this
// process.
var StageLimiter = pipeline.NewLimiter(0)

// ClientType distinguishes the two transfer directions named in spec
// §4.5's request.
type ClientType string

const (
	FromProxy   ClientType = "proxy"
	FromArchive ClientType = "archive"
)

// StartRequest is the client's opening message (spec §4.5 step 1).
type StartRequest struct {
	VolId       string
	ClientType  ClientType
	Uuid        walb.Uuid
	MaxIoBlocks uint32
	SizeLb      uint64
	Diff        walb.MetaDiff
}

// StartResponse reports the server's classification of the proposed
// diff (spec §4.5 step 2). Relation is one of "ok", "too-old-diff",
// "too-new-diff", "different-uuid", "stopped", "archive-not-found".
type StartResponse struct {
	Relation string
	ErrorMsg string
}

const (
	relOk              = "ok"
	relTooOld          = "too-old-diff"
	relTooNew          = "too-new-diff"
	relDifferentUuid   = "different-uuid"
	relStopped         = "stopped"
	relArchiveNotFound = "archive-not-found"
)

// ClientConfig names everything Send needs beyond the socket.
type ClientConfig struct {
	VolId       walb.VolumeId
	ClientType  ClientType
	Uuid        walb.Uuid
	MaxIoBlocks uint32
	SizeLb      uint64
	Diff        walb.MetaDiff
	// CompressionKind governs how wdiff bytes are framed; typically
	// Identity, since the wdiff file is already a packed, checksummed
	// format (spec §6).
	CompressionKind compress.Kind
	// Monitor, if set, is fed the logical-block count of every chunk
	// read from the source file.
	Monitor *throughput.Monitor
}

// Outcome reports how the server classified the transfer, for the
// caller to decide whether to discard the source diff (TooOld),
// retry later (TooNew), or treat it as delivered (Ok).
type Outcome struct {
	Relation string
	ErrorMsg string
}

// Send transfers one wdiff file's bytes (read from path) to conn. It
// does not touch any Volume state machine: a P->A transfer in spec
// §4.5 is not itself a transient state on the sender's side, only on
// the receiver's (tWdiffRecv).
func Send(conn net.Conn, cfg ClientConfig, path string) (Outcome, error) {
	if _, err := proto.Negotiate(conn, string(cfg.VolId), "wdiff-transfer", 1); err != nil {
		return Outcome{}, err
	}
	req := StartRequest{
		VolId:       string(cfg.VolId),
		ClientType:  cfg.ClientType,
		Uuid:        cfg.Uuid,
		MaxIoBlocks: cfg.MaxIoBlocks,
		SizeLb:      cfg.SizeLb,
		Diff:        cfg.Diff,
	}
	if err := proto.WriteMsg(conn, req); err != nil {
		return Outcome{}, err
	}
	var resp StartResponse
	if err := proto.ReadMsg(conn, &resp); err != nil {
		return Outcome{}, err
	}
	if resp.Relation != relOk {
		if resp.Relation == relTooOld || resp.Relation == relTooNew {
			return Outcome{Relation: resp.Relation, ErrorMsg: resp.ErrorMsg}, nil
		}
		return Outcome{}, fmt.Errorf("%w: %s: %s", walberr.Relation, resp.Relation, resp.ErrorMsg)
	}

	f, err := os.Open(path)
	if err != nil {
		return Outcome{}, err
	}
	defer f.Close()

	rawQ := queue.New(queueDepth)
	chunkQ := queue.New(queueDepth)
	g := &pipeline.Group{Limiter: StageLimiter}
	g.Add("producer", nil, rawQ, func(_, out *queue.Queue) error {
		return produceFile(f, out, cfg.Monitor)
	})
	g.Add("compressor", rawQ, chunkQ, func(in, out *queue.Queue) error {
		return compressStage(cfg.CompressionKind, in, out)
	})
	g.Add("sender", chunkQ, nil, func(in, _ *queue.Queue) error {
		return senderStage(conn, in)
	})
	if err := g.Run(); err != nil {
		return Outcome{}, err
	}
	mlog.Printf2("wdifftransfer/wdifftransfer", "Send %s %s done", cfg.VolId, cfg.Diff.FileName())
	return Outcome{Relation: relOk}, nil
}

// ServerConfig names everything Accept needs beyond the socket.
type ServerConfig struct {
	Catalog     *catalog.Manager
	NoOtherBusy func() bool
}

// Accept drives the Archive side of spec §4.5: classifies the
// incoming diff against the catalog's current head, and on
// Applicable receives the wdiff file into dir under a temp name,
// renames it atomically into place, and records it in cfg.Catalog.
func Accept(conn net.Conn, vol *statemachine.Volume, cfg ServerConfig, dir string) error {
	var req StartRequest
	_, err := proto.NegotiateServe(conn, "archive", func(proto.NegotiateRequest) error { return nil })
	if err != nil {
		return err
	}
	if err := proto.ReadMsg(conn, &req); err != nil {
		return err
	}

	if vol.IsForceStopping() {
		proto.WriteMsg(conn, StartResponse{Relation: relStopped})
		return walberr.Stopping
	}
	if cfg.NoOtherBusy != nil && !cfg.NoOtherBusy() {
		proto.WriteMsg(conn, StartResponse{Relation: relStopped, ErrorMsg: "archive-action already running"})
		return fmt.Errorf("%w: archive-action already running", walberr.BadState)
	}
	switch vol.Current() {
	case statemachine.AClear:
		proto.WriteMsg(conn, StartResponse{Relation: relArchiveNotFound})
		return nil
	case statemachine.AStopped:
		proto.WriteMsg(conn, StartResponse{Relation: relStopped})
		return nil
	}
	if req.ClientType == FromProxy {
		if u := cfg.Catalog.Uuid(); !u.IsZero() && !req.Uuid.IsZero() && u != req.Uuid {
			proto.WriteMsg(conn, StartResponse{Relation: relDifferentUuid})
			return fmt.Errorf("%w: different-uuid for %s", walberr.Relation, req.VolId)
		}
	}

	head := cfg.Catalog.Latest()
	rel := catalog.Relate(head, req.Diff)
	switch rel {
	case catalog.TooOld:
		proto.WriteMsg(conn, StartResponse{Relation: relTooOld})
		return nil
	case catalog.TooNew:
		proto.WriteMsg(conn, StartResponse{Relation: relTooNew})
		return nil
	}
	if err := proto.WriteMsg(conn, StartResponse{Relation: relOk}); err != nil {
		return err
	}

	txn, err := vol.Begin(statemachine.AArchived, statemachine.AtWdiffRecv)
	if err != nil {
		return err
	}
	if err := acceptBody(conn, req.Diff, cfg.Catalog, dir); err != nil {
		return err
	}
	if !req.Uuid.IsZero() && cfg.Catalog.Uuid().IsZero() {
		// A staging catalog (Proxy) learns its uuid from the first
		// transfer; an Archive catalog had it set at full/hash sync.
		if err := cfg.Catalog.SetUuid(req.Uuid); err != nil {
			return err
		}
	}
	return txn.Commit(statemachine.AArchived)
}

func acceptBody(conn net.Conn, d walb.MetaDiff, cat *catalog.Manager, dir string) error {
	tmp, err := ioutil.TempFile(dir, d.FileName()+".recv.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	chunkQ := queue.New(queueDepth)
	rawQ := queue.New(queueDepth)
	g := &pipeline.Group{Limiter: StageLimiter}
	g.Add("receiver", nil, chunkQ, func(_, out *queue.Queue) error {
		return receiverStage(conn, out)
	})
	g.Add("uncompressor", chunkQ, rawQ, func(in, out *queue.Queue) error {
		return uncompressStage(in, out)
	})
	g.Add("consumer", rawQ, nil, func(in, _ *queue.Queue) error {
		return consumeToFile(tmp, in)
	})
	if err := g.Run(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	finalPath := cat.Path(d)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	return cat.Add(d)
}

func produceFile(f *os.File, out *queue.Queue, mon *throughput.Monitor) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if perr := out.Push(chunk); perr != nil {
				return perr
			}
			if mon != nil {
				mon.AddAndGetPerSec(uint64(n) / walb.LogicalBlockSize)
			}
		}
		if err == io.EOF {
			out.Sync()
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func consumeToFile(f *os.File, in *queue.Queue) error {
	for {
		v, err, ok := in.Pop()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, werr := f.Write(v.([]byte)); werr != nil {
			return werr
		}
	}
}

func compressStage(kind compress.Kind, in, out *queue.Queue) error {
	for {
		v, err, ok := in.Pop()
		if err != nil {
			return err
		}
		if !ok {
			out.Sync()
			return nil
		}
		chunk, err := compress.Compress(kind, v.([]byte))
		if err != nil {
			return err
		}
		if err := out.Push(chunk); err != nil {
			return err
		}
	}
}

func senderStage(conn net.Conn, in *queue.Queue) error {
	cw := proto.NewChunkWriter(conn)
	for {
		v, err, ok := in.Pop()
		if err != nil {
			cw.Abort(err)
			return err
		}
		if !ok {
			return cw.Close()
		}
		if err := cw.WriteChunk(v.(compress.Chunk)); err != nil {
			return err
		}
	}
}

func receiverStage(conn net.Conn, out *queue.Queue) error {
	cr := proto.NewChunkReader(conn)
	for {
		c, err := cr.ReadChunk()
		if err == io.EOF {
			out.Sync()
			return nil
		}
		if err != nil {
			return err
		}
		if err := out.Push(c); err != nil {
			return err
		}
	}
}

func uncompressStage(in, out *queue.Queue) error {
	for {
		v, err, ok := in.Pop()
		if err != nil {
			return err
		}
		if !ok {
			out.Sync()
			return nil
		}
		data, err := compress.Uncompress(v.(compress.Chunk))
		if err != nil {
			return err
		}
		if err := out.Push(data); err != nil {
			return err
		}
	}
}
