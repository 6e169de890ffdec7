/*
 * Created:       Tue Aug  4 11:30:00 2026 wtools
 *
 */

package fullsync

import (
	"io"
	"net"

	"github.com/herumi/walb-tools/bdevreader"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/proto"
	"github.com/herumi/walb-tools/queue"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/throughput"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/walberr"
)

// produceBlocks is the producer stage: reads [begin, end) logical
// blocks from dev in bulkLb-sized pieces (capped at
// MaxBulkBlocksPerFrame) and pushes each piece's raw bytes onto out.
// It polls vol.IsForceStopping() every iteration, the §4.4 step 3
// requirement, and syncs out on a clean finish. mon may be nil; when
// set, every piece read is reported so status/get can surface a
// current blocks/sec figure for the transfer (spec §9's supplemented
// ThroughputMonitor use).
func produceBlocks(vol *statemachine.Volume, dev walb.BlockDevice, begin, end uint64, bulkLb uint32, out *queue.Queue, mon *throughput.Monitor) error {
	addr := begin
	for addr < end {
		if vol.IsForceStopping() {
			return walberr.Stopping
		}
		n := bulkLb
		if n > MaxBulkBlocksPerFrame {
			n = MaxBulkBlocksPerFrame
		}
		if remaining := end - addr; uint64(n) > remaining {
			n = uint32(remaining)
		}
		data, err := dev.ReadAt(addr, n)
		if err != nil {
			return err
		}
		if err := out.Push(data); err != nil {
			return err
		}
		if mon != nil {
			mon.AddAndGetPerSec(uint64(n))
		}
		addr += uint64(n)
	}
	out.Sync()
	return nil
}

// produceBlocksAsync is the producer stage over the ring-buffered
// asynchronous reader of spec §4.7: the reader keeps the device's IO
// queue full ahead of the consumer, and this stage only repackages
// its output into bulkLb-sized frames.
func produceBlocksAsync(vol *statemachine.Volume, engine bdevreader.AioEngine, sizeLb uint64, bulkLb uint32, out *queue.Queue, mon *throughput.Monitor) error {
	rdr, err := bdevreader.New(engine, 0, int64(sizeLb)*walb.LogicalBlockSize)
	if err != nil {
		return err
	}
	defer rdr.Close()
	addr := uint64(0)
	for addr < sizeLb {
		if vol.IsForceStopping() {
			return walberr.Stopping
		}
		n := bulkLb
		if n > MaxBulkBlocksPerFrame {
			n = MaxBulkBlocksPerFrame
		}
		if remaining := sizeLb - addr; uint64(n) > remaining {
			n = uint32(remaining)
		}
		data := make([]byte, int(n)*walb.LogicalBlockSize)
		if err := rdr.Read(data); err != nil {
			return err
		}
		if err := out.Push(data); err != nil {
			return err
		}
		if mon != nil {
			mon.AddAndGetPerSec(uint64(n))
		}
		addr += uint64(n)
	}
	out.Sync()
	return nil
}

// compressStage is the compressor stage: pops raw []byte from in,
// compresses with kind, pushes the resulting compress.Chunk to out.
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

// senderStage is the sender stage: pops compress.Chunk from in and
// writes framed NEXT chunks over conn, emitting the terminal END on a
// clean finish.
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

// receiverStage is the receiver stage: reads framed chunks off conn
// and pushes each onto out, syncing out at the sender's END and
// returning an error (without syncing) at the sender's ERROR.
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

// uncompressStage is the uncompressor stage: pops compress.Chunk from
// in, uncompresses, pushes raw []byte to out.
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
