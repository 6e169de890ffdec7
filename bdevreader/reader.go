/*
 * Created:       Tue Aug  4 12:45:00 2026 wtools
 *
 */

package bdevreader

import (
	"fmt"
	"io"
	"sync"

	"github.com/herumi/walb-tools/mlog"
)

// Future is the outcome of one asynchronous read submitted to an
// AioEngine: Wait blocks until the IO completes and reports the
// number of bytes actually read.
type Future interface {
	Wait() (int, error)
}

// AioEngine is the out-of-scope "raw-block-device AIO engine below
// the ring buffer abstraction" (spec §1): Submit issues an
// asynchronous read of len(buf) bytes at device byte offset off and
// returns a Future for its completion. Real implementations wrap
// Linux AIO / io_uring against an O_DIRECT file descriptor; tests use
// an in-memory fake.
type AioEngine interface {
	Submit(off int64, buf []byte) (Future, error)
}

const (
	defaultBufferSize = 4 << 20  // 4 MiB
	defaultMaxIoSize  = 64 << 10 // 64 KiB
)

type pendingIO struct {
	future Future
	size   int
}

// Reader is the asynchronous sequential block-device reader of spec
// §4.7: it keeps the device's AIO queue full up to bufferSize bytes
// ahead of the consumer, reaping completions only when the consumer
// actually needs more data.
type Reader struct {
	mu sync.Mutex

	engine    AioEngine
	ring      *ringBuffer
	maxIoSize int

	devOffset int64 // next byte offset to submit at
	devTotal  int64 // device size in bytes; reads stop here

	pending []pendingIO
	closed  bool
}

// Option configures a Reader beyond its required arguments.
type Option func(*Reader)

// WithMaxIoSize overrides the default 64 KiB per-IO cap.
func WithMaxIoSize(n int) Option {
	return func(r *Reader) { r.maxIoSize = n }
}

// WithBufferSize overrides the default 4 MiB ring buffer size.
func WithBufferSize(n int) Option {
	return func(r *Reader) { r.ring = newRingBuffer(n) }
}

// New creates a Reader over engine, starting at devOffset (bytes) and
// reading at most devTotal-devOffset bytes total, then immediately
// begins read-ahead.
func New(engine AioEngine, devOffset, devTotal int64, opts ...Option) (*Reader, error) {
	if devOffset > devTotal {
		return nil, fmt.Errorf("bdevreader: offset %d exceeds total %d", devOffset, devTotal)
	}
	r := &Reader{
		engine:    engine,
		ring:      newRingBuffer(defaultBufferSize),
		maxIoSize: defaultMaxIoSize,
		devOffset: devOffset,
		devTotal:  devTotal,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxIoSize > r.ring.len() {
		return nil, fmt.Errorf("bdevreader: maxIoSize %d exceeds buffer size %d", r.maxIoSize, r.ring.len())
	}
	r.readAhead()
	return r, nil
}

// readAhead submits as many IOs as the ring buffer's free space and
// remaining device extent allow, in one batch (spec §4.7: "keeping
// the device queue full until the buffer fills or the device end is
// reached").
func (r *Reader) readAhead() {
	n := 0
	for r.prepareAheadIo() {
		n++
	}
	if n > 0 {
		mlog.Printf2("bdevreader/reader", "readAhead submitted %d IOs", n)
	}
}

func (r *Reader) prepareAheadIo() bool {
	if r.devOffset >= r.devTotal {
		return false
	}
	size := r.decideIoSize()
	if size == 0 {
		return false
	}
	buf := r.ring.prepare(size)
	future, err := r.engine.Submit(r.devOffset, buf)
	if err != nil {
		// A submission failure is surfaced to the next Read call by
		// wrapping a failing Future rather than panicking here, since
		// readAhead has no error return in the original design.
		future = failedFuture{err: err, size: size}
	}
	r.pending = append(r.pending, pendingIO{future: future, size: size})
	r.devOffset += int64(size)
	return true
}

func (r *Reader) decideIoSize() int {
	avail := r.ring.availableSize()
	if avail == 0 {
		return 0
	}
	size := r.maxIoSize
	if size > avail {
		size = avail
	}
	remaining := r.devTotal - r.devOffset
	if int64(size) > remaining {
		size = int(remaining)
	}
	return size
}

type failedFuture struct {
	err  error
	size int
}

func (f failedFuture) Wait() (int, error) { return 0, f.err }

// waitForIo blocks on the oldest outstanding IO and folds its result
// into the ring buffer.
func (r *Reader) waitForIo() error {
	if len(r.pending) == 0 {
		return fmt.Errorf("bdevreader: waitForIo with no pending IO")
	}
	io := r.pending[0]
	r.pending = r.pending[1:]
	n, err := io.future.Wait()
	if err != nil {
		return err
	}
	if n != io.size {
		return fmt.Errorf("bdevreader: short read: got %d want %d", n, io.size)
	}
	r.ring.complete(io.size)
	return nil
}

// Read fills buf completely from the device, in order, submitting new
// ahead IOs as space frees up. It returns io.EOF once the device
// extent is exhausted and no more data is buffered.
func (r *Reader) Read(buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("bdevreader: read after close")
	}
	remaining := len(buf)
	written := 0
	for remaining > 0 {
		if r.ring.readableSizeNow() == 0 {
			if len(r.pending) == 0 {
				return io.EOF
			}
			if err := r.waitForIo(); err != nil {
				return err
			}
			continue
		}
		n := r.ring.readableSizeNow()
		if n > remaining {
			n = remaining
		}
		r.ring.consume(buf[written:written+n], n, true)
		written += n
		remaining -= n
		r.readAhead()
	}
	return nil
}

// Close reaps every outstanding IO, silencing any error (spec §4.7:
// "on destruction, all outstanding IOs are reaped, exceptions
// silenced").
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for len(r.pending) > 0 {
		io := r.pending[0]
		r.pending = r.pending[1:]
		if _, err := io.future.Wait(); err != nil {
			mlog.Printf2("bdevreader/reader", "Close: reaping IO: %v", err)
		}
	}
}
