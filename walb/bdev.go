/*
 * Created:       Tue Aug  4 10:00:00 2026 wtools
 *
 */

package walb

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// BlockDevice is the core's view of a block device: logical-block
// addressed reads/writes plus a size. The kernel walb device, the LVM
// thin-provisioned snapshot and the AIO engine underneath the ring
// buffer reader are all external collaborators (spec §1); this
// interface is the narrow seam the core talks through.
type BlockDevice interface {
	io.Closer
	SizeLb() uint64
	ReadAt(addr uint64, nBlocks uint32) ([]byte, error)
	WriteAt(addr uint64, data []byte) error
}

// WlogDevice is the Storage-side view of the kernel walb device: a
// BlockDevice that additionally exposes a monotonic log-sequence-id
// and lets the controller reset the written-lsid (spec §1). Only this
// narrow interface is specified; the real ioctl/sysfs plumbing behind
// it is out of scope.
type WlogDevice interface {
	BlockDevice
	Lsid() uint64
	ResetLsid(lsid uint64) error
}

// FileBlockDevice is a plain-file-backed BlockDevice, standing in for
// an LVM logical volume or a kernel walb device in tests and in any
// deployment that does not wire a real block device underneath.
type FileBlockDevice struct {
	mu   sync.Mutex
	f    *os.File
	lsid uint64
}

// CreateFileBlockDevice creates (or truncates) path to hold sizeLb
// logical blocks and returns it opened for read/write, the Archive-
// side "A creates a logical volume sized sizeLb" step of spec §4.4.
func CreateFileBlockDevice(path string, sizeLb uint64) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(sizeLb) * LogicalBlockSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileBlockDevice{f: f}, nil
}

// OpenFileBlockDevice opens an existing file as a BlockDevice.
func OpenFileBlockDevice(path string) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size()%LogicalBlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("walb: %s size %d not a multiple of logical block size", path, st.Size())
	}
	return &FileBlockDevice{f: f}, nil
}

func (d *FileBlockDevice) SizeLb() uint64 {
	st, err := d.f.Stat()
	if err != nil {
		return 0
	}
	return uint64(st.Size()) / LogicalBlockSize
}

func (d *FileBlockDevice) ReadAt(addr uint64, nBlocks uint32) ([]byte, error) {
	buf := make([]byte, int(nBlocks)*LogicalBlockSize)
	_, err := d.f.ReadAt(buf, int64(addr)*LogicalBlockSize)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (d *FileBlockDevice) WriteAt(addr uint64, data []byte) error {
	if len(data)%LogicalBlockSize != 0 {
		return fmt.Errorf("walb: WriteAt: data length %d not block-aligned", len(data))
	}
	_, err := d.f.WriteAt(data, int64(addr)*LogicalBlockSize)
	return err
}

func (d *FileBlockDevice) Close() error {
	return d.f.Close()
}

// Lsid/ResetLsid let a FileBlockDevice double as a WlogDevice stand-in
// in tests, tracking the monotonic log-sequence-id purely in memory.
func (d *FileBlockDevice) Lsid() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lsid
}

func (d *FileBlockDevice) ResetLsid(lsid uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lsid = lsid
	return nil
}

// AdvanceLsid bumps the in-memory lsid by n, used by test producers
// standing in for the kernel device emitting new log records.
func (d *FileBlockDevice) AdvanceLsid(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lsid += n
}
