/*
 * Created:       Tue Aug  4 10:58:00 2026 wtools
 *
 */

package catalog

import (
	"bytes"
	"io"
	"testing"

	"github.com/herumi/walb-tools/walb"
	"github.com/stvp/assert"
)

func TestScannerEquivalentToApply(t *testing.T) {
	base := bytes.Repeat(block('B'), 4)
	records := []walb.DiffRecord{
		walb.NewDiffRecord(1, bytes.Repeat(block('X'), 2)),
	}
	want := apply(base, records)

	s := NewScanner(bytes.NewReader(base), records)
	got, err := s.ReadBlocks(4)
	assert.Nil(t, err)
	assert.Equal(t, got, want)
}

func TestScannerAllZeroAndDiscard(t *testing.T) {
	base := bytes.Repeat(block('B'), 3)
	records := []walb.DiffRecord{
		{Addr: 0, IoBlocks: 1, Flags: walb.DiffAllZero},
		{Addr: 1, IoBlocks: 1, Flags: walb.DiffDiscard},
	}
	s := NewScanner(bytes.NewReader(base), records)
	got, err := s.ReadBlocks(3)
	assert.Nil(t, err)
	assert.Equal(t, got[:walb.LogicalBlockSize*2], make([]byte, walb.LogicalBlockSize*2))
	assert.Equal(t, got[walb.LogicalBlockSize*2:], block('B'))
}

func TestScannerWorksWithPipeLikeBase(t *testing.T) {
	base := bytes.Repeat(block('B'), 4)
	records := []walb.DiffRecord{walb.NewDiffRecord(2, block('Y'))}
	want := apply(base, records)

	r, w := io.Pipe()
	go func() {
		w.Write(base)
		w.Close()
	}()
	s := NewScanner(r, records)
	got, err := s.ReadBlocks(4)
	assert.Nil(t, err)
	assert.Equal(t, got, want)
}

func TestScannerTailPassthrough(t *testing.T) {
	base := bytes.Repeat(block('B'), 3)
	records := []walb.DiffRecord{walb.NewDiffRecord(0, block('Z'))}
	s := NewScanner(bytes.NewReader(base), records)
	got, err := s.ReadBlocks(3)
	assert.Nil(t, err)
	assert.Equal(t, got[:walb.LogicalBlockSize], block('Z'))
	assert.Equal(t, got[walb.LogicalBlockSize:], bytes.Repeat(block('B'), 2))
}
