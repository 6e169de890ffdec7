/*
 * Created:       Tue Aug  4 09:30:00 2026 wtools
 *
 */

package walb

import (
	"bytes"
	"testing"

	"github.com/stvp/assert"
)

func TestSnapCleanDirty(t *testing.T) {
	assert.True(t, Snap{Gid0: 3, Gid1: 3}.IsClean())
	assert.False(t, Snap{Gid0: 3, Gid1: 5}.IsClean())
}

func TestMetaDiffFileName(t *testing.T) {
	d := MetaDiff{SnapB: Snap{0, 1}, SnapE: Snap{2, 2}}
	assert.Equal(t, d.FileName(), "0-2.wdiff")
}

func TestWlogPackHeaderRoundtrip(t *testing.T) {
	salt := uint32(12345)
	records := []WlogRecord{{LbSizeLb: 1, Flags: IoNormal}}
	payloads := [][]byte{bytes.Repeat([]byte{0x11}, LogicalBlockSize)}
	pack := NewWlogPack(salt, 100, records, payloads)

	got, err := UnmarshalWlogPackHeader(pack.Header.Marshal(salt), salt)
	assert.Nil(t, err)
	assert.Equal(t, got.LogpackLsid, uint64(100))
	assert.Equal(t, got.NRecords, uint16(1))

	assert.Nil(t, pack.VerifyPayloadChecksums(salt))
}

func TestWlogPackHeaderChecksumDetectsCorruption(t *testing.T) {
	salt := uint32(1)
	h := WlogPackHeader{LogpackLsid: 5, NRecords: 0}
	buf := h.Marshal(salt)
	buf[10] ^= 0xff
	_, err := UnmarshalWlogPackHeader(buf, salt)
	assert.True(t, err != nil)
}

func TestWdiffFileRoundtrip(t *testing.T) {
	header := WdiffFileHeader{MaxIoBlocks: 64, Uuid: NewUuid()}
	records := []DiffRecord{
		NewDiffRecord(0, bytes.Repeat([]byte{1}, LogicalBlockSize)),
		{Addr: 1, IoBlocks: 3, Flags: DiffDiscard},
		{Addr: 4, IoBlocks: 2, Flags: DiffAllZero},
		NewDiffRecord(6, bytes.Repeat([]byte{2}, 2*LogicalBlockSize)),
	}
	var buf bytes.Buffer
	assert.Nil(t, WriteFile(&buf, header, records))

	gotHeader, gotRecords, err := ReadFile(&buf)
	assert.Nil(t, err)
	assert.Equal(t, gotHeader.Uuid, header.Uuid)
	assert.Equal(t, len(gotRecords), len(records))
	for i := range records {
		assert.Equal(t, gotRecords[i].Addr, records[i].Addr)
		assert.Equal(t, gotRecords[i].Flags, records[i].Flags)
		if records[i].Flags == DiffNormal {
			assert.Equal(t, gotRecords[i].Data, records[i].Data)
		}
	}
}

func TestWdiffFileManyRecordsCrossesPackBoundary(t *testing.T) {
	header := WdiffFileHeader{MaxIoBlocks: 1}
	var records []DiffRecord
	for i := 0; i < 70; i++ {
		records = append(records, DiffRecord{Addr: uint64(i), IoBlocks: 1, Flags: DiffAllZero})
	}
	var buf bytes.Buffer
	assert.Nil(t, WriteFile(&buf, header, records))
	_, got, err := ReadFile(&buf)
	assert.Nil(t, err)
	assert.Equal(t, len(got), 70)
}
