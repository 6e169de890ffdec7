/*
 * Created:       Wed Aug  5 10:05:00 2026 wtools
 *
 */

package walb

import (
	"bytes"
	"testing"

	"github.com/stvp/assert"
)

func TestReadPacksRoundtrip(t *testing.T) {
	salt := uint32(77)
	p1 := NewWlogPack(salt, 0, []WlogRecord{
		{Lsid: 0, LbSizeLb: 2, Offset: 4, Flags: IoNormal},
	}, [][]byte{bytes.Repeat([]byte{0xaa}, 2*LogicalBlockSize)})
	p2 := NewWlogPack(salt, 1, []WlogRecord{
		{Lsid: 1, LbSizeLb: 3, Offset: 10, Flags: IoDiscard},
		{Lsid: 2, LbSizeLb: 1, Offset: 0, Flags: IoNormal},
	}, [][]byte{nil, bytes.Repeat([]byte{0xbb}, LogicalBlockSize)})

	var spool bytes.Buffer
	spool.Write(p1.Bytes(salt))
	spool.Write(p2.Bytes(salt))

	packs, err := ReadPacks(bytes.NewReader(spool.Bytes()), salt)
	assert.Nil(t, err)
	assert.Equal(t, len(packs), 2)
	assert.Equal(t, packs[0].Header.LogpackLsid, uint64(0))
	assert.Equal(t, packs[1].Header.LogpackLsid, uint64(1))
	assert.Equal(t, len(packs[1].Records), 2)
	assert.True(t, bytes.Equal(packs[0].Payloads[0], p1.Payloads[0]))
}

func TestReadPacksRejectsCorruptPayload(t *testing.T) {
	salt := uint32(3)
	p := NewWlogPack(salt, 0, []WlogRecord{
		{LbSizeLb: 1, Offset: 0, Flags: IoNormal},
	}, [][]byte{bytes.Repeat([]byte{0xcc}, LogicalBlockSize)})
	raw := p.Bytes(salt)
	raw[len(raw)-1] ^= 0xff
	_, err := ReadPacks(bytes.NewReader(raw), salt)
	assert.True(t, err != nil)
}

func TestDiffRecordsFromPackOrdersAndFilters(t *testing.T) {
	salt := uint32(9)
	p := NewWlogPack(salt, 0, []WlogRecord{
		{LbSizeLb: 1, Offset: 8, Flags: IoNormal},
		{LbSizeLb: 4, Offset: 2, Flags: IoDiscard},
		{LbSizeLb: 1, Offset: 0, Flags: IoPadding},
	}, [][]byte{bytes.Repeat([]byte{0xdd}, LogicalBlockSize), nil, nil})

	recs := DiffRecordsFromPack(p)
	assert.Equal(t, len(recs), 2)
	assert.Equal(t, recs[0].Addr, uint64(2))
	assert.Equal(t, recs[0].Flags, DiffDiscard)
	assert.Equal(t, recs[1].Addr, uint64(8))
	assert.Equal(t, recs[1].Flags, DiffNormal)
	assert.True(t, bytes.Equal(recs[1].Data, p.Payloads[0]))
}
