/*
 * Created:       Tue Aug  4 10:40:00 2026 wtools
 *
 */

// merger compacts a contiguous run of diffs' DiffRecord sets into one
// equivalent set (spec §4.6): for each logical block address, the
// latest-in-chain record wins, with DISCARD/ALL_ZERO short-circuiting
// earlier writes exactly like any other record would. The compaction
// is done at block granularity (each record's io-block range) so that
// partially overlapping writes compose correctly, then adjacent
// same-source blocks are coalesced back into records, copying the
// relevant byte range out of the original payload.
package catalog

import (
	"sort"

	"github.com/herumi/walb-tools/walb"
)

type blockSrc struct {
	rec    *walb.DiffRecord
	offset uint32 // block offset within rec
}

// Merge compacts a contiguous chain of diffs (oldest first) into one
// equivalent record set, in ascending address order.
func Merge(chain [][]walb.DiffRecord) []walb.DiffRecord {
	blocks := make(map[uint64]blockSrc)
	for ci := range chain {
		for ri := range chain[ci] {
			r := &chain[ci][ri]
			for b := uint32(0); b < r.IoBlocks; b++ {
				blocks[r.Addr+uint64(b)] = blockSrc{rec: r, offset: b}
			}
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	addrs := make([]uint64, 0, len(blocks))
	for a := range blocks {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var out []walb.DiffRecord
	i := 0
	for i < len(addrs) {
		start := addrs[i]
		src := blocks[start]
		j := i + 1
		for j < len(addrs) &&
			addrs[j] == addrs[j-1]+1 &&
			blocks[addrs[j]].rec == src.rec &&
			blocks[addrs[j]].offset == src.offset+uint32(j-i) {
			j++
		}
		out = append(out, buildRecord(start, uint32(j-i), src))
		i = j
	}
	return out
}

func buildRecord(addr uint64, n uint32, src blockSrc) walb.DiffRecord {
	rec := walb.DiffRecord{Addr: addr, IoBlocks: n, Flags: src.rec.Flags}
	if src.rec.Flags == walb.DiffNormal {
		lo := int(src.offset) * walb.LogicalBlockSize
		hi := lo + int(n)*walb.LogicalBlockSize
		data := make([]byte, hi-lo)
		copy(data, src.rec.Data[lo:hi])
		rec.Data = data
		rec.Checksum = walb.Checksum(0, data)
	}
	return rec
}
