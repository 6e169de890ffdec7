/*
 * Created:       Wed Aug  5 09:20:00 2026 wtools
 *
 */

package walb

import (
	"fmt"
	"io"
	"sort"
)

// ReadPacks parses a concatenation of WlogPack byte streams (the form
// the wlog-device spools newly written log content in), verifying the
// header checksum and each NORMAL record's payload checksum with
// salt. Parsing stops cleanly at EOF on a pack boundary; a truncated
// pack is an error.
func ReadPacks(r io.Reader, salt uint32) ([]WlogPack, error) {
	var packs []WlogPack
	hbuf := make([]byte, wlogPackHeaderSize)
	for {
		if _, err := io.ReadFull(r, hbuf); err != nil {
			if err == io.EOF {
				return packs, nil
			}
			return nil, err
		}
		h, err := UnmarshalWlogPackHeader(hbuf, salt)
		if err != nil {
			return nil, err
		}
		p := WlogPack{Header: h}
		rbuf := make([]byte, wlogRecordSize)
		for i := uint16(0); i < h.NRecords; i++ {
			if _, err := io.ReadFull(r, rbuf); err != nil {
				return nil, fmt.Errorf("wlog pack lsid=%d record %d: %w", h.LogpackLsid, i, err)
			}
			rec, err := UnmarshalWlogRecord(rbuf)
			if err != nil {
				return nil, err
			}
			p.Records = append(p.Records, rec)
		}
		for _, rec := range p.Records {
			if rec.Flags != IoNormal {
				p.Payloads = append(p.Payloads, nil)
				continue
			}
			data := make([]byte, int(rec.LbSizeLb)*LogicalBlockSize)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("wlog pack lsid=%d payload: %w", h.LogpackLsid, err)
			}
			p.Payloads = append(p.Payloads, data)
		}
		if err := p.VerifyPayloadChecksums(salt); err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
}

// DiffRecordsFromPack converts one wlog pack's records into diff
// records in ascending address order: NORMAL writes carry their
// payload, DISCARD becomes a DiffDiscard record, and PADDING records
// (which describe no device content) are dropped. Records within one
// pack never overlap, so a plain sort suffices; compaction across
// packs is the merger's job.
func DiffRecordsFromPack(p WlogPack) []DiffRecord {
	var out []DiffRecord
	for i, rec := range p.Records {
		switch rec.Flags {
		case IoNormal:
			out = append(out, NewDiffRecord(rec.Offset, p.Payloads[i]))
		case IoDiscard:
			out = append(out, DiffRecord{Addr: rec.Offset, IoBlocks: rec.LbSizeLb, Flags: DiffDiscard})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
