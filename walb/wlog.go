/*
 * Created:       Tue Aug  4 09:24:00 2026 wtools
 *
 */

package walb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// LogicalBlockSize is fixed at 512 bytes (spec §6).
const LogicalBlockSize = 512

// IoFlag encodes what a WlogRecord's payload means.
type IoFlag uint8

const (
	IoNormal  IoFlag = 0
	IoDiscard IoFlag = 1
	IoPadding IoFlag = 2
)

// WlogPackHeader is the fixed-size header of one wlog pack: {checksum,
// sectorType, totalIoSize, logpackLsid, nRecords, reserved}. The
// checksum covers the header bytes excluding the checksum field
// itself, salted with the volume's salt (spec §6).
type WlogPackHeader struct {
	Checksum    uint32
	SectorType  uint16
	Reserved    uint16
	TotalIoSize uint32 // sum of record payload sizes, in logical blocks
	LogpackLsid uint64
	NRecords    uint16
	_           uint16 // padding to an 8-byte boundary
}

const wlogPackHeaderSize = 4 + 2 + 2 + 4 + 8 + 2 + 2

// WlogRecord is one record within a wlog pack: {checksum, lsid,
// lbSizeLb, offset, flags}.
type WlogRecord struct {
	Checksum uint32
	Lsid     uint64
	LbSizeLb uint32
	Offset   uint64
	Flags    IoFlag
}

const wlogRecordSize = 4 + 8 + 4 + 8 + 1

func (h WlogPackHeader) marshalWithChecksum(salt uint32, checksum uint32) []byte {
	buf := make([]byte, wlogPackHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], checksum)
	binary.BigEndian.PutUint16(buf[4:6], h.SectorType)
	binary.BigEndian.PutUint16(buf[6:8], h.Reserved)
	binary.BigEndian.PutUint32(buf[8:12], h.TotalIoSize)
	binary.BigEndian.PutUint64(buf[12:20], h.LogpackLsid)
	binary.BigEndian.PutUint16(buf[20:22], h.NRecords)
	return buf
}

// Marshal serializes the header and fills in Checksum, salted with
// salt and covering every header byte except the checksum field.
func (h *WlogPackHeader) Marshal(salt uint32) []byte {
	zero := h.marshalWithChecksum(salt, 0)
	h.Checksum = Checksum(salt, zero[4:])
	return h.marshalWithChecksum(salt, h.Checksum)
}

// UnmarshalWlogPackHeader parses a header and verifies its checksum.
func UnmarshalWlogPackHeader(buf []byte, salt uint32) (WlogPackHeader, error) {
	if len(buf) < wlogPackHeaderSize {
		return WlogPackHeader{}, fmt.Errorf("wlog pack header too short: %d", len(buf))
	}
	h := WlogPackHeader{
		Checksum:    binary.BigEndian.Uint32(buf[0:4]),
		SectorType:  binary.BigEndian.Uint16(buf[4:6]),
		Reserved:    binary.BigEndian.Uint16(buf[6:8]),
		TotalIoSize: binary.BigEndian.Uint32(buf[8:12]),
		LogpackLsid: binary.BigEndian.Uint64(buf[12:20]),
		NRecords:    binary.BigEndian.Uint16(buf[20:22]),
	}
	if !VerifyChecksum(salt, buf[4:wlogPackHeaderSize], h.Checksum) {
		return WlogPackHeader{}, fmt.Errorf("wlog pack header checksum mismatch")
	}
	return h, nil
}

// Marshal serializes a WlogRecord.
func (r WlogRecord) Marshal() []byte {
	buf := make([]byte, wlogRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.Checksum)
	binary.BigEndian.PutUint64(buf[4:12], r.Lsid)
	binary.BigEndian.PutUint32(buf[12:16], r.LbSizeLb)
	binary.BigEndian.PutUint64(buf[16:24], r.Offset)
	buf[24] = byte(r.Flags)
	return buf
}

// UnmarshalWlogRecord parses a WlogRecord.
func UnmarshalWlogRecord(buf []byte) (WlogRecord, error) {
	if len(buf) < wlogRecordSize {
		return WlogRecord{}, fmt.Errorf("wlog record too short: %d", len(buf))
	}
	return WlogRecord{
		Checksum: binary.BigEndian.Uint32(buf[0:4]),
		Lsid:     binary.BigEndian.Uint64(buf[4:12]),
		LbSizeLb: binary.BigEndian.Uint32(buf[12:16]),
		Offset:   binary.BigEndian.Uint64(buf[16:24]),
		Flags:    IoFlag(buf[24]),
	}, nil
}

// WlogPack is one header plus its per-record payload blocks, as
// streamed between S and P, or S and A during full/hash sync.
type WlogPack struct {
	Header  WlogPackHeader
	Records []WlogRecord
	// Payloads[i] holds LbSizeLb[i]*LogicalBlockSize bytes for
	// Records[i] when Flags==IoNormal; Discard/Padding records carry
	// no payload.
	Payloads [][]byte
}

// VerifyPayloadChecksums checks every IoNormal record's salted payload
// checksum.
func (p WlogPack) VerifyPayloadChecksums(salt uint32) error {
	for i, r := range p.Records {
		if r.Flags != IoNormal {
			continue
		}
		if !VerifyChecksum(salt, p.Payloads[i], r.Checksum) {
			return fmt.Errorf("wlog record %d payload checksum mismatch", i)
		}
	}
	return nil
}

// NewWlogPack builds a pack whose header checksum and record checksums
// are computed from the given records/payloads.
func NewWlogPack(salt uint32, logpackLsid uint64, records []WlogRecord, payloads [][]byte) WlogPack {
	total := uint32(0)
	for i := range records {
		if records[i].Flags == IoNormal {
			records[i].Checksum = Checksum(salt, payloads[i])
		}
		total += records[i].LbSizeLb
	}
	h := WlogPackHeader{
		SectorType:  1,
		TotalIoSize: total,
		LogpackLsid: logpackLsid,
		NRecords:    uint16(len(records)),
	}
	h.Marshal(salt)
	return WlogPack{Header: h, Records: records, Payloads: payloads}
}

// Bytes serializes the whole pack (header, then each record header,
// then each record's payload) for writing to the wlog-device or
// wire.
func (p WlogPack) Bytes(salt uint32) []byte {
	var buf bytes.Buffer
	h := p.Header
	buf.Write(h.Marshal(salt))
	for _, r := range p.Records {
		buf.Write(r.Marshal())
	}
	for i, r := range p.Records {
		if r.Flags == IoNormal {
			buf.Write(p.Payloads[i])
		}
	}
	return buf.Bytes()
}
