/*
 * Created:       Tue Aug  4 10:45:00 2026 wtools
 *
 */

package catalog

import (
	"fmt"
	"io"
	"io/ioutil"

	"github.com/herumi/walb-tools/walb"
)

// Scanner is the virtual full scanner of spec §4.6: a byte-oriented
// read interface over (base image, merged diff records) such that
// consumers see the base image overlaid by the diffs, without
// materializing the result. records must already be merged (non-
// overlapping, ascending Addr) — typically the output of Merge.
//
// This is the read path for apply, hash-sync, restore and archive→
// archive replication.
type Scanner struct {
	base     io.Reader
	records  []walb.DiffRecord
	cursor   uint64 // current logical block address
	idx      int    // index into records of the one cursor may be inside
	recOff   uint32 // block offset within records[idx] already served
}

// NewScanner wraps base (seekable or pipe-like) overlaid by records.
func NewScanner(base io.Reader, records []walb.DiffRecord) *Scanner {
	return &Scanner{base: base, records: records}
}

// ReadBlocks returns exactly n blocks of overlaid content, or an
// error if the underlying base read/seek fails.
func (s *Scanner) ReadBlocks(n uint32) ([]byte, error) {
	out := make([]byte, 0, int(n)*walb.LogicalBlockSize)
	remaining := n
	for remaining > 0 {
		if s.idx < len(s.records) && s.records[s.idx].Addr+uint64(s.recOff) == s.cursor {
			rec := s.records[s.idx]
			take := rec.IoBlocks - s.recOff
			if take > remaining {
				take = remaining
			}
			switch rec.Flags {
			case walb.DiffNormal:
				lo := int(s.recOff) * walb.LogicalBlockSize
				hi := lo + int(take)*walb.LogicalBlockSize
				out = append(out, rec.Data[lo:hi]...)
			default: // DiffDiscard, DiffAllZero: zero-filled blocks
				out = append(out, make([]byte, int(take)*walb.LogicalBlockSize)...)
			}
			if err := s.skipBase(take); err != nil {
				return nil, err
			}
			s.recOff += take
			s.cursor += uint64(take)
			remaining -= take
			if s.recOff >= rec.IoBlocks {
				s.idx++
				s.recOff = 0
			}
			continue
		}

		// Pass-through region: read from base up to the next diff
		// record's start (or all of remaining, if no more records).
		take := remaining
		if s.idx < len(s.records) {
			nextAddr := s.records[s.idx].Addr
			if nextAddr < s.cursor {
				return nil, fmt.Errorf("catalog: scanner: non-monotonic record addr %d at cursor %d", nextAddr, s.cursor)
			}
			if gap := uint32(nextAddr - s.cursor); gap < take {
				take = gap
			}
		}
		buf := make([]byte, int(take)*walb.LogicalBlockSize)
		if _, err := io.ReadFull(s.base, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
		s.cursor += uint64(take)
		remaining -= take
	}
	return out, nil
}

// skipBase advances the base reader past n blocks it will not be
// read from directly, because a diff record supplied this range's
// content instead (spec §4.6 step 3: "seek if seekable; otherwise
// read-and-discard to stay synchronized").
func (s *Scanner) skipBase(n uint32) error {
	if n == 0 {
		return nil
	}
	if seeker, ok := s.base.(io.Seeker); ok {
		_, err := seeker.Seek(int64(n)*walb.LogicalBlockSize, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(ioutil.Discard, s.base, int64(n)*walb.LogicalBlockSize)
	return err
}

// Read implements io.Reader over block-aligned buffers.
func (s *Scanner) Read(p []byte) (int, error) {
	if len(p)%walb.LogicalBlockSize != 0 {
		return 0, fmt.Errorf("catalog: scanner: Read requires a block-aligned buffer, got %d bytes", len(p))
	}
	n := uint32(len(p) / walb.LogicalBlockSize)
	data, err := s.ReadBlocks(n)
	if err != nil {
		return 0, err
	}
	copy(p, data)
	return len(data), nil
}
