/*
 * Created:       Tue Aug  4 10:35:00 2026 wtools
 *
 */

package catalog

import "github.com/herumi/walb-tools/walb"

// Kind is the documented outcome of classifying a candidate MetaDiff
// against the receiver's current head snap (spec §4.5's Relation
// rule).
type Kind int

const (
	Applicable Kind = iota
	TooOld
	TooNew
)

func (k Kind) String() string {
	switch k {
	case Applicable:
		return "applicable"
	case TooOld:
		return "too-old-diff"
	case TooNew:
		return "too-new-diff"
	default:
		return "unknown"
	}
}

// Relate classifies diff against head, the catalog's latest snap as
// Manager.Latest derives it (spec §4.5):
//
//   - clean diff b->e: applicable iff b == head; too-old iff e <=
//     head; too-new iff b > head.
//   - dirty diff: applicable iff b.gid0 == head.gid0 && b.gid1 <=
//     head.gid1; otherwise too-old if it is fully below head, else
//     too-new.
func Relate(head walb.Snap, diff walb.MetaDiff) Kind {
	b, e := diff.SnapB, diff.SnapE
	if diff.IsDirty {
		if b.Gid0 == head.Gid0 && b.Gid1 <= head.Gid1 {
			return Applicable
		}
		if e.Gid1 <= head.Gid1 {
			return TooOld
		}
		return TooNew
	}
	if b == head {
		return Applicable
	}
	if e.Gid1 <= head.Gid1 {
		return TooOld
	}
	return TooNew
}
