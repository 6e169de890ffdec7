/*
 * Created:       Tue Aug  4 09:17:00 2026 wtools
 *
 */

package pipeline

import "github.com/herumi/walb-tools/util"

// Limiter caps the number of concurrent auxiliary threads (producer,
// compressor(s), sender/receiver, uncompressor, consumer) a single
// transfer may run, per spec §5. It is a thin rename of the teacher's
// util.ParallelLimiter so pipeline users don't need to know about
// util directly.
type Limiter struct {
	util.ParallelLimiter
}

// NewLimiter returns a Limiter allowing at most max concurrent
// goroutines; max<=0 falls back to the teacher's per-CPU default.
func NewLimiter(max int) *Limiter {
	l := &Limiter{}
	if max > 0 {
		l.LimitTotal = max
	}
	return l
}
