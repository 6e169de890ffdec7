/*
 * Created:       Tue Aug  4 09:15:00 2026 wtools
 *
 */

// pipeline is the thread-runner pool used by the wlog/wdiff transfer
// pipelines (spec §4.2, §5, Design Note §9). Each Stage is a goroutine
// reading an input queue and writing an output queue; a Group joins
// all stages of one transfer, surfacing the first error while logging
// the rest. Grounded on the teacher's xxx/future.go value-future and
// util/simplewaitgroup.go, generalized from a single future per task
// into a fan-in supervisor over named stages.
package pipeline

import (
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/queue"
	"golang.org/x/sync/errgroup"
)

// StageFunc is one pipeline stage's body. in/out may be nil for the
// first producer / last consumer stage. On any error, the stage must
// return it; Group takes care of propagating fail() onto the
// neighboring queues.
type StageFunc func(in, out *queue.Queue) error

// namedStage pairs a stage body with its queues for fail propagation.
type namedStage struct {
	name string
	fn   StageFunc
	in   *queue.Queue
	out  *queue.Queue
}

// Group runs a fixed set of stages concurrently for the duration of
// one transfer and joins them. There is no partial-restart inside a
// transfer: a Group is run exactly once.
type Group struct {
	stages []namedStage

	// Limiter, if set, bounds how many of this Group's stages run at
	// once; a caller running many Groups concurrently (one per active
	// transfer) can share one Limiter across all of them to cap total
	// auxiliary goroutines daemon-wide.
	Limiter *Limiter
}

// Add registers a stage. in and/or out may be nil.
func (g *Group) Add(name string, in, out *queue.Queue, fn StageFunc) {
	g.stages = append(g.stages, namedStage{name: name, fn: fn, in: in, out: out})
}

// Run launches every registered stage as a goroutine and blocks until
// all have returned. It returns the first error any stage returned in
// time (errgroup's semantics), not the first by registration order;
// every error is logged regardless of whether it is the one returned.
func (g *Group) Run() error {
	var eg errgroup.Group
	errs := make([]error, len(g.stages))
	for i, st := range g.stages {
		i, st := i, st
		eg.Go(func() (err error) {
			if g.Limiter != nil {
				defer g.Limiter.Limited()()
			}
			defer func() {
				if r := recover(); r != nil {
					err = failStage(st, r)
					errs[i] = err
				}
			}()
			if err = st.fn(st.in, st.out); err != nil {
				errs[i] = err
				propagateFailure(st, err)
			}
			return err
		})
	}
	first := eg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		mlog.Printf2("pipeline/pipeline", "stage %s failed: %v", g.stages[i].name, err)
	}
	return first
}

func propagateFailure(st namedStage, err error) {
	// On catching any exception, a stage both fails its input (to
	// unblock upstream producers still pushing) and fails its output
	// (to signal downstream consumers), per spec §4.2.
	if st.in != nil {
		st.in.Fail(err)
	}
	if st.out != nil {
		st.out.Fail(err)
	}
}

func failStage(st namedStage, r interface{}) error {
	err, ok := r.(error)
	if !ok {
		err = &PanicError{Value: r}
	}
	propagateFailure(st, err)
	return err
}

// PanicError wraps a recovered non-error panic value so a stage panic
// still surfaces as a normal Group error instead of crashing the
// daemon.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return "pipeline stage panicked"
}
