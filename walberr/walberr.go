/*
 * Created:       Tue Aug  4 09:00:00 2026 wtools
 *
 */

// walberr names the error kinds shared by all three daemon roles.
// Errors are signaled by kind, not by Go type: wrap a sentinel with
// fmt.Errorf("...: %w", walberr.BadState) and test with errors.Is.
package walberr

import "errors"

var (
	// BadState: state-machine precondition violated.
	BadState = errors.New("bad state")

	// BadRequest: malformed parameters, empty volId, bad uuid.
	BadRequest = errors.New("bad request")

	// Stopping: operation rejected because StopState != NotStopping.
	Stopping = errors.New("stopping")

	// Closed: pipeline queue observed after sync().
	Closed = errors.New("closed")

	// QueueError: pipeline queue observed after fail().
	QueueError = errors.New("queue error")

	// Protocol: unexpected message, version mismatch, framing error.
	Protocol = errors.New("protocol error")

	// Relation: diff is not applicable to the receiver's current head.
	Relation = errors.New("relation error")

	// IO: transient I/O error, retryable at the controller's discretion.
	IO = errors.New("io error")
)

// Kind returns a short machine-stable tag for err's outermost wrapped
// sentinel, or "" if err does not wrap one of the sentinels above.
// Used by the CLI to render the server's error string.
func Kind(err error) string {
	switch {
	case errors.Is(err, BadState):
		return "bad-state"
	case errors.Is(err, BadRequest):
		return "bad-request"
	case errors.Is(err, Stopping):
		return "stopping"
	case errors.Is(err, Closed):
		return "closed"
	case errors.Is(err, QueueError):
		return "queue-error"
	case errors.Is(err, Protocol):
		return "protocol"
	case errors.Is(err, Relation):
		return "relation"
	case errors.Is(err, IO):
		return "io"
	default:
		return ""
	}
}
