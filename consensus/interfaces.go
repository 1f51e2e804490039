package consensus

import (
	"github.com/bftnetwork/bftd/bftwire"
)

// Broadcaster is the replica-to-replica send capability the consensus
// machinery drives. Delivery is asynchronous and best effort: a send
// failure never fails a consensus step, the protocol tolerates missing
// messages.
type Broadcaster interface {
	// Broadcast offers the request to every replica in the set,
	// including the local one.
	Broadcast(req *bftwire.Request) error

	// SendTo offers the request to a single replica.
	SendTo(req *bftwire.Request, nodeID uint32) error
}

// BatchExecutor is the opaque deterministic state machine committed batches
// are applied to. Implementations must be deterministic: every correct
// replica applying the same batch at the same sequence must produce the
// same response bytes.
type BatchExecutor interface {
	// ExecuteBatch applies the batch and returns the per-sub-request
	// outputs.
	ExecuteBatch(batch *bftwire.BatchRequest) (*bftwire.BatchResponse,
		error)
}

// OutOfOrderExecutor is optionally implemented by executors whose state
// transitions commute, allowing the adapter to dispatch batches as they
// commit instead of in strict sequence order.
type OutOfOrderExecutor interface {
	// IsOutOfOrder reports whether parallel dispatch is safe.
	IsOutOfOrder() bool
}

// SilentExecutor is optionally implemented by executors whose output is
// never routed back to clients, e.g. pure benchmark sinks.
type SilentExecutor interface {
	// NeedsResponse reports whether executed batches produce responses.
	NeedsResponse() bool
}

// QueryExecutor is the optional read-only query capability plugged into the
// consensus service next to the state machine.
type QueryExecutor interface {
	// Query runs a read-only request against current state.
	Query(data []byte) ([]byte, error)
}

// Quorum derives the protocol thresholds from the replica set size. The
// set is fixed at startup, so a Quorum is a plain value.
type Quorum struct {
	// N is the replica set size, N >= 3f+1.
	N int
}

// F returns the number of Byzantine replicas the set tolerates.
func (q Quorum) F() int {
	f := (q.N - 1) / 3
	if f < 0 {
		return 0
	}
	return f
}

// AgreementSize returns the 2f+1 threshold used by the prepare, commit and
// checkpoint phases.
func (q Quorum) AgreementSize() int {
	size := 2*q.F() + 1
	if size < 1 {
		return 1
	}
	return size
}

// ClientSize returns the f+1 threshold used for client response matching.
func (q Quorum) ClientSize() int {
	size := q.F() + 1
	if size < 1 {
		return 1
	}
	return size
}
