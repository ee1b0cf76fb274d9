package sharedlog

import (
	"context"
	"errors"
	"fmt"
)

// Timestamp is a position in a shard. Shards use a totally ordered time and
// are never finalized, so an upper always exists.
type Timestamp uint64

// Minimum is the first timestamp of every shard.
const Minimum Timestamp = 0

// StepForward returns the timestamp immediately after t.
func (t Timestamp) StepForward() Timestamp { return t + 1 }

// SaturatingSub returns t-n, or Minimum if that would underflow.
func (t Timestamp) SaturatingSub(n Timestamp) Timestamp {
	if t < n {
		return Minimum
	}
	return t - n
}

// Diff is the multiplicity of an update: +1 inserts, -1 retracts.
type Diff int64

// Update is one row of a shard. Data is the opaque document column; the value
// column of every shard is unit and carries nothing.
type Update struct {
	Data []byte
	TS   Timestamp
	Diff Diff
}

// AppendRequest describes one conditional append against a shard.
type AppendRequest struct {
	Updates []Update
	// Expected must equal the shard's upper for the append to succeed.
	Expected Timestamp
	// Next becomes the shard's upper on success.
	Next Timestamp
	// Version is the software version of the writer.
	Version string
}

// Since is the shard's critical since together with the opaque token that
// guards it.
type Since struct {
	Opaque int64
	TS     Timestamp
}

// UpperMismatch is returned by a conditional append whose expected upper did
// not match the shard.
type UpperMismatch struct {
	Expected Timestamp
	Current  Timestamp
}

func (e *UpperMismatch) Error() string {
	return fmt.Sprintf("upper mismatch: expected %d, current %d", e.Expected, e.Current)
}

// OpaqueMismatch is returned when a since downgrade used a stale opaque token.
type OpaqueMismatch struct {
	Expected int64
	Current  int64
}

func (e *OpaqueMismatch) Error() string {
	return fmt.Sprintf("opaque mismatch: expected %d, current %d", e.Expected, e.Current)
}

var (
	// ErrSinceAdvanced is returned by reads at a timestamp below the shard's since.
	ErrSinceAdvanced = errors.New("sharedlog: as_of is not beyond since")
	// ErrExpired is returned by handles used after Expire.
	ErrExpired = errors.New("sharedlog: handle expired")
	// ErrClosed is returned by a Backend after Close.
	ErrClosed = errors.New("sharedlog: backend closed")
)

// Backend defines the primitives of a durable, append-only, totally ordered,
// multi-writer shard store. Implementations can be in memory, on local disk,
// or remote.
type Backend interface {
	// Upper returns the shard's current upper. A shard that was never
	// written has upper Minimum.
	Upper(ctx context.Context, id ShardID) (Timestamp, error)

	// WaitForUpper blocks until the shard's upper is strictly greater than
	// after, and returns it.
	WaitForUpper(ctx context.Context, id ShardID, after Timestamp) (Timestamp, error)

	// CompareAndAppend atomically appends req.Updates and advances the upper
	// to req.Next iff the upper equals req.Expected. It returns an
	// *UpperMismatch otherwise. Update timestamps must lie in
	// [req.Expected, req.Next).
	CompareAndAppend(ctx context.Context, id ShardID, req AppendRequest) error

	// Scan returns all updates with lower <= ts < upper in timestamp order.
	Scan(ctx context.Context, id ShardID, lower, upper Timestamp) ([]Update, error)

	// Since returns the shard's critical since.
	Since(ctx context.Context, id ShardID) (Since, error)

	// CompareAndDowngradeSince advances the since to next iff the current
	// opaque equals expected. The since never regresses. It returns an
	// *OpaqueMismatch on a stale token.
	CompareAndDowngradeSince(ctx context.Context, id ShardID, expected int64, next Since) (Since, error)

	// ApplierVersion returns the highest writer version ever recorded for
	// the shard, or false if the shard was never written.
	ApplierVersion(ctx context.Context, id ShardID) (string, bool, error)

	Close() error
}
