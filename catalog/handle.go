package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/chn0318/catalogstore/sharedlog"
)

// sinceOpaque is the constant opaque token used for since downgrades. The
// catalog fences writers with epochs, not with the since handle.
const sinceOpaque int64 = 0

// handle maintains an in-memory materialization of the catalog shard. It is
// agnostic to the row type T; applier decides what is cached.
//
// A handle is owned by a single goroutine.
type handle[T kind] struct {
	client      *sharedlog.Client
	shardID     sharedlog.ShardID
	sinceHandle *sharedlog.SinceHandle
	writeHandle *sharedlog.WriteHandle
	listen      *sharedlog.Listen

	// snapshot caches the current catalog state. After consolidate every row
	// carries the same timestamp and a diff of +1 or -1.
	snapshot []StateUpdate[T]
	// pending holds updates received by a sync that has not applied them yet.
	pending []StateUpdate[T]
	applier applier[T]
	decode  func([]byte) (T, error)

	// upper is the shard upper this handle has synced to.
	upper sharedlog.Timestamp
	epoch FenceableEpoch
}

func (h *handle[T]) currentUpper(ctx context.Context) (sharedlog.Timestamp, error) {
	return h.writeHandle.FetchRecentUpper(ctx)
}

// compareAndAppend appends changes at the handle's upper iff nobody else has
// appended since the handle last synced, then syncs through the new upper so
// the handle observes its own write the same way every other reader will.
func (h *handle[T]) compareAndAppend(ctx context.Context, changes []Change) error {
	if _, _, err := h.epoch.Validate(); err != nil {
		return err
	}
	updates := make([]sharedlog.Update, 0, len(changes))
	for _, ch := range changes {
		updates = append(updates, sharedlog.Update{Data: encodeKind(ch.Kind), TS: h.upper, Diff: ch.Diff})
	}
	next := h.upper.StepForward()
	err := h.writeHandle.CompareAndAppend(ctx, updates, h.upper, next)
	var mismatch *sharedlog.UpperMismatch
	if errors.As(err, &mismatch) {
		return &FenceError{
			Reason:   fmt.Sprintf("current catalog upper %d fenced by new catalog upper %d", mismatch.Expected, mismatch.Current),
			mismatch: mismatch,
		}
	}
	if err != nil {
		return fmt.Errorf("append to catalog shard: %w", err)
	}

	// Lag the since by one so the previous state stays readable.
	downgradeTo := next.SaturatingSub(1)
	since, err := h.sinceHandle.MaybeCompareAndDowngradeSince(ctx, sinceOpaque, sharedlog.Since{Opaque: sinceOpaque, TS: downgradeTo})
	switch {
	case err != nil:
		log.Error().Err(err).Uint64("since", uint64(downgradeTo)).Msg("failed to downgrade catalog since")
	case since.TS != downgradeTo:
		log.Error().Uint64("since", uint64(since.TS)).Uint64("expected", uint64(downgradeTo)).Msg("updated since should match expected")
	}

	return h.sync(ctx, next)
}

// syncToCurrentUpper applies everything currently in the shard.
func (h *handle[T]) syncToCurrentUpper(ctx context.Context) error {
	upper, err := h.currentUpper(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog upper: %w", err)
	}
	return h.sync(ctx, upper)
}

// sync listens until the handle's upper reaches target and applies every
// update seen on the way. It returns a *FenceError if a newer epoch shows up.
//
// Cancelling ctx is safe: received updates stay pending and the next sync
// resumes from the handle's upper.
func (h *handle[T]) sync(ctx context.Context, target sharedlog.Timestamp) error {
	if _, _, err := h.epoch.Validate(); err != nil {
		return err
	}
	for h.upper < target {
		events, err := h.listen.FetchNext(ctx)
		if err != nil {
			return fmt.Errorf("sync catalog to %d: %w", target, err)
		}
		for _, ev := range events {
			switch ev.Kind {
			case sharedlog.EventProgress:
				log.Debug().Uint64("upper", uint64(ev.Upper)).Msg("synced catalog")
				h.upper = ev.Upper
			case sharedlog.EventUpdates:
				log.Debug().Int("updates", len(ev.Updates)).Msg("syncing catalog updates")
				for _, u := range ev.Updates {
					k, err := h.decode(u.Data)
					if err != nil {
						log.Panic().Err(err).Msg("kind decoding error")
					}
					h.pending = append(h.pending, StateUpdate[T]{Kind: k, TS: u.TS, Diff: u.Diff})
				}
			}
		}
	}
	return h.applyUpdates(h.takePending())
}

// takePending returns and clears the updates left behind by an interrupted
// sync. They precede anything stamped at the handle's upper.
func (h *handle[T]) takePending() []StateUpdate[T] {
	pending := h.pending
	h.pending = nil
	return pending
}

// applyUpdates feeds updates through the applier into the cache.
//
// Updates are consolidated first, so a key sees at most one retraction and
// one insertion per timestamp, then applied in timestamp order with
// retractions before insertions.
func (h *handle[T]) applyUpdates(updates []StateUpdate[T]) error {
	updates = consolidate(updates)
	sortForApply(updates)

	for _, u := range updates {
		if u.Diff != 1 && u.Diff != -1 {
			log.Panic().Str("kind", fmt.Sprint(u.Kind)).Uint64("ts", uint64(u.TS)).Int64("diff", int64(u.Diff)).
				Msg("invalid update in consolidated trace")
		}
		u, keep, err := h.applier.applyUpdate(u, &h.epoch)
		if err != nil {
			return err
		}
		if keep {
			h.snapshot = append(h.snapshot, u)
		}
	}

	h.consolidate()
	return nil
}

// consolidate advances every cached row to the latest cached timestamp and
// cancels matching insertions and retractions. The cache holds current state,
// not history.
func (h *handle[T]) consolidate() {
	if !sortedByTS(h.snapshot) {
		log.Panic().Int("rows", len(h.snapshot)).Msg("snapshot should be sorted by timestamp")
	}
	newTS := sharedlog.Minimum
	if n := len(h.snapshot); n > 0 {
		newTS = h.snapshot[n-1].TS
	}
	for i := range h.snapshot {
		h.snapshot[i].TS = newTS
	}
	h.snapshot = consolidate(h.snapshot)
	for _, u := range h.snapshot {
		if u.Diff != 1 && u.Diff != -1 {
			log.Panic().Str("kind", fmt.Sprint(u.Kind)).Int64("diff", int64(u.Diff)).
				Msg("invalid diff in consolidated snapshot")
		}
	}
}

// withTrace syncs and runs fn over the cached rows.
func (h *handle[T]) withTrace(ctx context.Context, fn func([]StateUpdate[T]) error) error {
	if err := h.syncToCurrentUpper(ctx); err != nil {
		return err
	}
	return fn(h.snapshot)
}

func (h *handle[T]) readHandle(ctx context.Context) (*sharedlog.ReadHandle, error) {
	return h.client.OpenLeasedReader(ctx, h.shardID, sharedlog.Diagnostics{
		ShardName:     catalogShardName,
		HandlePurpose: "openable durable catalog state temporary reader",
	})
}

// snapshotUnconsolidated returns every update in the shard up to its current
// upper, as written.
func (h *handle[T]) snapshotUnconsolidated(ctx context.Context) ([]StateUpdate[StateUpdateKind], error) {
	upper, err := h.currentUpper(ctx)
	if err != nil {
		return nil, err
	}
	rh, err := h.readHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer rh.Expire(ctx)
	asOf, err := asOfFor(ctx, rh, upper)
	if err != nil {
		return nil, err
	}
	rows, err := rh.SnapshotAndStream(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("snapshot catalog at %d: %w", asOf, err)
	}
	out := make([]StateUpdate[StateUpdateKind], 0, len(rows))
	for _, r := range rows {
		out = append(out, StateUpdate[StateUpdateKind]{Kind: RawKind(r.Data).MustDecode(), TS: r.TS, Diff: r.Diff})
	}
	return out, nil
}

// persistSnapshot reads the consolidated catalog directly from the shard at
// the handle's upper, bypassing the cache.
func (h *handle[T]) persistSnapshot(ctx context.Context) ([]StateUpdate[StateUpdateKind], error) {
	rh, err := h.readHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer rh.Expire(ctx)
	asOf, err := asOfFor(ctx, rh, h.upper)
	if err != nil {
		return nil, err
	}
	rows, err := snapshotBinary(ctx, rh, asOf)
	if err != nil {
		return nil, err
	}
	out := make([]StateUpdate[StateUpdateKind], 0, len(rows))
	for _, r := range rows {
		out = append(out, StateUpdate[StateUpdateKind]{Kind: r.Kind.MustDecode(), TS: r.TS, Diff: r.Diff})
	}
	return out, nil
}

// expire releases the handle's leases. Nothing durable is removed.
func (h *handle[T]) expire(ctx context.Context) {
	h.writeHandle.Expire(ctx)
	h.listen.Expire(ctx)
	h.sinceHandle.Expire(ctx)
}

// asOfFor picks the freshest readable timestamp below upper.
func asOfFor(ctx context.Context, rh *sharedlog.ReadHandle, upper sharedlog.Timestamp) (sharedlog.Timestamp, error) {
	if upper <= sharedlog.Minimum {
		log.Error().Msg("catalog shard is uninitialized")
	}
	since, err := rh.Since(ctx)
	if err != nil {
		return 0, err
	}
	asOf := upper.SaturatingSub(1)
	if asOf < since {
		asOf = since
	}
	return asOf, nil
}

// snapshotBinary returns the consolidated rows of the shard as of asOf in
// ascending timestamp order.
func snapshotBinary(ctx context.Context, rh *sharedlog.ReadHandle, asOf sharedlog.Timestamp) ([]StateUpdate[RawKind], error) {
	rows, err := rh.SnapshotAndFetch(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("snapshot catalog at %d: %w", asOf, err)
	}
	out := make([]StateUpdate[RawKind], 0, len(rows))
	for _, r := range rows {
		if r.Diff != 1 {
			log.Error().Int64("diff", int64(r.Diff)).Msg("snapshot_and_fetch guarantees a consolidated result")
		}
		out = append(out, StateUpdate[RawKind]{Kind: RawKind(r.Data), TS: r.TS, Diff: r.Diff})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out, nil
}
