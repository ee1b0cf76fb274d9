package sharedlog

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Diagnostics describe who opened a handle and why. They only show up in logs.
type Diagnostics struct {
	ShardName     string
	HandlePurpose string
}

// Client opens handles to shards stored in a Backend. Every append made
// through a Client is tagged with the Client's version.
type Client struct {
	backend Backend
	version string
}

// NewClient returns a Client that writes as software version version.
func NewClient(backend Backend, version string) *Client {
	return &Client{backend: backend, version: version}
}

// Version returns the software version this client writes as.
func (c *Client) Version() string { return c.version }

// Backend returns the underlying shard store.
func (c *Client) Backend() Backend { return c.backend }

// Open returns a write handle and a read handle for shard id.
func (c *Client) Open(ctx context.Context, id ShardID, diag Diagnostics) (*WriteHandle, *ReadHandle, error) {
	w, err := c.OpenWriter(ctx, id, diag)
	if err != nil {
		return nil, nil, err
	}
	r, err := c.OpenLeasedReader(ctx, id, diag)
	if err != nil {
		return nil, nil, err
	}
	return w, r, nil
}

// OpenWriter returns a write handle for shard id.
func (c *Client) OpenWriter(ctx context.Context, id ShardID, diag Diagnostics) (*WriteHandle, error) {
	log.Debug().Str("shard", id.String()).Str("name", diag.ShardName).Str("purpose", diag.HandlePurpose).Msg("open writer")
	return &WriteHandle{handle: handle{backend: c.backend, id: id}, version: c.version}, nil
}

// OpenLeasedReader returns a read handle for shard id.
func (c *Client) OpenLeasedReader(ctx context.Context, id ShardID, diag Diagnostics) (*ReadHandle, error) {
	log.Debug().Str("shard", id.String()).Str("name", diag.ShardName).Str("purpose", diag.HandlePurpose).Msg("open reader")
	return &ReadHandle{handle: handle{backend: c.backend, id: id}}, nil
}

// OpenCriticalSince returns a handle that controls the shard's since.
func (c *Client) OpenCriticalSince(ctx context.Context, id ShardID, diag Diagnostics) (*SinceHandle, error) {
	log.Debug().Str("shard", id.String()).Str("name", diag.ShardName).Str("purpose", diag.HandlePurpose).Msg("open critical since")
	return &SinceHandle{handle: handle{backend: c.backend, id: id}}, nil
}

// InspectVersion returns the highest version that ever wrote to shard id, or
// false if the shard was never written.
func (c *Client) InspectVersion(ctx context.Context, id ShardID) (string, bool, error) {
	return c.backend.ApplierVersion(ctx, id)
}

type handle struct {
	backend Backend
	id      ShardID
	expired atomic.Bool
}

func (h *handle) check() error {
	if h.expired.Load() {
		return ErrExpired
	}
	return nil
}

// Expire releases the handle. Durable shard state is untouched.
func (h *handle) Expire(ctx context.Context) { h.expired.Store(true) }

// WriteHandle appends to a shard.
type WriteHandle struct {
	handle
	version string
}

// FetchRecentUpper returns the shard's upper as of some time during the call.
func (w *WriteHandle) FetchRecentUpper(ctx context.Context) (Timestamp, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	return w.backend.Upper(ctx, w.id)
}

// CompareAndAppend appends updates iff the shard's upper equals expected,
// moving it to next. A lost race is reported as an *UpperMismatch.
func (w *WriteHandle) CompareAndAppend(ctx context.Context, updates []Update, expected, next Timestamp) error {
	if err := w.check(); err != nil {
		return err
	}
	return w.backend.CompareAndAppend(ctx, w.id, AppendRequest{
		Updates:  updates,
		Expected: expected,
		Next:     next,
		Version:  w.version,
	})
}

// ReadHandle reads a shard.
type ReadHandle struct {
	handle
}

// Since returns the shard's since.
func (r *ReadHandle) Since(ctx context.Context) (Timestamp, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	s, err := r.backend.Since(ctx, r.id)
	if err != nil {
		return 0, err
	}
	return s.TS, nil
}

func (r *ReadHandle) checkAsOf(ctx context.Context, asOf Timestamp) error {
	since, err := r.Since(ctx)
	if err != nil {
		return err
	}
	if asOf < since {
		return ErrSinceAdvanced
	}
	return nil
}

// SnapshotAndFetch returns the contents of the shard as of asOf, consolidated
// so that every distinct row appears once. All rows are stamped asOf.
func (r *ReadHandle) SnapshotAndFetch(ctx context.Context, asOf Timestamp) ([]Update, error) {
	updates, err := r.SnapshotAndStream(ctx, asOf)
	if err != nil {
		return nil, err
	}
	return Consolidate(updates, asOf), nil
}

// SnapshotAndStream returns every update at or before asOf without
// consolidating them. Timestamps below the since are advanced to the since.
func (r *ReadHandle) SnapshotAndStream(ctx context.Context, asOf Timestamp) ([]Update, error) {
	if err := r.checkAsOf(ctx, asOf); err != nil {
		return nil, err
	}
	since, err := r.Since(ctx)
	if err != nil {
		return nil, err
	}
	updates, err := r.backend.Scan(ctx, r.id, Minimum, asOf.StepForward())
	if err != nil {
		return nil, err
	}
	for i := range updates {
		if updates[i].TS < since {
			updates[i].TS = since
		}
	}
	return updates, nil
}

// Listen returns a listener for all updates strictly after asOf.
func (r *ReadHandle) Listen(ctx context.Context, asOf Timestamp) (*Listen, error) {
	if err := r.checkAsOf(ctx, asOf); err != nil {
		return nil, err
	}
	return &Listen{handle: handle{backend: r.backend, id: r.id}, frontier: asOf.StepForward()}, nil
}

// EventKind discriminates listen events.
type EventKind int

const (
	// EventUpdates carries a batch of updates.
	EventUpdates EventKind = iota
	// EventProgress reports that the shard is complete up to Upper.
	EventProgress
)

// ListenEvent is either a batch of updates or a progress marker.
type ListenEvent struct {
	Kind    EventKind
	Updates []Update
	Upper   Timestamp
}

// Listen streams the updates of a shard in timestamp order.
type Listen struct {
	handle
	frontier Timestamp
}

// Frontier returns the smallest timestamp not yet delivered.
func (l *Listen) Frontier() Timestamp { return l.frontier }

// FetchNext blocks until the shard advances past the listener's frontier and
// returns the new updates followed by a progress event. If ctx is cancelled
// nothing is consumed.
func (l *Listen) FetchNext(ctx context.Context) ([]ListenEvent, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	upper, err := l.backend.WaitForUpper(ctx, l.id, l.frontier)
	if err != nil {
		return nil, err
	}
	updates, err := l.backend.Scan(ctx, l.id, l.frontier, upper)
	if err != nil {
		return nil, err
	}
	events := make([]ListenEvent, 0, 2)
	if len(updates) > 0 {
		events = append(events, ListenEvent{Kind: EventUpdates, Updates: updates})
	}
	events = append(events, ListenEvent{Kind: EventProgress, Upper: upper})
	l.frontier = upper
	return events, nil
}

// SinceHandle holds back and downgrades a shard's since.
type SinceHandle struct {
	handle
}

// Since returns the shard's since and its opaque token.
func (s *SinceHandle) Since(ctx context.Context) (Since, error) {
	if err := s.check(); err != nil {
		return Since{}, err
	}
	return s.backend.Since(ctx, s.id)
}

// MaybeCompareAndDowngradeSince advances the since to next.TS iff the stored
// opaque equals expected. It returns the resulting since.
func (s *SinceHandle) MaybeCompareAndDowngradeSince(ctx context.Context, expected int64, next Since) (Since, error) {
	if err := s.check(); err != nil {
		return Since{}, err
	}
	return s.backend.CompareAndDowngradeSince(ctx, s.id, expected, next)
}

// Consolidate sums the diffs of identical rows, drops rows whose diffs
// cancel, and stamps the survivors ts. The result is sorted by row bytes.
func Consolidate(updates []Update, ts Timestamp) []Update {
	sums := make(map[string]Diff, len(updates))
	for _, u := range updates {
		sums[string(u.Data)] += u.Diff
	}
	out := make([]Update, 0, len(sums))
	for data, diff := range sums {
		if diff == 0 {
			continue
		}
		out = append(out, Update{Data: []byte(data), TS: ts, Diff: diff})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Data) < string(out[j].Data) })
	return out
}
