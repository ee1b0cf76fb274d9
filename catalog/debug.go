package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Defaults for DebugRetry.
const (
	DefaultDebugRetryMaxElapsed  = 30 * time.Second
	DefaultDebugRetryMaxInterval = time.Second
)

// DebugRetry bounds the retries of debug edits. Zero fields take the defaults.
type DebugRetry struct {
	MaxElapsed  time.Duration
	MaxInterval time.Duration
}

func (r DebugRetry) backOff(ctx context.Context) backoff.BackOff {
	maxElapsed, maxInterval := r.MaxElapsed, r.MaxInterval
	if maxElapsed <= 0 {
		maxElapsed = DefaultDebugRetryMaxElapsed
	}
	if maxInterval <= 0 {
		maxInterval = DefaultDebugRetryMaxInterval
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	return backoff.WithContext(b, ctx)
}

// DebugState patches single keys of the catalog outside of normal
// transactions. Every patch fences out all other writers.
type DebugState struct {
	u     *UnopenedState
	retry DebugRetry
}

// DebugEdit sets key in collection c to value and returns the previous value,
// if any.
func (d *DebugState) DebugEdit(ctx context.Context, c CollectionType, key, value string) (string, bool, error) {
	if err := checkDebugValue(c, value); err != nil {
		return "", false, err
	}
	var prev string
	var found bool
	err := d.retryOp(ctx, "edit", func() error {
		var err error
		prev, found, err = d.patch(ctx, c, key, &value)
		return err
	})
	return prev, found, err
}

// DebugDelete removes key from collection c.
func (d *DebugState) DebugDelete(ctx context.Context, c CollectionType, key string) error {
	if c == CollectionEpoch {
		return errors.New("epochs cannot be deleted")
	}
	return d.retryOp(ctx, "delete", func() error {
		_, _, err := d.patch(ctx, c, key, nil)
		return err
	})
}

func checkDebugValue(c CollectionType, value string) error {
	switch c {
	case CollectionEpoch:
		return errors.New("epochs cannot be edited")
	case CollectionConfig, CollectionIDAllocator:
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("%s values must be unsigned integers: %w", c, err)
		}
	}
	return nil
}

func (d *DebugState) retryOp(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && (d.u.h.epoch.IsFenced() || errors.Is(err, ErrUninitialized)) {
			return backoff.Permanent(err)
		}
		return err
	}, d.retry.backOff(ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("retrying debug catalog update")
	})
}

// patch replaces the live value of key with value, or retracts it when value
// is nil, and bumps the epoch in the same append.
func (d *DebugState) patch(ctx context.Context, c CollectionType, key string, value *string) (string, bool, error) {
	rows, err := d.u.currentSnapshot(ctx)
	if err != nil {
		return "", false, err
	}
	var prev []StateUpdateKind
	for _, r := range rows {
		if r.Diff != 1 {
			log.Error().Stringer("kind", r.Kind).Int64("diff", int64(r.Diff)).Msg("trace is consolidated")
		}
		if r.Kind.Collection == c && r.Kind.Key == key {
			prev = append(prev, r.Kind)
		}
	}
	if len(prev) > 1 {
		log.Panic().Stringer("collection", c).Str("key", key).Int("values", len(prev)).Msg("multiple values found for key")
	}

	changes := make([]Change, 0, len(prev)+3)
	for _, k := range prev {
		changes = append(changes, Retract(k))
	}
	if value != nil {
		changes = append(changes, Insert(StateUpdateKind{Collection: c, Key: key, Value: *value}))
	}
	fence, err := d.incrementEpoch()
	if err != nil {
		return "", false, err
	}
	changes = append(changes, fence...)

	if err := d.u.h.compareAndAppend(ctx, changes); err != nil {
		if rerr := d.reload(ctx); rerr != nil {
			return "", false, errors.Join(err, rerr)
		}
		return "", false, err
	}
	if len(prev) == 0 {
		return "", false, nil
	}
	return prev[0].Value, true, nil
}

// incrementEpoch advances the local epoch and returns the updates that make
// the change durable.
func (d *DebugState) incrementEpoch() ([]Change, error) {
	h := d.u.h
	current, ok, err := h.epoch.Validate()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUninitialized
	}
	h.epoch = UnfencedEpoch(current + 1)
	return []Change{Retract(EpochKind(current)), Insert(EpochKind(current + 1))}, nil
}

// reload replaces the unopened state after a failed append. The local epoch
// was already bumped, and a writer that won the race may have taken a newer
// one, so the next attempt starts over from whatever the log holds.
func (d *DebugState) reload(ctx context.Context) error {
	d.u.h.expire(ctx)
	fresh, err := NewUnopenedState(ctx, d.u.h.client, d.u.org)
	if err != nil {
		return fmt.Errorf("reload catalog after failed debug update: %w", err)
	}
	*d.u = *fresh
	return nil
}
