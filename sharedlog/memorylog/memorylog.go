package memorylog

import (
	"context"
	"fmt"
	"sync"

	"github.com/chn0318/catalogstore/sharedlog"
)

type shard struct {
	batches map[sharedlog.Timestamp][]sharedlog.Update
	upper   sharedlog.Timestamp
	since   sharedlog.Since
	version string
	written bool
}

// MemoryLog is a sharedlog.Backend that keeps every shard in memory.
type MemoryLog struct {
	shards map[sharedlog.ShardID]*shard
	notify *sharedlog.Notifier
	closed bool
	mu     sync.RWMutex
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		shards: make(map[sharedlog.ShardID]*shard),
		notify: sharedlog.NewNotifier(),
	}
}

func (l *MemoryLog) shardLocked(id sharedlog.ShardID) *shard {
	s, ok := l.shards[id]
	if !ok {
		s = &shard{batches: make(map[sharedlog.Timestamp][]sharedlog.Update)}
		l.shards[id] = s
	}
	return s
}

func (l *MemoryLog) Upper(ctx context.Context, id sharedlog.ShardID) (sharedlog.Timestamp, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, sharedlog.ErrClosed
	}
	if s, ok := l.shards[id]; ok {
		return s.upper, nil
	}
	return sharedlog.Minimum, nil
}

func (l *MemoryLog) WaitForUpper(ctx context.Context, id sharedlog.ShardID, after sharedlog.Timestamp) (sharedlog.Timestamp, error) {
	return sharedlog.WaitForUpper(ctx, l.notify, id, after, func() (sharedlog.Timestamp, error) {
		return l.Upper(ctx, id)
	})
}

func (l *MemoryLog) CompareAndAppend(ctx context.Context, id sharedlog.ShardID, req sharedlog.AppendRequest) error {
	if req.Next <= req.Expected {
		return fmt.Errorf("invalid append: next upper %d must exceed expected %d", req.Next, req.Expected)
	}
	for _, u := range req.Updates {
		if u.TS < req.Expected || u.TS >= req.Next {
			return fmt.Errorf("invalid append: update at %d outside [%d, %d)", u.TS, req.Expected, req.Next)
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return sharedlog.ErrClosed
	}
	s := l.shardLocked(id)
	if s.upper != req.Expected {
		current := s.upper
		l.mu.Unlock()
		return &sharedlog.UpperMismatch{Expected: req.Expected, Current: current}
	}
	for _, u := range req.Updates {
		data := append([]byte(nil), u.Data...)
		s.batches[u.TS] = append(s.batches[u.TS], sharedlog.Update{Data: data, TS: u.TS, Diff: u.Diff})
	}
	s.upper = req.Next
	s.version = sharedlog.MaxVersion(s.version, req.Version)
	s.written = true
	l.mu.Unlock()

	l.notify.Notify(id)
	return nil
}

func (l *MemoryLog) Scan(ctx context.Context, id sharedlog.ShardID, lower, upper sharedlog.Timestamp) ([]sharedlog.Update, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, sharedlog.ErrClosed
	}
	s, ok := l.shards[id]
	if !ok {
		return nil, nil
	}
	if upper > s.upper {
		upper = s.upper
	}
	var out []sharedlog.Update
	for ts := lower; ts < upper; ts++ {
		for _, u := range s.batches[ts] {
			out = append(out, sharedlog.Update{Data: append([]byte(nil), u.Data...), TS: u.TS, Diff: u.Diff})
		}
	}
	return out, nil
}

func (l *MemoryLog) Since(ctx context.Context, id sharedlog.ShardID) (sharedlog.Since, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return sharedlog.Since{}, sharedlog.ErrClosed
	}
	if s, ok := l.shards[id]; ok {
		return s.since, nil
	}
	return sharedlog.Since{}, nil
}

func (l *MemoryLog) CompareAndDowngradeSince(ctx context.Context, id sharedlog.ShardID, expected int64, next sharedlog.Since) (sharedlog.Since, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return sharedlog.Since{}, sharedlog.ErrClosed
	}
	s := l.shardLocked(id)
	if s.since.Opaque != expected {
		return s.since, &sharedlog.OpaqueMismatch{Expected: expected, Current: s.since.Opaque}
	}
	s.since.Opaque = next.Opaque
	if next.TS > s.since.TS {
		s.since.TS = next.TS
	}
	return s.since, nil
}

func (l *MemoryLog) ApplierVersion(ctx context.Context, id sharedlog.ShardID) (string, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return "", false, sharedlog.ErrClosed
	}
	s, ok := l.shards[id]
	if !ok || !s.written {
		return "", false, nil
	}
	return s.version, true, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.notify.Close()
	return nil
}
