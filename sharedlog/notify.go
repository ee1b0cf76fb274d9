package sharedlog

import (
	"context"
	"sync"
)

// Notifier wakes goroutines waiting for a shard's upper to move. Backends
// call Notify after every successful append.
type Notifier struct {
	mu     sync.Mutex
	chans  map[ShardID]chan struct{}
	closed bool
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{chans: make(map[ShardID]chan struct{})}
}

// Watch returns a channel that is closed on the next Notify for id.
func (n *Notifier) Watch(id ShardID) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := n.chans[id]
	if !ok {
		ch = make(chan struct{})
		n.chans[id] = ch
	}
	return ch
}

// Notify wakes every watcher of id.
func (n *Notifier) Notify(id ShardID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[id]; ok {
		close(ch)
		delete(n.chans, id)
	}
}

// Close wakes all watchers; later watches return immediately.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, ch := range n.chans {
		close(ch)
		delete(n.chans, id)
	}
}

// WaitForUpper polls upper until it passes after, sleeping on n between polls.
func WaitForUpper(ctx context.Context, n *Notifier, id ShardID, after Timestamp, upper func() (Timestamp, error)) (Timestamp, error) {
	for {
		ch := n.Watch(id)
		u, err := upper()
		if err != nil {
			return 0, err
		}
		if u > after {
			return u, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
