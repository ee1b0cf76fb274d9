package pebblelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog/log"

	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/shardpb"
)

// Key layout. Numeric suffixes are 8-byte big-endian so that iteration order
// is timestamp order.
//
//	/shard/{id}/batch/{ts}   shardpb.Batch appended at ts
//	/shard/{id}/meta/upper   upper
//	/shard/{id}/meta/since   opaque (8 bytes) + since (8 bytes)
//	/shard/{id}/meta/version highest writer version
const (
	prefixShard   = "/shard/"
	suffixBatch   = "/batch/"
	suffixUpper   = "/meta/upper"
	suffixSince   = "/meta/since"
	suffixVersion = "/meta/version"
)

func shardKey(id sharedlog.ShardID, suffix string) []byte {
	return []byte(prefixShard + id.String() + suffix)
}

func batchKey(id sharedlog.ShardID, ts sharedlog.Timestamp) []byte {
	k := shardKey(id, suffixBatch)
	return binary.BigEndian.AppendUint64(k, uint64(ts))
}

// Options configure a PebbleLog.
type Options struct {
	// FS overrides the filesystem; nil uses the OS filesystem.
	FS vfs.FS
	// Sync forces an fsync on every append.
	Sync bool
}

// PebbleLog is a sharedlog.Backend stored in a local pebble database. A
// single process owns the directory; other processes reach it through the
// log server.
type PebbleLog struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	notify *sharedlog.Notifier
	closed atomic.Bool

	// mu serializes conditional writes.
	mu sync.Mutex
}

// Open opens or creates a PebbleLog in dir.
func Open(dir string, opts Options) (*PebbleLog, error) {
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open pebble log at %s: %w", dir, err)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	log.Info().Str("dir", dir).Bool("sync", opts.Sync).Msg("opened pebble log")
	return &PebbleLog{db: db, wo: wo, notify: sharedlog.NewNotifier()}, nil
}

func (p *PebbleLog) get(key []byte) ([]byte, bool, error) {
	if p.closed.Load() {
		return nil, false, sharedlog.ErrClosed
	}
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (p *PebbleLog) Upper(ctx context.Context, id sharedlog.ShardID) (sharedlog.Timestamp, error) {
	val, ok, err := p.get(shardKey(id, suffixUpper))
	if err != nil || !ok {
		return sharedlog.Minimum, err
	}
	return sharedlog.Timestamp(binary.BigEndian.Uint64(val)), nil
}

func (p *PebbleLog) WaitForUpper(ctx context.Context, id sharedlog.ShardID, after sharedlog.Timestamp) (sharedlog.Timestamp, error) {
	return sharedlog.WaitForUpper(ctx, p.notify, id, after, func() (sharedlog.Timestamp, error) {
		return p.Upper(ctx, id)
	})
}

func (p *PebbleLog) CompareAndAppend(ctx context.Context, id sharedlog.ShardID, req sharedlog.AppendRequest) error {
	if req.Next <= req.Expected {
		return fmt.Errorf("invalid append: next upper %d must exceed expected %d", req.Next, req.Expected)
	}
	byTS := make(map[sharedlog.Timestamp][]sharedlog.Update)
	for _, u := range req.Updates {
		if u.TS < req.Expected || u.TS >= req.Next {
			return fmt.Errorf("invalid append: update at %d outside [%d, %d)", u.TS, req.Expected, req.Next)
		}
		byTS[u.TS] = append(byTS[u.TS], u)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	upper, err := p.Upper(ctx, id)
	if err != nil {
		return err
	}
	if upper != req.Expected {
		return &sharedlog.UpperMismatch{Expected: req.Expected, Current: upper}
	}
	version, _, err := p.get(shardKey(id, suffixVersion))
	if err != nil {
		return err
	}

	b := p.db.NewBatch()
	defer b.Close()
	for ts, updates := range byTS {
		data, err := shardpb.MarshalBatch(updates)
		if err != nil {
			return err
		}
		if err := b.Set(batchKey(id, ts), data, nil); err != nil {
			return err
		}
	}
	if err := b.Set(shardKey(id, suffixUpper), binary.BigEndian.AppendUint64(nil, uint64(req.Next)), nil); err != nil {
		return err
	}
	if err := b.Set(shardKey(id, suffixVersion), []byte(sharedlog.MaxVersion(string(version), req.Version)), nil); err != nil {
		return err
	}
	if err := b.Commit(p.wo); err != nil {
		return fmt.Errorf("commit append to %s: %w", id, err)
	}

	p.notify.Notify(id)
	return nil
}

func (p *PebbleLog) Scan(ctx context.Context, id sharedlog.ShardID, lower, upper sharedlog.Timestamp) ([]sharedlog.Update, error) {
	if lower >= upper {
		return nil, nil
	}
	if p.closed.Load() {
		return nil, sharedlog.ErrClosed
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: batchKey(id, lower),
		UpperBound: batchKey(id, upper),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []sharedlog.Update
	for iter.First(); iter.Valid(); iter.Next() {
		batch, err := shardpb.UnmarshalBatch(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode batch %x: %w", iter.Key(), err)
		}
		out = append(out, batch...)
	}
	return out, iter.Error()
}

func (p *PebbleLog) Since(ctx context.Context, id sharedlog.ShardID) (sharedlog.Since, error) {
	val, ok, err := p.get(shardKey(id, suffixSince))
	if err != nil || !ok {
		return sharedlog.Since{}, err
	}
	return sharedlog.Since{
		Opaque: int64(binary.BigEndian.Uint64(val[:8])),
		TS:     sharedlog.Timestamp(binary.BigEndian.Uint64(val[8:])),
	}, nil
}

func (p *PebbleLog) CompareAndDowngradeSince(ctx context.Context, id sharedlog.ShardID, expected int64, next sharedlog.Since) (sharedlog.Since, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.Since(ctx, id)
	if err != nil {
		return sharedlog.Since{}, err
	}
	if cur.Opaque != expected {
		return cur, &sharedlog.OpaqueMismatch{Expected: expected, Current: cur.Opaque}
	}
	cur.Opaque = next.Opaque
	if next.TS > cur.TS {
		cur.TS = next.TS
	}
	val := binary.BigEndian.AppendUint64(nil, uint64(cur.Opaque))
	val = binary.BigEndian.AppendUint64(val, uint64(cur.TS))
	if err := p.db.Set(shardKey(id, suffixSince), val, p.wo); err != nil {
		return sharedlog.Since{}, err
	}
	return cur, nil
}

func (p *PebbleLog) ApplierVersion(ctx context.Context, id sharedlog.ShardID) (string, bool, error) {
	val, ok, err := p.get(shardKey(id, suffixVersion))
	if err != nil || !ok {
		return "", false, err
	}
	return string(val), true, nil
}

func (p *PebbleLog) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.notify.Close()
	return p.db.Close()
}
