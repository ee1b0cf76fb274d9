package shardpb

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/chn0318/catalogstore/sharedlog"
)

func FromUpdate(u sharedlog.Update) protoreflect.Message {
	m := New(MsgUpdate)
	SetBytes(m, "data", u.Data)
	SetUint64(m, "ts", uint64(u.TS))
	SetInt64(m, "diff", int64(u.Diff))
	return m
}

func ToUpdate(m protoreflect.Message) sharedlog.Update {
	return sharedlog.Update{
		Data: bytes.Clone(m.Get(field(m, "data")).Bytes()),
		TS:   sharedlog.Timestamp(Uint64(m, "ts")),
		Diff: sharedlog.Diff(Int64(m, "diff")),
	}
}

func SetBytes(m protoreflect.Message, name string, v []byte) {
	m.Set(field(m, name), protoreflect.ValueOfBytes(v))
}

// SetUpdates appends updates to the repeated field name.
func SetUpdates(m protoreflect.Message, name string, updates []sharedlog.Update) {
	if len(updates) == 0 {
		return
	}
	l := m.Mutable(field(m, name)).List()
	for _, u := range updates {
		l.Append(protoreflect.ValueOfMessage(FromUpdate(u)))
	}
}

// Updates returns the repeated field name, or nil if it is empty.
func Updates(m protoreflect.Message, name string) []sharedlog.Update {
	l := m.Get(field(m, name)).List()
	if l.Len() == 0 {
		return nil
	}
	out := make([]sharedlog.Update, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		out = append(out, ToUpdate(l.Get(i).Message()))
	}
	return out
}

func FromAppendRequest(req sharedlog.AppendRequest) protoreflect.Message {
	m := New(MsgAppendRequest)
	SetUpdates(m, "updates", req.Updates)
	SetUint64(m, "expected", uint64(req.Expected))
	SetUint64(m, "next", uint64(req.Next))
	SetString(m, "version", req.Version)
	return m
}

func ToAppendRequest(m protoreflect.Message) sharedlog.AppendRequest {
	return sharedlog.AppendRequest{
		Updates:  Updates(m, "updates"),
		Expected: sharedlog.Timestamp(Uint64(m, "expected")),
		Next:     sharedlog.Timestamp(Uint64(m, "next")),
		Version:  String(m, "version"),
	}
}

func FromSince(s sharedlog.Since) protoreflect.Message {
	m := New(MsgSince)
	SetInt64(m, "opaque", s.Opaque)
	SetUint64(m, "ts", uint64(s.TS))
	return m
}

func ToSince(m protoreflect.Message) sharedlog.Since {
	return sharedlog.Since{Opaque: Int64(m, "opaque"), TS: sharedlog.Timestamp(Uint64(m, "ts"))}
}

// FromUpperMismatch returns nil for a nil mismatch.
func FromUpperMismatch(e *sharedlog.UpperMismatch) protoreflect.Message {
	if e == nil {
		return nil
	}
	m := New(MsgUpperMismatch)
	SetUint64(m, "expected", uint64(e.Expected))
	SetUint64(m, "current", uint64(e.Current))
	return m
}

func ToUpperMismatch(m protoreflect.Message) *sharedlog.UpperMismatch {
	return &sharedlog.UpperMismatch{
		Expected: sharedlog.Timestamp(Uint64(m, "expected")),
		Current:  sharedlog.Timestamp(Uint64(m, "current")),
	}
}

// FromOpaqueMismatch returns nil for a nil mismatch.
func FromOpaqueMismatch(e *sharedlog.OpaqueMismatch) protoreflect.Message {
	if e == nil {
		return nil
	}
	m := New(MsgOpaqueMismatch)
	SetInt64(m, "expected", e.Expected)
	SetInt64(m, "current", e.Current)
	return m
}

func ToOpaqueMismatch(m protoreflect.Message) *sharedlog.OpaqueMismatch {
	return &sharedlog.OpaqueMismatch{Expected: Int64(m, "expected"), Current: Int64(m, "current")}
}

// MarshalBatch encodes the updates appended at one timestamp.
func MarshalBatch(updates []sharedlog.Update) ([]byte, error) {
	m := New(MsgBatch)
	SetUpdates(m, "updates", updates)
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func UnmarshalBatch(data []byte) ([]sharedlog.Update, error) {
	m := New(MsgBatch)
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return Updates(m, "updates"), nil
}
