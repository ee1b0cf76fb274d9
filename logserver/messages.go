package logserver

import (
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/shardpb"
)

// Method names of the shard service.
const (
	MethodUpper                    = "Upper"
	MethodWaitForUpper             = "WaitForUpper"
	MethodCompareAndAppend         = "CompareAndAppend"
	MethodScan                     = "Scan"
	MethodSince                    = "Since"
	MethodCompareAndDowngradeSince = "CompareAndDowngradeSince"
	MethodApplierVersion           = "ApplierVersion"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = shardpb.Package + ".ShardService"

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Message is a shard service message. On the wire it travels as the shardpb
// message of the same name.
type Message interface {
	MessageName() string
	ToProto() protoreflect.Message
	FromProto(protoreflect.Message)
}

// NewWire returns an empty wire message for msg.
func NewWire(msg Message) protoreflect.Message {
	return shardpb.New(msg.MessageName())
}

type ShardRequest struct {
	Shard sharedlog.ShardID
}

func (*ShardRequest) MessageName() string { return shardpb.MsgShardRequest }

func (r *ShardRequest) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgShardRequest)
	shardpb.SetString(m, "shard", string(r.Shard))
	return m
}

func (r *ShardRequest) FromProto(m protoreflect.Message) {
	r.Shard = sharedlog.ShardID(shardpb.String(m, "shard"))
}

type UpperResponse struct {
	Upper sharedlog.Timestamp
}

func (*UpperResponse) MessageName() string { return shardpb.MsgUpperResponse }

func (r *UpperResponse) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgUpperResponse)
	shardpb.SetUint64(m, "upper", uint64(r.Upper))
	return m
}

func (r *UpperResponse) FromProto(m protoreflect.Message) {
	r.Upper = sharedlog.Timestamp(shardpb.Uint64(m, "upper"))
}

type WaitForUpperRequest struct {
	Shard sharedlog.ShardID
	After sharedlog.Timestamp
}

func (*WaitForUpperRequest) MessageName() string { return shardpb.MsgWaitForUpperRequest }

func (r *WaitForUpperRequest) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgWaitForUpperRequest)
	shardpb.SetString(m, "shard", string(r.Shard))
	shardpb.SetUint64(m, "after", uint64(r.After))
	return m
}

func (r *WaitForUpperRequest) FromProto(m protoreflect.Message) {
	r.Shard = sharedlog.ShardID(shardpb.String(m, "shard"))
	r.After = sharedlog.Timestamp(shardpb.Uint64(m, "after"))
}

type CompareAndAppendRequest struct {
	Shard   sharedlog.ShardID
	Request sharedlog.AppendRequest
}

func (*CompareAndAppendRequest) MessageName() string { return shardpb.MsgCompareAndAppendRequest }

func (r *CompareAndAppendRequest) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgCompareAndAppendRequest)
	shardpb.SetString(m, "shard", string(r.Shard))
	shardpb.SetMessage(m, "request", shardpb.FromAppendRequest(r.Request))
	return m
}

func (r *CompareAndAppendRequest) FromProto(m protoreflect.Message) {
	r.Shard = sharedlog.ShardID(shardpb.String(m, "shard"))
	r.Request = sharedlog.AppendRequest{}
	if req, ok := shardpb.Message(m, "request"); ok {
		r.Request = shardpb.ToAppendRequest(req)
	}
}

// CompareAndAppendResponse carries a lost race as data so that the caller
// can tell which upper won.
type CompareAndAppendResponse struct {
	Mismatch *sharedlog.UpperMismatch
}

func (*CompareAndAppendResponse) MessageName() string { return shardpb.MsgCompareAndAppendResponse }

func (r *CompareAndAppendResponse) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgCompareAndAppendResponse)
	shardpb.SetMessage(m, "mismatch", shardpb.FromUpperMismatch(r.Mismatch))
	return m
}

func (r *CompareAndAppendResponse) FromProto(m protoreflect.Message) {
	r.Mismatch = nil
	if mm, ok := shardpb.Message(m, "mismatch"); ok {
		r.Mismatch = shardpb.ToUpperMismatch(mm)
	}
}

type ScanRequest struct {
	Shard sharedlog.ShardID
	Lower sharedlog.Timestamp
	Upper sharedlog.Timestamp
}

func (*ScanRequest) MessageName() string { return shardpb.MsgScanRequest }

func (r *ScanRequest) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgScanRequest)
	shardpb.SetString(m, "shard", string(r.Shard))
	shardpb.SetUint64(m, "lower", uint64(r.Lower))
	shardpb.SetUint64(m, "upper", uint64(r.Upper))
	return m
}

func (r *ScanRequest) FromProto(m protoreflect.Message) {
	r.Shard = sharedlog.ShardID(shardpb.String(m, "shard"))
	r.Lower = sharedlog.Timestamp(shardpb.Uint64(m, "lower"))
	r.Upper = sharedlog.Timestamp(shardpb.Uint64(m, "upper"))
}

type ScanResponse struct {
	Updates []sharedlog.Update
}

func (*ScanResponse) MessageName() string { return shardpb.MsgScanResponse }

func (r *ScanResponse) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgScanResponse)
	shardpb.SetUpdates(m, "updates", r.Updates)
	return m
}

func (r *ScanResponse) FromProto(m protoreflect.Message) {
	r.Updates = shardpb.Updates(m, "updates")
}

type SinceResponse struct {
	Since sharedlog.Since
}

func (*SinceResponse) MessageName() string { return shardpb.MsgSinceResponse }

func (r *SinceResponse) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgSinceResponse)
	shardpb.SetMessage(m, "since", shardpb.FromSince(r.Since))
	return m
}

func (r *SinceResponse) FromProto(m protoreflect.Message) {
	r.Since = sharedlog.Since{}
	if s, ok := shardpb.Message(m, "since"); ok {
		r.Since = shardpb.ToSince(s)
	}
}

type CompareAndDowngradeSinceRequest struct {
	Shard    sharedlog.ShardID
	Expected int64
	Next     sharedlog.Since
}

func (*CompareAndDowngradeSinceRequest) MessageName() string {
	return shardpb.MsgCompareAndDowngradeSinceRequest
}

func (r *CompareAndDowngradeSinceRequest) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgCompareAndDowngradeSinceRequest)
	shardpb.SetString(m, "shard", string(r.Shard))
	shardpb.SetInt64(m, "expected", r.Expected)
	shardpb.SetMessage(m, "next", shardpb.FromSince(r.Next))
	return m
}

func (r *CompareAndDowngradeSinceRequest) FromProto(m protoreflect.Message) {
	r.Shard = sharedlog.ShardID(shardpb.String(m, "shard"))
	r.Expected = shardpb.Int64(m, "expected")
	r.Next = sharedlog.Since{}
	if s, ok := shardpb.Message(m, "next"); ok {
		r.Next = shardpb.ToSince(s)
	}
}

type CompareAndDowngradeSinceResponse struct {
	Since    sharedlog.Since
	Mismatch *sharedlog.OpaqueMismatch
}

func (*CompareAndDowngradeSinceResponse) MessageName() string {
	return shardpb.MsgCompareAndDowngradeSinceResponse
}

func (r *CompareAndDowngradeSinceResponse) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgCompareAndDowngradeSinceResponse)
	shardpb.SetMessage(m, "since", shardpb.FromSince(r.Since))
	shardpb.SetMessage(m, "mismatch", shardpb.FromOpaqueMismatch(r.Mismatch))
	return m
}

func (r *CompareAndDowngradeSinceResponse) FromProto(m protoreflect.Message) {
	r.Since, r.Mismatch = sharedlog.Since{}, nil
	if s, ok := shardpb.Message(m, "since"); ok {
		r.Since = shardpb.ToSince(s)
	}
	if mm, ok := shardpb.Message(m, "mismatch"); ok {
		r.Mismatch = shardpb.ToOpaqueMismatch(mm)
	}
}

type ApplierVersionResponse struct {
	Version string
	Found   bool
}

func (*ApplierVersionResponse) MessageName() string { return shardpb.MsgApplierVersionResponse }

func (r *ApplierVersionResponse) ToProto() protoreflect.Message {
	m := shardpb.New(shardpb.MsgApplierVersionResponse)
	shardpb.SetString(m, "version", r.Version)
	shardpb.SetBool(m, "found", r.Found)
	return m
}

func (r *ApplierVersionResponse) FromProto(m protoreflect.Message) {
	r.Version = shardpb.String(m, "version")
	r.Found = shardpb.Bool(m, "found")
}
