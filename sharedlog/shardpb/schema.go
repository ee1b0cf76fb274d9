// Package shardpb is the protobuf schema of shard updates and of the shard
// service. The schema is assembled from descriptor protos when the package is
// loaded, so its messages are dynamic and need no generated code. The wire
// format is that of:
//
//	syntax = "proto3";
//	package logstore;
//
//	message Update { bytes data = 1; uint64 ts = 2; int64 diff = 3; }
//	message Batch { repeated Update updates = 1; }
//	...
package shardpb

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Package is the protobuf package of the schema.
const Package = "logstore"

// Message names.
const (
	MsgUpdate                           = "Update"
	MsgBatch                            = "Batch"
	MsgAppendRequest                    = "AppendRequest"
	MsgSince                            = "Since"
	MsgUpperMismatch                    = "UpperMismatch"
	MsgOpaqueMismatch                   = "OpaqueMismatch"
	MsgShardRequest                     = "ShardRequest"
	MsgUpperResponse                    = "UpperResponse"
	MsgWaitForUpperRequest              = "WaitForUpperRequest"
	MsgCompareAndAppendRequest          = "CompareAndAppendRequest"
	MsgCompareAndAppendResponse         = "CompareAndAppendResponse"
	MsgScanRequest                      = "ScanRequest"
	MsgScanResponse                     = "ScanResponse"
	MsgSinceResponse                    = "SinceResponse"
	MsgCompareAndDowngradeSinceRequest  = "CompareAndDowngradeSinceRequest"
	MsgCompareAndDowngradeSinceResponse = "CompareAndDowngradeSinceResponse"
	MsgApplierVersionResponse           = "ApplierVersionResponse"
)

type fieldSpec struct {
	name     string
	typ      descriptorpb.FieldDescriptorProto_Type
	message  string
	repeated bool
}

func scalar(name string, typ descriptorpb.FieldDescriptorProto_Type) fieldSpec {
	return fieldSpec{name: name, typ: typ}
}

func message(name, msg string) fieldSpec {
	return fieldSpec{name: name, typ: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, message: msg}
}

func repeated(name, msg string) fieldSpec {
	f := message(name, msg)
	f.repeated = true
	return f
}

const (
	typeBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeUint64 = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	typeInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
	typeBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
)

// Field numbers follow declaration order, starting at 1. Never reorder.
var schema = []struct {
	name   string
	fields []fieldSpec
}{
	{MsgUpdate, []fieldSpec{scalar("data", typeBytes), scalar("ts", typeUint64), scalar("diff", typeInt64)}},
	{MsgBatch, []fieldSpec{repeated("updates", MsgUpdate)}},
	{MsgAppendRequest, []fieldSpec{
		repeated("updates", MsgUpdate), scalar("expected", typeUint64), scalar("next", typeUint64), scalar("version", typeString),
	}},
	{MsgSince, []fieldSpec{scalar("opaque", typeInt64), scalar("ts", typeUint64)}},
	{MsgUpperMismatch, []fieldSpec{scalar("expected", typeUint64), scalar("current", typeUint64)}},
	{MsgOpaqueMismatch, []fieldSpec{scalar("expected", typeInt64), scalar("current", typeInt64)}},
	{MsgShardRequest, []fieldSpec{scalar("shard", typeString)}},
	{MsgUpperResponse, []fieldSpec{scalar("upper", typeUint64)}},
	{MsgWaitForUpperRequest, []fieldSpec{scalar("shard", typeString), scalar("after", typeUint64)}},
	{MsgCompareAndAppendRequest, []fieldSpec{scalar("shard", typeString), message("request", MsgAppendRequest)}},
	{MsgCompareAndAppendResponse, []fieldSpec{message("mismatch", MsgUpperMismatch)}},
	{MsgScanRequest, []fieldSpec{scalar("shard", typeString), scalar("lower", typeUint64), scalar("upper", typeUint64)}},
	{MsgScanResponse, []fieldSpec{repeated("updates", MsgUpdate)}},
	{MsgSinceResponse, []fieldSpec{message("since", MsgSince)}},
	{MsgCompareAndDowngradeSinceRequest, []fieldSpec{
		scalar("shard", typeString), scalar("expected", typeInt64), message("next", MsgSince),
	}},
	{MsgCompareAndDowngradeSinceResponse, []fieldSpec{message("since", MsgSince), message("mismatch", MsgOpaqueMismatch)}},
	{MsgApplierVersionResponse, []fieldSpec{scalar("version", typeString), scalar("found", typeBool)}},
}

var file = buildFile()

func buildFile() protoreflect.FileDescriptor {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("logstore/shard.proto"),
		Package: proto.String(Package),
		Syntax:  proto.String("proto3"),
	}
	for _, m := range schema {
		dp := &descriptorpb.DescriptorProto{Name: proto.String(m.name)}
		for i, f := range m.fields {
			label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
			if f.repeated {
				label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
			}
			fp := &descriptorpb.FieldDescriptorProto{
				Name:   proto.String(f.name),
				Number: proto.Int32(int32(i + 1)),
				Label:  label.Enum(),
				Type:   f.typ.Enum(),
			}
			if f.message != "" {
				fp.TypeName = proto.String("." + Package + "." + f.message)
			}
			dp.Field = append(dp.Field, fp)
		}
		fdp.MessageType = append(fdp.MessageType, dp)
	}
	fd, err := protodesc.NewFile(fdp, new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("shardpb: invalid schema: %v", err))
	}
	return fd
}

// File returns the descriptor of the schema.
func File() protoreflect.FileDescriptor { return file }

// New returns an empty message of the named type.
func New(name string) *dynamicpb.Message {
	md := file.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		panic("shardpb: unknown message " + name)
	}
	return dynamicpb.NewMessage(md)
}

func field(m protoreflect.Message, name string) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("shardpb: %s has no field %s", m.Descriptor().Name(), name))
	}
	return fd
}

func SetString(m protoreflect.Message, name, v string) {
	m.Set(field(m, name), protoreflect.ValueOfString(v))
}

func String(m protoreflect.Message, name string) string {
	return m.Get(field(m, name)).String()
}

func SetUint64(m protoreflect.Message, name string, v uint64) {
	m.Set(field(m, name), protoreflect.ValueOfUint64(v))
}

func Uint64(m protoreflect.Message, name string) uint64 {
	return m.Get(field(m, name)).Uint()
}

func SetInt64(m protoreflect.Message, name string, v int64) {
	m.Set(field(m, name), protoreflect.ValueOfInt64(v))
}

func Int64(m protoreflect.Message, name string) int64 {
	return m.Get(field(m, name)).Int()
}

func SetBool(m protoreflect.Message, name string, v bool) {
	m.Set(field(m, name), protoreflect.ValueOfBool(v))
}

func Bool(m protoreflect.Message, name string) bool {
	return m.Get(field(m, name)).Bool()
}

// SetMessage sets a message field. A nil sub leaves the field unset.
func SetMessage(m protoreflect.Message, name string, sub protoreflect.Message) {
	if sub == nil {
		return
	}
	m.Set(field(m, name), protoreflect.ValueOfMessage(sub))
}

// Message returns a message field, or false if it is unset.
func Message(m protoreflect.Message, name string) (protoreflect.Message, bool) {
	fd := field(m, name)
	if !m.Has(fd) {
		return nil, false
	}
	return m.Get(fd).Message(), true
}
