// Package feed republishes a snapshot source over gRPC and consumes such a
// feed as a source. Messages are well-known protobuf types (StringValue,
// Value, ListValue) so no generated code is needed on either side.
package feed

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/model"
)

// Fully-qualified names of the feed service.
const (
	ServiceName       = "telemetry.feed.v1.SnapshotFeed"
	WatchLatestMethod = "/" + ServiceName + "/WatchLatest"
	WatchAllMethod    = "/" + ServiceName + "/WatchAll"
)

// SnapshotFeedServer is the server API of the feed.
//
// WatchLatest streams the latest snapshot under the requested path as a
// structpb.Value (null when the path is empty) on every change. WatchAll
// streams the whole collection as a structpb.ListValue of {key, value}
// structs on every change.
type SnapshotFeedServer interface {
	WatchLatest(path *wrapperspb.StringValue, stream grpc.ServerStream) error
	WatchAll(path *wrapperspb.StringValue, stream grpc.ServerStream) error
}

// ServiceDesc describes the feed for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotFeedServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchLatest",
			Handler:       watchLatestHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "WatchAll",
			Handler:       watchAllHandler,
			ServerStreams: true,
		},
	},
	Metadata: "telemetry/feed/v1/feed.proto",
}

// RegisterSnapshotFeedServer registers srv on s.
func RegisterSnapshotFeedServer(s grpc.ServiceRegistrar, srv SnapshotFeedServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func watchLatestHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SnapshotFeedServer).WatchLatest(req, stream)
}

func watchAllHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SnapshotFeedServer).WatchAll(req, stream)
}

// ToValue converts a raw snapshot value into a protobuf Value.
func ToValue(v any) (*structpb.Value, error) {
	pv, err := structpb.NewValue(plain(v))
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return pv, nil
}

// ToEntries converts a collection into a ListValue of {key, value} structs.
func ToEntries(entries []source.Entry) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(entries))}
	for _, e := range entries {
		v, err := ToValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.Key, err)
		}
		list.Values = append(list.Values, structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"key":   structpb.NewStringValue(e.Key),
				"value": v,
			},
		}))
	}
	return list, nil
}

// FromEntries decodes a ListValue produced by ToEntries. Elements without a
// string key are skipped.
func FromEntries(list *structpb.ListValue) []source.Entry {
	out := make([]source.Entry, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		fields := item.GetStructValue().GetFields()
		key, ok := fields["key"].GetKind().(*structpb.Value_StringValue)
		if !ok {
			continue
		}
		out = append(out, source.Entry{Key: key.StringValue, Value: fields["value"].AsInterface()})
	}
	return out
}

// plain rewrites named map types and json.Number into the shapes accepted by
// structpb.NewValue.
func plain(v any) any {
	switch t := v.(type) {
	case model.RawSnapshot:
		return plainMap(t)
	case map[string]any:
		return plainMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case [3]float64:
		return []any{t[0], t[1], t[2]}
	default:
		return v
	}
}

func plainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}
