package events

import (
	"fmt"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	structpb "github.com/golang/protobuf/ptypes/struct"
	tspb "github.com/golang/protobuf/ptypes/timestamp"
)

// Encode serializes the event as a protobuf Struct. The time is
// carried as a nested {seconds, nanos} struct of a Timestamp.
func (e *Event) Encode() ([]byte, error) {
	ts, err := ptypes.TimestampProto(e.Time)
	if err != nil {
		return nil, fmt.Errorf("encode time: %w", err)
	}
	fields := map[string]*structpb.Value{
		"kind": stringValue(string(e.Kind)),
		"time": {Kind: &structpb.Value_StructValue{StructValue: &structpb.Struct{
			Fields: map[string]*structpb.Value{
				"seconds": numberValue(float64(ts.Seconds)),
				"nanos":   numberValue(float64(ts.Nanos)),
			},
		}}},
	}
	setString(fields, "session_id", e.SessionID)
	setString(fields, "source", e.Source)
	setString(fields, "host", e.Host)
	setString(fields, "from", e.From)
	setString(fields, "state", e.State)
	setString(fields, "cause", e.Cause)
	setString(fields, "error", e.Error)
	setNumber(fields, "seq", e.Seq)
	setNumber(fields, "messages", e.Messages)
	setNumber(fields, "ticks", e.Ticks)
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// Decode parses a packet produced by Encode.
func Decode(pkt []byte) (*Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(pkt, &s); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	kind := s.Fields["kind"].GetStringValue()
	if kind == "" {
		return nil, fmt.Errorf("decode event: missing kind")
	}
	e := &Event{
		Kind:      Kind(kind),
		SessionID: s.Fields["session_id"].GetStringValue(),
		Source:    s.Fields["source"].GetStringValue(),
		Host:      s.Fields["host"].GetStringValue(),
		From:      s.Fields["from"].GetStringValue(),
		State:     s.Fields["state"].GetStringValue(),
		Cause:     s.Fields["cause"].GetStringValue(),
		Error:     s.Fields["error"].GetStringValue(),
		Seq:       int(s.Fields["seq"].GetNumberValue()),
		Messages:  int(s.Fields["messages"].GetNumberValue()),
		Ticks:     int(s.Fields["ticks"].GetNumberValue()),
	}
	if tv := s.Fields["time"].GetStructValue(); tv != nil {
		ts := &tspb.Timestamp{
			Seconds: int64(tv.Fields["seconds"].GetNumberValue()),
			Nanos:   int32(tv.Fields["nanos"].GetNumberValue()),
		}
		t, err := ptypes.Timestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("decode event time: %w", err)
		}
		e.Time = t
	}
	return e, nil
}

func stringValue(s string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: s}}
}

func numberValue(n float64) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: n}}
}

func setString(fields map[string]*structpb.Value, key, val string) {
	if val != "" {
		fields[key] = stringValue(val)
	}
}

func setNumber(fields map[string]*structpb.Value, key string, val int) {
	if val != 0 {
		fields[key] = numberValue(float64(val))
	}
}
