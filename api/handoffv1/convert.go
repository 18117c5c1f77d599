package handoffv1

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"handoff/pkg/record"
)

// Field names used inside the Struct messages.
const (
	FieldLabel       = "label"
	FieldVersion     = "version"
	FieldPayload     = "payload"
	FieldCaller      = "caller"
	FieldSubscriber  = "subscriber"
	FieldID          = "id"
	FieldAddress     = "address"
	FieldRaftAddress = "raft_address"
	FieldRole        = "role"
	FieldState       = "state"
	FieldLastSeen    = "last_seen"
)

// Label wraps a label for the single-label requests.
func Label(l record.Label) *wrapperspb.StringValue {
	return wrapperspb.String(string(l))
}

// EncodeRecord encodes a record; caller identifies the depositing process and
// may be empty. Version elements travel as decimal strings so every int
// survives the trip.
func EncodeRecord(r record.Record, caller string) *structpb.Struct {
	version := make([]*structpb.Value, 0, len(r.Version()))
	for _, v := range r.Version() {
		version = append(version, structpb.NewStringValue(strconv.Itoa(v)))
	}
	fields := map[string]*structpb.Value{
		FieldLabel:   structpb.NewStringValue(string(r.Label())),
		FieldVersion: structpb.NewListValue(&structpb.ListValue{Values: version}),
		FieldPayload: structpb.NewStringValue(base64.StdEncoding.EncodeToString(r.Payload())),
	}
	if caller != "" {
		fields[FieldCaller] = structpb.NewStringValue(caller)
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeRecord is the inverse of EncodeRecord. Missing or malformed fields
// yield a *record.ValidationError.
func DecodeRecord(s *structpb.Struct) (record.Record, string, error) {
	fields := s.GetFields()

	label := record.Label(fields[FieldLabel].GetStringValue())

	var version []int
	if v, ok := fields[FieldVersion]; ok {
		for i, n := range v.GetListValue().GetValues() {
			sv, ok := n.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return record.Record{}, "", &record.ValidationError{Field: FieldVersion, Reason: fmt.Sprintf("element %d is not a decimal string", i)}
			}
			x, err := strconv.Atoi(sv.StringValue)
			if err != nil {
				return record.Record{}, "", &record.ValidationError{Field: FieldVersion, Reason: fmt.Sprintf("element %d: %q is not an int", i, sv.StringValue)}
			}
			version = append(version, x)
		}
	}

	var payload []byte
	if v, ok := fields[FieldPayload]; ok {
		b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return record.Record{}, "", &record.ValidationError{Field: FieldPayload, Reason: "is not valid base64"}
		}
		payload = b
		if payload == nil {
			payload = []byte{}
		}
	}

	r, err := record.New(label, version, payload)
	if err != nil {
		return record.Record{}, "", err
	}
	return r, fields[FieldCaller].GetStringValue(), nil
}

func EncodeRecords(recs []record.Record) *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(recs))
	for _, r := range recs {
		values = append(values, structpb.NewStructValue(EncodeRecord(r, "")))
	}
	return &structpb.ListValue{Values: values}
}

func DecodeRecords(l *structpb.ListValue) ([]record.Record, error) {
	out := make([]record.Record, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		r, _, err := DecodeRecord(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// EncodeSubscription names a subscriber identity and the label it watches.
func EncodeSubscription(label record.Label, subscriber string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldLabel:      structpb.NewStringValue(string(label)),
		FieldSubscriber: structpb.NewStringValue(subscriber),
	}}
}

func DecodeSubscription(s *structpb.Struct) (record.Label, string) {
	fields := s.GetFields()
	return record.Label(fields[FieldLabel].GetStringValue()), fields[FieldSubscriber].GetStringValue()
}

// Member is the wire view of a cluster node.
type Member struct {
	ID          string
	Address     string
	RaftAddress string
	Role        string
	State       string
	LastSeen    time.Time
}

func EncodeMember(m Member) *structpb.Struct {
	fields := map[string]*structpb.Value{
		FieldID:      structpb.NewStringValue(m.ID),
		FieldAddress: structpb.NewStringValue(m.Address),
	}
	if m.RaftAddress != "" {
		fields[FieldRaftAddress] = structpb.NewStringValue(m.RaftAddress)
	}
	if m.Role != "" {
		fields[FieldRole] = structpb.NewStringValue(m.Role)
	}
	if m.State != "" {
		fields[FieldState] = structpb.NewStringValue(m.State)
	}
	if !m.LastSeen.IsZero() {
		fields[FieldLastSeen] = structpb.NewNumberValue(float64(m.LastSeen.Unix()))
	}
	return &structpb.Struct{Fields: fields}
}

func DecodeMember(s *structpb.Struct) Member {
	fields := s.GetFields()
	m := Member{
		ID:          fields[FieldID].GetStringValue(),
		Address:     fields[FieldAddress].GetStringValue(),
		RaftAddress: fields[FieldRaftAddress].GetStringValue(),
		Role:        fields[FieldRole].GetStringValue(),
		State:       fields[FieldState].GetStringValue(),
	}
	if v, ok := fields[FieldLastSeen]; ok {
		m.LastSeen = time.Unix(int64(v.GetNumberValue()), 0)
	}
	return m
}

func EncodeMembers(ms []Member) *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(ms))
	for _, m := range ms {
		values = append(values, structpb.NewStructValue(EncodeMember(m)))
	}
	return &structpb.ListValue{Values: values}
}

func DecodeMembers(l *structpb.ListValue) []Member {
	out := make([]Member, 0, len(l.GetValues()))
	for _, v := range l.GetValues() {
		m := DecodeMember(v.GetStructValue())
		if m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
