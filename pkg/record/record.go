package record

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Label identifies a role whose state is being handed off.
type Label string

// Record is an immutable unit of handoff state deposited under a label.
// The version is opaque to the directory; only the consumer interprets it.
type Record struct {
	label   Label
	version []int
	payload []byte
}

// New validates the fields and returns a record holding private copies of them.
func New(label Label, version []int, payload []byte) (Record, error) {
	r := Record{label: label, version: cloneInts(version), payload: cloneBytes(payload)}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// MustNew is like New but panics on invalid input.
func MustNew(label Label, version []int, payload []byte) Record {
	r, err := New(label, version, payload)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Record) Label() Label { return r.label }

// Version returns a copy of the producer's schema generation.
func (r Record) Version() []int { return cloneInts(r.version) }

// Payload returns a copy of the opaque payload.
func (r Record) Payload() []byte { return cloneBytes(r.payload) }

// IsZero reports whether r is the zero Record.
func (r Record) IsZero() bool {
	return r.label == "" && r.version == nil && r.payload == nil
}

// Validate checks that label, version and payload are all present.
// An empty, non-nil payload is valid.
func (r Record) Validate() error {
	switch {
	case r.label == "":
		return &ValidationError{Field: "label", Reason: "must not be empty"}
	case len(r.version) == 0:
		return &ValidationError{Field: "version", Reason: "must contain at least one element"}
	case r.payload == nil:
		return &ValidationError{Field: "payload", Reason: "is required"}
	}
	return nil
}

func (r Record) String() string {
	return fmt.Sprintf("record{label=%s version=%v payload=%dB}", r.label, r.version, len(r.payload))
}

type wireRecord struct {
	Label   Label  `json:"label" yaml:"label"`
	Version []int  `json:"version" yaml:"version"`
	Payload []byte `json:"payload" yaml:"payload"`
}

// MarshalJSON encodes the record; the payload is base64 encoded.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{Label: r.label, Version: r.version, Payload: r.payload})
}

// UnmarshalJSON decodes and validates a record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rec, err := New(w.Label, w.Version, w.Payload)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// MarshalYAML renders the record with a printable payload.
func (r Record) MarshalYAML() (interface{}, error) {
	return struct {
		Label   Label  `yaml:"label"`
		Version []int  `yaml:"version"`
		Payload string `yaml:"payload"`
	}{r.label, r.version, string(r.payload)}, nil
}

// ValidationError reports a record rejected at the call boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid handoff record: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func cloneInts(in []int) []int {
	if in == nil {
		return nil
	}
	return append(make([]int, 0, len(in)), in...)
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append(make([]byte, 0, len(in)), in...)
}
