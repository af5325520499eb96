// Package record defines the raw and decoded meter readings that flow through
// the ingestion pipeline.
package record

import (
	"fmt"
	"strconv"
	"time"
)

// SourceTag is the sentinel carried by raw records that arrive over the B-route channel.
const SourceTag = "BR"

// Raw is an undecoded property reading as received from a meter reader.
// A Raw value is never modified after it has been queued.
type Raw struct {
	SourceTag    string `json:"source_tag"`
	PropertyCode string `json:"property_code"`
	RawValue     string `json:"raw_value"`
	Status       string `json:"status,omitempty"`
}

// Kind identifies the payload carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a decoded property value. Exactly one payload is set, selected by Kind.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// IntValue returns an integer Value.
func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

// FloatValue returns a floating point Value.
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }

// StringValue returns a string Value.
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// Kind reports which payload v carries.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer payload. It is zero unless Kind is KindInt.
func (v Value) Int() int64 { return v.i }

// Float returns the floating point payload. It is zero unless Kind is KindFloat.
func (v Value) Float() float64 { return v.f }

// Str returns the string payload. It is empty unless Kind is KindString.
func (v Value) Str() string { return v.s }

// Interface returns the payload as an int64, float64 or string.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	default:
		return nil
	}
}

// String formats the payload the way it is written to text sinks.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		return ""
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	return v == o
}

// GoString makes test failures readable.
func (v Value) GoString() string {
	return fmt.Sprintf("%s(%s)", v.kind, v.String())
}

// Decoded is a raw record after type coercion and semantic naming.
type Decoded struct {
	PropertyCode string
	SemanticName string
	Value        Value
	ObservedAt   time.Time
}
