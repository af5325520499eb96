// Package parser decodes raw B-route property records into typed, semantically
// named values.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/lsm/meterlog/internal/record"
)

var (
	// ErrForeignSource is returned for records that did not arrive over the B-route channel.
	ErrForeignSource = errors.New("foreign source tag")
	// ErrUnknownProperty is returned for property codes outside the property table.
	ErrUnknownProperty = errors.New("unknown property code")
)

// CoercionError reports a raw value that could not be converted to the type
// declared for its property.
type CoercionError struct {
	PropertyCode string
	RawValue     string
	Kind         record.Kind
	Err          error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("property %s: cannot coerce %q to %s: %v", e.PropertyCode, e.RawValue, e.Kind, e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the clock used to stamp decoded records.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		p.now = now
	}
}

// WithEnergyPrescaled makes cumulative energy properties pass through
// unscaled, for readers that already deliver kWh.
func WithEnergyPrescaled(prescaled bool) Option {
	return func(p *Parser) {
		p.prescaled = prescaled
	}
}

// Parser maps raw records to decoded records using the static property table.
// A Parser is safe for concurrent use.
type Parser struct {
	now       func() time.Time
	prescaled bool
}

// New creates a Parser.
func New(opts ...Option) *Parser {
	p := &Parser{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decode validates and coerces a raw record. It never panics; every failure is
// reported as ErrForeignSource, ErrUnknownProperty or a *CoercionError.
func (p *Parser) Decode(raw record.Raw) (record.Decoded, error) {
	if raw.SourceTag != record.SourceTag {
		return record.Decoded{}, fmt.Errorf("%w: %q", ErrForeignSource, raw.SourceTag)
	}

	prop, ok := Lookup(raw.PropertyCode)
	if !ok {
		return record.Decoded{}, fmt.Errorf("%w: %q", ErrUnknownProperty, raw.PropertyCode)
	}

	value, err := p.coerce(prop, strings.TrimSpace(raw.RawValue))
	if err != nil {
		return record.Decoded{}, &CoercionError{
			PropertyCode: raw.PropertyCode,
			RawValue:     raw.RawValue,
			Kind:         prop.Kind,
			Err:          err,
		}
	}

	return record.Decoded{
		PropertyCode: prop.Code,
		SemanticName: prop.Name,
		Value:        value,
		ObservedAt:   p.now(),
	}, nil
}

func (p *Parser) coerce(prop Property, s string) (record.Value, error) {
	switch prop.Kind {
	case record.KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return record.Value{}, err
		}
		return record.IntValue(n), nil

	case record.KindFloat:
		var d apd.Decimal
		if _, _, err := d.SetString(s); err != nil {
			return record.Value{}, err
		}
		if d.Form != apd.Finite {
			return record.Value{}, fmt.Errorf("non-finite value")
		}
		if prop.Scale != nil && !p.prescaled {
			var scaled apd.Decimal
			if _, err := decimalContext.Mul(&scaled, &d, prop.Scale); err != nil {
				return record.Value{}, err
			}
			d.Set(&scaled)
		}
		f, err := d.Float64()
		if err != nil {
			return record.Value{}, err
		}
		return record.FloatValue(f), nil

	case record.KindString:
		return record.StringValue(s), nil

	default:
		return record.Value{}, fmt.Errorf("unsupported kind %s", prop.Kind)
	}
}
