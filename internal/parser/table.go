package parser

import (
	"github.com/cockroachdb/apd/v3"

	"github.com/lsm/meterlog/internal/record"
)

var decimalContext = apd.BaseContext.WithPrecision(34)

// perMille converts the meter's Wh-resolution counters to kWh.
var perMille = apd.New(1, -3)

// Property describes one EPC the pipeline knows how to decode.
type Property struct {
	Code  string
	Name  string
	Kind  record.Kind
	Scale *apd.Decimal // nil means the value is taken as is
}

// properties is the authoritative property table. Adding an EPC is a data
// change here, not a code change in Decode.
var properties = []Property{
	{Code: "D3", Name: "coefficient", Kind: record.KindInt},
	{Code: "D7", Name: "unit", Kind: record.KindInt},
	{Code: "E1", Name: "effective_digits", Kind: record.KindInt},
	{Code: "E7", Name: "instant_power_w", Kind: record.KindInt},
	{Code: "E0", Name: "energy_total_kwh", Kind: record.KindFloat, Scale: perMille},
	{Code: "E3", Name: "energy_reverse_kwh", Kind: record.KindFloat, Scale: perMille},
	{Code: "E8R", Name: "instant_current_r", Kind: record.KindFloat},
	{Code: "E8T", Name: "instant_current_t", Kind: record.KindFloat},
}

var byCode = func() map[string]Property {
	m := make(map[string]Property, len(properties))
	for _, p := range properties {
		m[p.Code] = p
	}
	return m
}()

// Lookup returns the table entry for an EPC.
func Lookup(code string) (Property, bool) {
	p, ok := byCode[code]
	return p, ok
}

// Codes returns the known EPCs in table order.
func Codes() []string {
	codes := make([]string, len(properties))
	for i, p := range properties {
		codes[i] = p.Code
	}
	return codes
}
