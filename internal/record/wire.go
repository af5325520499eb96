package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// wireRaw accepts both the long field names and the short aliases used by
// older gateway firmware.
type wireRaw struct {
	SourceTag    string `json:"source_tag"`
	Tag          string `json:"tag"`
	PropertyCode string `json:"property_code"`
	EPC          string `json:"epc"`
	RawValue     any    `json:"raw_value"`
	Value        any    `json:"value"`
	Status       string `json:"status"`
}

// UnmarshalRaw decodes one JSON-encoded raw record.
func UnmarshalRaw(data []byte) (Raw, error) {
	var w wireRaw
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Raw{}, fmt.Errorf("decode raw record: %w", err)
	}

	r := Raw{
		SourceTag:    firstNonEmpty(w.SourceTag, w.Tag),
		PropertyCode: firstNonEmpty(w.PropertyCode, w.EPC),
		Status:       w.Status,
	}

	v := w.RawValue
	if v == nil {
		v = w.Value
	}
	switch val := v.(type) {
	case nil:
		return Raw{}, errors.New("decode raw record: missing raw_value")
	case string:
		r.RawValue = val
	case json.Number:
		r.RawValue = val.String()
	default:
		return Raw{}, fmt.Errorf("decode raw record: unsupported raw_value type %T", v)
	}

	if r.PropertyCode == "" {
		return Raw{}, errors.New("decode raw record: missing property_code")
	}
	return r, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
