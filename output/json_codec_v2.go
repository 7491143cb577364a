//go:build jsonv2

package output

import (
	"encoding/json/jsontext"
	jsonv2 "encoding/json/v2"
)

func jsonMarshal(value any) ([]byte, error) {
	return jsonv2.Marshal(value)
}

// marshalLine encodes value as a single NDJSON line.
func marshalLine(value any) ([]byte, error) {
	data, err := jsonv2.Marshal(value, jsontext.Multiline(false))
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
