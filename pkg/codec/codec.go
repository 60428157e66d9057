package codec

import (
	"bytes"
)

// Marshal a value with the default handlers
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal a single value. Reductions need a Decoder with registered reconstructors.
func Unmarshal(raw []byte, importer Importer) (interface{}, error) {
	return NewDecoder(bytes.NewReader(raw), importer).Decode()
}
