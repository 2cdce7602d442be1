package core

import (
	"bytes"
	"encoding/json"
	"errors"
)

// DecodeStrict decodes a single JSON object into v, failing on unknown
// members and trailing data. Decoder errors become ValidationErrors.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return err
		}
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return Invalid(te.Field, "expected %s, got JSON %s", te.Type, te.Value)
		}
		return Invalid("", "%v", err)
	}
	if dec.More() {
		return Invalid("", "unexpected data after JSON object")
	}
	return nil
}
