package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const (
	reasonMissing   = "is missing"
	reasonNotObject = "is not a JSON object"
	reasonNotScalar = "is not a scalar value"
	reasonNotNumber = "is not a number"
)

// Interpret validates a /predict response body and maps it to an
// InferenceResult. Missing keys are reported before the image payload is
// decoded, so a response lacking a result key is a *MalformedError even if its
// image is also broken.
func Interpret(body []byte) (InferenceResult, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return InferenceResult{}, &MalformedError{Field: FieldBody, Reason: reasonNotObject}
	}

	imageRaw, ok := lookup(top, FieldImage)
	if !ok {
		return InferenceResult{}, &MalformedError{Field: FieldImage, Reason: reasonMissing}
	}
	resultsRaw, ok := lookup(top, FieldResults)
	if !ok {
		return InferenceResult{}, &MalformedError{Field: FieldResults, Reason: reasonMissing}
	}

	var results map[string]json.RawMessage
	if err := json.Unmarshal(resultsRaw, &results); err != nil {
		return InferenceResult{}, &MalformedError{Field: FieldResults, Reason: reasonNotObject}
	}
	for _, field := range ResultFields {
		if _, ok := lookup(results, field); !ok {
			return InferenceResult{}, &MalformedError{Field: field, Reason: reasonMissing}
		}
	}

	res := InferenceResult{Results: append(json.RawMessage(nil), resultsRaw...)}

	textFields := []struct {
		field string
		dest  *string
	}{
		{FieldCounter, &res.Counter},
		{FieldModelName, &res.ModelName},
		{FieldCurrentTime, &res.ProcessedAt},
		{FieldWHCheck, &res.ImageDimensionCheck},
		{FieldFileName, &res.SourceFileName},
	}
	for _, f := range textFields {
		raw, _ := lookup(results, f.field)
		text, ok := scalarText(raw)
		if !ok {
			return InferenceResult{}, &MalformedError{Field: f.field, Reason: reasonNotScalar}
		}
		*f.dest = text
	}

	numberFields := []struct {
		field string
		dest  *json.Number
	}{
		{FieldInference, &res.InferenceMs},
		{FieldObjectCount, &res.ObjectCount},
	}
	for _, f := range numberFields {
		raw, _ := lookup(results, f.field)
		n, ok := number(raw)
		if !ok {
			return InferenceResult{}, &MalformedError{Field: f.field, Reason: reasonNotNumber}
		}
		*f.dest = n
	}

	image, err := decodeImage(imageRaw)
	if err != nil {
		return InferenceResult{}, &DecodeError{Err: err}
	}
	res.OutputImage = image

	return res, nil
}

// lookup treats an explicit null the same as an absent key.
func lookup(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := m[key]
	if !ok {
		return nil, false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}
	return trimmed, true
}

func scalarText(raw json.RawMessage) (string, bool) {
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '{', '[':
		return "", false
	default:
		// numbers and booleans are rendered as sent
		return string(raw), true
	}
}

func number(raw json.RawMessage) (json.Number, bool) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", false
		}
		return json.Number(s), true
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n, true
}

func decodeImage(raw json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, errors.New("image payload is not a string")
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("image payload is empty")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// some encoders drop the padding
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(encoded); rawErr != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, errors.New("image payload decodes to zero bytes")
	}
	return data, nil
}
