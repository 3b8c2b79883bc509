package core

import (
	"encoding/json"
	"fmt"
)

// Top-level and results keys of the /predict response body.
const (
	FieldBody    = "body"
	FieldImage   = "image"
	FieldResults = "results"

	FieldCounter     = "counter"
	FieldInference   = "inference"
	FieldModelName   = "model_name"
	FieldObjectCount = "object_count"
	FieldCurrentTime = "current_time"
	FieldWHCheck     = "wh_check"
	FieldFileName    = "file_name"
)

// ResultFields lists the required keys of the results object in the order
// they are validated and persisted.
var ResultFields = []string{
	FieldCounter,
	FieldInference,
	FieldModelName,
	FieldObjectCount,
	FieldCurrentTime,
	FieldWHCheck,
	FieldFileName,
}

type InferenceResult struct {
	Counter             string
	InferenceMs         json.Number
	ModelName           string
	ObjectCount         json.Number
	ProcessedAt         string
	ImageDimensionCheck string
	SourceFileName      string

	// Results is the results object exactly as the endpoint sent it.
	Results json.RawMessage

	OutputImage []byte
}

type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed inference response: field '%s' %s", e.Field, e.Reason)
}

type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unable to decode output image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
