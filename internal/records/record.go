package records

import (
	"context"
	"encoding/json"
	"time"

	"inference-relay/internal/core"

	"github.com/google/uuid"
)

const (
	PhoneUnknown = "N/A"

	// TimestampLayout is how timestamps are written to the CSV log.
	TimestampLayout = "2006-01-02 15:04:05.000000"
)

// Columns is the header of the persisted log, in row order.
var Columns = []string{
	"timestamp",
	"senderId",
	"senderName",
	"phone",
	core.FieldCounter,
	core.FieldInference,
	core.FieldModelName,
	core.FieldObjectCount,
	core.FieldCurrentTime,
	core.FieldWHCheck,
	core.FieldFileName,
}

// LogRecord is one entry of the append-only submission log.
type LogRecord struct {
	SubmissionId uuid.UUID
	Timestamp    time.Time
	SenderId     string
	SenderName   string
	Phone        string
	Counter      string
	Inference    string
	ModelName    string
	ObjectCount  string
	CurrentTime  string
	WHCheck      string
	FileName     string

	Results json.RawMessage
}

func NewLogRecord(sub core.Submission, res core.InferenceResult, timestamp time.Time) LogRecord {
	phone := sub.Phone
	if phone == "" {
		phone = PhoneUnknown
	}
	return LogRecord{
		SubmissionId: sub.ID,
		Timestamp:    timestamp,
		SenderId:     sub.SenderID,
		SenderName:   sub.SenderName,
		Phone:        phone,
		Counter:      res.Counter,
		Inference:    res.InferenceMs.String(),
		ModelName:    res.ModelName,
		ObjectCount:  res.ObjectCount.String(),
		CurrentTime:  res.ProcessedAt,
		WHCheck:      res.ImageDimensionCheck,
		FileName:     res.SourceFileName,
		Results:      res.Results,
	}
}

// Row returns the record's values in Columns order.
func (r LogRecord) Row() []string {
	return []string{
		r.Timestamp.Format(TimestampLayout),
		r.SenderId,
		r.SenderName,
		r.Phone,
		r.Counter,
		r.Inference,
		r.ModelName,
		r.ObjectCount,
		r.CurrentTime,
		r.WHCheck,
		r.FileName,
	}
}

// Store is an append-only sink for log records. Implementations must be safe
// for concurrent use and must never interleave two records.
type Store interface {
	Append(ctx context.Context, record LogRecord) error
}
