package records

import (
	"context"
	"fmt"

	"inference-relay/internal/messaging"
)

// QueueStore publishes every record as an event for downstream consumers.
type QueueStore struct {
	publisher messaging.Publisher
}

var _ Store = (*QueueStore)(nil)

func NewQueueStore(publisher messaging.Publisher) *QueueStore {
	return &QueueStore{publisher: publisher}
}

func (s *QueueStore) Append(ctx context.Context, record LogRecord) error {
	if err := s.publisher.PublishRecord(ctx, ToPayload(record)); err != nil {
		return fmt.Errorf("error publishing submission record: %w", err)
	}
	return nil
}

func ToPayload(record LogRecord) messaging.RecordPayload {
	return messaging.RecordPayload{
		SubmissionId: record.SubmissionId,
		Timestamp:    record.Timestamp,
		SenderId:     record.SenderId,
		SenderName:   record.SenderName,
		Phone:        record.Phone,
		Counter:      record.Counter,
		Inference:    record.Inference,
		ModelName:    record.ModelName,
		ObjectCount:  record.ObjectCount,
		CurrentTime:  record.CurrentTime,
		WHCheck:      record.WHCheck,
		FileName:     record.FileName,
		Results:      record.Results,
	}
}

func FromPayload(payload messaging.RecordPayload) LogRecord {
	return LogRecord{
		SubmissionId: payload.SubmissionId,
		Timestamp:    payload.Timestamp,
		SenderId:     payload.SenderId,
		SenderName:   payload.SenderName,
		Phone:        payload.Phone,
		Counter:      payload.Counter,
		Inference:    payload.Inference,
		ModelName:    payload.ModelName,
		ObjectCount:  payload.ObjectCount,
		CurrentTime:  payload.CurrentTime,
		WHCheck:      payload.WHCheck,
		FileName:     payload.FileName,
		Results:      payload.Results,
	}
}
