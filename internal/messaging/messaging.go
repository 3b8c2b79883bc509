package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RecordsQueue = "submission_records"

	// RecordMessageType tags record messages so consumers can tell them apart
	// from anything else routed to the queue.
	RecordMessageType = "submission_record"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
	PublishTimeout  = 10 * time.Second
)

var (
	ErrQueueClosed  = errors.New("queue is closed")
	ErrNotConfirmed = errors.New("record was not confirmed by the broker")
)

// RecordPayload is the event published for every appended submission record.
type RecordPayload struct {
	SubmissionId uuid.UUID `json:"submission_id"`
	Timestamp    time.Time `json:"timestamp"`
	SenderId     string    `json:"sender_id"`
	SenderName   string    `json:"sender_name"`
	Phone        string    `json:"phone"`
	Counter      string    `json:"counter"`
	Inference    string    `json:"inference"`
	ModelName    string    `json:"model_name"`
	ObjectCount  string    `json:"object_count"`
	CurrentTime  string    `json:"current_time"`
	WHCheck      string    `json:"wh_check"`
	FileName     string    `json:"file_name"`

	// Results is the results object exactly as the inference endpoint sent it.
	Results json.RawMessage `json:"results,omitempty"`
}

// Publisher delivers record events. PublishRecord returns once the record is
// accepted by the backend.
type Publisher interface {
	PublishRecord(ctx context.Context, payload RecordPayload) error

	Close()
}

// RecordDelivery is one received record waiting to be settled.
type RecordDelivery interface {
	Record() RecordPayload

	Ack() error

	// Requeue returns the record to the queue so it is delivered again.
	Requeue() error

	// Discard drops the record without redelivery.
	Discard() error
}

type Receiver interface {
	Records() <-chan RecordDelivery

	Close()
}

func encodeRecord(payload RecordPayload) ([]byte, error) {
	if payload.SubmissionId == uuid.Nil {
		return nil, errors.New("record payload has no submission id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error serializing record payload: %w", err)
	}
	return body, nil
}

// decodeRecord validates a received message. messageType and messageId are
// checked only when the transport carries them.
func decodeRecord(messageType, messageId string, body []byte) (RecordPayload, error) {
	if messageType != "" && messageType != RecordMessageType {
		return RecordPayload{}, fmt.Errorf("unexpected message type '%s'", messageType)
	}

	var payload RecordPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return RecordPayload{}, fmt.Errorf("error parsing record payload: %w", err)
	}
	if payload.SubmissionId == uuid.Nil {
		return RecordPayload{}, errors.New("record payload has no submission id")
	}
	if messageId != "" && messageId != payload.SubmissionId.String() {
		return RecordPayload{}, fmt.Errorf("message id %s does not match submission id %s", messageId, payload.SubmissionId)
	}
	return payload, nil
}
