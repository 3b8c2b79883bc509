package core

import (
	"time"

	"github.com/google/uuid"
)

// Submission is one inbound image awaiting relay to the inference endpoint.
type Submission struct {
	ID          uuid.UUID
	SenderID    string
	SenderName  string
	Phone       string // empty when the transport does not know it
	Image       []byte
	SubmittedAt time.Time
}
