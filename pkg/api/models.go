package api

import (
	"time"

	"github.com/google/uuid"
)

type SubmissionResponse struct {
	Id      uuid.UUID
	Outcome string

	Text    string `json:"Text,omitempty"`
	Caption string `json:"Caption,omitempty"`
	Photo   []byte `json:"Photo,omitempty"`

	StatusCode int    `json:"StatusCode,omitempty"`
	Field      string `json:"Field,omitempty"`
}

type InfoResponse struct {
	Text string
}

type ListRecordsRequest struct {
	Offset int `schema:"offset"`
	Limit  int `schema:"limit"`
}

type Record struct {
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
}
