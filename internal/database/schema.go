package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SubmissionRecord is one row of the append-only submission log. Seq preserves
// append order.
type SubmissionRecord struct {
	Seq          uint64    `gorm:"primaryKey;autoIncrement"`
	SubmissionId uuid.UUID `gorm:"type:uuid;index"`
	Timestamp    time.Time `gorm:"not null"`
	SenderId     string    `gorm:"not null"`
	SenderName   string
	Phone        string `gorm:"not null;default:'N/A'"`
	Counter      string
	Inference    string
	ModelName    string
	ObjectCount  string
	CurrentTime  string
	WHCheck      string
	FileName     string

	Results datatypes.JSON `gorm:"type:jsonb"` // results object as returned by the endpoint
}
