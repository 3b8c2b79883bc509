package migration_0

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

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

	Results datatypes.JSON `gorm:"type:jsonb"`
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&SubmissionRecord{})
}
