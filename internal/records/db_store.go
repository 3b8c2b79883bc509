package records

import (
	"context"
	"fmt"
	"sync"

	"inference-relay/internal/database"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DBStore appends records to the submission_records table.
type DBStore struct {
	// SQLite only supports one writer at a time, so inserts hold this lock.
	mu sync.Mutex
	db *gorm.DB
}

var _ Store = (*DBStore)(nil)

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Append(ctx context.Context, record LogRecord) error {
	row := database.SubmissionRecord{
		SubmissionId: record.SubmissionId,
		Timestamp:    record.Timestamp.UTC(),
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
	}
	if len(record.Results) > 0 {
		row.Results = datatypes.JSON(record.Results)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("error saving submission record: %w", err)
	}
	return nil
}

// List returns stored records in append order.
func (s *DBStore) List(ctx context.Context, offset, limit int) ([]LogRecord, error) {
	rows, err := database.ListSubmissionRecords(ctx, s.db, offset, limit)
	if err != nil {
		return nil, err
	}

	records := make([]LogRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, FromDatabase(row))
	}
	return records, nil
}

func FromDatabase(row database.SubmissionRecord) LogRecord {
	return LogRecord{
		SubmissionId: row.SubmissionId,
		Timestamp:    row.Timestamp,
		SenderId:     row.SenderId,
		SenderName:   row.SenderName,
		Phone:        row.Phone,
		Counter:      row.Counter,
		Inference:    row.Inference,
		ModelName:    row.ModelName,
		ObjectCount:  row.ObjectCount,
		CurrentTime:  row.CurrentTime,
		WHCheck:      row.WHCheck,
		FileName:     row.FileName,
		Results:      []byte(row.Results),
	}
}
