package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

func ListSubmissionRecords(ctx context.Context, db *gorm.DB, offset, limit int) ([]SubmissionRecord, error) {
	var records []SubmissionRecord
	query := db.WithContext(ctx).Order("seq ASC")
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error listing submission records: %w", err)
	}
	return records, nil
}

func CountSubmissionRecords(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&SubmissionRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting submission records: %w", err)
	}
	return count, nil
}
