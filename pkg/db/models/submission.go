package models

import (
	"time"

	"github.com/voicenotehq/voicenote-backend/pkg/enums"
)

// Submission is the tracking record for one voice note moving through the
// pipeline. The id is derived from the uploaded object's key at ingestion and
// is the sole lookup key; source_key is unique so duplicate finalize events
// can never create a second record.
type Submission struct {
	ID              string                 `gorm:"column:id;primaryKey"`
	SourceKey       string                 `gorm:"column:source_key;not null;unique"`
	Status          enums.SubmissionStatus `gorm:"column:status;not null"`
	Recipient       string                 `gorm:"column:recipient"`
	Transcript      *string                `gorm:"column:transcript"`
	EnhancedContent *string                `gorm:"column:enhanced_content"`
	ErrorMessage    *string                `gorm:"column:error_message"`
	RetryCount      int                    `gorm:"column:retry_count;not null;default:0"`
	JobReference    *string                `gorm:"column:job_reference"`
	DeliveryRef     *string                `gorm:"column:delivery_ref"`
	CreatedAt       time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time              `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt     *time.Time             `gorm:"column:completed_at"`
}
