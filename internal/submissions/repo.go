package submissions

import (
	"context"
	"time"

	"gorm.io/gorm"

	pkgdb "github.com/voicenotehq/voicenote-backend/pkg/db"
	"github.com/voicenotehq/voicenote-backend/pkg/db/models"
	"github.com/voicenotehq/voicenote-backend/pkg/enums"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

// Repository exposes submission persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a submission repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// InsertIfAbsent persists a new submission record. A unique violation on the
// primary key or source_key means another consumer already created the record;
// that case reports created=false with no error so redeliveries stay silent.
func (r *Repository) InsertIfAbsent(ctx context.Context, sub *models.Submission) (bool, error) {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		if pkgdb.IsUniqueViolation(err, "") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FindByID retrieves a submission by its id.
func (r *Repository) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	var sub models.Submission
	if err := r.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindByJobReference retrieves a submission by the transcription job it
// started. Used when a completion notification arrives without an explicit
// submission id.
func (r *Repository) FindByJobReference(ctx context.Context, jobReference string) (*models.Submission, error) {
	var sub models.Submission
	if err := r.db.WithContext(ctx).First(&sub, "job_reference = ?", jobReference).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// Transition moves a submission to the target status, applying the extra
// column updates atomically with the status change. The update is guarded by
// the row's current status so a concurrent transition loses cleanly.
//
// Rules enforced here:
//   - already at the target status: no-op, fields are NOT reapplied
//   - backward or sideways moves the status machine disallows: STATE_CONFLICT
//   - terminal rows never change again
func (r *Repository) Transition(ctx context.Context, id string, to enums.SubmissionStatus, fields map[string]any) (*models.Submission, error) {
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status == to {
		return current, nil
	}
	if !current.Status.CanTransition(to) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			"cannot transition submission from "+string(current.Status)+" to "+string(to))
	}

	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, current.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			"submission "+id+" changed concurrently during transition to "+string(to))
	}

	return r.FindByID(ctx, id)
}

// MarkFailed moves the submission to the failed terminal state and records
// why. Safe to call from any non-terminal stage.
func (r *Repository) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) (*models.Submission, error) {
	now := time.Now().UTC()
	fields := map[string]any{
		"error_message": errMsg,
		"completed_at":  &now,
	}
	if retryCount > 0 {
		fields["retry_count"] = retryCount
	}
	return r.Transition(ctx, id, enums.SubmissionStatusFailed, fields)
}
