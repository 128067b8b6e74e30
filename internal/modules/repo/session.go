package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courseloom/courseloom/internal/modules/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepo is the engine's session store. Update paths are partial by
// construction: UpdateFields touches only the named columns and
// MergeSessionData merges JSONB keys under a row lock, so concurrent writers
// can never clobber fields they did not intend to change.
type SessionRepo interface {
	Create(ctx context.Context, s *model.Session) error
	GetByUserAccelerator(ctx context.Context, userID uuid.UUID, acceleratorNumber int) (*model.Session, error)
	UpdateFields(ctx context.Context, sessionID uuid.UUID, fields map[string]any) error
	MergeSessionData(ctx context.Context, sessionID uuid.UUID, patch map[string]any) (map[string]any, error)
	ListSummariesByUser(ctx context.Context, userID uuid.UUID) ([]model.ProgressSummary, error)
	GetCompletedData(ctx context.Context, userID uuid.UUID, acceleratorNumber int) (map[string]any, error)
}

type sessionRepo struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewSessionRepo(db *gorm.DB, log *zap.Logger) SessionRepo {
	return &sessionRepo{db: db, log: log}
}

func (r *sessionRepo) Create(ctx context.Context, s *model.Session) error {
	if s.SessionData == nil {
		s.SessionData = datatypes.JSONMap{}
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *sessionRepo) GetByUserAccelerator(ctx context.Context, userID uuid.UUID, acceleratorNumber int) (*model.Session, error) {
	var s model.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND accelerator_number = ?", userID, acceleratorNumber).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user=%s accelerator=%d", ErrSessionNotFound, userID, acceleratorNumber)
		}
		return nil, err
	}
	return &s, nil
}

// UpdateFields writes the named columns only. Callers pass step/status
// transitions here; session_data goes through MergeSessionData.
func (r *sessionRepo) UpdateFields(ctx context.Context, sessionID uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", sessionID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id=%s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// MergeSessionData applies patch to session_data one field at a time under a
// row lock: existing keys outside the patch survive, a nil patch value
// deletes its key. Returns the merged document as persisted.
func (r *sessionRepo) MergeSessionData(ctx context.Context, sessionID uuid.UUID, patch map[string]any) (map[string]any, error) {
	var merged map[string]any

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s model.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).
			First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: id=%s", ErrSessionNotFound, sessionID)
			}
			return err
		}

		data := map[string]any(s.SessionData)
		if data == nil {
			data = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			if v == nil {
				delete(data, k)
				continue
			}
			data[k] = v
		}

		merged = data
		return tx.Model(&s).Updates(map[string]any{
			"session_data": datatypes.JSONMap(data),
			"updated_at":   time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (r *sessionRepo) ListSummariesByUser(ctx context.Context, userID uuid.UUID) ([]model.ProgressSummary, error) {
	var summaries []model.ProgressSummary
	err := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Select("accelerator_number, status, current_step").
		Where("user_id = ?", userID).
		Order("accelerator_number ASC").
		Scan(&summaries).Error
	return summaries, err
}

// GetCompletedData returns an upstream accelerator's session data, read-only,
// and only when that session is completed. Missing or unfinished sessions
// report ErrSessionNotFound so prerequisite checks fail closed.
func (r *sessionRepo) GetCompletedData(ctx context.Context, userID uuid.UUID, acceleratorNumber int) (map[string]any, error) {
	var s model.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND accelerator_number = ? AND status = ?", userID, acceleratorNumber, model.SessionCompleted).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: completed session user=%s accelerator=%d", ErrSessionNotFound, userID, acceleratorNumber)
		}
		return nil, err
	}
	return map[string]any(s.SessionData), nil
}
