package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Session statuses. Kept as strings to match the JSONB-facing API; the
// stepflow package owns the transition rules.
const (
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionPaused     = "paused"
)

// Session is the persisted progress record for one (user, accelerator) pair.
// SessionData is an open-ended map whose keys are namespaced per step or
// feature; writes merge at the field level, never replace the whole object.
type Session struct {
	ID                uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID            uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uq_user_accelerator,priority:1" json:"user_id"`
	AcceleratorNumber int       `gorm:"not null;uniqueIndex:uq_user_accelerator,priority:2" json:"accelerator_number"`

	CurrentStep int    `gorm:"not null;default:1" json:"current_step"`
	HighestStep int    `gorm:"not null;default:1" json:"highest_step"`
	Status      string `gorm:"type:text;not null;default:'in_progress';check:status IN ('in_progress','completed','paused')" json:"status"`

	SessionData datatypes.JSONMap `gorm:"type:jsonb" swaggertype:"object" json:"session_data"`

	CreatedAt time.Time `gorm:"autoCreateTime;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	// Session <-> User
	User *User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Session) TableName() string { return "accelerator_sessions" }

// ProgressSummary is the slim per-accelerator view the prerequisite resolver
// works with.
type ProgressSummary struct {
	AcceleratorNumber int    `json:"accelerator_number"`
	Status            string `json:"status"`
	CurrentStep       int    `json:"current_step"`
}
