package model

import "github.com/google/uuid"

// GeneratedRow is one structured artifact row produced by a generation call:
// a class session, a syllabus unit, a report section. Rows are owned by the
// session slice they live in and addressed by position, so removal or
// reordering renumbers implicitly. The validate tags carry the static part
// of structural validation; criteria cardinality bounds come from the
// template and are checked separately.
type GeneratedRow struct {
	Title      string   `json:"title" validate:"required,min=1"`
	Focus      string   `json:"focus" validate:"required,min=1"`
	Activities []string `json:"activities" validate:"omitempty,dive,min=1"`
	Criteria   []string `json:"criteria" validate:"omitempty,dive,min=1"`
}

// GenerationRequest is the ephemeral record of one generation call. It lives
// only for the duration of the call and in logs; the request id correlates
// retries and error reports.
type GenerationRequest struct {
	RequestID  uuid.UUID      `json:"request_id"`
	TemplateID string         `json:"template_id"`
	Payload    map[string]any `json:"payload"`
	Force      bool           `json:"force"`
	SourceHash string         `json:"source_hash"`
}
