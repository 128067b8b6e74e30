// Package payload builds the sanitized request body for generation calls:
// only whitelisted session-data fields, free text bounded to the template's
// token budget, plus a content hash of the inputs for staleness detection.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/courseloom/courseloom/internal/pkg/accel"
	"github.com/courseloom/courseloom/internal/pkg/tokenizer"
)

// Build assembles the payload for one template. self is the current session's
// data; upstream maps accelerator number to that accelerator's completed
// session data. Whitelisted keys missing from their source are simply
// omitted; the orchestrator decides whether the result is sufficient.
func Build(tpl *accel.Template, self map[string]any, upstream map[int]map[string]any) map[string]any {
	out := make(map[string]any)
	for _, f := range tpl.Fields() {
		var src map[string]any
		if f.Accelerator == 0 {
			src = self
		} else {
			src = upstream[f.Accelerator]
		}
		if src == nil {
			continue
		}
		v, ok := src[f.Key]
		if !ok || v == nil {
			continue
		}
		out[f.Key] = truncateStrings(v, tpl.MaxFieldTokens)
	}
	return out
}

// truncateStrings bounds every string leaf in v to maxTokens tokens.
// Containers are copied, not mutated in place; the caller's session data
// must stay untouched.
func truncateStrings(v any, maxTokens int) any {
	if maxTokens <= 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		return tokenizer.Truncate(t, maxTokens)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = truncateStrings(e, maxTokens)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = truncateStrings(e, maxTokens)
		}
		return out
	default:
		return v
	}
}

// SourceHash computes a stable content hash of the payload. encoding/json
// sorts map keys, so structurally equal inputs always hash identically.
func SourceHash(p map[string]any) string {
	b, err := json.Marshal(p)
	if err != nil {
		// Session data round-trips through JSONB, so this cannot happen for
		// real sessions; an empty hash just forces a regeneration.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
