package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/courseloom/courseloom/internal/config"
	"github.com/courseloom/courseloom/internal/infra/httpclient"
	"github.com/courseloom/courseloom/internal/modules/model"
	"github.com/courseloom/courseloom/internal/modules/repo"
	"github.com/courseloom/courseloom/internal/pkg/accel"
	"github.com/courseloom/courseloom/internal/pkg/payload"
	"github.com/courseloom/courseloom/internal/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GenerationInvoker abstracts the external generation task service so the
// orchestrator can be tested without HTTP.
type GenerationInvoker interface {
	Invoke(ctx context.Context, functionName string, req httpclient.InvokeRequest) (json.RawMessage, error)
}

// EventPublisher is the slice of the message queue the engine uses.
type EventPublisher interface {
	PublishJSON(ctx context.Context, exchangeName string, routingKey string, body any) error
}

// GenerationInput selects one generation run. Confirmed acknowledges that a
// re-run discards existing rows; Refine asks for the single allowed manual
// refinement pass over existing rows.
type GenerationInput struct {
	TemplateID string `json:"template_id" binding:"required"`
	Confirmed  bool   `json:"confirmed"`
	Refine     bool   `json:"refine"`
}

// GenerationOutcome reports a finished run: the rows now stored under the
// template's target key and the request id that produced them.
type GenerationOutcome struct {
	RequestID uuid.UUID `json:"request_id"`
	TargetKey string    `json:"target_key"`
	RowCount  int       `json:"row_count"`
}

// generator orchestrates one generation call end to end: confirmation and
// refinement gating, payload assembly, staleness detection, the remote call,
// structural validation, and the silent commit. A run either commits its full
// result atomically or leaves session data byte-for-byte untouched.
type generator struct {
	client    GenerationInvoker
	repo      repo.SessionRepo
	validate  *validator.Validate
	publisher EventPublisher
	cfg       *config.Config
	log       *zap.Logger
}

func newGenerator(client GenerationInvoker, sessionRepo repo.SessionRepo, publisher EventPublisher, cfg *config.Config, log *zap.Logger) *generator {
	return &generator{
		client:    client,
		repo:      sessionRepo,
		validate:  validator.New(),
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

func refinementUsedKey(targetKey string) string { return targetKey + "_refinement_used" }
func sourceHashKey(targetKey string) string     { return targetKey + "_source_hash" }

// Run executes one generation for the session runtime. It returns the
// outcome on success; on failure the error is either a gating error from the
// taxonomy or a *GenerationError carrying the request id.
func (g *generator) Run(ctx context.Context, rt *sessionRuntime, in GenerationInput) (*GenerationOutcome, error) {
	tpl, ok := rt.accel.Template(in.TemplateID)
	if !ok {
		return nil, fmt.Errorf("%w: %q on accelerator %d", ErrUnknownTemplate, in.TemplateID, rt.accel.Number)
	}

	// Single generation per session; taking the slot also suspends autosave
	// until the run finishes.
	if err := rt.beginGeneration(); err != nil {
		return nil, err
	}

	outcome, err := g.run(ctx, rt, tpl, in)

	var gerr *GenerationError
	errors.As(err, &gerr)
	rt.endGeneration(gerr)

	return outcome, err
}

func (g *generator) run(ctx context.Context, rt *sessionRuntime, tpl *accel.Template, in GenerationInput) (*GenerationOutcome, error) {
	snapshot := rt.dataSnapshot()

	existing, hasExisting := existingRows(snapshot[tpl.TargetKey])

	if in.Refine {
		if !tpl.Refinable {
			return nil, fmt.Errorf("%w: template %q does not support refinement", ErrRefinementExhausted, tpl.ID)
		}
		if used, _ := snapshot[refinementUsedKey(tpl.TargetKey)].(bool); used {
			return nil, ErrRefinementExhausted
		}
		if !hasExisting {
			return nil, fmt.Errorf("%w: no generated content to refine", ErrValidationFailed)
		}
	} else if hasExisting && !in.Confirmed {
		return nil, ErrConfirmationRequired
	}

	upstream, err := g.collectUpstream(ctx, rt, tpl)
	if err != nil {
		return nil, err
	}

	pl := payload.Build(tpl, snapshot, upstream)
	hash := payload.SourceHash(pl)

	if in.Refine {
		pl["refine"] = true
		pl[tpl.TargetKey] = existing
	}

	// The task service caches by payload content. When the stored hash no
	// longer matches, the inputs changed since the last run and the cache
	// must be bypassed.
	force := false
	if storedHash, _ := snapshot[sourceHashKey(tpl.TargetKey)].(string); hasExisting && storedHash != hash {
		force = true
	}

	requestID := uuid.New()
	started := time.Now()
	log := g.log.With(
		zap.String("session_id", rt.sessionID().String()),
		zap.String("template_id", tpl.ID),
		zap.String("request_id", requestID.String()))

	raw, err := g.client.Invoke(ctx, tpl.ID, httpclient.InvokeRequest{
		RequestID: requestID,
		Payload:   pl,
		Force:     force,
	})
	if err != nil {
		gerr := classifyInvokeError(requestID, err)
		log.Error("generation call failed", zap.String("kind", string(gerr.Kind)), zap.Error(err))
		telemetry.RecordGenerationError(ctx, tpl.ID, string(gerr.Kind), elapsedMs(started))
		g.audit(ctx, rt, tpl, requestID, "failed", string(gerr.Kind))
		return nil, gerr
	}

	rows, gerr := g.decodeAndValidate(requestID, tpl, raw)
	if gerr != nil {
		log.Error("generation result rejected", zap.String("message", gerr.Message))
		telemetry.RecordGenerationError(ctx, tpl.ID, string(gerr.Kind), elapsedMs(started))
		g.audit(ctx, rt, tpl, requestID, "rejected", gerr.Message)
		return nil, gerr
	}

	// JSONB round-trip so the stored rows have the same types a reload would
	// produce.
	var stored []any
	if b, merr := sonic.Marshal(rows); merr == nil {
		_ = sonic.Unmarshal(b, &stored)
	}
	if stored == nil {
		return nil, &GenerationError{
			RequestID: requestID,
			Kind:      GenerationInvalidShape,
			Message:   "result rows are not JSON-representable",
		}
	}

	patch := map[string]any{
		tpl.TargetKey:                stored,
		sourceHashKey(tpl.TargetKey): hash,
	}
	if in.Refine {
		patch[refinementUsedKey(tpl.TargetKey)] = true
	}

	// Silent commit: persisted immediately, outside the autosave debounce.
	if err := rt.commitSilent(ctx, patch); err != nil {
		log.Error("generation commit failed", zap.Error(err))
		return nil, fmt.Errorf("commit generation result: %w", err)
	}

	log.Info("generation committed", zap.Int("rows", len(rows)), zap.Bool("refine", in.Refine))
	telemetry.RecordGenerationSuccess(ctx, tpl.ID, elapsedMs(started), int64(len(rows)))
	g.audit(ctx, rt, tpl, requestID, "committed", "")

	return &GenerationOutcome{
		RequestID: requestID,
		TargetKey: tpl.TargetKey,
		RowCount:  len(rows),
	}, nil
}

// collectUpstream reads completed upstream accelerator data for every
// cross-accelerator payload field. A missing or unfinished upstream session
// blocks the run the same way a gate would.
func (g *generator) collectUpstream(ctx context.Context, rt *sessionRuntime, tpl *accel.Template) (map[int]map[string]any, error) {
	upstream := make(map[int]map[string]any)
	for _, f := range tpl.Fields() {
		if f.Accelerator == 0 {
			continue
		}
		if _, done := upstream[f.Accelerator]; done {
			continue
		}
		data, err := g.repo.GetCompletedData(ctx, rt.userID, f.Accelerator)
		if err != nil {
			if errors.Is(err, repo.ErrSessionNotFound) {
				return nil, fmt.Errorf("%w: accelerator %d data required by template %q", ErrPrerequisiteNotMet, f.Accelerator, tpl.ID)
			}
			return nil, err
		}
		upstream[f.Accelerator] = data
	}
	return upstream, nil
}

func (g *generator) decodeAndValidate(requestID uuid.UUID, tpl *accel.Template, raw json.RawMessage) ([]model.GeneratedRow, *GenerationError) {
	invalid := func(format string, args ...any) *GenerationError {
		return &GenerationError{
			RequestID: requestID,
			Kind:      GenerationInvalidShape,
			Message:   fmt.Sprintf(format, args...),
		}
	}

	var res struct {
		Rows []model.GeneratedRow `json:"rows"`
	}
	if err := sonic.Unmarshal(raw, &res); err != nil {
		return nil, invalid("result is not a rows document: %v", err)
	}
	if len(res.Rows) == 0 {
		return nil, invalid("result contains no rows")
	}

	for i, row := range res.Rows {
		if err := g.validate.Struct(row); err != nil {
			return nil, invalid("row %d failed validation: %v", i, err)
		}
		n := len(row.Criteria)
		if tpl.MinCriteria > 0 && n < tpl.MinCriteria {
			return nil, invalid("row %d has %d criteria, minimum is %d", i, n, tpl.MinCriteria)
		}
		if tpl.MaxCriteria > 0 && n > tpl.MaxCriteria {
			return nil, invalid("row %d has %d criteria, maximum is %d", i, n, tpl.MaxCriteria)
		}
	}
	return res.Rows, nil
}

func (g *generator) audit(ctx context.Context, rt *sessionRuntime, tpl *accel.Template, requestID uuid.UUID, outcome, detail string) {
	if g.publisher == nil {
		return
	}
	err := g.publisher.PublishJSON(ctx,
		g.cfg.RabbitMQ.ExchangeName.WorkflowEvents,
		g.cfg.RabbitMQ.RoutingKey.GenerationAudit,
		map[string]any{
			"request_id":  requestID,
			"session_id":  rt.sessionID(),
			"user_id":     rt.userID,
			"accelerator": rt.accel.Number,
			"template_id": tpl.ID,
			"outcome":     outcome,
			"detail":      detail,
		})
	if err != nil {
		g.log.Warn("generation audit publish failed", zap.Error(err))
	}
}

func elapsedMs(since time.Time) float64 {
	return float64(time.Since(since)) / float64(time.Millisecond)
}

func classifyInvokeError(requestID uuid.UUID, err error) *GenerationError {
	switch {
	case httpclient.IsUpstream(err):
		return &GenerationError{RequestID: requestID, Kind: GenerationUpstream, Message: err.Error(), Err: err}
	default:
		return &GenerationError{RequestID: requestID, Kind: GenerationNetwork, Message: err.Error(), Err: err}
	}
}

// existingRows reports whether a target key currently holds generated rows.
func existingRows(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []any:
		return t, len(t) > 0
	default:
		return t, true
	}
}
