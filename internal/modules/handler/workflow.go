package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/courseloom/courseloom/internal/modules/repo"
	"github.com/courseloom/courseloom/internal/modules/serializer"
	"github.com/courseloom/courseloom/internal/modules/service"
	"github.com/courseloom/courseloom/internal/pkg/stepflow"
	"github.com/gin-gonic/gin"
)

// WorkflowHandler exposes the session engine over HTTP. The user identity is
// the opaque identifier the auth middleware put on the context; the handler
// never sees credentials.
type WorkflowHandler struct {
	svc service.WorkflowService
}

func NewWorkflowHandler(svc service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{svc: svc}
}

func (h *WorkflowHandler) userIdentifier(c *gin.Context) (string, bool) {
	v, _ := c.Get("user_identifier")
	user, ok := v.(string)
	if !ok || user == "" {
		c.JSON(http.StatusUnauthorized, serializer.AuthErr("missing user identity"))
		return "", false
	}
	return user, true
}

func (h *WorkflowHandler) acceleratorNumber(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("number"))
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("invalid accelerator number", err))
		return 0, false
	}
	return n, true
}

// respondErr maps engine errors onto HTTP statuses. Workflow-state refusals
// are 409s the client can resolve by changing its request; generation
// failures are 502s carrying the request id for retry correlation.
func respondErr(c *gin.Context, err error) {
	var gerr *service.GenerationError
	switch {
	case errors.As(err, &gerr):
		res := serializer.Err(http.StatusBadGateway, "generation failed", err)
		res.Data = service.GenerationErrorView{
			RequestID: gerr.RequestID.String(),
			Kind:      string(gerr.Kind),
			Message:   gerr.Message,
		}
		c.JSON(http.StatusBadGateway, res)

	case errors.Is(err, service.ErrUnknownAccelerator),
		errors.Is(err, service.ErrUnknownTemplate),
		errors.Is(err, repo.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, serializer.Err(http.StatusNotFound, "not found", err))

	case errors.Is(err, service.ErrPrerequisiteNotMet):
		c.JSON(http.StatusForbidden, serializer.GateErr("", err))

	case errors.Is(err, service.ErrValidationFailed):
		c.JSON(http.StatusUnprocessableEntity, serializer.Err(http.StatusUnprocessableEntity, "current step is incomplete", err))

	case errors.Is(err, service.ErrConfirmationRequired),
		errors.Is(err, service.ErrGenerationInFlight),
		errors.Is(err, service.ErrRefinementExhausted),
		errors.Is(err, stepflow.ErrStepNotAccessible),
		errors.Is(err, stepflow.ErrNotOnFinalStep),
		errors.Is(err, stepflow.ErrNotCompleted),
		errors.Is(err, stepflow.ErrCompleted):
		c.JSON(http.StatusConflict, serializer.ConflictErr(err.Error(), err))

	default:
		c.JSON(http.StatusInternalServerError, serializer.DBErr("", err))
	}
}

// CreateOrLoadSession opens (or resumes) the user's session on an
// accelerator, subject to its prerequisite gate.
func (h *WorkflowHandler) CreateOrLoadSession(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	view, err := h.svc.LoadOrCreate(c.Request.Context(), user, n)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

func (h *WorkflowHandler) GetSession(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	view, err := h.svc.Get(c.Request.Context(), user, n)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

func (h *WorkflowHandler) Advance(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	view, err := h.svc.Advance(c.Request.Context(), user, n)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

func (h *WorkflowHandler) Retreat(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	view, err := h.svc.Retreat(c.Request.Context(), user, n)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

type JumpReq struct {
	Step int `json:"step" binding:"required,min=1"`
}

func (h *WorkflowHandler) Jump(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	req := JumpReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	view, err := h.svc.Jump(c.Request.Context(), user, n, req.Step)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

type UpdateDataReq struct {
	Data  map[string]any `json:"data" binding:"required"`
	Flush bool           `json:"flush"`
}

// UpdateData merges a field-level patch into session data. Persistence is
// debounced unless flush is set.
func (h *WorkflowHandler) UpdateData(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	req := UpdateDataReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}
	if len(req.Data) == 0 {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("empty data patch", nil))
		return
	}

	view, err := h.svc.UpdateData(c.Request.Context(), user, n, req.Data, req.Flush)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

type GenerateResp struct {
	Outcome *service.GenerationOutcome `json:"outcome"`
	Session *service.SessionView       `json:"session"`
}

func (h *WorkflowHandler) Generate(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	req := service.GenerationInput{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	outcome, view, err := h.svc.Generate(c.Request.Context(), user, n, req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: GenerateResp{Outcome: outcome, Session: view}})
}

func (h *WorkflowHandler) Complete(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	view, err := h.svc.Complete(c.Request.Context(), user, n)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

func (h *WorkflowHandler) Reopen(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	view, err := h.svc.Reopen(c.Request.Context(), user, n)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: view})
}

// CloseSession flushes pending writes and releases the runtime.
func (h *WorkflowHandler) CloseSession(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}
	n, ok := h.acceleratorNumber(c)
	if !ok {
		return
	}

	if err := h.svc.CloseSession(c.Request.Context(), user, n); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Msg: "closed"})
}

func (h *WorkflowHandler) Progress(c *gin.Context) {
	user, ok := h.userIdentifier(c)
	if !ok {
		return
	}

	summaries, err := h.svc.Progress(c.Request.Context(), user)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: summaries})
}
