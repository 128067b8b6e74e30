package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/courseloom/courseloom/internal/modules/model"
	"github.com/courseloom/courseloom/internal/modules/repo"
	"github.com/courseloom/courseloom/internal/modules/serializer"
	"github.com/courseloom/courseloom/internal/modules/service"
	"github.com/courseloom/courseloom/internal/pkg/stepflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockWorkflowService struct {
	mock.Mock
}

func (m *MockWorkflowService) LoadOrCreate(ctx context.Context, user string, n int) (*service.SessionView, error) {
	args := m.Called(ctx, user, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) Get(ctx context.Context, user string, n int) (*service.SessionView, error) {
	args := m.Called(ctx, user, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) Advance(ctx context.Context, user string, n int) (*service.SessionView, error) {
	args := m.Called(ctx, user, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) Retreat(ctx context.Context, user string, n int) (*service.SessionView, error) {
	args := m.Called(ctx, user, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) Jump(ctx context.Context, user string, n, step int) (*service.SessionView, error) {
	args := m.Called(ctx, user, n, step)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) UpdateData(ctx context.Context, user string, n int, patch map[string]any, flush bool) (*service.SessionView, error) {
	args := m.Called(ctx, user, n, patch, flush)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) Generate(ctx context.Context, user string, n int, in service.GenerationInput) (*service.GenerationOutcome, *service.SessionView, error) {
	args := m.Called(ctx, user, n, in)
	var outcome *service.GenerationOutcome
	var view *service.SessionView
	if args.Get(0) != nil {
		outcome = args.Get(0).(*service.GenerationOutcome)
	}
	if args.Get(1) != nil {
		view = args.Get(1).(*service.SessionView)
	}
	return outcome, view, args.Error(2)
}

func (m *MockWorkflowService) Complete(ctx context.Context, user string, n int) (*service.SessionView, error) {
	args := m.Called(ctx, user, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) Reopen(ctx context.Context, user string, n int) (*service.SessionView, error) {
	args := m.Called(ctx, user, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockWorkflowService) Progress(ctx context.Context, user string) ([]model.ProgressSummary, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ProgressSummary), args.Error(1)
}

func (m *MockWorkflowService) CloseSession(ctx context.Context, user string, n int) error {
	args := m.Called(ctx, user, n)
	return args.Error(0)
}

func (m *MockWorkflowService) RegisterStepPredicate(n, step int, p service.StepPredicate) {
	m.Called(n, step, p)
}

func (m *MockWorkflowService) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func testView() *service.SessionView {
	return &service.SessionView{
		SessionID:         uuid.New(),
		AcceleratorNumber: 1,
		CurrentStep:       2,
		HighestStep:       3,
		StepCount:         4,
		StepKey:           "audience",
		Status:            model.SessionInProgress,
		SessionData:       map[string]any{"course_profile": "intro"},
	}
}

// newTestContext builds a gin context with the auth middleware's outputs
// already applied.
func newTestContext(t *testing.T, method, target, body, user, number string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	if user != "" {
		c.Set("user_identifier", user)
	}
	if number != "" {
		c.Params = gin.Params{{Key: "number", Value: number}}
	}
	return c, rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) serializer.Response {
	t.Helper()
	var resp serializer.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateOrLoadSession(t *testing.T) {
	serializer.SetLogger(zap.NewNop())
	view := testView()

	tests := []struct {
		name           string
		user           string
		number         string
		setup          func(*MockWorkflowService)
		expectedStatus int
	}{
		{
			name:   "success",
			user:   "alice",
			number: "1",
			setup: func(svc *MockWorkflowService) {
				svc.On("LoadOrCreate", mock.Anything, "alice", 1).Return(view, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing user identity",
			user:           "",
			number:         "1",
			setup:          func(svc *MockWorkflowService) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "bad accelerator number",
			user:           "alice",
			number:         "zero",
			setup:          func(svc *MockWorkflowService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:   "prerequisite gate closed",
			user:   "alice",
			number: "2",
			setup: func(svc *MockWorkflowService) {
				svc.On("LoadOrCreate", mock.Anything, "alice", 2).Return(nil, service.ErrPrerequisiteNotMet)
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:   "unknown accelerator",
			user:   "alice",
			number: "9",
			setup: func(svc *MockWorkflowService) {
				svc.On("LoadOrCreate", mock.Anything, "alice", 9).Return(nil, service.ErrUnknownAccelerator)
			},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockWorkflowService{}
			tt.setup(svc)
			h := NewWorkflowHandler(svc)

			c, rec := newTestContext(t, http.MethodPost,
				fmt.Sprintf("/api/v1/accelerator/%s/session", tt.number), "", tt.user, tt.number)
			h.CreateOrLoadSession(c)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	svc := &MockWorkflowService{}
	svc.On("Get", mock.Anything, "alice", 1).Return(nil, repo.ErrSessionNotFound)
	h := NewWorkflowHandler(svc)

	c, rec := newTestContext(t, http.MethodGet, "/api/v1/accelerator/1/session", "", "alice", "1")
	h.GetSession(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdvanceValidationFailure(t *testing.T) {
	svc := &MockWorkflowService{}
	svc.On("Advance", mock.Anything, "alice", 1).Return(testView(), service.ErrValidationFailed)
	h := NewWorkflowHandler(svc)

	c, rec := newTestContext(t, http.MethodPost, "/api/v1/accelerator/1/session/advance", "", "alice", "1")
	h.Advance(c)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestJump(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setup          func(*MockWorkflowService)
		expectedStatus int
	}{
		{
			name: "success",
			body: `{"step":2}`,
			setup: func(svc *MockWorkflowService) {
				svc.On("Jump", mock.Anything, "alice", 1, 2).Return(testView(), nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing step",
			body:           `{}`,
			setup:          func(svc *MockWorkflowService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "step beyond high-water mark",
			body: `{"step":4}`,
			setup: func(svc *MockWorkflowService) {
				svc.On("Jump", mock.Anything, "alice", 1, 4).
					Return(testView(), fmt.Errorf("step 4, furthest 3: %w", stepflow.ErrStepNotAccessible))
			},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockWorkflowService{}
			tt.setup(svc)
			h := NewWorkflowHandler(svc)

			c, rec := newTestContext(t, http.MethodPost, "/api/v1/accelerator/1/session/jump", tt.body, "alice", "1")
			h.Jump(c)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestUpdateData(t *testing.T) {
	svc := &MockWorkflowService{}
	svc.On("UpdateData", mock.Anything, "alice", 1, map[string]any{"course_profile": "intro"}, true).
		Return(testView(), nil)
	h := NewWorkflowHandler(svc)

	c, rec := newTestContext(t, http.MethodPatch, "/api/v1/accelerator/1/session/data",
		`{"data":{"course_profile":"intro"},"flush":true}`, "alice", "1")
	h.UpdateData(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestUpdateDataRejectsEmptyPatch(t *testing.T) {
	svc := &MockWorkflowService{}
	h := NewWorkflowHandler(svc)

	c, rec := newTestContext(t, http.MethodPatch, "/api/v1/accelerator/1/session/data",
		`{"data":{}}`, "alice", "1")
	h.UpdateData(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "UpdateData")
}

func TestGenerate(t *testing.T) {
	requestID := uuid.New()

	tests := []struct {
		name           string
		body           string
		setup          func(*MockWorkflowService)
		expectedStatus int
		checkResponse  func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name: "success",
			body: `{"template_id":"outcomes"}`,
			setup: func(svc *MockWorkflowService) {
				svc.On("Generate", mock.Anything, "alice", 1, service.GenerationInput{TemplateID: "outcomes"}).
					Return(&service.GenerationOutcome{RequestID: requestID, TargetKey: "outcomes", RowCount: 3}, testView(), nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing template id",
			body:           `{}`,
			setup:          func(svc *MockWorkflowService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "confirmation required",
			body: `{"template_id":"outcomes"}`,
			setup: func(svc *MockWorkflowService) {
				svc.On("Generate", mock.Anything, "alice", 1, service.GenerationInput{TemplateID: "outcomes"}).
					Return(nil, testView(), service.ErrConfirmationRequired)
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "refinement exhausted",
			body: `{"template_id":"outcomes","refine":true}`,
			setup: func(svc *MockWorkflowService) {
				svc.On("Generate", mock.Anything, "alice", 1, service.GenerationInput{TemplateID: "outcomes", Refine: true}).
					Return(nil, testView(), service.ErrRefinementExhausted)
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "generation failure carries request id",
			body: `{"template_id":"outcomes"}`,
			setup: func(svc *MockWorkflowService) {
				svc.On("Generate", mock.Anything, "alice", 1, service.GenerationInput{TemplateID: "outcomes"}).
					Return(nil, testView(), &service.GenerationError{
						RequestID: requestID,
						Kind:      service.GenerationNetwork,
						Message:   "connection refused",
					})
			},
			expectedStatus: http.StatusBadGateway,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decodeResponse(t, rec)
				data, ok := resp.Data.(map[string]any)
				require.True(t, ok)
				assert.Equal(t, requestID.String(), data["request_id"])
				assert.Equal(t, "network", data["kind"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockWorkflowService{}
			tt.setup(svc)
			h := NewWorkflowHandler(svc)

			c, rec := newTestContext(t, http.MethodPost, "/api/v1/accelerator/1/session/generate", tt.body, "alice", "1")
			h.Generate(c)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.checkResponse != nil {
				tt.checkResponse(t, rec)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestCompleteConflict(t *testing.T) {
	svc := &MockWorkflowService{}
	svc.On("Complete", mock.Anything, "alice", 1).
		Return(testView(), fmt.Errorf("at step 2 of 4: %w", stepflow.ErrNotOnFinalStep))
	h := NewWorkflowHandler(svc)

	c, rec := newTestContext(t, http.MethodPost, "/api/v1/accelerator/1/session/complete", "", "alice", "1")
	h.Complete(c)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProgress(t *testing.T) {
	svc := &MockWorkflowService{}
	svc.On("Progress", mock.Anything, "alice").Return([]model.ProgressSummary{
		{AcceleratorNumber: 1, Status: model.SessionCompleted, CurrentStep: 4},
		{AcceleratorNumber: 2, Status: model.SessionInProgress, CurrentStep: 2},
	}, nil)
	h := NewWorkflowHandler(svc)

	c, rec := newTestContext(t, http.MethodGet, "/api/v1/accelerator/progress", "", "alice", "")
	h.Progress(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	items, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestCloseSession(t *testing.T) {
	svc := &MockWorkflowService{}
	svc.On("CloseSession", mock.Anything, "alice", 1).Return(nil)
	h := NewWorkflowHandler(svc)

	c, rec := newTestContext(t, http.MethodDelete, "/api/v1/accelerator/1/session", "", "alice", "1")
	h.CloseSession(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}
