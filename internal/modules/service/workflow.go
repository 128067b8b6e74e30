package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courseloom/courseloom/internal/config"
	"github.com/courseloom/courseloom/internal/modules/model"
	"github.com/courseloom/courseloom/internal/modules/repo"
	"github.com/courseloom/courseloom/internal/pkg/accel"
	"github.com/courseloom/courseloom/internal/pkg/stepflow"
	"github.com/courseloom/courseloom/internal/telemetry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	sessionLeaseKeyPrefix = "courseloom:session_lease:"
	sessionLeaseTTL       = 5 * time.Minute

	defaultDebounce = 3 * time.Second
	defaultThrottle = 15 * time.Second
)

// StepPredicate is a programmatic gate for steps whose completion cannot be
// expressed as "these keys are non-empty". It runs in addition to the
// catalog's requires list.
type StepPredicate func(step *accel.Step, data map[string]any) bool

// SessionView is the read model handed to the transport layer: a consistent
// snapshot of one session runtime.
type SessionView struct {
	SessionID         uuid.UUID            `json:"session_id"`
	AcceleratorNumber int                  `json:"accelerator_number"`
	AcceleratorTitle  string               `json:"accelerator_title"`
	CurrentStep       int                  `json:"current_step"`
	HighestStep       int                  `json:"highest_step"`
	StepCount         int                  `json:"step_count"`
	StepKey           string               `json:"step_key"`
	Status            string               `json:"status"`
	SessionData       map[string]any       `json:"session_data"`
	LastGeneration    *GenerationErrorView `json:"last_generation_error,omitempty"`
}

// GenerationErrorView is the retained failure of the most recent generation
// run, kept on the runtime so the client can offer a retry.
type GenerationErrorView struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// WorkflowService is the single entry point for everything that touches a
// session: step navigation, data mutation, generation, completion. All
// persistence flows through here so the scheduling rules cannot be bypassed.
type WorkflowService interface {
	LoadOrCreate(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error)
	Get(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error)
	Advance(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error)
	Retreat(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error)
	Jump(ctx context.Context, userIdentifier string, acceleratorNumber, step int) (*SessionView, error)
	UpdateData(ctx context.Context, userIdentifier string, acceleratorNumber int, patch map[string]any, flush bool) (*SessionView, error)
	Generate(ctx context.Context, userIdentifier string, acceleratorNumber int, in GenerationInput) (*GenerationOutcome, *SessionView, error)
	Complete(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error)
	Reopen(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error)
	Progress(ctx context.Context, userIdentifier string) ([]model.ProgressSummary, error)
	CloseSession(ctx context.Context, userIdentifier string, acceleratorNumber int) error
	RegisterStepPredicate(acceleratorNumber, step int, p StepPredicate)
	Shutdown(ctx context.Context) error
}

type workflowService struct {
	cfg      *config.Config
	log      *zap.Logger
	catalog  *accel.Catalog
	users    repo.UserRepo
	sessions repo.SessionRepo
	resolver PrereqResolver
	gen      *generator
	rdb      *redis.Client

	instanceID string

	mu         sync.Mutex
	runtimes   map[string]*sessionRuntime
	loading    singleflight.Group
	predicates map[string]StepPredicate
}

func NewWorkflowService(
	cfg *config.Config,
	log *zap.Logger,
	catalog *accel.Catalog,
	users repo.UserRepo,
	sessions repo.SessionRepo,
	resolver PrereqResolver,
	invoker GenerationInvoker,
	publisher EventPublisher,
	rdb *redis.Client,
) WorkflowService {
	return &workflowService{
		cfg:        cfg,
		log:        log,
		catalog:    catalog,
		users:      users,
		sessions:   sessions,
		resolver:   resolver,
		gen:        newGenerator(invoker, sessions, publisher, cfg, log),
		rdb:        rdb,
		instanceID: uuid.NewString(),
		runtimes:   make(map[string]*sessionRuntime),
		predicates: make(map[string]StepPredicate),
	}
}

// RegisterStepPredicate installs a programmatic gate for one step. Meant for
// steps like threshold checks over generated rows; most steps get by on the
// catalog's requires list alone.
func (s *workflowService) RegisterStepPredicate(acceleratorNumber, step int, p StepPredicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predicates[predicateKey(acceleratorNumber, step)] = p
}

func predicateKey(acceleratorNumber, step int) string {
	return fmt.Sprintf("%d:%d", acceleratorNumber, step)
}

// sessionRuntime is the in-memory authority for one open session. The
// database copy trails it by at most one autosave window.
type sessionRuntime struct {
	userID uuid.UUID
	accel  *accel.Accelerator

	mu         sync.Mutex
	sess       *model.Session
	machine    *stepflow.Machine
	data       map[string]any
	genActive  bool
	manualSave bool
	lastGenErr *GenerationError
	closed     bool

	auto *autosaver
}

func (rt *sessionRuntime) sessionID() uuid.UUID { return rt.sess.ID }

// autosaveSuspended is evaluated by the autosaver at fire time.
func (rt *sessionRuntime) autosaveSuspended() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.genActive || rt.manualSave || rt.closed || rt.machine.IsCompleted()
}

func (rt *sessionRuntime) beginGeneration() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrSessionClosed
	}
	if rt.genActive {
		return ErrGenerationInFlight
	}
	rt.genActive = true
	return nil
}

func (rt *sessionRuntime) endGeneration(gerr *GenerationError) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.genActive = false
	rt.lastGenErr = gerr
}

func (rt *sessionRuntime) dataSnapshot() map[string]any {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]any, len(rt.data))
	for k, v := range rt.data {
		out[k] = v
	}
	return out
}

// commitSilent persists a patch immediately and applies it to the in-memory
// copy. The write goes through the autosaver so it is serialized behind any
// store write already in flight and supersedes pending mutations of the same
// fields; an autosave queued before the commit can never overwrite it.
func (rt *sessionRuntime) commitSilent(ctx context.Context, patch map[string]any) error {
	if err := rt.auto.Commit(ctx, patch); err != nil {
		return err
	}
	rt.mu.Lock()
	for k, v := range patch {
		if v == nil {
			delete(rt.data, k)
			continue
		}
		rt.data[k] = v
	}
	rt.mu.Unlock()
	return nil
}

func (rt *sessionRuntime) view() *SessionView {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	data := make(map[string]any, len(rt.data))
	for k, v := range rt.data {
		data[k] = v
	}

	v := &SessionView{
		SessionID:         rt.sess.ID,
		AcceleratorNumber: rt.accel.Number,
		AcceleratorTitle:  rt.accel.Title,
		CurrentStep:       rt.machine.Current(),
		HighestStep:       rt.machine.Highest(),
		StepCount:         rt.machine.StepCount(),
		Status:            string(rt.machine.Status()),
		SessionData:       data,
	}
	if step, ok := rt.accel.Step(rt.machine.Current()); ok {
		v.StepKey = step.Key
	}
	if rt.lastGenErr != nil {
		v.LastGeneration = &GenerationErrorView{
			RequestID: rt.lastGenErr.RequestID.String(),
			Kind:      string(rt.lastGenErr.Kind),
			Message:   rt.lastGenErr.Message,
		}
	}
	return v
}

func runtimeKey(userID uuid.UUID, acceleratorNumber int) string {
	return fmt.Sprintf("%s:%d", userID, acceleratorNumber)
}

// runtime returns the open runtime for (user, accelerator), loading or
// creating the session row as needed. Creation is collapsed per key so
// concurrent first requests build exactly one runtime.
func (s *workflowService) runtime(ctx context.Context, userIdentifier string, acceleratorNumber int, create bool) (*sessionRuntime, error) {
	a, ok := s.catalog.Get(acceleratorNumber)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAccelerator, acceleratorNumber)
	}

	user, err := s.users.GetOrCreate(ctx, userIdentifier)
	if err != nil {
		return nil, err
	}

	key := runtimeKey(user.ID, acceleratorNumber)

	s.mu.Lock()
	if rt, ok := s.runtimes[key]; ok {
		s.mu.Unlock()
		return rt, nil
	}
	s.mu.Unlock()

	v, err, _ := s.loading.Do(key, func() (any, error) {
		s.mu.Lock()
		if rt, ok := s.runtimes[key]; ok {
			s.mu.Unlock()
			return rt, nil
		}
		s.mu.Unlock()

		allowed, err := s.resolver.CanAccess(ctx, user.ID, acceleratorNumber)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: accelerator %d", ErrPrerequisiteNotMet, acceleratorNumber)
		}

		sess, err := s.sessions.GetByUserAccelerator(ctx, user.ID, acceleratorNumber)
		if err != nil {
			if !create {
				return nil, err
			}
			sess = &model.Session{
				UserID:            user.ID,
				AcceleratorNumber: acceleratorNumber,
				CurrentStep:       1,
				HighestStep:       1,
				Status:            model.SessionInProgress,
			}
			if cerr := s.sessions.Create(ctx, sess); cerr != nil {
				return nil, cerr
			}
			s.log.Info("session created",
				zap.String("session_id", sess.ID.String()),
				zap.Int("accelerator", acceleratorNumber))
		}

		machine, err := stepflow.Resume(a.StepCount(), sess.CurrentStep, sess.HighestStep, stepflow.Status(sess.Status))
		if err != nil {
			return nil, err
		}

		s.acquireLease(ctx, sess.ID)

		rt := &sessionRuntime{
			userID:  user.ID,
			accel:   a,
			sess:    sess,
			machine: machine,
			data:    map[string]any(sess.SessionData),
		}
		if rt.data == nil {
			rt.data = map[string]any{}
		}

		debounce := defaultDebounce
		if s.cfg.Autosave.DebounceSec > 0 {
			debounce = time.Duration(s.cfg.Autosave.DebounceSec) * time.Second
		}
		throttle := defaultThrottle
		if s.cfg.Autosave.ThrottleSec > 0 {
			throttle = time.Duration(s.cfg.Autosave.ThrottleSec) * time.Second
		}
		rt.auto = newAutosaver(sess.ID, debounce, throttle,
			func(ctx context.Context, patch map[string]any) error {
				_, err := s.sessions.MergeSessionData(ctx, sess.ID, patch)
				if err != nil {
					telemetry.RecordAutosaveWrite(ctx, "error")
					return err
				}
				telemetry.RecordAutosaveWrite(ctx, "success")
				return nil
			},
			rt.autosaveSuspended,
			s.log,
		)

		s.mu.Lock()
		s.runtimes[key] = rt
		s.mu.Unlock()
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionRuntime), nil
}

// acquireLease marks this instance as the session's writer. Losing the race
// is logged, not fatal: the row lock in the merge path keeps writes safe, the
// lease only surfaces split ownership early.
func (s *workflowService) acquireLease(ctx context.Context, sessionID uuid.UUID) {
	if s.rdb == nil {
		return
	}
	key := sessionLeaseKeyPrefix + sessionID.String()
	ok, err := s.rdb.SetNX(ctx, key, s.instanceID, sessionLeaseTTL).Result()
	if err != nil {
		s.log.Warn("session lease acquire failed", zap.Error(err))
		return
	}
	if !ok {
		holder, _ := s.rdb.Get(ctx, key).Result()
		if holder != s.instanceID {
			s.log.Warn("session lease held by another instance",
				zap.String("session_id", sessionID.String()),
				zap.String("holder", holder))
		}
	}
}

func (s *workflowService) releaseLease(ctx context.Context, sessionID uuid.UUID) {
	if s.rdb == nil {
		return
	}
	key := sessionLeaseKeyPrefix + sessionID.String()
	if holder, err := s.rdb.Get(ctx, key).Result(); err == nil && holder == s.instanceID {
		s.rdb.Del(ctx, key)
	}
}

func (s *workflowService) LoadOrCreate(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, true)
	if err != nil {
		return nil, err
	}
	return rt.view(), nil
}

func (s *workflowService) Get(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, err
	}
	return rt.view(), nil
}

// stepSatisfied checks the current step's gate: every required key holds a
// non-empty value, plus any registered predicate.
func (s *workflowService) stepSatisfied(rt *sessionRuntime, stepIndex int) bool {
	step, ok := rt.accel.Step(stepIndex)
	if !ok {
		return false
	}
	for _, key := range step.Requires {
		if !nonEmpty(rt.data[key]) {
			return false
		}
	}
	s.mu.Lock()
	p := s.predicates[predicateKey(rt.accel.Number, stepIndex)]
	s.mu.Unlock()
	if p != nil && !p(step, rt.data) {
		return false
	}
	return true
}

func nonEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// persistPosition writes the step/status columns straight through; navigation
// is never debounced.
func (s *workflowService) persistPosition(ctx context.Context, rt *sessionRuntime) error {
	return s.sessions.UpdateFields(ctx, rt.sess.ID, map[string]any{
		"current_step": rt.machine.Current(),
		"highest_step": rt.machine.Highest(),
		"status":       string(rt.machine.Status()),
	})
}

// persistPositionOrRevert writes the position columns; on failure the machine
// is restored to prev so memory never runs ahead of the store.
func (s *workflowService) persistPositionOrRevert(ctx context.Context, rt *sessionRuntime, prev stepflow.Machine) error {
	err := s.persistPosition(ctx, rt)
	if err != nil {
		rt.mu.Lock()
		m := prev
		rt.machine = &m
		rt.mu.Unlock()
	}
	return err
}

func (s *workflowService) Advance(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if !s.stepSatisfied(rt, rt.machine.Current()) {
		rt.mu.Unlock()
		return rt.view(), ErrValidationFailed
	}
	prev := *rt.machine
	if _, err := rt.machine.Advance(); err != nil {
		rt.mu.Unlock()
		return rt.view(), err
	}
	rt.mu.Unlock()

	if err := s.persistPositionOrRevert(ctx, rt, prev); err != nil {
		return nil, err
	}
	return rt.view(), nil
}

func (s *workflowService) Retreat(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	prev := *rt.machine
	if _, err := rt.machine.Retreat(); err != nil {
		rt.mu.Unlock()
		return rt.view(), err
	}
	rt.mu.Unlock()

	if err := s.persistPositionOrRevert(ctx, rt, prev); err != nil {
		return nil, err
	}
	return rt.view(), nil
}

func (s *workflowService) Jump(ctx context.Context, userIdentifier string, acceleratorNumber, step int) (*SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	prev := *rt.machine
	if err := rt.machine.JumpTo(step); err != nil {
		rt.mu.Unlock()
		return rt.view(), err
	}
	rt.mu.Unlock()

	if err := s.persistPositionOrRevert(ctx, rt, prev); err != nil {
		return nil, err
	}
	return rt.view(), nil
}

// UpdateData applies a field-level patch to the in-memory session and
// schedules it for autosave. With flush set the patch is persisted before
// returning (an explicit save).
func (s *workflowService) UpdateData(ctx context.Context, userIdentifier string, acceleratorNumber int, patch map[string]any, flush bool) (*SessionView, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("empty patch")
	}

	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if rt.machine.IsCompleted() {
		rt.mu.Unlock()
		return rt.view(), stepflow.ErrCompleted
	}
	for k, v := range patch {
		if v == nil {
			delete(rt.data, k)
			continue
		}
		rt.data[k] = v
	}
	rt.mu.Unlock()

	rt.auto.Notify(patch)

	if flush {
		rt.mu.Lock()
		rt.manualSave = true
		rt.mu.Unlock()
		err := rt.auto.Flush(ctx)
		rt.mu.Lock()
		rt.manualSave = false
		rt.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return rt.view(), nil
}

func (s *workflowService) Generate(ctx context.Context, userIdentifier string, acceleratorNumber int, in GenerationInput) (*GenerationOutcome, *SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, nil, err
	}

	rt.mu.Lock()
	completed := rt.machine.IsCompleted()
	rt.mu.Unlock()
	if completed {
		return nil, rt.view(), stepflow.ErrCompleted
	}

	outcome, err := s.gen.Run(ctx, rt, in)
	if err != nil {
		return nil, rt.view(), err
	}
	return outcome, rt.view(), nil
}

func (s *workflowService) Complete(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, err
	}

	// Outstanding edits land before the session locks.
	if err := rt.auto.Flush(ctx); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if !s.stepSatisfied(rt, rt.machine.Current()) {
		rt.mu.Unlock()
		return rt.view(), ErrValidationFailed
	}
	prev := *rt.machine
	if err := rt.machine.Complete(); err != nil {
		rt.mu.Unlock()
		return rt.view(), err
	}
	rt.mu.Unlock()

	if err := s.persistPositionOrRevert(ctx, rt, prev); err != nil {
		return nil, err
	}

	s.resolver.Invalidate(ctx, rt.userID)
	s.publishCompleted(ctx, rt)

	return rt.view(), nil
}

func (s *workflowService) publishCompleted(ctx context.Context, rt *sessionRuntime) {
	if s.gen.publisher == nil {
		return
	}
	err := s.gen.publisher.PublishJSON(ctx,
		s.cfg.RabbitMQ.ExchangeName.WorkflowEvents,
		s.cfg.RabbitMQ.RoutingKey.AcceleratorCompleted,
		map[string]any{
			"session_id":  rt.sess.ID,
			"user_id":     rt.userID,
			"accelerator": rt.accel.Number,
		})
	if err != nil {
		s.log.Warn("completion event publish failed",
			zap.String("session_id", rt.sess.ID.String()), zap.Error(err))
	}
}

func (s *workflowService) Reopen(ctx context.Context, userIdentifier string, acceleratorNumber int) (*SessionView, error) {
	rt, err := s.runtime(ctx, userIdentifier, acceleratorNumber, false)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	prev := *rt.machine
	if err := rt.machine.Reopen(); err != nil {
		rt.mu.Unlock()
		return rt.view(), err
	}
	rt.mu.Unlock()

	if err := s.persistPositionOrRevert(ctx, rt, prev); err != nil {
		return nil, err
	}

	s.resolver.Invalidate(ctx, rt.userID)
	return rt.view(), nil
}

func (s *workflowService) Progress(ctx context.Context, userIdentifier string) ([]model.ProgressSummary, error) {
	user, err := s.users.GetOrCreate(ctx, userIdentifier)
	if err != nil {
		return nil, err
	}
	return s.resolver.Progress(ctx, user.ID)
}

// CloseSession flushes and tears down the runtime. The next request rebuilds
// it from the store.
func (s *workflowService) CloseSession(ctx context.Context, userIdentifier string, acceleratorNumber int) error {
	user, err := s.users.GetOrCreate(ctx, userIdentifier)
	if err != nil {
		return err
	}
	key := runtimeKey(user.ID, acceleratorNumber)

	s.mu.Lock()
	rt, ok := s.runtimes[key]
	delete(s.runtimes, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.closeRuntime(ctx, rt)
}

func (s *workflowService) closeRuntime(ctx context.Context, rt *sessionRuntime) error {
	err := rt.auto.Flush(ctx)
	if err != nil {
		s.log.Warn("flush on close failed",
			zap.String("session_id", rt.sess.ID.String()), zap.Error(err))
	}

	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()

	rt.auto.Stop()
	s.releaseLease(ctx, rt.sess.ID)
	return err
}

// Shutdown closes every open runtime, flushing pending writes.
func (s *workflowService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*sessionRuntime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		open = append(open, rt)
	}
	s.runtimes = make(map[string]*sessionRuntime)
	s.mu.Unlock()

	var firstErr error
	for _, rt := range open {
		if err := s.closeRuntime(ctx, rt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
