package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/courseloom/courseloom/internal/modules/model"
	"github.com/courseloom/courseloom/internal/modules/repo"
	"github.com/courseloom/courseloom/internal/pkg/accel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	progressCacheKeyPrefix = "courseloom:progress:"
	progressCacheTTL       = 30 * time.Second
)

// PrereqResolver answers "may this user open this accelerator" from the
// catalog's prerequisite edges and the user's completion state. Lookups are
// cached per user in Redis and collapsed with singleflight so a burst of
// checks hits the database once.
//
// Resolution fails closed: any error reading completion state is treated as
// "prerequisite not met", never as an open gate.
type PrereqResolver interface {
	CanAccess(ctx context.Context, userID uuid.UUID, acceleratorNumber int) (bool, error)
	Progress(ctx context.Context, userID uuid.UUID) ([]model.ProgressSummary, error)
	Invalidate(ctx context.Context, userID uuid.UUID)
}

type prereqResolver struct {
	repo    repo.SessionRepo
	catalog *accel.Catalog
	rdb     *redis.Client
	sf      singleflight.Group
	log     *zap.Logger
}

func NewPrereqResolver(sessionRepo repo.SessionRepo, catalog *accel.Catalog, rdb *redis.Client, log *zap.Logger) PrereqResolver {
	return &prereqResolver{
		repo:    sessionRepo,
		catalog: catalog,
		rdb:     rdb,
		log:     log,
	}
}

func (r *prereqResolver) CanAccess(ctx context.Context, userID uuid.UUID, acceleratorNumber int) (bool, error) {
	a, ok := r.catalog.Get(acceleratorNumber)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownAccelerator, acceleratorNumber)
	}
	if a.Prerequisite == nil {
		return true, nil
	}

	summaries, err := r.Progress(ctx, userID)
	if err != nil {
		// Fail closed: an unreadable completion state never opens a gate.
		r.log.Warn("prerequisite resolution failed closed",
			zap.String("user_id", userID.String()),
			zap.Int("accelerator", acceleratorNumber),
			zap.Error(err))
		return false, nil
	}

	completed := make(map[int]bool, len(summaries))
	for _, s := range summaries {
		if s.Status == model.SessionCompleted {
			completed[s.AcceleratorNumber] = true
		}
	}

	have := 0
	for _, dep := range a.Prerequisite.Accelerators {
		if completed[dep] {
			have++
		}
	}
	return have >= a.Prerequisite.RequiredCompleted(), nil
}

// Progress returns the user's per-accelerator summaries, cache-first.
func (r *prereqResolver) Progress(ctx context.Context, userID uuid.UUID) ([]model.ProgressSummary, error) {
	key := progressCacheKeyPrefix + userID.String()

	if r.rdb != nil {
		if raw, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
			var cached []model.ProgressSummary
			if uerr := sonic.Unmarshal(raw, &cached); uerr == nil {
				return cached, nil
			}
			// Corrupt cache entry: drop it and fall through to the database.
			r.rdb.Del(ctx, key)
		}
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		summaries, err := r.repo.ListSummariesByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if r.rdb != nil {
			if raw, merr := sonic.Marshal(summaries); merr == nil {
				if serr := r.rdb.Set(ctx, key, raw, progressCacheTTL).Err(); serr != nil {
					r.log.Warn("progress cache write failed", zap.Error(serr))
				}
			}
		}
		return summaries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.ProgressSummary), nil
}

// Invalidate drops the cached summaries after a completion-state change.
func (r *prereqResolver) Invalidate(ctx context.Context, userID uuid.UUID) {
	if r.rdb == nil {
		return
	}
	key := progressCacheKeyPrefix + userID.String()
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		r.log.Warn("progress cache invalidation failed",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}
