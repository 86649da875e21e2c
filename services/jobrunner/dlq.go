package jobrunner

import (
	"context"
	"encoding/json"
	"time"

	"leadmarket/pkg/db/option"
	"leadmarket/pkg/db/pagination"
	"leadmarket/pkg/errutil"
	"leadmarket/services/distribution"

	"go.uber.org/zap"
)

// ListDeadLetters lists entries newest first, optionally for one queue.
func (s *Service) ListDeadLetters(ctx context.Context, queue string, page pagination.Pagination) ([]*DeadLetter, *pagination.PageInfo, error) {
	page = page.Normalize()
	query := &DeadLetter{Queue: queue}

	total, err := s.deadLetter.Count(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.deadLetter.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithPage(page.Page, page.Limit),
	)
	if err != nil {
		return nil, nil, err
	}
	return items, pagination.BuildPageInfo(page, total), nil
}

func (s *Service) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	dl, err := s.deadLetter.FindOne(ctx, &DeadLetter{ID: id})
	if err != nil {
		return nil, err
	}
	if dl == nil {
		return nil, errutil.NotFound("dead letter not found", nil)
	}
	return dl, nil
}

// RetryDeadLetter claims a pending entry and queues a fresh job for its
// lead. The claim is undone when the new job cannot be queued.
func (s *Service) RetryDeadLetter(ctx context.Context, id, actorID string) (*DistributionJob, error) {
	dl, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	by := distribution.TriggeredBy{ActorID: actorID, ActorRole: distribution.ActorAdmin}
	var p DistributionPayload
	if err := json.Unmarshal(dl.Payload, &p); err == nil && p.TriggeredBy.Valid() && actorID == "" {
		by = p.TriggeredBy
	}

	now := time.Now()
	if err := s.transition(ctx, dl.ID, map[string]any{
		"status":      DeadLetterRetried,
		"resolved_by": actorID,
		"resolved_at": now,
		"updated_at":  now,
	}); err != nil {
		return nil, err
	}

	job, err := s.EnqueueDistribution(ctx, dl.LeadID, by)
	if err != nil {
		if rerr := s.deadLetter.Update(ctx, dl.ID, &map[string]any{
			"status":      DeadLetterPending,
			"resolved_by": "",
			"resolved_at": nil,
			"updated_at":  time.Now(),
		}); rerr != nil {
			zap.L().Error("failed to reopen dead letter", zap.String("dead_letter_id", dl.ID), zap.Error(rerr))
		}
		return nil, err
	}

	if err := s.deadLetter.Update(ctx, dl.ID, &map[string]any{"retried_job_id": job.ID}); err != nil {
		zap.L().Warn("failed to link retried job", zap.String("dead_letter_id", dl.ID), zap.Error(err))
	}

	zap.L().Info("dead letter retried",
		zap.String("dead_letter_id", dl.ID),
		zap.String("lead_id", dl.LeadID),
		zap.String("job_id", job.ID),
		zap.String("actor_id", actorID))
	return job, nil
}

// ResolveDeadLetter closes a pending entry without running it again.
func (s *Service) ResolveDeadLetter(ctx context.Context, id, actorID string) (*DeadLetter, error) {
	now := time.Now()
	if err := s.transition(ctx, id, map[string]any{
		"status":      DeadLetterResolved,
		"resolved_by": actorID,
		"resolved_at": now,
		"updated_at":  now,
	}); err != nil {
		return nil, err
	}

	zap.L().Info("dead letter resolved", zap.String("dead_letter_id", id), zap.String("actor_id", actorID))
	return s.GetDeadLetter(ctx, id)
}

// transition moves a pending entry on. Only one caller can win it.
func (s *Service) transition(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&DeadLetter{}).
		Where("id = ? AND status = ?", id, DeadLetterPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetDeadLetter(ctx, id); err != nil {
		return err
	}
	return errutil.Conflict("dead letter already resolved", nil)
}
