package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadmarket/pkg/config"
	"leadmarket/pkg/db/option"
	"leadmarket/pkg/errutil"
	"leadmarket/pkg/rediskey"
	"leadmarket/pkg/repository"
	"leadmarket/pkg/task"
	"leadmarket/pkg/taskname"
	"leadmarket/services/distribution"
	"leadmarket/services/marketplace"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distribution_jobs_total",
		Help: "Distribution jobs by terminal state.",
	}, []string{"state"})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "distribution_job_duration_seconds",
		Help:    "Time spent running a distribution job.",
		Buckets: prometheus.DefBuckets,
	})
)

type Distributor interface {
	Distribute(ctx context.Context, leadID string, by distribution.TriggeredBy, jobID string) (*distribution.Result, error)
	LastResult(ctx context.Context, leadID string) (*distribution.Result, error)
}

type LeadSource interface {
	GetLead(ctx context.Context, leadID string) (*marketplace.Lead, error)
}

// QueueInspector is the subset of asynq.Inspector used for queue health.
type QueueInspector interface {
	Queues() ([]string, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	rdb       *redis.Client
	enqueuer  task.Enqueuer
	inspector QueueInspector

	leads       LeadSource
	distributor Distributor
	cfg         config.Distribution

	job        repository.Repository[DistributionJob]
	deadLetter repository.Repository[DeadLetter]
}

type Params struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Redis        *redis.Client
	Config       *config.Config
	Enqueuer     task.Enqueuer
	Inspector    *asynq.Inspector `optional:"true"`
	Marketplace  *marketplace.Service
	Distribution *distribution.Service
}

func NewService(p Params) *Service {
	s := newService(p.DB, p.Node, p.Redis, p.Enqueuer, p.Marketplace, p.Distribution, p.Config.Distribution)
	if p.Inspector != nil {
		s.inspector = p.Inspector
	}
	return s
}

func newService(db *gorm.DB, node *snowflake.Node, rdb *redis.Client, enqueuer task.Enqueuer, leads LeadSource, distributor Distributor, cfg config.Distribution) *Service {
	if cfg.Queue == "" {
		cfg.Queue = "distribution"
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = 30 * time.Minute
	}
	return &Service{
		db:          db,
		node:        node,
		rdb:         rdb,
		enqueuer:    enqueuer,
		leads:       leads,
		distributor: distributor,
		cfg:         cfg,
		job:         repository.ProvideStore[DistributionJob](db),
		deadLetter:  repository.ProvideStore[DeadLetter](db),
	}
}

// EnqueueDistribution validates the lead, takes the in-flight guard and
// queues a distribution task. A lead with a job already in flight is
// rejected with Conflict.
func (s *Service) EnqueueDistribution(ctx context.Context, leadID string, by distribution.TriggeredBy) (*DistributionJob, error) {
	if !by.Valid() {
		return nil, errutil.BadRequest("actor_role must be admin or system", nil)
	}

	lead, err := s.leads.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.Status != marketplace.LeadStatusApproved {
		return nil, errutil.UnprocessableEntity(fmt.Sprintf("lead is %s, only approved leads can be distributed", lead.Status), nil)
	}

	jobID := s.node.Generate().String()
	ok, err := s.rdb.SetNX(ctx, rediskey.BuildInflightKey(leadID), jobID, s.cfg.InflightTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire in-flight guard: %w", err)
	}
	if !ok {
		return nil, errutil.Conflict("distribution already in flight for this lead", nil)
	}

	now := time.Now()
	job := &DistributionJob{
		ID:        jobID,
		LeadID:    leadID,
		Queue:     s.cfg.Queue,
		State:     JobQueued,
		ActorID:   by.ActorID,
		ActorRole: by.ActorRole,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.job.Create(ctx, job); err != nil {
		s.releaseGuard(ctx, leadID, jobID)
		return nil, err
	}

	payload, err := json.Marshal(DistributionPayload{JobID: jobID, LeadID: leadID, TriggeredBy: by})
	if err != nil {
		s.releaseGuard(ctx, leadID, jobID)
		return nil, err
	}

	opts := []asynq.Option{
		asynq.Queue(s.cfg.Queue),
		asynq.MaxRetry(s.cfg.MaxRetry),
		asynq.TaskID(jobID),
	}
	if s.cfg.JobTimeout > 0 {
		opts = append(opts, asynq.Timeout(s.cfg.JobTimeout))
	}

	if _, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.DistributeLead, payload), opts...); err != nil {
		s.setJobState(ctx, jobID, JobFailed, map[string]any{"last_error": err.Error()})
		s.releaseGuard(ctx, leadID, jobID)
		return nil, err
	}

	zap.L().Info("distribution job enqueued",
		zap.String("job_id", jobID),
		zap.String("lead_id", leadID),
		zap.String("queue", s.cfg.Queue),
		zap.String("actor_id", by.ActorID))
	return job, nil
}

// HandleDistributionTask runs on the worker for every attempt.
func (s *Service) HandleDistributionTask(ctx context.Context, t *asynq.Task) error {
	var p DistributionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		zap.L().Error("invalid distribution payload", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	log := zap.L().With(zap.String("job_id", p.JobID), zap.String("lead_id", p.LeadID), zap.Int("attempt", retried+1))

	started := time.Now()
	s.setJobState(ctx, p.JobID, JobActive, map[string]any{"attempts": retried + 1, "started_at": started})
	log.Info("distribution job started")

	res, err := s.distributor.Distribute(ctx, p.LeadID, p.TriggeredBy, p.JobID)
	jobDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		s.setJobState(ctx, p.JobID, JobActive, map[string]any{"last_error": err.Error()})
		if errutil.IsInput(err) {
			log.Warn("distribution job rejected", zap.Error(err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Error("distribution job attempt failed", zap.Error(err))
		return err
	}

	now := time.Now()
	s.setJobState(ctx, p.JobID, JobCompleted, map[string]any{"result_id": res.ID, "completed_at": now, "last_error": ""})
	s.releaseGuard(ctx, p.LeadID, p.JobID)
	jobsTotal.WithLabelValues(string(JobCompleted)).Inc()

	log.Info("distribution job completed", zap.String("status", string(res.Status)), zap.String("result_id", res.ID))
	return nil
}

// RetryDelay is the asynq RetryDelayFunc: base * 2^n, capped at the
// configured maximum.
func (s *Service) RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return backoff(n, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay)
}

func backoff(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 10 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Minute
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// HandleFailure is the asynq ErrorHandler. Intermediate failures only
// record the error; the final one closes the job, dead-letters exhausted
// retries and releases the in-flight guard.
func (s *Service) HandleFailure(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	s.handleFailure(ctx, t, err, retried, maxRetry)
}

func (s *Service) handleFailure(ctx context.Context, t *asynq.Task, cause error, retried, maxRetry int) {
	if t.Type() != taskname.DistributeLead {
		zap.L().Error("task failed", zap.String("task_type", t.Type()), zap.Int("retried", retried), zap.Error(cause))
		return
	}

	var p DistributionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		zap.L().Error("failed task has unreadable payload", zap.Error(err))
		return
	}
	log := zap.L().With(zap.String("job_id", p.JobID), zap.String("lead_id", p.LeadID), zap.Int("retried", retried), zap.Int("max_retry", maxRetry))

	skipped := errors.Is(cause, asynq.SkipRetry)
	if !skipped && retried < maxRetry {
		s.setJobState(ctx, p.JobID, JobQueued, map[string]any{"last_error": cause.Error(), "attempts": retried + 1})
		log.Warn("distribution job will be retried", zap.Error(cause))
		return
	}

	now := time.Now()
	if skipped {
		s.setJobState(ctx, p.JobID, JobFailed, map[string]any{"last_error": cause.Error(), "completed_at": now})
		jobsTotal.WithLabelValues(string(JobFailed)).Inc()
		log.Warn("distribution job failed without retry", zap.Error(cause))
	} else {
		dl := &DeadLetter{
			ID:        s.node.Generate().String(),
			JobID:     p.JobID,
			LeadID:    p.LeadID,
			Queue:     s.cfg.Queue,
			TaskType:  t.Type(),
			Payload:   t.Payload(),
			Reason:    cause.Error(),
			Attempts:  retried + 1,
			Status:    DeadLetterPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.deadLetter.Create(ctx, dl); err != nil {
			log.Error("failed to write dead letter", zap.Error(err))
		}
		s.setJobState(ctx, p.JobID, JobDead, map[string]any{"last_error": cause.Error(), "attempts": retried + 1, "completed_at": now})
		jobsTotal.WithLabelValues(string(JobDead)).Inc()
		log.Error("distribution job dead-lettered", zap.String("dead_letter_id", dl.ID), zap.Error(cause))
	}

	s.releaseGuard(ctx, p.LeadID, p.JobID)
}

// GetDistributionStatus reports the last finished run and any job still in
// flight for the lead.
func (s *Service) GetDistributionStatus(ctx context.Context, leadID string) (*DistributionStatus, error) {
	if _, err := s.leads.GetLead(ctx, leadID); err != nil {
		return nil, err
	}

	out := &DistributionStatus{LeadID: leadID}

	res, err := s.distributor.LastResult(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		out.LastRun = &LastRun{
			ResultID:    res.ID,
			Status:      res.Status,
			Assignments: len(res.Assignments),
			Skipped:     len(res.Skipped),
			At:          res.CreatedAt,
		}
	}

	job, err := s.job.FindOne(ctx, &DistributionJob{LeadID: leadID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}))
	if err != nil {
		return nil, err
	}
	if job != nil {
		out.Job = job
		out.InFlight = job.InFlight()
	}
	return out, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*DistributionJob, error) {
	job, err := s.job.FindOne(ctx, &DistributionJob{ID: jobID})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errutil.NotFound("job not found", nil)
	}
	return job, nil
}

// QueueHealth returns per-queue counters from the asynq inspector.
func (s *Service) QueueHealth(ctx context.Context) ([]QueueStats, error) {
	if s.inspector == nil {
		return nil, errutil.New(errutil.StatusServiceUnavailable, "queue inspector not configured")
	}

	queues, err := s.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}

	out := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := s.inspector.GetQueueInfo(q)
		if err != nil {
			return nil, fmt.Errorf("inspect queue %s: %w", q, err)
		}
		out = append(out, QueueStats{
			Queue:     info.Queue,
			Size:      info.Size,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Processed: info.Processed,
			Failed:    info.Failed,
			Paused:    info.Paused,
		})
	}
	return out, nil
}

func (s *Service) setJobState(ctx context.Context, jobID string, state JobState, fields map[string]any) {
	updates := map[string]any{"state": state, "updated_at": time.Now()}
	for k, v := range fields {
		updates[k] = v
	}
	if err := s.job.Update(ctx, jobID, &updates); err != nil {
		zap.L().Error("failed to update job state", zap.String("job_id", jobID), zap.String("state", string(state)), zap.Error(err))
	}
}

// releaseGuard drops the in-flight key only while it still belongs to jobID.
func (s *Service) releaseGuard(ctx context.Context, leadID, jobID string) {
	key := rediskey.BuildInflightKey(leadID)
	owner, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		zap.L().Warn("failed to read in-flight guard", zap.String("lead_id", leadID), zap.Error(err))
		return
	}
	if owner != jobID {
		return
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		zap.L().Warn("failed to release in-flight guard", zap.String("lead_id", leadID), zap.Error(err))
	}
}
