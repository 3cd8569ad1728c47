package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotavatar/pkg/logger"
)

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config configures the memory subsystem.
type Config struct {
	Workspace string
	Backend   string

	Engine                 EngineConfig
	ReminderTypes          []string
	ProactiveMinConfidence float64

	// AutoConsolidate enqueues a consolidation job after every store.
	AutoConsolidate bool
	// ConsolidateSchedule is a cron expression; empty disables the scheduler.
	ConsolidateSchedule string
	WorkerLease         time.Duration
	WorkerPoll          time.Duration
}

// Service wires the store, the engine and the background workers together.
type Service struct {
	cfg    Config
	store  Store
	engine *Engine

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config, embedder Embedder, detector EmotionDetector, opts ...EngineOption) (*Service, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendSQLite
	}
	if cfg.WorkerLease <= 0 {
		cfg.WorkerLease = 45 * time.Second
	}
	if cfg.WorkerPoll <= 0 {
		cfg.WorkerPoll = 800 * time.Millisecond
	}
	if cfg.ConsolidateSchedule != "" && !gronx.New().IsValid(cfg.ConsolidateSchedule) {
		return nil, fmt.Errorf("invalid consolidation schedule %q", cfg.ConsolidateSchedule)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:    cfg,
		store:  store,
		stopCh: make(chan struct{}),
	}

	engineOpts := []EngineOption{WithPolicy(NewDefaultPolicy(cfg.ReminderTypes, cfg.ProactiveMinConfidence))}
	if cfg.AutoConsolidate {
		engineOpts = append(engineOpts, WithStoreHook(func(userID string) {
			if err := svc.EnqueueConsolidation(context.Background(), userID); err != nil {
				logger.WarnCF("memory", "Failed to enqueue consolidation", map[string]interface{}{
					"user_id": userID,
					"error":   err.Error(),
				})
			}
		}))
	}
	engineOpts = append(engineOpts, opts...)

	engine, err := NewEngine(store, embedder, detector, cfg.Engine, engineOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc.engine = engine

	svc.wg.Add(1)
	go svc.runWorker()
	if cfg.ConsolidateSchedule != "" {
		svc.wg.Add(1)
		go svc.runScheduler()
	}
	return svc, nil
}

func openStore(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendMemory:
		return NewMemStore(), nil
	case BackendSQLite:
		if strings.TrimSpace(cfg.Workspace) == "" {
			return nil, fmt.Errorf("memory workspace is required")
		}
		return NewSQLiteStore(filepath.Join(cfg.Workspace, "state", "memory.db"))
	default:
		return nil, fmt.Errorf("unknown memory backend: %s", cfg.Backend)
	}
}

// Engine returns the engine that serves every memory operation.
func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.engine.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// EnqueueConsolidation schedules a background consolidation for userID. At
// most one such job is pending per user.
func (s *Service) EnqueueConsolidation(ctx context.Context, userID string) error {
	now := time.Now().UnixMilli()
	return s.store.EnqueueJob(ctx, Job{
		ID:          maintenanceJobID(JobConsolidate, userID),
		JobType:     JobConsolidate,
		UserID:      userID,
		Status:      JobPending,
		Priority:    50,
		RunAfterMS:  now,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	})
}

func (s *Service) runWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()

	// Jobs left over from a previous process start right away.
	s.processPendingJobs()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.processPendingJobs()
		}
	}
}

func (s *Service) runScheduler() {
	defer s.wg.Done()
	for {
		next, err := gronx.NextTickAfter(s.cfg.ConsolidateSchedule, time.Now(), false)
		if err != nil {
			logger.ErrorCF("memory", "Consolidation schedule stopped", map[string]interface{}{
				"schedule": s.cfg.ConsolidateSchedule,
				"error":    err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.enqueueAllUsers()
		}
	}
}

func (s *Service) enqueueAllUsers() {
	ctx := context.Background()
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		logger.WarnCF("memory", "Scheduled consolidation could not list users", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, userID := range users {
		if err := s.EnqueueConsolidation(ctx, userID); err != nil {
			logger.WarnCF("memory", "Failed to enqueue consolidation", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}
	logger.InfoCF("memory", "Scheduled consolidation enqueued", map[string]interface{}{
		"users": len(users),
	})
}

func (s *Service) processPendingJobs() {
	const maxBatch = 32
	ctx := context.Background()
	_ = s.store.RequeueExpiredJobs(ctx, time.Now().UnixMilli())

	leaseForMS := s.cfg.WorkerLease.Milliseconds()
	for i := 0; i < maxBatch; i++ {
		job, ok, err := s.store.ClaimNextJob(ctx, time.Now().UnixMilli(), leaseForMS)
		if err != nil || !ok {
			return
		}

		if err := s.handleJob(ctx, job); err != nil {
			logger.WarnCF("memory", "Memory job failed", map[string]interface{}{
				"job_id":   job.ID,
				"job_type": job.JobType,
				"user_id":  job.UserID,
				"error":    err.Error(),
			})
			_ = s.store.FailJob(ctx, job.ID, err.Error())
			_ = s.store.AddMetric(ctx, "memory.job.failed", 1, map[string]string{"type": job.JobType})
			continue
		}
		_ = s.store.CompleteJob(ctx, job.ID)
		_ = s.store.AddMetric(ctx, "memory.job.completed", 1, map[string]string{"type": job.JobType})
	}
}

func (s *Service) handleJob(ctx context.Context, job Job) error {
	switch job.JobType {
	case JobConsolidate:
		if strings.TrimSpace(job.UserID) == "" {
			return fmt.Errorf("invalid consolidate job: missing user id")
		}
		_, err := s.engine.Consolidate(ctx, job.UserID)
		return err
	default:
		return fmt.Errorf("unknown memory job type: %s", job.JobType)
	}
}

func maintenanceJobID(jobType, userID string) string {
	h := sha1.Sum([]byte(jobType + "|" + userID))
	return "job-" + hex.EncodeToString(h[:8])
}
