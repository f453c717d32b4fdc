package service

import (
	"context"
	"time"

	"agent-wallet-core/internal/service/txqueue"
	"agent-wallet-core/pkg/logger"
	"agent-wallet-core/pkg/monitor"
	"agent-wallet-core/pkg/utils/lock"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// QueueCounter is the slice of the queue the depth job reads.
type QueueCounter interface {
	Counts() txqueue.Counts
}

// SessionWarmer keeps a credits session established ahead of use.
type SessionWarmer interface {
	GetToken(ctx context.Context) (string, error)
}

type CronService struct {
	cron     *cron.Cron
	locker   lock.DistributedLock // nil runs every job unlocked
	queue    QueueCounter
	sessions SessionWarmer
}

func NewCronService(locker lock.DistributedLock, queue QueueCounter, sessions SessionWarmer) *CronService {
	return &CronService{
		cron:     cron.New(),
		locker:   locker,
		queue:    queue,
		sessions: sessions,
	}
}

func (s *CronService) Start() {
	if s.queue != nil {
		_, _ = s.cron.AddFunc("@every 30s", s.SnapshotQueueDepth)
	}
	if s.sessions != nil {
		_, _ = s.cron.AddFunc("@every 1m", s.WarmSession)
	}

	s.cron.Start()
	logger.Info("Cron Service started")
}

// Stop waits for running jobs.
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Cron Service stopped")
}

// SnapshotQueueDepth exports per-status queue counts. Only one instance
// reports, so dashboards do not double count a shared store.
func (s *CronService) SnapshotQueueDepth() {
	ctx := context.Background()
	lockKey := "cron:lock:queue_depth"

	if s.locker != nil {
		locked, err := s.locker.Acquire(ctx, lockKey, 20*time.Second)
		if err != nil || !locked {
			logger.Debug("SnapshotQueueDepth: lock held elsewhere", zap.Error(err))
			return
		}
		defer func() { _ = s.locker.Release(ctx, lockKey) }()
	}

	counts := s.queue.Counts()
	if monitor.Business != nil {
		for status, n := range counts {
			monitor.Business.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	logger.Debug("queue depth",
		zap.Int("pending", counts[txqueue.StatusPending]),
		zap.Int("broadcast", counts[txqueue.StatusBroadcast]))
}

// WarmSession refreshes the credits session before a billed call has to.
// GetToken is a no-op while the cached session is outside the refresh margin.
func (s *CronService) WarmSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if _, err := s.sessions.GetToken(ctx); err != nil {
		logger.Warn("credits session warm-up failed", zap.Error(err))
	}
}
