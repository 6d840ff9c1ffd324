package service

import (
	"context"
	"time"

	"school_test_backend/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CloseoutScheduler 定时收卷：结束后仍未提交的作答按已保存答案计分
type CloseoutScheduler struct {
	Engine *TestTakingService
	cron   *cron.Cron
}

func NewCloseoutScheduler(engine *TestTakingService) *CloseoutScheduler {
	return &CloseoutScheduler{
		Engine: engine,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

func (s *CloseoutScheduler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	logger.Log.Info("Close-out scheduler started", zap.String("schedule", schedule))
	return nil
}

func (s *CloseoutScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := s.Engine.FinalizeClosedAttempts(ctx)
	if err != nil {
		logger.Log.Error("Close-out run failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("Close-out finalized attempts", zap.Int("count", n))
	}
}

// Stop 等待正在执行的任务结束
func (s *CloseoutScheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
