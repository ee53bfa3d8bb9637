package services

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/internal/observability"
	"github.com/fenceauth/fence/pkg/constants"
)

// VisaScheduler runs the periodic visa update job for every user with a
// stored upstream refresh token.
type VisaScheduler struct {
	userRepo  *persistence.UserRepository
	tokenRepo *persistence.TokenRepository
	sync      *VisaSyncService
	schedule  cron.Schedule
	logger    *zap.SugaredLogger

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool // Prevents double-close of stopChan
	passBusy bool // One update pass at a time
}

// NewVisaScheduler parses the cron expression and builds the scheduler.
func NewVisaScheduler(
	userRepo *persistence.UserRepository,
	tokenRepo *persistence.TokenRepository,
	syncSvc *VisaSyncService,
	cronExpr string,
	logger *zap.SugaredLogger,
) (*VisaScheduler, error) {
	if cronExpr == "" {
		cronExpr = constants.DefaultVisaUpdateSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &VisaScheduler{
		userRepo:  userRepo,
		tokenRepo: tokenRepo,
		sync:      syncSvc,
		schedule:  schedule,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}, nil
}

// Start begins the scheduler loop. Blocks until Stop is called.
func (s *VisaScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("visa scheduler starting")

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runUpdatePass()
			}()
		case <-s.stopChan:
			timer.Stop()
			s.logger.Info("visa scheduler stopping")
			s.wg.Wait()
			s.logger.Info("visa scheduler stopped")
			return
		}
	}
}

// Stop gracefully stops the scheduler and waits for a running pass.
func (s *VisaScheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
}

// runUpdatePass refreshes visas for every user with an upstream token.
// A pass that is still running when the next tick fires is not stacked.
func (s *VisaScheduler) runUpdatePass() {
	s.mu.Lock()
	if s.passBusy {
		s.mu.Unlock()
		s.logger.Warn("previous visa update pass still running, skipping")
		return
	}
	s.passBusy = true
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("panic in visa update pass", "panic", r)
		}
		s.mu.Lock()
		s.passBusy = false
		s.mu.Unlock()
	}()

	timeout := time.Duration(constants.VisaUpdateMaxRuntimeMins) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	users, err := s.userRepo.ListWithUpstreamTokens(ctx)
	if err != nil {
		s.logger.Errorw("failed to list users for visa update", "error", err)
		return
	}

	var ok, failed int
	for _, user := range users {
		if ctx.Err() != nil {
			s.logger.Warnw("visa update pass timed out", "processed", ok+failed, "total", len(users))
			break
		}
		if err := s.sync.UpdateUserVisas(ctx, user); err != nil {
			s.logger.Errorw("visa update failed", "username", user.Username, "error", err)
			observability.VisaUpdatesTotal.WithLabelValues("failure").Inc()
			failed++
			continue
		}
		observability.VisaUpdatesTotal.WithLabelValues("success").Inc()
		ok++
	}

	if err := s.tokenRepo.PruneExpired(ctx); err != nil {
		s.logger.Warnw("failed to prune expired tokens", "error", err)
	}

	duration := time.Since(start)
	observability.VisaUpdateDuration.Observe(duration.Seconds())
	s.logger.Infow("visa update pass complete", "users", len(users), "succeeded", ok, "failed", failed, "duration", duration)
}

// RunOnce executes a single update pass synchronously. Used by the CLI.
func (s *VisaScheduler) RunOnce() {
	s.runUpdatePass()
}
