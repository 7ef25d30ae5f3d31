package service

import (
	"context"
	"sync"
	"time"

	apperrors "smsbridge/internal/errors"
	"smsbridge/internal/metrics"
	"smsbridge/internal/retry"
	smstypes "smsbridge/pkg/smsgw/types"

	"github.com/sirupsen/logrus"
)

// SchedulerConfig tunes the background loops.
type SchedulerConfig struct {
	RetryInterval   time.Duration
	RecoveryWindow  time.Duration
	CleanupInterval time.Duration
	RetentionDays   int
	Backoff         retry.BackoffConfig
}

// Scheduler drives the recovery scan at startup and the retry and
// retention loops afterwards. All sends go through the orchestrator's
// Dispatch, so the scheduler never talks to a transport directly.
type Scheduler struct {
	ledger       LedgerService
	orchestrator *Orchestrator
	local        LocalTransport
	db           DatabaseService
	config       SchedulerConfig
	logger       *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(ledger LedgerService, orchestrator *Orchestrator, local LocalTransport, db DatabaseService, config SchedulerConfig, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		ledger:       ledger,
		orchestrator: orchestrator,
		local:        local,
		db:           db,
		config:       config,
		logger:       logger,
	}
}

// Start runs the recovery scan, then launches the retry and cleanup
// loops. Safe to call once; subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.RunRecovery(loopCtx); err != nil {
		apperrors.LogError(s.logger, err, "Recovery scan failed")
	}

	s.wg.Add(2)
	go s.retryLoop(loopCtx)
	go s.cleanupLoop(loopCtx)

	s.logger.Info("Scheduler started")
}

// Stop halts the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// IsRunning reports whether the loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunRecovery scans recent gateway history for sent messages that never
// made it into the ledger (crash between send and record) and replays
// them. Replaying an already-recorded message is suppressed by the
// ledger, so the scan is idempotent.
func (s *Scheduler) RunRecovery(ctx context.Context) error {
	since := time.Now().Add(-s.config.RecoveryWindow)
	messages, err := s.local.ListRecentMessages(ctx, smstypes.KindSent, since)
	if err != nil {
		return apperrors.NewSMSGatewayError(err, "list recent messages")
	}

	recovered := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		known, err := s.ledger.ExistsByLocalRef(ctx, msg.ID)
		if err != nil {
			apperrors.LogError(s.logger, err, "Recovery lookup failed")
			continue
		}
		if known {
			continue
		}
		if err := s.orchestrator.OnLocalMessage(ctx, msg); err != nil {
			apperrors.LogError(s.logger, err, "Failed to recover message")
			continue
		}
		recovered++
		metrics.IncrementCounter(metrics.RecoverySynthesized, nil)
	}

	s.logger.WithFields(logrus.Fields{
		"scanned":   len(messages),
		"recovered": recovered,
	}).Info("Recovery scan complete")
	return nil
}

func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRetryPass(ctx)
		}
	}
}

// runRetryPass re-dispatches pending records oldest first. Backoff grows
// per record with its stored retry count, so a struggling destination
// does not get hammered every tick.
func (s *Scheduler) runRetryPass(ctx context.Context) {
	pending, err := s.ledger.ListPending(ctx, nil)
	if err != nil {
		apperrors.LogError(s.logger, err, "Failed to list pending records")
		return
	}
	if len(pending) == 0 {
		return
	}

	backoff := retry.NewBackoff(s.config.Backoff)
	retried := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if rec.RetryCount > 0 {
			delay := backoff.GetNextDelay(rec.RetryCount)
			if time.Since(rec.UpdatedAt) < delay {
				continue
			}
		}

		metrics.IncrementCounter(metrics.RetriesAttempted, map[string]string{"direction": string(rec.Direction)})
		if err := s.orchestrator.Dispatch(ctx, rec); err != nil {
			apperrors.LogError(s.logger, err, "Retry dispatch failed")
		}
		retried++
	}

	if retried > 0 {
		s.logger.WithFields(logrus.Fields{
			"pending": len(pending),
			"retried": retried,
		}).Info("Retry pass complete")
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.CleanupConfirmedRecords(s.config.RetentionDays); err != nil {
				apperrors.LogError(s.logger, err, "Retention cleanup failed")
			}
		}
	}
}
