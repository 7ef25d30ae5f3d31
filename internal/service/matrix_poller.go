package service

import (
	"context"
	"sync"
	"time"

	apperrors "smsbridge/internal/errors"

	"github.com/sirupsen/logrus"
)

// MatrixPoller long-polls the homeserver for new events and feeds them to
// the orchestrator. Sync errors back off to the poll interval; the sync
// token inside the client preserves position across errors.
type MatrixPoller struct {
	remote         RemoteTransport
	orchestrator   *Orchestrator
	syncTimeoutSec int
	pollInterval   time.Duration
	logger         *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMatrixPoller(remote RemoteTransport, orchestrator *Orchestrator, syncTimeoutSec int, pollInterval time.Duration, logger *logrus.Logger) *MatrixPoller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MatrixPoller{
		remote:         remote,
		orchestrator:   orchestrator,
		syncTimeoutSec: syncTimeoutSec,
		pollInterval:   pollInterval,
		logger:         logger,
	}
}

// Start launches the poll loop. Safe to call once.
func (p *MatrixPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pollLoop(loopCtx)

	p.logger.Info("Matrix poller started")
}

// Stop halts the loop and waits for it to exit.
func (p *MatrixPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("Matrix poller stopped")
}

// IsRunning reports whether the loop is active.
func (p *MatrixPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *MatrixPoller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := p.remote.ReceiveMessages(ctx, p.syncTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			apperrors.LogError(p.logger, apperrors.NewMatrixError(err, "sync"), "Matrix sync failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		for _, ev := range events {
			if err := p.orchestrator.OnRemoteMessage(ctx, ev); err != nil {
				apperrors.LogError(p.logger, err, "Failed to bridge remote message")
			}
		}

		if len(events) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
		}
	}
}
