package smsgw

import (
	"context"
	"strings"
	"sync"
	"time"

	"smsbridge/pkg/smsgw/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const (
	streamInitialBackoff = 2 * time.Second
	streamMaxBackoff     = 60 * time.Second

	// A connection that lasted this long counts as stable and resets
	// the reconnect schedule.
	streamStableConnTime = 30 * time.Second
)

// EventStream subscribes to the gateway's websocket feed and hands each
// event to the configured handler. Reconnects with exponential backoff
// when the connection drops.
type EventStream struct {
	url     string
	apiKey  string
	handler types.EventHandler
	logger  *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewEventStream(url, apiKey string, handler types.EventHandler, logger *logrus.Logger) *EventStream {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &EventStream{
		url:     url,
		apiKey:  apiKey,
		handler: handler,
		logger:  logger,
	}
}

// Start begins consuming events in the background.
func (s *EventStream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(streamCtx)

	s.logger.WithField("url", s.url).Info("Gateway event stream started")
}

// Stop closes the stream and waits for the reader to exit.
func (s *EventStream) Stop() {
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
	s.logger.Info("Gateway event stream stopped")
}

// IsRunning reports whether the stream loop is active.
func (s *EventStream) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *EventStream) run(ctx context.Context) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		backoff = nextReconnectDelay(backoff, time.Since(started))
		if err != nil {
			s.logger.WithError(err).WithField("backoff", backoff.String()).Warn("Gateway stream disconnected, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// nextReconnectDelay grows the redial delay while the gateway flaps and
// restarts the schedule after a stable connection. previous is the delay
// used for the last redial, zero on the first attempt.
func nextReconnectDelay(previous, connectedFor time.Duration) time.Duration {
	if previous == 0 || connectedFor >= streamStableConnTime {
		return streamInitialBackoff
	}
	next := previous * 2
	if next > streamMaxBackoff {
		next = streamMaxBackoff
	}
	return next
}

// consume dials the gateway and reads events until the connection fails.
func (s *EventStream) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	opts := &websocket.DialOptions{}
	if s.apiKey != "" {
		opts.HTTPHeader = map[string][]string{"X-Api-Key": {s.apiKey}}
	}
	conn, _, err := websocket.Dial(dialCtx, s.url, opts)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	s.logger.Debug("Gateway stream connected")

	for {
		var event types.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		if !isKnownEventType(event.Type) {
			s.logger.WithField("type", event.Type).Debug("Ignoring unknown gateway event")
			continue
		}
		s.handler(ctx, event)
	}
}

func isKnownEventType(t types.EventType) bool {
	switch types.EventType(strings.TrimSpace(string(t))) {
	case types.EventMessageSent, types.EventMessageReceived:
		return true
	}
	return false
}
