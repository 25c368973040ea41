package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/metrics"
	"github.com/JakeFAU/follower-crawler/internal/protocol"
)

const (
	// DefaultSendInterval bounds how long a queued assignment can wait for
	// transmission when no wake signal arrives.
	DefaultSendInterval = 10 * time.Second
	// DefaultHeartbeatInterval is the idle time after which a session in the
	// awaiting-assignment state pings its worker.
	DefaultHeartbeatInterval = 30 * time.Second
)

// SessionConfig tunes a Session's socket loop.
type SessionConfig struct {
	Secret            []byte
	SendInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SendInterval <= 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// Session is the controller-side proxy of one connected worker.
//
// A session is awaiting assignment while both its outbound batch and its
// in-flight set are empty, and in flight otherwise. Any I/O failure marks it
// dead and closes the connection; a dead session is never revived.
type Session struct {
	name    string
	account string
	codec   *protocol.Codec
	cfg     SessionConfig
	logger  *zap.Logger
	notify  func()

	outMu    sync.Mutex
	outbound []crawler.ID

	flightMu sync.Mutex
	inFlight map[crawler.ID]struct{}

	resultsMu sync.Mutex
	results   []crawler.Result

	alive    atomic.Bool
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSession wraps an already registered connection.
func NewSession(name, account string, codec *protocol.Codec, cfg SessionConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		name:     name,
		account:  account,
		codec:    codec,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("session").With(zap.String("worker", name), zap.String("account", account)),
		notify:   func() {},
		inFlight: make(map[crawler.ID]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

// Name returns the worker's self-reported agent name.
func (s *Session) Name() string { return s.name }

// Account returns the crawl account the worker registered with.
func (s *Session) Account() string { return s.account }

// Assign queues ids for transmission. An empty batch is a no-op.
func (s *Session) Assign(ids []crawler.ID) {
	if len(ids) == 0 {
		return
	}
	s.outMu.Lock()
	s.outbound = append(s.outbound, ids...)
	s.outMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// DrainResults removes and returns every result received so far.
func (s *Session) DrainResults() []crawler.Result {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	out := s.results
	s.results = nil
	return out
}

// IsReady reports whether the session holds no outbound or in-flight ids.
func (s *Session) IsReady() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return len(s.outbound) == 0 && len(s.inFlight) == 0
}

// IsAlive reports whether the connection is still usable.
func (s *Session) IsAlive() bool {
	return s.alive.Load()
}

// PendingIdentifiers returns the outbound batch followed by the in-flight
// set, which together are every id this session still owes a result for.
func (s *Session) PendingIdentifiers() []crawler.ID {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.flightMu.Lock()
	defer s.flightMu.Unlock()

	out := make([]crawler.ID, 0, len(s.outbound)+len(s.inFlight))
	out = append(out, s.outbound...)
	flight := make([]crawler.ID, 0, len(s.inFlight))
	for id := range s.inFlight {
		flight = append(flight, id)
	}
	slices.Sort(flight)
	return append(out, flight...)
}

// Stop marks the session dead and closes its connection, which unblocks any
// read or write in progress.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
		if err := s.codec.Close(); err != nil {
			s.logger.Debug("close connection", zap.Error(err))
		}
		s.notify()
	})
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the socket until the connection fails, Stop is called or ctx
// ends. The returned error is the reason the session died; nil means it was
// stopped.
func (s *Session) Run(ctx context.Context) error {
	defer s.Stop()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()
	lastSent := time.Now()

	for {
		if s.inFlightLen() > 0 {
			if err := s.receive(); err != nil {
				return s.fail(err)
			}
			continue
		}

		sent, err := s.transmit()
		if err != nil {
			return s.fail(err)
		}
		if sent {
			lastSent = time.Now()
			continue
		}

		select {
		case <-s.done:
			return nil
		case <-s.wake:
		case <-ticker.C:
			if time.Since(lastSent) < s.cfg.HeartbeatInterval {
				continue
			}
			if err := s.heartbeat(); err != nil {
				return s.fail(err)
			}
			lastSent = time.Now()
		}
	}
}

func (s *Session) inFlightLen() int {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return len(s.inFlight)
}

// transmit moves the outbound batch into the in-flight set and sends it. The
// ids are in flight before the write starts so a failed write rolls them back.
func (s *Session) transmit() (bool, error) {
	s.outMu.Lock()
	if len(s.outbound) == 0 {
		s.outMu.Unlock()
		return false, nil
	}
	ids := s.outbound
	s.outbound = nil
	s.flightMu.Lock()
	for _, id := range ids {
		s.inFlight[id] = struct{}{}
	}
	s.flightMu.Unlock()
	s.outMu.Unlock()

	env, err := protocol.NewAssignment(s.cfg.Secret, ids)
	if err != nil {
		return false, fmt.Errorf("build assignment: %w", err)
	}
	if err := s.codec.Send(env); err != nil {
		return false, err
	}
	s.logger.Debug("assignment sent", zap.Int("ids", len(ids)))
	return true, nil
}

// receive reads one result batch. Results become visible to DrainResults
// before their ids leave the in-flight set.
func (s *Session) receive() error {
	env, err := s.codec.Expect(protocol.KindResultBatch)
	if err != nil {
		return err
	}
	results := env.ResultBatch.Results
	if len(results) == 0 {
		return nil
	}

	s.resultsMu.Lock()
	s.results = append(s.results, results...)
	s.resultsMu.Unlock()

	s.flightMu.Lock()
	for _, r := range results {
		delete(s.inFlight, r.ID)
	}
	s.flightMu.Unlock()

	s.notify()
	return nil
}

func (s *Session) heartbeat() error {
	env, err := protocol.NewHeartbeat(s.cfg.Secret)
	if err != nil {
		return fmt.Errorf("build heartbeat: %w", err)
	}
	return s.codec.Send(env)
}

func (s *Session) fail(err error) error {
	select {
	case <-s.done:
		// Stopped locally; the I/O error is a consequence.
		return nil
	default:
	}
	if errors.Is(err, protocol.ErrProtocolViolation) {
		metrics.ObserveProtocolViolation("controller")
	}
	s.logger.Warn("worker connection lost", zap.Error(err))
	s.Stop()
	return err
}
