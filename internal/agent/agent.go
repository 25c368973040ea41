package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/metrics"
	"github.com/JakeFAU/follower-crawler/internal/protocol"
)

const (
	// DefaultMaxConcurrency is the number of crawl tasks run at once.
	DefaultMaxConcurrency = 40
	// DefaultSendInterval bounds how long a completed result waits before it
	// is transmitted.
	DefaultSendInterval = 2 * time.Second
	// DefaultHeartbeatInterval is the idle time after which a working agent
	// pings the controller.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultLogEvery is the number of completed crawls between progress lines.
	DefaultLogEvery = 1000
)

// Pacer spaces task launches.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Config identifies the agent and tunes its loops.
type Config struct {
	Name              string
	Account           string
	Secret            []byte
	ReadTimeout       time.Duration
	LedgerTTL         time.Duration
	MaxConcurrency    int
	SendInterval      time.Duration
	HeartbeatInterval time.Duration
	LogEvery          int64
}

// Agent runs crawl sessions against a controller. One Agent can serve many
// connections in sequence; nothing carries over between them.
type Agent struct {
	cfg    Config
	task   *Task
	pacer  Pacer
	logger *zap.Logger
}

// New validates cfg and builds an Agent.
func New(cfg Config, task *Task, pacer Pacer, logger *zap.Logger) (*Agent, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("agent requires a shared secret")
	}
	if task == nil || pacer == nil {
		return nil, fmt.Errorf("agent requires a task and a pacer")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = DefaultLogEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{cfg: cfg, task: task, pacer: pacer, logger: logger.Named("agent")}, nil
}

// Connect dials the controller and runs a session on the connection.
func (a *Agent) Connect(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: a.readTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	return a.Run(ctx, conn)
}

// Run registers on conn and crawls assignments until the connection fails or
// ctx ends. Connection loss is returned as an error; cancellation is not.
func (a *Agent) Run(ctx context.Context, conn net.Conn) error {
	codec := protocol.NewCodec(conn, a.cfg.Secret, protocol.NewLedger(a.cfg.LedgerTTL), a.cfg.ReadTimeout)
	defer func() { _ = codec.Close() }()

	if err := a.register(ctx, codec); err != nil {
		return err
	}
	a.logger.Info("worker connected", zap.String("controller", codec.RemoteAddr()))

	s := &run{
		Agent:  a,
		codec:  codec,
		staged: make(chan struct{}, 1),
		ready:  make(chan struct{}, 1),
		begin:  time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.socketLoop(gctx) })
	g.Go(func() error { return s.dispatchLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = codec.Close()
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) readTimeout() time.Duration {
	if a.cfg.ReadTimeout > 0 {
		return a.cfg.ReadTimeout
	}
	return protocol.DefaultReadTimeout
}

func (a *Agent) register(ctx context.Context, codec *protocol.Codec) error {
	stop := context.AfterFunc(ctx, func() { _ = codec.Close() })
	defer stop()

	env, err := protocol.NewRegister(a.cfg.Secret, a.cfg.Name, a.cfg.Account)
	if err != nil {
		return fmt.Errorf("build register: %w", err)
	}
	if err := codec.Send(env); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if _, err := codec.Expect(protocol.KindAcknowledge); err != nil {
		if errors.Is(err, protocol.ErrProtocolViolation) {
			metrics.ObserveProtocolViolation("worker")
		}
		return fmt.Errorf("await acknowledge: %w", err)
	}
	return nil
}

// run is the state of one connected session.
type run struct {
	*Agent
	codec *protocol.Codec

	inMu    sync.Mutex
	inbound []crawler.ID

	outMu    sync.Mutex
	outbound []crawler.Result

	// working is true from the receipt of an assignment until every one of
	// its results has been sent.
	working atomic.Bool
	// remaining counts staged or running ids whose result is not yet queued.
	remaining atomic.Int64
	crawled   atomic.Int64
	begin     time.Time

	staged chan struct{}
	ready  chan struct{}
}

// socketLoop alternates between awaiting an assignment and streaming results.
func (s *run) socketLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()
	lastSent := time.Now()

	for {
		if !s.working.Load() {
			env, err := s.codec.Expect(protocol.KindAssignment)
			if err != nil {
				return s.connectionLost(ctx, err)
			}
			ids := env.Assignment.IDs
			if len(ids) == 0 {
				continue
			}
			s.stage(ids)
			s.logger.Info("received ids to crawl", zap.Int("ids", len(ids)))
			lastSent = time.Now()
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.ready:
		case <-ticker.C:
		}

		sent, err := s.flush()
		if err != nil {
			return s.connectionLost(ctx, err)
		}
		if sent {
			lastSent = time.Now()
		} else if time.Since(lastSent) >= s.cfg.HeartbeatInterval {
			if err := s.heartbeat(); err != nil {
				return s.connectionLost(ctx, err)
			}
			lastSent = time.Now()
		}

		// remaining is read first: a result is queued before it stops counting.
		if s.remaining.Load() == 0 && s.outboundLen() == 0 {
			s.working.Store(false)
		}
	}
}

func (s *run) stage(ids []crawler.ID) {
	s.inMu.Lock()
	s.inbound = append(s.inbound, ids...)
	s.inMu.Unlock()
	s.remaining.Add(int64(len(ids)))
	s.working.Store(true)
	signal(s.staged)
}

func (s *run) next() (crawler.ID, bool) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if len(s.inbound) == 0 {
		return 0, false
	}
	id := s.inbound[0]
	s.inbound = s.inbound[1:]
	return id, true
}

// dispatchLoop launches one paced task per staged id, at most
// MaxConcurrency at a time.
func (s *run) dispatchLoop(ctx context.Context) error {
	var pool errgroup.Group
	pool.SetLimit(s.cfg.MaxConcurrency)
	defer func() { _ = pool.Wait() }()

	for {
		id, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.staged:
			}
			continue
		}
		if err := s.pacer.Wait(ctx); err != nil {
			return nil
		}
		pool.Go(func() error {
			metrics.IncActiveTasks()
			defer metrics.DecActiveTasks()
			result, err := s.task.Crawl(ctx, id)
			if err != nil {
				return nil
			}
			s.complete(result)
			return nil
		})
	}
}

func (s *run) complete(result crawler.Result) {
	s.outMu.Lock()
	s.outbound = append(s.outbound, result)
	s.outMu.Unlock()
	s.remaining.Add(-1)
	signal(s.ready)

	if n := s.crawled.Add(1); n%s.cfg.LogEvery == 0 {
		s.logger.Info("crawl progress",
			zap.Int64("crawled", n),
			zap.Duration("elapsed", time.Since(s.begin)))
	}
}

func (s *run) outboundLen() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.outbound)
}

// flush sends every queued result in one batch.
func (s *run) flush() (bool, error) {
	s.outMu.Lock()
	results := s.outbound
	s.outbound = nil
	s.outMu.Unlock()
	if len(results) == 0 {
		return false, nil
	}

	env, err := protocol.NewResultBatch(s.cfg.Secret, results)
	if err != nil {
		return false, fmt.Errorf("build result batch: %w", err)
	}
	if err := s.codec.Send(env); err != nil {
		return false, err
	}
	return true, nil
}

func (s *run) heartbeat() error {
	env, err := protocol.NewHeartbeat(s.cfg.Secret)
	if err != nil {
		return fmt.Errorf("build heartbeat: %w", err)
	}
	return s.codec.Send(env)
}

func (s *run) connectionLost(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, protocol.ErrProtocolViolation) {
		metrics.ObserveProtocolViolation("worker")
	}
	s.logger.Warn("controller connection lost", zap.Error(err))
	return fmt.Errorf("connection lost: %w", err)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
