package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/metrics"
	"github.com/JakeFAU/follower-crawler/internal/protocol"
)

// RegistrarConfig holds the connection parameters shared by every session.
type RegistrarConfig struct {
	Secret      []byte
	ReadTimeout time.Duration
	Session     SessionConfig
}

// Registrar accepts worker connections, runs the Register/Acknowledge
// handshake and attaches a running Session to the registry.
type Registrar struct {
	cfg      RegistrarConfig
	ledger   *protocol.Ledger
	registry *Registry
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewRegistrar builds a Registrar. ledger is shared by every connection so a
// nonce accepted on one connection is rejected on all others.
func NewRegistrar(cfg RegistrarConfig, ledger *protocol.Ledger, registry *Registry, logger *zap.Logger) (*Registrar, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("registrar requires a shared secret")
	}
	if ledger == nil || registry == nil {
		return nil, fmt.Errorf("registrar requires a ledger and a registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Session.Secret = cfg.Secret
	return &Registrar{
		cfg:      cfg,
		ledger:   ledger,
		registry: registry,
		logger:   logger.Named("registrar"),
	}, nil
}

// Serve accepts connections until ctx ends or the listener fails. Sessions
// started by Serve stop when ctx ends.
func (r *Registrar) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	r.logger.Info("accepting workers", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept worker: %w", err)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.register(ctx, conn)
		}()
	}
}

func (r *Registrar) register(ctx context.Context, conn net.Conn) {
	codec := protocol.NewCodec(conn, r.cfg.Secret, r.ledger, r.cfg.ReadTimeout)
	logger := r.logger.With(zap.String("remote", codec.RemoteAddr()))
	abort := context.AfterFunc(ctx, func() { _ = codec.Close() })

	env, err := codec.Expect(protocol.KindRegister)
	if err != nil {
		r.reject(logger, codec, err)
		return
	}
	ack, err := protocol.NewAcknowledge(r.cfg.Secret)
	if err != nil {
		r.reject(logger, codec, err)
		return
	}
	if err := codec.Send(ack); err != nil {
		r.reject(logger, codec, err)
		return
	}

	if !abort() {
		return
	}

	sess := NewSession(env.Register.AgentName, env.Register.Account, codec, r.cfg.Session, r.logger)
	r.registry.Add(sess)
	logger.Info("added worker",
		zap.String("worker", sess.Name()),
		zap.String("account", sess.Account()))

	go func() {
		if err := sess.Run(ctx); err != nil {
			logger.Debug("session ended", zap.String("worker", sess.Name()), zap.Error(err))
		}
	}()
}

func (r *Registrar) reject(logger *zap.Logger, codec *protocol.Codec, err error) {
	if errors.Is(err, protocol.ErrProtocolViolation) {
		metrics.ObserveProtocolViolation("controller")
	}
	logger.Warn("registration rejected", zap.Error(err))
	_ = codec.Close()
}
