package controller

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/protocol"
)

func startRegistrar(t *testing.T) (*Registry, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	registry := NewRegistry()
	reg, err := NewRegistrar(RegistrarConfig{Secret: testSecret, ReadTimeout: time.Second},
		protocol.NewLedger(0), registry, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		for _, s := range registry.Snapshot() {
			s.Stop()
		}
	})
	return registry, ln.Addr().String()
}

func dialWorker(t *testing.T, addr string, secret []byte) *protocol.Codec {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	codec := protocol.NewCodec(conn, secret, protocol.NewLedger(0), time.Second)
	t.Cleanup(func() { _ = codec.Close() })
	return codec
}

func TestRegistrarAcceptsRegisteredWorker(t *testing.T) {
	t.Parallel()

	registry, addr := startRegistrar(t)
	worker := dialWorker(t, addr, testSecret)

	env, err := protocol.NewRegister(testSecret, "10.0.0.5", "crawler-account")
	require.NoError(t, err)
	require.NoError(t, worker.Send(env))
	_, err = worker.Expect(protocol.KindAcknowledge)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	sess := registry.Snapshot()[0]
	require.Equal(t, "10.0.0.5", sess.Name())
	require.Equal(t, "crawler-account", sess.Account())
	require.True(t, sess.IsReady())
}

func TestRegistrarRejectsForeignSecret(t *testing.T) {
	t.Parallel()

	registry, addr := startRegistrar(t)
	foreign := []byte("not-the-secret")
	worker := dialWorker(t, addr, foreign)

	env, err := protocol.NewRegister(foreign, "intruder", "acct")
	require.NoError(t, err)
	require.NoError(t, worker.Send(env))
	_, err = worker.Receive()
	require.Error(t, err, "connection must be closed without acknowledgement")
	require.Zero(t, registry.Len())
}

func TestRegistrarRejectsWrongFirstMessage(t *testing.T) {
	t.Parallel()

	registry, addr := startRegistrar(t)
	worker := dialWorker(t, addr, testSecret)

	env, err := protocol.NewAcknowledge(testSecret)
	require.NoError(t, err)
	require.NoError(t, worker.Send(env))
	_, err = worker.Receive()
	require.Error(t, err)
	require.Zero(t, registry.Len())
}

func TestNewRegistrarValidates(t *testing.T) {
	t.Parallel()

	_, err := NewRegistrar(RegistrarConfig{}, protocol.NewLedger(0), NewRegistry(), nil)
	require.Error(t, err)
	_, err = NewRegistrar(RegistrarConfig{Secret: testSecret}, nil, NewRegistry(), nil)
	require.Error(t, err)
}
