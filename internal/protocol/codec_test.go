package protocol

import (
	"encoding/gob"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
)

func newPipeCodecs(t *testing.T, timeout time.Duration) (*Codec, *Codec) {
	t.Helper()
	left, right := net.Pipe()
	a := NewCodec(left, testSecret, NewLedger(0), timeout)
	b := NewCodec(right, testSecret, NewLedger(0), timeout)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestCodecRoundTripsResultBatch(t *testing.T) {
	t.Parallel()

	a, b := newPipeCodecs(t, time.Second)
	results := []crawler.Result{
		crawler.NewSuccess(42, []crawler.ID{1, 2, 3}),
		crawler.NewFailure(7, crawler.OutcomeNotFound),
	}
	env, err := NewResultBatch(testSecret, results)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(env) }()

	got, err := b.Expect(KindResultBatch)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Len(t, got.ResultBatch.Results, 2)
	require.Equal(t, crawler.ID(42), got.ResultBatch.Results[0].ID)
	require.Equal(t, []crawler.ID{1, 2, 3}, got.ResultBatch.Results[0].Followers)
	require.Equal(t, crawler.OutcomeNotFound, got.ResultBatch.Results[1].Outcome)
	require.Empty(t, got.ResultBatch.Results[1].Followers)
}

func TestCodecExpectRejectsWrongKind(t *testing.T) {
	t.Parallel()

	a, b := newPipeCodecs(t, time.Second)
	env, err := NewAcknowledge(testSecret)
	require.NoError(t, err)

	go func() { _ = a.Send(env) }()

	_, err = b.Expect(KindRegister)
	require.ErrorIs(t, err, ErrUnexpectedMessage)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestCodecRejectsReplayedEnvelope(t *testing.T) {
	t.Parallel()

	a, b := newPipeCodecs(t, time.Second)
	env, err := NewAssignment(testSecret, []crawler.ID{5})
	require.NoError(t, err)

	go func() {
		_ = a.Send(env)
		_ = a.Send(env)
	}()

	_, err = b.Expect(KindAssignment)
	require.NoError(t, err)
	_, err = b.Expect(KindAssignment)
	require.ErrorIs(t, err, ErrReplayedNonce)
}

func TestCodecRejectsForeignSecret(t *testing.T) {
	t.Parallel()

	a, b := newPipeCodecs(t, time.Second)
	env, err := NewRegister([]byte("intruder"), "w1", "acct")
	require.NoError(t, err)

	go func() { _ = a.Send(env) }()

	_, err = b.Receive()
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestCodecRejectsPayloadlessEnvelope(t *testing.T) {
	t.Parallel()

	left, right := net.Pipe()
	defer left.Close()
	b := NewCodec(right, testSecret, NewLedger(0), time.Second)
	defer b.Close()

	s, err := Sign(testSecret)
	require.NoError(t, err)
	go func() { _ = gob.NewEncoder(left).Encode(&Envelope{Seal: s, Kind: KindAssignment}) }()

	_, err = b.Receive()
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCodecReceiveTimesOut(t *testing.T) {
	t.Parallel()

	_, b := newPipeCodecs(t, 50*time.Millisecond)
	start := time.Now()
	_, err := b.Receive()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrProtocolViolation)
	require.Less(t, time.Since(start), time.Second)
}

func TestCodecExpectSkipsHeartbeats(t *testing.T) {
	t.Parallel()

	a, b := newPipeCodecs(t, time.Second)
	errCh := make(chan error, 1)
	go func() {
		for range 3 {
			hb, err := NewHeartbeat(testSecret)
			if err != nil {
				errCh <- err
				return
			}
			if err := a.Send(hb); err != nil {
				errCh <- err
				return
			}
		}
		env, err := NewAssignment(testSecret, []crawler.ID{5, 6})
		if err != nil {
			errCh <- err
			return
		}
		errCh <- a.Send(env)
	}()

	got, err := b.Expect(KindAssignment)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, []crawler.ID{5, 6}, got.Assignment.IDs)
	require.Equal(t, 4, b.ledger.Len())
}
