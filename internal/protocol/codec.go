package protocol

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultReadTimeout bounds every read on a connection when no timeout is configured.
const DefaultReadTimeout = 2 * time.Minute

// Codec frames Envelopes on a persistent connection and authenticates every
// inbound message against the shared secret and ledger.
//
// Send and Receive may be called from different goroutines; concurrent Sends
// are serialized.
type Codec struct {
	conn    net.Conn
	enc     *gob.Encoder
	dec     *gob.Decoder
	secret  []byte
	ledger  *Ledger
	timeout time.Duration

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewCodec wraps conn. timeout bounds each read and write; <= 0 selects DefaultReadTimeout.
func NewCodec(conn net.Conn, secret []byte, ledger *Ledger, timeout time.Duration) *Codec {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &Codec{
		conn:    conn,
		enc:     gob.NewEncoder(conn),
		dec:     gob.NewDecoder(conn),
		secret:  secret,
		ledger:  ledger,
		timeout: timeout,
	}
}

// Send writes one envelope.
func (c *Codec) Send(env Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.enc.Encode(&env); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	return nil
}

// Receive reads and authenticates one envelope.
func (c *Codec) Receive() (Envelope, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return Envelope{}, fmt.Errorf("set read deadline: %w", err)
	}
	var env Envelope
	if err := c.dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("receive: %w", err)
	}
	if err := Authenticate(env.Seal, c.secret, c.ledger); err != nil {
		return Envelope{}, fmt.Errorf("authenticate %s: %w", env.Kind, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Expect receives envelopes until one that is not a heartbeat arrives and
// requires it to be of the given kind. Each heartbeat restarts the read timeout.
func (c *Codec) Expect(kind Kind) (Envelope, error) {
	for {
		env, err := c.Receive()
		if err != nil {
			return Envelope{}, err
		}
		if env.Kind == KindHeartbeat && kind != KindHeartbeat {
			continue
		}
		if env.Kind != kind {
			return Envelope{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedMessage, kind, env.Kind)
		}
		return env, nil
	}
}

// RemoteAddr returns the peer address.
func (c *Codec) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Codec) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
