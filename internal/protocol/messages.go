package protocol

import (
	"fmt"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
)

// Kind identifies the payload carried by an Envelope.
type Kind uint8

// Message kinds exchanged on the wire.
const (
	KindRegister Kind = iota + 1
	KindAcknowledge
	KindAssignment
	KindResultBatch
	// KindHeartbeat keeps an idle connection inside the peer's read timeout.
	KindHeartbeat
)

// String returns a readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindAcknowledge:
		return "acknowledge"
	case KindAssignment:
		return "assignment"
	case KindResultBatch:
		return "result_batch"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Register is sent by a worker to open a session.
type Register struct {
	AgentName string
	Account   string
}

// Assignment hands a batch of identifiers to a worker.
type Assignment struct {
	IDs []crawler.ID
}

// ResultBatch reports completed crawls back to the controller.
type ResultBatch struct {
	Results []crawler.Result
}

// Envelope is the unit of framing. Exactly one payload pointer matching Kind
// is set; Acknowledge carries none. Envelopes are never mutated after
// construction.
type Envelope struct {
	Seal
	Kind        Kind
	Register    *Register
	Assignment  *Assignment
	ResultBatch *ResultBatch
}

// NewRegister builds a signed Register envelope.
func NewRegister(secret []byte, agentName, account string) (Envelope, error) {
	return seal(secret, Envelope{
		Kind:     KindRegister,
		Register: &Register{AgentName: agentName, Account: account},
	})
}

// NewAcknowledge builds a signed Acknowledge envelope.
func NewAcknowledge(secret []byte) (Envelope, error) {
	return seal(secret, Envelope{Kind: KindAcknowledge})
}

// NewHeartbeat builds a signed Heartbeat envelope.
func NewHeartbeat(secret []byte) (Envelope, error) {
	return seal(secret, Envelope{Kind: KindHeartbeat})
}

// NewAssignment builds a signed Assignment envelope. ids is copied.
func NewAssignment(secret []byte, ids []crawler.ID) (Envelope, error) {
	return seal(secret, Envelope{
		Kind:       KindAssignment,
		Assignment: &Assignment{IDs: append([]crawler.ID(nil), ids...)},
	})
}

// NewResultBatch builds a signed ResultBatch envelope. results is copied.
func NewResultBatch(secret []byte, results []crawler.Result) (Envelope, error) {
	return seal(secret, Envelope{
		Kind:        KindResultBatch,
		ResultBatch: &ResultBatch{Results: append([]crawler.Result(nil), results...)},
	})
}

func seal(secret []byte, env Envelope) (Envelope, error) {
	s, err := Sign(secret)
	if err != nil {
		return Envelope{}, err
	}
	env.Seal = s
	return env, nil
}

// validate checks that the payload matches the declared kind.
func (e Envelope) validate() error {
	ok := false
	switch e.Kind {
	case KindRegister:
		ok = e.Register != nil
	case KindAcknowledge, KindHeartbeat:
		ok = true
	case KindAssignment:
		ok = e.Assignment != nil
	case KindResultBatch:
		ok = e.ResultBatch != nil
	}
	if !ok {
		return fmt.Errorf("%w: %s without payload", ErrMalformedMessage, e.Kind)
	}
	return nil
}
