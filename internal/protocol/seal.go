package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// Seal authenticates one message: a fresh nonce and the keyed digest of it.
type Seal struct {
	Nonce     string
	Signature []byte
}

// Sign produces a Seal with an unpredictable nonce for an outgoing message.
func Sign(secret []byte) (Seal, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Seal{}, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := id.String()
	return Seal{Nonce: nonce, Signature: Digest(nonce, secret)}, nil
}

// Digest computes the keyed digest of nonce under secret.
func Digest(nonce string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// Authenticate verifies the seal against secret and records its nonce in the
// ledger. Acceptance consumes the nonce: authenticating the same seal twice
// fails the second time.
func Authenticate(s Seal, secret []byte, ledger *Ledger) error {
	if s.Nonce == "" {
		return fmt.Errorf("%w: empty nonce", ErrMalformedMessage)
	}
	if !hmac.Equal(s.Signature, Digest(s.Nonce, secret)) {
		return ErrBadSignature
	}
	if !ledger.Accept(s.Nonce) {
		return fmt.Errorf("%w: %s", ErrReplayedNonce, s.Nonce)
	}
	return nil
}
