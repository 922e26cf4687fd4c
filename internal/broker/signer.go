package broker

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/zeebo/blake3"
)

var (
	ErrBadSignature     = errors.New("bad envelope signature")
	ErrSignatureExpired = errors.New("envelope signature expired")
)

// Signer authenticates envelopes with a keyed BLAKE3 MAC over the envelope
// JSON, computed with the signature field empty.
type Signer struct {
	key      [32]byte
	username string
	expires  time.Duration
	now      func() time.Time
}

// NewSigner derives the MAC key from the shared secret.
func NewSigner(cfg SigningConfig) *Signer {
	return &Signer{
		key:      blake3.Sum256([]byte(cfg.Secret)),
		username: cfg.Username,
		expires:  cfg.Expires,
		now:      time.Now,
	}
}

// Sign stamps username, time and expiry on env and sets its signature.
func (s *Signer) Sign(env envelope.Envelope) (envelope.Envelope, error) {
	env.Username = s.username
	env.Time = s.now().UTC().Format(time.RFC3339)
	env.Expires = int64(s.expires / time.Second)
	env.Signature = ""
	sig, err := s.mac(env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

// Verify checks the signature and, when the envelope carries an expiry,
// that it has not lapsed.
func (s *Signer) Verify(env envelope.Envelope) error {
	if env.Signature == "" {
		return fmt.Errorf("%w: unsigned", ErrBadSignature)
	}
	got := env.Signature
	env.Signature = ""
	want, err := s.mac(env)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrBadSignature
	}
	if env.Expires > 0 {
		signed, err := time.Parse(time.RFC3339, env.Time)
		if err != nil {
			return fmt.Errorf("%w: bad time %q", ErrBadSignature, env.Time)
		}
		if s.now().After(signed.Add(time.Duration(env.Expires) * time.Second)) {
			return ErrSignatureExpired
		}
	}
	return nil
}

func (s *Signer) mac(env envelope.Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal for signing: %w", err)
	}
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		return "", fmt.Errorf("init mac: %w", err)
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
