// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// jws signs and verifies the application payloads that travel inside
// message envelopes. Payloads use the JWS JSON serialization with a
// detached Ed25519 signature over protected.payload; bearer tokens for
// relay and directory authentication use the compact JWT form.
package jws

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	ErrVerify     = errors.New("signature verification failed")
	ErrInvalidKey = errors.New("invalid key material")
)

var encoding = base64.RawURLEncoding

// Envelope is one signed payload in JWS JSON serialization.
type Envelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type header struct {
	Alg   string `json:"alg"`
	Typ   string `json:"typ"`
	KeyID string `json:"kid"`
}

// Signer signs payloads on behalf of one identity key.
type Signer struct {
	Issuer string
	KeyID  string
	key    ed25519.PrivateKey
}

// NewSigner builds a Signer from a 32-byte Ed25519 seed.
func NewSigner(issuer, keyID string, seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d",
			ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return &Signer{
		Issuer: issuer,
		KeyID:  keyID,
		key:    ed25519.NewKeyFromSeed(seed),
	}, nil
}

// PublicKey returns the signer's public verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Seed returns the private seed, used to derive the account's session keys.
func (s *Signer) Seed() []byte {
	return s.key.Seed()
}

func (s *Signer) protected() (string, error) {
	h, err := json.Marshal(header{Alg: "EdDSA", Typ: "JWT", KeyID: s.KeyID})
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(h), nil
}

// Sign wraps claims in a signed Envelope.
func (s *Signer) Sign(claims interface{}) (*Envelope, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("could not marshal claims: %w", err)
	}
	protected, err := s.protected()
	if err != nil {
		return nil, err
	}
	payload := encoding.EncodeToString(body)
	sig := ed25519.Sign(s.key, []byte(protected+"."+payload))
	return &Envelope{
		Protected: protected,
		Payload:   payload,
		Signature: encoding.EncodeToString(sig),
	}, nil
}

// SignJSON returns the JSON serialization of Sign.
func (s *Signer) SignJSON(claims interface{}) ([]byte, error) {
	e, err := s.Sign(claims)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Verify checks an envelope's detached signature under pub.
func Verify(e *Envelope, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidKey
	}
	sig, err := encoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", ErrVerify, err)
	}
	if !ed25519.Verify(pub, []byte(e.Protected+"."+e.Payload), sig) {
		return ErrVerify
	}
	return nil
}

// KeyID extracts the signing key id from the protected header.
func (e *Envelope) VerificationKeyID() (string, error) {
	raw, err := encoding.DecodeString(e.Protected)
	if err != nil {
		return "", fmt.Errorf("bad protected header encoding: %w", err)
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", fmt.Errorf("bad protected header: %w", err)
	}
	return h.KeyID, nil
}

// DecodePayloadBytes returns the decoded payload JSON.
func (e *Envelope) DecodePayloadBytes() ([]byte, error) {
	raw, err := encoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("bad payload encoding: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	raw, err := encoding.DecodeString(e.Payload)
	if err != nil {
		return fmt.Errorf("bad payload encoding: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// AuthToken mints a compact bearer token for relay and directory
// authentication. The token is back-dated a few seconds to tolerate clock
// skew.
func (s *Signer) AuthToken(validity time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"jti": uuid.NewString(),
		"cid": uuid.NewString(),
		"iat": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(validity).Unix(),
		"iss": s.Issuer,
		"sub": s.Issuer,
		"typ": "auth.token",
	})
	tok.Header["kid"] = s.KeyID
	return tok.SignedString(s.key)
}
