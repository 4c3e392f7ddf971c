// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// siggraph validates an identity's append-only key-management history and
// answers which key is valid for which device. A graph is built once from a
// freshly fetched history and never mutated afterwards; callers cache per
// identity as they see fit.
package siggraph

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keelproject/keel/jws"
)

const (
	ActionAdd    = "key.add"
	ActionRevoke = "key.revoke"

	TypeDeviceKey   = "device.key"
	TypeRecoveryKey = "recovery.key"

	operationVersion = "1.0.0"
)

var (
	ErrKeyNotFound             = errors.New("key not found")
	ErrSequenceOutOfOrder      = errors.New("operation sequence is out of order")
	ErrPreviousSignature       = errors.New("operation previous signature does not match")
	ErrTimestampNotIncreasing  = errors.New("operation timestamp occurs at or before previous operation")
	ErrNoActions               = errors.New("operation does not specify any actions")
	ErrUnknownVersion          = errors.New("unknown operation version")
	ErrNoSigningKey            = errors.New("operation does not specify a signing key")
	ErrSigningKeyNotFound      = errors.New("operation specifies a signing key that does not exist")
	ErrSigningKeyRevoked       = errors.New("operation was signed by a key that was revoked at the time of signing")
	ErrSignature               = errors.New("operation signature verification failed")
	ErrRecoveryNotRotated      = errors.New("recovery operation does not revoke the current active recovery key")
	ErrInvalidAction           = errors.New("operation action is invalid")
	ErrDuplicateKey            = errors.New("operation contains a key with a duplicate identifier")
	ErrDuplicateDeviceKey      = errors.New("operation contains more than one active key for a device")
	ErrDuplicateRecoveryKey    = errors.New("operation contains more than one active recovery key")
	ErrRevokeUnknownKey        = errors.New("operation tries to revoke a key that does not exist")
	ErrRevokeRevokedKey        = errors.New("operation tries to revoke a key that has already been revoked")
	ErrRootRevocation          = errors.New("root operation cannot revoke keys")
	ErrNoActiveKeys            = errors.New("graph does not contain any active keys")
	ErrNoActiveRecoveryKey     = errors.New("graph does not contain an active recovery key")
	ErrInvalidPublicKey        = errors.New("operation action does not provide a valid public key")
	ErrInvalidDeviceIdentifier = errors.New("operation action does not provide a valid device id")
)

// Action is one add or revoke inside an operation.
type Action struct {
	KeyID    string `json:"kid"`
	DeviceID string `json:"did,omitempty"`
	Type     string `json:"type,omitempty"`
	Action   string `json:"action"`
	From     int64  `json:"from"`
	Key      string `json:"key,omitempty"`
}

type operationPayload struct {
	Sequence  int      `json:"sequence"`
	Previous  *string  `json:"previous"`
	Version   string   `json:"version"`
	Timestamp int64    `json:"timestamp"`
	Actions   []Action `json:"actions"`
}

type operation struct {
	sequence   int
	previous   string
	timestamp  int64
	actions    []Action
	signingKey string
	protected  string
	payload    string
	signature  string
}

func parseOperation(raw json.RawMessage) (*operation, error) {
	var env jws.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed operation: %w", err)
	}

	var p operationPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("malformed operation payload: %w", err)
	}

	kid, err := env.VerificationKeyID()
	if err != nil {
		return nil, fmt.Errorf("malformed operation header: %w", err)
	}

	op := &operation{
		sequence:   p.Sequence,
		timestamp:  p.Timestamp,
		actions:    p.Actions,
		signingKey: kid,
		protected:  env.Protected,
		payload:    env.Payload,
		signature:  env.Signature,
	}

	switch {
	case p.Version != operationVersion:
		return nil, ErrUnknownVersion
	case p.Sequence < 0:
		return nil, ErrSequenceOutOfOrder
	case p.Previous == nil:
		return nil, ErrPreviousSignature
	case p.Timestamp < 1:
		return nil, ErrTimestampNotIncreasing
	case len(p.Actions) == 0:
		return nil, ErrNoActions
	case kid == "":
		return nil, ErrNoSigningKey
	}
	op.previous = *p.Previous

	return op, nil
}

// revokes reports whether the operation revokes the given key id.
func (o *operation) revokes(kid string) bool {
	for _, a := range o.actions {
		if a.KeyID == kid && a.Action == ActionRevoke {
			return true
		}
	}
	return false
}

// Key is one validated entry in the graph. Immutable once created, except
// RevokedAt, which is set exactly once.
type Key struct {
	ID           string
	DeviceID     string
	Type         string
	CreatedAt    int64
	RevokedAt    int64
	PublicKey    ed25519.PublicKey
	RawPublicKey string

	parent   *Key
	children []*Key
}

func newKey(a Action) (*Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(a.Key)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return &Key{
		ID:           a.KeyID,
		DeviceID:     a.DeviceID,
		Type:         a.Type,
		CreatedAt:    a.From,
		PublicKey:    ed25519.PublicKey(raw),
		RawPublicKey: a.Key,
	}, nil
}

// Revoked reports whether the key has been revoked.
func (k *Key) Revoked() bool {
	return k.RevokedAt > 0
}

// ValidAt reports whether the key was valid at the given time.
func (k *Key) ValidAt(at int64) bool {
	return k.CreatedAt <= at && (k.RevokedAt == 0 || k.RevokedAt > at)
}

// descendants returns every key transitively added under k.
func (k *Key) descendants() []*Key {
	keys := make([]*Key, 0, len(k.children))
	for _, c := range k.children {
		keys = append(keys, c)
		keys = append(keys, c.descendants()...)
	}
	return keys
}

// Graph is the validated key index for one identity.
type Graph struct {
	root       *Key
	keys       map[string]*Key
	devices    map[string]*Key
	recovery   *Key
	signatures map[string]int
	operations []*operation
}

// Build validates a key history and returns its graph. Operations are
// processed strictly in sequence order starting at zero; any violation
// aborts the build.
func Build(history []json.RawMessage) (*Graph, error) {
	g := &Graph{
		keys:       make(map[string]*Key),
		devices:    make(map[string]*Key),
		signatures: make(map[string]int),
	}
	for i, raw := range history {
		if err := g.execute(raw); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	if len(g.operations) == 0 {
		return nil, ErrNoActiveKeys
	}
	return g, nil
}

// KeyByID returns the key with the given id.
func (g *Graph) KeyByID(kid string) (*Key, error) {
	k, ok := g.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return k, nil
}

// KeyByDevice returns the key currently registered for a device.
func (g *Graph) KeyByDevice(did string) (*Key, error) {
	k, ok := g.devices[did]
	if !ok {
		return nil, fmt.Errorf("%w: did %q", ErrKeyNotFound, did)
	}
	return k, nil
}

// RecoveryKey returns the graph's sole active recovery key.
func (g *Graph) RecoveryKey() *Key {
	return g.recovery
}

func (g *Graph) execute(raw json.RawMessage) error {
	op, err := parseOperation(raw)
	if err != nil {
		return err
	}

	if op.sequence != len(g.operations) {
		return ErrSequenceOutOfOrder
	}

	if op.sequence > 0 {
		prev, ok := g.signatures[op.previous]
		if !ok || prev != op.sequence-1 {
			return ErrPreviousSignature
		}
		if g.operations[op.sequence-1].timestamp >= op.timestamp {
			return ErrTimestampNotIncreasing
		}

		sk, ok := g.keys[op.signingKey]
		if !ok {
			return ErrSigningKeyNotFound
		}
		if sk.Revoked() && op.timestamp > sk.RevokedAt {
			return ErrSigningKeyRevoked
		}
		if sk.Type == TypeRecoveryKey && !op.revokes(op.signingKey) {
			return ErrRecoveryNotRotated
		}
	}

	if err := g.applyActions(op); err != nil {
		return err
	}

	// The signing key must exist by now: sequence 0 is self-signed by one
	// of its own added keys.
	sk, ok := g.keys[op.signingKey]
	if !ok {
		return ErrSigningKeyNotFound
	}
	if op.timestamp < sk.CreatedAt || (sk.Revoked() && op.timestamp > sk.RevokedAt) {
		return ErrSigningKeyRevoked
	}

	sig, err := base64.RawURLEncoding.DecodeString(op.signature)
	if err != nil {
		return ErrSignature
	}
	msg := []byte(op.protected + "." + op.payload)
	if !ed25519.Verify(sk.PublicKey, msg, sig) {
		return ErrSignature
	}

	// Post-conditions, enforced after every operation.
	active := false
	for _, k := range g.keys {
		if !k.Revoked() {
			active = true
			break
		}
	}
	if !active {
		return ErrNoActiveKeys
	}
	if g.recovery == nil || g.recovery.Revoked() {
		return ErrNoActiveRecoveryKey
	}

	g.operations = append(g.operations, op)
	g.signatures[op.signature] = op.sequence
	return nil
}

func (g *Graph) applyActions(op *operation) error {
	for _, a := range op.actions {
		if a.KeyID == "" {
			return fmt.Errorf("%w: no key identifier", ErrInvalidAction)
		}
		if a.From < 0 {
			return fmt.Errorf("%w: bad effective timestamp", ErrInvalidAction)
		}

		switch a.Action {
		case ActionAdd:
			if a.Type != TypeDeviceKey && a.Type != TypeRecoveryKey {
				return fmt.Errorf("%w: bad key type %q", ErrInvalidAction, a.Type)
			}
			if a.Key == "" {
				return ErrInvalidPublicKey
			}
			// Added keys take effect at the operation timestamp.
			a.From = op.timestamp
			if err := g.add(op, a); err != nil {
				return err
			}
		case ActionRevoke:
			// Revocations default to taking effect at the operation
			// timestamp.
			if a.From == 0 {
				a.From = op.timestamp
			}
			if err := g.revoke(op, a); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: bad action %q", ErrInvalidAction, a.Action)
		}
	}
	return nil
}

func (g *Graph) add(op *operation, a Action) error {
	if _, ok := g.keys[a.KeyID]; ok {
		return ErrDuplicateKey
	}

	k, err := newKey(a)
	if err != nil {
		return err
	}

	switch a.Type {
	case TypeDeviceKey:
		if a.DeviceID == "" {
			return ErrInvalidDeviceIdentifier
		}
		if cur, ok := g.devices[a.DeviceID]; ok && !cur.Revoked() {
			return ErrDuplicateDeviceKey
		}
		g.devices[a.DeviceID] = k
	case TypeRecoveryKey:
		if g.recovery != nil && !g.recovery.Revoked() {
			return ErrDuplicateRecoveryKey
		}
		g.recovery = k
	}
	g.keys[k.ID] = k

	if op.sequence == 0 && op.signingKey == a.KeyID {
		g.root = k
		return nil
	}

	parent, ok := g.keys[op.signingKey]
	if !ok {
		return ErrSigningKeyNotFound
	}
	k.parent = parent
	parent.children = append(parent.children, k)
	return nil
}

func (g *Graph) revoke(op *operation, a Action) error {
	k, ok := g.keys[a.KeyID]
	if !ok {
		return ErrRevokeUnknownKey
	}
	if op.sequence < 1 {
		return ErrRootRevocation
	}
	if k.Revoked() {
		return ErrRevokeRevokedKey
	}

	k.RevokedAt = a.From

	sk, ok := g.keys[op.signingKey]
	if !ok {
		return ErrSigningKeyNotFound
	}

	// A recovery key revocation resets the whole identity: the root and
	// every still-active descendant go with it.
	if sk.Type == TypeRecoveryKey {
		if !g.root.Revoked() {
			g.root.RevokedAt = a.From
		}
		for _, ck := range g.root.descendants() {
			if !ck.Revoked() {
				ck.RevokedAt = a.From
			}
		}
		return nil
	}

	// Otherwise the revocation cascades to descendants created at or
	// after the revoked key's effective time.
	for _, ck := range k.descendants() {
		if ck.CreatedAt >= a.From && !ck.Revoked() {
			ck.RevokedAt = a.From
		}
	}
	return nil
}
