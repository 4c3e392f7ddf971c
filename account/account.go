// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// account owns the local device's cryptographic state: the signing identity,
// the one-time key pool, and one pairwise ratchet session per remote device.
// Messages are fanned out as group envelopes: the plaintext is sealed once
// under a random group key and the group key is sealed per recipient under
// the pairwise session.
//
// All state lives in the store, sealed under the account passphrase, and is
// only mutated inside a single store transaction so a failed send or receive
// leaves nothing half-written.
package account

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/keelproject/keel/directory"
	"github.com/keelproject/keel/jws"
	"github.com/keelproject/keel/ratchet"
	"github.com/keelproject/keel/store"
	"github.com/keelproject/keel/wire"
)

// prekeyBatch is how many one-time keys are generated and published at a
// time; prekeyRefillAt is the pool level that triggers a refill.
var (
	prekeyBatch    = 100
	prekeyRefillAt = 10
)

var (
	ErrNoRecipients   = errors.New("no recipient could be encrypted to")
	ErrNotRecipient   = errors.New("message is not addressed to this device")
	ErrNoSession      = errors.New("no session with sender and no exchange material")
	ErrPrekeyConsumed = errors.New("one-time key already consumed")
	ErrSeedMismatch   = errors.New("stored account does not match signing key")
	ErrGroupDecrypt   = errors.New("group payload did not authenticate")
)

// Directory is the slice of the directory client the account needs.
type Directory interface {
	DeviceKey(ctx context.Context, identity, device string) (ed25519.PublicKey, error)
	FetchPrekey(ctx context.Context, identity, device string) (*directory.Prekey, error)
	PublishPrekeys(ctx context.Context, identity, device string, keys []directory.Prekey) error
}

// Config carries everything Build needs.
type Config struct {
	Address    wire.Address
	Signer     *jws.Signer
	Store      *store.Store
	Directory  Directory
	Passphrase string
	Log        *logrus.Logger
	Rand       io.Reader
}

// Account is the local device's cryptographic identity. Safe for concurrent
// use; operations are serialized.
type Account struct {
	mu    sync.Mutex
	local wire.Address
	store *store.Store
	dir   Directory
	seal  *sealer
	log   *logrus.Entry
	rand  io.Reader

	// curve25519 identity derived from the signing seed.
	identity    [32]byte
	identityPub [32]byte

	state accountState
}

// Build loads the account from the store, or bootstraps a new one: generate
// the one-time key pool, publish it, and persist everything in one
// transaction. A publish failure during bootstrap is fatal and leaves no
// partial state behind.
func Build(ctx context.Context, cfg Config) (*Account, error) {
	if cfg.Signer == nil || cfg.Store == nil || cfg.Directory == nil {
		return nil, errors.New("account: incomplete configuration")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	a := &Account{
		local: cfg.Address,
		store: cfg.Store,
		dir:   cfg.Directory,
		seal:  newSealer(cfg.Passphrase),
		log:   log.WithField("component", "account"),
		rand:  rnd,
	}

	err := a.store.Tx(func(tx *store.Tx) error {
		blob, err := tx.Account(a.local)
		if err == nil {
			data, err := a.seal.open(blob)
			if err != nil {
				return err
			}
			if err := unmarshalState(data, &a.state); err != nil {
				return err
			}
			if !bytes.Equal(a.state.SigningSeed, cfg.Signer.Seed()) {
				return ErrSeedMismatch
			}
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		// First run.
		a.state.SigningSeed = append([]byte(nil), cfg.Signer.Seed()...)
		published, err := a.generatePrekeys(prekeyBatch)
		if err != nil {
			return err
		}
		if err := a.dir.PublishPrekeys(ctx, a.local.Identity, a.local.Device, published); err != nil {
			return fmt.Errorf("bootstrap publish failed: %w", err)
		}
		a.log.WithField("count", len(published)).Info("published one-time keys")
		return a.persist(tx)
	})
	if err != nil {
		return nil, err
	}

	a.identity = curvePrivate(a.state.SigningSeed)
	pub, err := curvePublic(cfg.Signer.PublicKey())
	if err != nil {
		return nil, err
	}
	a.identityPub = pub
	return a, nil
}

// Address returns the local device address.
func (a *Account) Address() wire.Address {
	return a.local
}

func (a *Account) persist(tx *store.Tx) error {
	data, err := marshalState(&a.state)
	if err != nil {
		return err
	}
	blob, err := a.seal.seal(data)
	if err != nil {
		return err
	}
	return tx.SetAccount(a.local, blob)
}

// generatePrekeys appends n fresh one-time key pairs to the pool and returns
// their publishable halves.
func (a *Account) generatePrekeys(n int) ([]directory.Prekey, error) {
	out := make([]directory.Prekey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := ratchet.GenerateKeyPair(a.rand)
		if err != nil {
			return nil, err
		}
		id := strconv.FormatUint(a.state.NextPrekey, 10)
		a.state.NextPrekey++
		a.state.Prekeys = append(a.state.Prekeys, prekeyState{
			ID:      id,
			Private: dup(kp.Private[:]),
			Public:  dup(kp.Public[:]),
		})
		out = append(out, directory.Prekey{ID: id, Key: encodeKey(kp.Public)})
	}
	return out, nil
}

// takePrekey removes a one-time key from the pool. A missing id means the
// key was already consumed, which is how replayed exchange material fails.
func (a *Account) takePrekey(id string) (*ratchet.KeyPair, error) {
	for i, pk := range a.state.Prekeys {
		if pk.ID != id {
			continue
		}
		var kp ratchet.KeyPair
		copy(kp.Private[:], pk.Private)
		copy(kp.Public[:], pk.Public)
		a.state.Prekeys = append(a.state.Prekeys[:i], a.state.Prekeys[i+1:]...)
		return &kp, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrPrekeyConsumed, id)
}

// session pairs a ratchet with the exchange material that must ride along on
// every outbound message until the remote side has established its half.
type session struct {
	r *ratchet.Ratchet

	pendingPrekeyID  string
	pendingIdentity  [32]byte
	pendingEphemeral [32]byte
}

func (s *session) pending() bool {
	return s.pendingPrekeyID != ""
}

func (a *Account) loadSession(tx *store.Tx, with wire.Address) (*session, error) {
	blob, err := tx.Session(a.local, with)
	if err != nil {
		return nil, err
	}
	data, err := a.seal.open(blob)
	if err != nil {
		return nil, err
	}
	var st sessionState
	if err := unmarshalState(data, &st); err != nil {
		return nil, err
	}
	r := ratchet.New(a.rand)
	if err := r.Unmarshal(&st.Ratchet); err != nil {
		return nil, err
	}
	sess := &session{r: r, pendingPrekeyID: st.PendingPrekeyID}
	if sess.pending() {
		copy(sess.pendingIdentity[:], st.PendingIdentityKey)
		copy(sess.pendingEphemeral[:], st.PendingEphemeralKey)
	}
	return sess, nil
}

func (a *Account) saveSession(tx *store.Tx, with wire.Address, sess *session) error {
	st := sessionState{
		Ratchet:         *sess.r.Marshal(time.Now(), ratchet.KeyLifetime),
		PendingPrekeyID: sess.pendingPrekeyID,
	}
	if sess.pending() {
		st.PendingIdentityKey = dup(sess.pendingIdentity[:])
		st.PendingEphemeralKey = dup(sess.pendingEphemeral[:])
	}
	data, err := marshalState(&st)
	if err != nil {
		return err
	}
	blob, err := a.seal.seal(data)
	if err != nil {
		return err
	}
	return tx.SetSession(a.local, with, blob)
}

// outboundSession performs the initiator key agreement against a remote
// device's published identity key and a freshly fetched one-time key.
func (a *Account) outboundSession(ctx context.Context, remote wire.Address) (*session, error) {
	edPub, err := a.dir.DeviceKey(ctx, remote.Identity, remote.Device)
	if err != nil {
		return nil, fmt.Errorf("could not resolve device key for %v: %w", remote, err)
	}
	remoteIK, err := curvePublic(edPub)
	if err != nil {
		return nil, err
	}
	pk, err := a.dir.FetchPrekey(ctx, remote.Identity, remote.Device)
	if err != nil {
		return nil, fmt.Errorf("could not fetch one-time key for %v: %w", remote, err)
	}
	remoteOTK, err := decodeKey(pk.Key)
	if err != nil {
		return nil, err
	}
	ek, err := ratchet.GenerateKeyPair(a.rand)
	if err != nil {
		return nil, err
	}
	shared, err := deriveSharedOutbound(a.identity, ek, remoteIK, remoteOTK)
	if err != nil {
		return nil, err
	}
	r, err := ratchet.NewOutbound(a.rand, shared, remoteOTK)
	if err != nil {
		return nil, err
	}
	return &session{
		r:                r,
		pendingPrekeyID:  pk.ID,
		pendingIdentity:  a.identityPub,
		pendingEphemeral: ek.Public,
	}, nil
}

// inboundSession performs the responder key agreement from the exchange
// material on a prekey slice, consuming the referenced one-time key.
func (a *Account) inboundSession(slice groupSlice) (*session, error) {
	otk, err := a.takePrekey(slice.PrekeyID)
	if err != nil {
		return nil, err
	}
	remoteIK, err := decodeKey(slice.IdentityKey)
	if err != nil {
		return nil, err
	}
	remoteEK, err := decodeKey(slice.EphemeralKey)
	if err != nil {
		return nil, err
	}
	shared, err := deriveSharedInbound(a.identity, otk, remoteIK, remoteEK)
	if err != nil {
		return nil, err
	}
	return &session{r: ratchet.NewInbound(a.rand, shared, *otk)}, nil
}

// Encrypt seals plaintext for a set of remote devices and returns the group
// envelope. Recipients that cannot be resolved or encrypted to are skipped
// with a log line rather than failing the whole send; the local device is
// always skipped. Sessions created or advanced here are only persisted if
// the whole envelope is built.
func (a *Account) Encrypt(ctx context.Context, plaintext []byte, recipients []wire.Address) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []byte
	err := a.store.Tx(func(tx *store.Tx) error {
		sessions := make(map[wire.Address]*session)
		for _, rcpt := range recipients {
			if rcpt == a.local {
				continue
			}
			if _, ok := sessions[rcpt]; ok {
				continue
			}
			sess, err := a.loadSession(tx, rcpt)
			if errors.Is(err, store.ErrNotFound) {
				sess, err = a.outboundSession(ctx, rcpt)
			}
			if err != nil {
				a.log.WithError(err).WithField("recipient", rcpt.String()).
					Info("skipping recipient")
				continue
			}
			sessions[rcpt] = sess
		}
		if len(sessions) == 0 {
			return ErrNoRecipients
		}

		var (
			groupKey [32]byte
			nonce    [24]byte
		)
		if _, err := io.ReadFull(a.rand, groupKey[:]); err != nil {
			return err
		}
		if _, err := io.ReadFull(a.rand, nonce[:]); err != nil {
			return err
		}
		sealed := secretbox.Seal(nil, plaintext, &nonce, &groupKey)

		msg := groupMessage{
			Sender:     a.local.String(),
			Ciphertext: b64.EncodeToString(sealed),
			Nonce:      b64.EncodeToString(nonce[:]),
			Recipients: make(map[string]groupSlice, len(sessions)),
		}
		for rcpt, sess := range sessions {
			ct, err := sess.r.Encrypt(groupKey[:])
			if err != nil {
				a.log.WithError(err).WithField("recipient", rcpt.String()).
					Info("skipping recipient")
				continue
			}
			slice := groupSlice{
				Type:       sliceTypeEstablished,
				Ciphertext: b64.EncodeToString(ct),
			}
			if sess.pending() {
				slice.Type = sliceTypePrekey
				slice.PrekeyID = sess.pendingPrekeyID
				slice.IdentityKey = encodeKey(sess.pendingIdentity)
				slice.EphemeralKey = encodeKey(sess.pendingEphemeral)
			}
			msg.Recipients[rcpt.String()] = slice
			if err := a.saveSession(tx, rcpt, sess); err != nil {
				return err
			}
		}
		if len(msg.Recipients) == 0 {
			return ErrNoRecipients
		}

		var err error
		out, err = msg.marshal()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt opens a group envelope from a remote device. A prekey slice may
// establish a new inbound session, consuming the referenced one-time key;
// the pool is refilled and republished when it runs low. All resulting state
// changes land in one transaction.
func (a *Account) Decrypt(ctx context.Context, ciphertext []byte, sender wire.Address) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg, err := parseGroupMessage(ciphertext)
	if err != nil {
		return nil, err
	}
	slice, ok := msg.Recipients[a.local.String()]
	if !ok {
		return nil, ErrNotRecipient
	}
	sliceCt, err := b64.DecodeString(slice.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed group message: %w", err)
	}

	// In-memory pool changes must not outlive a failed transaction.
	snapshot := a.state.clone()

	var plaintext []byte
	err = a.store.Tx(func(tx *store.Tx) error {
		dirty := false
		fresh := false

		sess, err := a.loadSession(tx, sender)
		if errors.Is(err, store.ErrNotFound) {
			if slice.Type != sliceTypePrekey {
				return ErrNoSession
			}
			sess, err = a.inboundSession(slice)
			if err != nil {
				return err
			}
			fresh, dirty = true, true
		} else if err != nil {
			return err
		}

		groupKey, err := sess.r.Decrypt(sliceCt)
		if err != nil {
			// A prekey slice can target a newer session than the one
			// on disk, when both ends initiated concurrently.
			if fresh || slice.Type != sliceTypePrekey {
				return err
			}
			sess, err = a.inboundSession(slice)
			if err != nil {
				return err
			}
			dirty = true
			groupKey, err = sess.r.Decrypt(sliceCt)
			if err != nil {
				return err
			}
		}
		if len(groupKey) != 32 {
			return ErrGroupDecrypt
		}

		// Receiving proves the remote side holds the session; no need
		// to keep attaching exchange material.
		sess.pendingPrekeyID = ""

		var (
			gk    [32]byte
			nonce [24]byte
		)
		copy(gk[:], groupKey)
		nb, err := b64.DecodeString(msg.Nonce)
		if err != nil || len(nb) != len(nonce) {
			return ErrGroupDecrypt
		}
		copy(nonce[:], nb)
		outer, err := b64.DecodeString(msg.Ciphertext)
		if err != nil {
			return ErrGroupDecrypt
		}
		pt, ok := secretbox.Open(nil, outer, &nonce, &gk)
		if !ok {
			return ErrGroupDecrypt
		}
		plaintext = pt

		if len(a.state.Prekeys) < prekeyRefillAt {
			published, err := a.generatePrekeys(prekeyBatch)
			if err != nil {
				return err
			}
			if err := a.dir.PublishPrekeys(ctx, a.local.Identity, a.local.Device, published); err != nil {
				// Keep the message; drop the unpublished keys and
				// try again on the next refill trigger.
				a.log.WithError(err).Warn("one-time key refill failed")
				a.state.Prekeys = a.state.Prekeys[:len(a.state.Prekeys)-len(published)]
			} else {
				a.log.WithField("count", len(published)).Info("refilled one-time keys")
				dirty = true
			}
		}

		if dirty {
			if err := a.persist(tx); err != nil {
				return err
			}
		}
		return a.saveSession(tx, sender, sess)
	})
	if err != nil {
		a.state = snapshot
		return nil, err
	}
	return plaintext, nil
}

// HasSession reports whether a pairwise session with the remote device
// exists in the store.
func (a *Account) HasSession(with wire.Address) bool {
	err := a.store.View(func(tx *store.Tx) error {
		_, err := tx.Session(a.local, with)
		return err
	})
	return err == nil
}

func (s *accountState) clone() accountState {
	c := *s
	c.Prekeys = append([]prekeyState(nil), s.Prekeys...)
	return c
}

func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
