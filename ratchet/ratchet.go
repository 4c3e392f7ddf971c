// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// ratchet implements the pairwise double-ratchet session cipher: a DH
// ratchet on curve25519 feeding an HKDF root chain, HMAC-SHA256 message
// chains, and secretbox sealing with single-use message keys. A bounded
// cache of skipped message keys tolerates out-of-order delivery.
//
// A session is created in one of two roles. The initiator derives a shared
// root key out of band (see the account package) and calls NewOutbound with
// the responder's ratchet public key; the responder calls NewInbound with
// the matching key pair and can send as soon as the first message has been
// decrypted.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/keelproject/keel/ratchet/disk"
)

const (
	// maxSkip bounds how many message keys one chain advance may save
	// for out-of-order delivery.
	maxSkip = 256

	// KeyLifetime is how long saved message keys survive on disk.
	KeyLifetime = 14 * 24 * time.Hour
)

var (
	ErrDecrypt        = errors.New("decrypt failure")
	ErrNotEstablished = errors.New("session cannot send before first receive")
	ErrSkipExceeded   = errors.New("too many skipped messages")
	ErrCorrupt        = errors.New("corrupt ratchet state")

	rootInfo = []byte("keel ratchet root")
)

// KeyPair is a curve25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh curve25519 key pair.
func GenerateKeyPair(rnd io.Reader) (*KeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	var kp KeyPair
	if _, err := io.ReadFull(rnd, kp.Private[:]); err != nil {
		return nil, err
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return &kp, nil
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], s)
	return out, nil
}

// kdfRoot advances the root chain with a DH output, yielding the new root
// key and a fresh chain key.
func kdfRoot(root, dhOut [32]byte) (newRoot, chain [32]byte) {
	h := hkdf.New(sha256.New, dhOut[:], root[:], rootInfo)
	var buf [64]byte
	if _, err := io.ReadFull(h, buf[:]); err != nil {
		panic(err) // hkdf cannot fail on a 64 byte read
	}
	copy(newRoot[:], buf[:32])
	copy(chain[:], buf[32:])
	return
}

// kdfChain derives the next message key and advances the chain key.
func kdfChain(chain *[32]byte) (mk [32]byte) {
	m := hmac.New(sha256.New, chain[:])
	m.Write([]byte{1})
	copy(mk[:], m.Sum(nil))
	m.Reset()
	m.Write([]byte{2})
	copy(chain[:], m.Sum(nil))
	return
}

type messageHeader struct {
	Dh        [32]byte
	Count     uint32
	PrevCount uint32
}

type message struct {
	Header     messageHeader
	Ciphertext []byte
}

type savedKey struct {
	key     [32]byte
	created time.Time
}

// Ratchet holds one pairwise session's cipher state.
type Ratchet struct {
	// Now is solely used in tests to override time.
	Now func() time.Time

	rand io.Reader

	rootKey       [32]byte
	sendRatchet   KeyPair
	recvRatchet   [32]byte
	haveRecv      bool
	sendChain     [32]byte
	haveSendChain bool
	recvChain     [32]byte
	haveRecvChain bool
	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	// saved message keys for out-of-order delivery, indexed by ratchet
	// public key then message number.
	saved map[[32]byte]map[uint32]savedKey
}

// New returns an empty ratchet. Callers normally want NewOutbound or
// NewInbound; New exists so that persisted state can be loaded into it.
func New(rnd io.Reader) *Ratchet {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Ratchet{
		Now:   time.Now,
		rand:  rnd,
		saved: make(map[[32]byte]map[uint32]savedKey),
	}
}

// NewOutbound creates the initiator half of a session from a shared root
// key and the responder's ratchet public key.
func NewOutbound(rnd io.Reader, rootKey, remoteDH [32]byte) (*Ratchet, error) {
	r := New(rnd)
	kp, err := GenerateKeyPair(r.rand)
	if err != nil {
		return nil, err
	}
	d, err := dh(kp.Private, remoteDH)
	if err != nil {
		return nil, fmt.Errorf("invalid remote ratchet key: %w", err)
	}
	r.sendRatchet = *kp
	r.recvRatchet = remoteDH
	r.haveRecv = true
	r.rootKey, r.sendChain = kdfRoot(rootKey, d)
	r.haveSendChain = true
	return r, nil
}

// NewInbound creates the responder half of a session from a shared root key
// and the local key pair the initiator ratcheted against.
func NewInbound(rnd io.Reader, rootKey [32]byte, ourDH KeyPair) *Ratchet {
	r := New(rnd)
	r.rootKey = rootKey
	r.sendRatchet = ourDH
	return r
}

// CanSend reports whether the session has a send chain yet. A responder
// session gains one with its first successful Decrypt.
func (r *Ratchet) CanSend() bool {
	return r.haveSendChain
}

func seal(mk [32]byte, plaintext []byte) []byte {
	// Message keys are single-use, so a fixed nonce is safe.
	var nonce [24]byte
	return secretbox.Seal(nil, plaintext, &nonce, &mk)
}

func open(mk [32]byte, ciphertext []byte) ([]byte, bool) {
	var nonce [24]byte
	return secretbox.Open(nil, ciphertext, &nonce, &mk)
}

// Encrypt seals plaintext under the next send-chain message key and
// returns the wire form of the message.
func (r *Ratchet) Encrypt(plaintext []byte) ([]byte, error) {
	if !r.haveSendChain {
		return nil, ErrNotEstablished
	}
	mk := kdfChain(&r.sendChain)
	m := message{
		Header: messageHeader{
			Dh:        r.sendRatchet.Public,
			Count:     r.sendCount,
			PrevCount: r.prevSendCount,
		},
		Ciphertext: seal(mk, plaintext),
	}
	r.sendCount++

	b := &bytes.Buffer{}
	if _, err := xdr.Marshal(b, m); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decrypt opens a wire message, performing DH ratchet steps and skipped-key
// bookkeeping as needed. State only advances if authentication succeeds.
func (r *Ratchet) Decrypt(b []byte) ([]byte, error) {
	var m message
	if _, err := xdr.Unmarshal(bytes.NewReader(b), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	// Out-of-order message from an older chain.
	if chain, ok := r.saved[m.Header.Dh]; ok {
		if sk, ok := chain[m.Header.Count]; ok {
			plaintext, ok := open(sk.key, m.Ciphertext)
			if !ok {
				return nil, ErrDecrypt
			}
			delete(chain, m.Header.Count)
			if len(chain) == 0 {
				delete(r.saved, m.Header.Dh)
			}
			return plaintext, nil
		}
	}

	// Stage every state change and commit only after the box opens, so a
	// forged message cannot desynchronize the session.
	st := *r
	skipped := make(map[[32]byte]map[uint32]savedKey)

	skip := func(pub [32]byte, chain *[32]byte, from *uint32, to uint32) error {
		if to < *from {
			return ErrDecrypt
		}
		if to-*from > maxSkip {
			return ErrSkipExceeded
		}
		for *from < to {
			mk := kdfChain(chain)
			if skipped[pub] == nil {
				skipped[pub] = make(map[uint32]savedKey)
			}
			skipped[pub][*from] = savedKey{key: mk, created: r.Now()}
			*from++
		}
		return nil
	}

	if !st.haveRecv || m.Header.Dh != st.recvRatchet {
		// New remote ratchet key: finish out the old receive chain,
		// then step the DH ratchet twice (receive, then send).
		if st.haveRecvChain {
			if err := skip(st.recvRatchet, &st.recvChain, &st.recvCount, m.Header.PrevCount); err != nil {
				return nil, err
			}
		}
		d, err := dh(st.sendRatchet.Private, m.Header.Dh)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		st.rootKey, st.recvChain = kdfRoot(st.rootKey, d)
		st.haveRecvChain = true
		st.recvRatchet = m.Header.Dh
		st.haveRecv = true
		st.recvCount = 0

		kp, err := GenerateKeyPair(r.rand)
		if err != nil {
			return nil, err
		}
		d, err = dh(kp.Private, st.recvRatchet)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		st.prevSendCount = st.sendCount
		st.sendCount = 0
		st.sendRatchet = *kp
		st.rootKey, st.sendChain = kdfRoot(st.rootKey, d)
		st.haveSendChain = true
	}

	if err := skip(st.recvRatchet, &st.recvChain, &st.recvCount, m.Header.Count); err != nil {
		return nil, err
	}
	mk := kdfChain(&st.recvChain)
	st.recvCount = m.Header.Count + 1

	plaintext, ok := open(mk, m.Ciphertext)
	if !ok {
		return nil, ErrDecrypt
	}

	// Commit.
	*r = st
	for pub, keys := range skipped {
		if r.saved[pub] == nil {
			r.saved[pub] = make(map[uint32]savedKey)
		}
		for n, sk := range keys {
			r.saved[pub][n] = sk
		}
	}
	return plaintext, nil
}

// Marshal serializes the ratchet for storage, dropping saved message keys
// older than lifetime.
func (r *Ratchet) Marshal(now time.Time, lifetime time.Duration) *disk.RatchetState {
	s := &disk.RatchetState{
		RootKey:            dup(r.rootKey[:]),
		SendRatchetPrivate: dup(r.sendRatchet.Private[:]),
		SendRatchetPublic:  dup(r.sendRatchet.Public[:]),
		SendCount:          r.sendCount,
		RecvCount:          r.recvCount,
		PrevSendCount:      r.prevSendCount,
	}
	if r.haveSendChain {
		s.SendChainKey = dup(r.sendChain[:])
	}
	if r.haveRecvChain {
		s.RecvChainKey = dup(r.recvChain[:])
	}
	if r.haveRecv {
		s.RecvRatchetPublic = dup(r.recvRatchet[:])
	}
	for pub, keys := range r.saved {
		sk := disk.RatchetState_SavedKeys{RatchetPublic: dup(pub[:])}
		for num, k := range keys {
			if now.Sub(k.created) > lifetime {
				continue
			}
			sk.MessageKeys = append(sk.MessageKeys, disk.RatchetState_SavedKeys_MessageKey{
				Num:          num,
				Key:          dup(k.key[:]),
				CreationTime: k.created.Unix(),
			})
		}
		if len(sk.MessageKeys) > 0 {
			s.SavedKeys = append(s.SavedKeys, sk)
		}
	}
	return s
}

// Unmarshal restores a ratchet from storage.
func (r *Ratchet) Unmarshal(s *disk.RatchetState) error {
	if err := copy32(&r.rootKey, s.RootKey); err != nil {
		return err
	}
	if err := copy32(&r.sendRatchet.Private, s.SendRatchetPrivate); err != nil {
		return err
	}
	if err := copy32(&r.sendRatchet.Public, s.SendRatchetPublic); err != nil {
		return err
	}
	if s.SendChainKey != nil {
		if err := copy32(&r.sendChain, s.SendChainKey); err != nil {
			return err
		}
		r.haveSendChain = true
	}
	if s.RecvChainKey != nil {
		if err := copy32(&r.recvChain, s.RecvChainKey); err != nil {
			return err
		}
		r.haveRecvChain = true
	}
	if s.RecvRatchetPublic != nil {
		if err := copy32(&r.recvRatchet, s.RecvRatchetPublic); err != nil {
			return err
		}
		r.haveRecv = true
	}
	r.sendCount = s.SendCount
	r.recvCount = s.RecvCount
	r.prevSendCount = s.PrevSendCount

	r.saved = make(map[[32]byte]map[uint32]savedKey)
	for _, sk := range s.SavedKeys {
		var pub [32]byte
		if err := copy32(&pub, sk.RatchetPublic); err != nil {
			return err
		}
		keys := make(map[uint32]savedKey, len(sk.MessageKeys))
		for _, mk := range sk.MessageKeys {
			var key [32]byte
			if err := copy32(&key, mk.Key); err != nil {
				return err
			}
			keys[mk.Num] = savedKey{
				key:     key,
				created: time.Unix(mk.CreationTime, 0),
			}
		}
		r.saved[pub] = keys
	}
	return nil
}

func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func copy32(dst *[32]byte, src []byte) error {
	if len(src) != 32 {
		return ErrCorrupt
	}
	copy(dst[:], src)
	return nil
}
