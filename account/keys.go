// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package account

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/keelproject/keel/ratchet"
)

var (
	ErrBadPublicKey = errors.New("remote public key is not a valid curve point")

	sessionInfo = []byte("keel session root")
)

// curvePrivate derives the curve25519 exchange scalar from an ed25519 seed.
// This is the same scalar ed25519 signs with, so one seed backs both the
// signing identity and the exchange identity.
func curvePrivate(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	var priv [32]byte
	copy(priv[:], h[:32])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	return priv
}

// curvePublic converts an ed25519 public key to its curve25519 form via the
// birational map to Montgomery u-coordinates.
func curvePublic(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, ErrBadPublicKey
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// deriveSharedOutbound computes the initiator's side of the triple exchange
// against the responder's identity key and a fetched one-time key:
//
//	DH(IK_a, OTK_b) || DH(EK_a, IK_b) || DH(EK_a, OTK_b)
//
// run through HKDF to produce the session root key.
func deriveSharedOutbound(ik [32]byte, ek *ratchet.KeyPair, remoteIK, remoteOTK [32]byte) ([32]byte, error) {
	d1, err := dh(ik, remoteOTK)
	if err != nil {
		return [32]byte{}, err
	}
	d2, err := dh(ek.Private, remoteIK)
	if err != nil {
		return [32]byte{}, err
	}
	d3, err := dh(ek.Private, remoteOTK)
	if err != nil {
		return [32]byte{}, err
	}
	return kdfShared(d1, d2, d3), nil
}

// deriveSharedInbound computes the responder's side: the same three exchanges
// with the roles mirrored, using the one-time key the initiator consumed.
func deriveSharedInbound(ik [32]byte, otk *ratchet.KeyPair, remoteIK, remoteEK [32]byte) ([32]byte, error) {
	d1, err := dh(otk.Private, remoteIK)
	if err != nil {
		return [32]byte{}, err
	}
	d2, err := dh(ik, remoteEK)
	if err != nil {
		return [32]byte{}, err
	}
	d3, err := dh(otk.Private, remoteEK)
	if err != nil {
		return [32]byte{}, err
	}
	return kdfShared(d1, d2, d3), nil
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, ErrBadPublicKey
	}
	copy(out[:], s)
	return out, nil
}

func kdfShared(d1, d2, d3 [32]byte) [32]byte {
	secret := make([]byte, 0, 96)
	secret = append(secret, d1[:]...)
	secret = append(secret, d2[:]...)
	secret = append(secret, d3[:]...)
	h := hkdf.New(sha256.New, secret, nil, sessionInfo)
	var root [32]byte
	if _, err := io.ReadFull(h, root[:]); err != nil {
		panic(err) // hkdf cannot fail on a 32 byte read
	}
	zero(secret)
	return root
}
