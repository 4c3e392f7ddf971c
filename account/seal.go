// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package account

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters for blob sealing keys.
var (
	sealN = 16384
	sealR = 8
	sealP = 1
)

var ErrUnseal = errors.New("could not decrypt blob")

const sealOverhead = 32 + 24 + secretbox.Overhead

// sealer encrypts account and session blobs at rest under a passphrase.
// Each blob gets its own random salt and nonce, packed in front of the
// ciphertext.
type sealer struct {
	passphrase []byte
}

func newSealer(passphrase string) *sealer {
	return &sealer{passphrase: []byte(passphrase)}
}

func (s *sealer) deriveKey(salt *[32]byte) (*[32]byte, error) {
	var key [32]byte
	dk, err := scrypt.Key(s.passphrase, salt[:], sealN, sealR, sealP, len(key))
	if err != nil {
		return nil, err
	}
	copy(key[:], dk)
	zero(dk)
	return &key, nil
}

func (s *sealer) seal(data []byte) ([]byte, error) {
	var (
		salt  [32]byte
		nonce [24]byte
	)
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	key, err := s.deriveKey(&salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	sealed := secretbox.Seal(nil, data, &nonce, key)

	// pack all the things
	packed := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	packed = append(packed, salt[:]...)
	packed = append(packed, nonce[:]...)
	packed = append(packed, sealed...)
	return packed, nil
}

func (s *sealer) open(packed []byte) ([]byte, error) {
	if len(packed) < sealOverhead {
		return nil, fmt.Errorf("%w: truncated", ErrUnseal)
	}
	var (
		salt  [32]byte
		nonce [24]byte
	)
	copy(salt[:], packed[0:32])
	copy(nonce[:], packed[32:32+24])

	key, err := s.deriveKey(&salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	data, ok := secretbox.Open(nil, packed[32+24:], &nonce, key)
	if !ok {
		return nil, ErrUnseal
	}
	return data, nil
}

// zero out a byte slice.
func zero(in []byte) {
	for i := range in {
		in[i] = 0
	}
}
