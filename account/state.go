// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package account

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/davecgh/go-xdr/xdr2"

	"github.com/keelproject/keel/ratchet/disk"
)

// accountState is the serialized account blob: the signing seed and the
// unconsumed one-time key pool.
type accountState struct {
	SigningSeed []byte
	NextPrekey  uint64
	Prekeys     []prekeyState
}

type prekeyState struct {
	ID      string
	Private []byte
	Public  []byte
}

// sessionState is the serialized session blob. The pending fields carry the
// exchange material a new outbound session must keep attaching until the
// remote end has demonstrably established its half.
type sessionState struct {
	Ratchet disk.RatchetState

	PendingPrekeyID     string
	PendingIdentityKey  []byte
	PendingEphemeralKey []byte
}

func marshalState(v interface{}) ([]byte, error) {
	b := &bytes.Buffer{}
	if _, err := xdr.Marshal(b, v); err != nil {
		return nil, fmt.Errorf("could not marshal state: %w", err)
	}
	return b.Bytes(), nil
}

func unmarshalState(b []byte, v interface{}) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(b), v); err != nil {
		return fmt.Errorf("could not unmarshal state: %w", err)
	}
	return nil
}

// Group message slice types.
const (
	sliceTypePrekey      = 0
	sliceTypeEstablished = 1
)

// groupMessage is the JSON envelope carried as message ciphertext: the
// plaintext sealed once under a random group key, plus that group key sealed
// per recipient under the pairwise session.
type groupMessage struct {
	Sender     string                `json:"sender"`
	Ciphertext string                `json:"ciphertext"`
	Nonce      string                `json:"nonce"`
	Recipients map[string]groupSlice `json:"recipients"`
}

type groupSlice struct {
	Type       int    `json:"type"`
	Ciphertext string `json:"ciphertext"`

	// Exchange material, present while the pairwise session is still
	// pending on the remote side.
	PrekeyID     string `json:"prekey_id,omitempty"`
	IdentityKey  string `json:"identity_key,omitempty"`
	EphemeralKey string `json:"ephemeral_key,omitempty"`
}

var b64 = base64.RawStdEncoding

func encodeKey(k [32]byte) string {
	return b64.EncodeToString(k[:])
}

func decodeKey(s string) ([32]byte, error) {
	var out [32]byte
	b, err := b64.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("malformed key material")
	}
	copy(out[:], b)
	return out, nil
}

func (m *groupMessage) marshal() ([]byte, error) {
	return json.Marshal(m)
}

func parseGroupMessage(b []byte) (*groupMessage, error) {
	var m groupMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("malformed group message: %w", err)
	}
	return &m, nil
}
