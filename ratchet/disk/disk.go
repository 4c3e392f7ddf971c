// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package disk

type RatchetState struct {
	RootKey            []byte
	SendChainKey       []byte
	RecvChainKey       []byte
	SendRatchetPrivate []byte
	SendRatchetPublic  []byte
	RecvRatchetPublic  []byte
	SendCount          uint32
	RecvCount          uint32
	PrevSendCount      uint32
	SavedKeys          []RatchetState_SavedKeys
}

type RatchetState_SavedKeys struct {
	RatchetPublic []byte
	MessageKeys   []RatchetState_SavedKeys_MessageKey
}

type RatchetState_SavedKeys_MessageKey struct {
	Num          uint32
	Key          []byte
	CreationTime int64
}
