// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// wire contains all structures exchanged with the relay network.
//
// Every frame on the connection is a single XDR variable-length opaque,
// which gives us length-prefixed framing for free. The opaque decodes to a
// Header followed by a type-specific body. The Header carries the envelope
// id, originated by the sender; the relay and the remote party echo it back
// unmodified in acknowledgements and error notifications, so the id is the
// correlation handle for all asynchronous traffic.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// MsgType discriminates the envelope body that follows a Header.
type MsgType int32

const (
	MsgTypeAuth MsgType = iota
	MsgTypeMsg
	MsgTypeAck
	MsgTypeErr
	MsgTypeACL
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeAuth:
		return "AUTH"
	case MsgTypeMsg:
		return "MSG"
	case MsgTypeAck:
		return "ACK"
	case MsgTypeErr:
		return "ERR"
	case MsgTypeACL:
		return "ACL"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// ACLCommand selects the access-control operation carried by an ACL
// envelope.
type ACLCommand int32

const (
	ACLCommandList ACLCommand = iota
	ACLCommandPermit
	ACLCommandRevoke
)

// Header precedes every envelope body.
type Header struct {
	ID   string
	Type MsgType
}

// Metadata is relay-assigned message metadata. Offset is the durable
// position of the message in the recipient's stream; it is what a client
// presents on reconnect to resume where it left off.
type Metadata struct {
	Timestamp int64
	Offset    uint64
}

// Message carries one end-to-end encrypted payload between two devices.
// Sender and Recipient are identity:device addresses. Ciphertext is the
// group-encrypted payload produced by the account package; the relay never
// sees plaintext.
type Message struct {
	ID         string
	Type       MsgType
	Sender     string
	Recipient  string
	Ciphertext []byte
	Metadata   Metadata
}

// Auth is the first envelope written after connecting. Token is a signed,
// time-boxed bearer token and Offset the last durably processed stream
// position. The relay answers with an ACK on success or an ERR
// notification on failure.
type Auth struct {
	ID     string
	Type   MsgType
	Device string
	Token  string
	Offset uint64
}

// Ack acknowledges receipt of the envelope with the same id.
type Ack struct {
	ID string
}

// Notification reports an envelope-level failure. ID names the envelope
// that failed.
type Notification struct {
	ID    string
	Error string
}

// ACL manages which identities may deliver to us. Payload carries a signed
// JWS for PERMIT and REVOKE, and is empty for LIST; the relay answers LIST
// with an ACL envelope whose payload is a JSON array of sources.
type ACL struct {
	ID      string
	Type    MsgType
	Command ACLCommand
	Payload []byte
}

// Address is a parsed identity:device pair.
type Address struct {
	Identity string
	Device   string
}

var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress splits an identity:device string.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{Identity: s[:i], Device: s[i+1:]}, nil
}

func (a Address) String() string {
	return a.Identity + ":" + a.Device
}
