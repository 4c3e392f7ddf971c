// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Message{
		ID:         "abc",
		Type:       MsgTypeMsg,
		Sender:     "alice:1",
		Recipient:  "bob:2",
		Ciphertext: []byte("sealed"),
		Metadata:   Metadata{Timestamp: 123, Offset: 456},
	}
	frame, err := EncodeEnvelope(Header{ID: in.ID, Type: MsgTypeMsg}, in)
	if err != nil {
		t.Fatal(err)
	}

	buf := &bytes.Buffer{}
	if err := WriteFrame(buf, frame); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(buf)
	if err != nil {
		t.Fatal(err)
	}

	hdr, br, err := DecodeHeader(got)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.ID != "abc" || hdr.Type != MsgTypeMsg {
		t.Fatalf("bad header: %+v", hdr)
	}
	var out Message
	if err := DecodeBody(br, &out); err != nil {
		t.Fatal(err)
	}
	if out.Sender != in.Sender || out.Metadata.Offset != in.Metadata.Offset ||
		!bytes.Equal(out.Ciphertext, in.Ciphertext) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestFrameSizeLimit(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&bytes.Buffer{}, big); err != ErrOverflow {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	if _, err := EncodeEnvelope(Header{ID: "x", Type: MsgTypeMsg},
		Message{Ciphertext: big}); err != ErrOverflow {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("alice:device-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Identity != "alice" || a.Device != "device-1" {
		t.Fatalf("bad parse: %+v", a)
	}
	if a.String() != "alice:device-1" {
		t.Fatalf("bad string: %v", a.String())
	}

	for _, bad := range []string{"", "alice", ":1", "alice:"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Fatalf("%q parsed", bad)
		}
	}
}
