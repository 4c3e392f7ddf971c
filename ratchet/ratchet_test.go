// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
	"time"
)

func nowFunc() time.Time {
	var t time.Time
	return t
}

// pairedRatchet establishes a session the way the account package does: a
// shared root key derived out of band plus the responder's one-time key.
func pairedRatchet(t *testing.T) (a, b *Ratchet) {
	t.Helper()

	var root [32]byte
	if _, err := io.ReadFull(rand.Reader, root[:]); err != nil {
		t.Fatal(err)
	}
	otk, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	a, err = NewOutbound(rand.Reader, root, otk.Public)
	if err != nil {
		t.Fatal(err)
	}
	a.Now = nowFunc
	b = NewInbound(rand.Reader, root, *otk)
	b.Now = nowFunc
	return a, b
}

func sendAndReceive(t *testing.T, from, to *Ratchet, msg []byte) {
	t.Helper()
	c, err := from.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	p, err := to.Decrypt(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, p) {
		t.Fatalf("plaintext mismatch: got %x want %x", p, msg)
	}
}

func TestExchange(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("test message")
	sendAndReceive(t, a, b, msg)

	// The responder can only send after its first receive.
	for i := 0; i < 10; i++ {
		sendAndReceive(t, b, a, msg)
		sendAndReceive(t, a, b, msg)
	}
}

func TestCannotSendBeforeReceive(t *testing.T) {
	_, b := pairedRatchet(t)
	if b.CanSend() {
		t.Fatal("responder claims it can send before first receive")
	}
	if _, err := b.Encrypt([]byte("too early")); err != ErrNotEstablished {
		t.Fatalf("got %v, want ErrNotEstablished", err)
	}
}

func TestOutOfOrder(t *testing.T) {
	a, b := pairedRatchet(t)
	sendAndReceive(t, a, b, []byte("establish"))
	sendAndReceive(t, b, a, []byte("establish"))

	msgs := [][]byte{
		[]byte("one"), []byte("two"), []byte("three"),
		[]byte("four"), []byte("five"),
	}
	cts := make([][]byte, len(msgs))
	for i, m := range msgs {
		c, err := a.Encrypt(m)
		if err != nil {
			t.Fatal(err)
		}
		cts[i] = c
	}

	for _, i := range []int{4, 1, 3, 0, 2} {
		p, err := b.Decrypt(cts[i])
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !bytes.Equal(p, msgs[i]) {
			t.Fatalf("message %d: got %q want %q", i, p, msgs[i])
		}
	}

	// A saved key is single use.
	if _, err := b.Decrypt(cts[2]); err == nil {
		t.Fatal("replayed ciphertext decrypted")
	}
}

func TestCorruptMessageDoesNotDesync(t *testing.T) {
	a, b := pairedRatchet(t)
	sendAndReceive(t, a, b, []byte("establish"))

	c, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	forged := append([]byte(nil), c...)
	forged[len(forged)-1] ^= 0x40
	if _, err := b.Decrypt(forged); err == nil {
		t.Fatal("forged ciphertext decrypted")
	}

	// The original message must still open after the failed attempt.
	p, err := b.Decrypt(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte("payload")) {
		t.Fatalf("got %q", p)
	}
}

func TestDiskRoundTrip(t *testing.T) {
	a, b := pairedRatchet(t)
	sendAndReceive(t, a, b, []byte("establish"))
	sendAndReceive(t, b, a, []byte("establish"))

	// Leave one message in flight so a saved skipped key must survive the
	// round trip too.
	skipped, err := a.Encrypt([]byte("skipped"))
	if err != nil {
		t.Fatal(err)
	}
	later, err := a.Encrypt([]byte("later"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(later); err != nil {
		t.Fatal(err)
	}

	restore := func(r *Ratchet) *Ratchet {
		state := r.Marshal(nowFunc(), time.Hour)
		fresh := New(rand.Reader)
		fresh.Now = nowFunc
		if err := fresh.Unmarshal(state); err != nil {
			t.Fatal(err)
		}
		return fresh
	}
	a2, b2 := restore(a), restore(b)

	p, err := b2.Decrypt(skipped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte("skipped")) {
		t.Fatalf("got %q", p)
	}

	for i := 0; i < 5; i++ {
		sendAndReceive(t, a2, b2, []byte("after restore"))
		sendAndReceive(t, b2, a2, []byte("after restore"))
	}
}

func TestSavedKeyAging(t *testing.T) {
	a, b := pairedRatchet(t)
	sendAndReceive(t, a, b, []byte("establish"))

	if _, err := a.Encrypt([]byte("never delivered")); err != nil {
		t.Fatal(err)
	}
	c, err := a.Encrypt([]byte("delivered"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(c); err != nil {
		t.Fatal(err)
	}

	// Marshalling far in the future must drop the aged saved key.
	state := b.Marshal(nowFunc().Add(KeyLifetime+time.Hour), KeyLifetime)
	if len(state.SavedKeys) != 0 {
		t.Fatalf("expected aged keys to be dropped, got %d", len(state.SavedKeys))
	}
}
