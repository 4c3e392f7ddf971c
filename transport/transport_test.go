// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/jws"
	"github.com/keelproject/keel/store"
	"github.com/keelproject/keel/wire"
)

var testAddr = wire.Address{Identity: "alice", Device: "1"}

// passDecrypter hands the ciphertext through untouched so tests can feed
// signed payloads directly.
type passDecrypter struct{}

func (passDecrypter) Decrypt(_ context.Context, ct []byte, _ wire.Address) ([]byte, error) {
	return ct, nil
}

type fixedKeys struct{ pub ed25519.PublicKey }

func (k fixedKeys) PublicKey(context.Context, string, string) (ed25519.PublicKey, error) {
	return k.pub, nil
}

func newSigner(t *testing.T, identity string) *jws.Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	s, err := jws.NewSigner(identity, "1", seed)
	require.NoError(t, err)
	return s
}

// relay is the scripted far end of the connection.
type relay struct {
	t    *testing.T
	conn net.Conn
}

func (r *relay) readEnvelope() (wire.Header, []byte) {
	r.t.Helper()
	frame, err := wire.ReadFrame(r.conn)
	require.NoError(r.t, err)
	hdr, _, err := wire.DecodeHeader(frame)
	require.NoError(r.t, err)
	return hdr, frame
}

func (r *relay) write(hdr wire.Header, body interface{}) {
	r.t.Helper()
	frame, err := wire.EncodeEnvelope(hdr, body)
	require.NoError(r.t, err)
	require.NoError(r.t, wire.WriteFrame(r.conn, frame))
}

func (r *relay) ack(id string) {
	r.write(wire.Header{ID: id, Type: wire.MsgTypeAck}, wire.Ack{ID: id})
}

// acceptAuth reads the AUTH envelope and acknowledges it.
func (r *relay) acceptAuth() wire.Auth {
	r.t.Helper()
	frame, err := wire.ReadFrame(r.conn)
	require.NoError(r.t, err)
	hdr, br, err := wire.DecodeHeader(frame)
	require.NoError(r.t, err)
	require.Equal(r.t, wire.MsgTypeAuth, hdr.Type)
	var auth wire.Auth
	require.NoError(r.t, wire.DecodeBody(br, &auth))
	require.NotEmpty(r.t, auth.Token)
	r.ack(auth.ID)
	return auth
}

func (r *relay) pushMessage(sender wire.Address, inner []byte, offset uint64) {
	id := uuid.NewString()
	r.write(wire.Header{ID: id, Type: wire.MsgTypeMsg}, wire.Message{
		ID:         id,
		Type:       wire.MsgTypeMsg,
		Sender:     sender.String(),
		Recipient:  testAddr.String(),
		Ciphertext: inner,
		Metadata:   wire.Metadata{Offset: offset},
	})
}

// startTransport connects a transport against a scripted relay over a pipe.
func startTransport(t *testing.T, sender *jws.Signer) (*Transport, *relay, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	conns := make(chan net.Conn, 4)
	client, server := net.Pipe()
	conns <- client
	r := &relay{t: t, conn: server}
	go r.acceptAuth()

	tr, err := Connect(context.Background(), Config{
		Address: testAddr,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return <-conns, nil
		},
		Signer:         newSigner(t, "alice"),
		Store:          st,
		Decrypter:      passDecrypter{},
		Keys:           fixedKeys{pub: sender.PublicKey()},
		RequestTimeout: 250 * time.Millisecond,
		ReconnectWait:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	require.Equal(t, StateReady, tr.State())
	return tr, r, st
}

func signedPayload(t *testing.T, signer *jws.Signer, typ, cid string) []byte {
	t.Helper()
	raw, err := signer.SignJSON(map[string]string{"typ": typ, "cid": cid})
	require.NoError(t, err)
	return raw
}

func TestSendAcknowledged(t *testing.T) {
	bob := newSigner(t, "bob")
	tr, r, _ := startTransport(t, bob)

	go func() {
		hdr, _ := r.readEnvelope()
		r.ack(hdr.ID)
	}()

	id := uuid.NewString()
	frame, err := wire.EncodeEnvelope(
		wire.Header{ID: id, Type: wire.MsgTypeMsg},
		wire.Message{ID: id, Type: wire.MsgTypeMsg})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), id, frame))
}

func TestSendRejected(t *testing.T) {
	bob := newSigner(t, "bob")
	tr, r, _ := startTransport(t, bob)

	go func() {
		hdr, _ := r.readEnvelope()
		r.write(wire.Header{ID: hdr.ID, Type: wire.MsgTypeErr},
			wire.Notification{ID: hdr.ID, Error: "not permitted"})
	}()

	id := uuid.NewString()
	frame, err := wire.EncodeEnvelope(
		wire.Header{ID: id, Type: wire.MsgTypeMsg},
		wire.Message{ID: id, Type: wire.MsgTypeMsg})
	require.NoError(t, err)
	err = tr.Send(context.Background(), id, frame)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "not permitted")
}

func TestRequestTimesOutDistinctly(t *testing.T) {
	bob := newSigner(t, "bob")
	tr, r, _ := startTransport(t, bob)

	// The relay swallows the envelope: no ack, no error.
	go r.readEnvelope()

	id := uuid.NewString()
	frame, err := wire.EncodeEnvelope(
		wire.Header{ID: id, Type: wire.MsgTypeMsg},
		wire.Message{ID: id, Type: wire.MsgTypeMsg})
	require.NoError(t, err)

	err = tr.Send(context.Background(), id, frame)
	require.ErrorIs(t, err, ErrTimeout)
	require.NotErrorIs(t, err, ErrRejected)

	// A late ack for the abandoned id must be a harmless no-op.
	r.ack(id)
	go func() {
		hdr, _ := r.readEnvelope()
		r.ack(hdr.ID)
	}()
	id2 := uuid.NewString()
	frame2, err := wire.EncodeEnvelope(
		wire.Header{ID: id2, Type: wire.MsgTypeMsg},
		wire.Message{ID: id2, Type: wire.MsgTypeMsg})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), id2, frame2))
}

func TestResponseCorrelation(t *testing.T) {
	bob := newSigner(t, "bob")
	tr, r, st := startTransport(t, bob)

	cid := uuid.NewString()
	inner := signedPayload(t, bob, "test.response", cid)
	go r.pushMessage(wire.Address{Identity: "bob", Device: "1"}, inner, 42)

	in, err := tr.AwaitResponse(context.Background(), cid, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, "test.response", in.Type)
	require.Equal(t, wire.Address{Identity: "bob", Device: "1"}, in.Sender)

	// The durable offset advanced with the verified message.
	off, err := st.Offset(testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(42), off)
}

func TestSubscriberDispatch(t *testing.T) {
	bob := newSigner(t, "bob")
	tr, r, _ := startTransport(t, bob)

	got := make(chan *Inbound, 1)
	tr.Subscribe("test.event", func(in *Inbound) { got <- in })

	inner := signedPayload(t, bob, "test.event", "")
	r.pushMessage(wire.Address{Identity: "bob", Device: "1"}, inner, 1)

	select {
	case in := <-got:
		require.Equal(t, "test.event", in.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber never fired")
	}
}

func TestBadSignatureDropped(t *testing.T) {
	bob := newSigner(t, "bob")
	mallory := newSigner(t, "mallory")
	tr, r, st := startTransport(t, bob)

	got := make(chan *Inbound, 1)
	tr.Subscribe("test.event", func(in *Inbound) { got <- in })

	// Signed by a key the resolver does not vouch for.
	inner := signedPayload(t, mallory, "test.event", "")
	r.pushMessage(wire.Address{Identity: "mallory", Device: "1"}, inner, 9)

	select {
	case <-got:
		t.Fatal("unverified message dispatched")
	case <-time.After(200 * time.Millisecond):
	}

	// Unverified traffic must not advance the offset.
	off, err := st.Offset(testAddr)
	require.NoError(t, err)
	require.Zero(t, off)
}

func TestReconnect(t *testing.T) {
	bob := newSigner(t, "bob")

	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SetOffset(testAddr, 7))

	conns := make(chan net.Conn, 2)
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	conns <- client1
	conns <- client2

	r1 := &relay{t: t, conn: server1}
	go r1.acceptAuth()

	tr, err := Connect(context.Background(), Config{
		Address: testAddr,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return <-conns, nil
		},
		Signer:         newSigner(t, "alice"),
		Store:          st,
		Decrypter:      passDecrypter{},
		Keys:           fixedKeys{pub: bob.PublicKey()},
		RequestTimeout: 250 * time.Millisecond,
		ReconnectWait:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	// Kill the first connection; the reauth must present the durable
	// offset again.
	authed := make(chan wire.Auth, 1)
	r2 := &relay{t: t, conn: server2}
	go func() { authed <- r2.acceptAuth() }()
	server1.Close()

	select {
	case auth := <-authed:
		require.Equal(t, uint64(7), auth.Offset)
	case <-time.After(2 * time.Second):
		t.Fatal("transport never reconnected")
	}
	require.Eventually(t, func() bool { return tr.State() == StateReady },
		time.Second, 10*time.Millisecond)
}
