// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// transport maintains the single relay connection: connect, authenticate,
// demultiplex inbound envelopes, correlate acknowledgements and responses
// with pending requests, and reconnect on unexpected close. Many callers
// may send through one Transport concurrently.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keelproject/keel/jws"
	"github.com/keelproject/keel/store"
	"github.com/keelproject/keel/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

var (
	// ErrTimeout is the distinct outcome of a request that received
	// neither acknowledgement nor response before its deadline. It is not
	// a rejection.
	ErrTimeout = errors.New("request timed out")

	ErrRejected     = errors.New("request rejected")
	ErrNotConnected = errors.New("transport is not ready")
	ErrClosed       = errors.New("transport is closed")
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultReconnectWait  = time.Second
	maxReconnectWait      = 30 * time.Second
	tokenValidity         = time.Minute
)

// Dialer opens the duplex relay connection.
type Dialer func(ctx context.Context) (net.Conn, error)

// Decrypter opens group envelopes addressed to the local device.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte, sender wire.Address) ([]byte, error)
}

// KeyResolver maps a sender's key id to its current public key.
type KeyResolver interface {
	PublicKey(ctx context.Context, identity, kid string) (ed25519.PublicKey, error)
}

// Inbound is one verified application message handed to a pending request
// or a subscriber.
type Inbound struct {
	Sender  wire.Address
	Type    string
	CID     string
	Content []byte
	Offset  uint64
}

// Subscriber receives inbound messages for one payload type.
type Subscriber func(*Inbound)

// Config carries everything Connect needs.
type Config struct {
	Address   wire.Address
	RelayAddr string
	Dial      Dialer
	Signer    *jws.Signer
	Store     *store.Store
	Decrypter Decrypter
	Keys      KeyResolver
	Log       *logrus.Logger

	RequestTimeout time.Duration
	ReconnectWait  time.Duration
}

type result struct {
	in  *Inbound
	err error
}

// pendingReq is one in-flight request. Acknowledge-only requests resolve on
// ACK; request-response ones record the ACK and keep waiting for the
// correlated response.
type pendingReq struct {
	id           string
	cid          string
	wantResponse bool
	acked        bool
	done         chan result
}

// Transport is one relay connection shared by all application services.
type Transport struct {
	cfg   Config
	log   *logrus.Entry
	state atomic.Int32

	wmu  sync.Mutex
	conn net.Conn

	pmu   sync.Mutex
	byID  map[string]*pendingReq
	byCID map[string]*pendingReq

	smu  sync.Mutex
	subs map[string]Subscriber

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials and authenticates, returning a ready transport. Later
// unexpected closes trigger automatic reconnection; Close is the only way to
// reach the terminal state.
func Connect(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Signer == nil || cfg.Store == nil || cfg.Decrypter == nil || cfg.Keys == nil {
		return nil, errors.New("transport: incomplete configuration")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	if cfg.Dial == nil {
		addr := cfg.RelayAddr
		cfg.Dial = func(ctx context.Context) (net.Conn, error) {
			d := tls.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	t := &Transport{
		cfg:   cfg,
		log:   log.WithField("component", "transport"),
		byID:  make(map[string]*pendingReq),
		byCID: make(map[string]*pendingReq),
		subs:  make(map[string]Subscriber),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	go t.run()
	return t, nil
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
	t.log.WithField("state", s.String()).Debug("state change")
}

// Close tears the connection down and moves to the terminal state.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.setState(StateClosed)
		t.wmu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.wmu.Unlock()
	})
}

// connect runs the full connect→authenticate sequence once.
func (t *Transport) connect(ctx context.Context) error {
	t.setState(StateConnecting)
	conn, err := t.cfg.Dial(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("could not dial relay: %w", err)
	}

	t.setState(StateAuthenticating)
	t.wmu.Lock()
	t.conn = conn
	t.wmu.Unlock()
	go t.readLoop(conn)

	if err := t.authenticate(ctx, conn); err != nil {
		conn.Close()
		t.setState(StateDisconnected)
		return err
	}
	t.setState(StateReady)
	t.log.Info("connected")
	return nil
}

// authenticate sends the AUTH envelope with a fresh bearer token and the
// last durable offset, then waits for the relay's acknowledgement through
// the generic pending-request machinery.
func (t *Transport) authenticate(ctx context.Context, conn net.Conn) error {
	token, err := t.cfg.Signer.AuthToken(tokenValidity)
	if err != nil {
		return fmt.Errorf("could not mint auth token: %w", err)
	}
	offset, err := t.cfg.Store.Offset(t.cfg.Address)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	frame, err := wire.EncodeEnvelope(
		wire.Header{ID: id, Type: wire.MsgTypeAuth},
		wire.Auth{
			ID:     id,
			Type:   wire.MsgTypeAuth,
			Device: t.cfg.Address.Device,
			Token:  token,
			Offset: offset,
		})
	if err != nil {
		return err
	}

	p := t.register(id, "", false)
	defer t.unregister(p)

	t.wmu.Lock()
	err = wire.WriteFrame(conn, frame)
	t.wmu.Unlock()
	if err != nil {
		return err
	}

	select {
	case r := <-p.done:
		if r.err != nil {
			return fmt.Errorf("authentication failed: %w", r.err)
		}
		return nil
	case <-time.After(t.cfg.RequestTimeout):
		return fmt.Errorf("authentication: %w", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}
}

// run reconnects with capped exponential backoff whenever the reader signals
// an unexpected close.
func (t *Transport) run() {
	for {
		select {
		case <-t.done:
			return
		case <-t.kick:
		}

		wait := t.cfg.ReconnectWait
		for {
			select {
			case <-t.done:
				return
			case <-time.After(wait):
			}
			err := t.connect(context.Background())
			if err == nil {
				break
			}
			t.log.WithError(err).Warn("reconnect failed")
			wait *= 2
			if wait > maxReconnectWait {
				wait = maxReconnectWait
			}
		}
	}
}

func (t *Transport) disconnected(conn net.Conn, err error) {
	conn.Close()
	select {
	case <-t.done:
		return
	default:
	}
	t.log.WithError(err).Warn("connection lost")
	t.setState(StateDisconnected)
	select {
	case t.kick <- struct{}{}:
	default:
	}
	// Pending requests are left to their deadlines; anything in flight on
	// the old connection must be considered undelivered.
}

func (t *Transport) register(id, cid string, wantResponse bool) *pendingReq {
	p := &pendingReq{
		id:           id,
		cid:          cid,
		wantResponse: wantResponse,
		done:         make(chan result, 1),
	}
	t.pmu.Lock()
	t.byID[id] = p
	if cid != "" {
		t.byCID[cid] = p
	}
	t.pmu.Unlock()
	return p
}

func (t *Transport) unregister(p *pendingReq) {
	t.pmu.Lock()
	delete(t.byID, p.id)
	if p.cid != "" {
		delete(t.byCID, p.cid)
	}
	t.pmu.Unlock()
}

func (t *Transport) writeFrame(frame []byte) error {
	if t.State() != StateReady {
		return ErrNotConnected
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return wire.WriteFrame(t.conn, frame)
}

func (t *Transport) wait(ctx context.Context, p *pendingReq) (*Inbound, error) {
	select {
	case r := <-p.done:
		return r.in, r.err
	case <-time.After(t.cfg.RequestTimeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// Send writes one envelope and waits for the relay's acknowledgement.
func (t *Transport) Send(ctx context.Context, id string, frame []byte) error {
	p := t.register(id, "", false)
	defer t.unregister(p)
	if err := t.writeFrame(frame); err != nil {
		return err
	}
	_, err := t.wait(ctx, p)
	return err
}

// Exchange writes one envelope and waits for a reply correlated by the same
// envelope id, as the relay does for ACL list queries.
func (t *Transport) Exchange(ctx context.Context, id string, frame []byte) ([]byte, error) {
	p := t.register(id, "", true)
	defer t.unregister(p)
	if err := t.writeFrame(frame); err != nil {
		return nil, err
	}
	in, err := t.wait(ctx, p)
	if err != nil {
		return nil, err
	}
	return in.Content, nil
}

// AwaitResponse registers interest in the application response correlated by
// cid, runs send, and waits. Registration happens before send so a fast
// responder cannot race the waiter.
func (t *Transport) AwaitResponse(ctx context.Context, cid string, send func() error) (*Inbound, error) {
	p := t.register(uuid.NewString(), cid, true)
	defer t.unregister(p)
	if err := send(); err != nil {
		return nil, err
	}
	return t.wait(ctx, p)
}

// Subscribe registers the callback for one payload type. The last subscriber
// per type wins.
func (t *Transport) Subscribe(typ string, fn Subscriber) {
	t.smu.Lock()
	t.subs[typ] = fn
	t.smu.Unlock()
}

func (t *Transport) resolveAck(id string) {
	t.pmu.Lock()
	p, ok := t.byID[id]
	if ok && !p.wantResponse {
		delete(t.byID, id)
	}
	t.pmu.Unlock()
	if !ok {
		// Late acknowledgement for a request that already timed out.
		t.log.WithField("id", id).Debug("dropping unmatched ack")
		return
	}
	if p.wantResponse {
		p.acked = true
		return
	}
	p.done <- result{}
}

func (t *Transport) resolveErr(id, msg string) {
	t.pmu.Lock()
	p, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		if p.cid != "" {
			delete(t.byCID, p.cid)
		}
	}
	t.pmu.Unlock()
	if !ok {
		t.log.WithFields(logrus.Fields{"id": id, "error": msg}).
			Warn("error notification without pending request")
		return
	}
	p.done <- result{err: fmt.Errorf("%w: %v", ErrRejected, msg)}
}

func (t *Transport) resolveResponse(in *Inbound) bool {
	t.pmu.Lock()
	p, ok := t.byCID[in.CID]
	if ok {
		delete(t.byCID, in.CID)
		delete(t.byID, p.id)
	}
	t.pmu.Unlock()
	if !ok {
		return false
	}
	p.done <- result{in: in}
	return true
}

func (t *Transport) resolveExchange(id string, content []byte) bool {
	t.pmu.Lock()
	p, ok := t.byID[id]
	if ok && p.wantResponse && p.cid == "" {
		delete(t.byID, id)
	} else {
		ok = false
	}
	t.pmu.Unlock()
	if !ok {
		return false
	}
	p.done <- result{in: &Inbound{Content: content}}
	return true
}

func (t *Transport) readLoop(conn net.Conn) {
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			t.disconnected(conn, err)
			return
		}
		hdr, br, err := wire.DecodeHeader(frame)
		if err != nil {
			t.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		switch hdr.Type {
		case wire.MsgTypeAck:
			var a wire.Ack
			if err := wire.DecodeBody(br, &a); err != nil {
				t.log.WithError(err).Warn("dropping malformed ack")
				continue
			}
			t.resolveAck(a.ID)

		case wire.MsgTypeErr:
			var n wire.Notification
			if err := wire.DecodeBody(br, &n); err != nil {
				t.log.WithError(err).Warn("dropping malformed notification")
				continue
			}
			t.resolveErr(n.ID, n.Error)

		case wire.MsgTypeMsg:
			var m wire.Message
			if err := wire.DecodeBody(br, &m); err != nil {
				t.log.WithError(err).Warn("dropping malformed message")
				continue
			}
			t.handleMessage(&m)

		case wire.MsgTypeACL:
			var a wire.ACL
			if err := wire.DecodeBody(br, &a); err != nil {
				t.log.WithError(err).Warn("dropping malformed acl")
				continue
			}
			if !t.resolveExchange(a.ID, a.Payload) {
				t.log.WithField("id", a.ID).Debug("dropping unmatched acl reply")
			}

		default:
			t.log.WithField("type", hdr.Type.String()).Warn("dropping unknown envelope type")
		}
	}
}

// payloadMeta is the slice of the inner payload the transport itself needs.
type payloadMeta struct {
	Typ string `json:"typ"`
	CID string `json:"cid"`
}

// handleMessage decrypts an inbound MSG, verifies the inner signature
// against the sender's current key, advances the durable offset, and routes
// the payload to a pending request or a subscriber. Failures are isolated to
// this one message: log at info, drop, keep the loop alive.
func (t *Transport) handleMessage(m *wire.Message) {
	ctx := context.Background()
	log := t.log.WithFields(logrus.Fields{"id": m.ID, "sender": m.Sender})

	sender, err := wire.ParseAddress(m.Sender)
	if err != nil {
		log.WithError(err).Info("dropping message with bad sender")
		return
	}

	plaintext, err := t.cfg.Decrypter.Decrypt(ctx, m.Ciphertext, sender)
	if err != nil {
		log.WithError(err).Info("dropping undecryptable message")
		return
	}

	var env jws.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		log.WithError(err).Info("dropping message with malformed payload")
		return
	}
	kid, err := env.VerificationKeyID()
	if err != nil {
		log.WithError(err).Info("dropping message without key id")
		return
	}
	pub, err := t.cfg.Keys.PublicKey(ctx, sender.Identity, kid)
	if err != nil {
		log.WithError(err).Info("dropping message from unresolvable key")
		return
	}
	if err := jws.Verify(&env, pub); err != nil {
		log.WithError(err).Info("dropping message with bad signature")
		return
	}

	var meta payloadMeta
	content, err := env.DecodePayloadBytes()
	if err != nil {
		log.WithError(err).Info("dropping message with malformed payload")
		return
	}
	if err := json.Unmarshal(content, &meta); err != nil {
		log.WithError(err).Info("dropping message with malformed payload")
		return
	}

	// The message is authentic; it is now durably processed.
	if err := t.cfg.Store.SetOffset(t.cfg.Address, m.Metadata.Offset); err != nil {
		log.WithError(err).Warn("could not persist offset")
	}

	in := &Inbound{
		Sender:  sender,
		Type:    meta.Typ,
		CID:     meta.CID,
		Content: content,
		Offset:  m.Metadata.Offset,
	}
	if meta.CID != "" && t.resolveResponse(in) {
		return
	}

	t.smu.Lock()
	fn := t.subs[meta.Typ]
	t.smu.Unlock()
	if fn == nil {
		log.WithField("typ", meta.Typ).Debug("no subscriber for message type")
		return
	}
	// Subscribers run off the reader loop so a slow callback cannot stall
	// the connection.
	go fn(in)
}
