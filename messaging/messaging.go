// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// messaging is the application-facing send surface: it builds signed request
// payloads, fans them out to every device of the recipient identity plus the
// local identity's other devices, and manages relay access control.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keelproject/keel/jws"
	"github.com/keelproject/keel/transport"
	"github.com/keelproject/keel/wire"
)

// TypeNotify is the payload type of plain notifications.
const TypeNotify = "identities.notify"

const payloadValidity = 5 * time.Minute

var ErrNoDevices = errors.New("recipient has no devices")

// Claims is one request or response body. Standard claims are filled in
// automatically when absent.
type Claims map[string]interface{}

// Encrypter seals payloads for a set of devices.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, recipients []wire.Address) ([]byte, error)
	Address() wire.Address
}

// Devices resolves an identity to its registered devices.
type Devices interface {
	Devices(ctx context.Context, identity string) ([]string, error)
}

// Relay is the slice of the transport the service needs.
type Relay interface {
	Send(ctx context.Context, id string, frame []byte) error
	Exchange(ctx context.Context, id string, frame []byte) ([]byte, error)
	AwaitResponse(ctx context.Context, cid string, send func() error) (*transport.Inbound, error)
	Subscribe(typ string, fn transport.Subscriber)
}

// Config carries the service's collaborators.
type Config struct {
	Signer    *jws.Signer
	Account   Encrypter
	Directory Devices
	Relay     Relay
	Log       *logrus.Logger
}

// Service sends and receives application messages over one transport.
type Service struct {
	signer  *jws.Signer
	account Encrypter
	dir     Devices
	relay   Relay
	local   wire.Address
	log     *logrus.Entry
}

// New wires a messaging service.
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		signer:  cfg.Signer,
		account: cfg.Account,
		dir:     cfg.Directory,
		relay:   cfg.Relay,
		local:   cfg.Account.Address(),
		log:     log.WithField("component", "messaging"),
	}
}

// buildPayload fills in the standard claims, signs the body and returns the
// correlation id with the serialized envelope.
func (s *Service) buildPayload(typ, recipient string, body Claims) (string, []byte, error) {
	c := make(Claims, len(body)+8)
	for k, v := range body {
		c[k] = v
	}
	if _, ok := c["typ"]; !ok {
		c["typ"] = typ
	}
	if _, ok := c["jti"]; !ok {
		c["jti"] = uuid.NewString()
	}
	cid, ok := c["cid"].(string)
	if !ok {
		cid = uuid.NewString()
		c["cid"] = cid
	}
	if _, ok := c["iss"]; !ok {
		c["iss"] = s.local.Identity
	}
	if _, ok := c["sub"]; !ok {
		c["sub"] = recipient
	}
	if _, ok := c["aud"]; !ok {
		c["aud"] = recipient
	}
	now := time.Now()
	if _, ok := c["iat"]; !ok {
		c["iat"] = now.Unix()
	}
	if _, ok := c["exp"]; !ok {
		c["exp"] = now.Add(payloadValidity).Unix()
	}

	payload, err := s.signer.SignJSON(c)
	if err != nil {
		return "", nil, err
	}
	return cid, payload, nil
}

// recipients expands an identity into its device addresses, adding the local
// identity's other devices so they stay in sync. The sending device is never
// included.
func (s *Service) recipients(ctx context.Context, identity string) ([]wire.Address, error) {
	devs, err := s.dir.Devices(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("could not resolve devices for %v: %w", identity, err)
	}
	addrs := make([]wire.Address, 0, len(devs)+2)
	for _, d := range devs {
		addr := wire.Address{Identity: identity, Device: d}
		if addr != s.local {
			addrs = append(addrs, addr)
		}
	}

	if identity != s.local.Identity {
		own, err := s.dir.Devices(ctx, s.local.Identity)
		if err != nil {
			// Sync copies are best effort; the primary send still goes out.
			s.log.WithError(err).Warn("could not resolve own devices")
		}
		for _, d := range own {
			addr := wire.Address{Identity: s.local.Identity, Device: d}
			if addr != s.local {
				addrs = append(addrs, addr)
			}
		}
	}

	if len(addrs) == 0 {
		return nil, ErrNoDevices
	}
	return addrs, nil
}

// deliver frames one MSG envelope per destination device and awaits the
// relay acknowledgement for each. Individual failures are logged; deliver
// fails only if no envelope was accepted.
func (s *Service) deliver(ctx context.Context, addrs []wire.Address, ciphertext []byte) error {
	var delivered int
	var lastErr error
	for _, addr := range addrs {
		id := uuid.NewString()
		frame, err := wire.EncodeEnvelope(
			wire.Header{ID: id, Type: wire.MsgTypeMsg},
			wire.Message{
				ID:         id,
				Type:       wire.MsgTypeMsg,
				Sender:     s.local.String(),
				Recipient:  addr.String(),
				Ciphertext: ciphertext,
			})
		if err != nil {
			return err
		}
		if err := s.relay.Send(ctx, id, frame); err != nil {
			s.log.WithError(err).WithField("recipient", addr.String()).
				Warn("envelope not accepted")
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("no envelope accepted: %w", lastErr)
	}
	return nil
}

func (s *Service) send(ctx context.Context, recipient string, payload []byte) error {
	addrs, err := s.recipients(ctx, recipient)
	if err != nil {
		return err
	}
	ciphertext, err := s.account.Encrypt(ctx, payload, addrs)
	if err != nil {
		return err
	}
	return s.deliver(ctx, addrs, ciphertext)
}

// Send delivers a signed request and returns once the relay has
// acknowledged it. It does not wait for an application response.
func (s *Service) Send(ctx context.Context, recipient, typ string, body Claims) error {
	_, payload, err := s.buildPayload(typ, recipient, body)
	if err != nil {
		return err
	}
	return s.send(ctx, recipient, payload)
}

// Request delivers a signed request and waits for the correlated
// application response, returning its decoded claims.
func (s *Service) Request(ctx context.Context, recipient, typ string, body Claims) (Claims, error) {
	cid, payload, err := s.buildPayload(typ, recipient, body)
	if err != nil {
		return nil, err
	}
	in, err := s.relay.AwaitResponse(ctx, cid, func() error {
		return s.send(ctx, recipient, payload)
	})
	if err != nil {
		return nil, err
	}
	var c Claims
	if err := json.Unmarshal(in.Content, &c); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return c, nil
}

// Notify sends a plain notification to an identity.
func (s *Service) Notify(ctx context.Context, recipient string, body Claims) error {
	return s.Send(ctx, recipient, TypeNotify, body)
}

// Respond answers an inbound request, echoing its correlation id.
func (s *Service) Respond(ctx context.Context, in *transport.Inbound, typ string, body Claims) error {
	c := make(Claims, len(body)+1)
	for k, v := range body {
		c[k] = v
	}
	c["cid"] = in.CID
	return s.Send(ctx, in.Sender.Identity, typ, c)
}

// Subscribe registers fn for one payload type. The last subscriber per type
// wins.
func (s *Service) Subscribe(typ string, fn func(sender wire.Address, content Claims)) {
	s.relay.Subscribe(typ, func(in *transport.Inbound) {
		var c Claims
		if err := json.Unmarshal(in.Content, &c); err != nil {
			s.log.WithError(err).WithField("sender", in.Sender.String()).
				Info("dropping malformed subscription payload")
			return
		}
		fn(in.Sender, c)
	})
}

func (s *Service) aclPayload(typ, source string) ([]byte, error) {
	now := time.Now()
	return s.signer.SignJSON(Claims{
		"typ":        typ,
		"jti":        uuid.NewString(),
		"cid":        uuid.NewString(),
		"iss":        s.local.Identity,
		"acl_source": source,
		"iat":        now.Unix(),
		"exp":        now.Add(payloadValidity).Unix(),
	})
}

func (s *Service) sendACL(ctx context.Context, cmd wire.ACLCommand, payload []byte) error {
	id := uuid.NewString()
	frame, err := wire.EncodeEnvelope(
		wire.Header{ID: id, Type: wire.MsgTypeACL},
		wire.ACL{ID: id, Type: wire.MsgTypeACL, Command: cmd, Payload: payload})
	if err != nil {
		return err
	}
	return s.relay.Send(ctx, id, frame)
}

// PermitConnection allows an identity to deliver messages to us.
func (s *Service) PermitConnection(ctx context.Context, source string) error {
	payload, err := s.aclPayload("acl.permit", source)
	if err != nil {
		return err
	}
	return s.sendACL(ctx, wire.ACLCommandPermit, payload)
}

// RevokeConnection stops an identity from delivering messages to us.
func (s *Service) RevokeConnection(ctx context.Context, source string) error {
	payload, err := s.aclPayload("acl.revoke", source)
	if err != nil {
		return err
	}
	return s.sendACL(ctx, wire.ACLCommandRevoke, payload)
}

// AllowedConnections lists the identities currently permitted to deliver
// to us.
func (s *Service) AllowedConnections(ctx context.Context) ([]string, error) {
	id := uuid.NewString()
	frame, err := wire.EncodeEnvelope(
		wire.Header{ID: id, Type: wire.MsgTypeACL},
		wire.ACL{ID: id, Type: wire.MsgTypeACL, Command: wire.ACLCommandList})
	if err != nil {
		return nil, err
	}
	reply, err := s.relay.Exchange(ctx, id, frame)
	if err != nil {
		return nil, err
	}
	var sources []string
	if err := json.Unmarshal(reply, &sources); err != nil {
		return nil, fmt.Errorf("malformed acl list: %w", err)
	}
	return sources, nil
}
