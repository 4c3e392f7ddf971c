// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// directory is the client for the Key Directory, the external collaborator
// that resolves an identity to its device list, signed key history and
// published prekeys. keel consumes this service; it does not implement it.
package directory

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/keelproject/keel/jws"
	"github.com/keelproject/keel/siggraph"
)

var (
	ErrUnauthorized = errors.New("not authorized to interact with this identity")
	ErrNotFound     = errors.New("identity does not exist")
	ErrInternal     = errors.New("directory internal error")
)

const (
	tokenValidity = time.Minute
	graphTTL      = time.Minute

	publishAttempts = 4
	publishBackoff  = 500 * time.Millisecond
)

// Prekey is one published one-time key.
type Prekey struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type graphEntry struct {
	graph   *siggraph.Graph
	fetched time.Time
}

// Client talks to one Key Directory endpoint, authenticating with bearer
// tokens minted by the signer. Validated signature graphs are cached
// briefly per identity and fetches are deduplicated.
type Client struct {
	base   string
	signer *jws.Signer
	http   *http.Client
	log    *logrus.Entry

	group  singleflight.Group
	mu     sync.Mutex
	graphs map[string]graphEntry
}

// New creates a directory client for the given base URL.
func New(base string, signer *jws.Signer, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		base:   base,
		signer: signer,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log.WithField("component", "directory"),
		graphs: make(map[string]graphEntry),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	token, err := c.signer.AuthToken(tokenValidity)
	if err != nil {
		return nil, fmt.Errorf("could not mint auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return b, nil
	case res.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case res.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		c.log.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": res.StatusCode,
		}).Warn("directory request failed")
		return nil, fmt.Errorf("%w: status %d", ErrInternal, res.StatusCode)
	}
}

// Devices returns the device identifiers registered for an identity.
func (c *Client) Devices(ctx context.Context, identity string) ([]string, error) {
	b, err := c.do(ctx, http.MethodGet, "/v1/identities/"+identity+"/devices", nil)
	if err != nil {
		return nil, err
	}
	var devices []string
	if err := json.Unmarshal(b, &devices); err != nil {
		return nil, fmt.Errorf("%w: malformed device list: %v", ErrInternal, err)
	}
	return devices, nil
}

// History returns an identity's raw key-management history.
func (c *Client) History(ctx context.Context, identity string) ([]json.RawMessage, error) {
	b, err := c.do(ctx, http.MethodGet, "/v1/identities/"+identity, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		ID      string            `json:"id"`
		History []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed identity: %v", ErrInternal, err)
	}
	return body.History, nil
}

// Graph returns the validated signature graph for an identity, rebuilt from
// a fresh history fetch when the cached copy has expired.
func (c *Client) Graph(ctx context.Context, identity string) (*siggraph.Graph, error) {
	c.mu.Lock()
	if e, ok := c.graphs[identity]; ok && time.Since(e.fetched) < graphTTL {
		c.mu.Unlock()
		return e.graph, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(identity, func() (interface{}, error) {
		history, err := c.History(ctx, identity)
		if err != nil {
			return nil, err
		}
		g, err := siggraph.Build(history)
		if err != nil {
			return nil, fmt.Errorf("invalid key history for %v: %w", identity, err)
		}
		c.mu.Lock()
		c.graphs[identity] = graphEntry{graph: g, fetched: time.Now()}
		c.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*siggraph.Graph), nil
}

// PublicKey returns an identity's key by key id.
func (c *Client) PublicKey(ctx context.Context, identity, kid string) (ed25519.PublicKey, error) {
	g, err := c.Graph(ctx, identity)
	if err != nil {
		return nil, err
	}
	k, err := g.KeyByID(kid)
	if err != nil {
		return nil, err
	}
	return k.PublicKey, nil
}

// DeviceKey returns the current key for one of an identity's devices.
func (c *Client) DeviceKey(ctx context.Context, identity, device string) (ed25519.PublicKey, error) {
	g, err := c.Graph(ctx, identity)
	if err != nil {
		return nil, err
	}
	k, err := g.KeyByDevice(device)
	if err != nil {
		return nil, err
	}
	return k.PublicKey, nil
}

// FetchPrekey obtains one unused prekey for a remote device. The directory
// consumes the key server-side, so each call yields a distinct key.
func (c *Client) FetchPrekey(ctx context.Context, identity, device string) (*Prekey, error) {
	b, err := c.do(ctx, http.MethodGet,
		"/v1/identities/"+identity+"/devices/"+device+"/pre_keys", nil)
	if err != nil {
		return nil, err
	}
	var pk Prekey
	if err := json.Unmarshal(b, &pk); err != nil {
		return nil, fmt.Errorf("%w: malformed prekey: %v", ErrInternal, err)
	}
	return &pk, nil
}

// PublishPrekeys uploads a fresh batch of one-time keys for the local
// device, retrying transient failures with exponential backoff.
func (c *Client) PublishPrekeys(ctx context.Context, identity, device string, keys []Prekey) error {
	var err error
	backoff := publishBackoff
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		_, err = c.do(ctx, http.MethodPost,
			"/v1/identities/"+identity+"/devices/"+device+"/pre_keys", keys)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
			return err
		}
		c.log.WithError(err).WithField("attempt", attempt+1).
			Warn("prekey publish failed, retrying")
	}
	return fmt.Errorf("could not publish prekeys: %w", err)
}
