// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package account

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/directory"
	"github.com/keelproject/keel/jws"
	"github.com/keelproject/keel/store"
	"github.com/keelproject/keel/wire"
)

func init() {
	// Cheap scrypt and a small pool keep the tests fast.
	sealN, sealR, sealP = 1024, 8, 1
	prekeyBatch = 8
	prekeyRefillAt = 6
}

// fakeDirectory is an in-memory key directory shared by all test accounts.
type fakeDirectory struct {
	mu        sync.Mutex
	keys      map[string]ed25519.PublicKey
	pools     map[string][]directory.Prekey
	publishes map[string]int
	failNext  error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		keys:      make(map[string]ed25519.PublicKey),
		pools:     make(map[string][]directory.Prekey),
		publishes: make(map[string]int),
	}
}

func (d *fakeDirectory) DeviceKey(_ context.Context, identity, device string) (ed25519.PublicKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.keys[identity+":"+device]
	if !ok {
		return nil, fmt.Errorf("unknown device %v:%v", identity, device)
	}
	return k, nil
}

func (d *fakeDirectory) FetchPrekey(_ context.Context, identity, device string) (*directory.Prekey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := identity + ":" + device
	pool := d.pools[addr]
	if len(pool) == 0 {
		return nil, errors.New("prekey pool exhausted")
	}
	pk := pool[0]
	d.pools[addr] = pool[1:]
	return &pk, nil
}

func (d *fakeDirectory) PublishPrekeys(_ context.Context, identity, device string, keys []directory.Prekey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	addr := identity + ":" + device
	d.pools[addr] = append(d.pools[addr], keys...)
	d.publishes[addr]++
	return nil
}

func testAccount(t *testing.T, dir *fakeDirectory, identity, device string) *Account {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	signer, err := jws.NewSigner(identity, device, seed)
	require.NoError(t, err)

	dir.mu.Lock()
	dir.keys[identity+":"+device] = signer.PublicKey()
	dir.mu.Unlock()

	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a, err := Build(context.Background(), Config{
		Address:    wire.Address{Identity: identity, Device: device},
		Signer:     signer,
		Store:      st,
		Directory:  dir,
		Passphrase: "test passphrase",
	})
	require.NoError(t, err)
	return a
}

func TestBootstrapPublishesPool(t *testing.T) {
	dir := newFakeDirectory()
	a := testAccount(t, dir, "alice", "1")

	require.Len(t, dir.pools["alice:1"], prekeyBatch)
	require.Equal(t, 1, dir.publishes["alice:1"])
	require.Equal(t, wire.Address{Identity: "alice", Device: "1"}, a.Address())
}

func TestBootstrapPublishFailureIsFatal(t *testing.T) {
	dir := newFakeDirectory()
	dir.failNext = errors.New("directory down")

	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	signer, err := jws.NewSigner("carol", "1", seed)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer st.Close()

	_, err = Build(context.Background(), Config{
		Address:    wire.Address{Identity: "carol", Device: "1"},
		Signer:     signer,
		Store:      st,
		Directory:  dir,
		Passphrase: "test passphrase",
	})
	require.Error(t, err)

	// Nothing may be persisted after a failed bootstrap.
	local := wire.Address{Identity: "carol", Device: "1"}
	err = st.View(func(tx *store.Tx) error {
		_, err := tx.Account(local)
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := newFakeDirectory()
	alice := testAccount(t, dir, "alice", "1")
	bob := testAccount(t, dir, "bob", "1")
	ctx := context.Background()

	ct, err := alice.Encrypt(ctx, []byte("hello"), []wire.Address{bob.Address()})
	require.NoError(t, err)

	pt, err := bob.Decrypt(ctx, ct, alice.Address())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
	require.True(t, bob.HasSession(alice.Address()))
	require.True(t, alice.HasSession(bob.Address()))

	// The session works in both directions from here on.
	ct, err = bob.Encrypt(ctx, []byte("hi back"), []wire.Address{alice.Address()})
	require.NoError(t, err)
	pt, err = alice.Decrypt(ctx, ct, bob.Address())
	require.NoError(t, err)
	require.Equal(t, []byte("hi back"), pt)

	ct, err = alice.Encrypt(ctx, []byte("again"), []wire.Address{bob.Address()})
	require.NoError(t, err)
	pt, err = bob.Decrypt(ctx, ct, alice.Address())
	require.NoError(t, err)
	require.Equal(t, []byte("again"), pt)
}

func TestReplayedEnvelopeFails(t *testing.T) {
	dir := newFakeDirectory()
	alice := testAccount(t, dir, "alice", "1")
	bob := testAccount(t, dir, "bob", "1")
	ctx := context.Background()

	ct, err := alice.Encrypt(ctx, []byte("hello"), []wire.Address{bob.Address()})
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, ct, alice.Address())
	require.NoError(t, err)

	// The one-time key behind the envelope's exchange material is consumed,
	// so a replay can neither reuse the message key nor rebuild the session.
	_, err = bob.Decrypt(ctx, ct, alice.Address())
	require.Error(t, err)
}

func TestDecryptRequiresOwnSlice(t *testing.T) {
	dir := newFakeDirectory()
	alice := testAccount(t, dir, "alice", "1")
	bob := testAccount(t, dir, "bob", "1")
	carol := testAccount(t, dir, "carol", "1")
	ctx := context.Background()

	ct, err := alice.Encrypt(ctx, []byte("for bob"), []wire.Address{bob.Address()})
	require.NoError(t, err)
	_, err = carol.Decrypt(ctx, ct, alice.Address())
	require.ErrorIs(t, err, ErrNotRecipient)
}

func TestUnresolvableRecipientIsSkipped(t *testing.T) {
	dir := newFakeDirectory()
	alice := testAccount(t, dir, "alice", "1")
	bob := testAccount(t, dir, "bob", "1")
	ctx := context.Background()

	ghost := wire.Address{Identity: "ghost", Device: "1"}
	ct, err := alice.Encrypt(ctx, []byte("hello"),
		[]wire.Address{ghost, bob.Address()})
	require.NoError(t, err)

	pt, err := bob.Decrypt(ctx, ct, alice.Address())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
}

func TestEncryptNoRecipients(t *testing.T) {
	dir := newFakeDirectory()
	alice := testAccount(t, dir, "alice", "1")

	_, err := alice.Encrypt(context.Background(), []byte("x"), nil)
	require.ErrorIs(t, err, ErrNoRecipients)

	// The local device alone is not a recipient.
	_, err = alice.Encrypt(context.Background(), []byte("x"),
		[]wire.Address{alice.Address()})
	require.ErrorIs(t, err, ErrNoRecipients)
}

func TestPrekeyRefill(t *testing.T) {
	dir := newFakeDirectory()
	bob := testAccount(t, dir, "bob", "1")
	ctx := context.Background()

	// Drain bob's pool with fresh inbound sessions until a refill fires.
	drains := prekeyBatch - prekeyRefillAt + 1
	for i := 0; i < drains; i++ {
		sender := testAccount(t, dir, fmt.Sprintf("peer%d", i), "1")
		ct, err := sender.Encrypt(ctx, []byte("hi"), []wire.Address{bob.Address()})
		require.NoError(t, err)
		_, err = bob.Decrypt(ctx, ct, sender.Address())
		require.NoError(t, err)
	}

	require.Equal(t, 2, dir.publishes["bob:1"])
	require.Greater(t, len(bob.state.Prekeys), prekeyRefillAt)
}

func TestAccountReload(t *testing.T) {
	dir := newFakeDirectory()

	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	signer, err := jws.NewSigner("dave", "1", seed)
	require.NoError(t, err)
	dir.keys["dave:1"] = signer.PublicKey()

	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer st.Close()

	cfg := Config{
		Address:    wire.Address{Identity: "dave", Device: "1"},
		Signer:     signer,
		Store:      st,
		Directory:  dir,
		Passphrase: "test passphrase",
	}
	_, err = Build(context.Background(), cfg)
	require.NoError(t, err)

	// A reload must not publish a second pool.
	_, err = Build(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 1, dir.publishes["dave:1"])

	// The wrong signing key must be refused.
	otherSeed := make([]byte, ed25519.SeedSize)
	_, err = rand.Read(otherSeed)
	require.NoError(t, err)
	cfg.Signer, err = jws.NewSigner("dave", "1", otherSeed)
	require.NoError(t, err)
	_, err = Build(context.Background(), cfg)
	require.ErrorIs(t, err, ErrSeedMismatch)
}
