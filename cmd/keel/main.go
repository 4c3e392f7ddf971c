// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/keelproject/keel/account"
	"github.com/keelproject/keel/directory"
	"github.com/keelproject/keel/jws"
	"github.com/keelproject/keel/messaging"
	"github.com/keelproject/keel/settings"
	"github.com/keelproject/keel/store"
	"github.com/keelproject/keel/transport"
	"github.com/keelproject/keel/wire"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "keel",
		Short:         "end-to-end encrypted messaging client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "cfg", "", "config file")
	root.AddCommand(initCmd(), sendCmd(), requestCmd(), listenCmd(),
		permitCmd(), revokeCmd(), aclListCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keel: %v\n", err)
		os.Exit(1)
	}
}

// client is the wired-up stack shared by all subcommands.
type client struct {
	settings *settings.Settings
	log      *logrus.Logger
	store    *store.Store
	signer   *jws.Signer
	dir      *directory.Client
	account  *account.Account
}

func newLogger(s *settings.Settings) *logrus.Logger {
	log := logrus.New()
	if s.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func loadSeed(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read key file: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("key file must hold a 32 byte seed")
	}
	return seed, nil
}

func setup(ctx context.Context) (*client, error) {
	s, err := settings.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if s.Identity == "" || s.Device == "" {
		return nil, errors.New("identity and device must be configured")
	}
	log := newLogger(s)

	seed, err := loadSeed(s.KeyFile)
	if err != nil {
		return nil, err
	}
	signer, err := jws.NewSigner(s.Identity, s.Device, seed)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(s.Root, "db"), log)
	if err != nil {
		return nil, err
	}
	local := wire.Address{Identity: s.Identity, Device: s.Device}
	if err := st.MigrateLegacy(filepath.Join(s.Root, "blobs"), local); err != nil {
		st.Close()
		return nil, err
	}

	dir := directory.New(s.DirectoryURL, signer, log)
	acct, err := account.Build(ctx, account.Config{
		Address:    local,
		Signer:     signer,
		Store:      st,
		Directory:  dir,
		Passphrase: s.Passphrase,
		Log:        log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &client{
		settings: s,
		log:      log,
		store:    st,
		signer:   signer,
		dir:      dir,
		account:  acct,
	}, nil
}

func (c *client) connect(ctx context.Context) (*transport.Transport, *messaging.Service, error) {
	t, err := transport.Connect(ctx, transport.Config{
		Address:   c.account.Address(),
		RelayAddr: c.settings.RelayAddr,
		Signer:    c.signer,
		Store:     c.store,
		Decrypter: c.account,
		Keys:      c.dir,
		Log:       c.log,
	})
	if err != nil {
		return nil, nil, err
	}
	m := messaging.New(messaging.Config{
		Signer:    c.signer,
		Account:   c.account,
		Directory: c.dir,
		Relay:     t,
		Log:       c.log,
	})
	return t, m, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create the signing key and bootstrap the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(cfgFile)
			if err != nil {
				return err
			}
			if _, err := os.Stat(s.KeyFile); err == nil {
				return fmt.Errorf("key file already exists: %v", s.KeyFile)
			}
			seed := make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(s.KeyFile), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(s.KeyFile, seed, 0600); err != nil {
				return err
			}
			fmt.Printf("created signing key: %v\n", s.KeyFile)

			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.store.Close()
			fmt.Printf("account ready: %v\n", c.account.Address())
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <identity> <message>",
		Short: "send a notification to an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.store.Close()
			t, m, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer t.Close()
			return m.Notify(cmd.Context(), args[0],
				messaging.Claims{"message": args[1]})
		},
	}
}

func requestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <identity> <type> <message>",
		Short: "send a request and wait for the response",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.store.Close()
			t, m, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer t.Close()
			res, err := m.Request(cmd.Context(), args[0], args[1],
				messaging.Claims{"message": args[2]})
			if err != nil {
				return err
			}
			fmt.Printf("%v\n", res)
			return nil
		},
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "print inbound notifications until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.store.Close()
			t, m, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer t.Close()

			m.Subscribe(messaging.TypeNotify, func(sender wire.Address, body messaging.Claims) {
				fmt.Printf("%v: %v\n", sender, body["message"])
			})

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
}

func permitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permit <identity>",
		Short: "allow an identity to message us",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.store.Close()
			t, m, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer t.Close()
			return m.PermitConnection(cmd.Context(), args[0])
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <identity>",
		Short: "stop an identity from messaging us",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.store.Close()
			t, m, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer t.Close()
			return m.RevokeConnection(cmd.Context(), args[0])
		},
	}
}

func aclListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acl",
		Short: "list identities permitted to message us",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.store.Close()
			t, m, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer t.Close()
			sources, err := m.AllowedConnections(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sources {
				fmt.Println(s)
			}
			return nil
		},
	}
}
