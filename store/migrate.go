// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/keelproject/keel/wire"
)

const (
	legacyAccountFile = "account.pickle"
	legacySessionExt  = "-session.pickle"
	migratedSuffix    = ".migrated"
)

// MigrateLegacy imports the old per-file blob layout, where accounts and
// sessions lived under dir as account.pickle and <identity:device>-session.pickle,
// then renames the directory aside so the migration runs once. Missing
// directories are not an error.
func (s *Store) MigrateLegacy(dir string, as wire.Address) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read legacy directory: %w", err)
	}

	err = s.Tx(func(tx *Tx) error {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			blob, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("could not read legacy blob %v: %w", name, err)
			}

			switch {
			case name == legacyAccountFile:
				if err := tx.SetAccount(as, blob); err != nil {
					return err
				}
				s.log.WithField("as", as.String()).Info("migrated legacy account")
			case strings.HasSuffix(name, legacySessionExt):
				with, err := wire.ParseAddress(strings.TrimSuffix(name, legacySessionExt))
				if err != nil {
					s.log.WithField("file", name).Warn("skipping unrecognized legacy session file")
					continue
				}
				if err := tx.SetSession(as, with, blob); err != nil {
					return err
				}
				s.log.WithField("with", with.String()).Info("migrated legacy session")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.Rename(dir, dir+migratedSuffix); err != nil {
		return fmt.Errorf("could not rename legacy directory aside: %w", err)
	}
	return nil
}
