// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// settings loads the client configuration from an INI file, creating a
// default file on first run.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mitchellh/go-homedir"
	ini "github.com/vaughan0/go-ini"
)

const (
	DefaultDir  = ".keel"
	DefaultConf = "keel.conf"
)

// Settings is the client configuration.
type Settings struct {
	Home string // user home directory

	// default section
	Root         string // root directory for state
	Identity     string // local identity
	Device       string // local device id
	RelayAddr    string // relay host:port
	DirectoryURL string // key directory base URL
	KeyFile      string // path to the 32 byte signing seed
	Passphrase   string // blob sealing passphrase

	// log section
	LogFile string
	Debug   bool
}

const defaultConfigFileContent = `# keel client configuration
[default]
#root = ~/.keel
#identity =
#device =
#relayaddr = relay.example.org:443
#directoryurl = https://directory.example.org
#keyfile = ~/.keel/identity.key
#passphrase =

[log]
#logfile = ~/.keel/keel.log
#debug = no
`

// DefaultConfFile returns the default configuration file path.
func DefaultConfFile() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultDir, DefaultConf), nil
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("[%v]%v: invalid boolean: %v", section, key, v)
	}
	*p = b
	return nil
}

func iniString(cfg ini.File, p *string, section, key string) {
	if v, ok := cfg.Get(section, key); ok {
		*p = v
	}
}

// Load reads settings from filename, creating a commented default file when
// the default location does not exist yet.
func Load(filename string) (*Settings, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	s := Settings{
		Home:    home,
		Root:    filepath.Join("~", DefaultDir),
		KeyFile: filepath.Join("~", DefaultDir, "identity.key"),
		LogFile: filepath.Join("~", DefaultDir, "keel.log"),
	}

	defaultConfFile := filepath.Join(home, DefaultDir, DefaultConf)
	if filename == "" {
		filename = defaultConfFile
	}

	fi, err := os.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) && filename == defaultConfFile {
			// First run with defaults, write a commented template.
			if err = os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
				return nil, err
			}
			err = os.WriteFile(filename, []byte(defaultConfigFileContent), 0600)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	} else if fi.IsDir() {
		return nil, fmt.Errorf("not a valid configuration file: %v", filename)
	}

	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return nil, err
	}

	iniString(cfg, &s.Root, "", "root")
	iniString(cfg, &s.Identity, "", "identity")
	iniString(cfg, &s.Device, "", "device")
	iniString(cfg, &s.RelayAddr, "", "relayaddr")
	iniString(cfg, &s.DirectoryURL, "", "directoryurl")
	iniString(cfg, &s.KeyFile, "", "keyfile")
	iniString(cfg, &s.Passphrase, "", "passphrase")
	iniString(cfg, &s.LogFile, "log", "logfile")
	if err := iniBool(cfg, &s.Debug, "log", "debug"); err != nil {
		return nil, err
	}

	if s.Root, err = homedir.Expand(s.Root); err != nil {
		return nil, err
	}
	if s.KeyFile, err = homedir.Expand(s.KeyFile); err != nil {
		return nil, err
	}
	if s.LogFile, err = homedir.Expand(s.LogFile); err != nil {
		return nil, err
	}
	return &s, nil
}
