// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads a node's workspace configuration: the identity it
// signs as, where its keys live, and the defaults it applies to new
// backups and to the relay it may run. The file is YAML, matching the
// rest of the BitDust ambient stack.
package config

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"bitdust.io/bitdust/errors"
	"bitdust.io/bitdust/flags"
)

// Config holds one node's workspace settings, loaded once at startup and
// treated as read-only afterward; components that need a live value read
// it from here rather than caching their own copy.
type Config struct {
	// IDURL is this node's own identity URL.
	IDURL string `yaml:"idurl"`

	// KeyDir is the directory factotum.New loads the identity's private
	// key from.
	KeyDir string `yaml:"key_dir"`

	// Endpoint is the local listen address for the session Gateway.
	Endpoint string `yaml:"endpoint"`

	// ECCMap names the default erasure-coding layout for new backups,
	// e.g. "ecc/4x4".
	ECCMap string `yaml:"ecc_map"`

	// BlockSize is the default producer block size, in bytes.
	BlockSize int `yaml:"block_size"`

	// Suppliers is the desired fleet size for this customer.
	Suppliers int `yaml:"suppliers"`

	// MaxRoutes bounds how many clients a relay.Router run from this
	// workspace will register. Zero selects relay.DefaultMaxRoutes.
	MaxRoutes int `yaml:"max_routes"`

	// DHTSeeds lists bootstrap node addresses for the DHT client.
	DHTSeeds []string `yaml:"dht_seeds"`
}

// defaults mirror the command-line defaults in package flags, so a node
// run with no config file and no flags still behaves sensibly.
func defaults() *Config {
	return &Config{
		Endpoint:  flags.Endpoint,
		ECCMap:    flags.ECCMap,
		BlockSize: flags.BlockSize,
		Suppliers: flags.Suppliers,
		MaxRoutes: flags.MaxRoutes,
	}
}

// Load reads and parses the configuration at path. A missing file is not
// an error: the defaults are returned so a first-run node can
// still start, typically followed by a call to Save once its identity is
// minted.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return defaults(), nil
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a configuration from r.
func Parse(r io.Reader) (*Config, error) {
	const op = "config.Parse"
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.E(op, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.E(op, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	const op = "config.validate"
	if c.BlockSize <= 0 {
		return errors.E(op, errors.Invalid, errors.Str("block_size must be positive"))
	}
	if c.Suppliers <= 0 {
		return errors.E(op, errors.Invalid, errors.Str("suppliers must be positive"))
	}
	if c.MaxRoutes < 0 {
		return errors.E(op, errors.Invalid, errors.Str("max_routes must not be negative"))
	}
	return nil
}

// Save writes cfg to path as YAML, creating its parent directory if
// needed.
func Save(path string, cfg *Config) error {
	const op = "config.Save"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.E(op, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.E(op, err)
	}
	if err := ioutil.WriteFile(path, b, 0600); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Homedir returns the user's home directory, used to resolve the default
// workspace location when no -config flag is given.
func Homedir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "."
}
