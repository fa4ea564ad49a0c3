// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flags defines command-line flags shared by BitDust binaries, so
// that cmd/bitdustd and the test harnesses agree on names and defaults.
// Not all flags make sense for all binaries; each binary calls Parse with
// only the flag variables it cares about.
package flags

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"bitdust.io/bitdust/log"
)

// We define the flags in two steps so clients don't have to write *flags.X.
// It also makes the documentation easier to read.
var (
	// ConfigFile names the workspace configuration file to load (identity,
	// key file, desired supplier count, default ECC map, block size).
	ConfigFile = filepath.Join(os.Getenv("HOME"), ".bitdust", "config.yaml")

	// Endpoint specifies the network address this node listens on.
	Endpoint = "localhost:7846"

	// ECCMap names the default erasure-coding layout for new backups.
	ECCMap = "ecc/4x4"

	// BlockSize is the default producer block size, in bytes.
	BlockSize = 64 * 1024

	// Suppliers is the desired number of fleet slots for this customer.
	Suppliers = 4

	// MaxRoutes bounds how many clients a relay.Router will register.
	MaxRoutes = 100

	// Log sets the logging level via the shared log package.
	Log logFlag
)

type logFlag string

// String implements flag.Value.
func (l *logFlag) String() string {
	return string(*l)
}

// Set implements flag.Value.
func (l *logFlag) Set(level string) error {
	if err := log.SetLevel(level); err != nil {
		return err
	}
	*l = logFlag(log.GetLevel())
	return nil
}

// Get implements flag.Getter.
func (l *logFlag) Get() interface{} {
	return log.GetLevel()
}

// Parse registers command-line flags for the given flag variables and calls
// flag.Parse. Passing an unrecognized variable triggers a panic, since that
// is always a programming error.
//
// For example:
//	flags.Parse(&flags.ConfigFile, &flags.Log)
func Parse(vars ...interface{}) error {
	for i, v := range vars {
		unknown := false
		switch v := v.(type) {
		case *string:
			switch v {
			case &ConfigFile:
				flag.StringVar(v, "config", ConfigFile, "workspace configuration `file`")
			case &Endpoint:
				flag.StringVar(v, "endpoint", Endpoint, "local listen address")
			case &ECCMap:
				flag.StringVar(v, "ecc", ECCMap, "default erasure-coding layout name")
			default:
				unknown = true
			}
		case *int:
			switch v {
			case &BlockSize:
				flag.IntVar(v, "block_size", BlockSize, "producer block size in bytes")
			case &Suppliers:
				flag.IntVar(v, "suppliers", Suppliers, "desired fleet size")
			case &MaxRoutes:
				flag.IntVar(v, "max_routes", MaxRoutes, "maximum relay routes to accept")
			default:
				unknown = true
			}
		case *logFlag:
			switch v {
			case &Log:
				v.Set("info")
				flag.Var(v, "log", "`level` of logging: debug, info, error, disabled")
			default:
				unknown = true
			}
		default:
			unknown = true
		}
		if unknown {
			msg := fmt.Sprintf("flags: unknown flag (%#v, arg %d)", v, i)
			if reflect.TypeOf(v).Kind() != reflect.Ptr {
				msg += ", expected pointer type"
			}
			panic(msg)
		}
	}
	flag.Parse()
	return nil
}
