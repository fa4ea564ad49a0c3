// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"

	"bitdust.io/bitdust/config"
	"bitdust.io/bitdust/factotum"
	"bitdust.io/bitdust/flags"
)

var identityCmd = &cobra.Command{
	Use:   "identity_get",
	Short: "print this node's IDURL and public key",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(flags.ConfigFile)
		if err != nil {
			printError(err)
			return
		}
		f, err := factotum.New(cfg.KeyDir)
		if err != nil {
			printError(err)
			return
		}
		printResult(struct {
			IDURL     string `json:"idurl"`
			PublicKey string `json:"public_key"`
		}{
			IDURL:     cfg.IDURL,
			PublicKey: string(f.PublicKey(nil)),
		})
	},
}
