// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"bitdust.io/bitdust/config"
	"bitdust.io/bitdust/flags"
)

var supplierCmd = &cobra.Command{
	Use:   "supplier_list|supplier_replace",
	Short: "inspect or fire a slot in this node's supplier fleet",
}

func init() {
	supplierCmd.AddCommand(supplierListCmd)
	supplierCmd.AddCommand(supplierReplaceCmd)
}

var supplierListCmd = &cobra.Command{
	Use:   "supplier_list",
	Short: "print the ordered vector of supplier slots",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(flags.ConfigFile)
		if err != nil {
			printError(err)
			return
		}
		d, err := newDaemon(cfg)
		if err != nil {
			printError(err)
			return
		}
		printResult(supplierListOf(d))
	},
}

var supplierReplaceCmd = &cobra.Command{
	Use:   "supplier_replace slot_index",
	Short: "fire the supplier in slot_index and hand it to the Finder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			printError(err)
			return
		}
		cfg, err := config.Load(flags.ConfigFile)
		if err != nil {
			printError(err)
			return
		}
		d, err := newDaemon(cfg)
		if err != nil {
			printError(err)
			return
		}
		// Replace hands the vacated slot to fleet's Finder; newDaemon
		// always installs noSupplierFinder, so the call always reports
		// the slot as fired with no replacement found yet (§4.10's
		// random walk is not run by this command).
		if err := d.fleet.Replace(context.Background(), idx); err != nil {
			printError(err)
			return
		}
		printMessage("slot fired, awaiting replacement")
	},
}

func supplierListOf(d *daemon) []string {
	slots := d.fleet.Slots()
	result := make([]string, len(slots))
	for i, idurl := range slots {
		result[i] = string(idurl)
	}
	return result
}
