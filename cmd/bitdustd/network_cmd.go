// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"

	"bitdust.io/bitdust/config"
	"bitdust.io/bitdust/flags"
)

type networkStat struct {
	Endpoint       string   `json:"endpoint"`
	RoutedClients  []string `json:"routed_clients"`
	SupplierSlots  []string `json:"supplier_slots"`
	PendingRebuild int      `json:"pending_rebuild"`
}

var networkCmd = &cobra.Command{
	Use:   "network_stat",
	Short: "summarize this node's live relay routes and fleet state",
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
		printResult(networkStatOf(d))
	},
}

func networkStatOf(d *daemon) networkStat {
	routes := d.relay.Routes()
	routed := make([]string, len(routes))
	for i, idurl := range routes {
		routed[i] = string(idurl)
	}
	slots := d.fleet.Slots()
	suppliers := make([]string, len(slots))
	for i, idurl := range slots {
		suppliers[i] = string(idurl)
	}
	return networkStat{
		Endpoint:       d.cfg.Endpoint,
		RoutedClients:  routed,
		SupplierSlots:  suppliers,
		PendingRebuild: len(d.matrix.Pending()),
	}
}
