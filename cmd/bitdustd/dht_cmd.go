// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/spf13/cobra"

	"bitdust.io/bitdust/dht"
)

// devDHT is the single in-process dht.Memory node this CLI talks to.
// Real DHT participation is a cross-process key-value service this
// module treats as an opaque collaborator (spec §1); dht_get/dht_set
// exist to exercise the dht.Client contract end to end, not to stand in
// for a real Kademlia network — a value set by one invocation is only
// visible to a later one within the same process.
var devDHT = dht.NewMemory(nil)

var dhtCmd = &cobra.Command{
	Use:   "dht_get|dht_set",
	Short: "read or write a key in this node's local DHT view",
}

func init() {
	dhtCmd.AddCommand(dhtGetCmd)
	dhtCmd.AddCommand(dhtSetCmd)
}

var dhtGetCmd = &cobra.Command{
	Use:   "dht_get key",
	Short: "read a value from the local DHT view",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		value, err := devDHT.Get(context.Background(), args[0])
		if err != nil {
			printError(err)
			return
		}
		printResult(string(value))
	},
}

var dhtSetCmd = &cobra.Command{
	Use:   "dht_set key value",
	Short: "write a value into the local DHT view",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := devDHT.Set(context.Background(), args[0], []byte(args[1]), 0); err != nil {
			printError(err)
			return
		}
		printMessage("stored")
	},
}
