// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bitdust.io/bitdust/flags"
	"bitdust.io/bitdust/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "bitdustd",
	Short: "bitdustd runs and controls one node of the distributed backup network",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.ConfigFile, "config", flags.ConfigFile, "workspace configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "log level (debug, info, error)")
	cobra.OnInitialize(func() {
		if err := log.SetLevel(logLevel); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(supplierCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(dhtCmd)
}
