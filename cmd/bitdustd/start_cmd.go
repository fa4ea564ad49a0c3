// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bitdust.io/bitdust/config"
	"bitdust.io/bitdust/flags"
	"bitdust.io/bitdust/log"
)

// evaluateInterval is how often the running node re-evaluates its
// supplier fleet and rebuild queue, mirroring §4.9's periodic
// fire/hire sweep.
const evaluateInterval = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "run this node until stopped (process_stop or SIGTERM/SIGINT)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStart(); err != nil {
			printError(err)
		}
	},
}

func runStart() error {
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		return err
	}
	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	if err := writePIDFile(); err != nil {
		return err
	}
	defer removePIDFile()

	log.Info.Printf("bitdustd: started as %s", cfg.IDURL)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	ticker := time.NewTicker(evaluateInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				cfg, err = config.Load(flags.ConfigFile)
				if err != nil {
					log.Error.Printf("bitdustd: reload failed: %v", err)
					continue
				}
				log.Info.Printf("bitdustd: configuration reloaded")
			default:
				log.Info.Printf("bitdustd: received %v, shutting down", s)
				return nil
			}
		case now := <-ticker.C:
			d.fleet.Evaluate(ctx, now)
			if pending := d.matrix.Pending(); len(pending) > 0 {
				log.Info.Printf("bitdustd: %d block(s) pending rebuild", len(pending))
			}
		}
	}
}
