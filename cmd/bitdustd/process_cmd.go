// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"bitdust.io/bitdust/config"
	"bitdust.io/bitdust/errors"
)

func pidFilePath() string {
	return filepath.Join(config.Homedir(), ".bitdust", "bitdustd.pid")
}

func writePIDFile() error {
	const op = "main.writePIDFile"
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0700); err != nil {
		return errors.E(op, err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func removePIDFile() {
	os.Remove(pidFilePath())
}

func readPID() (int, error) {
	const op = "main.readPID"
	b, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, errors.E(op, errors.Invalid, errors.Str("no running bitdustd found (no pid file)"))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.E(op, errors.Invalid, err)
	}
	return pid, nil
}

var processCmd = &cobra.Command{
	Use:   "process_stop|process_restart",
	Short: "control an already-running bitdustd",
}

func init() {
	processCmd.AddCommand(processStopCmd)
	processCmd.AddCommand(processRestartCmd)
}

var processStopCmd = &cobra.Command{
	Use:   "process_stop",
	Short: "gracefully stop the running bitdustd",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pid, err := readPID()
		if err != nil {
			printError(err)
			return
		}
		if err := signalPID(pid, syscall.SIGTERM); err != nil {
			printError(err)
			return
		}
		printMessage("stop requested")
	},
}

var processRestartCmd = &cobra.Command{
	Use:   "process_restart",
	Short: "ask the running bitdustd to reload its configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pid, err := readPID()
		if err != nil {
			printError(err)
			return
		}
		if err := signalPID(pid, syscall.SIGHUP); err != nil {
			printError(err)
			return
		}
		printMessage("restart requested")
	},
}

func signalPID(pid int, sig syscall.Signal) error {
	const op = "main.signalPID"
	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.E(op, err)
	}
	if err := proc.Signal(sig); err != nil {
		return errors.E(op, errors.Transient, err)
	}
	return nil
}
