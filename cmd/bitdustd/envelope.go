// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// envelope is the §6 CLI/API response shape: every subcommand prints
// exactly one of these to stdout as its final act, so a caller driving
// bitdustd as a collaborator process never has to parse free-form text.
type envelope struct {
	Status  string      `json:"status"`
	Result  interface{} `json:"result,omitempty"`
	Errors  []string    `json:"errors,omitempty"`
	Message string      `json:"message,omitempty"`
}

func printResult(result interface{}) {
	printEnvelope(envelope{Status: "OK", Result: result})
}

func printMessage(message string) {
	printEnvelope(envelope{Status: "OK", Message: message})
}

func printError(err error) {
	printEnvelope(envelope{Status: "ERROR", Errors: []string{err.Error()}})
}

func printEnvelope(e envelope) {
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(b))
	if e.Status == "ERROR" {
		os.Exit(1)
	}
}
