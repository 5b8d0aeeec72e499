// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// nanostat - Nanohub context hub tool
//
// A CLI tool for managing hub apps, monitoring the host-hub packet link
// and running a simulated hub.

package main

import (
	"os"

	"github.com/contexthub/nanostat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
