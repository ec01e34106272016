// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Workforge - a multi-tenant, ledger-backed job orchestrator for declarative work orders.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"workforge/internal/maintenance"
)

func main() {
	manifestsDir := flag.String("manifests", "manifests", "directory of per-module YAML manifests")
	outDir := flag.String("out", ".workforge/catalog", "directory to write the compiled CSV tables to")
	flag.Parse()

	if err := maintenance.Compile(*manifestsDir, *outDir); err != nil {
		log.Fatalf("compiling catalog: %v", err)
	}

	fmt.Printf("compiled catalog from %s into %s\n", *manifestsDir, *outDir)
	os.Exit(0)
}
