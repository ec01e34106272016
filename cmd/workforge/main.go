// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Workforge - a multi-tenant, ledger-backed job orchestrator for declarative work orders.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package main

import (
	"fmt"
	"os"

	"workforge/internal/cli"
	"workforge/internal/cli/commands"
)

func main() {
	rootCmd := cli.NewRootCommand()

	err := rootCmd.Execute()
	if err != nil {
		// Centralize error printing here since the root command sets
		// SilenceErrors/SilenceUsage.
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(commands.ExitCode(err))
}
