// Package main provides the strata CLI.
package main

import (
	"os"

	"github.com/leapstack-labs/strata/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
