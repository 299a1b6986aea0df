// Package main is the entrypoint for the fleet-addon-operator.
package main

import (
	"fmt"
	"os"

	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/cmd/operator/commands"
)

// Version is set at build time
var Version = "dev"

func main() {
	commands.SetVersion(Version)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
