// Command registry runs the package registry server.
//
// Grounded on cmd/registry/main.go's role as a thin entrypoint delegating to
// the registry package's cobra command tree, simplified down to that single
// responsibility: all configuration resolution, logging setup, and HTTP
// serving now live in registry.RootCmd and its subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/pkgvault/pkgvault/registry"
)

func main() {
	if err := registry.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
