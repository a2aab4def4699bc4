// Grounded on registry/root.go's RootCmd shape: a version flag on the root
// command, with subcommands registered in init(). GCCmd and its
// redis/memory blob-descriptor-cache plumbing have no home here — SPEC_FULL
// §4's data model keeps no content-addressed blobs to mark-and-sweep, and
// unpublish is always an explicit, synchronous remove_package/
// remove_tarball call rather than a background reclamation pass (see
// DESIGN.md) — so DiagnoseCmd takes GCCmd's place as the version/
// diagnostics subcommand SPEC_FULL §4.11 calls for.
package registry

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pkgvault/pkgvault/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(DiagnoseCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the 'registry' binary.
var RootCmd = &cobra.Command{
	Use:   "registry",
	Short: "`registry`",
	Long:  "`registry`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

// DiagnoseCmd loads a configuration file and reports the version this
// binary was built from plus a summary of what that configuration wires up,
// without starting an HTTP server. Useful for validating a config file
// before deploying it, and for support bundles.
var DiagnoseCmd = &cobra.Command{
	Use:   "diagnose <config>",
	Short: "`diagnose` validates a configuration file and reports build info",
	Long:  "`diagnose` parses the given configuration, reports the running version, and summarizes the storage backend, uplinks, and package-access rules it resolves to.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (%s)\n", version.Package(), version.Version(), version.Revision())

		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		fmt.Printf("storage: %s\n", config.Storage.Type())
		fmt.Printf("uplinks: %d configured\n", len(config.Uplinks))
		for name, up := range config.Uplinks {
			fmt.Printf("  - %s -> %s\n", name, up.URL)
		}
		fmt.Printf("packages: %d access rules\n", len(config.Packages))
		fmt.Printf("notifications: %d endpoints\n", len(config.Notifications.Endpoints))
		fmt.Printf("http: %s%s\n", config.HTTP.Net, config.HTTP.Addr)
		if config.URLPrefix != "" {
			fmt.Printf("url_prefix: %s\n", config.URLPrefix)
		}
	},
}
