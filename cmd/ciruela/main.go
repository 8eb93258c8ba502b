// Command ciruela is the uploader-side client: it builds a directory
// manifest, signs the admission request with an SSH private key, and admits
// it straight into a local daemon's metadata/disk stores.
//
// A real deployment would send the signed request to a peer over the
// gossip transport and let reconciliation spread the image to the rest of
// the cluster; that transport is out of scope here (see proto.Handler's
// doc comment), so this binary exercises the same admission and disk-commit
// path a transport-backed daemon would, against the daemon's own on-disk
// state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "ciruela",
	Short:        "ciruela - directory image upload client",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
