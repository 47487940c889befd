package cmd

import (
	"github.com/fluxkit/fluxfs/version"
	"github.com/spf13/cobra"
)

// NewRootCmd creates and returns the root cobra command for the fluxfs CLI.
// It sets up all subcommands, command groups, and basic configuration.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fluxfs",
		Short: "fluxfs - mount a reactive key/value tree as a filesystem",
		Long: `fluxfs exposes a hierarchical, reactive key/value tree as a real,
mountable filesystem and keeps a designated subtree synchronized in
both directions with plain files on disk for cross-process interop.

Use subcommands to perform different operations:
  - mount: Mount a fluxfs filesystem at a specified mountpoint
  - seed: Populate a mirror directory with a sample tree
  - inspect: Inspect and validate a mirror directory`,
		Version: version.GetFullVersion(),
	}

	groupUtilities := "utilities"
	groupFilesystem := "filesystem"

	rootCmd.AddGroup(&cobra.Group{
		ID:    groupFilesystem,
		Title: "Filesystem Operations",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupUtilities,
		Title: "Utility Commands",
	})

	mountCmd := NewMountCmd()
	seedCmd := NewSeedCmd()
	inspectCmd := NewInspectCmd()

	mountCmd.GroupID = groupFilesystem
	seedCmd.GroupID = groupUtilities
	inspectCmd.GroupID = groupUtilities

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(inspectCmd)

	return rootCmd
}
