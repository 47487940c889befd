package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/fluxkit/fluxfs/fluxfs"
	"github.com/fluxkit/fluxfs/version"
	"github.com/spf13/cobra"
)

// NewMountCmd creates and returns the mount subcommand for the fluxfs CLI.
// It handles mounting fluxfs filesystems at specified mountpoints.
func NewMountCmd() *cobra.Command {
	var (
		mirrorDir  string
		intervalMS int
		noWatch    bool
		noSync     bool
		debugMode  bool
		prettyLogs bool
	)

	cmd := &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Mount a fluxfs filesystem",
		Long: `Mount a fluxfs filesystem at the specified mountpoint.

MOUNTPOINT is the directory where the filesystem will be mounted. The
mirror directory (default MOUNTPOINT.mirror) is kept in two-way sync
with the tree unless syncing is disabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(args[0], mirrorDir, intervalMS, noWatch, noSync, debugMode, prettyLogs)
		},
	}

	cmd.Flags().StringVarP(&mirrorDir, "mirror", "m", "", "Mirror directory (default MOUNTPOINT.mirror)")
	cmd.Flags().IntVarP(&intervalMS, "interval", "i", 0, "Sync batching interval in ms (0 = immediate)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable the mirror-directory watcher")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Disable disk mirroring entirely")
	cmd.Flags().BoolVarP(&debugMode, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&prettyLogs, "pretty", false, "Human-readable log output")

	return cmd
}

func runMount(mountpoint, mirrorDir string, intervalMS int, noWatch, noSync, debugMode, prettyLogs bool) error {
	fluxfs.InitLogger(debugMode, prettyLogs)
	fmt.Printf("fluxfs %s starting...\n", version.GetFullVersion())

	manager, err := fluxfs.NewConfigManager()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := manager.GetConfig()
	cfg.MountPoint = mountpoint
	if mirrorDir != "" {
		cfg.MirrorDir = mirrorDir
	}
	cfg.SyncIntervalMS = intervalMS
	if noWatch {
		cfg.WatchChanges = false
	}
	if noSync {
		cfg.AutoSync = false
	}
	cfg.DebugMode = debugMode

	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("failed to create mountpoint: %w", err)
	}

	mm := fluxfs.NewMountManager()
	mount, err := mm.Create(cfg)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		fluxfs.GetLogger().Info("received interrupt signal, shutting down")
		mm.CloseAll()
		os.Exit(0)
	}()

	err = mount.Serve()
	mm.CloseAll()
	return err
}
