package cmd

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"

	"github.com/fluxkit/fluxfs/fluxfs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewSeedCmd creates and returns the seed subcommand for the fluxfs CLI.
// It populates a mirror directory with a randomized sample tree.
func NewSeedCmd() *cobra.Command {
	var (
		outputPath string
		fileCount  int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate a mirror directory with a sample tree",
		Long: `Generate a sample node tree and export it to a mirror directory.

Files are distributed across a handful of namespaces with randomized
content drawn from a UUID pool. The resulting directory can be ingested
by a subsequent mount.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(outputPath, fileCount, verbose)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Path to mirror directory (required)")
	cmd.Flags().IntVarP(&fileCount, "count", "c", 100, "Number of files to generate")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	cmd.MarkFlagRequired("output")

	return cmd
}

func runSeed(outputPath string, fileCount int, verbose bool) error {
	fluxfs.InitLogger(verbose, true)
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	cfg := fluxfs.DefaultConfig()
	cfg.MirrorDir = outputPath
	cfg.WatchChanges = false
	cfg.SyncIntervalMS = 0

	store := fluxfs.NewNodeStore(cfg.UID, cfg.GID)
	paths := fluxfs.NewPathIndex(store.RootID())
	handles := fluxfs.NewHandleTable()
	stats := &fluxfs.MountStats{}
	ops := fluxfs.NewOps(store, paths, handles, stats, cfg)

	engine, err := fluxfs.NewMirrorEngine(store, paths, cfg)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	uuidPool := make([]string, 50)
	for i := range uuidPool {
		uuidPool[i] = uuid.New().String()
	}
	namespaces := []string{"sensors", "agents", "tasks", "state"}
	for _, ns := range namespaces {
		if err := ops.Mkdir("/"+ns, 0o755); err != nil {
			return err
		}
	}

	for i := 0; i < fileCount; i++ {
		nsIdx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(namespaces))))
		uuidIdx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(uuidPool))))
		p := fmt.Sprintf("/%s/entry-%04d.json", namespaces[nsIdx.Int64()], i)

		fd, err := ops.Create(p, 0o644)
		if err != nil {
			return err
		}
		content := fmt.Sprintf("{\"value\":%q}\n", uuidPool[uuidIdx.Int64()])
		if _, err := ops.Write(fd, 0, []byte(content)); err != nil {
			return err
		}
		ops.Release(fd)
		if verbose && (i+1)%25 == 0 {
			fmt.Printf("seeded %d/%d files\n", i+1, fileCount)
		}
	}

	fmt.Printf("seeded %d files across %d namespaces into %s\n",
		fileCount, len(namespaces), outputPath)
	return nil
}
