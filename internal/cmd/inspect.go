package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fluxkit/fluxfs/fluxfs"
	"github.com/fluxkit/fluxfs/util"
	"github.com/spf13/cobra"
)

// NewInspectCmd creates and returns the inspect subcommand for the
// fluxfs CLI. It walks a mirror directory and validates its contents.
func NewInspectCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "inspect MIRROR_DIR",
		Short: "Inspect and validate a mirror directory",
		Long: `Walk a mirror directory, report its node layout, and validate that
every value file has a parseable metadata document with a unique id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0], verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every node path")

	return cmd
}

type inspectMeta struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

func runInspect(root string, verbose bool) error {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	var files, dirs, problems int
	seen := make(map[string]string)

	cfg := fluxfs.DefaultConfig()
	valueName := "value" + cfg.ValueExtension

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs++
			return nil
		}
		if filepath.Base(p) != valueName {
			return nil
		}
		files++
		nodeDir := filepath.Dir(p)
		rel, _ := filepath.Rel(root, nodeDir)
		treePath := "/" + filepath.ToSlash(rel)

		var meta inspectMeta
		metaPath := filepath.Join(nodeDir, "value"+fluxfs.MetaExtension)
		if err := util.ReadJSONFile(metaPath, &meta); err != nil {
			fmt.Printf("INVALID %s: missing or unparseable metadata: %v\n", treePath, err)
			problems++
			return nil
		}
		if meta.ID == "" {
			fmt.Printf("INVALID %s: metadata has no id\n", treePath)
			problems++
			return nil
		}
		if prev, dup := seen[meta.ID]; dup {
			fmt.Printf("INVALID %s: duplicate id %s (also at %s)\n", treePath, meta.ID, prev)
			problems++
			return nil
		}
		seen[meta.ID] = treePath

		if verbose {
			fmt.Printf("%-9s v%-3d %s\n", meta.Type, meta.Version, treePath)
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("%d value files, %d directories, %d problems\n", files, dirs-1, problems)
	if problems > 0 {
		return fmt.Errorf("validation found %d problems", problems)
	}
	return nil
}
