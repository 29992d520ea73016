package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pgflo/pg_ingest/pkg/config"
	"github.com/pgflo/pg_ingest/pkg/offsets"
)

var offsetsCmd = &cobra.Command{
	Use:   "offsets",
	Short: "Inspect and reset offsets of the file offset backend",
}

var offsetsListCmd = &cobra.Command{
	Use:   "list [task-id]",
	Short: "List stored offsets, optionally of one task",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openFileOffsets(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		prefix := ""
		if len(args) == 1 {
			prefix = args[0] + "/"
		}
		stored, err := store.List(prefix)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(stored))
		for k := range stored {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, stored[k])
		}
		return nil
	},
}

var offsetsResetCmd = &cobra.Command{
	Use:   "reset <task-id>",
	Short: "Delete the offsets of a task so its next run starts from the beginning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openFileOffsets(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		stored, err := store.List(args[0] + "/")
		if err != nil {
			return err
		}
		for key := range stored {
			if err := store.Delete(key); err != nil {
				return fmt.Errorf("failed to delete offset %s: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
		}
		return nil
	},
}

func init() {
	offsetsCmd.AddCommand(offsetsListCmd)
	offsetsCmd.AddCommand(offsetsResetCmd)
	rootCmd.AddCommand(offsetsCmd)
}

func openFileOffsets(cmd *cobra.Command) (*offsets.FileStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Offsets.Backend != config.OffsetsFile {
		return nil, errors.New("offsets are kept in the metadata database; the offsets command needs offsets.backend: file")
	}
	return offsets.NewFileStore(cfg.Offsets.Path)
}
