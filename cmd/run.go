package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run one task in the foreground",
	Long:  "Run one task until it finishes, or until interrupted for continuous CDC tasks.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close connections")
			}
		}()

		taskID := args[0]
		go func() {
			<-ctx.Done()
			log.Info().Str("task_id", taskID).Msg("Interrupted, stopping task")
			_ = rt.manager.StopLocal(taskID)
		}()

		if err := rt.manager.Execute(context.Background(), taskID); err != nil {
			return err
		}

		status, _ := rt.manager.Status(taskID)
		log.Info().Str("task_id", taskID).Str("status", status.String()).Msg("Task run complete")
		return nil
	},
}
