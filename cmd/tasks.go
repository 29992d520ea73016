package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/pgflo/pg_ingest/pkg/task"
)

var tasksPath string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect task definitions",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the defined tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tasks, err := loadTasks(cmd)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSOURCE\tSCHEDULE\tTABLES")
		for _, t := range tasks {
			schedule := t.Schedule
			if schedule == "" {
				schedule = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", t.ID, t.Name, t.Type, t.SourceName(), schedule, len(t.Tables))
		}
		return w.Flush()
	},
}

var tasksValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the task definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tasks, err := loadTasks(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d tasks valid\n", len(tasks))
		return nil
	},
}

func init() {
	tasksCmd.PersistentFlags().StringVar(&tasksPath, "path", "", "task file or directory (default: tasks setting of the config)")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksValidateCmd)
}

func loadTasks(cmd *cobra.Command) ([]task.Task, error) {
	path := tasksPath
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		path = cfg.Tasks
	}
	return task.Load(path)
}

func taskJSON(t task.Task) (json.RawMessage, error) {
	return json.Marshal(t)
}
