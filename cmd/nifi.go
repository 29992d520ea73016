package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgflo/pg_ingest/pkg/notify"
)

var nifiBaseURL string

var nifiCmd = &cobra.Command{
	Use:   "nifi",
	Short: "Talk to the NiFi REST API",
}

var nifiStatusCmd = &cobra.Command{
	Use:   "status <processor-id>",
	Short: "Print the run status of a processor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nifiCfg := notify.DefaultNiFiConfig
		if nifiBaseURL != "" {
			nifiCfg.BaseURL = nifiBaseURL
		} else {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			nifiCfg = cfg.NiFi
		}
		client := notify.NewNiFiClient(nifiCfg)
		ctx, cancel := context.WithTimeout(context.Background(), nifiCfg.ConnectTimeout+nifiCfg.ReadTimeout)
		defer cancel()
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], client.ProcessorStatus(ctx, args[0]))
		return nil
	},
}

func init() {
	nifiCmd.PersistentFlags().StringVar(&nifiBaseURL, "base-url", "", "NiFi API base URL (default: nifi.base_url of the config)")
	nifiCmd.AddCommand(nifiStatusCmd)
}
