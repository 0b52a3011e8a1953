package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vietddude/adsync/internal/core/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and list the configured jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		renderConfigSummary(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}

func renderConfigSummary(w io.Writer, cfg *config.AppConfig) {
	fmt.Fprintf(w, "Config OK: %s\n", cfgPath)

	storageMode := "memory"
	if cfg.Database.URL != "" {
		storageMode = "postgres"
	}
	fmt.Fprintf(w, "Admin API port: %d, history: %s, redis: %t, events: %t\n",
		cfg.Server.Port, storageMode, cfg.Redis.URL != "", cfg.Events.URL != "")

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Job", "Accounts", "Interval", "Max Retries", "Paused"})
	for _, j := range cfg.Scheduler.Jobs {
		retries := "default"
		if j.MaxRetries != nil {
			retries = strconv.Itoa(*j.MaxRetries)
		}
		t.AppendRow(table.Row{j.ID, strings.Join(j.AccountIDs, ","), j.Interval, retries, j.Paused})
	}
	t.Render()
}
