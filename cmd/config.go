package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/appstrap/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print every configuration key with the environment variable it is read
from and its effective value after defaults are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVARIABLE\tVALUE")
		for _, row := range configRows(GetConfig()) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", row[0], config.GetEnvVarName(row[0]), row[1])
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// configRows pairs each key in config.Keys with its value in cfg
func configRows(cfg *config.Config) [][2]string {
	values := map[string]string{
		"some_path":           cfg.SomePath,
		"shutdown_timeout":    cfg.ShutdownTimeout.String(),
		"tick.count":          fmt.Sprint(cfg.Tick.Count),
		"tick.interval":       cfg.Tick.Interval.String(),
		"logging.level":       cfg.Logging.Level,
		"logging.format":      cfg.Logging.Format,
		"logging.output_file": cfg.Logging.OutputFile,
		"logging.verbose":     fmt.Sprint(cfg.Logging.Verbose),
		"metrics.addr":        cfg.Metrics.Addr,
	}

	keys := config.Keys()
	rows := make([][2]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, [2]string{key, values[key]})
	}
	return rows
}
