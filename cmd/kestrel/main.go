// Kestrel CLI, the entry point for running modules and the control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/kestrelvm/kestrel/config"
)

var (
	configPath string
	verbosity  int
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel - sandboxed concurrent execution engine",
	Long: `Kestrel runs untrusted bytecode modules in isolated sandboxes on a
shared worker pool, with per-sandbox heap, task, and step limits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		v := verbosity
		if !cmd.Flags().Changed("verbose") {
			v = -1
		}
		configureLogging(v)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to kestrel.toml")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 1, "log verbosity (0 quiet, 2 debug)")
}

// loadConfig resolves the effective configuration, then lets the verbosity
// flag win over the file when both are set.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func configureLogging(verbosity int) {
	if verbosity < 0 {
		cfg, err := loadConfig()
		if err != nil {
			// The command will report the config error itself.
			verbosity = 1
		} else {
			verbosity = cfg.Logging.Verbosity
		}
	}
	commonlog.Configure(verbosity, nil)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}
}
