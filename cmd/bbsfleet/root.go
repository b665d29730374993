package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bbsfleet/internal/config"
	"bbsfleet/internal/logging"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "bbsfleet",
	Short: "Drive a fleet of LLM-powered personas against dial-up boards",
	Long: `bbsfleet connects autonomous personas to interactive text boards over
telnet. Each persona carries persistent memory across sessions and shows up
on its own schedule in simulated time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(singleCmd)
	rootCmd.AddCommand(orchestrateCmd)
}

// loadConfig builds the runtime config and applies the global flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagVerbose {
		cfg.LogLevel = "debug"
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func fatalf(format string, args ...any) error {
	// Config errors exit 1 per the CLI contract; cobra relays the error.
	fmt.Fprintf(os.Stderr, "bbsfleet: "+format+"\n", args...)
	return fmt.Errorf(format, args...)
}
