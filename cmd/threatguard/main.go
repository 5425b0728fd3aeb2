package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"threatguard/internal/config"
)

const version = "0.4.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "threatguard",
	Short:         "Threat assessment and incident recovery engine",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML config file")
}

// loadManager opens the config file. A missing file falls back to defaults
// without reload support.
func loadManager() (*config.Manager, error) {
	path := config.ResolvePath(cfgFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.NewStaticManager(nil), nil
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
