// Command valve-meter controls irrigation valves over MQTT and GPIO and
// meters the water each one delivers.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/sweeney/valve-meter/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	load := func() (*config.Config, error) {
		return loadConfig(cfgPath)
	}

	runCmd := newRunCmd(load)
	root := &cobra.Command{
		Use:   "valve-meter",
		Short: "Irrigation valve controller and water meter",
		Long: `valve-meter drives irrigation valves (Zigbee over MQTT, or GPIO relays),
integrates their flow telemetry into per-session volumes and keeps lifetime,
resettable and rolling usage totals in SQLite.

Without a subcommand it runs the daemon.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "",
		"config file (default "+config.DefaultPath+" when present)")

	root.AddCommand(
		runCmd,
		newTotalsCmd(load),
		newSessionsCmd(load),
		newResetCmd(load),
		newConfigCmd(load),
	)
	return root
}

// loadConfig reads path, or DefaultPath when path is empty and the file
// exists. With neither it runs on defaults and environment overrides.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("checking %s: %w", config.DefaultPath, err)
		}
	}
	return config.Load(path)
}
