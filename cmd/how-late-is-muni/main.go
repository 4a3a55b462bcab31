package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pmaris/how-late-is-muni/config"
)

// ErrUnknownRoute is returned when --route names a tag that has no
// active schedule, so the process exits non-zero instead of silently
// doing nothing.
var ErrUnknownRoute = errors.New("route has no active schedule")

var rootCmd = &cobra.Command{
	Use:          "how-late-is-muni",
	Short:        "Infers real-world arrival times from a transit provider's live predictions",
	SilenceUsage: true,
}

var (
	v          = viper.New()
	dbDSN      string
	dbBackend  string
	dbOnDisk   bool
	configFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (toml/yaml/json)")
	rootCmd.PersistentFlags().String("agency", "sf-muni", "provider agency tag")
	rootCmd.PersistentFlags().String("api-url", "", "provider JSON feed base URL")
	rootCmd.PersistentFlags().Int("day-switch-time", 0, "seconds after local midnight to roll the service day")
	rootCmd.PersistentFlags().Int("prediction-update-seconds", 0, "seconds between prediction polls")
	rootCmd.PersistentFlags().Int("duplicate-arrival-threshold", 0, "seconds within which a repeat arrival is treated as the same observation")
	rootCmd.PersistentFlags().Int("single-scheduled-arrival-threshold", 0, "seconds within which an arrival may match its sole scheduled candidate")
	rootCmd.PersistentFlags().StringVar(&dbBackend, "db-backend", "sqlite", "storage backend: sqlite, postgres, or memory")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db-dsn", "", "Postgres connection string (db-backend=postgres)")
	rootCmd.PersistentFlags().BoolVar(&dbOnDisk, "db-on-disk", true, "persist the sqlite database to disk (db-backend=sqlite)")

	if err := config.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(updateSchedulesCmd)
	rootCmd.AddCommand(updateRoutesCmd)
}

func loadConfig() (config.Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return config.Load(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		if errors.Is(err, ErrUnknownRoute) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
