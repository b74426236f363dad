// Package cmd implements the geoxfer command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/geoxfer/internal/config"
	"github.com/3leaps/geoxfer/internal/observability"
	"github.com/3leaps/geoxfer/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "geoxfer",
	Short: "Geospatial import and export job orchestrator",
	Long: `geoxfer runs geospatial import and export jobs against PostgreSQL
databases and an object store.

Jobs move through validation, preparation, execution and finalization.
'geoxfer serve' runs the scheduler and the HTTP API; the 'jobs' commands
operate on the same job store.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		name := "geoxfer"
		if appIdentity != nil && appIdentity.BinaryName != "" {
			name = appIdentity.BinaryName
		}
		observability.InitCLILogger(name, verbose)
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose console logging")
}

func initConfig() {
	if appIdentity == nil {
		id := config.DefaultIdentity
		appIdentity = &id
	}
	setDefaults()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata for 'version' and GET /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity once the command line is initialized.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// setDefaults seeds the global viper instance that command flags bind to.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("health.enabled", true)
	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// flagOverrides returns config overrides for the flags set on cmd, keyed by
// the config key each flag is bound to.
func flagOverrides(cmd *cobra.Command, bindings map[string]string) map[string]any {
	out := make(map[string]any)
	for flag, key := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		_ = viper.BindPFlag(key, f)
		out[key] = viper.Get(key)
	}
	return out
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
