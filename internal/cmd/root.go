package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/christopher-igweze/clarity-check/internal/config"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "clarity",
	Short: "Runtime probes and release gating for untrusted repositories",
	Long: `clarity clones a repository into a disposable sandbox, runs a fixed
sequence of install, build, test and audit steps, and streams the outcome
as Server-Sent Events. Campaigns probe many repositories several times and
a validation gate decides whether the results are good enough to ship.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	// cfg is the effective configuration, loaded before any command runs.
	cfg *config.Config
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, which commands observe for
// cancellation.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./"+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file seeding the environment; missing files are ignored")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format override: json, text")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c

	lc := c.LoggerConfig()
	info := version.GetInfo()
	lc.ServiceVersion = info.Version
	log.SetDefaultLogger(log.New(lc))

	c.Telemetry.ServiceName = lc.ServiceName
	c.Telemetry.ServiceVersion = info.Version
	return nil
}
