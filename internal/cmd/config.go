package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
	Long: `The configuration is the built-in defaults overlaid with the YAML file
given by --config (or ./clarity.yaml when present).

Examples:
  # Print the effective configuration
  clarity config show

  # Check a file without running anything
  clarity --config staging.yaml config validate
`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and step catalog",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// runConfigValidate relies on loadConfig having validated everything; it
// only reports what was loaded.
func runConfigValidate(cmd *cobra.Command, args []string) error {
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	source := configPath
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d steps, sandbox provider %s\n",
		styles.Success.Render("valid"), source, catalog.Len(), cfg.Sandbox.Provider)
	return nil
}
