package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/sym"
)

// AmCmd manages configuration
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage stagebus configuration",
	Long: sym.AM + ` am - Manage stagebus configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (STAGEBUS_* prefix, e.g. STAGEBUS_STAGING_WORKERS)
2. Project config (./am.toml, searched upwards from the working directory)
3. User config (~/.stagebus/am.toml)
4. System config (/etc/stagebus/am.toml)
5. Default values

Examples:
  stagebus am show                 # Show current configuration
  stagebus am show --format json   # Show configuration in JSON format
  stagebus am get staging.workers  # Get a single value
  stagebus am init                 # Write a default ./am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a configuration value using dot notation (e.g., database.path, staging.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files were loaded",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long:  "Write the default configuration to path (default ./am.toml). An existing file is backed up first.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var (
	configFormat string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# stagebus configuration\n%s", data)
	case "toml":
		data, err := am.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# stagebus configuration\n%s", data)
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.NewNotFoundError("configuration key %q", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out := cmd.OutOrStdout()
	files := am.LoadedFiles()
	if len(files) == 0 {
		fmt.Fprintln(out, "No configuration files found; using defaults and STAGEBUS_* environment")
		return nil
	}
	fmt.Fprintln(out, "Loaded (lowest precedence first):")
	for _, f := range files {
		fmt.Fprintf(out, "  %s\n", f)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := "am.toml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return errors.WithHint(errors.Newf("%s already exists", path), "use --force to overwrite (the old file is kept as .back1)")
	}
	if err := am.WriteConfigFile(path, am.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", sym.AM, path)
	return nil
}
