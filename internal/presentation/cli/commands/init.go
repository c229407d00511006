package commands

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/config"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// InitResult holds the result of the init command for JSON output.
type InitResult struct {
	ConfigFile  string `json:"config_file"`
	Owner       string `json:"owner,omitempty"`
	Initialized bool   `json:"initialized"`
}

type initFlags struct {
	Force     bool
	RemoteURL string
	SourceDir string
	Timezone  string
}

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	var opts initFlags

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a configuration file populated with defaults.

The file goes to --config, $PULSESYNC_CONFIG or ~/.pulsesync/config.yaml.
An existing file is left alone unless --force is given. The API token is
not written; provide it through PULSESYNC_API_TOKEN.`,
		Example: `  pulsesync init --owner alice --remote-url https://metrics.example.com \
    --source-dir ~/samples --timezone Europe/Berlin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")
	cmd.Flags().StringVar(&opts.RemoteURL, "remote-url", "", "metrics backend base URL")
	cmd.Flags().StringVar(&opts.SourceDir, "source-dir", "", "sample directory; enables the file source")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "", "IANA timezone for bucket boundaries")

	return cmd
}

func runInit(cmd *cobra.Command, opts initFlags) error {
	formatter, err := newFormatter(cmd)
	if err != nil {
		return err
	}

	loader, err := config.NewLoader("")
	if err != nil {
		return err
	}
	path := globalFlags.ConfigFile
	if path == "" {
		path = loader.DefaultConfigPath()
	}

	result := InitResult{ConfigFile: path}

	if _, err := os.Stat(path); err == nil && !opts.Force {
		if formatter.Format() == output.FormatJSON {
			return formatter.JSON(result)
		}
		formatter.Warning("Configuration already exists at %s", path)
		return formatter.Info("Use --force to overwrite it")
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg := config.NewDefaultConfig()
	cfg.Owner = globalFlags.Owner
	cfg.Remote.BaseURL = opts.RemoteURL
	cfg.Sync.Timezone = opts.Timezone
	if opts.SourceDir != "" {
		cfg.Source.Type = config.SourceTypeFile
		cfg.Source.Directory = opts.SourceDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := loader.Save(cfg, path); err != nil {
		return err
	}
	result.Owner = cfg.Owner
	result.Initialized = true

	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(result)
	}
	formatter.Success("Wrote %s", path)
	if cfg.Owner == "" {
		formatter.Info("Set 'owner' in the file or pass --owner to each command")
	}
	if cfg.Remote.BaseURL == "" {
		formatter.Info("No remote configured; entries will stay local until remote.base_url is set")
	}
	return nil
}
