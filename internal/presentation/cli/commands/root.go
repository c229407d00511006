// Package commands implements the CLI commands for pulsesync.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/application"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/config"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// Version information - set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalFlags holds the global CLI flags.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	Verbose    bool
	Owner      string
}

// AppContext holds the application runtime context.
type AppContext struct {
	Config    *config.Config
	Formatter *output.Formatter
	Flags     *GlobalFlags
	Container *application.Container
}

var (
	globalFlags GlobalFlags
	appCtx      *AppContext
	appCtxMu    sync.RWMutex // Protects appCtx for thread-safe access
)

// Commands that never touch the database.
var skipInit = map[string]bool{
	"help":       true,
	"version":    true,
	"completion": true,
	"init":       true,
}

// NewRootCmd creates the root command for the pulsesync CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulsesync",
		Short: "PulseSync - Local-first health metric sync",
		Long: `PulseSync keeps a durable local copy of bucketed health metrics and
replicates it to a remote backend.

Sensor samples are aggregated into per-bucket entries (hourly steps, heart
rate and energy, daily sleep sessions), written locally first, and delivered
through a transactional outbox with bounded retries.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipInit[cmd.Name()] {
				return nil
			}
			return initializeApp(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeApp()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file path (default: ~/.pulsesync/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Output, "output", "o", "text", "output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Owner, "owner", "", "owner ID (default: owner from config)")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewSyncCmd())
	rootCmd.AddCommand(NewWriteCmd())
	rootCmd.AddCommand(NewEntriesCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewResubmitCmd())
	rootCmd.AddCommand(NewPurgeCmd())
	rootCmd.AddCommand(NewResetCmd())
	rootCmd.AddCommand(NewExportCmd())

	return rootCmd
}

// initializeApp loads configuration and builds the container.
func initializeApp(cmd *cobra.Command) error {
	formatter, err := newFormatter(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(globalFlags.ConfigFile)
	if err != nil {
		return err
	}
	if globalFlags.Owner != "" {
		cfg.Owner = globalFlags.Owner
	}

	application.Version = Version
	container, err := application.NewContainer(cfg, globalFlags.Verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	appCtxMu.Lock()
	appCtx = &AppContext{
		Config:    cfg,
		Formatter: formatter,
		Flags:     &globalFlags,
		Container: container,
	}
	appCtxMu.Unlock()

	return nil
}

// newFormatter builds a formatter for --output writing to cmd's stdout.
func newFormatter(cmd *cobra.Command) (*output.Formatter, error) {
	format, err := output.ParseFormat(globalFlags.Output)
	if err != nil {
		return nil, err
	}

	opts := []output.Option{
		output.WithFormat(format),
		output.WithWriter(cmd.OutOrStdout()),
	}
	if format == output.FormatJSON {
		opts = append(opts, output.WithColor(false))
	}
	return output.NewFormatter(opts...), nil
}

// loadConfig loads configuration from the specified file or default location.
// An explicit path must exist.
func loadConfig(configPath string) (*config.Config, error) {
	loader, err := config.NewLoader("")
	if err != nil {
		return nil, fmt.Errorf("failed to create config loader: %w", err)
	}

	if configPath != "" {
		return loader.LoadFromFile(configPath)
	}
	return loader.Load("")
}

// closeApp releases the container.
func closeApp() error {
	appCtxMu.Lock()
	ctx := appCtx
	appCtx = nil
	appCtxMu.Unlock()

	if ctx == nil || ctx.Container == nil {
		return nil
	}
	return ctx.Container.Close()
}

// GetAppContext returns the current application context.
// Returns nil if the app hasn't been initialized.
func GetAppContext() *AppContext {
	appCtxMu.RLock()
	defer appCtxMu.RUnlock()
	return appCtx
}

// GetFormatter returns the output formatter.
// Creates a default formatter if app context is not initialized.
func GetFormatter() *output.Formatter {
	appCtxMu.RLock()
	ctx := appCtx
	appCtxMu.RUnlock()

	if ctx != nil {
		return ctx.Formatter
	}
	return output.NewFormatter()
}

// GetContainer returns the application container.
// Returns nil if the app hasn't been initialized.
func GetContainer() *application.Container {
	appCtxMu.RLock()
	ctx := appCtx
	appCtxMu.RUnlock()

	if ctx != nil {
		return ctx.Container
	}
	return nil
}

// requireContainer returns the container or an error when initialization
// was skipped.
func requireContainer() (*application.Container, error) {
	c := GetContainer()
	if c == nil {
		return nil, errors.New("application not initialized")
	}
	return c, nil
}

// resolveOwner returns the owner from --owner or the config.
func resolveOwner(c *application.Container) (string, error) {
	if owner := c.Config().Owner; owner != "" {
		return owner, nil
	}
	return "", domainErrors.NewError(domainErrors.CodeValidation,
		"owner is required: set --owner or 'owner' in the config file", domainErrors.ErrOwnerRequired)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context so long-running commands can shut down cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if cerr := closeApp(); err == nil {
		err = cerr
	}

	if err != nil {
		GetFormatter().Error("%s", err.Error())
		stop()
		os.Exit(1)
	}
}
