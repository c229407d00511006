package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Log in the configured owner and run the sync engine in the foreground.

While running, pulsesync:
  • pulls sensor aggregates into the local store on a schedule and on
    source change notifications (file watcher, MQTT)
  • delivers pending outbox events to the remote backend with retries
  • keeps a debounced daily summary up to date

Stop with Ctrl-C or SIGTERM; in-flight work is cancelled and awaited.`,
		Example: `  # Run for the owner in the config file
  pulsesync run

  # Run for a specific owner with debug logging
  pulsesync run --owner alice -v`,
		Args: cobra.NoArgs,
		RunE: runEngine,
	}

	return cmd
}

func runEngine(cmd *cobra.Command, args []string) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	owner, err := resolveOwner(container)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	formatter := GetFormatter()

	if err := container.Start(ctx); err != nil {
		return err
	}

	if _, err := container.Sessions().Login(ctx, owner); err != nil {
		return fmt.Errorf("failed to start session for %s: %w", owner, err)
	}

	if !container.HasSource() {
		formatter.Warning("No sensor source configured; only manual entries will be delivered")
	}
	formatter.Success("Syncing for %s (Ctrl-C to stop)", owner)

	<-ctx.Done()

	formatter.Info("Shutting down...")
	return container.Sessions().Logout(owner)
}
