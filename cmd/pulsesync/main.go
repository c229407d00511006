// PulseSync CLI entry point
//
// PulseSync is a local-first sync engine for bucketed health metrics. It
// aggregates sensor samples into a durable local store and replicates them
// to a remote backend through a transactional outbox.
package main

import "github.com/jbctechsolutions/pulsesync/internal/presentation/cli/commands"

func main() {
	commands.Execute()
}
