// Command accessctl is the operator CLI for the access core: failed webhook
// review and replay, usage sweeps, reconciliation and token issuance.
package main

import (
	"fmt"
	"os"
)

// Build info - set by ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd(loadFromEnv).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
