// Command fieldsync is the offline-first sync client for field data
// collection. It captures records locally, queues them durably, and syncs
// them to the remote authority whenever connectivity allows.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
