// Command epochflow runs and inspects EpochFlow nodes.
//
// Usage:
//
//	epochflow run [--config path/to/config.yaml]
//	epochflow log dump --data-dir ./data --partition 1
package main

import (
	"fmt"
	"os"

	"github.com/snehjoshi/epochflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "epochflow: %v\n", err)
		os.Exit(1)
	}
}
