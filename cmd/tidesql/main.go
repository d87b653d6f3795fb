// Command tidesql is the SQL transformation orchestrator CLI.
package main

import (
	"os"

	"github.com/tidemark-labs/tidesql/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
