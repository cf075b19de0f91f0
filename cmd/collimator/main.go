// Command collimator is the command-line interface for the cargoxray
// X-ray collimator photon-transport engine.
package main

import (
	"fmt"
	"os"

	"github.com/cargoxray/collimator/internal/cli"
)

func main() {
	cfg := cli.InitializeConfig()
	if err := cfg.Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
