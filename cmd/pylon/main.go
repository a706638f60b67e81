// Pylon is an authenticating reverse proxy that fronts a single
// downstream HTTP service with per-key rate limiting, a priority
// admission queue, and SSE passthrough.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	// Optional .env for local development; the config file is the
	// canonical source and expands ${VAR} references itself.
	godotenv.Load() //nolint:errcheck

	configPath := flag.String("config", "configs/pylon.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pylon", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
