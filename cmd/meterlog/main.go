package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/lsm/meterlog/internal/cli"
)

const usage = `meterlog - smart-meter B-route ingestion service

Usage:
  meterlog [config]            Run the ingestion pipeline
  meterlog validate [config]   Validate the settings file and exit

The settings file defaults to $METERLOG_CONFIG, then /app/config/settings.yml.
A .env file in the working directory is loaded first.`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// Variables already set in the environment take precedence over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	if len(args) > 0 {
		switch args[0] {
		case "validate":
			return cli.RunValidate(args[1:], os.LookupEnv, os.Stdout, os.Stderr)
		case "-h", "--help", "help":
			fmt.Println(usage)
			return nil
		}
	}

	var path string
	if len(args) > 0 {
		path = args[0]
	}
	return serve(path, os.LookupEnv)
}
