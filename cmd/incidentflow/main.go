package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"incidentflow/internal/app"
	"incidentflow/internal/clock"
	"incidentflow/internal/config"
)

// main starts incidentflow using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, --check).
// Returns: exit code 2 on usage/config errors, 1 on runtime failure.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		checkOnly  = flag.Bool("check", false, "validate configuration and exit")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if *checkOnly {
		if _, err := config.LoadSnapshot(source); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "config invalid:", err.Error())
			os.Exit(2)
		}
		_, _ = fmt.Fprintln(os.Stdout, "config ok")
		return
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
