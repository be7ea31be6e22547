package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/nullstream/influx-replicator/internal/orchestrator"
)

var (
	configDir = flag.String("config-dir", defaultConfigDir(), "Directory containing job *.yaml configuration files")
	version   = flag.Bool("version", false, "Show version information")
	help      = flag.Bool("help", false, "Show help information")
)

const (
	AppName    = "influx-replicator"
	AppVersion = "1.0.0"
	AppDesc    = "InfluxDB 1.x to InfluxDB 1.x measurement replicator"
)

func main() {
	flag.Parse()

	if *help {
		showHelp()
		return
	}
	if *version {
		showVersion()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go waitForShutdown(cancel)

	code := orchestrator.Run(ctx, *configDir)
	os.Exit(int(code))
}

func defaultConfigDir() string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/config"
}

func waitForShutdown(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
}

func showHelp() {
	fmt.Printf(`%s - %s

Usage:
  %s [options]

Options:
  -config-dir string
        Directory containing job *.yaml configuration files (default %q)
  -version
        Show version information
  -help
        Show this help message

Configuration:
  Every non-template *.yaml file in -config-dir is loaded as one job.
  Files named *.template.yaml are skipped. Environment variables referenced
  as ${VAR} in a config file are substituted before parsing; an optional
  .env file in the working directory is loaded if present.

`, AppName, AppDesc, os.Args[0], defaultConfigDir())
}

func showVersion() {
	fmt.Printf(`%s %s

Build:
  Go version: %s
  OS/Arch:    %s/%s

%s
`, AppName, AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH, AppDesc)
}
