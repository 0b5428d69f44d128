package main

import (
	"fmt"
	"os"

	"github.com/proc-tools/keeper/pkg/config"
	"github.com/proc-tools/keeper/pkg/daemon"
	"github.com/proc-tools/keeper/pkg/errors"
	"github.com/proc-tools/keeper/pkg/logging"
	"github.com/proc-tools/keeper/pkg/processfile"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config   string `long:"config" short:"c" description:"path to the YAML configuration file"`
	PIDFile  string `long:"pid-file" description:"path to the daemon PID file"`
	LogLevel string `long:"log-level" description:"log level (debug, info, warn, error)"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Config == "" {
		fmt.Println("Configuration file is required")
		os.Exit(1)
	}

	cfg, err := config.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.LogLevel
	if opts.LogLevel != "" {
		logLevel = opts.LogLevel
	}
	zapAdapter, err := logging.NewZapAdapter(logLevel)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapAdapter.Sync()

	logger := logging.NewLogger("keeperd , ", zapAdapter.LogFuncs())

	if opts.PIDFile != "" {
		pidFile := processfile.New(opts.PIDFile, logger)
		if err := pidFile.Acquire(); err != nil {
			if errors.IsConflictError(err) {
				logger.Infof("Daemon is already running, exiting")
				return
			}
			logger.Errorf("Failed to acquire PID file: %v", err)
			os.Exit(1)
		}
		defer pidFile.Release()
	}

	supervisor := daemon.New(cfg, logger)
	defer supervisor.Close()

	if err := supervisor.Run(); err != nil {
		logger.Errorf("Daemon failed: %v", err)
		os.Exit(1)
	}
}
