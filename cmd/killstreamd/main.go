// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// killstreamd ingests the live killmail feed, enriches each kill with
// entity metadata, and fans the results out to websocket channels and
// webhook callbacks, keeping a bounded in-memory history for late
// joiners. Run it with --show-config to see the resolved settings.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/yaml.v3"

	"github.com/killstream/killstream/internal/config"
	internallogger "github.com/killstream/killstream/internal/logger"
)

var logger = internallogger.GetLogger("killstream.cmd")

func main() {
	os.Exit(Main(os.Args[1:]))
}

// commandLine holds the parsed flag values.
type commandLine struct {
	configPath    string
	dataDir       string
	loggingConfig string
	logFile       string
	showConfig    bool
}

func parseArgs(args []string) (commandLine, error) {
	var line commandLine
	f := gnuflag.NewFlagSet("killstreamd", gnuflag.ContinueOnError)
	f.SetOutput(os.Stderr)
	f.StringVar(&line.configPath, "config", "", "path to a YAML configuration file")
	f.StringVar(&line.dataDir, "data-dir", "", "directory resolved against for relative paths")
	f.StringVar(&line.loggingConfig, "logging-config", "", "loggo configuration overriding the config file")
	f.StringVar(&line.logFile, "log-file", "", "also write logs to this rotating file")
	f.BoolVar(&line.showConfig, "show-config", false, "print the resolved configuration and exit")
	if err := f.Parse(true, args); err != nil {
		return line, err
	}
	if extra := f.Args(); len(extra) > 0 {
		return line, errors.Errorf("unrecognised args: %v", extra)
	}
	return line, nil
}

// Main runs the daemon and returns the process exit code.
func Main(args []string) int {
	line, err := parseArgs(args)
	if err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "killstreamd: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(line.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "killstreamd: %v\n", err)
		return 1
	}

	if line.showConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "killstreamd: %v\n", err)
			return 1
		}
		fmt.Print(string(out))
		return 0
	}

	if err := setupLogging(cfg, line); err != nil {
		fmt.Fprintf(os.Stderr, "killstreamd: %v\n", err)
		return 1
	}

	ctx := context.Background()
	logger.Infof(ctx, "killstreamd starting, pid %d", os.Getpid())
	if err := newDaemon(cfg).run(ctx); err != nil {
		logger.Errorf(ctx, "killstreamd failed: %v", err)
		return 1
	}
	logger.Infof(ctx, "killstreamd stopped")
	return 0
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg, err := config.New(nil)
		return cfg, errors.Trace(err)
	}
	cfg, err := config.ReadFile(path)
	return cfg, errors.Trace(err)
}

// setupLogging applies the logging configuration, flag over file, and
// attaches a rotating log file writer when one is asked for.
func setupLogging(cfg config.Config, line commandLine) error {
	spec := cfg.LoggingConfig()
	if line.loggingConfig != "" {
		spec = line.loggingConfig
	}
	if spec == "" {
		spec = "<root>=INFO"
	}
	loggo.DefaultContext().ResetLoggerLevels()
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return errors.Annotate(err, "logging config")
	}

	if line.logFile == "" {
		return nil
	}
	logFile := line.logFile
	if !filepath.IsAbs(logFile) && line.dataDir != "" {
		logFile = filepath.Join(line.dataDir, logFile)
	}
	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100, // megabytes
		MaxBackups: 2,
		Compress:   true,
	}
	err := loggo.DefaultContext().AddWriter(
		"logfile", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
	return errors.Annotate(err, "log file")
}
