package main

import (
	"context"
	"drec-sync/drec"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPaths multiFlag
	var sleep time.Duration
	var logLevel string
	var debug bool
	var once bool
	var pollInterval time.Duration

	flag.Var(&configPaths, "config", "YAML config file path. Can be repeated; files are processed in order.")
	flag.DurationVar(&sleep, "sleep", 0, "Delay between processing two config files (e.g. 5s).")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs (same as --log-level=debug).")
	flag.BoolVar(&once, "once", true, "Process every config file once and exit (default true for crontab).")
	flag.DurationVar(&pollInterval, "poll-interval", time.Minute, "Delay between passes when running with --once=false.")
	flag.Parse()

	configPaths = append(configPaths, flag.Args()...)
	if len(configPaths) == 0 {
		fmt.Fprintln(os.Stderr, "missing config (use --config=<file> or pass files as arguments)")
		os.Exit(2)
	}
	if debug {
		logLevel = "debug"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := drec.NewRunner(drec.RunnerConfig{
		ConfigPaths: configPaths,
		Sleep:       sleep,
		LogLevel:    logLevel,
	})
	if err != nil {
		log.Fatalf("init runner: %v", err)
	}

	for {
		if _, err := runner.RunOnce(ctx); err != nil {
			if once {
				log.Fatalf("run once: %v", err)
			}
			log.Printf("run once error: %v", err)
		}
		if once || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}
