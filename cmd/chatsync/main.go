// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chatsync is a terminal chat client built on the conversation
// synchronization core.
//
// Two modes of operation:
//
// TUI mode (default): an inbox or widget-style client with a
// conversation sidebar, a message pane that keeps its place while
// older history loads above it, and a composer. Background logs go to
// the status bar and, with --log-output, to a JSON file.
//
// Follow mode (--follow): opens the conversations named with
// --conversation and prints every merged change as one JSON object
// per line on stdout, for scripting.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chatsync/lib/coordinator"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

// usageError is returned for bad command lines; it exits with 2.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }
func (e *usageError) ExitCode() int { return 2 }

func usage(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

type options struct {
	configPath    string
	mode          string
	conversations []string
	follow        bool
	metricsListen string
	logOutput     string
	logLevel      string
	help          bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	flagSet.StringVar(&opts.configPath, "config", "", "path to chatsync.yaml (default: $CHATSYNC_CONFIG)")
	flagSet.StringVar(&opts.mode, "mode", "", "window policy: widget or inbox (overrides widget.mode)")
	flagSet.StringSliceVarP(&opts.conversations, "conversation", "c", nil, "conversation to open at startup (repeatable)")
	flagSet.BoolVar(&opts.follow, "follow", false, "print merged changes as JSON lines instead of running the TUI")
	flagSet.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	flagSet.StringVar(&opts.logOutput, "log-output", "", "write JSON log records to this file")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			opts.help = true
			return &opts, flagSet, nil
		}
		return nil, flagSet, &usageError{err: err}
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, flagSet, usage("unexpected argument: %s", rest[0])
	}
	if opts.mode != "" {
		if _, err := coordinator.ParseMode(opts.mode); err != nil {
			return nil, flagSet, &usageError{err: err}
		}
	}
	if opts.follow && len(opts.conversations) == 0 {
		return nil, flagSet, usage("--follow needs at least one --conversation")
	}
	if _, err := parseLevel(opts.logLevel); err != nil {
		return nil, flagSet, &usageError{err: err}
	}
	return &opts, flagSet, nil
}

func run(args []string) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.follow {
		return runFollow(cfg, opts)
	}
	return runTUI(cfg, opts)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chatsync: terminal chat client.

Configuration is read from --config or $CHATSYNC_CONFIG.

Usage:
  chatsync [flags]

Examples:
  # Inbox-style client
  chatsync --mode inbox

  # Tail two conversations as JSON lines
  chatsync --follow -c general -c ops | jq .

Keys:
  %s

Flags:
`, strings.Join([]string{
		"tab switch pane · enter open/send · pgup older history · end latest",
		"C-n/C-p next/previous window · C-o minimize · C-w close · C-c quit",
		"/attach PATH · /edit TEXT · /delete (your newest message)",
	}, "\n  "))
	flagSet.PrintDefaults()
}
