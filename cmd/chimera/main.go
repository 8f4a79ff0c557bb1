// Command chimera runs the content pipeline orchestrator and talks to a
// running instance over its HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultBaseURL = "http://localhost:8080"

type globalFlags struct {
	ConfigPath string
	BaseURL    string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	switch cmd := args[0]; cmd {
	case "serve":
		runServe(ctx, global, args[1:])
	case "submit":
		runSubmit(ctx, global, args[1:])
	case "status":
		runStatus(ctx, global, args[1:])
	case "audit":
		runAudit(ctx, global, args[1:])
	case "cancel":
		runCancel(ctx, global, args[1:])
	case "unblock":
		runUnblock(ctx, global, args[1:])
	case "peers":
		runPeers(ctx, global, args[1:])
	case "skills":
		runSkills(ctx, global, args[1:])
	case "help":
		printUsage()
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	global := globalFlags{
		BaseURL: defaultBaseURL,
		Timeout: 30 * time.Second,
	}
	fs := flag.NewFlagSet("chimera", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&global.ConfigPath, "config", "", "path to the YAML config file")
	fs.StringVar(&global.BaseURL, "url", defaultBaseURL, "base URL of a running instance")
	fs.DurationVar(&global.Timeout, "timeout", 30*time.Second, "request timeout")
	fs.BoolVar(&global.JSON, "json", false, "emit JSON instead of tables")
	fs.BoolVar(&global.Help, "help", false, "show usage")
	if err := fs.Parse(args); err != nil {
		return global, nil, err
	}
	return global, fs.Args(), nil
}

func printUsage() {
	fmt.Print(`chimera orchestrates the autonomous content pipeline.

Usage:
  chimera [flags] <command> [args]

Commands:
  serve                      run the orchestrator and its HTTP surfaces
  submit                     submit a work order, print the run id
  status <run-id>            show a run's snapshot
  audit <run-id>             print a run's audit trail
  cancel <run-id>            cancel a run
  unblock <run-id>           decide a blocked run (approve or deny)
  peers                      list live peer agent cards
  skills                     list this agent's registered skills

Flags:
  --config path              YAML config file (serve)
  --url URL                  base URL of a running instance (default ` + defaultBaseURL + `)
  --timeout d                request timeout (default 30s)
  --json                     JSON output
`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "chimera:", err)
	os.Exit(1)
}
