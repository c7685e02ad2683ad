package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matgreaves/warden/client"
)

const defaultAddr = "ws://127.0.0.1:8080/ws"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "ls":
		err = runLs(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "logs":
		err = runLogs(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "warden: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: warden <command> [flags]

Commands:
  ls                          List processes
  start --title T CMD [ARG...] Spawn a process
  stop [--force] ID           Terminate a process
  status ID                   Show one process record
  logs [--kind k] [--tail n] ID  Show captured logs
  watch                       Stream broadcast events

The daemon address comes from -addr or $WARDEN_ADDR (default %s).
Run 'warden <command> --help' for command-specific flags.
`, defaultAddr)
}

// serverAddr resolves the daemon address: flag value, then $WARDEN_ADDR,
// then the default.
func serverAddr(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("WARDEN_ADDR"); env != "" {
		return env
	}
	return defaultAddr
}

// dial connects to the daemon with a short timeout.
func dial(addr string) (*client.Client, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c, err := client.Dial(ctx, addr)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}
