package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matgreaves/warden/server"
)

func main() {
	opts := server.FromEnv()

	port := flag.Int("port", 0, "listen port (default $WS_PORT or 8080)")
	host := flag.String("host", "", "listen interface (default all interfaces)")
	path := flag.String("path", "", "WebSocket upgrade path (default /ws)")
	public := flag.String("public", "", "static asset directory (default ./public)")
	knowledgeDir := flag.String("knowledge", "", "knowledge store directory (empty disables)")
	maxConns := flag.Int("max-conns", 0, "maximum concurrent sessions (default 100)")
	janitor := flag.Duration("janitor", time.Minute, "inactive-session sweep interval (0 disables)")
	flag.Parse()

	// Flags win over the environment.
	if *port != 0 {
		opts.Port = *port
	}
	if *host != "" {
		opts.Host = *host
	}
	if *path != "" {
		opts.Path = *path
	}
	if *public != "" {
		opts.PublicDir = *public
	}
	if *knowledgeDir != "" {
		opts.KnowledgeDir = *knowledgeDir
	}
	if *maxConns != 0 {
		opts.MaxConnections = *maxConns
	}
	opts.JanitorInterval = *janitor

	srv, err := server.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}
}
