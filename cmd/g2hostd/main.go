// Package main provides the g2hostd daemon: the long-running process that
// hosts the message pipeline, container execution engine, task scheduler
// and IPC watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kaelstrand/g2host/internal/config"
	"github.com/kaelstrand/g2host/internal/orchestrator"
	"github.com/kaelstrand/g2host/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "migrate":
		migrateCmd(args)
	case "version":
		fmt.Printf("g2hostd %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`g2hostd - chat-driven agent orchestrator host runtime

Usage:
  g2hostd <command> [options]

Commands:
  serve     Start the message pipeline, scheduler, IPC watcher and channel adapters
  migrate   Apply the store schema and exit
  version   Print version information
  help      Show this help message

Configuration is read from G2_-prefixed environment variables (and a set of
legacy flat names); see internal/config for the full list.`)
}

// serveCmd starts the host runtime and blocks until SIGINT/SIGTERM.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: g2hostd serve

Start the host runtime: message pipeline, container execution engine, task
scheduler, IPC watcher and any configured channel adapters. Runs until
interrupted.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// migrateCmd opens the configured store and applies the schema, then exits.
// Schema application is additive and idempotent (CREATE TABLE IF NOT
// EXISTS), so this is safe to run repeatedly, including against a store
// already in use by a running g2hostd serve.
func migrateCmd(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: g2hostd migrate

Open the configured SQLite store and apply the schema, then exit.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating store directory: %v\n", err)
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(cfg.Store.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error applying schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Schema applied at %s\n", cfg.Store.DBPath)
}
