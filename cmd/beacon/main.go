package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnohr/beacon/internal/pipeline"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: beacon <run|version> [flags]\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: beacon <run|version> [flags]\n", os.Args[1])
		os.Exit(1)
	}
}

func run(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "/etc/beacon/config.toml", "path to config file")
	fs.Parse(args)

	var cfg *pipeline.Config
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		slog.Info("no config file, using defaults", "path", *configPath)
		cfg = pipeline.DefaultConfig()
	} else {
		var err error
		cfg, err = pipeline.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.NewProcessor(cfg)
	if err != nil {
		slog.Error("failed to create processor", "error", err)
		os.Exit(1)
	}

	if err := p.Run(ctx); err != nil {
		slog.Error("processor stopped with error", "error", err)
		os.Exit(1)
	}
}
