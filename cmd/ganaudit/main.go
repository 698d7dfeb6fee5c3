package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/danshapiro/ganaudit/internal/audit"
	"github.com/danshapiro/ganaudit/internal/completion"
	"github.com/danshapiro/ganaudit/internal/config"
	"github.com/danshapiro/ganaudit/internal/environ"
	"github.com/danshapiro/ganaudit/internal/handler"
	"github.com/danshapiro/ganaudit/internal/mcp"
	"github.com/danshapiro/ganaudit/internal/procman"
	"github.com/danshapiro/ganaudit/internal/session"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  ganaudit serve [--config <file.yaml>] [--env-file <path>]")
}

func serve(args []string) {
	var configPath string
	var envFile string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a path")
				os.Exit(1)
			}
			configPath = args[i]
		case "--env-file":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--env-file requires a path")
				os.Exit(1)
			}
			envFile = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}

	logger := log.New(os.Stderr, "[ganaudit] ", log.LstdFlags)

	// .env is a convenience for local runs; a missing file is not an error.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logger.Printf("env file %s: %v", envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("configuration: %v", err)
		os.Exit(1)
	}

	resolver := environ.NewResolver(cfg.Audit.ExecutableCandidates, cfg.Audit.PreserveEnvVars)
	executor := procman.NewExecutor(cfg.Audit.MaxConcurrent, logger)
	engine := audit.NewEngine(resolver, executor, audit.EngineOptions{
		Enabled:         cfg.IsEnabled(),
		MinVersion:      cfg.Audit.MinVersion,
		Timeout:         cfg.AuditTimeout(),
		Grace:           cfg.GraceTimeout(),
		MaxCaptureBytes: cfg.Audit.MaxCaptureBytes,
		Logger:          logger,
	})

	store, err := session.NewStore(cfg.Sessions.StateDirectory, cfg.MaxSessionAge(), logger)
	if err != nil {
		logger.Printf("session store: %v", err)
		os.Exit(1)
	}

	h := handler.New(engine, store, handler.Options{
		Enabled:             cfg.IsEnabled(),
		Async:               cfg.Audit.Async,
		HistoryLimit:        cfg.Sessions.HistoryLimit,
		Tiers:               convertTiers(cfg.Completion.Tiers),
		MaxIterations:       cfg.Completion.MaxIterations,
		StagnationThreshold: cfg.Completion.StagnationThreshold,
		StagnationStartLoop: cfg.Completion.StagnationStartLoop,
		Logger:              logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.IsEnabled() {
		res := engine.Validate(ctx)
		if !res.OK {
			for _, issue := range res.EnvironmentIssues {
				logger.Printf("availability check: %s", issue)
			}
			for _, rec := range res.Recommendations {
				logger.Printf("suggestion: %s", rec)
			}
			os.Exit(1)
		}
		logger.Printf("audit CLI %s version %s", res.Executable, res.Version)
		h.MarkValidated()
	} else {
		logger.Printf("GAN auditing disabled; serving passthrough only")
	}

	go store.RunCleanup(ctx, cfg.CleanupInterval())

	srv := mcp.NewServer(os.Stdin, os.Stdout, h, cfg.Sessions.MaxConcurrent, logger)
	serveErr := srv.Serve(ctx)
	engine.TerminateAll()
	if serveErr != nil {
		logger.Printf("serve: %v", serveErr)
		os.Exit(1)
	}
}

func convertTiers(tiers []config.Tier) []completion.Tier {
	out := make([]completion.Tier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, completion.Tier{
			Name:               t.Name,
			ScoreThreshold:     t.Score,
			IterationThreshold: t.Loop,
		})
	}
	return out
}
