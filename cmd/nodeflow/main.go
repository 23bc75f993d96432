package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/soochol/nodeflow/internal/config"
	"github.com/soochol/nodeflow/internal/db"
)

var version = "v0.1.0"

func main() {
	cmd := &cli.Command{
		Name:    "nodeflow",
		Usage:   "Run workflow graphs on demand, on a schedule, or from webhooks and chat events",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API, scheduler and trigger ingress",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply the database schema and exit",
				Action: migrate,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("nodeflow exited with error", "err", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Resolve(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	setupLogger(cfg.Log)
	return cfg, nil
}

// setupLogger installs the process-wide slog handler.
func setupLogger(lc config.LogConfig) {
	level, _ := lc.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Run(ctx)
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is not configured")
	}
	database, err := db.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("database migrated")
	return nil
}
