package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pivotcache/internal/api"
	"pivotcache/internal/config"
	"pivotcache/internal/engine"
	"pivotcache/internal/facttable"
	"pivotcache/internal/logging"
	"pivotcache/internal/snapshot"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		csvPath    string
		addr       string
	)
	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		if csvPath != "" {
			cfg.Data.CSV = csvPath
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:          "pivotcache",
		Short:        "Serve pivot grid cells from a cached cube",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&csvPath, "csv", "", "fact table CSV (overrides data.csv)")
	root.PersistentFlags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	return root
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := snapshot.Open(snapshot.Config{
		Path:       cfg.Snapshot.Path,
		InMemory:   cfg.Snapshot.InMemory,
		TTL:        cfg.Snapshot.TTL,
		GCInterval: 5 * time.Minute,
		Logger:     logger.With(slog.String("component", "snapshot")),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	// The API is live at once and answers 503 until the cube is loaded.
	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.CORS())
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	h := api.NewHandler(api.Options{
		Store:         store,
		Save:          engine.SaveOptions{IncludeCells: cfg.Snapshot.IncludeCells},
		CompleteRatio: cfg.Engine.CompleteRatio,
		Logger:        logger,
	})
	defer h.Close()
	h.RegisterRoutes(e)

	loadCtx, cancelLoad := context.WithCancel(ctx)
	defer cancelLoad()
	go func() {
		if err := load(loadCtx, cfg, h, logger); err != nil {
			logger.Error("fact table load failed", slog.String("csv", cfg.Data.CSV), slog.String("error", err.Error()))
		}
	}()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening, data loading in background", slog.String("addr", cfg.Server.Addr))
		errc <- e.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}

// load runs the ETL: build the cube, parse the CSV into the fact table and
// hand both to the API.
func load(ctx context.Context, cfg config.Config, h *api.Handler, logger *slog.Logger) error {
	t0 := time.Now()
	c, schema, err := cfg.Cube.Build()
	if err != nil {
		return err
	}
	opts := []facttable.Option{
		facttable.WithLogger(logger.With(slog.String("component", "facttable"))),
		facttable.WithDenseLimit(cfg.Data.DenseLimit),
	}
	if cfg.Data.Workers > 0 {
		opts = append(opts, facttable.WithWorkers(cfg.Data.Workers))
	}
	table, err := facttable.Load(ctx, cfg.Data.CSV, c, schema, opts...)
	if err != nil {
		return err
	}
	if err := cfg.Cube.ApplyCalculatedMembers(c); err != nil {
		table.Close()
		return err
	}
	layout, err := cfg.Cube.BuildLayout(c)
	if err != nil {
		table.Close()
		return err
	}
	h.SetBackend(c, table, layout)
	logger.Info("cube ready", slog.Int("rows", table.Rows()), slog.Duration("elapsed", time.Since(t0)))
	return nil
}
