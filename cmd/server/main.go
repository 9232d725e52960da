package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/config"
	"github.com/electr1fy0/tandem/internal/logging"
	"github.com/electr1fy0/tandem/internal/server"
	"github.com/electr1fy0/tandem/internal/store"
)

var (
	configPath string
	addrFlag   string
	storeFlag  string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "tandem-server",
		Short:         "Serve real-time channel synchronization over websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.Flags().StringVar(&addrFlag, "addr", "", "listen address, overrides config and PORT")
	root.Flags().StringVar(&storeFlag, "store", "", "snapshot store: file, redis, badger or memory")
	root.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	if err := root.Execute(); err != nil {
		_, _ = os.Stderr.WriteString("tandem-server: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(afero.NewOsFs(), configPath, os.Getenv)
	if err != nil {
		return err
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	if storeFlag != "" {
		cfg.Store = storeFlag
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager := server.NewManager(server.Options{
		Store:              st,
		Logger:             log,
		Registerer:         reg,
		PingPeriod:         cfg.WS.PingPeriod,
		WriteWait:          cfg.WS.WriteWait,
		SaveTimeout:        cfg.WS.SaveTimeout,
		SendBuffer:         cfg.WS.SendBuffer,
		ReadLimit:          cfg.WS.ReadLimit,
		RateLimit:          rate.Limit(cfg.WS.RateLimit),
		RateBurst:          cfg.WS.RateBurst,
		OriginPatterns:     cfg.WS.OriginPatterns,
		InsecureSkipVerify: cfg.WS.InsecureSkipVerify,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           manager.Routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return manager.Run(egCtx)
	})
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.Store).Msg("starting the server")
		if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("listen: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	log.Info().Msg("server stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, xerrors.Errorf("redis connection failed: %w", err)
		}
		return store.NewRedisStore(rdb, cfg.Redis.Prefix), nil
	case config.StoreBadger:
		s, err := store.OpenBadger(cfg.SnapshotDir())
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreMemory:
		log.Warn().Msg("snapshots are kept in memory and lost on exit")
		return store.NewFileStore(afero.NewMemMapFs(), "/"), nil
	default:
		return store.NewFileStore(afero.NewOsFs(), cfg.SnapshotDir()), nil
	}
}
