package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/bug-match-backend/internal/config"
	"github.com/DoyleJ11/bug-match-backend/internal/httpapi"
	"github.com/DoyleJ11/bug-match-backend/internal/hub"
	"github.com/DoyleJ11/bug-match-backend/internal/lobby"
	"github.com/DoyleJ11/bug-match-backend/internal/logging"
	"github.com/DoyleJ11/bug-match-backend/internal/store"
	"github.com/DoyleJ11/bug-match-backend/internal/ws"
)

const releaseVersion = "0.1.0"

type matchStore interface {
	httpapi.History
	lobby.Recorder
}

func main() {
	log.SetFlags(0)
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal(err)
	}
	cfg := &config.Config{}
	cobra.CheckErr(newCmd(cfg).ExecuteContext(context.Background()))
}

func newCmd(cfg *config.Config) *cobra.Command {
	var origins []string

	cmd := &cobra.Command{
		Use:           "bugmatch-server",
		Short:         "Realtime two-player bug/solution memory game server.",
		Args:          cobra.ExactArgs(0),
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRun: func(cmd *cobra.Command, _ []string) {
			config.Bind(cmd.Flags(), config.EnvPrefix)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, origins)
		},
	}

	cfg.Register(cmd.Flags())
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "extra websocket origin patterns, e.g. localhost:* (env: BUGMATCH_ORIGIN)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("bugmatch-server v{{.Version}}\n")
	return cmd
}

func run(parent context.Context, cfg *config.Config, origins []string) error {
	logger, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var history matchStore = store.Nop{}
	if cfg.DatabaseURL != "" {
		s, err := store.Open(ctx, cfg.DatabaseURL, logger.Named("store"))
		if err != nil {
			return err
		}
		defer s.Close()
		history = s
		logger.Info("match history enabled")
	}

	opts := cfg.LobbyOptions()
	opts.Logger = logger.Named("lobby")
	opts.Recorder = history
	// Rooms outlive the signal context so they can tell players the server
	// is going away.
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	h := hub.NewHub(hubCtx, opts)

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Hub:       h,
			History:   history,
			PublicURL: cfg.PublicURL,
			Logger:    logger.Named("http"),
			WS: ws.Options{
				Logger:         logger.Named("ws"),
				ReadTimeout:    cfg.ReadTimeout,
				WriteTimeout:   cfg.WriteTimeout,
				OriginPatterns: origins,
			},
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		select {
		case h.Inbox() <- hub.ShutdownHub{}:
		default:
			cancelHub()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
