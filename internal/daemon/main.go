package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jsherman999/contentrelay/internal/api"
	"github.com/jsherman999/contentrelay/internal/cluster"
	"github.com/jsherman999/contentrelay/internal/config"
	"github.com/jsherman999/contentrelay/internal/db"
	"github.com/jsherman999/contentrelay/internal/dispatch"
	"github.com/jsherman999/contentrelay/internal/events"
	"github.com/jsherman999/contentrelay/internal/registry"
	"github.com/jsherman999/contentrelay/internal/stream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func Main() {
	var cfgPath string

	root := &cobra.Command{Use: "relayd", Short: "Content relay daemon (webhook ingestion + client push)"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(checkConfigCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Log.Level))
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("service", "relayd")
}

func checkConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "api.listen=%s\n", cfg.API.Listen)
			fmt.Fprintf(out, "relay.send_timeout=%s\n", cfg.Relay.SendTimeout)
			fmt.Fprintf(out, "stream.send_buffer=%d stream.pong_wait=%s stream.allowed_origins=%s\n",
				cfg.Stream.SendBuffer, cfg.Stream.PongWait, strings.Join(cfg.Stream.AllowedOrigins, ","))
			fmt.Fprintf(out, "ingest.key_required=%t\n", cfg.Ingest.KeyHash != "")
			fmt.Fprintf(out, "ratelimit.connect=%g/%d ratelimit.ingest=%g/%d\n",
				cfg.RateLimit.Connect.Limit, cfg.RateLimit.Connect.Burst, cfg.RateLimit.Ingest.Limit, cfg.RateLimit.Ingest.Burst)
			fmt.Fprintf(out, "cluster.enabled=%t cluster.channel=%s\n", cfg.ClusterEnabled(), cfg.Cluster.Channel)
			fmt.Fprintf(out, "event_types=%s\n", strings.Join(events.EventTypes(), ","))
			return nil
		},
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := registry.New()
			dispatcher := dispatch.New(reg, log, cfg.Relay.SendTimeout)
			var (
				pub api.Publisher = dispatcher
				bus *cluster.Bus
			)
			if cfg.ClusterEnabled() {
				dbConn, err := db.Open(ctx, cfg.DB.DSN)
				if err != nil {
					return err
				}
				defer dbConn.Close()
				if err := dbConn.Ping(ctx); err != nil {
					return err
				}
				bus = cluster.New(dbConn, cfg.Cluster.Channel, dispatcher, log)
				pub = bus
			}

			streams := stream.NewServer(reg, log, stream.OptionsFrom(cfg))
			h := api.New(cfg, reg, pub, streams, log)
			defer h.Close()
			srv := &http.Server{Addr: cfg.API.Listen, Handler: h.Router(), ReadHeaderTimeout: cfg.API.ReadHeaderTimeout}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("relayd listening", "addr", cfg.API.Listen, "cluster", cfg.ClusterEnabled())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			if bus != nil {
				g.Go(func() error { return bus.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down", "connections", reg.Count())
				streams.Close()
				shCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				return nil
			})
			return g.Wait()
		},
	}
}
