package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-transport/config"
	"github.com/cyberinferno/go-transport/driver/udpdriver"
	"github.com/cyberinferno/go-transport/logger"
	"github.com/cyberinferno/go-transport/metrics"
	"github.com/cyberinferno/go-transport/server"
	"github.com/cyberinferno/go-transport/transport"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
		echo       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transport server",
		Long: `Run the transport server until interrupted.

Examples:
  transportd serve --config transportd.yaml
  transportd serve --listen 0.0.0.0:7777 --echo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = *loaded
			}

			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, &cfg, echo)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override server.listen_address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&echo, "echo", false, "Send every received message back to its sender")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, echo bool) error {
	lg, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer lg.Close()

	sc, err := cfg.ServerConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "transport")

	var srv *server.Server
	handler := server.Handlers{
		OnServerConnectionState: func(state transport.LocalConnectionState) {
			lg.Info("server state changed", logger.Field{Key: "state", Value: state.String()})
		},
		OnRemoteConnectionState: func(state transport.RemoteConnectionState, id transport.ClientID) {
			lg.Info("remote client state changed",
				logger.Field{Key: "state", Value: state.String()},
				logger.Field{Key: "client_id", Value: id},
				logger.Field{Key: "address", Value: srv.GetConnectionAddress(id)},
			)
		},
		OnReceivedData: func(data []byte, channel transport.Channel, id transport.ClientID, asServer bool) {
			lg.Debug("received message",
				logger.Field{Key: "client_id", Value: id},
				logger.Field{Key: "channel", Value: channel.String()},
				logger.Field{Key: "bytes", Value: len(data)},
			)
			if echo {
				if err := srv.SendToClient(channel, data, id); err != nil {
					lg.Warn("echo failed", logger.Field{Key: "client_id", Value: id}, logger.Field{Key: "error", Value: err.Error()})
				}
			}
		},
	}

	srv, err = server.New(sc, udpdriver.Factory(udpdriver.WithLogger(lg)),
		server.WithLogger(lg),
		server.WithMetrics(m),
		server.WithHandler(handler),
	)
	if err != nil {
		return err
	}

	if err := srv.StartConnection(); err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		httpSrv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           newStatusRouter(srv, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("status server failed", logger.Field{Key: "error", Value: err.Error()})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		lg.Info("status endpoint listening", logger.Field{Key: "addr", Value: cfg.Metrics.Address})
	}

	if r, ok := lg.(logger.Reopener); ok {
		stopReopen := reopenOnHangup(ctx, r, lg)
		defer stopReopen()
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// reopenOnHangup reopens the log files whenever the process receives SIGHUP,
// until ctx is done or the returned func is called.
func reopenOnHangup(ctx context.Context, r logger.Reopener, lg logger.Logger) func() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := r.Reopen(); err != nil {
					lg.Error("log reopen failed", logger.Field{Key: "error", Value: err.Error()})
					continue
				}
				lg.Info("log files reopened")
			}
		}
	}()

	return func() {
		signal.Stop(hup)
		cancel()
		<-done
	}
}
