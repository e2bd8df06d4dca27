package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/coreguard/coreguard/internal/api"
	"github.com/coreguard/coreguard/internal/config"
	"github.com/coreguard/coreguard/internal/controlapi"
	"github.com/coreguard/coreguard/internal/observe"
	"github.com/coreguard/coreguard/internal/service"
	"github.com/coreguard/coreguard/internal/supervisor"
	"github.com/coreguard/coreguard/pkg/logging"
	"github.com/coreguard/coreguard/pkg/middleware"
	"github.com/coreguard/coreguard/pkg/shutdown"
)

var daemonListen string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor daemon",
	Long: `Starts the supervisor, launches the proxy engine and serves the local
control API that the CLI and tray frontends talk to.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonListen, "listen", "127.0.0.1:9877", "address for the local control API")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	store, err := config.Load(SettingsPath())
	if err != nil {
		return err
	}
	set := store.Current()

	logger, err := logging.NewFileLogger("daemon", logging.ParseLevel(set.LogLevel), false)
	if err != nil {
		return err
	}
	defer logger.Close()

	engineLog := logging.NewEngineLog(set.LogRetain)
	registry := prometheus.NewRegistry()
	metrics := observe.NewMetrics(registry)

	sup := supervisor.Init(supervisor.Options{
		Settings:  store,
		Generator: config.NewGenerator(store),
		Service:   service.NewClient(set.ServiceSocket),
		Pusher:    controlapi.NewClient(set.ControllerAddr, set.ControllerSecret),
		Logger:    logger,
		EngineLog: engineLog,
		Metrics:   metrics,
	})

	// Launch the engine; startup failures are logged, not fatal, so the
	// control API stays available for a later manual start.
	go func() {
		if err := sup.Run(context.Background()); err != nil {
			logger.Error("failed to start engine", map[string]interface{}{"error": err.Error()})
		}
	}()

	handler := api.NewHandler(sup, engineLog, logger, registry)
	router := mux.NewRouter()
	router.Use(middleware.Recoverer(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.TokenAuth(set.APIToken))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         daemonListen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mgr := shutdown.New(30*time.Second, logger)
	mgr.Register(func(ctx context.Context) error {
		return sup.StopEngine(ctx)
	})
	mgr.Register(func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})

	go func() {
		logger.Info("control API listening", map[string]interface{}{"addr": daemonListen})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control API server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr.Wait()
	mgr.Shutdown()
	return nil
}
