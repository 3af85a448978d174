package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpdownload "github.com/nullstream/imgpull/internal/adapters/in/http/download"
	"github.com/nullstream/imgpull/internal/adapters/in/ws"
	"github.com/nullstream/imgpull/internal/adapters/out/progressbus"
	"github.com/nullstream/imgpull/internal/adapters/out/registryclient"
	"github.com/nullstream/imgpull/internal/adapters/out/taskstore"
	"github.com/nullstream/imgpull/internal/boundaries/out"
	"github.com/nullstream/imgpull/internal/config"
	"github.com/nullstream/imgpull/internal/domain"
	"github.com/nullstream/imgpull/internal/usecase/download"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the download engine's Control API and WebSocket server",
	Long:  `Start the HTTP Control API, WebSocket progress channel, and the task Scheduler that drives image downloads.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := zerowrap.New(zerowrap.Config{Level: cfg.Logging.Level})

	fs := afero.NewOsFs()
	store := taskstore.New(fs, cfg.Server.DownloadsRoot, log)
	if err := store.Load(cmd.Context()); err != nil {
		return fmt.Errorf("loading persisted tasks: %w", err)
	}

	sourceTable := registryclient.NewSourceTable(customSources(cfg))
	registry := registryclient.New(nil, sourceTable, log)

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := config.Load()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config reload failed, keeping previous sources")
			return
		}
		sourceTable.Replace(customSources(newCfg))
		log.Info().Str("file", e.Name).Int("sources", len(newCfg.Sources)).Msg("registry sources reloaded")
	})

	bus := progressbus.New(log)

	runner := download.NewRunner(store, registry, bus, fs, cfg.Scheduler.MaxRetries, cfg.Scheduler.NBlobs, log)
	scheduler := download.NewScheduler(runner, cfg.Scheduler.NTasks, log)

	svc := download.NewService(store, registry, scheduler, cfg.Scheduler.RetainOnCancel, log)

	if err := resumeInFlightTasks(cmd.Context(), store, scheduler, log); err != nil {
		log.Warn().Err(err).Msg("failed to resume in-flight tasks on startup")
	}

	mux := http.NewServeMux()
	downloadHandler := httpdownload.NewHandler(svc, log)
	downloadHandler.SetMaxBodySize(cfg.Server.MaxRequestBodyBytes())
	downloadHandler.RegisterRoutes(mux)
	ws.NewHandler(bus, log).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // blob downloads and the WS channel are long-lived
		IdleTimeout:       120 * time.Second,
	}

	log.Info().
		Str(zerowrap.FieldLayer, "cmd").
		Str("address", cfg.Server.Address).
		Str("downloads_root", cfg.Server.DownloadsRoot).
		Msg("imgpull server listening")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control API server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-cmd.Context().Done():
		log.Info().Msg("context cancelled, shutting down")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()

	log.Info().Msg("shutting down control API server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control API server shutdown error")
	}

	log.Info().Msg("shutting down scheduler")
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown error")
	}

	return nil
}

// customSources projects config's registry sources into the shape
// registryclient.SourceTable expects, deriving an auth scheme from
// whether a username was supplied. Shared between the initial load and
// every config-file-change reload so the two never drift apart.
func customSources(cfg *config.Config) map[string]registryclient.RegistrySource {
	sources := make(map[string]registryclient.RegistrySource, len(cfg.Sources))
	for name, src := range cfg.Sources {
		scheme := registryclient.AuthAnonymous
		if src.Username != "" {
			scheme = registryclient.AuthBasic
		}
		sources[name] = registryclient.RegistrySource{
			Host:      src.Host,
			URLScheme: src.URLScheme,
			Scheme:    scheme,
			Username:  src.Username,
			Password:  src.Password,
		}
	}
	return sources
}

// resumeInFlightTasks re-admits any task left in Fetching or Resolving
// when the process last exited, matching spec.md §5's "tasks left in
// Fetching at shutdown will be recovered to Fetching via resumption"
// behaviour. Pending/Paused tasks are left alone; a client must
// explicitly Resume a Paused task.
func resumeInFlightTasks(ctx context.Context, store out.TaskStore, scheduler *download.Scheduler, log zerowrap.Logger) error {
	tasks, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	for _, task := range tasks {
		if task.State != domain.StateFetching && task.State != domain.StateResolving {
			continue
		}
		log.Info().Str("task_id", task.ID).Str("state", string(task.State)).Msg("resuming in-flight task from previous run")
		scheduler.Admit(task.ID)
	}
	return nil
}
