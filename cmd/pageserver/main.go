// Command pageserver runs the disaggregated storage engine described
// by this module: the remote timeline client, deletion queue, and
// per-timeline managers, behind a minimal debug HTTP surface.
//
// Grounded on cuemby-warren/cmd/warren/main.go's shape: a cobra root
// command, a config-driven "serve" subcommand, and a signal-channel
// wait for graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/neondatabase/pageserver-go/internal/config"
	"github.com/neondatabase/pageserver-go/internal/deletion"
	"github.com/neondatabase/pageserver-go/internal/logging"
	"github.com/neondatabase/pageserver-go/internal/metrics"
	"github.com/neondatabase/pageserver-go/internal/remoteclient"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pageserver",
	Short:   "Disaggregated page-server storage core",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pageserver.yaml", "path to pageserver.yaml")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the page server until terminated",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(cfg.Logging.ToLogging())
	log := logging.WithComponent("main")

	backend, err := buildStorageBackend(cmd.Context(), cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage backend: %w", err)
	}

	remote := remoteclient.New(backend, remoteclient.Config{
		Retry:                  remoteclient.RetryPolicy{MaxAttempts: cfg.Storage.Retry.MaxAttempts},
		UploadBytesPerSecond:   cfg.Storage.UploadBytesPerSecond,
		DownloadBytesPerSecond: cfg.Storage.DownloadBytesPerSecond,
	})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	queuePath := cfg.DataDir + "/deletion-queue.db"
	queue, frontend, backendWorker, err := deletion.New(remote, deletion.AlwaysValid{}, queuePath)
	if err != nil {
		return fmt.Errorf("open deletion queue: %w", err)
	}
	_ = queue

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go frontend.Run(ctx)
	go backendWorker.Run(ctx)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: debugRouter()}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("debug http surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-srvErr:
		log.Error().Err(err).Msg("debug http surface failed")
	}

	cancel()
	return srv.Shutdown(context.Background())
}

// debugRouter serves the admin/debug HTTP surface: metrics for
// scraping and a liveness probe. A full tenant/timeline management
// API (attach/detach, synthetic size queries, scrubber endpoints) is
// out of this module's scope per spec.md §1's non-goals around
// control-plane responsibilities; this surface only exposes what this
// process itself can answer without one.
func debugRouter() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func buildStorageBackend(ctx context.Context, cfg config.StorageConfig) (remoteclient.Backend, error) {
	switch cfg.Kind {
	case config.StorageS3:
		return remoteclient.NewS3Backend(ctx, remoteclient.S3Config{
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
	case config.StorageAzure:
		cred, err := azblob.NewSharedKeyCredential(cfg.Azure.AccountName, cfg.Azure.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("azure shared key credential: %w", err)
		}
		return remoteclient.NewAzureBackend(*cred, remoteclient.AzureConfig{
			AccountURL: cfg.Azure.AccountURL,
			Container:  cfg.Azure.Container,
			Prefix:     cfg.Azure.Prefix,
		})
	default:
		return remoteclient.NewMemStore(), nil
	}
}
