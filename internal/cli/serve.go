package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crmbridge/crmbridge/internal/config"
	"github.com/crmbridge/crmbridge/internal/crmsync"
	"github.com/crmbridge/crmbridge/internal/httpapi"
)

// NewServeCommand creates the serve command, which runs the sync service
// until interrupted.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service",
		Long: `Start the HTTP API and both sync engines.

Example:
  crmbridge serve --config ./crmbridge.yaml
  CRMBRIDGE_CRM_ACCESS_TOKEN=pat-... crmbridge serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
	return cmd
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return err
	}
	for _, warning := range cfg.Warnings() {
		log.Printf("warning: %s", warning)
	}

	stateBackend, outboundQueue, inboundQueue, err := buildStorage(cfg.Storage, cfg.Sync.QueueSize)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	store := crmsync.NewStoreWithBackend(stateBackend)
	defer store.Close()

	crm := crmsync.NewHTTPCRMClient(crmsync.HTTPCRMClientOptions{
		BaseURL:     cfg.CRM.BaseURL,
		AccessToken: cfg.CRM.AccessToken,
	})

	engine := crmsync.NewEngine(crmsync.EngineOptions{
		Store:           store,
		CRM:             crm,
		OutboundQueue:   outboundQueue,
		InboundQueue:    inboundQueue,
		OutboundWorkers: cfg.Sync.OutboundWorkers,
		InboundWorkers:  cfg.Sync.InboundWorkers,
		QueueSize:       cfg.Sync.QueueSize,
	})
	defer engine.Close()

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		WebhookSecret:  cfg.Webhook.Secret,
		WebhookMaxSkew: cfg.Webhook.MaxSkew,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("crmbridge listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildStorage resolves the storage profile into a state backend and the two
// sync queues. Explicit DSNs override what the profile would pick.
func buildStorage(storage config.StorageConfig, queueSize int) (crmsync.StateBackend, crmsync.SyncQueue, crmsync.SyncQueue, error) {
	profile := strings.ToLower(strings.TrimSpace(storage.Profile))
	dataDir := storage.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	stateDSN := strings.TrimSpace(storage.DSN)
	queueDSN := strings.TrimSpace(storage.QueueDSN)

	if stateDSN == "" {
		switch profile {
		case "", "memory":
			stateDSN = "memory://"
		case "durable-local":
			stateDSN = "file://" + filepath.Join(dataDir, "state.json")
		case "sqlite":
			stateDSN = "sqlite://" + filepath.Join(dataDir, "crmbridge.db")
		case "production":
			return nil, nil, nil, fmt.Errorf("storage profile %q requires a dsn", profile)
		default:
			return nil, nil, nil, fmt.Errorf("unknown storage profile %q", profile)
		}
	}
	if queueDSN == "" {
		switch profile {
		case "durable-local":
			queueDSN = "file://" + dataDir
		case "production":
			queueDSN = stateDSN
		default:
			queueDSN = "memory://"
		}
	}

	stateBackend, err := crmsync.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, nil, nil, err
	}

	outbound, err := buildQueue(queueDSN, crmsync.DirectionOutbound, queueSize)
	if err != nil {
		return nil, nil, nil, err
	}
	inbound, err := buildQueue(queueDSN, crmsync.DirectionInbound, queueSize)
	if err != nil {
		return nil, nil, nil, err
	}
	return stateBackend, outbound, inbound, nil
}

// buildQueue derives a per-direction queue from a shared DSN. File DSNs point
// at a directory and get one file per direction; Postgres shares one table
// keyed by direction.
func buildQueue(dsn string, direction crmsync.SyncDirection, capacity int) (crmsync.SyncQueue, error) {
	if strings.HasPrefix(dsn, "file://") {
		dir := strings.TrimPrefix(dsn, "file://")
		return crmsync.NewFileSyncQueue(filepath.Join(dir, string(direction)+"_queue.json"), capacity)
	}
	return crmsync.BuildSyncQueueFromDSN(dsn, direction, capacity)
}
