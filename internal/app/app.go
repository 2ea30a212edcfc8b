// ABOUTME: Wires store, cache, sync, connectivity, and the worker client together
// ABOUTME: Owns startup, the photo/route operations, and orderly shutdown

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tiger900/tripsync/internal/cache"
	"github.com/tiger900/tripsync/internal/client"
	"github.com/tiger900/tripsync/internal/config"
	"github.com/tiger900/tripsync/internal/netmon"
	"github.com/tiger900/tripsync/internal/protocol"
	"github.com/tiger900/tripsync/internal/store"
	"github.com/tiger900/tripsync/internal/syncer"
	"github.com/tiger900/tripsync/internal/weather"
)

// App is the assembled sync subsystem. Construction wires the pieces
// explicitly; nothing here is a package-level singleton.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *store.SQLiteStore
	photos  *store.PhotoStore
	routes  *store.RouteStore
	monitor netmon.Monitor
	probe   *netmon.Probe
	sync    *syncer.Manager
	weather *weather.Service
	worker  *client.Client
}

// New assembles the application from configuration. The connectivity
// monitor starts probing immediately; everything else waits for Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}

	st := store.NewSQLiteStore(cfg.Database.Path, logger)

	probeURL := cfg.Network.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Worker.Origin
	}
	probe := netmon.NewProbe(probeURL, cfg.Network.ProbeInterval, logger)

	queue := store.NewQueueStore(st)
	syncMgr := syncer.New(queue, probe, logger)

	weatherCache := cache.New(st, store.CollectionWeather, logger)
	weatherSvc := weather.New(weatherCache, probe, cfg.Weather.BaseURL, cfg.Weather.Timezone, logger)

	workerClient := client.New("ws://"+cfg.Worker.ListenAddr+"/ws", logger)

	a := &App{
		cfg:     cfg,
		logger:  logger.With("component", "app"),
		store:   st,
		photos:  store.NewPhotoStore(st),
		routes:  store.NewRouteStore(st),
		monitor: probe,
		probe:   probe,
		sync:    syncMgr,
		weather: weatherSvc,
		worker:  workerClient,
	}
	a.registerSyncHandlers()
	return a
}

// Run starts the subsystem and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	// The worker is optional: its absence just means no shared cache
	if err := a.worker.Connect(ctx); err == nil {
		a.logger.Info("cache worker attached")
	}

	unsubWorker := a.worker.Subscribe(func(msg protocol.Message) {
		switch msg.Type {
		case protocol.MsgProcessSyncQueue:
			go a.drain(ctx)
		case protocol.MsgSWActivated:
			var payload protocol.VersionPayload
			if err := msg.DecodePayload(&payload); err == nil {
				a.logger.Info("cache worker activated", "version", payload.Version)
			}
		}
	})
	defer unsubWorker()

	stopSync := a.sync.Start(ctx)
	defer stopSync()

	if removed, err := a.weather.Sweep(ctx); err != nil {
		a.logger.Warn("weather sweep failed", "error", err)
	} else if removed > 0 {
		a.logger.Info("startup weather sweep", "removed", removed)
	}

	if a.monitor.Online() {
		go a.drain(ctx)
	}

	a.logger.Info("tripsync running", "db", a.cfg.Database.Path)
	<-ctx.Done()
	return a.Close()
}

// Close releases everything Run started. Safe after a failed startup too.
func (a *App) Close() error {
	a.worker.Close()
	a.probe.Close()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	a.logger.Info("tripsync stopped")
	return nil
}

func (a *App) drain(ctx context.Context) {
	if _, err := a.sync.ProcessQueue(ctx); err != nil {
		a.logger.Error("sync pass failed", "error", err)
	}
}

// AddPhoto stores a photo locally and queues its upload. Online or not,
// the local write always succeeds first.
func (a *App) AddPhoto(ctx context.Context, photo *store.Photo) error {
	if err := a.photos.Add(ctx, photo); err != nil {
		return err
	}

	return a.queuePhotoAction(ctx, "upload", photo.ID)
}

// UpdateCaption edits a photo caption locally and queues the change.
func (a *App) UpdateCaption(ctx context.Context, photoID, caption string) error {
	photo, err := a.photos.UpdateCaption(ctx, photoID, caption)
	if err != nil {
		return err
	}
	if photo == nil {
		return fmt.Errorf("photo %s not found", photoID)
	}

	return a.queuePhotoAction(ctx, "update", photoID)
}

// DeletePhoto removes a photo locally and queues the remote delete.
func (a *App) DeletePhoto(ctx context.Context, photoID string) error {
	if err := a.photos.Delete(ctx, photoID); err != nil {
		return err
	}

	return a.queuePhotoAction(ctx, "delete", photoID)
}

// SaveRoute stores a route locally. Routes live on-device only.
func (a *App) SaveRoute(ctx context.Context, route *store.Route) error {
	return a.routes.Put(ctx, route)
}

// queuePhotoAction queues the mutation; QueueSync itself kicks a drain
// when we're online.
func (a *App) queuePhotoAction(ctx context.Context, action, photoID string) error {
	data, err := json.Marshal(photoPayload{PhotoID: photoID})
	if err != nil {
		return err
	}
	_, err = a.sync.QueueSync(ctx, action, "photo", data)
	return err
}

// Photos exposes the photo store for read paths.
func (a *App) Photos() *store.PhotoStore { return a.photos }

// Routes exposes the route store for read paths.
func (a *App) Routes() *store.RouteStore { return a.routes }

// Sync exposes the sync manager for status subscriptions.
func (a *App) Sync() *syncer.Manager { return a.sync }

// Weather exposes the forecast service.
func (a *App) Weather() *weather.Service { return a.weather }

// Worker exposes the cache worker client.
func (a *App) Worker() *client.Client { return a.worker }
