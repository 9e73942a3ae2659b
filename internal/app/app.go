// Package app assembles the gate controller from its configuration and owns
// the lifecycle of every long-running component.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gate-controller/internal/access"
	"gate-controller/internal/config"
	"gate-controller/internal/db"
	"gate-controller/internal/health"
	transport "gate-controller/internal/http"
	"gate-controller/internal/ingest"
	"gate-controller/internal/logger"
	"gate-controller/internal/odoo"
	"gate-controller/internal/queue"
	"gate-controller/internal/realtime"
	"gate-controller/internal/relay"
	"gate-controller/internal/remotesync"
	"gate-controller/internal/repository"
	"gate-controller/internal/service"
	"gate-controller/internal/storage"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg *config.Config
	log zerolog.Logger

	db       *gorm.DB
	relays   *relay.Controller
	odoo     *odoo.Client
	sync     *remotesync.Engine
	hub      *realtime.Hub
	uploader *storage.Uploader
	router   *gin.Engine
}

// New opens the database, claims the relay backend and wires the services.
// Everything New acquired is released by Close.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	gdb, err := db.Open(cfg.Database, logger.Component(log, "db"))
	if err != nil {
		return nil, err
	}
	a.db = gdb

	vehicles := repository.NewVehicleRepository(gdb)
	locations := repository.NewLocationRepository(gdb)
	cameras := repository.NewCameraRepository(gdb)
	barriers := repository.NewBarrierRepository(gdb)
	blacklist := repository.NewBlacklistRepository(gdb)
	logs := repository.NewAccessLogRepository(gdb)

	q := queue.New(repository.NewQueueRepository(gdb), logger.Component(log, "queue"))
	dispatcher := queue.NewDispatcher(q, logger.Component(log, "queue"))

	backend, err := newRelayBackend(cfg.Relay, logger.Component(log, "relay"))
	if err != nil {
		a.Close()
		return nil, err
	}
	relays, err := relay.NewController(backend, logger.Component(log, "relay"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialise relays: %w", err)
	}
	a.relays = relays

	a.odoo = odoo.NewClient(odoo.NewSettingsStore(repository.NewSettingsRepository(gdb)), cfg.Sync.RequestTimeout, logger.Component(log, "odoo"))
	a.sync = remotesync.NewEngine(a.odoo, remotesync.Stores{
		Vehicles:  vehicles,
		Locations: locations,
		Cameras:   cameras,
		Logs:      logs,
	}, q, dispatcher, cfg.Sync, logger.Component(log, "sync"))

	images := storage.NewLocal(cfg.Storage.ImagesDir)
	sampler := health.NewSampler(cfg.Storage.ImagesDir, logger.Component(log, "health"))

	var gate *service.GateService
	a.hub = realtime.NewHub(realtime.Options{
		QueueSize:     cfg.Realtime.QueueSize,
		ClientBuffer:  cfg.Realtime.ClientBuffer,
		StatsInterval: cfg.Realtime.StatsInterval,
		Stats: func(ctx context.Context) (interface{}, error) {
			return gate.Stats(ctx)
		},
		Status: func(ctx context.Context) (interface{}, error) {
			return a.systemStatus(ctx, sampler), nil
		},
	}, logger.Component(log, "realtime"))

	relays.SetListener(func(states map[int]relay.ChannelState) {
		a.hub.BroadcastGlobal(realtime.Message{
			Type: realtime.TypeBarrierStatus,
			Data: gin.H{"relays": states},
		})
	})

	deps := service.Deps{
		Engine:    access.NewEngine(vehicles, blacklist, cameras, barriers, logger.Component(log, "access")),
		Relays:    relays,
		Cameras:   cameras,
		Barriers:  barriers,
		Blacklist: blacklist,
		Logs:      logs,
		Images:    images,
		Hub:       a.hub,
		Sync:      a.sync,
	}
	if cfg.Storage.S3.Enabled {
		store, err := storage.NewS3Store(cfg.Storage.S3)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to configure object storage: %w", err)
		}
		a.uploader = storage.NewUploader(images, store, q, dispatcher, logs, logger.Component(log, "storage"))
		deps.Uploads = a.uploader
		log.Info().Str("endpoint", cfg.Storage.S3.Endpoint).Str("bucket", cfg.Storage.S3.Bucket).Msg("object storage enabled")
	}
	gate = service.NewGateService(deps, cfg.Barrier.PulseDuration, logger.Component(log, "gate"))

	handler := transport.NewHandler(transport.Deps{
		Gate:       gate,
		Normalizer: ingest.NewNormalizer(logger.Component(log, "ingest")),
		Relays:     relays,
		Odoo:       a.odoo,
		Sync:       a.sync,
		Queue:      q,
		Hub:        a.hub,
	}, cfg, logger.Component(log, "http"))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger.Component(log, "http")), cors.New(corsConfig(cfg.HTTP.AllowedOrigins)))
	handler.Register(r, transport.AuthMiddleware(cfg.HTTP.JWTSecret, logger.Component(log, "auth")))
	a.router = r

	return a, nil
}

// newRelayBackend picks the actuation backend. A GPIO chip that cannot be
// opened degrades to the simulated driver so the service still answers.
func newRelayBackend(cfg config.RelayConfig, log zerolog.Logger) (relay.Backend, error) {
	switch cfg.Mode {
	case "web":
		log.Info().Str("host", cfg.Web.Host).Int("port", cfg.Web.Port).Msg("using web relay board")
		return relay.NewWebBackend(cfg.Web, log), nil
	case "gpio", "":
		var driver relay.LineDriver
		if cfg.GPIO.Simulate {
			log.Warn().Msg("gpio simulation enabled, relays will not actuate")
			driver = relay.NewSimDriver()
		} else {
			chip, err := relay.OpenChip(chipNames(cfg.GPIO.Chip)...)
			if err != nil {
				log.Error().Err(err).Msg("gpio unavailable, falling back to simulation")
				driver = relay.NewSimDriver()
			} else {
				log.Info().Str("chip", chip.Name()).Msg("using gpio relays")
				driver = chip
			}
		}
		return relay.NewGPIOBackend(driver, cfg.GPIO.Pins)
	default:
		return nil, fmt.Errorf("unknown relay mode %q", cfg.Mode)
	}
}

func chipNames(configured string) []string {
	if configured == "" {
		return nil
	}
	return []string{configured, "gpiochip0", "gpiochip4"}
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	c.AllowOrigins = origins
	return c
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

func (a *App) systemStatus(ctx context.Context, sampler *health.Sampler) gin.H {
	return gin.H{
		"relay_backend": a.relays.Kind(),
		"relays":        a.relays.States(),
		"relay_error":   a.relays.LastError(),
		"sync":          a.sync.Status(ctx),
		"system":        sampler.Sample(ctx),
		"ws_clients":    a.hub.ClientCount(),
	}
}

func (a *App) Router() http.Handler {
	return a.router
}

// SyncOnce pulls the remote reference data and drains the outbound queue
// without touching the relays.
func SyncOnce(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*remotesync.Result, error) {
	gdb, err := db.Open(cfg.Database, logger.Component(log, "db"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close(gdb) }()

	logs := repository.NewAccessLogRepository(gdb)
	q := queue.New(repository.NewQueueRepository(gdb), logger.Component(log, "queue"))
	dispatcher := queue.NewDispatcher(q, logger.Component(log, "queue"))
	client := odoo.NewClient(odoo.NewSettingsStore(repository.NewSettingsRepository(gdb)), cfg.Sync.RequestTimeout, logger.Component(log, "odoo"))
	engine := remotesync.NewEngine(client, remotesync.Stores{
		Vehicles:  repository.NewVehicleRepository(gdb),
		Locations: repository.NewLocationRepository(gdb),
		Cameras:   repository.NewCameraRepository(gdb),
		Logs:      logs,
	}, q, dispatcher, cfg.Sync, logger.Component(log, "sync"))
	if cfg.Storage.S3.Enabled {
		store, err := storage.NewS3Store(cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to configure object storage: %w", err)
		}
		storage.NewUploader(storage.NewLocal(cfg.Storage.ImagesDir), store, q, dispatcher, logs, logger.Component(log, "storage"))
	}
	return engine.ForceSync(ctx)
}

// Serve runs the HTTP server, the realtime hub and the sync loop until ctx is
// cancelled, then shuts them down in reverse order.
func (a *App) Serve(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.hub.Run(hubCtx)
	}()

	if a.odoo.IsConfigured(ctx) {
		a.sync.Start(context.Background())
	} else {
		a.log.Info().Msg("remote not configured, sync starts after login")
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		a.log.Error().Err(serveErr).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("http server shutdown incomplete")
	}

	a.sync.Stop()
	if a.uploader != nil && !a.uploader.Wait(shutdownTimeout) {
		a.log.Warn().Msg("image uploads still running at shutdown")
	}
	stopHub()
	<-hubDone

	return serveErr
}

// Close releases the relays and the database. It is safe on a partly built App.
func (a *App) Close() {
	if a.relays != nil {
		if err := a.relays.Close(shutdownTimeout); err != nil {
			a.log.Warn().Err(err).Msg("failed to release relays")
		}
	}
	if a.db != nil {
		if err := db.Close(a.db); err != nil {
			a.log.Warn().Err(err).Msg("failed to close database")
		}
	}
}
