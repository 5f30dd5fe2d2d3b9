package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ev-charging/internal/config"
	"github.com/example/ev-charging/internal/dispatch"
	httpapi "github.com/example/ev-charging/internal/http"
	"github.com/example/ev-charging/internal/ingest"
	"github.com/example/ev-charging/internal/live"
	"github.com/example/ev-charging/internal/logging"
	"github.com/example/ev-charging/internal/models"
	"github.com/example/ev-charging/internal/payments"
	"github.com/example/ev-charging/internal/route"
	"github.com/example/ev-charging/internal/sim"
	"github.com/example/ev-charging/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var vehicles storage.VehicleStore
	var navs storage.NavigationStore
	var stations storage.StationStore
	var users storage.UserStore

	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		vehicles, navs, stations, users = ps, ps, ps, ps
	} else {
		ms := storage.NewMemoryStore()
		seedDemoData(ms)
		vehicles, navs, stations, users = ms, ms, ms, ms
		logger.Info("using in-memory store with demo data")
	}

	engine := &sim.Engine{
		Vehicles:            vehicles,
		Nav:                 navs,
		Users:               users,
		Clock:               sim.RealClock(),
		Logger:              logger,
		DefaultDrainRate:    cfg.DefaultDrainRate,
		LowBatteryPct:       cfg.LowBatteryPct,
		ArrivalRadiusMeters: cfg.ArrivalRadiusMeters,
		HoldAmountCents:     cfg.HoldAmountCents,
		HoldCurrency:        cfg.HoldCurrency,
	}

	if cfg.RedisAddr != "" {
		mirror := live.NewMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer mirror.Close()
		engine.Live = mirror
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		engine.Events = producer
	}
	if cfg.FCMEndpoint != "" {
		queue := dispatch.NewNotifyQueue(dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey), logger, 64)
		queue.Start(ctx)
		engine.Notifier = queue
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		engine.Billing = payments.NewStripeClient()
	}

	wsreg := dispatch.NewWSRegistry()
	srv := httpapi.NewServer(engine, stations, users, route.NewOSRMClient(cfg.OSRMEndpoint), wsreg, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ev-charging listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_schema.sql")
}

// seedDemoData loads a handful of Bangalore charging stations and demo users
// so the map has something to show when running without Postgres.
func seedDemoData(ms *storage.MemoryStore) {
	for _, s := range []models.Station{
		{ID: "mg-road", Name: "MG Road Metro", Latitude: 12.9757, Longitude: 77.6067, TotalSlots: 6, AvailableSlots: 6},
		{ID: "cubbon-park", Name: "Cubbon Park", Latitude: 12.9763, Longitude: 77.5929, TotalSlots: 4, AvailableSlots: 4},
		{ID: "koramangala", Name: "Koramangala Forum", Latitude: 12.9352, Longitude: 77.6245, TotalSlots: 8, AvailableSlots: 8},
		{ID: "indiranagar", Name: "Indiranagar 100ft Road", Latitude: 12.9784, Longitude: 77.6408, TotalSlots: 5, AvailableSlots: 5},
	} {
		ms.SeedStation(s)
	}
	for _, u := range []models.User{
		{Email: "demo@example.com", Name: "Demo Driver"},
		{Email: "test@example.com", Name: "Test Driver"},
	} {
		ms.SeedUser(u)
	}
}
