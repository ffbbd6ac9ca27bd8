package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"heirloom.org/internal/collab"
	"heirloom.org/internal/httpapi"
	"heirloom.org/internal/monitor"
	"heirloom.org/internal/obs"
	"heirloom.org/internal/outbox"
	"heirloom.org/internal/store/pg"
	"heirloom.org/internal/stream"
	"heirloom.org/internal/vault"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Хранилище: PostgreSQL при заданном DSN, иначе in-memory (dev mode)
	var (
		store    vault.Store
		boxStore outbox.Store
		probe    httpapi.ReadyProbe
		pgStore  *pg.Store
	)
	if dsn := os.Getenv("HEIRLOOM_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		boxStore = pg.NewOutbox(pgStore.DB())
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Println("HEIRLOOM_PG_DSN not set, using in-memory store")
		store = vault.NewMemory()
		boxStore = outbox.NewMemory()
	}

	// Внешние коллабораторы: HTTP при заданных URL, иначе loopback
	var notifier collab.Notifier = collab.LoopbackNotifier{}
	if base := os.Getenv("HEIRLOOM_NOTIFY_URL"); base != "" {
		notifier = collab.NewHTTPNotifier(base, nil)
	}
	var disburser vault.Disburser = collab.LoopbackDisburser{}
	if base := os.Getenv("HEIRLOOM_DISBURSE_URL"); base != "" {
		disburser = collab.NewHTTPDisburser(base, nil)
	}

	events := stream.New()
	box := outbox.New(boxStore)

	svc := vault.NewService(store,
		vault.WithEffectQueue(box),
		vault.WithDisburser(disburser),
		vault.WithEvents(events),
	)

	// Фоновые процессы: inactivity sweep + доставка уведомлений
	sweepInterval := time.Hour
	if raw := os.Getenv("HEIRLOOM_SWEEP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse HEIRLOOM_SWEEP_INTERVAL: %v", err)
		}
		sweepInterval = d
	}
	mon := monitor.New(svc, sweepInterval)
	mon.Start(context.Background())
	defer mon.Stop()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := outbox.NewWorker(boxStore, collab.NotifierDispatcher{Notifier: notifier}, 15*time.Second)
	go worker.Run(workerCtx)

	api := httpapi.New(svc, probe, version, httpapi.WithStream(events))

	addr := os.Getenv("HEIRLOOM_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting heirloom-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
