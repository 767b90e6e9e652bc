package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claim_engine/internal/browser"
	"claim_engine/internal/config"
	"claim_engine/internal/httpapi"
	"claim_engine/internal/logbus"
	"claim_engine/internal/notify"
	"claim_engine/internal/outcome"
	"claim_engine/internal/store/sqlite"
	"claim_engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(200)
	bus.Log("info", "server starting", map[string]any{"addr": cfg.Server.Addr})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	bridge := outcome.NewBridge(store, bus)

	w := worker.New(worker.Options{
		NewDashboard: func() worker.Dashboard {
			return browser.NewSession(cfg.Dashboard, cfg.Browser, bus)
		},
		Bridge: bridge,
		Bus:    bus,
		Cfg:    cfg.Worker,
	})

	mailer := notify.NewEmailNotifier(store, bus)
	bridge.AddSink(mailer)

	var tg *notify.TelegramNotifier
	if cfg.Telegram.Token != "" {
		tg, err = notify.NewTelegramNotifier(cfg.Telegram, w, store, bus)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		bridge.AddSink(tg)
		go tg.Run(ctx)
	}

	bridge.Start()

	api := httpapi.New(httpapi.Options{
		Cfg:    cfg,
		Bus:    bus,
		Store:  store,
		Engine: w,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w.Stop()
	_ = bridge.Close(shutdownCtx)
	_ = mailer.Close(shutdownCtx)
	if tg != nil {
		_ = tg.Close(shutdownCtx)
	}
	_ = server.Shutdown(shutdownCtx)
	bus.Log("info", "server stopped", nil)
}
