package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	backend "github.com/donorspark/fundcore"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := backend.LoadConfig()
	if err != nil {
		slog.Error("load config failed", slog.Any("err", err))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	client := backend.NewLedgerClient(cfg)
	conn := backend.NewConnectionManager(client, cfg)

	if err := conn.Connect(ctx); err != nil {
		slog.Error("connect failed", slog.Any("err", err))
		return
	}
	defer conn.Disconnect()

	campaigns := backend.NewCampaignRegistry(conn, cfg)
	book := backend.NewEscrowBook()
	hub := backend.NewEventHub(conn, campaigns, cfg)
	api := backend.NewAPI(campaigns, book)

	slog.Info("fundcore daemon launch", "ver", "0.1")

	s := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", slog.String("addr", s.Addr))
		return s.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = hub.UnsubscribeAll(shutdownCtx)
		return s.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return runTicker(ctx, campaigns, book, time.Second)
	})

	_ = g.Wait()
}

// runTicker promotes campaign and escrow statuses by wall-clock time.
func runTicker(ctx context.Context, campaigns *backend.CampaignRegistry, book *backend.EscrowBook, dur time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dur):
			campaigns.TickAll()
			book.Tick()
		}
	}
}
