// README: Entry point; loads config, wires services, starts HTTP server and background sweeper.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"campool/internal/config"
	httptransport "campool/internal/http"
	"campool/internal/infra"
	"campool/internal/maps"
	"campool/internal/modules/booking"
	"campool/internal/modules/lifecycle"
	"campool/internal/modules/notify"
	"campool/internal/modules/seatledger"
	"campool/internal/modules/trip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := infra.NewLogger(cfg.Dev)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)

	var routes trip.RouteEstimator
	if cfg.Maps.APIKey != "" {
		rs, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		routes = rs
	}

	tripStore := trip.NewStore(dbPool)
	ledgerStore := seatledger.NewStore(dbPool)
	bookingStore := booking.NewStore(dbPool)
	notifyStore := notify.NewStore(redisClient)

	tripSvc := trip.NewService(dbPool, tripStore, ledgerStore, routes)
	lifecycleSvc := lifecycle.NewService(dbPool, tripStore, bookingStore, ledgerStore, notifyStore, logger)
	jobSvc := lifecycle.NewJobService(dbPool, tripStore, bookingStore, ledgerStore, notifyStore, cfg.Jobs, logger)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Trips:     tripSvc,
		Lifecycle: lifecycleSvc,
		Jobs:      jobSvc,
		Ledger:    seatledger.NewService(ledgerStore),
		Policy:    trip.DefaultFieldPolicy(),
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Log:       logger,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go jobSvc.RunSweeper(ctx)

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
