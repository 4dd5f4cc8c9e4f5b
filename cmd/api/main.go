package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bchgateway/internal/config"
	"bchgateway/internal/db"
	"bchgateway/internal/engine"
	internalhttp "bchgateway/internal/http"
	"bchgateway/internal/protocol"
	"bchgateway/internal/rates"
	"bchgateway/internal/services"
	"bchgateway/internal/signer"
	"bchgateway/internal/store"
	"bchgateway/internal/webhooks"
	"bchgateway/internal/ws"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)

	sig, err := signer.New(cfg.Signing.WIF, cfg.Server.Domain)
	if err != nil {
		log.Fatalf("signer init failed: %v", err)
	}

	rateSvc := rates.New(cfg.Rates.BaseCurrency, time.Duration(cfg.Rates.RefreshSeconds)*time.Second)
	if err := rateSvc.Refresh(ctx); err != nil {
		log.Printf("initial rate refresh failed: %v", err)
	}
	go rateSvc.Run(ctx)

	cluster, err := engine.NewCluster(cfg.Cluster.Endpoints, cfg.Cluster.Quorum)
	if err != nil {
		log.Fatalf("cluster init failed: %v", err)
	}
	cluster.FailThreshold = cfg.Cluster.FailThreshold
	go cluster.Run(ctx)

	hub := ws.NewHub(sig)
	hooks := webhooks.NewDispatcher(sig, st)

	eng := &engine.Engine{
		Cluster:   cluster,
		Store:     st,
		Hooks:     hooks,
		Publisher: hub,
		Domain:    cfg.Server.Domain,
	}
	go eng.Run(ctx)

	invoiceSvc := &services.InvoiceService{
		Store:         st,
		Rates:         rateSvc,
		Domain:        cfg.Server.Domain,
		Network:       cfg.Invoices.Network,
		DefaultExpiry: time.Duration(cfg.Invoices.ExpirySeconds) * time.Second,
	}

	pipeline := &protocol.Pipeline{
		Store:     st,
		Engine:    eng,
		Hooks:     hooks,
		Publisher: hub,
		Domain:    cfg.Server.Domain,
	}

	var identity *protocol.X509Identity
	if cfg.Signing.CertFile != "" && cfg.Signing.KeyFile != "" {
		identity, err = protocol.LoadX509Identity(cfg.Signing.CertFile, cfg.Signing.KeyFile)
		if err != nil {
			log.Fatalf("x509 identity load failed: %v", err)
		}
	}

	apiKeys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		apiKeys[key] = struct{}{}
	}

	h := &internalhttp.Handler{
		Invoices: invoiceSvc,
		Store:    st,
		Search:   st,
		Pipeline: pipeline,
		BIP70: &protocol.BIP70{
			Pipeline: pipeline,
			Identity: identity,
			Domain:   cfg.Server.Domain,
			PaidMemo: cfg.Invoices.PaidMemo,
		},
		JSONPP: &protocol.JSONProtocol{
			Pipeline: pipeline,
			Signer:   sig,
			Domain:   cfg.Server.Domain,
			PaidMemo: cfg.Invoices.PaidMemo,
		},
		Hooks:   hooks,
		Signer:  sig,
		Hub:     hub,
		Domain:  cfg.Server.Domain,
		APIKeys: apiKeys,
	}
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
