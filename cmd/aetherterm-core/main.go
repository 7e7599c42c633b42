package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/agentbridge"
	"github.com/aetherterm/aetherterm-core/internal/config"
	"github.com/aetherterm/aetherterm-core/internal/edgegateway"
	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
	"github.com/aetherterm/aetherterm-core/internal/supervisorybus"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
)

func main() {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("AETHERTERM_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	cfg := config.Load(os.Args[1:], log)

	host := terminalhost.New(terminalhost.Config{
		MaxTerminalsPerHost:   cfg.MaxTerminalsPerHost,
		OutputRingBytes:       cfg.OutputRingBytes,
		SubscriptionHighWater: cfg.SubscriptionHighWater,
		SubscriptionLowWater:  cfg.SubscriptionLowWater,
	}, log)

	fabric := sessionfabric.New(sessionfabric.Config{
		RequestTimeout: cfg.RequestTimeout,
	}, host, log)

	bus := supervisorybus.New(supervisorybus.Config{
		SupervisorURL:       cfg.SupervisorURL,
		HostID:              cfg.HostID,
		ReconnectBackoffMax: cfg.ReconnectBackoffMax,
		HeartbeatInterval:   cfg.HeartbeatInterval,
	}, fabric, log)
	host.OnUnblocked(bus.ReportUnblock)

	gw := edgegateway.New(edgegateway.Config{
		BindHost:              cfg.BindHost,
		BindPort:              cfg.BindPort,
		DisableRequestLogging: cfg.DisableRequestLogging,
		EnableProcessingTime:  cfg.EnableProcessingTime,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		MaxMissedPongs:        cfg.MaxMissedPongs,
		InputRateLimitPerSec:  cfg.InputRateLimitPerSec,
		InputRateBurst:        cfg.InputRateBurst,
		OutboundQueueSize:     cfg.OutboundQueueSize,
	}, fabric, log)

	bridge := agentbridge.New(fabric, log)
	if _, err := agentbridge.NewServer(bridge, gw.Engine(), log); err != nil {
		log.WithError(err).Fatal("failed to start agent bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("supervisory bus loop exited")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	srv := &http.Server{Addr: addr, Handler: gw.Engine()}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("aetherterm-core listening")
		var err error
		if cfg.RequireTLS {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown timed out")
	}
	host.Shutdown()
}
