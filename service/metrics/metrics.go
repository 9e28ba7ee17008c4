// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package metrics is a small Prometheus HTTP listener, playing the role
// the upstream deucalion service plays for the teacher's tbc service:
// register a set of collectors, serve /metrics, and shut down cleanly
// when its context is cancelled.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = loggo.GetLogger("metrics")

// Config parameterizes the listener.
type Config struct {
	ListenAddress string
}

// Server serves a Prometheus /metrics endpoint.
type Server struct {
	cfg Config
}

// New constructs a Server. cfg.ListenAddress must be non-empty.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddress == "" {
		return nil, errors.New("metrics: listen address required")
	}
	return &Server{cfg: cfg}, nil
}

// Run registers collectors against a fresh registry and serves /metrics
// until ctx is cancelled, at which point it shuts down gracefully and
// returns ctx.Err().
func (s *Server) Run(ctx context.Context, collectors []prometheus.Collector) error {
	registry := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("metrics: register collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: mux,
	}

	errC := make(chan error, 1)
	go func() {
		log.Infof("metrics: listening on %s", s.cfg.ListenAddress)
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errC <- err
			return
		}
		errC <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("metrics: shutdown: %v", err)
		}
		<-errC
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("metrics: serve: %w", err)
		}
		return nil
	}
}
