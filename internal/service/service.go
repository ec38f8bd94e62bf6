// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package service implements the TCP query service. Every accepted connection is served by
// its own session goroutine that answers geohash and coordinate lookups until the client
// disconnects.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wneessen/geohashd/internal/config"
	"github.com/wneessen/geohashd/internal/logger"
	"github.com/wneessen/geohashd/internal/metrics"
	"github.com/wneessen/geohashd/internal/resolver"
)

const (
	maxAcceptDelay    = time.Second
	metricsReadHeader = 5 * time.Second
)

// purger is implemented by lookups holding expiring entries.
type purger interface {
	Purge() int
}

type Server struct {
	config    *config.Config
	logger    *logger.Logger
	lookup    resolver.Lookup
	scheduler gocron.Scheduler

	queries   atomic.Uint64
	lastStats atomic.Uint64
	active    atomic.Int64

	slots    chan struct{}
	sessions sync.WaitGroup

	connLock sync.Mutex
	conns    map[net.Conn]struct{}
}

func New(conf *config.Config, log *logger.Logger, lookup resolver.Lookup) (*Server, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if lookup == nil {
		return nil, errors.New("lookup is required")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	server := &Server{
		config:    conf,
		logger:    log,
		lookup:    lookup,
		scheduler: scheduler,
		slots:     make(chan struct{}, conf.Server.MaxSessions),
		conns:     make(map[net.Conn]struct{}),
	}
	return server, nil
}

// Run listens on the configured address and serves clients until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts client connections on ln until the context is cancelled. Sessions in flight
// at that point are given the configured shutdown grace period to finish before they are
// closed. Serve always closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	// Start scheduled jobs
	if err := s.createScheduledJob(ctx, s.config.Stats.Interval, s.logStats, "query_stats_job"); err != nil {
		return err
	}
	if p, ok := s.lookup.(purger); ok {
		purge := func(context.Context) {
			if removed := p.Purge(); removed > 0 {
				s.logger.Debug("purged expired cache entries", slog.Int("removed", removed))
			}
		}
		if err := s.createScheduledJob(ctx, s.config.Cache.PurgeInterval, purge, "cache_purge_job"); err != nil {
			return err
		}
	}
	s.scheduler.Start()
	defer func() {
		if err := s.scheduler.Shutdown(); err != nil {
			s.logger.Error("failed to shut down scheduler", logger.Err(err))
		}
	}()

	if s.config.Metrics.Listen != "" {
		srv := s.serveMetrics()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("failed to shut down metrics server", logger.Err(err))
			}
		}()
	}

	s.logger.Info("query service listening", slog.String("addr", ln.Addr().String()),
		slog.String("lookup", s.lookup.Name()), slog.Int("max_sessions", cap(s.slots)))
	err := s.acceptLoop(ctx, ln)
	s.drain()
	s.logger.Info("query service stopped", slog.Uint64("queries", s.queries.Load()))
	return err
}

// Queries returns the number of requests served so far.
func (s *Server) Queries() uint64 {
	return s.queries.Load()
}

// ActiveSessions returns the number of currently connected clients.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	sessionCtx := context.WithoutCancel(ctx)
	var delay time.Duration
	for {
		// A free slot is taken before accepting, so a full server leaves new clients in the
		// listen backlog.
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-s.slots
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}
			delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
			s.logger.Error("failed to accept connection", logger.Err(err), slog.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		s.track(conn)
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer func() { <-s.slots }()
			s.serveSession(sessionCtx, conn)
		}()
	}
}

// drain waits for running sessions and closes those still open after the shutdown grace.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.Server.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	s.connLock.Lock()
	s.logger.Warn("closing sessions after shutdown grace", slog.Int("sessions", len(s.conns)))
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connLock.Unlock()
	<-done
}

func (s *Server) track(conn net.Conn) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	delete(s.conns, conn)
}

func (s *Server) createScheduledJob(ctx context.Context, interval time.Duration, task func(context.Context),
	jobName string,
) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(jobName),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", jobName, err)
	}
	return nil
}

// logStats logs the query counter and the number of queries since the last run.
func (s *Server) logStats(context.Context) {
	total := s.queries.Load()
	delta := total - s.lastStats.Swap(total)
	s.logger.Info("query statistics", slog.Uint64("queries", total), slog.Uint64("delta", delta),
		slog.Int64("sessions", s.active.Load()))
}

func (s *Server) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              s.config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeader,
	}
	go func() {
		s.logger.Info("metrics endpoint listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics endpoint failed", logger.Err(err))
		}
	}()
	return srv
}
