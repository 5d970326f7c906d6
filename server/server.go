package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aklyachkin/syncwire/auth"
	"github.com/aklyachkin/syncwire/config"
	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/storage"
	"github.com/aklyachkin/syncwire/storage/memory"
	"github.com/aklyachkin/syncwire/storage/postgres"
	"github.com/aklyachkin/syncwire/storage/sqlite"
)

const shutdownGrace = 10 * time.Second

// Server assembles storage, auth, presence and the HTTP layer from config
// and runs them until the context is canceled.
type Server struct {
	cfg      *config.Config
	store    storage.EventStore
	presence *Presence
	httpSrv  *http.Server
	logger   *logging.Logger
}

// New wires a server from configuration. The storage backend is picked by
// what the config provides: DATABASE_URL selects Postgres, SQLITE_PATH
// selects SQLite, neither selects the in-memory store.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var presence *Presence
	if cfg.RedisURL != "" {
		presence, err = NewPresence(ctx, cfg.RedisURL, 2*cfg.HeartbeatInterval, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	authorizer := auth.New(auth.Config{
		JWTSecret:       cfg.JWTSecret,
		AuthToken:       cfg.AuthToken,
		AdminSecret:     cfg.AdminSecret,
		AdminSecretHash: cfg.AdminSecretHash,
	})

	registry := NewRegistry(store, authorizer, presence, cfg.PullChunkSize, logger)
	handler := NewHandler(registry, authorizer, presence,
		cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logger)

	return &Server{
		cfg:      cfg,
		store:    store,
		presence: presence,
		logger:   logger.WithComponent("server"),
		httpSrv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.EventStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		return postgres.New(ctx, &postgres.Config{
			DatabaseURL:   cfg.DatabaseURL,
			FormatVersion: cfg.FormatVersion,
		})
	case cfg.SQLitePath != "":
		sqlCfg := sqlite.DefaultConfig(cfg.SQLitePath)
		sqlCfg.FormatVersion = cfg.FormatVersion
		return sqlite.New(sqlCfg)
	default:
		logger.Warn("no database configured, events will not survive a restart")
		return memory.New(), nil
	}
}

// Run serves until ctx is canceled, then drains with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.closeResources()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := s.httpSrv.Shutdown(shutdownCtx)
	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if err := s.presence.Close(); err != nil {
		s.logger.Warn("presence close failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
}
