// Package app wires the Agora server runtime: config, logging, HTTP routes, and the chat gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agora/cmd/internal/chat"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Agora server runtime: it owns HTTP server wiring and chat gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	rooms    *chat.Registry
	activity *chat.InteractionLog
	deps     storeDeps
	ws       *chat.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	broker := chat.NewBroker(log)

	st, dbPool, dbEnabled, deps, err := newStore(context.Background(), cfg, log, broker)
	if err != nil {
		return nil, err
	}

	gateway := chat.NewGateway(log, deps.messages, deps.directory)
	presence := chat.NewPresence(log)
	rooms := chat.NewRegistry(log)
	activity := chat.NewInteractionLog(log)

	ws := chat.NewWSGateway(log, gateway, broker, presence, rooms, deps.profiles, activity)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		rooms:     rooms,
		activity:  activity,
		deps:      deps,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.rooms, a.activity, a.deps)

	handler := WithRequestLogging(mux, a.log)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// storeDeps bundles the persistence-backed dependencies of the chat runtime.
type storeDeps struct {
	messages  chat.MessageStore
	directory chat.Directory
	resources chat.ResourceIndex
	profiles  chat.ProfileSink
}

// newStore decides between Postgres-backed persistence and in-memory dev stores.
func newStore(ctx context.Context, cfg Config, log Logger, broker *chat.Broker) (Store, *pgxpool.Pool, bool, storeDeps, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")

		dir := chat.NewMemoryDirectory()
		res := chat.NewMemoryResourceIndex()
		seedResources(res)
		return nopStore{}, nil, false, storeDeps{
			messages:  chat.NewMemoryStore(broker),
			directory: dir,
			resources: res,
			profiles:  dir,
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, storeDeps{}, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgStore, err := chat.NewPostgresStore(pool, broker, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, storeDeps{}, err
	}
	if cfg.DBAutoCreate {
		if err := msgStore.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, false, storeDeps{}, err
		}
	}

	dir := chat.NewPostgresDirectory(pool, cfg.DBSchema)
	res := chat.NewPostgresResourceIndex(pool, cfg.DBSchema)

	return dbStore{pool: pool, msgStore: msgStore}, pool, true, storeDeps{
		messages:  msgStore,
		directory: dir,
		resources: res,
		profiles:  dir,
	}, nil
}

// seedResources loads the dev resource index with a few published posts so
// slash-command completion has something to find without a database.
func seedResources(res *chat.MemoryResourceIndex) {
	res.Add(chat.Resource{ID: "housing-organizing-wins", Title: "Housing Organizing Wins"})
	res.Add(chat.Resource{ID: "mutual-aid-playbook", Title: "Mutual Aid Playbook"})
	res.Add(chat.Resource{ID: "policy-briefing-august", Title: "Policy Briefing: August"})
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore chat.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	// PostgresStore.Close is a no-op; the pool is owned here.
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// runtimeBaseURL renders a human-usable base URL from a bind address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL maps an http(s) base URL to its websocket scheme.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
