package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/tablelink/internal/client"
	"github.com/a-essam23/tablelink/internal/compendium"
	"github.com/a-essam23/tablelink/internal/server/middleware"
	"github.com/a-essam23/tablelink/internal/sessions"
	"github.com/a-essam23/tablelink/internal/worldcache"
	"github.com/a-essam23/tablelink/pkg/config"
)

// App owns the long-lived connections of the daemon and its small HTTP
// surface for health and status.
type App struct {
	logger    *slog.Logger
	cache     *worldcache.Cache
	index     *compendium.Index
	service   *client.ServiceConnection
	directory *sessions.Directory
	wg        sync.WaitGroup
	http      *http.Server
	config    *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootContx context.Context, cfg *config.Config) (*App, error) {
	cache := worldcache.New(cfg.WorldCachePath(), logger)
	index := compendium.New(logger)
	opts := client.OptionsFromConfig(cfg)
	service, err := client.NewServiceConnection(opts, cache, index, logger)
	if err != nil {
		return nil, fmt.Errorf("service connection: %w", err)
	}
	store := sessions.NewStore(cfg.SessionPath(), logger)
	directory := sessions.New(service, store, sessions.Options{
		ServiceUsername: cfg.Service.Username,
		ServicePassword: cfg.Service.Password,
		RestoreAttempts: cfg.Sessions.RestoreAttempts,
		RestoreInterval: cfg.Sessions.RestoreInterval,
		Client:          opts,
	}, logger)

	app := &App{
		logger:    logger.With(slog.String("component", "app")),
		cache:     cache,
		index:     index,
		service:   service,
		directory: directory,
		config:    cfg,
		ctx:       rootContx,
	}

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: app.Handler(), BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}
	return app, nil
}

// Handler serves the health and status endpoints behind the middleware chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthHandler)
	mux.HandleFunc("GET /status", a.statusHandler)
	return middleware.Chain(mux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
	)
}

func (a *App) Directory() *sessions.Directory {
	return a.directory
}

// Start loads persisted state and brings the service connection up. It
// does not serve HTTP.
func (a *App) Start() error {
	if err := a.cache.Initialize(); err != nil {
		return err
	}
	if err := a.cache.Watch(a.ctx); err != nil {
		a.logger.Warn("World cache watcher disabled", slog.Any("error", err))
	}
	if err := a.directory.Initialize(a.ctx); err != nil {
		return err
	}
	if every := a.config.Service.ReconnectInterval; every > 0 {
		a.wg.Add(1)
		go a.superviseService(every)
	}
	return nil
}

func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// superviseService revives a dropped service connection until the root
// context ends.
func (a *App) superviseService(every time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.directory.EnsureService(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("Service reconnect failed", slog.Any("error", err))
			}
		}
	}
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionStatus struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	Connected  bool      `json:"connected"`
	LastActive time.Time `json:"lastActive"`
}

type statusResponse struct {
	Status     client.Status   `json:"status"`
	WorldState string          `json:"worldState"`
	WorldID    string          `json:"worldId,omitempty"`
	Title      string          `json:"title,omitempty"`
	SystemID   string          `json:"systemId,omitempty"`
	Users      int             `json:"users"`
	Active     int             `json:"activeUsers"`
	Compendium int             `json:"compendiumEntries"`
	Sessions   []sessionStatus `json:"sessions"`
}

func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     a.service.Status(),
		WorldState: a.service.WorldState().String(),
		Compendium: a.index.Len(),
		Sessions:   []sessionStatus{},
	}
	if world, ok := a.service.GetWorld(); ok {
		resp.WorldID = world.WorldID
		resp.Title = world.Title
		resp.SystemID = world.SystemID
		resp.Users = len(world.Users)
		for _, u := range world.Users {
			if u.Active {
				resp.Active++
			}
		}
	}
	for _, s := range a.directory.Sessions() {
		resp.Sessions = append(resp.Sessions, sessionStatus{
			ID:         s.ID,
			UserID:     s.UserID,
			Username:   s.Username,
			Connected:  s.Identity.IsConnected(),
			LastActive: s.LastActive(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing remote connections...")
	a.directory.Shutdown()
	if err := a.cache.Save(); err != nil {
		a.logger.Warn("Failed to save world cache", slog.Any("error", err))
	}

	// wait for the supervisor to observe the cancelled context.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
