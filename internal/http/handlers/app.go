package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"genserver/internal/generation"
	"genserver/internal/infra"
	"genserver/internal/middleware"
	"genserver/internal/storage"
)

// HealthChecker is implemented by the generation backend client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// App holds the collaborators shared by all HTTP handlers.
type App struct {
	Service *generation.Service
	Files   *storage.FileStore
	Backend HealthChecker
	Cfg     *infra.Config
	Log     infra.Logger
}

func NewApp(svc *generation.Service, files *storage.FileStore, backend HealthChecker, cfg *infra.Config, log infra.Logger) *App {
	return &App{Service: svc, Files: files, Backend: backend, Cfg: cfg, Log: log}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
