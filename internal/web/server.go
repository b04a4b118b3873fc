package web

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"pidctl/internal/controller"
	"pidctl/internal/entity"
)

// Controllers is the command surface the API drives.
type Controllers interface {
	Snapshots() []controller.Snapshot
	Get(id string) (*controller.Controller, error)
	TurnOn(ctx context.Context, id string) error
	TurnOff(id string) error
	SetValue(ctx context.Context, id string, v float64) error
}

type Deps struct {
	Status      *Status
	Controllers Controllers
	Entities    *entity.Store
	Logs        *LogBuffer
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Reload re-reads the configuration file when set.
	Reload func(ctx context.Context) error
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus("")
	}
	mux := http.NewServeMux()
	api := &api{d: d}

	mux.HandleFunc("GET /api/status", api.status)
	mux.HandleFunc("GET /api/controllers", api.listControllers)
	mux.HandleFunc("GET /api/controllers/{id}", api.getController)
	mux.HandleFunc("POST /api/controllers/{id}/turn_on", api.turnOn)
	mux.HandleFunc("POST /api/controllers/{id}/turn_off", api.turnOff)
	mux.HandleFunc("POST /api/controllers/{id}/set_value", api.setValue)
	mux.HandleFunc("GET /api/entities", api.listEntities)
	mux.HandleFunc("GET /api/entities/{id}", api.getEntity)
	mux.HandleFunc("POST /api/entities/{id}", api.postEntity)
	mux.HandleFunc("POST /api/reload", api.reload)

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprint(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>pidctl</title></head><body><h1>pidctl</h1><pre>")
		for _, s := range d.Controllers.Snapshots() {
			state := "off"
			if s.Enabled {
				state = "on"
			}
			_, _ = fmt.Fprintf(w, "%-20s %-3s setpoint=%g output=%g\n", html.EscapeString(s.ID), state, s.Setpoint, s.OutputValue)
		}
		_, _ = fmt.Fprint(w, "</pre><p>API: <a href=\"/api/status\">/api/status</a>, <a href=\"/api/controllers\">/api/controllers</a></p></body></html>")
	})

	return mux
}

// Serve runs the HTTP server until ctx is canceled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
