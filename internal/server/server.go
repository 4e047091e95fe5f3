// Package server exposes tasks over HTTP: submission, live streaming, lookup,
// listing, deletion and search.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/opentask/config"
	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/mohammad-safakhou/opentask/internal/orchestrator"
	"github.com/mohammad-safakhou/opentask/internal/search"
	"github.com/mohammad-safakhou/opentask/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options wires the HTTP surface to the running service. Search and Metrics are optional.
type Options struct {
	Config       config.ServerConfig
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	Hub          *hub.Hub
	Search       *search.Index
	Metrics      http.Handler
	Logger       *log.Logger
}

// New builds the echo instance with every route registered.
func New(opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
	}))

	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/healthz", func(c echo.Context) error {
		backend := "postgres"
		if opts.Store.Degraded() {
			backend = "memory"
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "store": backend})
	})
	e.GET("/metrics", echo.WrapHandler(metrics))

	th := NewTasksHandler(opts, logger)
	th.Register(e.Group("/api"))
	return e
}

// Serve runs e on addr until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, e *echo.Echo, addr string, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}
