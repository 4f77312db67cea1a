package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/version"
	"github.com/docmesh/docmesh/pkg/logger"
)

// Module provides the operational HTTP listener. It serves health,
// readiness, and metrics only; there is no admin surface, so it stays
// disabled unless an address is configured.
var Module = fx.Module("server",
	fx.Provide(NewEcho),
	fx.Invoke(StartServer),
)

const readyPingTimeout = 2 * time.Second

// EchoParams are the dependencies of the ops router.
type EchoParams struct {
	fx.In

	DB  *bun.DB
	Log *slog.Logger
}

// NewEcho builds the ops router: /healthz reports the process is up,
// /readyz additionally pings the database, /metrics serves Prometheus.
func NewEcho(p EchoParams) *echo.Echo {
	log := p.Log.With(logger.Scope("ops"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("panic recovered",
				logger.Error(err),
				slog.String("stack", string(stack)))
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	})

	e.GET("/readyz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readyPingTimeout)
		defer cancel()
		if err := p.DB.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

// ListenAddr resolves the effective ops address. The environment wins
// over the run config so a deployment can force the listener on or off
// without editing the shared run file. Empty means disabled.
func ListenAddr(cfg *config.Config, rc *config.RunConfig) string {
	if cfg.Ops.ListenAddr != "" {
		return cfg.Ops.ListenAddr
	}
	return rc.Ops.ListenAddr
}

// StartServer runs the ops listener for the life of the app when an
// address is configured.
func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, rc *config.RunConfig, log *slog.Logger) {
	addr := ListenAddr(cfg, rc)
	if addr == "" {
		return
	}
	log = log.With(logger.Scope("ops"))

	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  cfg.Ops.ReadTimeout,
		WriteTimeout: cfg.Ops.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting ops listener", slog.String("address", addr))
			go func() {
				if err := e.StartServer(srv); err != nil && err != http.ErrServerClosed {
					log.Error("ops listener error", logger.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping ops listener")
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	})
}
