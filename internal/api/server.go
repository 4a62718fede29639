package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/piiscan/internal/api/handlers"
	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/ledger"
	"github.com/eargollo/piiscan/internal/scan"
	"github.com/eargollo/piiscan/internal/scheduler"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run. baseCtx parents
// scans triggered over HTTP.
func New(
	baseCtx context.Context,
	cfg *config.Config,
	l *ledger.Ledger,
	mgr *scan.Manager,
	sched *scheduler.Scheduler,
	version string,
) *Server {
	return &Server{
		addr: cfg.Serve.HTTPAddr,
		srv:  &http.Server{Addr: cfg.Serve.HTTPAddr, Handler: Router(baseCtx, cfg, l, mgr, sched, version)},
	}
}

// Router builds the chi router; exposed for tests.
func Router(baseCtx context.Context, cfg *config.Config, l *ledger.Ledger, mgr *scan.Manager, sched *scheduler.Scheduler, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{Ledger: l, Manager: mgr, Sched: sched, Paused: cfg.Serve.ScanPaused, Version: version}
	scansH := &handlers.ScansHandler{Ledger: l, Manager: mgr, ScanType: cfg.ScanType, BaseCtx: baseCtx}
	recordsH := &handlers.RecordsHandler{Ledger: l}
	configH := &handlers.ConfigHandler{Cfg: cfg}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/scans", scansH.Create)
		r.Get("/scans", scansH.List)
		r.Get("/scans/{id}", scansH.Get)
		r.Delete("/scans/current", scansH.Cancel)

		r.Get("/records", recordsH.List)
		r.Get("/records/{checksum}", recordsH.ByChecksum)

		r.Get("/config", configH.Get)
	})
	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
