// README: API gateway; owns the http.Server and delegates to module services.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tomo/internal/infra"
	"tomo/internal/modules/dispatch"
	"tomo/internal/modules/events"
	"tomo/internal/modules/inventory"
	"tomo/internal/modules/location"
	"tomo/internal/modules/ops"
	"tomo/internal/modules/order"
)

type ServerDeps struct {
	Order    *order.Service
	Ledger   *inventory.Ledger
	Dispatch *dispatch.Service
	Location *location.Service
	Ops      *ops.Service
	Hub      *events.Hub
	// PingInterval is the SSE keep-alive period.
	PingInterval time.Duration
}

type Server struct {
	srv *http.Server
	log *slog.Logger
}

func NewServer(addr string, deps ServerDeps, verifier infra.TokenVerifier, log *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps, verifier, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Run serves until ctx is cancelled, then drains open requests. Request
// contexts derive from ctx so open SSE streams end with it.
func (s *Server) Run(ctx context.Context) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", s.srv.Addr)
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("http shutting down")
	return s.srv.Shutdown(shutdownCtx)
}
