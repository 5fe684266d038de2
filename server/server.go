// Package server exposes the engine over Connect RPC with CBOR payloads.
package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/kestrelvm/kestrel/vm"
)

// Server wraps a machine behind the control-plane HTTP mux.
type Server struct {
	service *EngineService
	mux     *http.ServeMux
	httpd   *http.Server
}

// New builds the server and mounts every procedure.
func New(machine *vm.Machine, defaults vm.ResourceLimits) *Server {
	service := NewEngineService(machine, defaults)
	opts := connect.WithHandlerOptions(connect.WithCodec(cborCodec{}))

	mux := http.NewServeMux()
	mux.Handle(ProcCreateSandbox, connect.NewUnaryHandler(ProcCreateSandbox, service.CreateSandbox, opts))
	mux.Handle(ProcLoadModule, connect.NewUnaryHandler(ProcLoadModule, service.LoadModule, opts))
	mux.Handle(ProcRunEntry, connect.NewUnaryHandler(ProcRunEntry, service.RunEntry, opts))
	mux.Handle(ProcAwait, connect.NewUnaryHandler(ProcAwait, service.Await, opts))
	mux.Handle(ProcCancel, connect.NewUnaryHandler(ProcCancel, service.Cancel, opts))
	mux.Handle(ProcStats, connect.NewUnaryHandler(ProcStats, service.Stats, opts))
	mux.Handle(ProcTerminate, connect.NewUnaryHandler(ProcTerminate, service.Terminate, opts))
	mux.Handle(ProcFreeze, connect.NewUnaryHandler(ProcFreeze, service.Freeze, opts))
	mux.Handle(ProcThaw, connect.NewUnaryHandler(ProcThaw, service.Thaw, opts))

	return &Server{service: service, mux: mux}
}

// Service returns the underlying handler implementation.
func (s *Server) Service() *EngineService { return s.service }

// Handler returns the mux, for embedding in an existing HTTP server or in
// tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts serving on addr and blocks until the listener
// fails or Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.httpd = &http.Server{Addr: addr, Handler: s.mux}
	log.Noticef("control plane listening on %s", addr)
	err := s.httpd.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}
