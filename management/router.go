package management

import (
	"context"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestIDHeader carries the bookkeeping id of a request back to the client.
const RequestIDHeader = "X-Request-Id"

type requestKey struct{}

// RequestFromContext returns the bookkeeping record of the request being
// served, if any.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok
}

func (s *Server) buildRouter() chi.Router {
	mux := chi.NewRouter()
	mux.Use(s.admitRequest)
	mux.Use(s.httpLogger)

	mux.Get("/livez", s.handleLivenessCheck)
	mux.Get("/readyz", s.handleReadinessCheck)

	if s.cfg.EnableDrain {
		mux.Post("/drain", s.handleDrain)
	}
	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

// admitRequest refuses new requests once shutdown has begun and records the
// admitted ones in the request registry.
func (s *Server) admitRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isShuttingDown.Load() {
			s.metricsSrv.RejectedRequests.Inc()
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"shutting down"}`))
			return
		}

		req := s.requests.Begin(r)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set(RequestIDHeader, req.ID.String())
		defer func() {
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			s.requests.End(req, code)
		}()

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestKey{}, req)))
	})
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.isShuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// handleDrain starts a graceful shutdown on behalf of an operator.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.IsShuttingDown() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	if err := s.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("Drain requested", "remoteAddr", r.RemoteAddr)

	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}
