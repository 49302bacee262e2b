// Package proxy hosts the gate inside an HTTP reverse proxy: it translates
// net/http requests into the gate's pipeline events, implements the gate's
// stream callbacks, and forwards released requests to the backend.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/svcgate/svcgate/internal/config"
	"github.com/svcgate/svcgate/internal/decision"
	"github.com/svcgate/svcgate/internal/gate"
	"github.com/svcgate/svcgate/internal/report"
)

// chunkSize is how much request body is delivered to the gate per event.
const chunkSize = 32 * 1024

// Server is the gating reverse proxy.
type Server struct {
	target       *url.URL
	reverseProxy *httputil.ReverseProxy
	cfg          *config.Config
	invoker      *decision.Invoker
	reporter     *report.Reporter
	logger       *slog.Logger
}

// NewServer creates a proxy in front of the configured backend.
func NewServer(cfg *config.Config, invoker *decision.Invoker, reporter *report.Reporter, logger *slog.Logger) (*Server, error) {
	target := cfg.File.Settings.BackendAddress
	if target == "" {
		return nil, fmt.Errorf("no backend_address configured")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid backend address: %w", err)
	}

	s := &Server{
		target:   u,
		cfg:      cfg,
		invoker:  invoker,
		reporter: reporter,
		logger:   logger,
	}

	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = s.errorHandler
	s.reverseProxy = rp

	return s, nil
}

// ServeHTTP drives one request through the gate. Gate entry points for a
// stream are serialized on the stream's mutex; the decision completion
// re-enters through the same mutex from the invoker's goroutine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := s.cfg.RouteFor(r.Method, r.URL.Path)
	attrs := decision.Attributes(r, route)

	st := newStream()
	g := gate.New(st, s.invoker, s.reporter, route, s.logger)

	headersEnd := r.ContentLength == 0 && len(r.Trailer) == 0

	st.mu.Lock()
	sig := g.OnRequestHeaders(r.Header.Clone(), attrs, headersEnd)
	st.mu.Unlock()

	if sig == gate.Continue {
		// Route skips checking; the gate is transparent.
		s.forward(w, r, g, st)
		return
	}

	if !headersEnd {
		// Read the body on its own goroutine: a denied request must get its
		// rejection even while a slow sender is still mid-body, so the reply
		// cannot wait behind a blocking Read.
		fed := make(chan bool, 1)
		go func() { fed <- s.feedBody(r, g, st) }()

		select {
		case ok := <-fed:
			if !ok {
				// Client went away mid-request.
				st.mu.Lock()
				g.OnDestroy()
				st.mu.Unlock()
				return
			}
		case <-st.replied:
			s.writeLocalReply(w, g, st)
			return
		case <-r.Context().Done():
			st.mu.Lock()
			g.OnDestroy()
			st.mu.Unlock()
			return
		}
	}

	select {
	case <-st.resumed:
		s.forwardReleased(w, r, g, st)
	case <-st.replied:
		s.writeLocalReply(w, g, st)
	case <-r.Context().Done():
		st.mu.Lock()
		g.OnDestroy()
		st.mu.Unlock()
	}
}

// feedBody delivers body chunks and trailers to the gate. It returns false
// if the client aborted before the request was fully read.
func (s *Server) feedBody(r *http.Request, g *gate.Filter, st *stream) bool {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Body.Read(buf)
		eof := errors.Is(err, io.EOF)
		if n > 0 || eof {
			st.mu.Lock()
			sig := g.OnRequestData(buf[:n], eof && len(r.Trailer) == 0)
			if sig == gate.Continue {
				// Decision already resolved allow; pass the chunk along
				// ourselves, the gate no longer buffers.
				st.released.Write(buf[:n])
			}
			st.mu.Unlock()
		}
		if eof {
			break
		}
		if err != nil {
			s.logger.Debug("request body aborted", "error", err)
			return false
		}
		// A permanent halt means the rejection is already on its way; stop
		// reading, the remaining body will never be forwarded.
		select {
		case <-st.replied:
			return true
		default:
		}
	}

	if len(r.Trailer) > 0 {
		st.mu.Lock()
		sig := g.OnRequestTrailers(r.Trailer.Clone())
		if sig == gate.Continue {
			st.trailers = r.Trailer.Clone()
		}
		st.mu.Unlock()
	}
	return true
}

// forward proxies the original request untouched (skip-check routes).
func (s *Server) forward(w http.ResponseWriter, r *http.Request, g *gate.Filter, st *stream) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.reverseProxy.ServeHTTP(rec, r)

	st.mu.Lock()
	g.OnStreamComplete(rec.status)
	st.mu.Unlock()
}

// forwardReleased proxies the request using the headers and body the gate
// released, in the order it released them.
func (s *Server) forwardReleased(w http.ResponseWriter, r *http.Request, g *gate.Filter, st *stream) {
	st.mu.Lock()
	headers := st.headers
	body := st.released.Bytes()
	trailers := st.trailers
	st.mu.Unlock()

	upstream := r.Clone(r.Context())
	if headers != nil {
		upstream.Header = headers
	}
	upstream.Body = io.NopCloser(bytes.NewReader(body))
	upstream.ContentLength = int64(len(body))
	if trailers != nil {
		upstream.Trailer = trailers
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.reverseProxy.ServeHTTP(rec, upstream)

	st.mu.Lock()
	g.OnStreamComplete(rec.status)
	st.mu.Unlock()
}

// writeLocalReply sends the gate's synthesized rejection to the caller.
func (s *Server) writeLocalReply(w http.ResponseWriter, g *gate.Filter, st *stream) {
	st.mu.Lock()
	code, msg := st.replyCode, st.replyMessage
	st.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if msg != "" {
		fmt.Fprintln(w, msg)
	}

	st.mu.Lock()
	g.OnStreamComplete(code)
	st.mu.Unlock()
}

func (s *Server) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("backend error", "error", err, "url", r.URL.String())
	http.Error(w, "backend unavailable", http.StatusBadGateway)
}

// ListenAndServe starts the proxy server, shutting down when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.logger.Info("starting gateway",
		"listen", addr,
		"backend", s.target.String(),
	)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// statusRecorder captures the response status for the completion hook.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush preserves streaming responses through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
