package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"joinbot/internal/apperr"
	logx "joinbot/pkg/logx"
)

const (
	bodySuccess = "Success!"
	bodyFailed  = "Failed!"
	bodyHello   = "Hello!"
)

type ServerConfig struct {
	Addr     string
	CertFile string
	KeyFile  string
	// TestGet enables GET / returning a fixed greeting.
	TestGet bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
}

// Server is the inbound webhook listener.
type Server struct {
	cfg   ServerConfig
	relay *Relay
	log   logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func NewServer(cfg ServerConfig, relay *Relay, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, relay: relay, log: log.With(logx.String("comp", "relay.http"))}
}

// Handler serves POST / and, when enabled, GET /.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handlePost)
	if s.cfg.TestGet {
		mux.HandleFunc("GET /{$}", s.handleTestGet)
	}
	return mux
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ctx := WithRequestID(r.Context(), id)
	w.Header().Set("X-Request-Id", id)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.log.Warn("read body failed", logx.String("request_id", id), logx.Err(err))
		writeText(w, http.StatusBadRequest, bodyFailed)
		return
	}

	out, err := s.relay.Handle(ctx, body)
	switch out {
	case Accepted:
		writeText(w, http.StatusOK, bodySuccess)
	case NotReady:
		s.log.Warn("join request before ready", logx.String("request_id", id), logx.String("kind", apperr.KindOf(err).String()))
		w.WriteHeader(http.StatusServiceUnavailable)
	case Throttled:
		w.Header().Set("Retry-After", "1")
		writeText(w, http.StatusTooManyRequests, bodyFailed)
	default:
		writeText(w, http.StatusBadRequest, bodyFailed)
	}
}

func (s *Server) handleTestGet(w http.ResponseWriter, _ *http.Request) {
	s.log.Info("received test GET request")
	writeText(w, http.StatusOK, bodyHello)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// Listen binds the address so bind errors surface at startup rather than inside Serve.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	if s.tlsEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			_ = ln.Close()
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		ln = tls.NewListener(ln, srv.TLSConfig)
	} else {
		s.log.Warn("relay listening without TLS")
	}
	s.ln, s.srv = ln, srv
	return nil
}

func (s *Server) tlsEnabled() bool {
	return s.cfg.CertFile != "" || s.cfg.KeyFile != ""
}

// Addr is the bound address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()

	s.log.Info("relay listening", logx.String("addr", ln.Addr().String()), logx.Bool("tls", s.tlsEnabled()), logx.Bool("test_get", s.cfg.TestGet))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

// Shutdown stops accepting and drains in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	start := time.Now()
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	s.log.Info("relay stopped", logx.Duration("took", time.Since(start)))
	return err
}
