// Package devserver is a reference KYC status backend for local development
// and end-to-end tests of the livestatus client: sqlite-backed subject state,
// the REST status endpoint, the websocket stream endpoint, event injection and
// an optional redis relay.
package devserver

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tomasen/realip"
)

// Options configures a Server.
type Options struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db"`
	// Secret enables HS256 bearer auth on /api when non-empty.
	Secret string `mapstructure:"secret"`
	// RedisURL enables the pub/sub relay when non-empty.
	RedisURL string `mapstructure:"redis"`
	// SeedPath is an optional yaml seed file applied at startup.
	SeedPath  string        `mapstructure:"seed"`
	Keepalive time.Duration `mapstructure:"keepalive"`
}

const (
	DefaultAddr      = "127.0.0.1:8089"
	DefaultKeepalive = 30 * time.Second
)

// Server wires storage, handlers and the optional relay.
type Server struct {
	opts     Options
	db       *sql.DB
	store    *Store
	hub      *Hub
	handlers *Handlers
	relay    *Relay
}

// New opens the database, applies the seed file and builds the server.
func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.DBPath == "" {
		opts.DBPath = ":memory:"
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}

	db, err := OpenDB(opts.DBPath)
	if err != nil {
		return nil, err
	}
	store := NewStore(db)

	if opts.SeedPath != "" {
		sf, err := LoadSeed(opts.SeedPath)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := Seed(store, sf); err != nil {
			db.Close()
			return nil, err
		}
	}

	hub := NewHub()
	s := &Server{
		opts:     opts,
		db:       db,
		store:    store,
		hub:      hub,
		handlers: NewHandlers(store, hub, opts.Keepalive),
	}
	if opts.RedisURL != "" {
		relay, err := NewRelay(opts.RedisURL, s.handlers)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.relay = relay
	}
	return s, nil
}

// Store returns the server's store.
func (s *Server) Store() *Store { return s.store }

// Handlers returns the server's handlers.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger)
	r.HandleFunc("/healthz", s.handlers.HandleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/kyc/{id}").Subrouter()
	if s.opts.Secret != "" {
		api.Use(bearerAuth([]byte(s.opts.Secret)))
	}
	api.HandleFunc("/status", s.handlers.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handlers.HandleStream).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handlers.HandleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handlers.HandlePostEvent).Methods(http.MethodPost)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	l := sub("server")
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.relay != nil {
		go func() {
			if err := s.relay.Run(ctx, nil); err != nil && ctx.Err() == nil {
				l.Warn("relay stopped unexpectedly", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("devserver listening", "addr", s.opts.Addr, "auth", s.opts.Secret != "", "relay", s.relay != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("devserver shutting down")
	// Stream handlers only return once their hub channel closes.
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	l.Info("devserver stopped")
	return nil
}

// Close disconnects stream clients and releases the database and relay.
func (s *Server) Close() error {
	s.hub.Close()
	var errs []error
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if logEnabled(slog.LevelDebug) {
			sub("http").Debug("request",
				"method", r.Method, "path", r.URL.Path, "status", rec.status,
				"remote", realip.FromRequest(r), "elapsed", time.Since(start))
		}
	})
}

func bearerAuth(secret []byte) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := sub("auth")
			subject := mux.Vars(r)["id"]
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := ValidateToken(secret, token)
			if err != nil {
				l.Warn("rejected token", "subject", subject, "remote", realip.FromRequest(r), "err", err)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if !claims.Allows(subject) {
				l.Warn("token subject mismatch", "subject", subject, "claim", claims.Subject)
				http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
