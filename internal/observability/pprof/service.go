// Package pprof serves the runtime profiling endpoints for the
// datamanager. Off unless an address is configured.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// Config configures the debug HTTP listener. A non-loopback bind
// requires a token; profiling data leaks internals.
type Config struct {
	Addr  string
	Token string
}

type Service struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

// Run serves until ctx is canceled. It returns an error on a refused
// or failed bind so a supervisor restart loop can retry.
func (s *Service) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return nil
	}
	token := strings.TrimSpace(s.cfg.Token)
	if token == "" && !isLoopbackAddr(addr) {
		s.log.Error("pprof refused: non-loopback bind without token", logx.String("addr", addr))
		return errors.New("pprof: insecure bind refused")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second, // profile capture can run 60s
		IdleTimeout:  time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.log.Info("pprof listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", token != ""))

	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got == token {
			h(w, r)
			return
		}
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") &&
			strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")) == token {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
