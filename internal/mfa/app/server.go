// Package app assembles and runs the second-factor HTTP service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/secondfactor/internal/platform/otel"
	"github.com/louisbranch/secondfactor/internal/mfa/api/web"
	"github.com/louisbranch/secondfactor/internal/mfa/service"
	"github.com/louisbranch/secondfactor/internal/mfa/storage"
	"github.com/louisbranch/secondfactor/internal/mfa/storage/memory"
	mfasqlite "github.com/louisbranch/secondfactor/internal/mfa/storage/sqlite"
	"github.com/louisbranch/secondfactor/internal/mfa/webauthn"
)

const sweepInterval = 5 * time.Minute

// Server hosts the second-factor service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	webServer  *web.Server
	store      storage.Store
	closeStore func() error
}

// New creates a configured server listening on httpAddr. An empty storagePath
// selects the in-memory store; state then lives only as long as the process.
func New(httpAddr, storagePath string) (*Server, error) {
	store, closeStore, err := openStore(storagePath)
	if err != nil {
		return nil, err
	}

	policy, err := webauthn.LoadPolicyFromEnv()
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("load webauthn policy: %w", err)
	}
	tokens, err := service.LoadTokenIssuerFromEnv()
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("load token issuer: %w", err)
	}

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}

	webServer := web.NewServer(service.New(policy, store, tokens))
	mux := http.NewServeMux()
	webServer.RegisterRoutes(mux)

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		webServer:  webServer,
		store:      store,
		closeStore: closeStore,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, httpAddr, storagePath string) error {
	server, err := New(httpAddr, storagePath)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if err := s.closeStore(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	shutdownTracing, err := otel.Setup(serverCtx, "secondfactor")
	if err != nil {
		log.Printf("tracing setup: %v", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	s.webServer.StartSweeper(serverCtx, sweepInterval)

	log.Printf("mfa server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		shutdown()
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func openStore(storagePath string) (storage.Store, func() error, error) {
	path := strings.TrimSpace(storagePath)
	if path == "" {
		return memory.New(), func() error { return nil }, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := mfasqlite.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open mfa sqlite store: %w", err)
	}
	return store, store.Close, nil
}
