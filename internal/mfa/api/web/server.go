// Package web exposes the second-factor ceremonies over HTTP JSON.
//
// The first factor is someone else's problem: an upstream gateway
// authenticates the user and forwards the identity in a trusted header.
// These endpoints only ever act on that user's own second-factor state.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/louisbranch/secondfactor/internal/mfa/service"
)

// UserHeader carries the authenticated user id set by the upstream gateway.
const UserHeader = "X-Authenticated-User"

// Server hosts the second-factor HTTP endpoints.
type Server struct {
	service *service.Service
}

// NewServer builds a Server over the ceremony service.
func NewServer(svc *service.Service) *Server {
	return &Server{service: svc}
}

// RegisterRoutes registers the second-factor endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/mfa/registration/begin", s.requireUser(s.handleBeginRegistration))
	mux.HandleFunc("/mfa/registration/finish", s.requireUser(s.handleFinishRegistration))
	mux.HandleFunc("/mfa/authentication/begin", s.requireUser(s.handleBeginAuthentication))
	mux.HandleFunc("/mfa/authentication/finish", s.requireUser(s.handleFinishAuthentication))
	mux.HandleFunc("/mfa/credentials", s.requireUser(s.handleListCredentials))
	mux.HandleFunc("/mfa/credentials/remove", s.requireUser(s.handleRemoveCredential))
	mux.HandleFunc("/mfa/credentials/rename", s.requireUser(s.handleRenameCredential))
	mux.HandleFunc("/mfa/status", s.requireUser(s.handleStatus))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// StartSweeper periodically reclaims expired challenge rows until the context
// is cancelled.
func (s *Server) StartSweeper(ctx context.Context, interval time.Duration) {
	if s == nil || s.service == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.service.SweepExpiredChallenges(ctx)
			}
		}
	}()
}
