package web

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	apperrors "github.com/louisbranch/secondfactor/internal/platform/errors"
)

// Request bodies cap at 64 KiB; attestation responses are a few KiB at most.
const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string         `json:"error"`
	Code  apperrors.Code `json:"code,omitempty"`
}

type beginRegistrationRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type finishRegistrationRequest struct {
	Challenge string          `json:"challenge"`
	Label     string          `json:"label"`
	Response  json.RawMessage `json:"response"`
}

type finishAuthenticationRequest struct {
	Challenge string          `json:"challenge"`
	Response  json.RawMessage `json:"response"`
}

type credentialRequest struct {
	CredentialID string `json:"credential_id"`
	Label        string `json:"label,omitempty"`
}

// requireUser rejects requests without the gateway identity header.
func (s *Server) requireUser(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "authentication required", "")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleBeginRegistration(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var request beginRegistrationRequest
	if err := decodeBody(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if request.Username == "" {
		request.Username = userID
	}

	creation, err := s.service.BeginRegistration(r.Context(), userID, request.Username, request.DisplayName)
	if err != nil {
		writeServiceError(w, "begin registration", err)
		return
	}
	writeJSON(w, http.StatusOK, creation)
}

func (s *Server) handleFinishRegistration(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var request finishRegistrationRequest
	if err := decodeBody(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	result, err := s.service.FinishRegistration(r.Context(), userID, request.Challenge, request.Label, request.Response)
	if err != nil {
		writeServiceError(w, "finish registration", err)
		return
	}
	if !result.OK {
		// Precise codes stay internal; the client only learns that the
		// ceremony failed and must restart with a fresh challenge.
		log.Printf("registration failed for user %s: code=%s", userID, result.Code)
		writeError(w, result.Code.HTTPStatus(), "registration failed", "")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBeginAuthentication(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	assertion, err := s.service.BeginAuthentication(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "begin authentication", err)
		return
	}
	writeJSON(w, http.StatusOK, assertion)
}

func (s *Server) handleFinishAuthentication(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var request finishAuthenticationRequest
	if err := decodeBody(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	result, err := s.service.FinishAuthentication(r.Context(), userID, request.Challenge, request.Response)
	if err != nil {
		writeServiceError(w, "finish authentication", err)
		return
	}
	if !result.OK {
		log.Printf("authentication failed for user %s: code=%s", userID, result.Code)
		writeError(w, result.Code.HTTPStatus(), "authentication failed", "")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	credentials, err := s.service.ListCredentials(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "list credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": credentials})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	status, err := s.service.MFAStatus(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "mfa status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRemoveCredential(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var request credentialRequest
	if err := decodeBody(r, &request); err != nil || request.CredentialID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if err := s.service.RemoveCredential(r.Context(), userID, request.CredentialID); err != nil {
		writeServiceError(w, "remove credential", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameCredential(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var request credentialRequest
	if err := decodeBody(r, &request); err != nil || request.CredentialID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if err := s.service.RenameCredential(r.Context(), userID, request.CredentialID, request.Label); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			writeServiceError(w, "rename credential", err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid label", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, into any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty body reads as zero values
		}
		return err
	}
	return nil
}

// writeServiceError maps a service error onto an HTTP response. Typed errors
// keep their code; everything else is an internal fault, logged here and
// reported generically.
func writeServiceError(w http.ResponseWriter, operation string, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		log.Printf("%s: %v", operation, err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeError(w, code.HTTPStatus(), err.Error(), code)
}

func writeError(w http.ResponseWriter, status int, message string, code apperrors.Code) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
