// Package service orchestrates second-factor ceremonies end to end.
//
// It owns the ceremony lifecycle: issuing challenges, building the
// browser-facing option payloads, consuming challenges exactly once, and
// delegating response verification. Callers see either a tagged Result for
// ceremony outcomes or a plain error for infrastructure faults.
package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/secondfactor/internal/platform/errors"
	"github.com/louisbranch/secondfactor/internal/mfa/challenge"
	"github.com/louisbranch/secondfactor/internal/mfa/storage"
	"github.com/louisbranch/secondfactor/internal/mfa/webauthn"
)

const maxLabelLength = 64

// Service wires challenge management, verification, and credential
// bookkeeping behind one API.
type Service struct {
	policy         webauthn.Policy
	store          storage.Store
	challenges     *challenge.Manager
	registration   *webauthn.RegistrationVerifier
	authentication *webauthn.AuthenticationVerifier
	tokens         *TokenIssuer
	tracer         trace.Tracer
}

// New assembles a Service over the given store. A nil tokens issuer disables
// completion tokens; FinishAuthentication then returns an empty token.
func New(policy webauthn.Policy, store storage.Store, tokens *TokenIssuer) *Service {
	return &Service{
		policy:         policy,
		store:          store,
		challenges:     challenge.NewManager(store, policy.ChallengeTTL),
		registration:   webauthn.NewRegistrationVerifier(policy, store),
		authentication: webauthn.NewAuthenticationVerifier(policy, store, nil),
		tokens:         tokens,
		tracer:         otel.Tracer("github.com/louisbranch/secondfactor/internal/mfa/service"),
	}
}

// WithClock overrides the clocks of the managed components. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.challenges.WithClock(now)
	s.registration.WithClock(now)
	s.authentication.WithClock(now)
	return s
}

// CredentialSummary is the caller-facing view of an enrolled credential. Key
// material stays behind the storage boundary.
type CredentialSummary struct {
	CredentialID      string     `json:"credential_id"`
	Label             string     `json:"label,omitempty"`
	Algorithm         int64      `json:"algorithm"`
	AttestationFormat string     `json:"attestation_format,omitempty"`
	Transports        []string   `json:"transports,omitempty"`
	SignCount         uint32     `json:"sign_count"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// Result is the tagged outcome of a finish operation. Ceremony failures land
// here with a code; infrastructure faults surface as plain errors instead.
type Result struct {
	OK         bool               `json:"ok"`
	Code       apperrors.Code     `json:"code,omitempty"`
	Credential *CredentialSummary `json:"credential,omitempty"`
	Token      string             `json:"token,omitempty"`
}

// Status reports a user's second-factor enrollment.
type Status struct {
	Enrolled        bool `json:"enrolled"`
	CredentialCount int  `json:"credential_count"`
}

func summarize(credential storage.Credential) CredentialSummary {
	return CredentialSummary{
		CredentialID:      credential.CredentialID,
		Label:             credential.Label,
		Algorithm:         credential.Algorithm,
		AttestationFormat: credential.AttestationFormat,
		Transports:        append([]string(nil), credential.Transports...),
		SignCount:         credential.SignCount,
		CreatedAt:         credential.CreatedAt,
		LastUsedAt:        credential.LastUsedAt,
	}
}

// BeginRegistration issues a registration challenge and returns the options
// payload for navigator.credentials.create. Already-enrolled credentials go
// on the exclude list so an authenticator is not enrolled twice.
func (s *Service) BeginRegistration(ctx context.Context, userID, username, displayName string) (*protocol.CredentialCreation, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.BeginRegistration")
	defer span.End()

	s.sweep(ctx)

	existing, err := s.store.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	excludeList := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, credential := range existing {
		descriptor, err := descriptorFor(credential)
		if err != nil {
			return nil, err
		}
		excludeList = append(excludeList, descriptor)
	}

	issued, err := s.challenges.Issue(ctx, userID, storage.ChallengeKindRegistration)
	if err != nil {
		return nil, err
	}
	challengeBytes, err := base64.RawURLEncoding.DecodeString(issued.ID)
	if err != nil {
		return nil, fmt.Errorf("decode challenge id: %w", err)
	}

	if displayName == "" {
		displayName = username
	}
	creation := &protocol.CredentialCreation{
		Response: protocol.PublicKeyCredentialCreationOptions{
			RelyingParty: protocol.RelyingPartyEntity{
				CredentialEntity: protocol.CredentialEntity{Name: s.policy.RPDisplayName},
				ID:               s.policy.RPID,
			},
			User: protocol.UserEntity{
				CredentialEntity: protocol.CredentialEntity{Name: username},
				DisplayName:      displayName,
				ID:               []byte(userID),
			},
			Challenge:             challengeBytes,
			Parameters:            s.policy.CredentialParameters(),
			Timeout:               int(s.policy.ChallengeTTL.Milliseconds()),
			CredentialExcludeList: excludeList,
			AuthenticatorSelection: protocol.AuthenticatorSelection{
				UserVerification: s.policy.UserVerification(),
			},
			Attestation: protocol.PreferNoAttestation,
		},
	}
	return creation, nil
}

// FinishRegistration consumes the challenge and verifies the attestation
// response. The challenge is spent before any cryptographic check, so a
// failed attempt cannot be retried against the same challenge.
func (s *Service) FinishRegistration(ctx context.Context, userID, challengeID, label string, responseJSON []byte) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.FinishRegistration")
	defer span.End()

	consumed, err := s.challenges.Consume(ctx, challengeID, storage.ChallengeKindRegistration)
	if err != nil {
		return s.ceremonyOutcome(span, err)
	}
	if consumed.UserID != userID {
		return s.ceremonyOutcome(span, apperrors.New(apperrors.CodeChallengeInvalid, "challenge was issued to a different user"))
	}

	credential, err := s.registration.Verify(ctx, consumed, label, responseJSON)
	if err != nil {
		return s.ceremonyOutcome(span, err)
	}

	summary := summarize(credential)
	return Result{OK: true, Credential: &summary}, nil
}

// BeginAuthentication issues an authentication challenge and returns the
// options payload for navigator.credentials.get, listing the user's enrolled
// credentials.
func (s *Service) BeginAuthentication(ctx context.Context, userID string) (*protocol.CredentialAssertion, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.BeginAuthentication")
	defer span.End()

	s.sweep(ctx)

	credentials, err := s.store.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if len(credentials) == 0 {
		return nil, apperrors.New(apperrors.CodeNotFound, "no credentials enrolled")
	}
	allowed := make([]protocol.CredentialDescriptor, 0, len(credentials))
	for _, credential := range credentials {
		descriptor, err := descriptorFor(credential)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, descriptor)
	}

	issued, err := s.challenges.Issue(ctx, userID, storage.ChallengeKindAuthentication)
	if err != nil {
		return nil, err
	}
	challengeBytes, err := base64.RawURLEncoding.DecodeString(issued.ID)
	if err != nil {
		return nil, fmt.Errorf("decode challenge id: %w", err)
	}

	assertion := &protocol.CredentialAssertion{
		Response: protocol.PublicKeyCredentialRequestOptions{
			Challenge:          challengeBytes,
			Timeout:            int(s.policy.ChallengeTTL.Milliseconds()),
			RelyingPartyID:     s.policy.RPID,
			AllowedCredentials: allowed,
			UserVerification:   s.policy.UserVerification(),
		},
	}
	return assertion, nil
}

// FinishAuthentication consumes the challenge and verifies the assertion
// response. On success the credential's counter advances and, when a token
// issuer is configured, a completion token is minted.
//
// A CounterRegression outcome means the signature was otherwise valid but the
// counter went backwards: a possible cloned authenticator. It is logged here
// and must never be retried into success.
func (s *Service) FinishAuthentication(ctx context.Context, userID, challengeID string, responseJSON []byte) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.FinishAuthentication")
	defer span.End()

	consumed, err := s.challenges.Consume(ctx, challengeID, storage.ChallengeKindAuthentication)
	if err != nil {
		return s.ceremonyOutcome(span, err)
	}
	if consumed.UserID != userID {
		return s.ceremonyOutcome(span, apperrors.New(apperrors.CodeChallengeInvalid, "challenge was issued to a different user"))
	}

	credential, err := s.authentication.Verify(ctx, consumed, responseJSON)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeCounterRegression {
			log.Printf("SECURITY counter regression for user %s: %v", userID, err)
		}
		return s.ceremonyOutcome(span, err)
	}

	summary := summarize(credential)
	result := Result{OK: true, Credential: &summary}
	if s.tokens != nil {
		token, err := s.tokens.Mint(userID, credential.CredentialID)
		if err != nil {
			return Result{}, fmt.Errorf("mint completion token: %w", err)
		}
		result.Token = token
	}
	return result, nil
}

// ListCredentials returns the user's enrolled credentials in creation order.
func (s *Service) ListCredentials(ctx context.Context, userID string) ([]CredentialSummary, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.ListCredentials")
	defer span.End()

	credentials, err := s.store.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	summaries := make([]CredentialSummary, 0, len(credentials))
	for _, credential := range credentials {
		summaries = append(summaries, summarize(credential))
	}
	return summaries, nil
}

// MFAStatus reports whether the user has a usable second factor.
func (s *Service) MFAStatus(ctx context.Context, userID string) (Status, error) {
	ctx, span := s.tracer.Start(ctx, "mfa.MFAStatus")
	defer span.End()

	credentials, err := s.store.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("list credentials: %w", err)
	}
	return Status{
		Enrolled:        len(credentials) > 0,
		CredentialCount: len(credentials),
	}, nil
}

// RemoveCredential unenrolls one of the user's credentials. Removing another
// user's credential reads as NotFound.
func (s *Service) RemoveCredential(ctx context.Context, userID, credentialID string) error {
	ctx, span := s.tracer.Start(ctx, "mfa.RemoveCredential")
	defer span.End()

	return s.store.DeleteCredential(ctx, credentialID, userID)
}

// RenameCredential updates a credential's label.
func (s *Service) RenameCredential(ctx context.Context, userID, credentialID, label string) error {
	ctx, span := s.tracer.Start(ctx, "mfa.RenameCredential")
	defer span.End()

	if label == "" {
		return fmt.Errorf("label is required")
	}
	if len(label) > maxLabelLength {
		return fmt.Errorf("label exceeds %d characters", maxLabelLength)
	}
	return s.store.UpdateCredentialLabel(ctx, credentialID, userID, label)
}

// SweepExpiredChallenges reclaims expired challenge rows. Begin operations
// already sweep opportunistically; this is for a periodic caller.
func (s *Service) SweepExpiredChallenges(ctx context.Context) error {
	return s.challenges.Sweep(ctx)
}

// ceremonyOutcome folds a typed verification error into a Result; anything
// without a code is an infrastructure fault and stays an error.
func (s *Service) ceremonyOutcome(span trace.Span, err error) (Result, error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		span.RecordError(err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("mfa.failure_code", string(code)))
	return Result{OK: false, Code: code}, nil
}

// sweep opportunistically reclaims expired challenges. Best effort only.
func (s *Service) sweep(ctx context.Context) {
	if err := s.challenges.Sweep(ctx); err != nil {
		log.Printf("sweep expired challenges: %v", err)
	}
}

func descriptorFor(credential storage.Credential) (protocol.CredentialDescriptor, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(credential.CredentialID)
	if err != nil {
		return protocol.CredentialDescriptor{}, fmt.Errorf("decode credential id %q: %w", credential.CredentialID, err)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(credential.Transports))
	for _, transport := range credential.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}
	return protocol.CredentialDescriptor{
		Type:         protocol.PublicKeyCredentialType,
		CredentialID: rawID,
		Transport:    transports,
	}, nil
}
