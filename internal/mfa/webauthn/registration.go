package webauthn

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/louisbranch/secondfactor/internal/platform/errors"
	"github.com/louisbranch/secondfactor/internal/mfa/storage"
)

// RegistrationVerifier validates attestation responses and enrolls the
// resulting credential.
type RegistrationVerifier struct {
	policy      Policy
	credentials storage.CredentialStore
	now         func() time.Time
}

// NewRegistrationVerifier builds a verifier bound to the relying-party policy.
func NewRegistrationVerifier(policy Policy, credentials storage.CredentialStore) *RegistrationVerifier {
	return &RegistrationVerifier{
		policy:      policy,
		credentials: credentials,
		now:         time.Now,
	}
}

// WithClock overrides the verifier clock. Tests only.
func (v *RegistrationVerifier) WithClock(now func() time.Time) *RegistrationVerifier {
	v.now = now
	return v
}

// Verify checks the attestation response against the consumed challenge and,
// on success, stores and returns the new credential.
//
// The caller consumed the challenge already; every failure here is terminal
// for the ceremony and a retry requires a fresh challenge.
func (v *RegistrationVerifier) Verify(ctx context.Context, challenge storage.Challenge, label string, responseJSON []byte) (storage.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeMalformedResponse, "parse attestation response", err)
	}

	clientData := parsed.Response.CollectedClientData
	if err := verifyClientData(clientData, challenge, protocol.CreateCeremony, v.policy); err != nil {
		return storage.Credential{}, err
	}

	authData := parsed.Response.AttestationObject.AuthData
	if err := verifyAuthenticatorData(authData, v.policy); err != nil {
		return storage.Credential{}, err
	}

	if !authData.Flags.HasAttestedCredentialData() {
		return storage.Credential{}, apperrors.New(apperrors.CodeMalformedResponse, "attestation carries no credential data")
	}
	keyBytes := authData.AttData.CredentialPublicKey
	algorithm, err := KeyAlgorithm(keyBytes)
	if err != nil {
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeUnsupportedAlgorithm, "credential public key", err)
	}
	if !v.policy.AlgorithmAccepted(algorithm) {
		return storage.Credential{}, apperrors.WithMetadata(apperrors.CodeUnsupportedAlgorithm, "algorithm not in accepted set", map[string]string{
			"algorithm": fmt.Sprintf("%d", algorithm),
		})
	}

	credentialID := authData.AttData.CredentialID
	if len(credentialID) == 0 {
		return storage.Credential{}, apperrors.New(apperrors.CodeMalformedResponse, "attestation carries no credential id")
	}
	if len(parsed.RawID) > 0 && !bytes.Equal(parsed.RawID, credentialID) {
		return storage.Credential{}, apperrors.New(apperrors.CodeMalformedResponse, "credential id differs between envelope and authenticator data")
	}

	credential := storage.Credential{
		CredentialID:      base64.RawURLEncoding.EncodeToString(credentialID),
		UserID:            challenge.UserID,
		PublicKey:         append([]byte(nil), keyBytes...),
		Algorithm:         algorithm,
		AttestationFormat: parsed.Response.AttestationObject.Format,
		SignCount:         authData.Counter,
		Transports:        transportsToStrings(parsed.Response.Transports),
		Label:             label,
		CreatedAt:         v.now().UTC(),
	}
	if err := v.credentials.InsertCredential(ctx, credential); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeDuplicateCredential {
			return storage.Credential{}, err
		}
		return storage.Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return credential, nil
}

// verifyClientData runs the checks shared by both ceremonies: exact challenge
// equality, ceremony type, and exact origin match.
func verifyClientData(clientData protocol.CollectedClientData, challenge storage.Challenge, ceremony protocol.CeremonyType, policy Policy) error {
	if subtle.ConstantTimeCompare([]byte(clientData.Challenge), []byte(challenge.ID)) != 1 {
		return apperrors.New(apperrors.CodeChallengeMismatch, "client data challenge does not match issued challenge")
	}
	if clientData.Type != ceremony {
		return apperrors.WithMetadata(apperrors.CodeOriginMismatch, "unexpected ceremony type", map[string]string{
			"type": string(clientData.Type),
		})
	}
	if !policy.OriginAllowed(clientData.Origin) {
		return apperrors.WithMetadata(apperrors.CodeOriginMismatch, "origin not allowed by relying party policy", map[string]string{
			"origin": clientData.Origin,
		})
	}
	return nil
}

// verifyAuthenticatorData checks the relying-party binding and presence flags.
func verifyAuthenticatorData(authData protocol.AuthenticatorData, policy Policy) error {
	rpIDHash := policy.RPIDHash()
	if subtle.ConstantTimeCompare(authData.RPIDHash, rpIDHash[:]) != 1 {
		return apperrors.New(apperrors.CodeRPIDMismatch, "authenticator data relying party id hash mismatch")
	}
	if !authData.Flags.UserPresent() {
		return apperrors.New(apperrors.CodeUserVerificationRequired, "user presence flag not set")
	}
	if policy.RequireUserVerification && !authData.Flags.UserVerified() {
		return apperrors.New(apperrors.CodeUserVerificationRequired, "user verification required by policy")
	}
	return nil
}

func transportsToStrings(transports []protocol.AuthenticatorTransport) []string {
	if len(transports) == 0 {
		return nil
	}
	values := make([]string, 0, len(transports))
	for _, transport := range transports {
		values = append(values, string(transport))
	}
	return values
}
