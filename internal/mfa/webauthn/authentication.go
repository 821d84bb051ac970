package webauthn

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/louisbranch/secondfactor/internal/platform/errors"
	"github.com/louisbranch/secondfactor/internal/mfa/storage"
)

// AuthenticationVerifier validates assertion responses against stored
// credentials and enforces signature-counter monotonicity.
type AuthenticationVerifier struct {
	policy      Policy
	credentials storage.CredentialStore
	signatures  SignatureVerifier
	now         func() time.Time
}

// NewAuthenticationVerifier builds a verifier bound to the relying-party policy.
func NewAuthenticationVerifier(policy Policy, credentials storage.CredentialStore, signatures SignatureVerifier) *AuthenticationVerifier {
	if signatures == nil {
		signatures = NewCOSEVerifier()
	}
	return &AuthenticationVerifier{
		policy:      policy,
		credentials: credentials,
		signatures:  signatures,
		now:         time.Now,
	}
}

// WithClock overrides the verifier clock. Tests only.
func (v *AuthenticationVerifier) WithClock(now func() time.Time) *AuthenticationVerifier {
	v.now = now
	return v
}

// Verify checks the assertion response against the consumed challenge and the
// stored credential it references. On success the stored counter and
// last-used timestamp are updated and the refreshed credential is returned.
//
// A CodeCounterRegression failure signals a possibly cloned authenticator and
// must surface to the caller's security logging, not be retried.
func (v *AuthenticationVerifier) Verify(ctx context.Context, challenge storage.Challenge, responseJSON []byte) (storage.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeMalformedResponse, "parse assertion response", err)
	}

	credentialID := base64.RawURLEncoding.EncodeToString(parsed.RawID)
	credential, err := v.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return storage.Credential{}, apperrors.New(apperrors.CodeUnknownCredential, "credential is not enrolled")
		}
		return storage.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if credential.UserID != challenge.UserID {
		// Deliberately indistinguishable from a missing credential.
		return storage.Credential{}, apperrors.New(apperrors.CodeUnknownCredential, "credential belongs to a different user")
	}

	clientData := parsed.Response.CollectedClientData
	if err := verifyClientData(clientData, challenge, protocol.AssertCeremony, v.policy); err != nil {
		return storage.Credential{}, err
	}

	authData := parsed.Response.AuthenticatorData
	if err := verifyAuthenticatorData(authData, v.policy); err != nil {
		return storage.Credential{}, err
	}

	// The authenticator signed authenticatorData || SHA-256(clientDataJSON).
	clientDataHash := sha256.Sum256(parsed.Raw.AssertionResponse.ClientDataJSON)
	signedData := make([]byte, 0, len(parsed.Raw.AssertionResponse.AuthenticatorData)+len(clientDataHash))
	signedData = append(signedData, parsed.Raw.AssertionResponse.AuthenticatorData...)
	signedData = append(signedData, clientDataHash[:]...)
	if err := v.signatures.Verify(credential.PublicKey, signedData, parsed.Response.Signature); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeSignatureInvalid {
			return storage.Credential{}, err
		}
		return storage.Credential{}, fmt.Errorf("verify signature: %w", err)
	}

	if err := checkCounter(authData.Counter, credential.SignCount); err != nil {
		return storage.Credential{}, err
	}

	usedAt := v.now().UTC()
	if err := v.credentials.UpdateCredentialSignCount(ctx, credential.CredentialID, authData.Counter, usedAt); err != nil {
		return storage.Credential{}, fmt.Errorf("update sign count: %w", err)
	}
	credential.SignCount = authData.Counter
	credential.LastUsedAt = &usedAt
	return credential, nil
}

// checkCounter enforces counter monotonicity.
//
// Authenticators without counters report 0 forever; a stored 0 therefore
// accepts a reported 0 so such devices are not locked out after first use.
// Any reported value at or below a nonzero stored counter reads as a cloned
// authenticator.
func checkCounter(reported, stored uint32) error {
	if reported > stored {
		return nil
	}
	if reported == 0 && stored == 0 {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodeCounterRegression, "signature counter did not increase", map[string]string{
		"reported": fmt.Sprintf("%d", reported),
		"stored":   fmt.Sprintf("%d", stored),
	})
}
