// Package webauthn implements second-factor ceremony verification.
//
// It validates browser attestation and assertion responses against an issued
// challenge and the relying-party policy, and owns the signature-counter
// clone check. Response parsing and COSE key handling are delegated to
// go-webauthn's protocol layer; the ceremony decisions stay here.
package webauthn

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// Policy describes the relying party every ceremony must bind to.
type Policy struct {
	RPID                    string        `env:"MFA_WEBAUTHN_RP_ID"                     envDefault:"localhost"`
	RPDisplayName           string        `env:"MFA_WEBAUTHN_RP_DISPLAY_NAME"           envDefault:"Second Factor"`
	RPOrigins               []string      `env:"MFA_WEBAUTHN_RP_ORIGINS"                envSeparator:"," envDefault:"http://localhost:8086"`
	AcceptedAlgorithms      []int64       `env:"MFA_WEBAUTHN_ALGORITHMS"                envSeparator:","`
	RequireUserVerification bool          `env:"MFA_WEBAUTHN_REQUIRE_USER_VERIFICATION"`
	ChallengeTTL            time.Duration `env:"MFA_WEBAUTHN_CHALLENGE_TTL"             envDefault:"5m"`
}

// defaultAlgorithms lists the COSE algorithms accepted when none are
// configured: ES256, EdDSA, and RS256.
var defaultAlgorithms = []int64{
	int64(webauthncose.AlgES256),
	int64(webauthncose.AlgEdDSA),
	int64(webauthncose.AlgRS256),
}

// LoadPolicyFromEnv returns relying-party policy with defaults applied.
func LoadPolicyFromEnv() (Policy, error) {
	var policy Policy
	if err := env.Parse(&policy); err != nil {
		return Policy{}, fmt.Errorf("parse webauthn policy env: %w", err)
	}
	if len(policy.AcceptedAlgorithms) == 0 {
		policy.AcceptedAlgorithms = append([]int64(nil), defaultAlgorithms...)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate reports configuration a ceremony could not be verified against.
func (p Policy) Validate() error {
	if p.RPID == "" {
		return fmt.Errorf("relying party id is required")
	}
	if len(p.RPOrigins) == 0 {
		return fmt.Errorf("at least one relying party origin is required")
	}
	if len(p.AcceptedAlgorithms) == 0 {
		return fmt.Errorf("at least one accepted algorithm is required")
	}
	if p.ChallengeTTL <= 0 {
		return fmt.Errorf("challenge ttl must be positive")
	}
	return nil
}

// RPIDHash returns the SHA-256 hash authenticator data must carry.
func (p Policy) RPIDHash() [sha256.Size]byte {
	return sha256.Sum256([]byte(p.RPID))
}

// OriginAllowed reports whether the client-data origin matches the policy
// exactly. No normalization: scheme, host, and port must be byte-equal.
func (p Policy) OriginAllowed(origin string) bool {
	for _, allowed := range p.RPOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// AlgorithmAccepted reports whether the COSE algorithm is in the accepted set.
func (p Policy) AlgorithmAccepted(algorithm int64) bool {
	for _, accepted := range p.AcceptedAlgorithms {
		if algorithm == accepted {
			return true
		}
	}
	return false
}

// CredentialParameters translates the accepted algorithms into the
// browser-facing parameter list for credential creation options.
func (p Policy) CredentialParameters() []protocol.CredentialParameter {
	parameters := make([]protocol.CredentialParameter, 0, len(p.AcceptedAlgorithms))
	for _, algorithm := range p.AcceptedAlgorithms {
		parameters = append(parameters, protocol.CredentialParameter{
			Type:      protocol.PublicKeyCredentialType,
			Algorithm: webauthncose.COSEAlgorithmIdentifier(algorithm),
		})
	}
	return parameters
}

// UserVerification maps the policy flag onto the browser-facing requirement.
// Discouraged by default, otherwise some browsers prompt for a needless PIN.
func (p Policy) UserVerification() protocol.UserVerificationRequirement {
	if p.RequireUserVerification {
		return protocol.VerificationRequired
	}
	return protocol.VerificationDiscouraged
}
