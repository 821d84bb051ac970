package webauthn

import (
	"fmt"

	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	apperrors "github.com/louisbranch/secondfactor/internal/platform/errors"
)

// SignatureVerifier checks an authenticator signature against stored COSE key
// material. Ceremony logic depends on this capability rather than concrete
// crypto so algorithm support can grow without touching the verifiers.
type SignatureVerifier interface {
	Verify(publicKey, signedData, signature []byte) error
}

// COSEVerifier verifies signatures for the COSE key types go-webauthn
// supports (EC2, OKP, RSA).
type COSEVerifier struct{}

// NewCOSEVerifier returns the production signature verifier.
func NewCOSEVerifier() COSEVerifier {
	return COSEVerifier{}
}

// Verify parses the stored key and checks the signature over signedData.
func (COSEVerifier) Verify(publicKey, signedData, signature []byte) error {
	key, err := webauthncose.ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse stored public key: %w", err)
	}
	valid, err := webauthncose.VerifySignature(key, signedData, signature)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSignatureInvalid, "verify assertion signature", err)
	}
	if !valid {
		return apperrors.New(apperrors.CodeSignatureInvalid, "assertion signature does not verify")
	}
	return nil
}

// KeyAlgorithm extracts the COSE algorithm identifier from raw key bytes.
func KeyAlgorithm(publicKey []byte) (int64, error) {
	key, err := webauthncose.ParsePublicKey(publicKey)
	if err != nil {
		return 0, fmt.Errorf("parse public key: %w", err)
	}
	switch k := key.(type) {
	case webauthncose.OKPPublicKeyData:
		return k.Algorithm, nil
	case webauthncose.EC2PublicKeyData:
		return k.Algorithm, nil
	case webauthncose.RSAPublicKeyData:
		return k.Algorithm, nil
	default:
		return 0, fmt.Errorf("unsupported key type %T", key)
	}
}

var _ SignatureVerifier = COSEVerifier{}
