package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/louisbranch/secondfactor/internal/mfa/storage"
)

// Authenticator flag bits.
const (
	flagUserPresent  byte = 0x01
	flagUserVerified byte = 0x04
	flagAttestedData byte = 0x40
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

func testPolicy() Policy {
	return Policy{
		RPID:               testRPID,
		RPDisplayName:      "Example",
		RPOrigins:          []string{testOrigin},
		AcceptedAlgorithms: []int64{-7},
		ChallengeTTL:       5 * time.Minute,
	}
}

// fakeAuthenticator plays the browser authenticator side of a ceremony with
// a real ES256 key pair.
type fakeAuthenticator struct {
	key          *ecdsa.PrivateKey
	credentialID []byte
}

func newFakeAuthenticator(t *testing.T) *fakeAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &fakeAuthenticator{
		key:          key,
		credentialID: []byte("test-credential-0001"),
	}
}

func (a *fakeAuthenticator) storedCredentialID() string {
	return base64.RawURLEncoding.EncodeToString(a.credentialID)
}

func cborMarshal(t *testing.T, value any) []byte {
	t.Helper()
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		t.Fatalf("cbor enc mode: %v", err)
	}
	data, err := em.Marshal(value)
	if err != nil {
		t.Fatalf("cbor marshal: %v", err)
	}
	return data
}

// coseKey returns the authenticator's public key as a COSE EC2 map.
func (a *fakeAuthenticator) coseKey(t *testing.T) []byte {
	t.Helper()
	x := a.key.PublicKey.X.FillBytes(make([]byte, 32))
	y := a.key.PublicKey.Y.FillBytes(make([]byte, 32))
	return cborMarshal(t, map[int64]any{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: x,
		-3: y,
	})
}

func buildClientData(t *testing.T, ceremony, challengeID, origin string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"type":      ceremony,
		"challenge": challengeID,
		"origin":    origin,
	})
	if err != nil {
		t.Fatalf("marshal client data: %v", err)
	}
	return data
}

func buildAuthenticatorData(t *testing.T, rpID string, flags byte, counter uint32, credentialID, coseKey []byte) []byte {
	t.Helper()
	rpIDHash := sha256.Sum256([]byte(rpID))
	data := append([]byte(nil), rpIDHash[:]...)
	data = append(data, flags)
	var counterBytes [4]byte
	binary.BigEndian.PutUint32(counterBytes[:], counter)
	data = append(data, counterBytes[:]...)
	if flags&flagAttestedData != 0 {
		data = append(data, make([]byte, 16)...) // zero AAGUID
		var idLength [2]byte
		binary.BigEndian.PutUint16(idLength[:], uint16(len(credentialID)))
		data = append(data, idLength[:]...)
		data = append(data, credentialID...)
		data = append(data, coseKey...)
	}
	return data
}

type attestationParams struct {
	ceremony   string
	challenge  string
	origin     string
	rpID       string
	flags      byte
	counter    uint32
	transports []string
}

func defaultAttestationParams(challengeID string) attestationParams {
	return attestationParams{
		ceremony:   "webauthn.create",
		challenge:  challengeID,
		origin:     testOrigin,
		rpID:       testRPID,
		flags:      flagUserPresent | flagAttestedData,
		counter:    0,
		transports: []string{"usb"},
	}
}

// attestationResponse builds the registration response JSON a browser would
// post after navigator.credentials.create.
func (a *fakeAuthenticator) attestationResponse(t *testing.T, params attestationParams) []byte {
	t.Helper()
	clientData := buildClientData(t, params.ceremony, params.challenge, params.origin)
	authData := buildAuthenticatorData(t, params.rpID, params.flags, params.counter, a.credentialID, a.coseKey(t))
	attestationObject := cborMarshal(t, map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})

	id := base64.RawURLEncoding.EncodeToString(a.credentialID)
	envelope := map[string]any{
		"id":    id,
		"rawId": id,
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
			"attestationObject": base64.RawURLEncoding.EncodeToString(attestationObject),
			"transports":        params.transports,
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal attestation envelope: %v", err)
	}
	return data
}

type assertionParams struct {
	ceremony        string
	challenge       string
	origin          string
	rpID            string
	flags           byte
	counter         uint32
	tamperSignature bool
}

func defaultAssertionParams(challengeID string) assertionParams {
	return assertionParams{
		ceremony:  "webauthn.get",
		challenge: challengeID,
		origin:    testOrigin,
		rpID:      testRPID,
		flags:     flagUserPresent,
	}
}

// assertionResponse builds the authentication response JSON a browser would
// post after navigator.credentials.get, signed with the authenticator key.
func (a *fakeAuthenticator) assertionResponse(t *testing.T, params assertionParams) []byte {
	t.Helper()
	clientData := buildClientData(t, params.ceremony, params.challenge, params.origin)
	authData := buildAuthenticatorData(t, params.rpID, params.flags, params.counter, nil, nil)

	clientDataHash := sha256.Sum256(clientData)
	signedData := append(append([]byte(nil), authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signedData)
	signature, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	if params.tamperSignature {
		signature[len(signature)-1] ^= 0xFF
	}

	id := base64.RawURLEncoding.EncodeToString(a.credentialID)
	envelope := map[string]any{
		"id":    id,
		"rawId": id,
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
			"authenticatorData": base64.RawURLEncoding.EncodeToString(authData),
			"signature":         base64.RawURLEncoding.EncodeToString(signature),
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal assertion envelope: %v", err)
	}
	return data
}

func testChallenge(userID string, kind storage.ChallengeKind) storage.Challenge {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	return storage.Challenge{
		ID:        "dGVzdC1jaGFsbGVuZ2UtMDAwMS0zMjZieXRlcw",
		UserID:    userID,
		Kind:      kind,
		Consumed:  true,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
}
