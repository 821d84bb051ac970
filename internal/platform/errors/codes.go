// Package errors provides structured error handling for the MFA core.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Challenge errors
	CodeChallengeInvalid  Code = "MFA_CHALLENGE_INVALID"
	CodeChallengeMismatch Code = "MFA_CHALLENGE_MISMATCH"

	// Ceremony errors
	CodeOriginMismatch           Code = "MFA_ORIGIN_MISMATCH"
	CodeRPIDMismatch             Code = "MFA_RP_ID_MISMATCH"
	CodeUserVerificationRequired Code = "MFA_USER_VERIFICATION_REQUIRED"
	CodeUnsupportedAlgorithm     Code = "MFA_UNSUPPORTED_ALGORITHM"
	CodeMalformedResponse        Code = "MFA_MALFORMED_RESPONSE"

	// Credential errors
	CodeDuplicateCredential Code = "MFA_DUPLICATE_CREDENTIAL"
	CodeUnknownCredential   Code = "MFA_UNKNOWN_CREDENTIAL"
	CodeSignatureInvalid    Code = "MFA_SIGNATURE_INVALID"
	CodeCounterRegression   Code = "MFA_COUNTER_REGRESSION"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
//
// Every ceremony failure maps to 403: the user-facing response is a generic
// rejection regardless of which check failed, and the precise code stays in
// internal logs.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeChallengeInvalid,
		CodeChallengeMismatch,
		CodeOriginMismatch,
		CodeRPIDMismatch,
		CodeUserVerificationRequired,
		CodeUnsupportedAlgorithm,
		CodeMalformedResponse,
		CodeDuplicateCredential,
		CodeUnknownCredential,
		CodeSignatureInvalid,
		CodeCounterRegression:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
