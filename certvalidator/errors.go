// Package certvalidator validates signing certificates against an
// explicit signing policy before any signature is produced.
// This file contains error types for certificate validation.
package certvalidator

import "fmt"

// CertErrorReason enumerates the fixed set of policy failure reasons.
// Callers branch on the reason, never on message text.
type CertErrorReason int

const (
	ReasonUnknown CertErrorReason = iota
	ReasonKeyTooSmall
	ReasonNotYetValid
	ReasonExpired
	ReasonMissingExtension
	ReasonMissingKeyUsage
	ReasonMissingExtKeyUsage
	ReasonUntrustedChain
	ReasonUnsupportedKeyType
	ReasonPolicyViolation
)

// String returns a human-readable representation of the reason.
func (r CertErrorReason) String() string {
	switch r {
	case ReasonKeyTooSmall:
		return "key too small"
	case ReasonNotYetValid:
		return "not yet valid"
	case ReasonExpired:
		return "expired"
	case ReasonMissingExtension:
		return "missing mandatory extension"
	case ReasonMissingKeyUsage:
		return "missing key usage"
	case ReasonMissingExtKeyUsage:
		return "missing extended key usage"
	case ReasonUntrustedChain:
		return "untrusted chain"
	case ReasonUnsupportedKeyType:
		return "unsupported key type"
	case ReasonPolicyViolation:
		return "policy violation"
	default:
		return fmt.Sprintf("unknown reason (%d)", int(r))
	}
}

// CertificateError reports a certificate that fails the signing policy.
// It is fatal for the signing attempt that triggered it.
type CertificateError struct {
	Reason  CertErrorReason
	Message string
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate rejected (%s): %s", e.Reason, e.Message)
}

// NewCertificateError creates a new CertificateError.
func NewCertificateError(reason CertErrorReason, message string) *CertificateError {
	return &CertificateError{Reason: reason, Message: message}
}
