package certvalidator

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
)

// PolicyMode selects between the strict government profile and the
// relaxed development profile for self-signed test certificates.
type PolicyMode string

const (
	// ModeStrict applies every policy check and fails closed.
	ModeStrict PolicyMode = "strict"
	// ModeDevelopment accepts self-signed test certificates.
	// It must never be combined with a production deployment.
	ModeDevelopment PolicyMode = "development"
)

// ErrDevelopmentPolicyInProduction is returned when a development policy
// is handed to a component that runs with the production flag set.
var ErrDevelopmentPolicyInProduction = errors.New("development signing policy is not permitted in production")

// ExtensionID identifies a mandatory certificate extension. A tagged
// constant set keeps invalid extension names out of configuration.
type ExtensionID int

const (
	ExtKeyUsage ExtensionID = iota
	ExtExtendedKeyUsage
	ExtCertificatePolicies
	ExtAuthorityInfoAccess
	ExtCRLDistributionPoints
)

// String returns the extension's conventional name.
func (e ExtensionID) String() string {
	switch e {
	case ExtKeyUsage:
		return "keyUsage"
	case ExtExtendedKeyUsage:
		return "extendedKeyUsage"
	case ExtCertificatePolicies:
		return "certificatePolicies"
	case ExtAuthorityInfoAccess:
		return "authorityInfoAccess"
	case ExtCRLDistributionPoints:
		return "crlDistributionPoints"
	default:
		return "unknown"
	}
}

// OID returns the extension's object identifier.
func (e ExtensionID) OID() asn1.ObjectIdentifier {
	switch e {
	case ExtKeyUsage:
		return asn1.ObjectIdentifier{2, 5, 29, 15}
	case ExtExtendedKeyUsage:
		return asn1.ObjectIdentifier{2, 5, 29, 37}
	case ExtCertificatePolicies:
		return asn1.ObjectIdentifier{2, 5, 29, 32}
	case ExtAuthorityInfoAccess:
		return asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	case ExtCRLDistributionPoints:
		return asn1.ObjectIdentifier{2, 5, 29, 31}
	default:
		return nil
	}
}

// OIDDocumentSigning is the id-kp-documentSigning extended key usage
// purpose (RFC 9336).
var OIDDocumentSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 36}

// SigningPolicy is the single configuration object that drives both the
// certificate validator and the signature engine. It replaces scattered
// environment branching with one explicit value.
type SigningPolicy struct {
	// Mode selects the strict or development profile.
	Mode PolicyMode

	// MinimumKeySize is the smallest acceptable RSA modulus bit length.
	MinimumKeySize int

	// RequireRevocationInfo makes missing revocation evidence a hard
	// signing failure instead of a warning.
	RequireRevocationInfo bool

	// RequireTimestamp makes an unreachable timestamp authority a hard
	// signing failure instead of a warning.
	RequireTimestamp bool

	// RequireGovernmentCA requires the chain to anchor in the configured
	// trust roots.
	RequireGovernmentCA bool

	// MandatoryExtensions lists the extensions a signing certificate must
	// carry under the strict profile.
	MandatoryExtensions []ExtensionID
}

// StrictPolicy returns the government signing profile: RSA-4096 minimum,
// full extension set, revocation and timestamp evidence mandatory.
func StrictPolicy() SigningPolicy {
	return SigningPolicy{
		Mode:                  ModeStrict,
		MinimumKeySize:        4096,
		RequireRevocationInfo: true,
		RequireTimestamp:      true,
		RequireGovernmentCA:   true,
		MandatoryExtensions: []ExtensionID{
			ExtKeyUsage,
			ExtExtendedKeyUsage,
			ExtCertificatePolicies,
			ExtAuthorityInfoAccess,
			ExtCRLDistributionPoints,
		},
	}
}

// DevelopmentPolicy returns the relaxed profile for self-signed test
// certificates. Validation checks are skipped entirely.
func DevelopmentPolicy() SigningPolicy {
	return SigningPolicy{
		Mode:           ModeDevelopment,
		MinimumKeySize: 2048,
	}
}

// CheckDeployment fails closed when a development policy reaches a
// production deployment.
func (p SigningPolicy) CheckDeployment(production bool) error {
	if production && p.Mode != ModeStrict {
		return ErrDevelopmentPolicyInProduction
	}
	return nil
}

// hasExtension reports whether the certificate carries the extension.
func hasExtension(cert *x509.Certificate, ext ExtensionID) bool {
	oid := ext.OID()
	for _, e := range cert.Extensions {
		if e.Id.Equal(oid) {
			return true
		}
	}
	return false
}
