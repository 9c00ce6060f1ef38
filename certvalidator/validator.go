package certvalidator

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ExpiryWarningWindow is how close to expiry a certificate may be before
// validation starts emitting a non-fatal warning.
const ExpiryWarningWindow = 30 * 24 * time.Hour

// Result carries the non-fatal findings of a successful validation.
type Result struct {
	// Warnings are advisory findings, e.g. imminent expiry.
	Warnings []string

	// ChainValidated reports whether the chain was anchored in the
	// configured trust roots.
	ChainValidated bool
}

// Validator checks a signing certificate and its chain against a policy.
type Validator struct {
	Policy SigningPolicy

	// Roots are the trust anchors for chain validation. Nil disables
	// anchoring unless the policy requires a government CA.
	Roots *x509.CertPool

	// Clock is the time source; swapped out in tests.
	Clock clockwork.Clock
}

// NewValidator creates a validator for the given policy.
func NewValidator(policy SigningPolicy, roots *x509.CertPool) *Validator {
	return &Validator{
		Policy: policy,
		Roots:  roots,
		Clock:  clockwork.NewRealClock(),
	}
}

// Validate runs the ordered policy checks, short-circuiting on the first
// failure. Under the development profile the checks are skipped and the
// result says so; the strict profile never skips anything.
func (v *Validator) Validate(cert *x509.Certificate, chain []*x509.Certificate) (*Result, error) {
	if cert == nil {
		return nil, NewCertificateError(ReasonPolicyViolation, "no certificate provided")
	}

	result := &Result{}

	if v.Policy.Mode == ModeDevelopment {
		result.Warnings = append(result.Warnings,
			"development policy active: certificate policy checks skipped")
		return result, nil
	}

	if err := v.checkKeySize(cert); err != nil {
		return nil, err
	}
	if err := v.checkValidityWindow(cert, result); err != nil {
		return nil, err
	}
	if err := v.checkMandatoryExtensions(cert); err != nil {
		return nil, err
	}
	if err := v.checkKeyUsage(cert); err != nil {
		return nil, err
	}
	if err := v.checkExtendedKeyUsage(cert); err != nil {
		return nil, err
	}
	if err := v.checkChain(cert, chain, result); err != nil {
		return nil, err
	}

	return result, nil
}

func (v *Validator) checkKeySize(cert *x509.Certificate) error {
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if bits := key.N.BitLen(); bits < v.Policy.MinimumKeySize {
			return NewCertificateError(ReasonKeyTooSmall,
				fmt.Sprintf("RSA modulus is %d bits, policy minimum is %d", bits, v.Policy.MinimumKeySize))
		}
	case *ecdsa.PublicKey:
		if bits := key.Curve.Params().BitSize; bits < 256 {
			return NewCertificateError(ReasonKeyTooSmall,
				fmt.Sprintf("ECDSA curve is %d bits, policy minimum is 256", bits))
		}
	default:
		return NewCertificateError(ReasonUnsupportedKeyType,
			fmt.Sprintf("unsupported public key type %T", cert.PublicKey))
	}
	return nil
}

func (v *Validator) checkValidityWindow(cert *x509.Certificate, result *Result) error {
	now := v.Clock.Now()
	if now.Before(cert.NotBefore) {
		return NewCertificateError(ReasonNotYetValid,
			fmt.Sprintf("certificate is not valid before %s", cert.NotBefore.Format(time.RFC3339)))
	}
	if now.After(cert.NotAfter) {
		return NewCertificateError(ReasonExpired,
			fmt.Sprintf("certificate expired %s", cert.NotAfter.Format(time.RFC3339)))
	}
	if remaining := cert.NotAfter.Sub(now); remaining < ExpiryWarningWindow {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("certificate expires in %d days (%s)",
				int(remaining.Hours()/24), cert.NotAfter.Format("2006-01-02")))
	}
	return nil
}

func (v *Validator) checkMandatoryExtensions(cert *x509.Certificate) error {
	for _, ext := range v.Policy.MandatoryExtensions {
		if !hasExtension(cert, ext) {
			return NewCertificateError(ReasonMissingExtension,
				fmt.Sprintf("certificate lacks mandatory extension %s", ext))
		}
	}
	return nil
}

func (v *Validator) checkKeyUsage(cert *x509.Certificate) error {
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return NewCertificateError(ReasonMissingKeyUsage,
			"keyUsage does not include digitalSignature")
	}
	return nil
}

func (v *Validator) checkExtendedKeyUsage(cert *x509.Certificate) error {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageCodeSigning || eku == x509.ExtKeyUsageAny {
			return nil
		}
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.Equal(OIDDocumentSigning) {
			return nil
		}
	}
	return NewCertificateError(ReasonMissingExtKeyUsage,
		"extendedKeyUsage does not include a document or code signing purpose")
}

func (v *Validator) checkChain(cert *x509.Certificate, chain []*x509.Certificate, result *Result) error {
	if !v.Policy.RequireGovernmentCA {
		return nil
	}
	if v.Roots == nil {
		return NewCertificateError(ReasonUntrustedChain,
			"policy requires a government CA anchor but no trust roots are configured")
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain {
		intermediates.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
		CurrentTime:   v.Clock.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return NewCertificateError(ReasonUntrustedChain,
			fmt.Sprintf("chain does not anchor in the configured trust roots: %v", err))
	}
	result.ChainValidated = true
	return nil
}
