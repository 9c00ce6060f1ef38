package certvalidator

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	testKey4096      *rsa.PrivateKey
	testKey2048      *rsa.PrivateKey
	testKeyOnce      sync.Once
	testKeyOnceSmall sync.Once
)

func key4096(t *testing.T) *rsa.PrivateKey {
	testKeyOnce.Do(func() {
		var err error
		testKey4096, err = rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
	})
	return testKey4096
}

func key2048(t *testing.T) *rsa.PrivateKey {
	testKeyOnceSmall.Do(func() {
		var err error
		testKey2048, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
	})
	return testKey2048
}

type certOptions struct {
	key          *rsa.PrivateKey
	notBefore    time.Time
	notAfter     time.Time
	keyUsage     x509.KeyUsage
	extKeyUsage  []x509.ExtKeyUsage
	omitPolicies bool
	omitAIA      bool
	omitCRLDP    bool
}

func mustOID(t *testing.T, ints ...uint64) x509.OID {
	t.Helper()
	oid, err := x509.OIDFromInts(ints)
	if err != nil {
		t.Fatalf("Failed to build OID: %v", err)
	}
	return oid
}

func makeCert(t *testing.T, opts certOptions) *x509.Certificate {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(2025),
		Subject: pkix.Name{
			CommonName:   "Document Signing Service",
			Organization: []string{"Utopia Passport Office"},
		},
		NotBefore:             opts.notBefore,
		NotAfter:              opts.notAfter,
		KeyUsage:              opts.keyUsage,
		ExtKeyUsage:           opts.extKeyUsage,
		BasicConstraintsValid: true,
	}
	if !opts.omitPolicies {
		template.Policies = []x509.OID{mustOID(t, 2, 16, 840, 1, 101, 3, 2, 1, 48, 1)}
	}
	if !opts.omitAIA {
		template.OCSPServer = []string{"http://ocsp.example.gov"}
		template.IssuingCertificateURL = []string{"http://ca.example.gov/issuing.crt"}
	}
	if !opts.omitCRLDP {
		template.CRLDistributionPoints = []string{"http://crl.example.gov/signing.crl"}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &opts.key.PublicKey, opts.key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

func compliantOptions(t *testing.T) certOptions {
	return certOptions{
		key:         key4096(t),
		notBefore:   time.Now().Add(-time.Hour),
		notAfter:    time.Now().Add(365 * 24 * time.Hour),
		keyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
}

func strictNoChainPolicy() SigningPolicy {
	p := StrictPolicy()
	p.RequireGovernmentCA = false
	return p
}

func TestValidateCompliantCertificate(t *testing.T) {
	cert := makeCert(t, compliantOptions(t))
	v := NewValidator(strictNoChainPolicy(), nil)

	result, err := v.Validate(cert, nil)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestValidateKeyTooSmall(t *testing.T) {
	opts := compliantOptions(t)
	opts.key = key2048(t)
	cert := makeCert(t, opts)

	v := NewValidator(strictNoChainPolicy(), nil)
	_, err := v.Validate(cert, nil)

	var certErr *CertificateError
	if !errors.As(err, &certErr) {
		t.Fatalf("Validate = %v, want *CertificateError", err)
	}
	if certErr.Reason != ReasonKeyTooSmall {
		t.Errorf("Reason = %v, want ReasonKeyTooSmall", certErr.Reason)
	}
}

func TestValidateExpired(t *testing.T) {
	cert := makeCert(t, compliantOptions(t))

	v := NewValidator(strictNoChainPolicy(), nil)
	v.Clock = clockwork.NewFakeClockAt(cert.NotAfter.Add(24 * time.Hour))

	_, err := v.Validate(cert, nil)
	var certErr *CertificateError
	if !errors.As(err, &certErr) {
		t.Fatalf("Validate = %v, want *CertificateError", err)
	}
	if certErr.Reason != ReasonExpired {
		t.Errorf("Reason = %v, want ReasonExpired", certErr.Reason)
	}
}

func TestValidateNotYetValid(t *testing.T) {
	cert := makeCert(t, compliantOptions(t))

	v := NewValidator(strictNoChainPolicy(), nil)
	v.Clock = clockwork.NewFakeClockAt(cert.NotBefore.Add(-24 * time.Hour))

	_, err := v.Validate(cert, nil)
	var certErr *CertificateError
	if !errors.As(err, &certErr) {
		t.Fatalf("Validate = %v, want *CertificateError", err)
	}
	if certErr.Reason != ReasonNotYetValid {
		t.Errorf("Reason = %v, want ReasonNotYetValid", certErr.Reason)
	}
}

func TestValidateExpiryWarning(t *testing.T) {
	cert := makeCert(t, compliantOptions(t))

	v := NewValidator(strictNoChainPolicy(), nil)
	v.Clock = clockwork.NewFakeClockAt(cert.NotAfter.Add(-10 * 24 * time.Hour))

	result, err := v.Validate(cert, nil)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one expiry warning", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "expires in") {
		t.Errorf("warning %q should mention imminent expiry", result.Warnings[0])
	}
}

func TestValidateMissingExtensions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*certOptions)
		want   CertErrorReason
	}{
		{"no certificate policies", func(o *certOptions) { o.omitPolicies = true }, ReasonMissingExtension},
		{"no AIA", func(o *certOptions) { o.omitAIA = true }, ReasonMissingExtension},
		{"no CRL distribution points", func(o *certOptions) { o.omitCRLDP = true }, ReasonMissingExtension},
		{"no digitalSignature", func(o *certOptions) { o.keyUsage = x509.KeyUsageKeyEncipherment }, ReasonMissingKeyUsage},
		{"no signing EKU", func(o *certOptions) {
			o.extKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		}, ReasonMissingExtKeyUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := compliantOptions(t)
			tt.mutate(&opts)
			cert := makeCert(t, opts)

			v := NewValidator(strictNoChainPolicy(), nil)
			_, err := v.Validate(cert, nil)

			var certErr *CertificateError
			if !errors.As(err, &certErr) {
				t.Fatalf("Validate = %v, want *CertificateError", err)
			}
			if certErr.Reason != tt.want {
				t.Errorf("Reason = %v, want %v", certErr.Reason, tt.want)
			}
		})
	}
}

func TestDevelopmentPolicySkipsChecks(t *testing.T) {
	// Self-signed 2048-bit certificate with no extensions at all.
	opts := certOptions{
		key:          key2048(t),
		notBefore:    time.Now().Add(-time.Hour),
		notAfter:     time.Now().Add(time.Hour),
		omitPolicies: true,
		omitAIA:      true,
		omitCRLDP:    true,
	}
	cert := makeCert(t, opts)

	v := NewValidator(DevelopmentPolicy(), nil)
	result, err := v.Validate(cert, nil)
	if err != nil {
		t.Fatalf("Validate under development policy failed: %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Error("development policy should warn that checks were skipped")
	}

	// The same certificate must be rejected under the strict profile.
	strict := NewValidator(strictNoChainPolicy(), nil)
	if _, err := strict.Validate(cert, nil); err == nil {
		t.Error("strict policy accepted a non-compliant certificate")
	}
}

func TestCheckDeployment(t *testing.T) {
	if err := DevelopmentPolicy().CheckDeployment(true); !errors.Is(err, ErrDevelopmentPolicyInProduction) {
		t.Errorf("CheckDeployment(true) = %v, want ErrDevelopmentPolicyInProduction", err)
	}
	if err := DevelopmentPolicy().CheckDeployment(false); err != nil {
		t.Errorf("CheckDeployment(false) = %v, want nil", err)
	}
	if err := StrictPolicy().CheckDeployment(true); err != nil {
		t.Errorf("strict CheckDeployment(true) = %v, want nil", err)
	}
}

func TestChainAnchoring(t *testing.T) {
	cert := makeCert(t, compliantOptions(t))

	policy := StrictPolicy()
	v := NewValidator(policy, nil)
	_, err := v.Validate(cert, nil)
	var certErr *CertificateError
	if !errors.As(err, &certErr) || certErr.Reason != ReasonUntrustedChain {
		t.Fatalf("Validate without roots = %v, want ReasonUntrustedChain", err)
	}

	// Self-signed certificate anchored by adding it to the root pool.
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	v = NewValidator(policy, roots)
	result, err := v.Validate(cert, nil)
	if err != nil {
		t.Fatalf("Validate with roots failed: %v", err)
	}
	if !result.ChainValidated {
		t.Error("ChainValidated = false, want true")
	}
}
