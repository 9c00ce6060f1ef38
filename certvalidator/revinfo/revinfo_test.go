package revinfo

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ocsp"

	"github.com/veridoc/docseal/certvalidator"
	"github.com/veridoc/docseal/certvalidator/fetchers"
)

type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Revinfo Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create CA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse CA cert: %v", err)
	}
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, serial int64, ocspURL, crlURL string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "Revinfo Test Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if ocspURL != "" {
		tmpl.OCSPServer = []string{ocspURL}
	}
	if crlURL != "" {
		tmpl.CRLDistributionPoints = []string{crlURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("failed to create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	return cert
}

func (ca *testCA) ocspResponse(t *testing.T, cert *x509.Certificate, status int) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
		RevokedAt:    time.Now().Add(-time.Minute),
	}
	der, err := ocsp.CreateResponse(ca.cert, ca.cert, tmpl, ca.key)
	if err != nil {
		t.Fatalf("failed to create OCSP response: %v", err)
	}
	return der
}

func (ca *testCA) crlDER(t *testing.T, revoked ...*x509.Certificate) []byte {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(3),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}
	for _, cert := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   cert.SerialNumber,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.cert, ca.key)
	if err != nil {
		t.Fatalf("failed to create CRL: %v", err)
	}
	return der
}

func testCollector(policy certvalidator.SigningPolicy) *Collector {
	cfg := fetchers.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RetryDelay = time.Millisecond
	return NewCollector(policy, cfg, zerolog.Nop())
}

func TestCollectOCSPPreferred(t *testing.T) {
	ca := newTestCA(t)

	var ocspDER []byte
	ocspServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ocspDER)
	}))
	defer ocspServer.Close()
	crlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("CRL fetched although OCSP succeeded")
	}))
	defer crlServer.Close()

	cert := ca.issue(t, 100, ocspServer.URL, crlServer.URL)
	ocspDER = ca.ocspResponse(t, cert, ocsp.Good)

	collector := testCollector(certvalidator.StrictPolicy())
	data, warnings, err := collector.Collect(context.Background(), cert, []*x509.Certificate{ca.cert})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(data.OCSPResponses) != 1 {
		t.Errorf("OCSPResponses = %d, want 1", len(data.OCSPResponses))
	}
	if len(data.CRLData) != 0 {
		t.Errorf("CRLData = %d, want 0", len(data.CRLData))
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if data.ValidationTime.IsZero() {
		t.Error("ValidationTime not set")
	}
}

func TestCollectCRLFallback(t *testing.T) {
	ca := newTestCA(t)

	ocspServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ocspServer.Close()

	var crlDER []byte
	crlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(crlDER)
	}))
	defer crlServer.Close()

	cert := ca.issue(t, 101, ocspServer.URL, crlServer.URL)
	crlDER = ca.crlDER(t)

	collector := testCollector(certvalidator.StrictPolicy())
	data, warnings, err := collector.Collect(context.Background(), cert, []*x509.Certificate{ca.cert})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(data.CRLData) != 1 {
		t.Errorf("CRLData = %d, want 1", len(data.CRLData))
	}
	if len(warnings) == 0 {
		t.Error("expected a degradation warning about OCSP")
	}
}

func TestCollectRevokedByOCSP(t *testing.T) {
	ca := newTestCA(t)

	var ocspDER []byte
	ocspServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ocspDER)
	}))
	defer ocspServer.Close()

	cert := ca.issue(t, 102, ocspServer.URL, "")
	ocspDER = ca.ocspResponse(t, cert, ocsp.Revoked)

	collector := testCollector(certvalidator.StrictPolicy())
	_, _, err := collector.Collect(context.Background(), cert, []*x509.Certificate{ca.cert})
	if !errors.Is(err, ErrCertificateRevoked) {
		t.Errorf("expected ErrCertificateRevoked, got %v", err)
	}
}

func TestCollectRevokedByCRL(t *testing.T) {
	ca := newTestCA(t)

	var crlDER []byte
	crlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(crlDER)
	}))
	defer crlServer.Close()

	cert := ca.issue(t, 103, "", crlServer.URL)
	crlDER = ca.crlDER(t, cert)

	collector := testCollector(certvalidator.StrictPolicy())
	_, _, err := collector.Collect(context.Background(), cert, []*x509.Certificate{ca.cert})
	if !errors.Is(err, ErrCertificateRevoked) {
		t.Errorf("expected ErrCertificateRevoked, got %v", err)
	}
}

func TestCollectUnreachableStrictFailsClosed(t *testing.T) {
	ca := newTestCA(t)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	cert := ca.issue(t, 104, downURL, downURL)

	collector := testCollector(certvalidator.StrictPolicy())
	_, _, err := collector.Collect(context.Background(), cert, []*x509.Certificate{ca.cert})
	if err == nil {
		t.Fatal("expected error under strict policy")
	}
	var certErr *certvalidator.CertificateError
	if !errors.As(err, &certErr) {
		t.Fatalf("expected CertificateError, got %T: %v", err, err)
	}
	if certErr.Reason != certvalidator.ReasonPolicyViolation {
		t.Errorf("reason = %s, want policy violation", certErr.Reason)
	}
}

func TestCollectUnreachableLenientWarns(t *testing.T) {
	ca := newTestCA(t)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	cert := ca.issue(t, 105, downURL, downURL)

	policy := certvalidator.DevelopmentPolicy()
	policy.RequireRevocationInfo = false
	collector := testCollector(policy)
	data, warnings, err := collector.Collect(context.Background(), cert, []*x509.Certificate{ca.cert})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !data.Empty() {
		t.Error("expected empty evidence")
	}
	if len(warnings) == 0 {
		t.Error("expected degradation warnings")
	}
}

func TestCollectNoSourcesRequiredFails(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issue(t, 106, "", "")

	collector := testCollector(certvalidator.StrictPolicy())
	_, _, err := collector.Collect(context.Background(), cert, []*x509.Certificate{ca.cert})
	var certErr *certvalidator.CertificateError
	if !errors.As(err, &certErr) {
		t.Fatalf("expected CertificateError, got %v", err)
	}
}
