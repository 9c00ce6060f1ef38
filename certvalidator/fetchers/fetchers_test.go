package fetchers

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

	"golang.org/x/crypto/ocsp"
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
		Subject:               pkix.Name{CommonName: "Test Issuing CA"},
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

func (ca *testCA) issue(t *testing.T, ocspURL, crlURL string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Test Signer"},
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

func (ca *testCA) crlDER(t *testing.T) []byte {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(7),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.cert, ca.key)
	if err != nil {
		t.Fatalf("failed to create CRL: %v", err)
	}
	return der
}

func (ca *testCA) ocspResponse(t *testing.T, cert *x509.Certificate, status int) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
	}
	der, err := ocsp.CreateResponse(ca.cert, ca.cert, tmpl, ca.key)
	if err != nil {
		t.Fatalf("failed to create OCSP response: %v", err)
	}
	return der
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

func TestFetchCRL(t *testing.T) {
	ca := newTestCA(t)
	crlDER := ca.crlDER(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(crlDER)
	}))
	defer server.Close()

	fetcher := NewCRLFetcher(testConfig())
	crl, raw, err := fetcher.FetchCRL(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchCRL failed: %v", err)
	}
	if crl.Number.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("unexpected CRL number %v", crl.Number)
	}
	if len(raw) != len(crlDER) {
		t.Errorf("raw CRL length = %d, want %d", len(raw), len(crlDER))
	}
}

func TestFetchCRLForCert(t *testing.T) {
	ca := newTestCA(t)
	crlDER := ca.crlDER(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(crlDER)
	}))
	defer server.Close()

	cert := ca.issue(t, "", server.URL)
	fetcher := NewCRLFetcher(testConfig())
	crl, _, err := fetcher.FetchCRLForCert(context.Background(), cert)
	if err != nil {
		t.Fatalf("FetchCRLForCert failed: %v", err)
	}
	if err := crl.CheckSignatureFrom(ca.cert); err != nil {
		t.Errorf("CRL signature check failed: %v", err)
	}
}

func TestFetchCRLForCertNoDistributionPoints(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issue(t, "", "")

	fetcher := NewCRLFetcher(testConfig())
	_, _, err := fetcher.FetchCRLForCert(context.Background(), cert)
	if !errors.Is(err, ErrNoDistributionPoints) {
		t.Errorf("expected ErrNoDistributionPoints, got %v", err)
	}
}

func TestFetchCRLParseFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a CRL"))
	}))
	defer server.Close()

	fetcher := NewCRLFetcher(testConfig())
	_, _, err := fetcher.FetchCRL(context.Background(), server.URL)
	if !errors.Is(err, ErrCRLParseFailed) {
		t.Errorf("expected ErrCRLParseFailed, got %v", err)
	}
}

func TestFetchOCSPGood(t *testing.T) {
	ca := newTestCA(t)

	var respDER []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(respDER)
	}))
	defer server.Close()

	cert := ca.issue(t, server.URL, "")
	respDER = ca.ocspResponse(t, cert, ocsp.Good)

	fetcher := NewOCSPFetcher(testConfig())
	resp, raw, err := fetcher.FetchOCSP(context.Background(), cert, ca.cert)
	if err != nil {
		t.Fatalf("FetchOCSP failed: %v", err)
	}
	if resp.Status != ocsp.Good {
		t.Errorf("status = %d, want Good", resp.Status)
	}
	if len(raw) == 0 {
		t.Error("expected raw OCSP bytes")
	}
}

func TestFetchOCSPRevoked(t *testing.T) {
	ca := newTestCA(t)

	var respDER []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(respDER)
	}))
	defer server.Close()

	cert := ca.issue(t, server.URL, "")
	respDER = ca.ocspResponse(t, cert, ocsp.Revoked)

	fetcher := NewOCSPFetcher(testConfig())
	resp, _, err := fetcher.FetchOCSP(context.Background(), cert, ca.cert)
	if err != nil {
		t.Fatalf("FetchOCSP failed: %v", err)
	}
	if resp.Status != ocsp.Revoked {
		t.Errorf("status = %d, want Revoked", resp.Status)
	}
}

func TestFetchOCSPNoServers(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issue(t, "", "")

	fetcher := NewOCSPFetcher(testConfig())
	_, _, err := fetcher.FetchOCSP(context.Background(), cert, ca.cert)
	if !errors.Is(err, ErrNoOCSPServers) {
		t.Errorf("expected ErrNoOCSPServers, got %v", err)
	}
}

func TestFetchOCSPServerDownIsNetworkError(t *testing.T) {
	ca := newTestCA(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	cert := ca.issue(t, server.URL, "")
	server.Close()

	fetcher := NewOCSPFetcher(testConfig())
	_, _, err := fetcher.FetchOCSP(context.Background(), cert, ca.cert)
	if err == nil {
		t.Fatal("expected error")
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Errorf("expected NetworkError, got %T: %v", err, err)
	}
}

func TestFetcherRetries(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	fetcher := NewFetcher(testConfig())
	data, err := fetcher.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("unexpected payload %q", data)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestFetcherResponseSizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxResponseSize = 1024
	fetcher := NewFetcher(cfg)
	data, err := fetcher.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(data) != 1024 {
		t.Errorf("len(data) = %d, want 1024", len(data))
	}
}

func TestFetcherRejectsBadScheme(t *testing.T) {
	fetcher := NewFetcher(testConfig())
	_, err := fetcher.Fetch(context.Background(), "file:///etc/passwd")
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("expected ErrFetchFailed, got %v", err)
	}
}

func TestFetcherContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "always failing", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.RetryDelay = time.Second
	fetcher := NewFetcher(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fetcher.Fetch(ctx, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
