package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func digestOf(data []byte) []byte {
	h := sha512.New()
	h.Write(data)
	return h.Sum(nil)
}

func TestTestTSAToken(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}

	digest := digestOf([]byte("signature value"))
	token, err := tsa.Token(context.Background(), digest, crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	tstInfo, err := ExtractTSTInfo(token)
	if err != nil {
		t.Fatalf("ExtractTSTInfo failed: %v", err)
	}
	if tstInfo.Version != 1 {
		t.Errorf("version = %d, want 1", tstInfo.Version)
	}
	if err := VerifyTokenDigest(token, digest); err != nil {
		t.Errorf("VerifyTokenDigest failed: %v", err)
	}

	certs, err := TokenCertificates(token)
	if err != nil {
		t.Fatalf("TokenCertificates failed: %v", err)
	}
	if len(certs) != 1 {
		t.Errorf("embedded certs = %d, want 1", len(certs))
	}
}

func TestGenTimeFixed(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tsa.FixedTime = fixed

	token, err := tsa.Token(context.Background(), digestOf([]byte("data")), crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	genTime, err := GenTime(token)
	if err != nil {
		t.Fatalf("GenTime failed: %v", err)
	}
	if !genTime.Equal(fixed) {
		t.Errorf("genTime = %v, want %v", genTime, fixed)
	}
}

func TestVerifyTokenDigestMismatch(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}

	token, err := tsa.Token(context.Background(), digestOf([]byte("original")), crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	if err := VerifyTokenDigest(token, digestOf([]byte("different"))); !errors.Is(err, ErrTimestampMismatch) {
		t.Errorf("expected ErrTimestampMismatch, got %v", err)
	}
}

func TestVerifyTokenOverData(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}

	data := []byte("content to stamp")
	token, err := tsa.Token(context.Background(), digestOf(data), crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	if err := VerifyToken(token, data); err != nil {
		t.Errorf("VerifyToken failed: %v", err)
	}
	if err := VerifyToken(token, []byte("other content")); !errors.Is(err, ErrTimestampMismatch) {
		t.Errorf("expected ErrTimestampMismatch, got %v", err)
	}
}

func TestVerifyTokenSignature(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}

	token, err := tsa.Token(context.Background(), digestOf([]byte("signature value")), crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	cert, err := VerifyTokenSignature(token)
	if err != nil {
		t.Fatalf("VerifyTokenSignature failed: %v", err)
	}
	if cert.Subject.CommonName != "Test TSA" {
		t.Errorf("signer CN = %q, want %q", cert.Subject.CommonName, "Test TSA")
	}
}

func TestVerifyTokenSignatureTampered(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}

	token, err := tsa.Token(context.Background(), digestOf([]byte("signature value")), crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	// The signature value is the trailing field of the token.
	forged := append([]byte(nil), token...)
	forged[len(forged)-1] ^= 0x01
	if _, err := VerifyTokenSignature(forged); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("expected ErrInvalidTimestamp for forged signature, got %v", err)
	}
}

func TestVerifyTokenSignatureTamperedContent(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}
	tsa.FixedTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	token, err := tsa.Token(context.Background(), digestOf([]byte("signature value")), crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	// Flip a byte inside the TSTInfo generation time so the
	// messageDigest attribute no longer binds the content.
	genTime := []byte("20260314092653Z")
	idx := bytes.Index(token, genTime)
	if idx < 0 {
		t.Fatal("genTime not found in token")
	}
	forged := append([]byte(nil), token...)
	forged[idx] = '1'
	if _, err := VerifyTokenSignature(forged); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("expected ErrInvalidTimestamp for forged content, got %v", err)
	}
}

func TestVerifyTokenSignatureRequiresTimeStampingEKU(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(99),
		Subject:               pkix.Name{CommonName: "Not A TSA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate failed: %v", err)
	}
	tsa.Cert = cert
	tsa.Key = key

	token, err := tsa.Token(context.Background(), digestOf([]byte("x")), crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if _, err := VerifyTokenSignature(token); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("expected ErrInvalidTimestamp for missing timeStamping EKU, got %v", err)
	}
}

func tsaHandler(t *testing.T, tsa *TestTSA) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/timestamp-query" {
			t.Errorf("content type = %q", ct)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		resp, err := tsa.Respond(body)
		if err != nil {
			t.Errorf("Respond failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		w.Write(resp)
	}
}

func TestClientToken(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}
	server := httptest.NewServer(tsaHandler(t, tsa))
	defer server.Close()

	client := NewClient(server.URL)
	client.RetryDelay = 10 * time.Millisecond

	digest := digestOf([]byte("signature value"))
	token, err := client.Token(context.Background(), digest, crypto.SHA512)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if err := VerifyTokenDigest(token, digest); err != nil {
		t.Errorf("VerifyTokenDigest failed: %v", err)
	}
}

func TestClientRetries(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}
	inner := tsaHandler(t, tsa)

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.RetryDelay = 10 * time.Millisecond

	if _, err := client.Token(context.Background(), digestOf([]byte("x")), crypto.SHA512); err != nil {
		t.Fatalf("Token failed after retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClientRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := asn1.Marshal(TimeStampResp{
			Status: PKIStatusInfo{Status: 2, StatusString: []string{"rejection"}},
		})
		w.Write(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.MaxRetries = 0

	_, err := client.Token(context.Background(), digestOf([]byte("x")), crypto.SHA512)
	if !errors.Is(err, ErrTimestampRejected) {
		t.Errorf("expected ErrTimestampRejected, got %v", err)
	}
}

func TestClientNonceMismatch(t *testing.T) {
	tsa, err := NewTestTSA()
	if err != nil {
		t.Fatalf("NewTestTSA failed: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req TimeStampReq
		if _, err := asn1.Unmarshal(body, &req); err != nil {
			t.Errorf("parse request: %v", err)
			return
		}
		// Echo back a different nonce.
		req.Nonce = new(big.Int).Add(req.Nonce, big.NewInt(1))
		tampered, _ := asn1.Marshal(req)
		resp, err := tsa.Respond(tampered)
		if err != nil {
			t.Errorf("Respond failed: %v", err)
			return
		}
		w.Write(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.MaxRetries = 0

	_, err = client.Token(context.Background(), digestOf([]byte("x")), crypto.SHA512)
	if !errors.Is(err, ErrNonceMismatch) {
		t.Errorf("expected ErrNonceMismatch, got %v", err)
	}
}

func TestClientContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "always failing", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.MaxRetries = 5
	client.RetryDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Token(ctx, digestOf([]byte("x")), crypto.SHA512)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
