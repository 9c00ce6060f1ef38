// Package fetchers provides OCSP and CRL fetching over HTTP with bounded
// timeouts and retries.
package fetchers

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrCRLParseFailed       = errors.New("CRL parse failed")
	ErrOCSPParseFailed      = errors.New("OCSP parse failed")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
)

// NetworkError wraps a revocation or timestamp transport failure. Whether
// it is fatal depends on the signing policy, not on the error itself.
type NetworkError struct {
	Operation string
	URL       string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s (%s): %v", e.Operation, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new NetworkError.
func NewNetworkError(operation, url string, err error) *NetworkError {
	return &NetworkError{Operation: operation, URL: url, Err: err}
}

// Config configures fetcher behavior. Every network call is bounded by
// Timeout and retried at most MaxRetries times.
type Config struct {
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// MaxResponseSize caps the response body in bytes.
	MaxResponseSize int64

	// UserAgent is sent on every request.
	UserAgent string

	// HTTPClient overrides the default client, e.g. for proxy or TLS
	// configuration.
	HTTPClient *http.Client
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         15 * time.Second,
		MaxRetries:      2,
		RetryDelay:      time.Second,
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "docseal-fetcher/1.0",
	}
}

// Fetcher is the shared HTTP core for the OCSP and CRL fetchers.
type Fetcher struct {
	config *Config
	client *http.Client
}

// NewFetcher creates a new fetcher.
func NewFetcher(config *Config) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &Fetcher{config: config, client: client}
}

// Fetch performs a GET with retries against one URL.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) ([]byte, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %s", ErrFetchFailed, parsed.Scheme)
	}

	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.config.RetryDelay):
			}
		}

		data, err := f.doGet(ctx, urlStr)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Fetcher) doGet(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseSize))
}

// post performs a single POST exchange.
func (f *Fetcher) post(ctx context.Context, urlStr, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseSize))
}

// CRLFetcher fetches certificate revocation lists.
type CRLFetcher struct {
	fetcher *Fetcher
}

// NewCRLFetcher creates a new CRL fetcher.
func NewCRLFetcher(config *Config) *CRLFetcher {
	return &CRLFetcher{fetcher: NewFetcher(config)}
}

// FetchCRL fetches and parses a CRL from one URL, returning the raw DER
// alongside the parsed list so the evidence can be embedded verbatim.
func (f *CRLFetcher) FetchCRL(ctx context.Context, urlStr string) (*x509.RevocationList, []byte, error) {
	data, err := f.fetcher.Fetch(ctx, urlStr)
	if err != nil {
		return nil, nil, NewNetworkError("CRL fetch", urlStr, err)
	}

	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	return crl, data, nil
}

// FetchCRLForCert fetches the first reachable CRL named by the
// certificate's distribution points.
func (f *CRLFetcher) FetchCRLForCert(ctx context.Context, cert *x509.Certificate) (*x509.RevocationList, []byte, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, nil, ErrNoDistributionPoints
	}

	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, raw, err := f.FetchCRL(ctx, dp)
		if err == nil {
			return crl, raw, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// OCSPFetcher fetches OCSP responses.
type OCSPFetcher struct {
	fetcher *Fetcher
}

// NewOCSPFetcher creates a new OCSP fetcher.
func NewOCSPFetcher(config *Config) *OCSPFetcher {
	return &OCSPFetcher{fetcher: NewFetcher(config)}
}

// FetchOCSP obtains an OCSP response for the certificate from its
// responders, trying POST first and falling back to the GET form.
// The raw response bytes are returned for embedding.
func (f *OCSPFetcher) FetchOCSP(ctx context.Context, cert, issuer *x509.Certificate) (*ocsp.Response, []byte, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, nil, ErrNoOCSPServers
	}

	ocspReq, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range cert.OCSPServer {
		for attempt := 0; attempt <= f.fetcher.config.MaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				case <-time.After(f.fetcher.config.RetryDelay):
				}
			}

			resp, raw, err := f.fetchFromServer(ctx, server, ocspReq, issuer)
			if err == nil {
				return resp, raw, nil
			}
			lastErr = err
		}
	}
	return nil, nil, NewNetworkError("OCSP fetch", cert.OCSPServer[0], lastErr)
}

func (f *OCSPFetcher) fetchFromServer(ctx context.Context, serverURL string, ocspReq []byte, issuer *x509.Certificate) (*ocsp.Response, []byte, error) {
	body, err := f.fetcher.post(ctx, serverURL, "application/ocsp-request", ocspReq)
	if err != nil {
		// GET form with the base64 request in the path (RFC 6960 A.1).
		encoded := base64.StdEncoding.EncodeToString(ocspReq)
		body, err = f.fetcher.doGet(ctx, serverURL+"/"+url.PathEscape(encoded))
		if err != nil {
			return nil, nil, err
		}
	}

	resp, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
	}
	return resp, body, nil
}
