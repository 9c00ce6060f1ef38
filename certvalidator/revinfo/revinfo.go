// Package revinfo collects revocation evidence (OCSP responses and CRLs)
// for a signing chain so it can be embedded into long-term validation
// material.
package revinfo

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ocsp"

	"github.com/veridoc/docseal/certvalidator"
	"github.com/veridoc/docseal/certvalidator/fetchers"
)

// ErrCertificateRevoked indicates a definitive revoked status from OCSP
// or a CRL entry.
var ErrCertificateRevoked = errors.New("certificate is revoked")

// RevocationData carries the raw evidence gathered for one signing
// operation. Raw DER is kept verbatim so the exact responses the signer
// saw can be embedded in the document.
type RevocationData struct {
	OCSPResponses   [][]byte
	CRLData         [][]byte
	TimestampTokens [][]byte
	ValidationTime  time.Time

	// Embedded is set once the data has been written into a document.
	Embedded bool
}

// Empty reports whether no evidence was gathered.
func (d *RevocationData) Empty() bool {
	return len(d.OCSPResponses) == 0 && len(d.CRLData) == 0
}

// Collector gathers revocation evidence for certificates, preferring
// OCSP and falling back to CRL per certificate.
type Collector struct {
	Policy certvalidator.SigningPolicy
	OCSP   *fetchers.OCSPFetcher
	CRL    *fetchers.CRLFetcher

	logger zerolog.Logger
}

// NewCollector creates a collector with the given policy and fetcher
// configuration.
func NewCollector(policy certvalidator.SigningPolicy, cfg *fetchers.Config, logger zerolog.Logger) *Collector {
	return &Collector{
		Policy: policy,
		OCSP:   fetchers.NewOCSPFetcher(cfg),
		CRL:    fetchers.NewCRLFetcher(cfg),
		logger: logger.With().Str("component", "revinfo").Logger(),
	}
}

// Collect gathers evidence for the signer certificate and each chain
// element that names a revocation source. A revoked status is always
// fatal. Unreachable revocation services are fatal only when the policy
// requires revocation info; otherwise they are recorded as warnings on
// the returned data's collection log.
func (c *Collector) Collect(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate) (*RevocationData, []string, error) {
	data := &RevocationData{ValidationTime: time.Now().UTC()}
	var warnings []string

	issuer := issuerFor(cert, chain)
	w, err := c.collectFor(ctx, data, cert, issuer)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, w...)

	for i, element := range chain {
		if element.CheckSignatureFrom(element) == nil {
			// Self-signed anchor, nothing above it to ask.
			continue
		}
		w, err := c.collectFor(ctx, data, element, issuerFor(element, chain[i+1:]))
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, w...)
	}

	if data.Empty() && c.Policy.RequireRevocationInfo {
		return nil, nil, certvalidator.NewCertificateError(
			certvalidator.ReasonPolicyViolation,
			"no revocation information could be obtained and policy requires it")
	}
	return data, warnings, nil
}

// collectFor gathers evidence for one certificate: OCSP first, CRL as
// fallback when OCSP is unavailable.
func (c *Collector) collectFor(ctx context.Context, data *RevocationData, cert, issuer *x509.Certificate) ([]string, error) {
	var warnings []string

	ocspErr := c.tryOCSP(ctx, data, cert, issuer)
	if ocspErr == nil {
		return nil, nil
	}
	if errors.Is(ocspErr, ErrCertificateRevoked) {
		return nil, ocspErr
	}
	c.logger.Debug().Str("subject", cert.Subject.CommonName).Err(ocspErr).
		Msg("OCSP unavailable, falling back to CRL")

	crlErr := c.tryCRL(ctx, data, cert, issuer)
	if crlErr == nil {
		if !errors.Is(ocspErr, fetchers.ErrNoOCSPServers) {
			warnings = append(warnings, fmt.Sprintf("OCSP for %q failed, CRL used instead: %v", cert.Subject.CommonName, ocspErr))
		}
		return warnings, nil
	}
	if errors.Is(crlErr, ErrCertificateRevoked) {
		return nil, crlErr
	}

	if errors.Is(ocspErr, fetchers.ErrNoOCSPServers) && errors.Is(crlErr, fetchers.ErrNoDistributionPoints) {
		// Certificate names no revocation source at all; the policy
		// decision happens once collection finishes.
		return nil, nil
	}

	msg := fmt.Sprintf("revocation status of %q could not be determined: OCSP: %v; CRL: %v",
		cert.Subject.CommonName, ocspErr, crlErr)
	if c.Policy.RequireRevocationInfo {
		return nil, certvalidator.NewCertificateError(certvalidator.ReasonPolicyViolation, msg)
	}
	c.logger.Warn().Str("subject", cert.Subject.CommonName).Msg("revocation status undetermined")
	return append(warnings, msg), nil
}

func (c *Collector) tryOCSP(ctx context.Context, data *RevocationData, cert, issuer *x509.Certificate) error {
	if issuer == nil {
		return fetchers.ErrNoOCSPServers
	}
	resp, raw, err := c.OCSP.FetchOCSP(ctx, cert, issuer)
	if err != nil {
		return err
	}
	if resp.Status == ocsp.Revoked {
		return fmt.Errorf("%w: OCSP reports %q revoked at %s", ErrCertificateRevoked,
			cert.Subject.CommonName, resp.RevokedAt.Format(time.RFC3339))
	}
	data.OCSPResponses = append(data.OCSPResponses, raw)
	return nil
}

func (c *Collector) tryCRL(ctx context.Context, data *RevocationData, cert, issuer *x509.Certificate) error {
	crl, raw, err := c.CRL.FetchCRLForCert(ctx, cert)
	if err != nil {
		return err
	}
	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("CRL signature check failed: %w", err)
		}
	}
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return fmt.Errorf("%w: CRL lists %q revoked at %s", ErrCertificateRevoked,
				cert.Subject.CommonName, entry.RevocationTime.Format(time.RFC3339))
		}
	}
	data.CRLData = append(data.CRLData, raw)
	return nil
}

// issuerFor finds the chain element that signed cert.
func issuerFor(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, candidate := range chain {
		if cert.CheckSignatureFrom(candidate) == nil {
			return candidate
		}
	}
	return nil
}
