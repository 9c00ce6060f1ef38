package engine

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/veridoc/docseal/certvalidator/revinfo"
	"github.com/veridoc/docseal/sign/cms"
	"github.com/veridoc/docseal/sign/timestamps"
)

// TimeSource identifies where the reported signing time came from.
type TimeSource string

const (
	// TimeSourceTimestamp means the time is attested by a verified
	// RFC3161 token.
	TimeSourceTimestamp TimeSource = "qualified-timestamp"
	// TimeSourceClaimed means the time is the signer's own claim.
	TimeSourceClaimed TimeSource = "claimed-signing-time"
	// TimeSourceNone means no signing time is available.
	TimeSourceNone TimeSource = "none"
)

// SignerInfo describes the signing certificate of a verified signature.
type SignerInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	SigningTime  time.Time
}

// RevocationTiming relates a revocation event to the signing time. The
// comparison is only conclusive when the signing time is attested by a
// timestamp and the revocation moment is known.
type RevocationTiming struct {
	Revoked       bool
	RevokedAt     time.Time
	BeforeSigning bool
	Conclusive    bool
}

// ValidationResult is the structured verdict for one document. It is
// produced for every input, including unsigned or malformed documents;
// Verify never reports those as errors.
type ValidationResult struct {
	Valid bool

	SignatureValid     bool
	CertificateValid   bool
	TrustChainValid    bool
	TimestampValid     bool
	CertificateRevoked bool

	TimestampPresent    bool
	DocTimestampPresent bool
	ByteRangeCovered    bool

	SignerInfo       *SignerInfo
	TimeSource       TimeSource
	RevocationTiming *RevocationTiming

	Errors   []string
	Warnings []string
}

func (r *ValidationResult) fail(msg string) *ValidationResult {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
	return r
}

func (r *ValidationResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

type sigInstance struct {
	dict      string
	subFilter string
}

// Verify checks the newest signature in the document: byte-range
// coverage, CMS signature, certificate policy and chain, revocation
// using embedded evidence before live sources, and the timestamp
// token. The returned error is non-nil only on context cancellation.
func (e *Engine) Verify(ctx context.Context, data []byte) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ValidationResult{TimeSource: TimeSourceNone}

	p, err := parsePDF(data)
	if err != nil {
		return result.fail(fmt.Sprintf("malformed PDF: %v", err)), nil
	}

	sigs, docTimestamps, err := findSignatures(p)
	if err != nil {
		return result.fail(err.Error()), nil
	}
	result.DocTimestampPresent = len(docTimestamps) > 0
	if len(sigs) == 0 {
		return result.fail("No digital signature found"), nil
	}

	// A trailing document timestamp may only excuse the signature's
	// ByteRange stopping short of EOF after it has itself been checked.
	docTSCovers := false
	if len(docTimestamps) > 0 {
		docTSCovers = e.checkDocTimestamp(p, docTimestamps[len(docTimestamps)-1], result)
	}

	// The newest signature revision governs the verdict.
	sig := sigs[len(sigs)-1]

	cmsData, content, ok := e.checkByteRange(p, sig, docTSCovers, result)
	if !ok {
		return result, nil
	}

	signerCert, err := cms.VerifyDetached(cmsData, content)
	if err != nil {
		result.SignatureValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("signature verification failed: %v", err))
		// Best effort: pull the signer certificate for reporting even
		// though the signature did not check out.
		if certs, cerr := cms.SignerCertificates(cmsData); cerr == nil && len(certs) > 0 {
			signerCert = certs[0]
		}
	} else {
		result.SignatureValid = true
	}
	if signerCert == nil {
		result.Valid = false
		return result, nil
	}

	result.SignerInfo = &SignerInfo{
		Subject:      signerCert.Subject.String(),
		Issuer:       signerCert.Issuer.String(),
		SerialNumber: signerCert.SerialNumber.String(),
	}

	chain := certificateChain(cmsData, signerCert)
	e.checkCertificate(signerCert, chain, result)

	signingTime := e.checkTimestamp(cmsData, result)
	if result.SignerInfo != nil {
		result.SignerInfo.SigningTime = signingTime
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.checkRevocation(ctx, cmsData, signerCert, chain, signingTime, result)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Valid = result.SignatureValid &&
		result.CertificateValid &&
		result.TrustChainValid &&
		result.TimestampValid &&
		result.ByteRangeCovered &&
		!result.CertificateRevoked &&
		len(result.Errors) == 0
	return result, nil
}

// findSignatures walks catalog -> AcroForm -> Fields collecting signed
// signature fields, split into document signatures and document
// timestamps.
func findSignatures(p *pdfFile) (sigs, docTimestamps []sigInstance, err error) {
	catalog, err := p.dict(p.rootNum)
	if err != nil {
		return nil, nil, err
	}
	formVal, ok := dictValue(catalog, "AcroForm")
	if !ok {
		return nil, nil, nil
	}
	form, err := p.resolveDict(formVal)
	if err != nil {
		return nil, nil, err
	}
	fieldsVal, ok := dictValue(form, "Fields")
	if !ok {
		return nil, nil, nil
	}
	fieldsArr, err := p.resolve(fieldsVal)
	if err != nil {
		return nil, nil, err
	}

	for _, ref := range arrayElements(fieldsArr) {
		field, err := p.resolveDict(ref)
		if err != nil {
			continue
		}
		if ft, ok := dictValue(field, "FT"); !ok || ft != "/Sig" {
			continue
		}
		val, ok := dictValue(field, "V")
		if !ok {
			continue
		}
		sigDict, err := p.resolveDict(val)
		if err != nil {
			return nil, nil, &StructuralError{Msg: "signature field value is not a dictionary", Err: err}
		}
		sub, _ := dictValue(sigDict, "SubFilter")
		inst := sigInstance{dict: sigDict, subFilter: strings.TrimPrefix(sub, "/")}
		if inst.subFilter == "ETSI.RFC3161" {
			docTimestamps = append(docTimestamps, inst)
		} else {
			sigs = append(sigs, inst)
		}
	}
	return sigs, docTimestamps, nil
}

// checkByteRange validates that the declared ByteRange covers the whole
// file except exactly the Contents hex string, and returns the decoded
// CMS payload plus the covered content.
func (e *Engine) checkByteRange(p *pdfFile, sig sigInstance, docTSCovers bool, result *ValidationResult) (cmsData, content []byte, ok bool) {
	brVal, found := dictValue(sig.dict, "ByteRange")
	if !found {
		result.fail("signature dictionary has no ByteRange")
		return nil, nil, false
	}
	br, err := parseByteRange(brVal)
	if err != nil {
		result.fail(fmt.Sprintf("malformed ByteRange: %v", err))
		return nil, nil, false
	}
	contentsVal, found := dictValue(sig.dict, "Contents")
	if !found {
		result.fail("signature dictionary has no Contents")
		return nil, nil, false
	}

	data := p.data
	end := br[2] + br[3]
	switch {
	case br[0] != 0:
		result.fail("ByteRange does not start at offset 0")
	case br[1] < 0 || br[2] <= br[1] || end > int64(len(data)):
		result.fail("ByteRange exceeds document bounds")
	case data[br[1]] != '<' || data[br[2]-1] != '>':
		result.fail("ByteRange gap is not the Contents string")
	case br[2]-br[1] != int64(len(contentsVal)):
		result.fail("ByteRange gap does not match the Contents length")
	case end < int64(len(data)):
		if docTSCovers {
			result.ByteRangeCovered = true
			result.warn("document extended after signing by a timestamp revision")
		} else {
			result.fail("signed ByteRange does not cover the full document")
		}
	default:
		result.ByteRangeCovered = true
	}
	if len(result.Errors) > 0 {
		return nil, nil, false
	}

	hexBody := strings.TrimSuffix(strings.TrimPrefix(contentsVal, "<"), ">")
	cmsData, err = hex.DecodeString(hexBody)
	if err != nil {
		result.fail(fmt.Sprintf("Contents is not valid hex: %v", err))
		return nil, nil, false
	}

	content = make([]byte, 0, br[1]+br[3])
	content = append(content, data[:br[1]]...)
	content = append(content, data[br[2]:end]...)
	return cmsData, content, true
}

// checkDocTimestamp validates a trailing document timestamp revision:
// its ByteRange must cover the file to EOF except exactly its own
// Contents, and its token must bind that content and carry a valid TSA
// signature. Failures are warnings here; the consequence is that the
// revision cannot excuse the document signature stopping short of EOF.
func (e *Engine) checkDocTimestamp(p *pdfFile, dt sigInstance, result *ValidationResult) bool {
	brVal, found := dictValue(dt.dict, "ByteRange")
	if !found {
		result.warn("document timestamp has no ByteRange")
		return false
	}
	br, err := parseByteRange(brVal)
	if err != nil {
		result.warn(fmt.Sprintf("document timestamp has a malformed ByteRange: %v", err))
		return false
	}
	contentsVal, found := dictValue(dt.dict, "Contents")
	if !found {
		result.warn("document timestamp has no Contents")
		return false
	}

	data := p.data
	end := br[2] + br[3]
	if br[0] != 0 || br[1] < 0 || br[2] <= br[1] || end != int64(len(data)) ||
		data[br[1]] != '<' || data[br[2]-1] != '>' ||
		br[2]-br[1] != int64(len(contentsVal)) {
		result.warn("document timestamp ByteRange does not cover the document")
		return false
	}

	token, err := hex.DecodeString(strings.TrimSuffix(strings.TrimPrefix(contentsVal, "<"), ">"))
	if err != nil {
		result.warn(fmt.Sprintf("document timestamp Contents is not valid hex: %v", err))
		return false
	}

	content := make([]byte, 0, br[1]+br[3])
	content = append(content, data[:br[1]]...)
	content = append(content, data[br[2]:end]...)
	if err := timestamps.VerifyToken(token, content); err != nil {
		result.warn(fmt.Sprintf("document timestamp does not bind the document: %v", err))
		return false
	}
	if _, err := timestamps.VerifyTokenSignature(token); err != nil {
		result.warn(fmt.Sprintf("document timestamp signature invalid: %v", err))
		return false
	}
	return true
}

func (e *Engine) checkCertificate(signerCert *x509.Certificate, chain []*x509.Certificate, result *ValidationResult) {
	res, err := e.Validator.Validate(signerCert, chain)
	if err != nil {
		result.CertificateValid = false
		result.TrustChainValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("certificate validation failed: %v", err))
		return
	}
	result.CertificateValid = true
	result.TrustChainValid = res.ChainValidated || !e.Policy.RequireGovernmentCA
	result.Warnings = append(result.Warnings, res.Warnings...)
}

// checkTimestamp validates an attached RFC3161 token and returns the
// best available signing time.
func (e *Engine) checkTimestamp(cmsData []byte, result *ValidationResult) time.Time {
	claimed, claimedErr := cms.SigningTime(cmsData)

	token, err := cms.TimestampToken(cmsData)
	if errors.Is(err, cms.ErrNoTimestamp) {
		result.TimestampValid = true
		if claimedErr == nil {
			result.TimeSource = TimeSourceClaimed
			result.warn("no timestamp token: signing time is the signer's own claim")
			return claimed
		}
		return time.Time{}
	}
	if err != nil {
		result.TimestampValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("timestamp token unreadable: %v", err))
		return claimed
	}

	result.TimestampPresent = true
	sigValue, err := signatureValue(cmsData)
	if err != nil {
		result.TimestampValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("cannot check timestamp imprint: %v", err))
		return claimed
	}
	if err := timestamps.VerifyToken(token, sigValue); err != nil {
		result.TimestampValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("timestamp verification failed: %v", err))
		return claimed
	}
	if _, err := timestamps.VerifyTokenSignature(token); err != nil {
		result.TimestampValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("timestamp verification failed: %v", err))
		return claimed
	}
	result.TimestampValid = true

	genTime, err := timestamps.GenTime(token)
	if err != nil {
		result.warn(fmt.Sprintf("timestamp has no readable genTime: %v", err))
		if claimedErr == nil {
			result.TimeSource = TimeSourceClaimed
			return claimed
		}
		return time.Time{}
	}
	result.TimeSource = TimeSourceTimestamp
	if claimedErr == nil && absDuration(genTime.Sub(claimed)) > time.Hour {
		result.warn("claimed signing time deviates from the timestamp by more than an hour")
	}
	return genTime
}

// checkRevocation consults embedded evidence first, then live sources.
func (e *Engine) checkRevocation(ctx context.Context, cmsData []byte, signerCert *x509.Certificate, chain []*x509.Certificate, signingTime time.Time, result *ValidationResult) {
	ocsps, crls, err := cms.RevocationInfo(cmsData)
	if err != nil {
		result.warn(fmt.Sprintf("embedded revocation evidence unreadable: %v", err))
	}

	if len(ocsps) > 0 || len(crls) > 0 {
		revoked, revokedAt, covered := embeddedRevocationStatus(signerCert, ocsps, crls)
		if covered {
			result.CertificateRevoked = revoked
			if revoked {
				result.Errors = append(result.Errors, "signing certificate is revoked")
				e.classifyRevocationTiming(revokedAt, signingTime, result)
			}
			return
		}
		result.warn("embedded revocation evidence does not cover the signing certificate")
	}

	if e.Revocation == nil {
		result.warn("no revocation evidence embedded and no live revocation sources configured")
		if e.Policy.RequireRevocationInfo {
			result.Errors = append(result.Errors, "revocation status required by policy but undetermined")
		}
		return
	}

	_, warnings, err := e.Revocation.Collect(ctx, signerCert, chain)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		if errors.Is(err, revinfo.ErrCertificateRevoked) {
			result.CertificateRevoked = true
			result.Errors = append(result.Errors, "signing certificate is revoked")
			e.classifyRevocationTiming(time.Time{}, signingTime, result)
			return
		}
		result.Errors = append(result.Errors, fmt.Sprintf("revocation check failed: %v", err))
	}
}

// classifyRevocationTiming decides whether the revocation happened
// before the signing time. Without a trusted time source or a known
// revocation moment the verdict stays inconclusive, which callers must
// treat as revoked-before-signing.
func (e *Engine) classifyRevocationTiming(revokedAt, signingTime time.Time, result *ValidationResult) {
	timing := &RevocationTiming{Revoked: true, RevokedAt: revokedAt}
	if !revokedAt.IsZero() && !signingTime.IsZero() {
		timing.BeforeSigning = revokedAt.Before(signingTime)
		timing.Conclusive = result.TimeSource == TimeSourceTimestamp
	}
	if !timing.Conclusive {
		timing.BeforeSigning = true
		result.warn("revocation timing inconclusive, treating the certificate as revoked before signing")
	}
	result.RevocationTiming = timing
}

// embeddedRevocationStatus scans embedded OCSP responses and CRLs for
// the signer certificate. covered reports whether any piece of evidence
// actually spoke about this certificate.
func embeddedRevocationStatus(cert *x509.Certificate, ocsps, crls [][]byte) (revoked bool, revokedAt time.Time, covered bool) {
	for _, raw := range ocsps {
		resp, err := ocsp.ParseResponse(raw, nil)
		if err != nil {
			continue
		}
		if resp.SerialNumber == nil || resp.SerialNumber.Cmp(cert.SerialNumber) != 0 {
			continue
		}
		covered = true
		if resp.Status == ocsp.Revoked {
			return true, resp.RevokedAt, true
		}
	}
	for _, raw := range crls {
		rl, err := x509.ParseRevocationList(raw)
		if err != nil {
			continue
		}
		if !bytes.Equal(rl.RawIssuer, cert.RawIssuer) {
			continue
		}
		covered = true
		for _, entry := range rl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return true, entry.RevocationTime, true
			}
		}
	}
	return false, time.Time{}, covered
}

// certificateChain returns the non-signer certificates carried in the
// CMS payload, the candidate chain for validation.
func certificateChain(cmsData []byte, signerCert *x509.Certificate) []*x509.Certificate {
	certs, err := cms.SignerCertificates(cmsData)
	if err != nil {
		return nil
	}
	var chain []*x509.Certificate
	for _, c := range certs {
		if !c.Equal(signerCert) {
			chain = append(chain, c)
		}
	}
	return chain
}

// signatureValue extracts the raw signature bytes of the first signer.
func signatureValue(cmsData []byte) ([]byte, error) {
	sd, err := cms.Parse(cmsData)
	if err != nil {
		return nil, err
	}
	if len(sd.SignerInfos) == 0 {
		return nil, errors.New("no signer info")
	}
	return sd.SignerInfos[0].Signature, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
