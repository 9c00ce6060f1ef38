// Package timestamps provides RFC 3161 timestamp support.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net/http"
	"time"
)

// OIDs for timestamp structures
var (
	OIDTSTInfo = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	// Hash algorithms
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Common errors
var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
	ErrNonceMismatch     = errors.New("timestamp nonce mismatch")
)

// AlgorithmIdentifier represents an algorithm with parameters.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint represents the hash of the data to timestamp.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TimeStampReq represents a timestamp request (RFC 3161).
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []Extension           `asn1:"optional,implicit,tag:0"`
}

// TimeStampResp represents a timestamp response (RFC 3161).
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo represents the status of a PKI operation.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TSTInfo represents the timestamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// Accuracy represents timestamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Extension represents an X.509 extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// Timestamper obtains RFC 3161 tokens over an already computed digest.
type Timestamper interface {
	Token(ctx context.Context, digest []byte, hashAlg crypto.Hash) ([]byte, error)
}

// Client requests timestamps from a TSA over HTTP.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Username   string
	Password   string

	// Policy is the requested TSA policy OID; empty leaves the choice
	// to the TSA.
	Policy asn1.ObjectIdentifier

	MaxRetries int
	RetryDelay time.Duration
}

// NewClient creates a TSA client with bounded timeout and retries.
func NewClient(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

// SetCredentials sets basic-auth credentials.
func (c *Client) SetCredentials(username, password string) {
	c.Username = username
	c.Password = password
}

// Token implements Timestamper. The digest must already be computed
// with hashAlg; the returned token's imprint and nonce are verified
// before it is accepted.
func (c *Client) Token(ctx context.Context, digest []byte, hashAlg crypto.Hash) ([]byte, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}

	reqBytes, err := marshalRequest(digest, hashAlg, c.Policy, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}

		respData, err := c.exchange(ctx, reqBytes)
		if err != nil {
			lastErr = err
			continue
		}
		return ParseResponse(respData, digest, nonce)
	}
	return nil, lastErr
}

// Timestamp hashes data with SHA-512 and requests a token over it.
func (c *Client) Timestamp(ctx context.Context, data []byte) ([]byte, error) {
	h := sha512.New()
	h.Write(data)
	return c.Token(ctx, h.Sum(nil), crypto.SHA512)
}

func (c *Client) exchange(ctx context.Context, reqBytes []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	if c.Username != "" {
		httpReq.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// marshalRequest creates a DER-encoded timestamp request over a digest.
func marshalRequest(digest []byte, hashAlg crypto.Hash, policy asn1.ObjectIdentifier, nonce *big.Int) ([]byte, error) {
	req := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{
				Algorithm:  hashOID(hashAlg),
				Parameters: asn1.RawValue{Tag: 5}, // NULL
			},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	if len(policy) > 0 {
		req.ReqPolicy = policy
	}
	return asn1.Marshal(req)
}

// ParseResponse parses a TimeStampResp and validates status, message
// imprint and nonce echo before returning the raw token.
func ParseResponse(respData, digest []byte, nonce *big.Int) ([]byte, error) {
	var resp TimeStampResp
	if _, err := asn1.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	// 0 = granted, 1 = granted with mods
	if resp.Status.Status != 0 && resp.Status.Status != 1 {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected,
			resp.Status.Status, resp.Status.StatusString)
	}

	tstInfo, err := ExtractTSTInfo(resp.TimeStampToken.FullBytes)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, digest) {
		return nil, ErrTimestampMismatch
	}
	if nonce != nil && tstInfo.Nonce != nil && tstInfo.Nonce.Cmp(nonce) != 0 {
		return nil, ErrNonceMismatch
	}

	return resp.TimeStampToken.FullBytes, nil
}

// ExtractTSTInfo extracts the TSTInfo from a timestamp token.
func ExtractTSTInfo(tokenData []byte) (*TSTInfo, error) {
	var contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(tokenData, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	var signedData struct {
		Version          int
		DigestAlgorithms asn1.RawValue
		EncapContentInfo struct {
			EContentType asn1.ObjectIdentifier
			EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
		}
		Certificates asn1.RawValue `asn1:"optional,implicit,tag:0"`
		SignerInfos  asn1.RawValue
	}
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	if !signedData.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("%w: content is not TSTInfo", ErrInvalidTimestamp)
	}

	var tstInfo TSTInfo
	if _, err := asn1.Unmarshal(signedData.EncapContentInfo.EContent.Bytes, &tstInfo); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TSTInfo: %v", ErrInvalidTimestamp, err)
	}

	return &tstInfo, nil
}

// GenTime returns the generation time from a timestamp token.
func GenTime(tokenData []byte) (time.Time, error) {
	tstInfo, err := ExtractTSTInfo(tokenData)
	if err != nil {
		return time.Time{}, err
	}
	return tstInfo.GenTime, nil
}

// TokenCertificates extracts certificates embedded in a token.
func TokenCertificates(tokenData []byte) ([]*x509.Certificate, error) {
	var contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(tokenData, &contentInfo); err != nil {
		return nil, err
	}

	var signedData struct {
		Version          int
		DigestAlgorithms asn1.RawValue
		EncapContentInfo asn1.RawValue
		Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
		CRLs             asn1.RawValue   `asn1:"optional,implicit,tag:1"`
		SignerInfos      asn1.RawValue
	}
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for _, certRaw := range signedData.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err == nil {
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

// VerifyTokenSignature verifies the token's own CMS signature using the
// TSA certificate embedded in the token and returns that certificate.
// The certificate must carry the timeStamping extended key usage, the
// token's genTime must fall inside its validity window, and any further
// embedded certificates must form a signature chain from the signer.
// Anchoring that chain in a trust store is the caller's policy decision.
func VerifyTokenSignature(tokenData []byte) (*x509.Certificate, error) {
	var contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(tokenData, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	var signedData struct {
		Version          int
		DigestAlgorithms asn1.RawValue
		EncapContentInfo struct {
			EContentType asn1.ObjectIdentifier
			EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
		}
		Certificates []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
		CRLs         asn1.RawValue   `asn1:"optional,implicit,tag:1"`
		SignerInfos  []asn1.RawValue `asn1:"set"`
	}
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if !signedData.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("%w: content is not TSTInfo", ErrInvalidTimestamp)
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, fmt.Errorf("%w: token has no signer info", ErrInvalidTimestamp)
	}

	var si tokenSignerInfo
	if _, err := asn1.Unmarshal(signedData.SignerInfos[0].FullBytes, &si); err != nil {
		return nil, fmt.Errorf("%w: malformed signer info: %v", ErrInvalidTimestamp, err)
	}

	var certs []*x509.Certificate
	for _, raw := range signedData.Certificates {
		if cert, err := x509.ParseCertificate(raw.FullBytes); err == nil {
			certs = append(certs, cert)
		}
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: token carries no TSA certificate", ErrInvalidTimestamp)
	}
	tsaCert := matchTokenSigner(si.SID, certs)
	if tsaCert == nil {
		return nil, fmt.Errorf("%w: signer certificate not found in token", ErrInvalidTimestamp)
	}

	hashAlg := hashFromOID(si.DigestAlgorithm.Algorithm)
	if hashAlg == 0 {
		return nil, fmt.Errorf("%w: unsupported digest algorithm", ErrInvalidTimestamp)
	}

	econtent := signedData.EncapContentInfo.EContent.Bytes
	signedMessage := econtent
	if len(si.SignedAttrs.FullBytes) > 0 {
		h := newHasher(hashAlg)
		h.Write(econtent)
		if err := checkMessageDigestAttr(si.SignedAttrs, h.Sum(nil)); err != nil {
			return nil, err
		}
		// The signature covers the attributes re-tagged as SET OF.
		signedMessage = append([]byte(nil), si.SignedAttrs.FullBytes...)
		signedMessage[0] = 0x31
	}

	h := newHasher(hashAlg)
	h.Write(signedMessage)
	if err := verifyTokenSig(tsaCert.PublicKey, hashAlg, h.Sum(nil), si.Signature); err != nil {
		return nil, fmt.Errorf("%w: token signature invalid: %v", ErrInvalidTimestamp, err)
	}

	hasTimeStamping := false
	for _, eku := range tsaCert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageTimeStamping {
			hasTimeStamping = true
		}
	}
	if !hasTimeStamping {
		return nil, fmt.Errorf("%w: TSA certificate lacks timeStamping extended key usage", ErrInvalidTimestamp)
	}

	tstInfo, err := ExtractTSTInfo(tokenData)
	if err != nil {
		return nil, err
	}
	if tstInfo.GenTime.Before(tsaCert.NotBefore) || tstInfo.GenTime.After(tsaCert.NotAfter) {
		return nil, fmt.Errorf("%w: genTime outside TSA certificate validity", ErrInvalidTimestamp)
	}

	if err := checkTokenChain(tsaCert, certs); err != nil {
		return nil, err
	}
	return tsaCert, nil
}

// matchTokenSigner locates the SignerInfo's certificate: SID is either
// issuerAndSerialNumber or an implicit [0] subjectKeyIdentifier.
func matchTokenSigner(sid asn1.RawValue, certs []*x509.Certificate) *x509.Certificate {
	if sid.Class == asn1.ClassUniversal {
		var ias struct {
			Issuer       asn1.RawValue
			SerialNumber *big.Int
		}
		if _, err := asn1.Unmarshal(sid.FullBytes, &ias); err == nil && ias.SerialNumber != nil {
			for _, cert := range certs {
				if cert.SerialNumber.Cmp(ias.SerialNumber) == 0 {
					return cert
				}
			}
		}
		return nil
	}
	for _, cert := range certs {
		if bytes.Equal(cert.SubjectKeyId, sid.Bytes) {
			return cert
		}
	}
	return nil
}

// checkMessageDigestAttr binds the signed attributes to the TSTInfo
// content: the messageDigest attribute must equal contentDigest.
func checkMessageDigestAttr(signedAttrs asn1.RawValue, contentDigest []byte) error {
	setBytes := append([]byte(nil), signedAttrs.FullBytes...)
	setBytes[0] = 0x31
	var attrs []tsaAttribute
	if _, err := asn1.UnmarshalWithParams(setBytes, &attrs, "set"); err != nil {
		return fmt.Errorf("%w: malformed signed attributes: %v", ErrInvalidTimestamp, err)
	}

	oidMessageDigest := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	for _, attr := range attrs {
		if !attr.Type.Equal(oidMessageDigest) || len(attr.Values) == 0 {
			continue
		}
		var digest []byte
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &digest); err != nil {
			return fmt.Errorf("%w: malformed messageDigest attribute: %v", ErrInvalidTimestamp, err)
		}
		if !bytes.Equal(digest, contentDigest) {
			return fmt.Errorf("%w: messageDigest attribute does not match TSTInfo", ErrInvalidTimestamp)
		}
		return nil
	}
	return fmt.Errorf("%w: messageDigest attribute missing", ErrInvalidTimestamp)
}

func verifyTokenSig(pub any, hashAlg crypto.Hash, digest, sig []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, hashAlg, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errors.New("ECDSA verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
}

// checkTokenChain walks issuer links among the embedded certificates so
// an embedded intermediate that does not actually certify the signer is
// rejected. A self-signed signer terminates the walk immediately.
func checkTokenChain(signer *x509.Certificate, certs []*x509.Certificate) error {
	current := signer
	for depth := 0; depth <= len(certs); depth++ {
		if bytes.Equal(current.RawIssuer, current.RawSubject) {
			return nil
		}
		var parent *x509.Certificate
		for _, c := range certs {
			if c != current && bytes.Equal(c.RawSubject, current.RawIssuer) {
				parent = c
				break
			}
		}
		if parent == nil {
			return nil
		}
		if err := current.CheckSignatureFrom(parent); err != nil {
			return fmt.Errorf("%w: TSA certificate chain invalid: %v", ErrInvalidTimestamp, err)
		}
		current = parent
	}
	return nil
}

// tokenSignerInfo is the raw view of a token's first SignerInfo.
type tokenSignerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,implicit,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

// VerifyTokenDigest checks the token's message imprint against an
// already computed digest.
func VerifyTokenDigest(tokenData, digest []byte) error {
	tstInfo, err := ExtractTSTInfo(tokenData)
	if err != nil {
		return err
	}
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, digest) {
		return ErrTimestampMismatch
	}
	return nil
}

// VerifyToken checks the token's message imprint against the original
// data, hashing with the algorithm the token names.
func VerifyToken(tokenData, originalData []byte) error {
	tstInfo, err := ExtractTSTInfo(tokenData)
	if err != nil {
		return err
	}

	hashAlg := hashFromOID(tstInfo.MessageImprint.HashAlgorithm.Algorithm)
	if hashAlg == 0 {
		return fmt.Errorf("%w: unsupported hash algorithm", ErrInvalidTimestamp)
	}

	h := newHasher(hashAlg)
	h.Write(originalData)
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, h.Sum(nil)) {
		return ErrTimestampMismatch
	}
	return nil
}

// Helper functions

func newHasher(alg crypto.Hash) hash.Hash {
	switch alg {
	case crypto.SHA384:
		return sha512.New384()
	case crypto.SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

func hashOID(alg crypto.Hash) asn1.ObjectIdentifier {
	switch alg {
	case crypto.SHA384:
		return OIDSHA384
	case crypto.SHA512:
		return OIDSHA512
	default:
		return OIDSHA256
	}
}

func hashFromOID(oid asn1.ObjectIdentifier) crypto.Hash {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256
	case oid.Equal(OIDSHA384):
		return crypto.SHA384
	case oid.Equal(OIDSHA512):
		return crypto.SHA512
	default:
		return 0
	}
}
